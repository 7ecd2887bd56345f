// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires OpenTelemetry tracing and the gateway's metrics.
//
// Tracing is configured once per process by Init. Spans are exported to
// stdout or an OTLP collector, or dropped.
//
// Metrics are recorded through the OTel metric API into a private
// Prometheus registry. A gateway invocation is short-lived, so the registry
// is written to a node-exporter textfile when the invocation ends; the
// status API serves the same registry at /metrics.
//
// Every Metrics method is safe to call on a nil *Metrics, so components can
// take metrics as an optional dependency.
package telemetry
