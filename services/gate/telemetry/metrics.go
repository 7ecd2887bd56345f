// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/AleutianAI/deploygate"

// Metrics holds the gateway's instruments.
//
// # Description
//
// Instruments are created on a private MeterProvider whose Prometheus
// reader is registered with a private registry, so nothing leaks into the
// global default registry between tests or invocations.
//
// # Thread Safety
//
// Safe for concurrent use. All methods are no-ops on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	deploys        metric.Int64Counter
	deployDuration metric.Float64Histogram
	lockWait       metric.Float64Histogram
	reloads        metric.Int64Counter
	dispatches     metric.Int64Counter
}

// MetricsOption adds a reader to the metrics pipeline.
type MetricsOption func(*metricsOptions) error

type metricsOptions struct {
	readers []sdkmetric.Reader
}

// WithStdoutMetrics also exports metrics to w when the pipeline shuts down
// or every interval, whichever comes first.
func WithStdoutMetrics(w io.Writer, interval time.Duration) MetricsOption {
	return func(o *metricsOptions) error {
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		if err != nil {
			return fmt.Errorf("create stdout metric exporter: %w", err)
		}
		o.readers = append(o.readers, sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval)))
		return nil
	}
}

// NewMetrics builds the metrics pipeline.
//
// # Outputs
//
//   - *Metrics: ready to record. Call Shutdown when done.
//   - error: an exporter or instrument failure.
func NewMetrics(opts ...MetricsOption) (*Metrics, error) {
	var o metricsOptions
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}

	registry := prometheus.NewRegistry()
	exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	providerOpts := []sdkmetric.Option{sdkmetric.WithReader(exporter)}
	for _, r := range o.readers {
		providerOpts = append(providerOpts, sdkmetric.WithReader(r))
	}
	provider := sdkmetric.NewMeterProvider(providerOpts...)
	meter := provider.Meter(meterName)

	m := &Metrics{registry: registry, provider: provider}

	if m.deploys, err = meter.Int64Counter(
		"deploygate_deploys",
		metric.WithDescription("Deploy requests by environment and outcome"),
	); err != nil {
		return nil, fmt.Errorf("create deploys counter: %w", err)
	}
	if m.deployDuration, err = meter.Float64Histogram(
		"deploygate_deploy_duration",
		metric.WithDescription("Deploy duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create deploy duration histogram: %w", err)
	}
	if m.lockWait, err = meter.Float64Histogram(
		"deploygate_lock_wait",
		metric.WithDescription("Time spent waiting for a lease in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create lock wait histogram: %w", err)
	}
	if m.reloads, err = meter.Int64Counter(
		"deploygate_routing_reloads",
		metric.WithDescription("Routing apply attempts by final state"),
	); err != nil {
		return nil, fmt.Errorf("create reloads counter: %w", err)
	}
	if m.dispatches, err = meter.Int64Counter(
		"deploygate_dispatches",
		metric.WithDescription("Dispatched commands by command and exit code"),
	); err != nil {
		return nil, fmt.Errorf("create dispatches counter: %w", err)
	}
	return m, nil
}

// ObserveDeploy records one finished deploy.
func (m *Metrics) ObserveDeploy(env, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("environment", env),
		attribute.String("outcome", outcome),
	)
	ctx := context.Background()
	m.deploys.Add(ctx, 1, attrs)
	m.deployDuration.Record(ctx, d.Seconds(), attrs)
}

// ObserveLockWait records how long acquiring key took.
func (m *Metrics) ObserveLockWait(key string, d time.Duration, acquired bool) {
	if m == nil {
		return
	}
	m.lockWait.Record(context.Background(), d.Seconds(), metric.WithAttributes(
		attribute.String("key", key),
		attribute.Bool("acquired", acquired),
	))
}

// ObserveReload records the final state of one routing apply.
func (m *Metrics) ObserveReload(state string) {
	if m == nil {
		return
	}
	m.reloads.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", state)))
}

// ObserveDispatch records one dispatched command.
func (m *Metrics) ObserveDispatch(command string, exitCode int) {
	if m == nil {
		return
	}
	m.dispatches.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("exit_code", strconv.Itoa(exitCode)),
	))
}

// Registry returns the registry the instruments are exported to.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the registry to path for the node-exporter textfile
// collector. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// Shutdown flushes and stops every reader.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
