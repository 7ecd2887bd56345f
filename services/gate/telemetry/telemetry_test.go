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
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	_, err := Init(nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestInit_None(t *testing.T) {
	shutdown, err := Init(context.Background(), DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_UnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "zipkin"
	_, err := Init(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestInit_StdoutExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.TraceExporter = ExporterStdout
	cfg.Output = &buf

	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)

	ctx, span := otel.Tracer("test").Start(context.Background(), "deploy")
	assert.NotEmpty(t, TraceID(ctx))
	RecordError(span, errors.New("converge failed"))
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), `"Name":"deploy"`)
	assert.Contains(t, buf.String(), "converge failed")
}

func TestTraceID_NoSpan(t *testing.T) {
	assert.Empty(t, TraceID(context.Background()))
	RecordError(trace.SpanFromContext(context.Background()), nil)
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	m.ObserveDeploy("staging", "succeeded", time.Second)
	m.ObserveLockWait("routing", time.Second, true)
	m.ObserveReload("HEALTHY")
	m.ObserveDispatch("deploy", 0)
	assert.Nil(t, m.Registry())
	assert.NoError(t, m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
	assert.NoError(t, m.Shutdown(context.Background()))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	m.ObserveDeploy("staging", "succeeded", 1500*time.Millisecond)
	m.ObserveDeploy("staging", "rejected", 0)
	m.ObserveLockWait("routing", 20*time.Millisecond, true)
	m.ObserveReload("ROLLED_BACK")
	m.ObserveDispatch("status", 0)

	path := filepath.Join(t.TempDir(), "deploygate.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	for _, want := range []string{
		"deploygate_deploys",
		`environment="staging"`,
		`outcome="rejected"`,
		"deploygate_deploy_duration",
		"deploygate_lock_wait",
		`state="ROLLED_BACK"`,
		`exit_code="0"`,
	} {
		assert.Contains(t, text, want)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	m.ObserveReload("HEALTHY")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `state="HEALTHY"`))
}

func TestMetrics_StdoutReader(t *testing.T) {
	var buf bytes.Buffer
	m, err := NewMetrics(WithStdoutMetrics(&buf, time.Hour))
	require.NoError(t, err)

	m.ObserveDispatch("deploy", 65)
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "deploygate_dispatches")
}
