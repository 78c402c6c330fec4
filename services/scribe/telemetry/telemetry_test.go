// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/scribe/services/scribe/telemetry"
	"github.com/AleutianAI/scribe/services/scribe/telemetry/telemetrytest"
)

func TestDefaultConfig_NoEndpointDisables(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_TRACE_SAMPLING_RATE", "0.25")

	cfg := telemetry.DefaultConfig()
	if cfg.TraceExporter != telemetry.ExporterNone || cfg.MetricExporter != telemetry.ExporterNone {
		t.Fatalf("exporters = %s/%s, want none/none", cfg.TraceExporter, cfg.MetricExporter)
	}
	if cfg.SamplingRate != 0.25 {
		t.Errorf("SamplingRate = %v, want 0.25", cfg.SamplingRate)
	}

	p, err := telemetry.Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.Enabled() {
		t.Error("provider should be disabled without an endpoint")
	}
	if p.MetricsHandler() != nil {
		t.Error("no metrics handler expected")
	}
	if err := p.Shutdown(context.Background(), time.Second); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestDefaultConfig_WithEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4317")
	cfg := telemetry.DefaultConfig()
	if cfg.TraceExporter != telemetry.ExporterOTLP {
		t.Errorf("TraceExporter = %s", cfg.TraceExporter)
	}
	if cfg.OTLPEndpoint != "collector:4317" || !cfg.OTLPInsecure {
		t.Errorf("endpoint = %s insecure = %v", cfg.OTLPEndpoint, cfg.OTLPInsecure)
	}
}

func TestInit_Errors(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	if _, err := telemetry.Init(nil, telemetry.Config{}); !errors.Is(err, telemetry.ErrNilContext) {
		t.Errorf("nil ctx err = %v", err)
	}

	cfg := telemetry.Config{TraceExporter: "zipkin", MetricExporter: telemetry.ExporterNone, SamplingRate: 1}
	if _, err := telemetry.Init(context.Background(), cfg); !errors.Is(err, telemetry.ErrUnknownExporter) {
		t.Errorf("unknown exporter err = %v", err)
	}

	cfg = telemetry.Config{TraceExporter: telemetry.ExporterNone, MetricExporter: telemetry.ExporterNone, SamplingRate: 2}
	if _, err := telemetry.Init(context.Background(), cfg); !errors.Is(err, telemetry.ErrInvalidSamplingRate) {
		t.Errorf("bad rate err = %v", err)
	}
}

func TestInit_PrometheusHandler(t *testing.T) {
	cfg := telemetry.Config{
		ServiceName:    "scribe-test",
		TraceExporter:  telemetry.ExporterNone,
		MetricExporter: telemetry.ExporterPrometheus,
		SamplingRate:   1,
	}
	p, err := telemetry.Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background(), time.Second)

	if !p.Enabled() || p.MetricsHandler() == nil {
		t.Fatal("prometheus exporter should expose a handler")
	}
}

func TestBoundary_SpanAndMetrics(t *testing.T) {
	rec := telemetrytest.New(t)
	ctx := context.Background()

	_, call := rec.Provider.StartBoundary(ctx, telemetry.Boundary{
		Direction: telemetry.DirectionInbound,
		Protocol:  "file_system",
		Operation: "event_validation",
		Endpoint:  "notes/x.md",
	})
	call.End(ctx, nil)

	_, call = rec.Provider.StartBoundary(ctx, telemetry.Boundary{
		Direction: telemetry.DirectionInbound,
		Protocol:  "http",
		Operation: "event_validation",
	})
	call.End(ctx, errors.New("invalid"))

	names := rec.SpanNames()
	if len(names) != 2 || names[0] != "inbound_file_system_event_validation" || names[1] != "inbound_http_event_validation" {
		t.Fatalf("span names = %v", names)
	}
	if got, _ := rec.SpanAttr("inbound_file_system_event_validation", "endpoint"); got != "notes/x.md" {
		t.Errorf("endpoint attr = %q", got)
	}
	if rec.Spans()[1].Status().Code != codes.Error {
		t.Errorf("failed call status = %v", rec.Spans()[1].Status())
	}
	if n := rec.Counter(t, telemetry.MetricBoundaryCalls); n != 2 {
		t.Errorf("boundary_calls_total = %d, want 2", n)
	}
	if n := rec.HistogramCount(t, telemetry.MetricBoundaryCallDuration); n != 2 {
		t.Errorf("boundary_call_duration_seconds count = %d, want 2", n)
	}
}

func TestNoop_RecordsNothing(t *testing.T) {
	p := telemetry.NewNoop()
	ctx, span := p.StartSpan(context.Background(), "x")
	p.Metrics.ActionExecutions.Add(ctx, 1)
	p.Metrics.QueueSize.Record(ctx, 3)
	span.End()
	if span.SpanContext().IsValid() {
		t.Error("noop span should have an invalid span context")
	}
}

func TestLoggerWithTrace(t *testing.T) {
	rec := telemetrytest.New(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx, span := rec.Provider.StartSpan(context.Background(), "op")
	telemetry.LoggerWithTrace(ctx, logger).Info("hello")
	span.End()

	if !strings.Contains(buf.String(), span.SpanContext().TraceID().String()) {
		t.Errorf("log line missing trace id: %s", buf.String())
	}

	buf.Reset()
	telemetry.LoggerWithTrace(context.Background(), logger).Info("plain")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("unexpected trace_id: %s", buf.String())
	}
}
