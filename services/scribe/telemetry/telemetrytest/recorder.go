// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetrytest provides an in-memory telemetry Provider for tests.
package telemetrytest

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/scribe/services/scribe/telemetry"
)

// Recorder captures spans and metrics emitted through its Provider.
type Recorder struct {
	Provider *telemetry.Provider

	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
}

// New returns a Recorder. Providers are shut down on test cleanup.
func New(t testing.TB) *Recorder {
	t.Helper()

	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	p, err := telemetry.NewProvider(tp, mp)
	if err != nil {
		t.Fatalf("telemetrytest: %v", err)
	}
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})
	return &Recorder{Provider: p, spans: spans, reader: reader}
}

// SpanNames returns the names of ended spans in end order.
func (r *Recorder) SpanNames() []string {
	ended := r.spans.Ended()
	names := make([]string, len(ended))
	for i, s := range ended {
		names[i] = s.Name()
	}
	return names
}

// Spans returns the ended spans.
func (r *Recorder) Spans() []sdktrace.ReadOnlySpan {
	return r.spans.Ended()
}

// SpanAttr returns the string attribute key of the first ended span named name.
func (r *Recorder) SpanAttr(name string, key attribute.Key) (string, bool) {
	for _, s := range r.spans.Ended() {
		if s.Name() != name {
			continue
		}
		for _, kv := range s.Attributes() {
			if kv.Key == key {
				return kv.Value.Emit(), true
			}
		}
	}
	return "", false
}

func (r *Recorder) collect(t testing.TB) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	return rm
}

func (r *Recorder) find(t testing.TB, name string) (metricdata.Metrics, bool) {
	t.Helper()
	for _, sm := range r.collect(t).ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

// Counter returns the sum of every data point of an Int64 counter, or 0
// when nothing was recorded.
func (r *Recorder) Counter(t testing.TB, name string) int64 {
	t.Helper()
	m, ok := r.find(t, name)
	if !ok {
		return 0
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %s is %T, not an int64 sum", name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

// HistogramCount returns the number of observations of a float64 histogram.
func (r *Recorder) HistogramCount(t testing.TB, name string) uint64 {
	t.Helper()
	m, ok := r.find(t, name)
	if !ok {
		return 0
	}
	h, ok := m.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric %s is %T, not a float64 histogram", name, m.Data)
	}
	var total uint64
	for _, dp := range h.DataPoints {
		total += dp.Count
	}
	return total
}

// Gauge returns the last value of an Int64 gauge and whether it was recorded.
func (r *Recorder) Gauge(t testing.TB, name string) (int64, bool) {
	t.Helper()
	m, ok := r.find(t, name)
	if !ok {
		return 0, false
	}
	g, ok := m.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatalf("metric %s is %T, not an int64 gauge", name, m.Data)
	}
	if len(g.DataPoints) == 0 {
		return 0, false
	}
	return g.DataPoints[len(g.DataPoints)-1].Value, true
}
