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
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Direction of a boundary crossing.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
	DirectionInternal = "internal"
)

// Provider bundles the tracer and metric instruments handed to components.
//
// # Description
//
// A Provider is passed by reference to every component that records
// telemetry. The zero-cost variant from NewNoop is used when telemetry is
// disabled and in tests that do not assert on telemetry.
//
// # Thread Safety
//
// Provider is safe for concurrent use.
type Provider struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	tracer         trace.Tracer

	// Metrics holds the Scribe instruments. Never nil.
	Metrics *Metrics

	enabled        bool
	metricsHandler http.Handler
	shutdown       func(context.Context) error
}

// NewNoop returns a Provider whose spans and instruments do nothing.
func NewNoop() *Provider {
	p, err := NewProvider(tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
	if err != nil {
		// The no-op meter never fails instrument creation.
		panic(fmt.Sprintf("noop telemetry: %v", err))
	}
	return p
}

// NewProvider builds a Provider over arbitrary tracer and meter providers.
// Tests pass SDK providers wired to in-memory recorders.
func NewProvider(tp trace.TracerProvider, mp metric.MeterProvider) (*Provider, error) {
	metrics, err := NewMetrics(mp.Meter(instrumentationName))
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	return &Provider{
		tracerProvider: tp,
		meterProvider:  mp,
		tracer:         tp.Tracer(instrumentationName),
		Metrics:        metrics,
		shutdown:       func(context.Context) error { return nil },
	}, nil
}

// Tracer returns the Scribe tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// TracerProvider returns the underlying tracer provider, for
// instrumentation libraries that take one.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// Enabled reports whether any exporter is active.
func (p *Provider) Enabled() bool {
	return p.enabled
}

// MetricsHandler returns the Prometheus /metrics handler, or nil when the
// Prometheus exporter is not active.
func (p *Provider) MetricsHandler() http.Handler {
	return p.metricsHandler
}

// Shutdown flushes and stops the exporters, bounded by timeout.
func (p *Provider) Shutdown(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return p.shutdown(ctx)
}

// StartSpan starts a span with the Scribe tracer.
//
// Example:
//
//	ctx, span := tel.StartSpan(ctx, "dispatch_rule",
//	    trace.WithAttributes(attribute.String("rule_id", id)))
//	defer span.End()
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, opts...)
}

// Boundary describes one boundary crossing.
type Boundary struct {
	// Direction is inbound, outbound or internal.
	Direction string

	// Protocol is the surface, e.g. "file_system", "http", "nats", "plugin".
	Protocol string

	// Operation names what happens at the boundary, e.g. "event_validation".
	Operation string

	// Endpoint identifies the concrete peer, e.g. a path or action type.
	Endpoint string
}

// SpanName returns "<direction>_<protocol>_<operation>".
func (b Boundary) SpanName() string {
	return b.Direction + "_" + b.Protocol + "_" + b.Operation
}

func (b Boundary) attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("interface.type", b.Direction),
		attribute.String("protocol", b.Protocol),
		attribute.String("endpoint", b.Endpoint),
		attribute.String("operation", b.Operation),
	}
}

// BoundaryCall tracks one in-flight boundary crossing.
type BoundaryCall struct {
	p     *Provider
	b     Boundary
	span  trace.Span
	start time.Time
}

// StartBoundary opens a boundary span and starts its timer.
//
// Description:
//
//	The returned call must be finished with End, which records the span
//	status, boundary_calls_total and boundary_call_duration_seconds.
//
// Example:
//
//	ctx, call := tel.StartBoundary(ctx, telemetry.Boundary{
//	    Direction: telemetry.DirectionInbound,
//	    Protocol:  "file_system",
//	    Operation: "event_validation",
//	    Endpoint:  path,
//	})
//	defer call.End(ctx, err)
func (p *Provider) StartBoundary(ctx context.Context, b Boundary, attrs ...attribute.KeyValue) (context.Context, *BoundaryCall) {
	all := append(b.attributes(), attrs...)
	ctx, span := p.tracer.Start(ctx, b.SpanName(), trace.WithAttributes(all...))
	return ctx, &BoundaryCall{p: p, b: b, span: span, start: time.Now()}
}

// Span returns the underlying span.
func (c *BoundaryCall) Span() trace.Span {
	return c.span
}

// End closes the span and records the call metrics. A non-nil err marks
// the span as failed.
func (c *BoundaryCall) End(ctx context.Context, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		RecordError(c.span, err)
	} else {
		SetSpanOK(c.span)
	}
	set := metric.WithAttributes(
		attribute.String("direction", c.b.Direction),
		attribute.String("protocol", c.b.Protocol),
		attribute.String("operation", c.b.Operation),
		attribute.String("status", status),
	)
	c.p.Metrics.BoundaryCalls.Add(ctx, 1, set)
	c.p.Metrics.BoundaryCallDuration.Record(ctx, time.Since(c.start).Seconds(), set)
	c.span.End()
}
