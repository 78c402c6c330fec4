// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingress is the single entry point for externally produced events.
//
// Every surface (the file watcher, and the HTTP and NATS adapters when they
// are attached) hands its payloads to a Gate. The gate validates them at the
// L1 boundary, diverts rejects and overflow to the DLQ, and publishes the
// rest on the event bus with a correlation id.
package ingress

import (
	"context"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/scribe/services/scribe/boundary"
	"github.com/AleutianAI/scribe/services/scribe/datatypes"
	"github.com/AleutianAI/scribe/services/scribe/dlq"
	"github.com/AleutianAI/scribe/services/scribe/eventbus"
	"github.com/AleutianAI/scribe/services/scribe/telemetry"
)

// ErrBusFull is the DLQ error recorded for an event the bus refused.
const ErrBusFull = "event bus full"

// Validator is the part of *boundary.Validator the gate needs.
type Validator interface {
	ValidateL1Input(ctx context.Context, payload any, surface string) boundary.ValidationResult
}

// Publisher is the part of *eventbus.Bus the gate needs.
type Publisher interface {
	PublishWithCorrelation(topic string, data any, correlationID string) bool
}

// Admitter is what event producers depend on.
type Admitter interface {
	Admit(ctx context.Context, surface string, payload map[string]any) bool
}

// Stats counts gate outcomes.
type Stats struct {
	Admitted int64 `json:"admitted"`
	Rejected int64 `json:"rejected"`
	Dropped  int64 `json:"dropped"`
}

// Gate validates and publishes ingress events.
//
// # Thread Safety
//
// Safe for concurrent use.
type Gate struct {
	validator Validator
	bus       Publisher
	dlq       dlq.Writer
	logger    *slog.Logger
	tel       *telemetry.Provider

	admitted atomic.Int64
	rejected atomic.Int64
	dropped  atomic.Int64
}

var _ Admitter = (*Gate)(nil)

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithTelemetry sets the telemetry provider.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(g *Gate) {
		if p != nil {
			g.tel = p
		}
	}
}

// New creates a Gate.
func New(v Validator, bus Publisher, sink dlq.Writer, opts ...Option) *Gate {
	g := &Gate{
		validator: v,
		bus:       bus,
		dlq:       sink,
		logger:    slog.Default(),
		tel:       telemetry.NewNoop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Topic returns the bus topic events of surface are published on.
// File system events go to file_event; other surfaces get
// "<surface>_event".
func Topic(surface string) string {
	if surface == dlq.SurfaceFileSystem {
		return eventbus.TopicFileEvent
	}
	return surface + "_event"
}

// Admit validates payload for surface and publishes it.
//
// # Description
//
// An invalid payload is written to the DLQ with the validator's errors and
// never published. A valid file system payload is decoded into a
// datatypes.FileEvent; other surfaces publish the payload map as is. When
// the bus refuses the event it is written to the DLQ as "event bus full".
//
// # Outputs
//
//   - bool: true when the event was published.
func (g *Gate) Admit(ctx context.Context, surface string, payload map[string]any) bool {
	cid := correlationID(payload)
	ctx, span := g.tel.StartSpan(ctx, "ingress_admit", trace.WithAttributes(
		attribute.String("surface", surface),
		attribute.String("event_id", cid),
	))
	defer span.End()

	vr := g.validator.ValidateL1Input(ctx, payload, surface)
	if !vr.Valid {
		g.rejected.Add(1)
		span.SetAttributes(attribute.String("outcome", "rejected"))
		g.dlq.Write(ctx, surface, cid, vr.Errors, payload)
		g.logger.Warn("ingress event rejected",
			slog.String("surface", surface),
			slog.String("event_id", cid),
			slog.Any("errors", vr.Errors))
		return false
	}

	var data any = payload
	topic := Topic(surface)
	if surface == dlq.SurfaceFileSystem {
		evt, err := datatypes.FileEventFromPayload(payload)
		if err != nil {
			g.rejected.Add(1)
			telemetry.RecordError(span, err)
			g.dlq.Write(ctx, surface, cid, []string{err.Error()}, payload)
			return false
		}
		data = evt
		g.tel.Metrics.FileEvents.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event_type", string(evt.Type)),
			attribute.String("stage", "ingress")))
	}

	if !g.bus.PublishWithCorrelation(topic, data, cid) {
		g.dropped.Add(1)
		span.SetAttributes(attribute.String("outcome", "dropped"))
		g.dlq.Write(ctx, surface, cid, []string{ErrBusFull}, payload)
		g.logger.Warn("ingress event dropped",
			slog.String("surface", surface),
			slog.String("event_id", cid),
			slog.String("reason", ErrBusFull))
		return false
	}

	g.admitted.Add(1)
	span.SetAttributes(attribute.String("outcome", "published"))
	telemetry.SetSpanOK(span)
	return true
}

// AdmitFileEvent admits evt on the file system surface.
func (g *Gate) AdmitFileEvent(ctx context.Context, evt datatypes.FileEvent) bool {
	return g.Admit(ctx, dlq.SurfaceFileSystem, evt.Payload())
}

// Stats returns the gate counters.
func (g *Gate) Stats() Stats {
	return Stats{
		Admitted: g.admitted.Load(),
		Rejected: g.rejected.Load(),
		Dropped:  g.dropped.Load(),
	}
}

// correlationID picks the id field every L1 schema carries.
func correlationID(payload map[string]any) string {
	for _, key := range []string{"event_id", "request_id", "message_id"} {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
