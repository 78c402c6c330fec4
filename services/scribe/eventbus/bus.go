// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package eventbus is the in-process publish/subscribe queue that decouples
// event producers (watcher, config manager, plugin loader) from consumers
// (worker pool, rule processor).
//
// The queue is a bounded FIFO. Publish never blocks: when the queue is full
// the event is dropped, counted, and Publish returns false so the producer
// can route it elsewhere.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Topics published by Scribe components.
const (
	TopicFileEvent           = "file_event"
	TopicConfigChanged       = "config_changed"
	TopicPluginsReloaded     = "plugins_reloaded"
	TopicBreakerStateChanged = "breaker_state_changed"
)

// DefaultCapacity is the queue size used when none is configured.
const DefaultCapacity = 1000

// ErrHandlerPanic wraps a recovered panic from a subscriber.
var ErrHandlerPanic = errors.New("event handler panicked")

// Event is one queued message.
type Event struct {
	// Type is the topic the event was published on.
	Type string

	// Data is the producer's payload.
	Data any

	// CorrelationID ties the event to the originating request or file event.
	CorrelationID string

	// PublishedAt is when Publish accepted the event.
	PublishedAt time.Time
}

// Handler processes an event. Returned errors are logged; they never stop
// delivery to the remaining subscribers.
type Handler func(ctx context.Context, evt Event) error

type subscription struct {
	id      string
	topic   string
	handler Handler
}

// Stats is a point-in-time view of bus counters.
type Stats struct {
	Published     int64 `json:"published"`
	Dropped       int64 `json:"dropped"`
	Delivered     int64 `json:"delivered"`
	HandlerErrors int64 `json:"handler_errors"`
	Queued        int   `json:"queued"`
	Capacity      int   `json:"capacity"`
	Subscriptions int   `json:"subscriptions"`
}

// Bus is a bounded, non-blocking event queue with ordered fan-out.
//
// # Description
//
// Producers call Publish from any goroutine. Consumers either drain the
// queue cooperatively with ProcessEvents or loop over Next and Deliver from
// worker goroutines. For a given topic, handlers run in registration order.
//
// # Thread Safety
//
// Bus is safe for concurrent use.
type Bus struct {
	logger *slog.Logger
	queue  chan Event

	mu     sync.RWMutex
	subs   map[string][]subscription
	closed bool
	done   chan struct{}
	once   sync.Once

	published     atomic.Int64
	dropped       atomic.Int64
	delivered     atomic.Int64
	handlerErrors atomic.Int64

	dropLog *rate.Limiter
}

// Option configures a Bus.
type Option func(*busOptions)

type busOptions struct {
	capacity int
	logger   *slog.Logger
}

// WithCapacity sets the queue bound.
func WithCapacity(n int) Option {
	return func(o *busOptions) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *busOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates a Bus.
func New(opts ...Option) *Bus {
	o := busOptions{capacity: DefaultCapacity, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Bus{
		logger:  o.logger,
		queue:   make(chan Event, o.capacity),
		subs:    make(map[string][]subscription),
		done:    make(chan struct{}),
		dropLog: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Subscribe registers handler for topic and returns a subscription id.
func (b *Bus) Subscribe(topic string, handler Handler) string {
	id := uuid.NewString()
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], subscription{id: id, topic: topic, handler: handler})
	b.mu.Unlock()
	return id
}

// Unsubscribe removes a subscription. It returns false for unknown ids.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, list := range b.subs {
		for i, s := range list {
			if s.id == id {
				b.subs[topic] = append(list[:i:i], list[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish enqueues an event without blocking.
//
// # Outputs
//
//   - bool: False if the queue is full or the bus is closed. The event is
//     dropped and counted.
func (b *Bus) Publish(topic string, data any) bool {
	return b.PublishWithCorrelation(topic, data, "")
}

// PublishWithCorrelation is Publish with an explicit correlation id.
func (b *Bus) PublishWithCorrelation(topic string, data any, correlationID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.drop(topic, "closed")
		return false
	}

	evt := Event{Type: topic, Data: data, CorrelationID: correlationID, PublishedAt: time.Now()}
	select {
	case b.queue <- evt:
		b.published.Add(1)
		return true
	default:
		b.drop(topic, "full")
		return false
	}
}

func (b *Bus) drop(topic, reason string) {
	b.dropped.Add(1)
	if b.dropLog.Allow() {
		b.logger.Warn("event bus dropped event",
			slog.String("topic", topic),
			slog.String("reason", reason),
			slog.Int64("dropped_total", b.dropped.Load()))
	}
}

// Next blocks until an event is available, the context ends, or the bus
// is closed and drained.
func (b *Bus) Next(ctx context.Context) (Event, bool) {
	select {
	case evt := <-b.queue:
		return evt, true
	default:
	}
	select {
	case evt := <-b.queue:
		return evt, true
	case <-ctx.Done():
		return Event{}, false
	case <-b.done:
		return Event{}, false
	}
}

// Deliver invokes every handler subscribed to evt.Type, in registration
// order. Handler panics and errors are recovered and logged.
func (b *Bus) Deliver(ctx context.Context, evt Event) {
	b.mu.RLock()
	list := b.subs[evt.Type]
	handlers := make([]subscription, len(list))
	copy(handlers, list)
	b.mu.RUnlock()

	for _, s := range handlers {
		if err := b.safeInvoke(ctx, s, evt); err != nil {
			b.handlerErrors.Add(1)
			b.logger.Error("event handler failed",
				slog.String("topic", evt.Type),
				slog.String("subscription", s.id),
				slog.String("correlation_id", evt.CorrelationID),
				slog.String("error", err.Error()))
		}
	}
	b.delivered.Add(1)
}

func (b *Bus) safeInvoke(ctx context.Context, s subscription, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return s.handler(ctx, evt)
}

// ProcessEvents drains up to limit queued events on the caller's goroutine.
// A limit of 0 drains whatever is queued now. It returns the number of
// events delivered.
func (b *Bus) ProcessEvents(ctx context.Context, limit int) int {
	n := 0
	for limit <= 0 || n < limit {
		if ctx.Err() != nil {
			return n
		}
		select {
		case evt := <-b.queue:
			b.Deliver(ctx, evt)
			n++
		default:
			return n
		}
	}
	return n
}

// Len returns the number of queued events.
func (b *Bus) Len() int {
	return len(b.queue)
}

// Capacity returns the queue bound.
func (b *Bus) Capacity() int {
	return cap(b.queue)
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := 0
	for _, list := range b.subs {
		n += len(list)
	}
	b.mu.RUnlock()
	return Stats{
		Published:     b.published.Load(),
		Dropped:       b.dropped.Load(),
		Delivered:     b.delivered.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		Queued:        b.Len(),
		Capacity:      b.Capacity(),
		Subscriptions: n,
	}
}

// Close stops accepting events and wakes goroutines blocked in Next.
// Events already queued can still be drained with ProcessEvents. Close is
// idempotent.
func (b *Bus) Close() {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.done)
	})
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}
