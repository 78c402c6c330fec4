// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package worker drains file events from the bus and applies rules to them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/scribe/services/scribe/atomicwrite"
	"github.com/AleutianAI/scribe/services/scribe/datatypes"
	"github.com/AleutianAI/scribe/services/scribe/dispatcher"
	"github.com/AleutianAI/scribe/services/scribe/dlq"
	"github.com/AleutianAI/scribe/services/scribe/eventbus"
	"github.com/AleutianAI/scribe/services/scribe/rules"
	"github.com/AleutianAI/scribe/services/scribe/telemetry"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("worker pool already started")

	// ErrNotStarted is returned by Stop before Start.
	ErrNotStarted = errors.New("worker pool not started")

	// ErrUnexpectedPayload is returned for a file_event that carries
	// neither a FileEvent nor its payload map.
	ErrUnexpectedPayload = errors.New("unexpected file_event payload")
)

// DefaultWorkers is used when no worker count is configured.
const DefaultWorkers = 4

// Matcher produces the rule matches for a file. *rules.Processor
// implements it.
type Matcher interface {
	ProcessFile(filePath, content, eventID string) []rules.RuleMatch
}

// Dispatcher runs one match's action chain. *dispatcher.Dispatcher
// implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, rm rules.RuleMatch) dispatcher.DispatchResult
}

// Stats counts pool outcomes.
type Stats struct {
	Processed     int64 `json:"processed"`
	Skipped       int64 `json:"skipped"`
	Dispatches    int64 `json:"dispatches"`
	Written       int64 `json:"written"`
	Quarantined   int64 `json:"quarantined"`
	WriteFailures int64 `json:"write_failures"`
	ReadFailures  int64 `json:"read_failures"`
}

// Pool is a fixed set of workers consuming file_event.
//
// # Description
//
// Each worker loops on bus.Next and bus.Deliver, so every subscriber of a
// topic runs on a worker goroutine. The pool subscribes its own file_event
// handler, which reads the file, runs every rule match through the
// dispatcher while threading the content forward, and writes the result
// back atomically when it changed. Work on one file is serialized.
//
// # Thread Safety
//
// Safe for concurrent use.
type Pool struct {
	bus       *eventbus.Bus
	matcher   Matcher
	disp      Dispatcher
	writer    *atomicwrite.Writer
	dlq       dlq.Writer
	logger    *slog.Logger
	tel       *telemetry.Provider
	workers   int
	threshold int64
	now       func() time.Time

	locks    *fileLocks
	active   atomic.Int64
	shutdown atomic.Bool

	mu      sync.Mutex
	started bool
	subID   string
	cancel  context.CancelFunc
	done    chan error

	processed     atomic.Int64
	skipped       atomic.Int64
	dispatches    atomic.Int64
	written       atomic.Int64
	quarantined   atomic.Int64
	writeFailures atomic.Int64
	readFailures  atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithWorkers sets the number of workers.
func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithTelemetry sets the telemetry provider.
func WithTelemetry(t *telemetry.Provider) Option {
	return func(p *Pool) {
		if t != nil {
			p.tel = t
		}
	}
}

// WithWriter sets the atomic writer used for write-back.
func WithWriter(w *atomicwrite.Writer) Option {
	return func(p *Pool) {
		if w != nil {
			p.writer = w
		}
	}
}

// WithDLQ records failed reads and writes on w.
func WithDLQ(w dlq.Writer) Option {
	return func(p *Pool) { p.dlq = w }
}

// WithLargeFileThreshold sets the size above which files are streamed.
func WithLargeFileThreshold(n int64) Option {
	return func(p *Pool) {
		if n > 0 {
			p.threshold = n
		}
	}
}

// New creates a Pool.
func New(bus *eventbus.Bus, matcher Matcher, disp Dispatcher, opts ...Option) *Pool {
	p := &Pool{
		bus:       bus,
		matcher:   matcher,
		disp:      disp,
		writer:    atomicwrite.New(),
		logger:    slog.Default(),
		tel:       telemetry.NewNoop(),
		workers:   DefaultWorkers,
		threshold: atomicwrite.LargeFileThreshold,
		now:       time.Now,
		locks:     newFileLocks(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start subscribes the file_event handler and launches the workers.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true
	p.subID = p.bus.Subscribe(eventbus.TopicFileEvent, p.handleEvent)

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan error, 1)

	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < p.workers; i++ {
		id := i
		g.Go(func() error { return p.loop(gctx, id) })
	}
	go func() { p.done <- g.Wait() }()

	p.logger.Info("worker pool started", slog.Int("workers", p.workers))
	return nil
}

// Stop closes the bus, lets the workers drain what is queued, and waits
// for them until ctx ends.
//
// # Outputs
//
//   - error: ctx.Err() when the workers did not finish in time; they are
//     then canceled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	done, cancel := p.done, p.cancel
	p.mu.Unlock()

	if !p.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	p.bus.Close()

	select {
	case err := <-done:
		cancel()
		p.bus.Unsubscribe(p.subID)
		p.logger.Info("worker pool stopped")
		return err
	case <-ctx.Done():
		cancel()
		p.logger.Warn("worker pool stop timed out", slog.Int64("active_workers", p.active.Load()))
		return ctx.Err()
	}
}

// ActiveWorkers returns how many workers are handling an event now.
func (p *Pool) ActiveWorkers() int64 {
	return p.active.Load()
}

// Workers returns the configured worker count.
func (p *Pool) Workers() int {
	return p.workers
}

// Stats returns the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Processed:     p.processed.Load(),
		Skipped:       p.skipped.Load(),
		Dispatches:    p.dispatches.Load(),
		Written:       p.written.Load(),
		Quarantined:   p.quarantined.Load(),
		WriteFailures: p.writeFailures.Load(),
		ReadFailures:  p.readFailures.Load(),
	}
}

func (p *Pool) loop(ctx context.Context, id int) error {
	for {
		evt, ok := p.bus.Next(ctx)
		if !ok {
			p.logger.Debug("worker exiting", slog.Int("worker", id))
			return nil
		}
		p.tel.Metrics.QueueSize.Record(ctx, int64(p.bus.Len()))
		p.bus.Deliver(ctx, evt)
	}
}

func (p *Pool) handleEvent(ctx context.Context, evt eventbus.Event) error {
	var fe datatypes.FileEvent
	switch data := evt.Data.(type) {
	case datatypes.FileEvent:
		fe = data
	case *datatypes.FileEvent:
		fe = *data
	case map[string]any:
		decoded, err := datatypes.FileEventFromPayload(data)
		if err != nil {
			return err
		}
		fe = decoded
	default:
		return fmt.Errorf("%w: %T", ErrUnexpectedPayload, evt.Data)
	}
	p.Process(ctx, fe)
	return nil
}

// Process handles one file event on the caller's goroutine.
func (p *Pool) Process(ctx context.Context, fe datatypes.FileEvent) {
	start := p.now()
	n := p.active.Add(1)
	p.tel.Metrics.ActiveWorkers.Record(ctx, n)
	defer func() {
		p.tel.Metrics.ActiveWorkers.Record(ctx, p.active.Add(-1))
	}()

	ctx, span := p.tel.StartSpan(ctx, "process_file", trace.WithAttributes(
		attribute.String("event_id", fe.EventID),
		attribute.String("event_type", string(fe.Type)),
		attribute.String("file_path", fe.FilePath),
	))
	defer span.End()
	logger := telemetry.LoggerWithTrace(ctx, p.logger).With(
		slog.String("event_id", fe.EventID),
		slog.String("file_path", fe.FilePath))

	outcome := p.process(ctx, fe, logger)

	span.SetAttributes(attribute.String("outcome", outcome))
	p.tel.Metrics.FileProcessingDuration.Record(ctx, p.now().Sub(start).Seconds(), metric.WithAttributes(
		attribute.String("event_type", string(fe.Type)),
		attribute.String("outcome", outcome)))
	p.processed.Add(1)
}

func (p *Pool) process(ctx context.Context, fe datatypes.FileEvent, logger *slog.Logger) string {
	if fe.Type == datatypes.EventDeleted {
		p.skipped.Add(1)
		return "skipped"
	}

	unlock := p.locks.lock(fe.FilePath)
	defer unlock()

	content, streamed, err := atomicwrite.ReadAuto(fe.FilePath, p.threshold)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			p.skipped.Add(1)
			logger.Debug("file vanished before processing")
			return "skipped"
		}
		p.readFailures.Add(1)
		logger.Error("read failed", slog.String("error", err.Error()))
		p.dlqWrite(ctx, fe, "read failed: "+err.Error(), nil)
		return "read_failed"
	}
	if streamed {
		logger.Debug("large file streamed", slog.Int("bytes", len(content)))
	}

	matches := p.matcher.ProcessFile(fe.FilePath, content, fe.EventID)
	if len(matches) == 0 {
		return "no_match"
	}

	current := content
	var (
		ruleIDs []string
		offsets offsetMap
	)
	for _, rm := range matches {
		m, ok := offsets.relocate(rm.Match, current)
		if !ok {
			logger.Debug("match no longer present", slog.String("rule_id", rm.RuleID()))
			continue
		}
		rm.Match = m
		rm.Content = current

		res := p.disp.Dispatch(ctx, rm)
		p.dispatches.Add(1)
		ruleIDs = append(ruleIDs, rm.RuleID())
		if res.Quarantined {
			p.quarantined.Add(1)
			logger.Warn("file quarantined, remaining matches skipped",
				slog.String("rule_id", rm.RuleID()),
				slog.String("quarantine_path", res.QuarantinePath))
			return "quarantined"
		}
		offsets.record(current, res.FinalContent)
		current = res.FinalContent
	}

	if current == content {
		return "unchanged"
	}
	if !p.writer.WriteString(fe.FilePath, current, "utf-8") {
		p.writeFailures.Add(1)
		p.dlqWrite(ctx, fe, "atomic write failed", ruleIDs)
		return "write_failed"
	}
	p.written.Add(1)
	logger.Info("file updated", slog.Int("dispatches", len(ruleIDs)))
	return "written"
}

func (p *Pool) dlqWrite(ctx context.Context, fe datatypes.FileEvent, reason string, ruleIDs []string) {
	if p.dlq == nil {
		return
	}
	payload := fe.Payload()
	if len(ruleIDs) > 0 {
		payload["rule_ids"] = ruleIDs
	}
	p.dlq.Write(ctx, dlq.SurfaceWorker, fe.EventID, []string{reason}, payload)
}
