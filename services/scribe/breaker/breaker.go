// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breaker implements per-rule circuit breakers.
//
// A rule whose action chain keeps failing is cut off: its breaker opens and
// files that match it are quarantined instead of processed until the
// recovery timeout elapses.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/AleutianAI/scribe/services/scribe/config"
)

// State is a breaker state.
//
// # State Diagram
//
//	CLOSED ──[failures ≥ threshold]──► OPEN
//	   ▲                                │
//	   │                     [recovery timeout]
//	   │                                ▼
//	   └──[successes ≥ threshold]── HALF_OPEN ──[any failure]──► OPEN
type State string

const (
	// StateClosed is the normal operating state.
	StateClosed State = "closed"

	// StateOpen rejects every call until the recovery timeout elapses.
	StateOpen State = "open"

	// StateHalfOpen admits trial calls.
	StateHalfOpen State = "half_open"
)

// Gauge returns the numeric value exported for the state.
func (s State) Gauge() int64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Config parameterizes one breaker.
type Config struct {
	// FailureThreshold is the failure count that opens a closed breaker.
	FailureThreshold int

	// RecoveryTimeout is how long an open breaker waits after the last
	// failure before admitting a trial call.
	RecoveryTimeout time.Duration

	// SuccessThreshold is the consecutive successes that close a
	// half-open breaker.
	SuccessThreshold int
}

// FromSettings converts rule settings, filling gaps from the built-in
// defaults.
func FromSettings(s config.CircuitBreakerSettings) Config {
	s = s.WithDefaults(config.DefaultCircuitBreaker())
	return Config{
		FailureThreshold: s.FailureThreshold,
		RecoveryTimeout:  s.RecoveryTimeout(),
		SuccessThreshold: s.SuccessThreshold,
	}
}

// DefaultConfig returns 5 failures, 60 s recovery, 3 successes.
func DefaultConfig() Config {
	return FromSettings(config.DefaultCircuitBreaker())
}

// Transition describes one state change.
type Transition struct {
	RuleID string    `json:"rule_id"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
}

// Snapshot is the observable state of a breaker.
type Snapshot struct {
	RuleID          string    `json:"rule_id"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
	LastSuccessTime time.Time `json:"last_success_time"`
	StateChangeTime time.Time `json:"state_change_time"`
	TotalCalls      int64     `json:"total_calls"`
	TotalFailures   int64     `json:"total_failures"`
	TotalSuccesses  int64     `json:"total_successes"`
	TotalRejections int64     `json:"total_rejections"`
	StateChanges    int64     `json:"state_changes"`
}

// CircuitBreaker guards one rule.
//
// # Description
//
// Allow admits or rejects a call; RecordSuccess and RecordFailure feed the
// outcome back. Execute combines the three. State-change callbacks run on
// the calling goroutine after the lock is released, in transition order.
//
// # Thread Safety
//
// CircuitBreaker is safe for concurrent use. Every mutation happens under
// its mutex; the *Locked helpers assume the mutex is held.
type CircuitBreaker struct {
	ruleID   string
	cfg      Config
	now      func() time.Time
	onChange func(Transition)

	mu   sync.Mutex
	snap Snapshot
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		if now != nil {
			cb.now = now
		}
	}
}

// WithStateChange registers a transition callback.
func WithStateChange(fn func(Transition)) Option {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// New creates a closed breaker for ruleID. Non-positive fields of cfg take
// the defaults.
func New(ruleID string, cfg Config, opts ...Option) *CircuitBreaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	cb := &CircuitBreaker{
		ruleID: ruleID,
		cfg:    cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.snap = Snapshot{
		RuleID:          ruleID,
		State:           StateClosed,
		StateChangeTime: cb.now(),
	}
	return cb
}

// RuleID returns the guarded rule id.
func (cb *CircuitBreaker) RuleID() string {
	return cb.ruleID
}

// Config returns the breaker parameters.
func (cb *CircuitBreaker) Config() Config {
	return cb.cfg
}

// Allow asks for admission.
//
// # Outputs
//
//   - error: nil when the call may proceed, otherwise a
//     *CircuitBreakerError. An open breaker whose recovery timeout has
//     elapsed moves to half-open and admits.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	cb.snap.TotalCalls++
	var trans []Transition
	if cb.snap.State == StateOpen {
		if cb.now().Sub(cb.snap.LastFailureTime) >= cb.cfg.RecoveryTimeout {
			trans = cb.transitionLocked(StateHalfOpen, trans)
		} else {
			cb.snap.TotalRejections++
			err := &CircuitBreakerError{
				RuleID:          cb.ruleID,
				FailureCount:    cb.snap.FailureCount,
				LastFailureTime: cb.snap.LastFailureTime,
			}
			cb.mu.Unlock()
			return err
		}
	}
	cb.mu.Unlock()
	cb.fire(trans)
	return nil
}

// Execute runs fn when admitted and records its outcome.
//
// # Outputs
//
//   - error: *CircuitBreakerError when rejected, otherwise fn's error. A
//     context canceled before fn runs is returned without being recorded.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.Allow(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// RecordSuccess feeds a successful call back.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	now := cb.now()
	cb.snap.TotalSuccesses++
	cb.snap.LastSuccessTime = now

	var trans []Transition
	switch cb.snap.State {
	case StateClosed:
		cb.snap.FailureCount = 0
	case StateHalfOpen:
		cb.snap.SuccessCount++
		if cb.snap.SuccessCount >= cb.cfg.SuccessThreshold {
			trans = cb.transitionLocked(StateClosed, trans)
		}
	}
	cb.mu.Unlock()
	cb.fire(trans)
}

// RecordFailure feeds a failed call back.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	now := cb.now()
	cb.snap.TotalFailures++
	cb.snap.FailureCount++
	cb.snap.SuccessCount = 0
	cb.snap.LastFailureTime = now

	var trans []Transition
	switch cb.snap.State {
	case StateClosed:
		if cb.snap.FailureCount >= cb.cfg.FailureThreshold {
			trans = cb.transitionLocked(StateOpen, trans)
		}
	case StateHalfOpen:
		trans = cb.transitionLocked(StateOpen, trans)
	}
	cb.mu.Unlock()
	cb.fire(trans)
}

// State returns the current state without side effects.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.snap.State
}

// Stats returns a copy of the breaker's counters.
func (cb *CircuitBreaker) Stats() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.snap
}

// Reset forces the breaker closed and clears the consecutive counters.
// Totals are kept.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.snap.FailureCount = 0
	cb.snap.SuccessCount = 0
	trans := cb.transitionLocked(StateClosed, nil)
	cb.mu.Unlock()
	cb.fire(trans)
}

// Restore replaces the breaker's state with a persisted snapshot.
// Callbacks are not invoked.
func (cb *CircuitBreaker) Restore(s Snapshot) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s.RuleID = cb.ruleID
	switch s.State {
	case StateClosed, StateOpen, StateHalfOpen:
	default:
		s.State = StateClosed
	}
	cb.snap = s
}

func (cb *CircuitBreaker) transitionLocked(to State, trans []Transition) []Transition {
	from := cb.snap.State
	if from == to {
		return trans
	}
	now := cb.now()
	cb.snap.State = to
	cb.snap.StateChangeTime = now
	cb.snap.StateChanges++
	switch to {
	case StateHalfOpen:
		cb.snap.SuccessCount = 0
	case StateClosed:
		cb.snap.FailureCount = 0
		cb.snap.SuccessCount = 0
	}
	return append(trans, Transition{RuleID: cb.ruleID, From: from, To: to, At: now})
}

func (cb *CircuitBreaker) fire(trans []Transition) {
	if cb.onChange == nil {
		return
	}
	for _, t := range trans {
		cb.onChange(t)
	}
}
