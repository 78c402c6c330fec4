// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package breaker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/scribe/services/scribe/config"
	"github.com/AleutianAI/scribe/services/scribe/eventbus"
	"github.com/AleutianAI/scribe/services/scribe/telemetry"
)

// SnapshotStore persists breaker snapshots across restarts.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, ruleID string) (Snapshot, bool, error)
	SaveSnapshot(ctx context.Context, s Snapshot) error
}

// ManagerStats aggregates every breaker.
type ManagerStats struct {
	Total    int                 `json:"total"`
	ByState  map[State]int       `json:"by_state"`
	Breakers map[string]Snapshot `json:"breakers"`
}

// Manager owns the breaker of every rule.
//
// # Description
//
// Breakers are created on first use with the rule's own settings or the
// manager defaults. Every state change is exported as the
// circuit_breaker_state gauge, published on the bus topic
// breaker_state_changed, and saved to the snapshot store when one is set.
//
// # Thread Safety
//
// Manager is safe for concurrent use.
type Manager struct {
	defaults Config
	logger   *slog.Logger
	tel      *telemetry.Provider
	bus      *eventbus.Bus
	store    SnapshotStore
	now      func() time.Time

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDefaults sets the parameters used for rules without their own.
func WithDefaults(s config.CircuitBreakerSettings) ManagerOption {
	return func(m *Manager) { m.defaults = FromSettings(s) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithTelemetry sets the telemetry provider.
func WithTelemetry(p *telemetry.Provider) ManagerOption {
	return func(m *Manager) {
		if p != nil {
			m.tel = p
		}
	}
}

// WithBus publishes transitions on bus.
func WithBus(b *eventbus.Bus) ManagerOption {
	return func(m *Manager) { m.bus = b }
}

// WithStore persists snapshots in s.
func WithStore(s SnapshotStore) ManagerOption {
	return func(m *Manager) { m.store = s }
}

// WithManagerClock overrides time.Now for every breaker.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates an empty Manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		defaults: DefaultConfig(),
		logger:   slog.Default(),
		tel:      telemetry.NewNoop(),
		now:      time.Now,
		breakers: make(map[string]*CircuitBreaker),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Defaults returns the parameters used for rules without their own.
func (m *Manager) Defaults() Config {
	return m.defaults
}

// Get returns the breaker for ruleID, creating it on first use.
//
// # Inputs
//
//   - ruleID: Rule the breaker guards.
//   - settings: Rule-level parameters, or nil for the manager defaults.
//     Only consulted when the breaker is created.
func (m *Manager) Get(ruleID string, settings *config.CircuitBreakerSettings) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[ruleID]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[ruleID]; ok {
		return cb
	}

	cfg := m.defaults
	if settings != nil {
		s := settings.WithDefaults(config.CircuitBreakerSettings{
			FailureThreshold:       m.defaults.FailureThreshold,
			RecoveryTimeoutSeconds: m.defaults.RecoveryTimeout.Seconds(),
			SuccessThreshold:       m.defaults.SuccessThreshold,
		})
		cfg = Config{
			FailureThreshold: s.FailureThreshold,
			RecoveryTimeout:  s.RecoveryTimeout(),
			SuccessThreshold: s.SuccessThreshold,
		}
	}
	cb = New(ruleID, cfg, WithClock(m.now), WithStateChange(m.onTransition))
	m.restore(cb)
	m.breakers[ruleID] = cb
	return cb
}

func (m *Manager) restore(cb *CircuitBreaker) {
	if m.store == nil {
		return
	}
	snap, ok, err := m.store.LoadSnapshot(context.Background(), cb.RuleID())
	if err != nil {
		m.logger.Warn("breaker snapshot load failed",
			slog.String("rule_id", cb.RuleID()),
			slog.String("error", err.Error()))
		return
	}
	if !ok {
		return
	}
	cb.Restore(snap)
	m.logger.Info("breaker state restored",
		slog.String("rule_id", cb.RuleID()),
		slog.String("state", string(snap.State)))
}

func (m *Manager) onTransition(t Transition) {
	m.logger.Warn("circuit breaker state changed",
		slog.String("rule_id", t.RuleID),
		slog.String("from", string(t.From)),
		slog.String("to", string(t.To)))

	ctx := context.Background()
	m.tel.Metrics.CircuitBreakerState.Record(ctx, t.To.Gauge(),
		metric.WithAttributes(attribute.String("rule_id", t.RuleID)))

	if m.bus != nil {
		m.bus.Publish(eventbus.TopicBreakerStateChanged, t)
	}
	if m.store != nil {
		m.mu.RLock()
		cb := m.breakers[t.RuleID]
		m.mu.RUnlock()
		if cb == nil {
			return
		}
		if err := m.store.SaveSnapshot(ctx, cb.Stats()); err != nil {
			m.logger.Warn("breaker snapshot save failed",
				slog.String("rule_id", t.RuleID),
				slog.String("error", err.Error()))
		}
	}
}

// Stats returns counts by state and every breaker's snapshot.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := ManagerStats{
		Total: len(m.breakers),
		ByState: map[State]int{
			StateClosed:   0,
			StateOpen:     0,
			StateHalfOpen: 0,
		},
		Breakers: make(map[string]Snapshot, len(m.breakers)),
	}
	for id, cb := range m.breakers {
		s := cb.Stats()
		out.ByState[s.State]++
		out.Breakers[id] = s
	}
	return out
}

// RuleIDs returns the ids with a breaker, sorted.
func (m *Manager) RuleIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.breakers))
	for id := range m.breakers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reset closes the breaker of ruleID. It returns false when none exists.
func (m *Manager) Reset(ruleID string) bool {
	m.mu.RLock()
	cb, ok := m.breakers[ruleID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	cb.Reset()
	return true
}

// ResetAll closes every breaker.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	all := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		all = append(all, cb)
	}
	m.mu.RUnlock()
	for _, cb := range all {
		cb.Reset()
	}
}
