// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads, validates and hot-reloads the Scribe configuration
// file.
//
// The document is JSON. It is checked against an embedded JSON Schema, then
// decoded into typed structs which are checked again with struct tags and a
// few cross-field rules (unique rule ids). A successful load swaps the
// in-memory *Config atomically; a failed reload keeps the previous one.
package config

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/scribe/services/scribe/boundary"
	"github.com/AleutianAI/scribe/services/scribe/datatypes"
)

//go:embed config.schema.json
var schemaJSON []byte

var configSchema = mustCompileSchema(schemaJSON)

func mustCompileSchema(raw []byte) *boundary.Schema {
	s, err := boundary.CompileSchema(raw)
	if err != nil {
		panic(fmt.Sprintf("config schema: %v", err))
	}
	return s
}

var (
	reloadTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_config_reloads_total",
			Help: "Total configuration reload attempts by result",
		},
		[]string{"result"},
	)

	reloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scribe_config_reload_duration_seconds",
			Help:    "Time spent loading and validating the configuration file",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)
)

// Callback is notified with the new configuration after a successful reload.
type Callback func(cfg *Config)

// Manager owns the live configuration.
//
// # Description
//
// Load must succeed once (startup is fatal otherwise). Reload and the file
// watcher may then replace the configuration any number of times; readers
// always see a complete, validated document.
//
// # Thread Safety
//
// Manager is safe for concurrent use. Callbacks run on the goroutine that
// triggered the reload, after the swap.
type Manager struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	cfg     *Config
	raw     map[string]any
	modTime time.Time
	hash    [sha256.Size]byte

	cbMu      sync.Mutex
	callbacks map[int]Callback
	nextCB    int

	debounce time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithDebounce overrides the hot-reload debounce window (default 100ms).
func WithDebounce(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.debounce = d
		}
	}
}

// NewManager creates a Manager for path and performs the initial load.
//
// # Outputs
//
//   - *Manager: Manager holding the loaded configuration.
//   - error: Non-nil if the file cannot be read or fails validation.
//     Callers treat this as fatal.
func NewManager(path string, opts ...Option) (*Manager, error) {
	m := &Manager{
		path:      path,
		logger:    slog.Default(),
		callbacks: make(map[int]Callback),
		debounce:  100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.Load(); err != nil {
		return nil, err
	}
	return m, nil
}

// Path returns the configuration file path.
func (m *Manager) Path() string {
	return m.path
}

// Load reads, validates and installs the configuration file.
func (m *Manager) Load() error {
	start := time.Now()
	defer func() { reloadDuration.Observe(time.Since(start).Seconds()) }()

	data, info, err := m.read()
	if err != nil {
		return err
	}
	cfg, raw, err := Parse(data)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, m.path, err)
	}

	m.mu.Lock()
	m.cfg = cfg
	m.raw = raw
	m.modTime = info.ModTime()
	m.hash = sha256.Sum256(data)
	m.mu.Unlock()

	m.logger.Info("configuration loaded",
		slog.String("path", m.path),
		slog.Int("rules", len(cfg.Rules)),
		slog.Int("enabled_rules", len(cfg.EnabledRules())))
	return nil
}

// Reload re-reads the file. On failure the previous configuration stays
// active and the error is returned; on success every callback is notified.
func (m *Manager) Reload() error {
	if err := m.Load(); err != nil {
		reloadTotal.WithLabelValues("failure").Inc()
		m.logger.Error("configuration reload failed, keeping previous configuration",
			slog.String("path", m.path),
			slog.String("error", err.Error()))
		return err
	}
	reloadTotal.WithLabelValues("success").Inc()
	m.notify(m.Config())
	return nil
}

// reloadIfChanged reloads only when the file's mtime or content changed.
func (m *Manager) reloadIfChanged() (bool, error) {
	data, info, err := m.read()
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	same := info.ModTime().Equal(m.modTime) && sha256.Sum256(data) == m.hash
	m.mu.RUnlock()
	if same {
		return false, nil
	}
	return true, m.Reload()
}

func (m *Manager) read() ([]byte, os.FileInfo, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return nil, nil, fmt.Errorf("stat config: %w", err)
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, nil, fmt.Errorf("read config: %w", err)
	}
	return data, info, nil
}

// Parse validates a configuration document and decodes it.
//
// # Outputs
//
//   - *Config: Typed configuration with defaults applied.
//   - map[string]any: Generic form used by Get, including unknown keys.
//   - error: Schema, decoding or semantic violations.
func Parse(data []byte) (*Config, map[string]any, error) {
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, nil, fmt.Errorf("decode json: %w", err)
	}
	if errs := configSchema.Validate(generic); len(errs) > 0 {
		return nil, nil, &SchemaError{Errors: errs}
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&cfg); err != nil {
		return nil, nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()

	if err := datatypes.Validator().Struct(&cfg); err != nil {
		return nil, nil, fmt.Errorf("validate config: %w", err)
	}
	if err := checkUniqueIDs(cfg.Rules); err != nil {
		return nil, nil, err
	}

	raw, err := genericView(generic, &cfg)
	if err != nil {
		return nil, nil, err
	}
	return &cfg, raw, nil
}

// genericView overlays the typed sections (with defaults) on the raw
// document so Get sees both defaults and unknown extension keys.
func genericView(generic any, cfg *Config) (map[string]any, error) {
	raw, _ := generic.(map[string]any)
	if raw == nil {
		raw = map[string]any{}
	}
	typed, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var overlay map[string]any
	if err := json.Unmarshal(typed, &overlay); err != nil {
		return nil, fmt.Errorf("decode config view: %w", err)
	}
	for k, v := range overlay {
		raw[k] = v
	}
	return raw, nil
}

func checkUniqueIDs(rules []Rule) error {
	seen := make(map[string]struct{}, len(rules))
	var dups []string
	for _, r := range rules {
		if _, ok := seen[r.ID]; ok {
			dups = append(dups, r.ID)
			continue
		}
		seen[r.ID] = struct{}{}
	}
	if len(dups) > 0 {
		sort.Strings(dups)
		return fmt.Errorf("%w: %s", ErrDuplicateRuleID, strings.Join(dups, ", "))
	}
	return nil
}

// Config returns the current configuration. Treat it as read-only.
func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Rules returns every configured rule.
func (m *Manager) Rules() []Rule {
	return m.Config().Rules
}

// EnabledRules returns the rules with enabled == true.
func (m *Manager) EnabledRules() []Rule {
	return m.Config().EnabledRules()
}

// EngineSettings returns the engine settings.
func (m *Manager) EngineSettings() EngineSettings {
	return m.Config().EngineSettings
}

// SecuritySettings returns the security settings.
func (m *Manager) SecuritySettings() SecuritySettings {
	return m.Config().Security
}

// PluginSettings returns the plugin settings.
func (m *Manager) PluginSettings() PluginSettings {
	return m.Config().Plugins
}

// Get resolves a dot path such as "engine_settings.max_workers" or
// "rules.0.id" and returns def when any segment is missing.
func (m *Manager) Get(key string, def any) any {
	m.mu.RLock()
	var cur any = m.raw
	m.mu.RUnlock()

	if key == "" {
		return def
	}
	for _, part := range strings.Split(key, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return def
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return def
			}
			cur = node[i]
		default:
			return def
		}
	}
	return cur
}

// OnChange registers cb and returns an id for RemoveCallback.
func (m *Manager) OnChange(cb Callback) int {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.nextCB++
	m.callbacks[m.nextCB] = cb
	return m.nextCB
}

// RemoveCallback deregisters a callback. It returns false for unknown ids.
func (m *Manager) RemoveCallback(id int) bool {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	if _, ok := m.callbacks[id]; !ok {
		return false
	}
	delete(m.callbacks, id)
	return true
}

func (m *Manager) notify(cfg *Config) {
	m.cbMu.Lock()
	ids := make([]int, 0, len(m.callbacks))
	for id := range m.callbacks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	cbs := make([]Callback, 0, len(ids))
	for _, id := range ids {
		cbs = append(cbs, m.callbacks[id])
	}
	m.cbMu.Unlock()

	for _, cb := range cbs {
		m.safeCall(cb, cfg)
	}
}

func (m *Manager) safeCall(cb Callback, cfg *Config) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("config change callback panicked", slog.Any("panic", r))
		}
	}()
	cb(cfg)
}

// SchemaError lists JSON Schema violations of a configuration document.
type SchemaError struct {
	Errors []string
}

func (e *SchemaError) Error() string {
	return "schema validation failed: " + strings.Join(e.Errors, "; ")
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (e *SchemaError) Unwrap() error {
	return ErrInvalidConfig
}

var _ error = (*SchemaError)(nil)

// IsInvalid reports whether err is a configuration validation failure.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}
