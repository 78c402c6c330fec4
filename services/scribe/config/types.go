// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"encoding/json"
	"time"
)

// Defaults applied to missing engine settings.
const (
	DefaultMaxWorkers              = 4
	DefaultQueueSize               = 1000
	DefaultQuarantineRoot          = "archive/scribe/quarantine"
	DefaultDebounceMS              = 100
	DefaultLargeFileThresholdBytes = 10 * 1024 * 1024
	DefaultShutdownTimeoutSeconds  = 5
	DefaultFailureThreshold        = 5
	DefaultRecoveryTimeoutSeconds  = 60
	DefaultSuccessThreshold        = 3
	DefaultPluginDirectory         = "actions"
	DefaultFileGlob                = "*.md"
)

// Config is the whole configuration document.
//
// A *Config handed out by the Manager is never mutated afterwards; a reload
// builds a new value and swaps the pointer.
type Config struct {
	EngineSettings EngineSettings   `json:"engine_settings"`
	Security       SecuritySettings `json:"security"`
	Plugins        PluginSettings   `json:"plugins"`
	Rules          []Rule           `json:"rules" validate:"dive"`
}

// EngineSettings tunes the runtime.
type EngineSettings struct {
	MaxWorkers              int                    `json:"max_workers" validate:"gte=1,lte=256"`
	QueueSize               int                    `json:"queue_size" validate:"gte=1"`
	WatchPaths              []string               `json:"watch_paths" validate:"dive,required"`
	FileGlobs               []string               `json:"file_globs" validate:"dive,required"`
	IgnorePatterns          []string               `json:"ignore_patterns,omitempty"`
	QuarantineRoot          string                 `json:"quarantine_root"`
	DebounceMS              int                    `json:"debounce_ms" validate:"gte=0"`
	LargeFileThresholdBytes int64                  `json:"large_file_threshold_bytes" validate:"gte=1"`
	ChainTimeoutSeconds     float64                `json:"chain_timeout_seconds" validate:"gte=0"`
	ShutdownTimeoutSeconds  float64                `json:"shutdown_timeout_seconds" validate:"gte=0"`
	HealthAddr              string                 `json:"health_addr,omitempty"`
	StateDir                string                 `json:"state_dir,omitempty"`
	SchemaDir               string                 `json:"schema_dir,omitempty"`
	CircuitBreaker          CircuitBreakerSettings `json:"circuit_breaker"`
}

// ChainTimeout returns the per-chain deadline, zero meaning none.
func (e EngineSettings) ChainTimeout() time.Duration {
	return seconds(e.ChainTimeoutSeconds)
}

// ShutdownTimeout returns the per-component stop bound.
func (e EngineSettings) ShutdownTimeout() time.Duration {
	return seconds(e.ShutdownTimeoutSeconds)
}

// Debounce returns the watcher debounce window.
func (e EngineSettings) Debounce() time.Duration {
	return time.Duration(e.DebounceMS) * time.Millisecond
}

// SecuritySettings restricts what actions may run and with which params.
type SecuritySettings struct {
	// AllowedActions lists permitted action types. Empty allows all.
	AllowedActions []string `json:"allowed_actions"`

	// RestrictedParams lists parameter names that may never be supplied.
	RestrictedParams []string `json:"restricted_params"`

	// DangerousPatterns are regular expressions rejected in string params.
	DangerousPatterns []string `json:"dangerous_patterns" validate:"dive,regexp"`
}

// PluginSettings controls plugin discovery.
type PluginSettings struct {
	Directories []string `json:"directories"`
	AutoReload  bool     `json:"auto_reload"`
	LoadOrder   []string `json:"load_order"`
}

// Rule binds a file glob and a trigger pattern to an ordered action chain.
type Rule struct {
	ID             string         `json:"id" validate:"required"`
	Name           string         `json:"name,omitempty"`
	Description    string         `json:"description,omitempty"`
	Enabled        bool           `json:"enabled"`
	FileGlob       string         `json:"file_glob" validate:"required"`
	TriggerPattern string         `json:"trigger_pattern" validate:"required"`
	Actions        []ActionSpec   `json:"actions" validate:"required,min=1,dive"`
	ErrorHandling  *ErrorHandling `json:"error_handling,omitempty"`
}

// UnmarshalJSON defaults Enabled to true when the key is absent.
func (r *Rule) UnmarshalJSON(data []byte) error {
	type plain Rule
	p := plain{Enabled: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Rule(p)
	return nil
}

// CircuitBreakerSettings returns the rule's breaker settings, or nil when
// the rule does not override the engine defaults.
func (r Rule) CircuitBreakerSettings() *CircuitBreakerSettings {
	if r.ErrorHandling == nil {
		return nil
	}
	return r.ErrorHandling.CircuitBreaker
}

// ActionSpec is one step of a rule's chain.
type ActionSpec struct {
	Type   string         `json:"type" validate:"required"`
	Params map[string]any `json:"params,omitempty"`
}

// ErrorHandling groups per-rule failure policies.
type ErrorHandling struct {
	CircuitBreaker *CircuitBreakerSettings `json:"circuit_breaker,omitempty"`
}

// CircuitBreakerSettings parameterizes a rule's circuit breaker.
type CircuitBreakerSettings struct {
	FailureThreshold       int     `json:"failure_threshold" validate:"gte=0"`
	RecoveryTimeoutSeconds float64 `json:"recovery_timeout_seconds" validate:"gte=0"`
	SuccessThreshold       int     `json:"success_threshold" validate:"gte=0"`
}

// RecoveryTimeout returns the open-state duration.
func (c CircuitBreakerSettings) RecoveryTimeout() time.Duration {
	return seconds(c.RecoveryTimeoutSeconds)
}

// WithDefaults fills zero fields from def.
func (c CircuitBreakerSettings) WithDefaults(def CircuitBreakerSettings) CircuitBreakerSettings {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.RecoveryTimeoutSeconds <= 0 {
		c.RecoveryTimeoutSeconds = def.RecoveryTimeoutSeconds
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	return c
}

// DefaultCircuitBreaker returns the built-in breaker defaults (5, 60 s, 3).
func DefaultCircuitBreaker() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		FailureThreshold:       DefaultFailureThreshold,
		RecoveryTimeoutSeconds: DefaultRecoveryTimeoutSeconds,
		SuccessThreshold:       DefaultSuccessThreshold,
	}
}

// applyDefaults fills every unset engine and plugin setting.
func (c *Config) applyDefaults() {
	e := &c.EngineSettings
	if e.MaxWorkers == 0 {
		e.MaxWorkers = DefaultMaxWorkers
	}
	if e.QueueSize == 0 {
		e.QueueSize = DefaultQueueSize
	}
	if len(e.WatchPaths) == 0 {
		e.WatchPaths = []string{"."}
	}
	if len(e.FileGlobs) == 0 {
		e.FileGlobs = []string{DefaultFileGlob}
	}
	if e.QuarantineRoot == "" {
		e.QuarantineRoot = DefaultQuarantineRoot
	}
	if e.DebounceMS == 0 {
		e.DebounceMS = DefaultDebounceMS
	}
	if e.LargeFileThresholdBytes == 0 {
		e.LargeFileThresholdBytes = DefaultLargeFileThresholdBytes
	}
	if e.ShutdownTimeoutSeconds == 0 {
		e.ShutdownTimeoutSeconds = DefaultShutdownTimeoutSeconds
	}
	e.CircuitBreaker = e.CircuitBreaker.WithDefaults(DefaultCircuitBreaker())

	if len(c.Plugins.Directories) == 0 {
		c.Plugins.Directories = []string{DefaultPluginDirectory}
	}
	if c.Rules == nil {
		c.Rules = []Rule{}
	}
}

// EnabledRules returns the rules with Enabled set, in file order.
func (c *Config) EnabledRules() []Rule {
	out := make([]Rule, 0, len(c.Rules))
	for _, r := range c.Rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
