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
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `{
  "engine_settings": {"max_workers": 2, "circuit_breaker": {"failure_threshold": 3}},
  "security": {"allowed_actions": ["upper_case"], "dangerous_patterns": ["rm\\s+-rf"]},
  "custom_section": {"flag": true},
  "rules": [
    {
      "id": "todo",
      "file_glob": "*.md",
      "trigger_pattern": "TODO:(.*)",
      "actions": [{"type": "upper_case", "params": {"scope": "line"}}]
    },
    {
      "id": "off",
      "enabled": false,
      "file_glob": "*.txt",
      "trigger_pattern": "x",
      "actions": [{"type": "lower_case"}]
    }
  ]
}`

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func newTestManager(t *testing.T, body string, opts ...Option) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scribe.json")
	writeConfig(t, path, body)
	m, err := NewManager(path, opts...)
	require.NoError(t, err)
	return m, path
}

func TestNewManager_DefaultsApplied(t *testing.T) {
	m, _ := newTestManager(t, validConfig)

	es := m.EngineSettings()
	assert.Equal(t, 2, es.MaxWorkers)
	assert.Equal(t, DefaultQueueSize, es.QueueSize)
	assert.Equal(t, []string{"."}, es.WatchPaths)
	assert.Equal(t, []string{DefaultFileGlob}, es.FileGlobs)
	assert.Equal(t, DefaultQuarantineRoot, es.QuarantineRoot)
	assert.Equal(t, 100*time.Millisecond, es.Debounce())
	assert.Equal(t, 5*time.Second, es.ShutdownTimeout())
	assert.Zero(t, es.ChainTimeout())

	cb := es.CircuitBreaker
	assert.Equal(t, 3, cb.FailureThreshold)
	assert.Equal(t, 60*time.Second, cb.RecoveryTimeout())
	assert.Equal(t, DefaultSuccessThreshold, cb.SuccessThreshold)

	assert.Equal(t, []string{DefaultPluginDirectory}, m.PluginSettings().Directories)
	assert.Equal(t, []string{"upper_case"}, m.SecuritySettings().AllowedActions)
}

func TestNewManager_EnabledDefaultsTrue(t *testing.T) {
	m, _ := newTestManager(t, validConfig)

	require.Len(t, m.Rules(), 2)
	assert.True(t, m.Rules()[0].Enabled)
	assert.False(t, m.Rules()[1].Enabled)

	enabled := m.EnabledRules()
	require.Len(t, enabled, 1)
	assert.Equal(t, "todo", enabled[0].ID)
	assert.Nil(t, enabled[0].CircuitBreakerSettings())
}

func TestNewManager_InvalidFile(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"rules": [`},
		{"missing rules", `{}`},
		{"rule without actions", `{"rules": [{"id": "a", "file_glob": "*", "trigger_pattern": "x", "actions": []}]}`},
		{"max workers too low", `{"engine_settings": {"max_workers": 0}, "rules": []}`},
		{"bad dangerous pattern", `{"security": {"dangerous_patterns": ["("]}, "rules": []}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "scribe.json")
			writeConfig(t, path, tt.body)

			_, err := NewManager(path)
			require.Error(t, err)
			assert.True(t, IsInvalid(err), "error %v should be a config validation failure", err)
		})
	}
}

func TestNewManager_MissingFile(t *testing.T) {
	_, err := NewManager(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParse_DuplicateRuleIDs(t *testing.T) {
	body := `{"rules": [
	  {"id": "dup", "file_glob": "*", "trigger_pattern": "a", "actions": [{"type": "x"}]},
	  {"id": "dup", "file_glob": "*", "trigger_pattern": "b", "actions": [{"type": "y"}]}
	]}`
	_, _, err := Parse([]byte(body))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateRuleID)
	assert.Contains(t, err.Error(), "dup")
}

func TestParse_SchemaErrorMessages(t *testing.T) {
	_, _, err := Parse([]byte(`{"rules": [{"id": 7}]}`))
	require.Error(t, err)

	var se *SchemaError
	require.True(t, errors.As(err, &se))
	assert.NotEmpty(t, se.Errors)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestManager_Get(t *testing.T) {
	m, _ := newTestManager(t, validConfig)

	assert.EqualValues(t, 2, m.Get("engine_settings.max_workers", nil))
	assert.EqualValues(t, DefaultQueueSize, m.Get("engine_settings.queue_size", nil))
	assert.Equal(t, "todo", m.Get("rules.0.id", nil))
	assert.Equal(t, "upper_case", m.Get("rules.0.actions.0.type", nil))
	assert.Equal(t, true, m.Get("custom_section.flag", false))

	assert.Equal(t, "fallback", m.Get("engine_settings.nope", "fallback"))
	assert.Equal(t, "fallback", m.Get("rules.9.id", "fallback"))
	assert.Equal(t, "fallback", m.Get("rules.x", "fallback"))
	assert.Equal(t, "fallback", m.Get("", "fallback"))
}

func TestManager_ReloadFailureKeepsPrevious(t *testing.T) {
	m, path := newTestManager(t, validConfig)
	before := m.Config()

	var calls atomic.Int32
	m.OnChange(func(*Config) { calls.Add(1) })

	writeConfig(t, path, `{"rules": "nope"}`)
	err := m.Reload()
	require.Error(t, err)
	assert.True(t, IsInvalid(err))
	assert.Same(t, before, m.Config())
	assert.Zero(t, calls.Load())
}

func TestManager_CallbacksInOrderWithPanicRecovery(t *testing.T) {
	m, path := newTestManager(t, validConfig)

	var order []string
	m.OnChange(func(*Config) { order = append(order, "first") })
	m.OnChange(func(*Config) { panic("boom") })
	id := m.OnChange(func(*Config) { order = append(order, "removed") })
	m.OnChange(func(cfg *Config) {
		order = append(order, "last")
		assert.Len(t, cfg.Rules, 1)
	})
	assert.True(t, m.RemoveCallback(id))
	assert.False(t, m.RemoveCallback(id))

	writeConfig(t, path, `{"rules": [{"id": "only", "file_glob": "*", "trigger_pattern": "x", "actions": [{"type": "t"}]}]}`)
	require.NoError(t, m.Reload())

	assert.Equal(t, []string{"first", "last"}, order)
	assert.Equal(t, "only", m.Rules()[0].ID)
}

func TestManager_WatchHotReload(t *testing.T) {
	m, path := newTestManager(t, validConfig, WithDebounce(20*time.Millisecond))

	changed := make(chan *Config, 1)
	m.OnChange(func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done, err := m.Watch(ctx)
	require.NoError(t, err)

	writeConfig(t, path, `{"rules": [{"id": "hot", "file_glob": "*", "trigger_pattern": "x", "actions": [{"type": "t"}]}]}`)

	select {
	case cfg := <-changed:
		require.Len(t, cfg.Rules, 1)
		assert.Equal(t, "hot", cfg.Rules[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("configuration was not hot reloaded")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestCircuitBreakerSettings_WithDefaults(t *testing.T) {
	got := CircuitBreakerSettings{SuccessThreshold: 1}.WithDefaults(DefaultCircuitBreaker())
	assert.Equal(t, DefaultFailureThreshold, got.FailureThreshold)
	assert.Equal(t, float64(DefaultRecoveryTimeoutSeconds), got.RecoveryTimeoutSeconds)
	assert.Equal(t, 1, got.SuccessThreshold)
}

func TestParse_ExampleConfig(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "..", "configs", "scribe.example.json"))
	require.NoError(t, err)

	cfg, _, err := Parse(data)
	require.NoError(t, err)
	assert.Len(t, cfg.Rules, 3)
	assert.Len(t, cfg.EnabledRules(), 2)
	assert.True(t, cfg.Plugins.AutoReload)
	assert.Equal(t, "127.0.0.1:9464", cfg.EngineSettings.HealthAddr)
	require.NotNil(t, cfg.Rules[2].CircuitBreakerSettings())
	assert.Equal(t, 2, cfg.Rules[2].CircuitBreakerSettings().FailureThreshold)
}
