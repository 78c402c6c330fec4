// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package boundary validates payloads at every ingress point against a
// registry of JSON Schemas.
//
// Keys follow "l<layer>_<surface>_input" for layered surfaces
// (l1_file_system_input, l1_http_input, l1_nats_input,
// l2_plugin_execution_input) plus the generic event_schema. Validation never
// returns an error: an unknown key or a failing payload yields a
// ValidationResult with Valid=false and human-readable errors.
package boundary

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-openapi/spec"
	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/validate"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/scribe/services/scribe/telemetry"
)

// Registry keys for the built-in schemas.
const (
	KeyFileSystemInput      = "l1_file_system_input"
	KeyHTTPInput            = "l1_http_input"
	KeyNATSInput            = "l1_nats_input"
	KeyPluginExecutionInput = "l2_plugin_execution_input"
	KeyEvent                = "event_schema"
)

// Surfaces accepted by ValidateL1Input.
const (
	SurfaceFileSystem = "file_system"
	SurfaceHTTP       = "http"
	SurfaceNATS       = "nats"
)

// DefaultComponentID identifies the validator in results and spans.
const DefaultComponentID = "scribe.boundary_validator"

//go:embed schemas/*.json
var builtinSchemas embed.FS

// ValidationResult is the outcome of one validation.
type ValidationResult struct {
	Valid        bool      `json:"valid"`
	Errors       []string  `json:"errors"`
	BoundaryType string    `json:"boundary_type"`
	ComponentID  string    `json:"component_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// Schema is a compiled JSON Schema.
type Schema struct {
	raw    json.RawMessage
	schema *spec.Schema
}

// CompileSchema parses a JSON Schema document.
//
// # Inputs
//
//   - raw: JSON Schema (draft 4) document.
//
// # Outputs
//
//   - *Schema: Compiled schema, safe for concurrent Validate calls.
//   - error: Non-nil if raw is not a valid schema document.
func CompileSchema(raw []byte) (*Schema, error) {
	var s spec.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	// Local "#/definitions/..." references are resolved against the document itself.
	if err := spec.ExpandSchema(&s, &s, nil); err != nil {
		return nil, fmt.Errorf("%w: expand refs: %v", ErrInvalidSchema, err)
	}
	return &Schema{
		raw:    append(json.RawMessage(nil), raw...),
		schema: &s,
	}, nil
}

// Validate checks payload against the schema and returns one message per
// violation. Payloads are normalized through JSON first so typed Go values
// validate the same as their wire form.
func (s *Schema) Validate(payload any) []string {
	data, err := normalize(payload)
	if err != nil {
		return []string{fmt.Sprintf("payload is not JSON-serializable: %v", err)}
	}
	res := validate.NewSchemaValidator(s.schema, nil, "", strfmt.Default).Validate(data)
	if res == nil || res.IsValid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors))
	for _, e := range res.Errors {
		msgs = append(msgs, e.Error())
	}
	sort.Strings(msgs)
	return msgs
}

// Raw returns the schema document.
func (s *Schema) Raw() json.RawMessage {
	return s.raw
}

func normalize(payload any) (any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Validator holds the schema registry.
//
// # Thread Safety
//
// Validator is safe for concurrent use; RegisterSchema may run alongside
// Validate calls.
type Validator struct {
	mu          sync.RWMutex
	schemas     map[string]*Schema
	componentID string
	logger      *slog.Logger
	tel         *telemetry.Provider
	schemaDir   string
	now         func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithSchemaDir loads every <key>.json in dir at construction. Files
// override built-in schemas with the same key.
func WithSchemaDir(dir string) Option {
	return func(v *Validator) { v.schemaDir = dir }
}

// WithComponentID overrides the component id reported in results.
func WithComponentID(id string) Option {
	return func(v *Validator) {
		if id != "" {
			v.componentID = id
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.logger = l
		}
	}
}

// WithTelemetry sets the telemetry provider.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(v *Validator) {
		if p != nil {
			v.tel = p
		}
	}
}

// New builds a Validator with the built-in schemas plus any schemas from
// WithSchemaDir.
//
// # Outputs
//
//   - *Validator: Ready to validate.
//   - error: Non-nil if a built-in or directory schema fails to compile.
//     Schema registry errors are startup-fatal.
func New(opts ...Option) (*Validator, error) {
	v := &Validator{
		schemas:     make(map[string]*Schema),
		componentID: DefaultComponentID,
		logger:      slog.Default(),
		tel:         telemetry.NewNoop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}

	if err := v.loadFS(builtinSchemas, "schemas"); err != nil {
		return nil, fmt.Errorf("load built-in schemas: %w", err)
	}
	if v.schemaDir != "" {
		if err := v.loadFS(os.DirFS(v.schemaDir), "."); err != nil {
			return nil, fmt.Errorf("load schemas from %s: %w", v.schemaDir, err)
		}
	}
	return v, nil
}

func (v *Validator) loadFS(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		raw, err := fs.ReadFile(fsys, filepath.ToSlash(filepath.Join(dir, e.Name())))
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(e.Name(), ".json")
		if err := v.RegisterSchema(key, raw); err != nil {
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
	}
	return nil
}

// RegisterSchema compiles raw and stores it under key, replacing any
// existing schema.
func (v *Validator) RegisterSchema(key string, raw []byte) error {
	s, err := CompileSchema(raw)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.schemas[key] = s
	v.mu.Unlock()
	v.logger.Debug("registered boundary schema", slog.String("key", key))
	return nil
}

// Keys returns the registered schema keys, sorted.
func (v *Validator) Keys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := make([]string, 0, len(v.schemas))
	for k := range v.schemas {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// L1Key returns the registry key for an L1 surface.
func L1Key(surface string) string {
	return "l1_" + surface + "_input"
}

// ValidateL1Input validates an ingress payload for surface
// ("file_system", "http" or "nats").
func (v *Validator) ValidateL1Input(ctx context.Context, payload any, surface string) ValidationResult {
	return v.validate(ctx, L1Key(surface), payload, telemetry.Boundary{
		Direction: telemetry.DirectionInbound,
		Protocol:  surface,
		Operation: "event_validation",
		Endpoint:  v.componentID,
	})
}

// ValidatePluginInput validates a plugin execution envelope.
func (v *Validator) ValidatePluginInput(ctx context.Context, payload any) ValidationResult {
	return v.Validate(ctx, KeyPluginExecutionInput, payload)
}

// Validate validates payload against the schema stored under key.
func (v *Validator) Validate(ctx context.Context, key string, payload any) ValidationResult {
	return v.validate(ctx, key, payload, telemetry.Boundary{
		Direction: telemetry.DirectionInternal,
		Protocol:  key,
		Operation: "schema_validation",
		Endpoint:  v.componentID,
	})
}

func (v *Validator) validate(ctx context.Context, key string, payload any, b telemetry.Boundary) ValidationResult {
	ctx, call := v.tel.StartBoundary(ctx, b,
		attribute.String("boundary_type", key),
		attribute.String("component_id", v.componentID),
	)

	res := ValidationResult{
		BoundaryType: key,
		ComponentID:  v.componentID,
		Timestamp:    v.now(),
	}

	v.mu.RLock()
	s, ok := v.schemas[key]
	v.mu.RUnlock()

	if !ok {
		res.Errors = []string{"No schema found for " + key}
	} else {
		res.Errors = s.Validate(payload)
		res.Valid = len(res.Errors) == 0
	}

	call.Span().SetAttributes(attribute.Bool("valid", res.Valid))
	var callErr error
	if !res.Valid {
		callErr = fmt.Errorf("%w: %s", ErrValidationFailed, strings.Join(res.Errors, "; "))
		v.tel.Metrics.BoundaryValidationErrors.Add(ctx, 1,
			metric.WithAttributes(attribute.String("boundary_type", key)))
		v.logger.Debug("boundary validation failed",
			slog.String("boundary_type", key),
			slog.Any("errors", res.Errors))
	}
	call.End(ctx, callErr)
	return res
}
