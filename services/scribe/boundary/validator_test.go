// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package boundary

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/scribe/services/scribe/datatypes"
	"github.com/AleutianAI/scribe/services/scribe/telemetry"
	"github.com/AleutianAI/scribe/services/scribe/telemetry/telemetrytest"
)

func newValidator(t *testing.T, opts ...Option) *Validator {
	t.Helper()
	v, err := New(opts...)
	require.NoError(t, err)
	return v
}

func TestNew_BuiltinKeys(t *testing.T) {
	v := newValidator(t)
	assert.Equal(t, []string{
		KeyEvent, KeyFileSystemInput, KeyHTTPInput, KeyNATSInput, KeyPluginExecutionInput,
	}, v.Keys())
}

func TestValidateL1Input_FileSystem(t *testing.T) {
	v := newValidator(t)
	ctx := context.Background()

	valid := datatypes.NewFileEvent(datatypes.EventModified, "x.md", "").Payload()
	res := v.ValidateL1Input(ctx, valid, SurfaceFileSystem)
	assert.True(t, res.Valid, res.Errors)
	assert.Empty(t, res.Errors)
	assert.Equal(t, KeyFileSystemInput, res.BoundaryType)
	assert.Equal(t, DefaultComponentID, res.ComponentID)
	assert.False(t, res.Timestamp.IsZero())

	tests := []struct {
		name   string
		mutate func(map[string]any)
		want   string
	}{
		{"bogus type", func(p map[string]any) { p["type"] = "bogus" }, "type"},
		{"bad uuid", func(p map[string]any) { p["event_id"] = "not-a-uuid" }, "event_id"},
		{"empty path", func(p map[string]any) { p["file_path"] = "" }, "file_path"},
		{"negative ts", func(p map[string]any) { p["timestamp"] = -1.0 }, "timestamp"},
		{"missing ts", func(p map[string]any) { delete(p, "timestamp") }, "timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := datatypes.NewFileEvent(datatypes.EventCreated, "x.md", "").Payload()
			tt.mutate(p)
			res := v.ValidateL1Input(ctx, p, SurfaceFileSystem)
			require.False(t, res.Valid)
			require.NotEmpty(t, res.Errors)
			assert.Contains(t, strings.Join(res.Errors, "\n"), tt.want)
		})
	}
}

func TestValidateL1Input_SameEventTwice(t *testing.T) {
	v := newValidator(t)
	p := datatypes.NewFileEvent(datatypes.EventModified, "x.md", "").Payload()
	assert.True(t, v.ValidateL1Input(context.Background(), p, SurfaceFileSystem).Valid)
	assert.True(t, v.ValidateL1Input(context.Background(), p, SurfaceFileSystem).Valid)
}

func TestValidateL1Input_UnknownSurface(t *testing.T) {
	v := newValidator(t)
	res := v.ValidateL1Input(context.Background(), map[string]any{}, "carrier_pigeon")
	assert.False(t, res.Valid)
	assert.Equal(t, []string{"No schema found for l1_carrier_pigeon_input"}, res.Errors)
}

func TestValidateL1Input_HTTPAndNATS(t *testing.T) {
	v := newValidator(t)
	ctx := context.Background()

	req := HTTPRequest{RequestID: "r1", Route: "/events", Body: map[string]any{"a": 1}, TS: 1}
	require.NoError(t, req.Check())
	assert.True(t, v.ValidateL1Input(ctx, req.AsMap(), SurfaceHTTP).Valid)
	assert.False(t, v.ValidateL1Input(ctx, map[string]any{"request_id": "r1"}, SurfaceHTTP).Valid)

	msg := NATSMessage{MessageID: "m1", Subject: "scribe.events", Payload: map[string]any{}, TS: 2}
	require.NoError(t, msg.Check())
	assert.True(t, v.ValidateL1Input(ctx, msg.AsMap(), SurfaceNATS).Valid)

	bad := msg.AsMap()
	bad["payload"] = "not an object"
	assert.False(t, v.ValidateL1Input(ctx, bad, SurfaceNATS).Valid)

	assert.Error(t, NATSMessage{}.Check())
}

func TestValidatePluginInput(t *testing.T) {
	v := newValidator(t)
	env := PluginExecution{ActionType: "upper_case", RuleID: "r1", FilePath: "x.md"}
	assert.True(t, v.ValidatePluginInput(context.Background(), env.AsMap()).Valid)
	assert.False(t, v.ValidatePluginInput(context.Background(), map[string]any{"action_type": "x"}).Valid)
}

func TestValidate_Telemetry(t *testing.T) {
	rec := telemetrytest.New(t)
	v := newValidator(t, WithTelemetry(rec.Provider))
	ctx := context.Background()

	v.ValidateL1Input(ctx, datatypes.NewFileEvent(datatypes.EventCreated, "a.md", "").Payload(), SurfaceFileSystem)
	v.ValidateL1Input(ctx, map[string]any{"type": "bogus"}, SurfaceFileSystem)

	assert.Equal(t, []string{"inbound_file_system_event_validation", "inbound_file_system_event_validation"}, rec.SpanNames())
	valid, ok := rec.SpanAttr("inbound_file_system_event_validation", "boundary_type")
	require.True(t, ok)
	assert.Equal(t, KeyFileSystemInput, valid)
	assert.Equal(t, int64(1), rec.Counter(t, telemetry.MetricBoundaryValidationErrors))
	assert.Equal(t, int64(2), rec.Counter(t, telemetry.MetricBoundaryCalls))
}

func TestNew_SchemaDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "l1_webhook_input.json"),
		[]byte(`{"type":"object","required":["hook"],"properties":{"hook":{"type":"string"}}}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("ignored"), 0o644))

	v := newValidator(t, WithSchemaDir(dir))
	assert.True(t, v.ValidateL1Input(context.Background(), map[string]any{"hook": "x"}, "webhook").Valid)
	assert.False(t, v.ValidateL1Input(context.Background(), map[string]any{}, "webhook").Valid)
}

func TestNew_BadSchemaDirIsFatal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte(`{not json`), 0o644))
	_, err := New(WithSchemaDir(dir))
	assert.ErrorIs(t, err, ErrInvalidSchema)
}

func TestCompileSchema_TypedPayload(t *testing.T) {
	s, err := CompileSchema([]byte(`{"type":"object","properties":{"count":{"type":"integer","minimum":1}}}`))
	require.NoError(t, err)

	type params struct {
		Count int `json:"count"`
	}
	assert.Empty(t, s.Validate(params{Count: 3}))
	assert.NotEmpty(t, s.Validate(params{Count: 0}))
	assert.NotEmpty(t, s.Validate(map[string]any{"count": make(chan int)}))
}
