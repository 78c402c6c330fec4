// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/scribe/pkg/logging"
	"github.com/AleutianAI/scribe/services/scribe/dlq"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "scribe.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func emptyConfig(t *testing.T) string {
	t.Helper()
	return writeConfig(t, `{"plugins": {"directories": ["`+filepath.ToSlash(t.TempDir())+`"]}, "rules": []}`)
}

func TestRoot_LogFlags(t *testing.T) {
	path := emptyConfig(t)

	_, err := execute(t, "validate", "--config", path, "--log-format", "xml")
	assert.ErrorIs(t, err, logging.ErrInvalidFormat)

	_, err = execute(t, "validate", "--config", path, "--log-level", "loud")
	assert.Error(t, err)
}

func TestRoot_LogDirWritesFile(t *testing.T) {
	path := emptyConfig(t)
	logDir := t.TempDir()

	_, err := execute(t, "validate", "--config", path, "--log-level", "debug", "--log-dir", logDir)
	require.NoError(t, err)

	entries, err := os.ReadDir(logDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), logging.DefaultService+"_"))
}

func TestValidate_OK(t *testing.T) {
	path := writeConfig(t, `{
  "plugins": {"directories": ["`+filepath.ToSlash(t.TempDir())+`"]},
  "rules": [
    {"id": "todo", "file_glob": "*.md", "trigger_pattern": "TODO", "actions": [{"type": "upper_case"}]},
    {"id": "missing", "file_glob": "*.md", "trigger_pattern": "x", "actions": [{"type": "nope"}]}
  ]
}`)

	out, err := execute(t, "validate", "--config", path, "--log-level", "error")

	require.NoError(t, err)
	assert.Contains(t, out, `action type "nope" is not provided`)
	assert.Contains(t, out, "ok: 2 rules (2 enabled)")
}

func TestValidate_BadRule(t *testing.T) {
	path := writeConfig(t, `{
  "rules": [
    {"id": "bad", "file_glob": "*.md", "trigger_pattern": "([", "actions": [{"type": "upper_case"}]}
  ]
}`)

	out, err := execute(t, "validate", "--config", path, "--log-level", "error")

	assert.ErrorIs(t, err, errInvalidConfig)
	assert.Contains(t, out, "rule bad:")
}

func TestValidate_SchemaViolation(t *testing.T) {
	path := writeConfig(t, `{"rules": [{"id": "no-actions", "file_glob": "*.md", "trigger_pattern": "x"}]}`)

	out, err := execute(t, "validate", "--config", path, "--log-level", "error")

	assert.ErrorIs(t, err, errInvalidConfig)
	assert.Contains(t, out, "schema:")
}

func TestPlugins_ListsBuiltins(t *testing.T) {
	path := writeConfig(t, `{
  "plugins": {"directories": ["`+filepath.ToSlash(t.TempDir())+`"]},
  "rules": []
}`)

	out, err := execute(t, "plugins", "--config", path, "--log-level", "error")

	require.NoError(t, err)
	assert.Contains(t, out, "ACTION TYPE")
	for _, typ := range []string{"upper_case", "lower_case", "replace_text", "append_text", "set_frontmatter"} {
		assert.Contains(t, out, typ)
	}
}

func TestDLQ_TailAndFilter(t *testing.T) {
	dir := t.TempDir()
	sink := dlq.New(dlq.WithDir(dir))
	ctx := context.Background()
	sink.Write(ctx, dlq.SurfaceFileSystem, "e1", []string{"first"}, map[string]any{"n": 1})
	sink.Write(ctx, dlq.SurfaceWorker, "e2", []string{"second"}, map[string]any{"n": 2})
	sink.Write(ctx, dlq.SurfaceFileSystem, "e3", []string{"third"}, map[string]any{"n": 3})

	out, err := execute(t, "dlq", "--dir", dir, "--tail", "2")
	require.NoError(t, err)
	assert.NotContains(t, out, "e1")
	assert.Contains(t, out, "e2")
	assert.Contains(t, out, "e3")

	out, err = execute(t, "dlq", "--dir", dir, "--surface", dlq.SurfaceFileSystem, "--json")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"event_id":"e1"`)
	assert.Contains(t, lines[1], `"event_id":"e3"`)
}

func TestDLQ_Missing(t *testing.T) {
	out, err := execute(t, "dlq", "--dir", t.TempDir())

	require.NoError(t, err)
	assert.Contains(t, out, "no dead letters")
}
