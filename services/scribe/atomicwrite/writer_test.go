// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package atomicwrite

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func noTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), TempSuffix), "leftover temp file %s", e.Name())
	}
}

func TestWrite_TextRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.md")
	w := New()

	require.True(t, w.WriteString(path, "héllo\nworld", "utf-8"))
	got, err := Read(path, "utf-8")
	require.NoError(t, err)
	assert.Equal(t, "héllo\nworld", got)
	noTempFiles(t, dir)
}

func TestWrite_BinaryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob.bin")
	data := []byte{0x00, 0xff, 0x10, 0x80}

	require.True(t, New().Write(path, data, ModeBinary, "ignored"))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestWrite_Encodings(t *testing.T) {
	dir := t.TempDir()
	w := New()

	for _, enc := range []string{"utf-16le", "iso-8859-1", "windows-1252"} {
		t.Run(enc, func(t *testing.T) {
			path := filepath.Join(dir, enc+".txt")
			require.True(t, w.WriteString(path, "café", enc))
			got, err := Read(path, enc)
			require.NoError(t, err)
			assert.Equal(t, "café", got)

			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.NotEqual(t, []byte("café"), raw)
		})
	}
}

func TestWrite_UnknownEncoding(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.txt")
	assert.False(t, New().WriteString(path, "x", "klingon-8"))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	noTempFiles(t, dir)
}

func TestWrite_MissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "x.md")
	assert.False(t, New().WriteString(path, "x", ""))
}

func TestWrite_EmptyPath(t *testing.T) {
	assert.ErrorIs(t, New().WriteFile("", nil, ModeBinary, ""), ErrEmptyPath)
}

func TestWrite_PreservesMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.md")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o600))

	require.True(t, New().WriteString(path, "new", ""))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestWrite_ConcurrentWritersSamePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.md")
	w := New()

	versions := make([]string, 8)
	for i := range versions {
		versions[i] = strings.Repeat(string(rune('a'+i)), 4096)
	}

	var wg sync.WaitGroup
	for _, v := range versions {
		wg.Add(1)
		go func(v string) {
			defer wg.Done()
			w.WriteString(path, v, "")
		}(v)
	}
	wg.Wait()

	got, err := Read(path, "")
	require.NoError(t, err)
	assert.Contains(t, versions, got)
	noTempFiles(t, dir)
}

func TestRenameWithRetry_Backoff(t *testing.T) {
	w := New(WithRetry(5, 10*time.Millisecond))
	var slept []time.Duration
	w.sleep = func(d time.Duration) { slept = append(slept, d) }

	err := w.renameWithRetry(filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), "dst"))
	require.ErrorIs(t, err, ErrRenameExhausted)
	// A missing source is not transient, so no backoff happens.
	assert.Empty(t, slept)
}

func TestWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.json")
	w := New()

	require.True(t, w.WriteJSON(path, map[string]any{"a": 1, "b": []string{"x"}}, 2))
	var got map[string]any
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, float64(1), got["a"])

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "\n  \"a\"")

	assert.False(t, w.WriteJSON(path, map[string]any{"bad": make(chan int)}, 0))
}

func TestWriteYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.yaml")
	require.True(t, New().WriteYAML(path, map[string]string{"title": "Notes"}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, yaml.Unmarshal(raw, &got))
	assert.Equal(t, "Notes", got["title"])
}

func TestReadAuto(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.md")
	content := strings.Repeat("line of text\n", 200)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	got, streamed, err := ReadAuto(path, 100)
	require.NoError(t, err)
	assert.True(t, streamed)
	assert.Equal(t, content, got)

	got, streamed, err = ReadAuto(path, 0)
	require.NoError(t, err)
	assert.False(t, streamed)
	assert.Equal(t, content, got)
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.md")
	dst := filepath.Join(dir, "b.md")
	require.NoError(t, os.WriteFile(src, []byte("content"), 0o640))

	require.NoError(t, New().CopyFile(src, dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "content", string(got))
}
