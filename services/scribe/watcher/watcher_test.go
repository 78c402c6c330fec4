// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/scribe/services/scribe/datatypes"
	"github.com/AleutianAI/scribe/services/scribe/dlq"
)

// recordingGate captures admitted events.
type recordingGate struct {
	mu     sync.Mutex
	events []datatypes.FileEvent
	reject bool
}

func (g *recordingGate) Admit(_ context.Context, surface string, payload map[string]any) bool {
	if surface != dlq.SurfaceFileSystem {
		return false
	}
	evt, err := datatypes.FileEventFromPayload(payload)
	if err != nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, evt)
	return !g.reject
}

func (g *recordingGate) snapshot() []datatypes.FileEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]datatypes.FileEvent(nil), g.events...)
}

func (g *recordingGate) waitFor(t *testing.T, pred func(datatypes.FileEvent) bool) datatypes.FileEvent {
	t.Helper()
	var found datatypes.FileEvent
	require.Eventually(t, func() bool {
		for _, e := range g.snapshot() {
			if pred(e) {
				found = e
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
	return found
}

func startWatcher(t *testing.T, root string, opts Options) (*Watcher, *recordingGate) {
	t.Helper()
	gate := &recordingGate{}
	opts.Paths = []string{root}
	if opts.Debounce == 0 {
		opts.Debounce = 30 * time.Millisecond
	}
	w, err := New(gate, opts)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		w.Stop()
		cancel()
	})
	require.NoError(t, w.Start(ctx))
	return w, gate
}

func TestNew_RequiresPaths(t *testing.T) {
	_, err := New(&recordingGate{}, Options{})
	assert.ErrorIs(t, err, ErrNoPaths)
}

func TestWatcher_CreatedAndModified(t *testing.T) {
	root := t.TempDir()
	w, gate := startWatcher(t, root, Options{})

	path := filepath.Join(root, "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0o644))
	created := gate.waitFor(t, func(e datatypes.FileEvent) bool { return e.FilePath == path })
	assert.Equal(t, datatypes.EventCreated, created.Type)
	assert.NotEmpty(t, created.EventID)
	assert.Positive(t, created.Timestamp)

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("two"), 0o644))
	gate.waitFor(t, func(e datatypes.FileEvent) bool {
		return e.FilePath == path && e.Type == datatypes.EventModified
	})

	assert.GreaterOrEqual(t, w.Stats().Emitted, int64(2))
}

func TestWatcher_BurstIsDebounced(t *testing.T) {
	root := t.TempDir()
	_, gate := startWatcher(t, root, Options{Debounce: 150 * time.Millisecond})

	path := filepath.Join(root, "burst.md")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte{byte('a' + i)}, 0o644))
	}
	gate.waitFor(t, func(e datatypes.FileEvent) bool { return e.FilePath == path })
	time.Sleep(300 * time.Millisecond)

	count := 0
	for _, e := range gate.snapshot() {
		if e.FilePath == path {
			count++
			assert.Equal(t, datatypes.EventCreated, e.Type)
		}
	}
	assert.Equal(t, 1, count)
}

func TestWatcher_GlobsAndIgnores(t *testing.T) {
	root := t.TempDir()
	quarantine := filepath.Join(root, "quarantine")
	require.NoError(t, os.MkdirAll(quarantine, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules"), 0o755))

	w, gate := startWatcher(t, root, Options{IgnoreDirs: []string{quarantine}})

	require.NoError(t, os.WriteFile(filepath.Join(root, "skip.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(quarantine, "held.md"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "dep.md"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".notes.md.tmp.1.atomic"), []byte("x"), 0o644))
	keep := filepath.Join(root, "keep.md")
	require.NoError(t, os.WriteFile(keep, []byte("x"), 0o644))

	gate.waitFor(t, func(e datatypes.FileEvent) bool { return e.FilePath == keep })
	time.Sleep(100 * time.Millisecond)
	for _, e := range gate.snapshot() {
		assert.Equal(t, keep, e.FilePath)
	}
	assert.Positive(t, w.Stats().Ignored)
}

func TestWatcher_NewSubdirectory(t *testing.T) {
	root := t.TempDir()
	_, gate := startWatcher(t, root, Options{})

	sub := filepath.Join(root, "docs", "deep")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(sub, "page.md")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	gate.waitFor(t, func(e datatypes.FileEvent) bool { return e.FilePath == path })
}

func TestWatcher_RenameIsMoved(t *testing.T) {
	root := t.TempDir()
	oldPath := filepath.Join(root, "draft.md")
	require.NoError(t, os.WriteFile(oldPath, []byte("x"), 0o644))
	_, gate := startWatcher(t, root, Options{Debounce: 100 * time.Millisecond})

	newPath := filepath.Join(root, "final.md")
	require.NoError(t, os.Rename(oldPath, newPath))

	moved := gate.waitFor(t, func(e datatypes.FileEvent) bool { return e.FilePath == newPath })
	assert.Equal(t, datatypes.EventMoved, moved.Type)
	assert.Equal(t, oldPath, moved.OldPath)
}

func TestWatcher_RemoveIsDeleted(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "gone.md")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	_, gate := startWatcher(t, root, Options{})

	require.NoError(t, os.Remove(path))
	evt := gate.waitFor(t, func(e datatypes.FileEvent) bool { return e.FilePath == path })
	assert.Equal(t, datatypes.EventDeleted, evt.Type)
}

func TestWatcher_RejectedEventsCounted(t *testing.T) {
	root := t.TempDir()
	w, gate := startWatcher(t, root, Options{})
	gate.mu.Lock()
	gate.reject = true
	gate.mu.Unlock()

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.md"), []byte("x"), 0o644))
	require.Eventually(t, func() bool { return w.Stats().Rejected == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Zero(t, w.Stats().Emitted)
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name     string
		prev     datatypes.EventType
		next     datatypes.EventType
		nextOld  string
		want     datatypes.EventType
		wantPath string
	}{
		{"created then modified", datatypes.EventCreated, datatypes.EventModified, "", datatypes.EventCreated, ""},
		{"modified then deleted", datatypes.EventModified, datatypes.EventDeleted, "", datatypes.EventDeleted, ""},
		{"moved then modified", datatypes.EventMoved, datatypes.EventModified, "", datatypes.EventMoved, "/old"},
		{"modified then moved", datatypes.EventModified, datatypes.EventMoved, "/other", datatypes.EventMoved, "/other"},
		{"deleted then created", datatypes.EventDeleted, datatypes.EventCreated, "", datatypes.EventCreated, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prevOld := ""
			if tt.prev == datatypes.EventMoved {
				prevOld = "/old"
			}
			got, old := merge(tt.prev, prevOld, tt.next, tt.nextOld)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantPath, old)
		})
	}
}
