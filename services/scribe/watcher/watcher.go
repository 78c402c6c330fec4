// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watcher turns directory changes into validated file events.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/scribe/services/scribe/atomicwrite"
	"github.com/AleutianAI/scribe/services/scribe/datatypes"
	"github.com/AleutianAI/scribe/services/scribe/dlq"
	"github.com/AleutianAI/scribe/services/scribe/ingress"
	"github.com/AleutianAI/scribe/services/scribe/rules"
)

// ErrNoPaths is returned by New when there is nothing to watch.
var ErrNoPaths = errors.New("no watch paths")

// DefaultIgnorePatterns are ignored in addition to the configured ones.
var DefaultIgnorePatterns = []string{".git", "node_modules", "*" + atomicwrite.TempSuffix, "*.swp", "*.tmp"}

// Options configures a Watcher.
type Options struct {
	// Paths are the directory roots watched recursively.
	Paths []string

	// Globs select which files produce events. Default: ["*.md"].
	Globs []string

	// IgnorePatterns are base-name globs or path segments to skip.
	IgnorePatterns []string

	// IgnoreDirs are directories skipped with everything below them,
	// typically the quarantine root and the report directory.
	IgnoreDirs []string

	// Debounce coalesces bursts of events for one path. Default: 100ms.
	Debounce time.Duration

	Logger *slog.Logger
}

// Stats counts watcher activity.
type Stats struct {
	Observed     int64 `json:"observed"`
	Emitted      int64 `json:"emitted"`
	Rejected     int64 `json:"rejected"`
	Ignored      int64 `json:"ignored"`
	WatchedDirs  int   `json:"watched_dirs"`
	WatcherError int64 `json:"watcher_errors"`
}

// pending is a debounced event waiting to be emitted.
type pending struct {
	typ     datatypes.EventType
	oldPath string
	timer   *time.Timer
}

// rename is a Rename seen without its Create yet.
type rename struct {
	path  string
	timer *time.Timer
}

// Watcher watches directory trees and admits file events.
//
// # Description
//
// Each configured root is watched recursively and new directories are added
// as they appear. fsnotify Create becomes "created", Write becomes
// "modified" and Remove becomes "deleted". A Rename followed by a Create
// within the debounce window becomes "moved" carrying the old path; a
// Rename with no Create becomes "deleted". Events for one path are
// debounced, so an editor's save burst yields one event. Every emitted event
// goes through the ingress gate.
//
// # Thread Safety
//
// Start and Stop may be called from any goroutine. Events are admitted from
// timer goroutines.
type Watcher struct {
	roots      []string
	globs      []*rules.Glob
	ignore     []string
	ignoreDirs []string
	debounce   time.Duration
	gate       ingress.Admitter
	logger     *slog.Logger

	fsw      *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	ctx      context.Context
	pending  map[string]*pending
	rename   *rename
	watching bool
	dirs     map[string]struct{}

	observed atomic.Int64
	emitted  atomic.Int64
	rejected atomic.Int64
	ignored  atomic.Int64
	errs     atomic.Int64
}

// New creates a Watcher that admits events through gate.
//
// # Outputs
//
//   - *Watcher: Ready to Start.
//   - error: ErrNoPaths, an invalid glob, or an fsnotify failure.
func New(gate ingress.Admitter, opts Options) (*Watcher, error) {
	if len(opts.Paths) == 0 {
		return nil, ErrNoPaths
	}
	if len(opts.Globs) == 0 {
		opts.Globs = []string{"*.md"}
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	w := &Watcher{
		gate:     gate,
		debounce: opts.Debounce,
		logger:   opts.Logger,
		ignore:   append(append([]string(nil), DefaultIgnorePatterns...), opts.IgnorePatterns...),
		pending:  make(map[string]*pending),
		dirs:     make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	for _, p := range opts.Globs {
		g, err := rules.CompileGlob(p)
		if err != nil {
			return nil, err
		}
		w.globs = append(w.globs, g)
	}
	for _, p := range opts.Paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve watch path %s: %w", p, err)
		}
		w.roots = append(w.roots, abs)
	}
	for _, d := range opts.IgnoreDirs {
		if d == "" {
			continue
		}
		if abs, err := filepath.Abs(d); err == nil {
			w.ignoreDirs = append(w.ignoreDirs, abs)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	w.fsw = fsw
	return w, nil
}

// Start adds every root recursively and begins processing events. Roots
// that do not exist are logged and skipped.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.ctx = ctx
	w.mu.Unlock()

	for _, root := range w.roots {
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			w.logger.Warn("watch path unavailable", slog.String("path", root))
			continue
		}
		if err := w.addRecursive(root); err != nil {
			return fmt.Errorf("watch %s: %w", root, err)
		}
	}
	w.logger.Info("file watcher started",
		slog.Int("roots", len(w.roots)),
		slog.Int("directories", w.watchedDirs()))

	w.wg.Add(1)
	go w.processEvents(ctx)
	return nil
}

// Stop stops watching and discards events still in their debounce window.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.fsw.Close()
		w.wg.Wait()

		w.mu.Lock()
		for p, pe := range w.pending {
			pe.timer.Stop()
			delete(w.pending, p)
		}
		if w.rename != nil {
			w.rename.timer.Stop()
			w.rename = nil
		}
		w.watching = false
		w.mu.Unlock()
		w.logger.Info("file watcher stopped")
	})
}

// Stats returns the watcher counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Observed:     w.observed.Load(),
		Emitted:      w.emitted.Load(),
		Rejected:     w.rejected.Load(),
		Ignored:      w.ignored.Load(),
		WatchedDirs:  w.watchedDirs(),
		WatcherError: w.errs.Load(),
	}
}

func (w *Watcher) watchedDirs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirs)
}

// addRecursive adds a directory and all subdirectories to the watch list.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.shouldIgnore(path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return err
		}
		w.mu.Lock()
		w.dirs[path] = struct{}{}
		w.mu.Unlock()
		return nil
	})
}

// shouldIgnore checks a path against the ignore dirs and patterns.
func (w *Watcher) shouldIgnore(path string) bool {
	for _, dir := range w.ignoreDirs {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}
	base := filepath.Base(path)
	segments := strings.Split(filepath.ToSlash(path), "/")
	for _, pattern := range w.ignore {
		if base == pattern {
			return true
		}
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
		for _, s := range segments {
			if s == pattern {
				return true
			}
		}
	}
	return false
}

// matches reports whether path is selected by any glob, relative to the
// root it lives under.
func (w *Watcher) matches(path string) bool {
	rel := path
	for _, root := range w.roots {
		if r, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(r, "..") {
			rel = r
			break
		}
	}
	for _, g := range w.globs {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.errs.Add(1)
			w.logger.Warn("file watcher error", slog.String("error", err.Error()))
		}
	}
}

// handle converts one fsnotify event.
func (w *Watcher) handle(event fsnotify.Event) {
	w.observed.Add(1)
	path := event.Name
	if w.shouldIgnore(path) {
		w.ignored.Add(1)
		return
	}

	switch {
	case event.Has(fsnotify.Create):
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := w.addRecursive(path); err != nil {
				w.logger.Warn("watch new directory failed",
					slog.String("path", path),
					slog.String("error", err.Error()))
			}
			return
		}
		if old := w.takeRename(); old != "" && old != path {
			w.schedule(path, datatypes.EventMoved, old)
			return
		}
		w.schedule(path, datatypes.EventCreated, "")

	case event.Has(fsnotify.Write):
		w.schedule(path, datatypes.EventModified, "")

	case event.Has(fsnotify.Rename):
		w.forgetDir(path)
		w.noteRename(path)

	case event.Has(fsnotify.Remove):
		if w.forgetDir(path) {
			return
		}
		w.schedule(path, datatypes.EventDeleted, "")
	}
}

// forgetDir drops a removed directory from the watch set. It reports
// whether path was a watched directory.
func (w *Watcher) forgetDir(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.dirs[path]; !ok {
		return false
	}
	for d := range w.dirs {
		if d == path || strings.HasPrefix(d, path+string(filepath.Separator)) {
			delete(w.dirs, d)
		}
	}
	return true
}

// noteRename remembers path as the source of a possible move. A previous
// unpaired rename is flushed as a deletion.
func (w *Watcher) noteRename(path string) {
	w.mu.Lock()
	prev := w.rename
	r := &rename{path: path}
	r.timer = time.AfterFunc(w.debounce, func() { w.expireRename(r) })
	w.rename = r
	w.mu.Unlock()

	if prev != nil && prev.timer.Stop() {
		w.schedule(prev.path, datatypes.EventDeleted, "")
	}
}

func (w *Watcher) expireRename(r *rename) {
	w.mu.Lock()
	if w.rename != r {
		w.mu.Unlock()
		return
	}
	w.rename = nil
	w.mu.Unlock()
	w.schedule(r.path, datatypes.EventDeleted, "")
}

// takeRename claims the outstanding rename, if it has not expired.
func (w *Watcher) takeRename() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rename
	if r == nil || !r.timer.Stop() {
		return ""
	}
	w.rename = nil
	return r.path
}

// schedule debounces an event for path. A burst keeps the most significant
// type: a file created then written is still "created", and a move keeps
// its old path.
func (w *Watcher) schedule(path string, typ datatypes.EventType, oldPath string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.watching {
		return
	}
	if pe, ok := w.pending[path]; ok {
		pe.typ, pe.oldPath = merge(pe.typ, pe.oldPath, typ, oldPath)
		pe.timer.Reset(w.debounce)
		return
	}
	pe := &pending{typ: typ, oldPath: oldPath}
	pe.timer = time.AfterFunc(w.debounce, func() { w.flush(path, pe) })
	w.pending[path] = pe
}

func merge(prev datatypes.EventType, prevOld string, next datatypes.EventType, nextOld string) (datatypes.EventType, string) {
	switch {
	case next == datatypes.EventDeleted:
		return next, ""
	case prev == datatypes.EventMoved:
		return prev, prevOld
	case next == datatypes.EventMoved:
		return next, nextOld
	case prev == datatypes.EventCreated && next == datatypes.EventModified:
		return prev, ""
	}
	return next, nextOld
}

// flush emits the debounced event for path.
func (w *Watcher) flush(path string, pe *pending) {
	w.mu.Lock()
	if w.pending[path] != pe {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	ctx := w.ctx
	typ, oldPath := pe.typ, pe.oldPath
	w.mu.Unlock()

	if !w.matches(path) {
		if typ == datatypes.EventMoved && oldPath != "" && w.matches(oldPath) {
			typ, path, oldPath = datatypes.EventDeleted, oldPath, ""
		} else {
			w.ignored.Add(1)
			return
		}
	}
	if typ != datatypes.EventDeleted {
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			w.ignored.Add(1)
			return
		}
	}
	if ctx == nil || ctx.Err() != nil {
		return
	}

	evt := datatypes.NewFileEvent(typ, path, oldPath)
	if w.gate.Admit(ctx, dlq.SurfaceFileSystem, evt.Payload()) {
		w.emitted.Add(1)
		w.logger.Debug("file event admitted",
			slog.String("event_id", evt.EventID),
			slog.String("type", string(typ)),
			slog.String("file_path", path))
		return
	}
	w.rejected.Add(1)
}
