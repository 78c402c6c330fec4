// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the registry when plugin sources or manifests change.
//
// Description:
//
//	Watches every existing plugin directory and its immediate
//	subdirectories (where manifests live). Bursts of events are coalesced
//	into one Reload after the debounce window.
//
// Outputs:
//
//	<-chan struct{} - Closed when the watcher goroutine exits.
//	error - Non-nil if the watcher could not be started.
func (l *Loader) Watch(ctx context.Context) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create plugin watcher: %w", err)
	}
	watched := 0
	for _, dir := range l.dirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
		watched++
		entries, _ := os.ReadDir(dir)
		for _, e := range entries {
			if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
				_ = w.Add(filepath.Join(dir, e.Name()))
			}
		}
	}
	l.logger.Info("plugin hot reload enabled", slog.Int("directories", watched))

	done := make(chan struct{})
	go l.watchLoop(ctx, w, done)
	return done, nil
}

func (l *Loader) watchLoop(ctx context.Context, w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer w.Close()

	timer := time.NewTimer(l.debounce)
	timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-w.Events:
			if !ok {
				return
			}
			if !relevant(evt) {
				continue
			}
			if evt.Has(fsnotify.Create) {
				if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
					_ = w.Add(evt.Name)
				}
			}
			if pending && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(l.debounce)
			pending = true

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Warn("plugin watcher error", slog.String("error", err.Error()))

		case <-timer.C:
			pending = false
			_ = l.Reload(ctx)
		}
	}
}

func relevant(evt fsnotify.Event) bool {
	if evt.Has(fsnotify.Chmod) && !evt.Has(fsnotify.Write) {
		return false
	}
	base := filepath.Base(evt.Name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := filepath.Ext(base)
	return ext == ".go" || base == ManifestFileName || ext == ""
}
