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
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch hot-reloads the configuration until ctx is canceled.
//
// Description:
//
//	Watches the parent directory rather than the file so that editors and
//	atomic writers which replace the file by rename are still observed.
//	Events for the config file are debounced; when the window elapses the
//	file is reloaded if its mtime or content hash changed.
//
// Outputs:
//
//	<-chan struct{} - Closed when the watcher goroutine exits.
//	error - Non-nil if the watcher could not be started.
func (m *Manager) Watch(ctx context.Context) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	done := make(chan struct{})
	go m.watchLoop(ctx, w, done)
	return done, nil
}

func (m *Manager) watchLoop(ctx context.Context, w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer w.Close()

	target := filepath.Clean(m.path)
	timer := time.NewTimer(m.debounce)
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
			if filepath.Clean(evt.Name) != target {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			if pending && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(m.debounce)
			pending = true

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.logger.Warn("config watcher error", slog.String("error", err.Error()))

		case <-timer.C:
			pending = false
			changed, err := m.reloadIfChanged()
			if err != nil {
				m.logger.Warn("config hot reload skipped", slog.String("error", err.Error()))
				continue
			}
			if changed {
				m.logger.Info("configuration hot reloaded", slog.String("path", m.path))
			}
		}
	}
}
