// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package atomicwrite replaces files so that readers observe either the old
// or the new content, never a partial write.
//
// Every write goes through a sibling temp file named
// ".<name>.tmp.<random>.atomic" which is fsynced and then renamed over the
// target. Rename is retried with exponential backoff because on some
// platforms another process holding the target open makes it fail
// transiently.
package atomicwrite

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Mode selects how content is turned into bytes on disk.
type Mode int

const (
	// ModeText encodes UTF-8 input into the requested character encoding.
	ModeText Mode = iota

	// ModeBinary writes bytes verbatim and ignores the encoding.
	ModeBinary
)

const (
	// DefaultAttempts is the number of rename attempts before giving up.
	DefaultAttempts = 5

	// DefaultBaseDelay is the first backoff delay; it doubles per attempt.
	DefaultBaseDelay = 10 * time.Millisecond

	// MaxBackoff bounds the total time spent retrying a rename.
	MaxBackoff = 5 * time.Second

	// DefaultPerm applies when the target does not exist yet.
	DefaultPerm fs.FileMode = 0o644

	// TempSuffix ends every temp file name so watchers can ignore them.
	TempSuffix = ".atomic"
)

var (
	// ErrEmptyPath is returned for an empty target path.
	ErrEmptyPath = errors.New("empty path")

	// ErrRenameExhausted is returned when every rename attempt failed.
	ErrRenameExhausted = errors.New("rename retries exhausted")
)

// Writer performs atomic file replacement.
//
// # Thread Safety
//
// Writer holds no mutable state and is safe for concurrent use. Concurrent
// writes to the same path each produce a complete file; the last rename wins.
type Writer struct {
	logger    *slog.Logger
	attempts  int
	baseDelay time.Duration
	sleep     func(time.Duration)
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the logger used for failures.
func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithRetry overrides the rename attempt count and first backoff delay.
func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(w *Writer) {
		if attempts > 0 {
			w.attempts = attempts
		}
		if baseDelay > 0 {
			w.baseDelay = baseDelay
		}
	}
}

// New creates a Writer.
func New(opts ...Option) *Writer {
	w := &Writer{
		logger:    slog.Default(),
		attempts:  DefaultAttempts,
		baseDelay: DefaultBaseDelay,
		sleep:     time.Sleep,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write atomically replaces path with data.
//
// # Description
//
// In ModeText, data must be UTF-8 and is encoded to encoding (empty means
// utf-8). In ModeBinary the encoding is ignored. Failures are logged and
// reported as false; the temp file is removed on every failure path.
//
// # Inputs
//
//   - path: Target file. Its directory must exist.
//   - data: New content.
//   - mode: ModeText or ModeBinary.
//   - encoding: Character encoding name for ModeText (e.g. "utf-8", "utf-16le").
//
// # Outputs
//
//   - bool: True if the target now holds data.
func (w *Writer) Write(path string, data []byte, mode Mode, encoding string) bool {
	if err := w.WriteFile(path, data, mode, encoding); err != nil {
		w.logger.Error("atomic write failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

// WriteString is Write for text content.
func (w *Writer) WriteString(path, content, encoding string) bool {
	return w.Write(path, []byte(content), ModeText, encoding)
}

// WriteFile is the error-returning form of Write.
func (w *Writer) WriteFile(path string, data []byte, mode Mode, encoding string) error {
	if path == "" {
		return ErrEmptyPath
	}

	payload := data
	if mode == ModeText {
		encoded, err := encodeText(data, encoding)
		if err != nil {
			return err
		}
		payload = encoded
	}

	perm := DefaultPerm
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*"+TempSuffix)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(payload); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := w.renameWithRetry(tmpPath, path); err != nil {
		return err
	}

	success = true
	syncDir(dir)
	return nil
}

// renameWithRetry moves src over dst, backing off between retryable failures.
func (w *Writer) renameWithRetry(src, dst string) error {
	delay := w.baseDelay
	var waited time.Duration
	var lastErr error

	for attempt := 1; attempt <= w.attempts; attempt++ {
		err := replaceFile(src, dst)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == w.attempts || waited+delay > MaxBackoff {
			break
		}
		w.logger.Debug("rename failed, retrying",
			slog.String("path", dst),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		w.sleep(delay)
		waited += delay
		delay *= 2
	}
	return fmt.Errorf("%w: %s: %v", ErrRenameExhausted, dst, lastErr)
}

// syncDir flushes the directory entry so the rename survives a crash.
// Errors are ignored because not every platform supports it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
