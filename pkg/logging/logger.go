// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the process logger for Scribe binaries.
//
// Output always goes to one stream (stderr by default) in the selected
// format. When a log directory is configured, every record is also
// appended, as JSON, to "{service}_{YYYY-MM-DD}.log" in that directory.
//
// # Basic Usage
//
//	logger, err := logging.New(logging.Config{Format: logging.FormatAuto})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//	slog.SetDefault(logger.Slog())
//
// # Thread Safety
//
// Logger is safe for concurrent use.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// Output formats.
const (
	// FormatAuto selects text on a terminal and JSON otherwise.
	FormatAuto = "auto"
	FormatJSON = "json"
	FormatText = "text"
)

// DefaultService names the log file when Config.Service is empty.
const DefaultService = "scribe"

// ErrInvalidFormat is returned for an unknown Config.Format.
var ErrInvalidFormat = errors.New("invalid log format")

// Config configures a Logger. The zero value logs Info and above to
// stderr, choosing the format from whether stderr is a terminal.
type Config struct {
	// Level is the minimum level written.
	Level slog.Level

	// Format is FormatAuto, FormatJSON or FormatText. Empty means auto.
	Format string

	// Output receives the primary stream. Default: os.Stderr.
	Output io.Writer

	// LogDir enables the additional JSON log file. A leading ~ expands to
	// the home directory. The directory is created with 0750.
	LogDir string

	// Service is added to every record as the "service" attribute and
	// names the log file.
	Service string
}

// Logger wraps a slog.Logger and the log file it may own.
type Logger struct {
	slog *slog.Logger
	path string

	mu   sync.Mutex
	file *os.File
}

// New creates a Logger from cfg.
//
// # Outputs
//
//   - *Logger: Ready logger. Close it to release the log file.
//   - error: ErrInvalidFormat, or a failure creating the log file.
func New(cfg Config) (*Logger, error) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.Level}

	var primary slog.Handler
	switch strings.ToLower(cfg.Format) {
	case FormatAuto, "":
		if IsTerminal(out) {
			primary = slog.NewTextHandler(out, opts)
		} else {
			primary = slog.NewJSONHandler(out, opts)
		}
	case FormatJSON:
		primary = slog.NewJSONHandler(out, opts)
	case FormatText:
		primary = slog.NewTextHandler(out, opts)
	default:
		return nil, fmt.Errorf("%w %q: want auto, json or text", ErrInvalidFormat, cfg.Format)
	}

	l := &Logger{}
	handler := primary
	if cfg.LogDir != "" {
		file, path, err := openLogFile(expandPath(cfg.LogDir), cfg.Service)
		if err != nil {
			return nil, err
		}
		l.file = file
		l.path = path
		handler = &multiHandler{handlers: []slog.Handler{primary, slog.NewJSONHandler(file, opts)}}
	}
	if cfg.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}
	l.slog = slog.New(handler)
	return l, nil
}

// ParseLevel parses "debug", "info", "warn" or "error" (any case).
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}

// IsTerminal reports whether w is a terminal (including Cygwin / MSYS).
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// FilePath returns the log file path, or "" without LogDir.
func (l *Logger) FilePath() string {
	return l.path
}

// Close syncs and closes the log file. It is safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	var errs []error
	if err := l.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync log file: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log file: %w", err))
	}
	l.file = nil
	return errors.Join(errs...)
}

func openLogFile(dir, service string) (*os.File, string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, "", fmt.Errorf("create log dir: %w", err)
	}
	if service == "" {
		service = DefaultService
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02")))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, "", fmt.Errorf("open log file: %w", err)
	}
	return file, path, nil
}

// multiHandler fans records out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle writes r to every enabled handler and returns the first error.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
