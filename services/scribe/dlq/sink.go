// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dlq is the dead-letter sink: an append-only JSONL file holding
// every event the pipeline rejected or could not finish.
package dlq

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/scribe/services/scribe/datatypes"
	"github.com/AleutianAI/scribe/services/scribe/telemetry"
)

const (
	// EnvReportDir overrides the directory holding dlq.jsonl.
	EnvReportDir = "SCRIBE_REPORT_DIR"

	// DefaultReportDir is used when EnvReportDir is unset.
	DefaultReportDir = "tools/reports"

	// FileName is the DLQ file name inside the report directory.
	FileName = "dlq.jsonl"
)

// Surfaces recorded in DLQ entries.
const (
	SurfaceFileSystem = "file_system"
	SurfaceHTTP       = "http"
	SurfaceNATS       = "nats"
	SurfaceWorker     = "worker"
	SurfaceQuarantine = "quarantine"
)

// Record is one DLQ line.
type Record struct {
	TS      float64        `json:"ts"`
	Surface string         `json:"surface"`
	EventID string         `json:"event_id"`
	Errors  []string       `json:"errors"`
	Payload map[string]any `json:"payload"`
}

// Writer is what DLQ producers depend on.
type Writer interface {
	Write(ctx context.Context, surface, eventID string, errs []string, payload map[string]any)
}

// Sink appends Records to <dir>/dlq.jsonl.
//
// # Description
//
// The file is opened, appended and closed for every record, so an external
// rotation or deletion between writes is harmless. Write never fails the
// caller: I/O problems are logged (rate limited) and otherwise swallowed.
//
// # Thread Safety
//
// Sink serializes writes with a mutex and is safe for concurrent use.
type Sink struct {
	mu      sync.Mutex
	dir     string
	logger  *slog.Logger
	tel     *telemetry.Provider
	errLog  *rate.Limiter
	now     func() time.Time
	written int64
}

// Option configures a Sink.
type Option func(*Sink)

// WithDir overrides the report directory.
func WithDir(dir string) Option {
	return func(s *Sink) {
		if dir != "" {
			s.dir = dir
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTelemetry sets the telemetry provider used for dlq_records_total.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(s *Sink) {
		if p != nil {
			s.tel = p
		}
	}
}

// New creates a Sink. The directory defaults to $SCRIBE_REPORT_DIR, then
// tools/reports. It is created on the first write.
func New(opts ...Option) *Sink {
	dir := os.Getenv(EnvReportDir)
	if dir == "" {
		dir = DefaultReportDir
	}
	s := &Sink{
		dir:    dir,
		logger: slog.Default(),
		tel:    telemetry.NewNoop(),
		errLog: rate.NewLimiter(rate.Every(10*time.Second), 1),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the DLQ file path.
func (s *Sink) Path() string {
	return filepath.Join(s.dir, FileName)
}

// Written returns how many records were appended successfully.
func (s *Sink) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Write appends one record. A nil errs slice is stored as an empty array.
func (s *Sink) Write(ctx context.Context, surface, eventID string, errs []string, payload map[string]any) {
	if errs == nil {
		errs = []string{}
	}
	rec := Record{
		TS:      datatypes.EpochSeconds(s.now()),
		Surface: surface,
		EventID: eventID,
		Errors:  errs,
		Payload: payload,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		// Payloads come from JSON sources; fall back to a payload-free record.
		rec.Payload = map[string]any{"unserializable": fmt.Sprintf("%v", payload)}
		if data, err = json.Marshal(rec); err != nil {
			s.logFailure(err)
			return
		}
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendLine(data); err != nil {
		s.logFailure(err)
		return
	}
	s.written++
	s.tel.Metrics.DLQRecords.Add(ctx, 1, metric.WithAttributes(attribute.String("surface", surface)))
}

func (s *Sink) appendLine(data []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	f, err := os.OpenFile(s.Path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open dlq: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write dlq: %w", err)
	}
	return f.Close()
}

func (s *Sink) logFailure(err error) {
	if s.errLog.Allow() {
		s.logger.Error("dlq write failed",
			slog.String("path", s.Path()),
			slog.String("error", err.Error()))
	}
}

// ReadRecords parses every line of a DLQ file. Blank lines are skipped;
// a malformed line is an error naming its line number.
func ReadRecords(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []Record
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return out, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

var _ Writer = (*Sink)(nil)
