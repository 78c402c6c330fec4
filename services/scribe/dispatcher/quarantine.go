// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/scribe/services/scribe/atomicwrite"
	"github.com/AleutianAI/scribe/services/scribe/datatypes"
	"github.com/AleutianAI/scribe/services/scribe/dlq"
	"github.com/AleutianAI/scribe/services/scribe/telemetry"
)

// InfoSuffix is the extension of the sidecar written next to every
// quarantined copy.
const InfoSuffix = ".quarantine_info"

const timestampLayout = "20060102_150405"

// QuarantineInfo is the sidecar content.
type QuarantineInfo struct {
	OriginalPath   string  `json:"original_path"`
	QuarantineTime float64 `json:"quarantine_time"`
	RuleID         string  `json:"rule_id"`
	Reason         string  `json:"reason"`
	QuarantinePath string  `json:"quarantine_path"`
}

// Quarantiner moves offending files out of the watched tree.
//
// # Description
//
// The file is copied to <root>/<relative_dir>/<stem>_<YYYYMMDD_HHMMSS><ext>,
// a JSON sidecar <stem>_<ts><ext>.quarantine_info is written beside it, and only
// then is the original removed.
//
// # Thread Safety
//
// Safe for concurrent use.
type Quarantiner struct {
	root   string
	writer *atomicwrite.Writer
	logger *slog.Logger
	tel    *telemetry.Provider
	dlq    dlq.Writer
	now    func() time.Time
	getwd  func() (string, error)

	mu    sync.Mutex
	count atomic.Int64
}

// QuarantineOption configures a Quarantiner.
type QuarantineOption func(*Quarantiner)

// WithQuarantineLogger sets the logger.
func WithQuarantineLogger(l *slog.Logger) QuarantineOption {
	return func(q *Quarantiner) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithQuarantineTelemetry sets the provider used for files_quarantined_total.
func WithQuarantineTelemetry(p *telemetry.Provider) QuarantineOption {
	return func(q *Quarantiner) {
		if p != nil {
			q.tel = p
		}
	}
}

// WithQuarantineDLQ records every quarantined file on w.
func WithQuarantineDLQ(w dlq.Writer) QuarantineOption {
	return func(q *Quarantiner) { q.dlq = w }
}

// WithQuarantineWriter sets the atomic writer used for copies and sidecars.
func WithQuarantineWriter(w *atomicwrite.Writer) QuarantineOption {
	return func(q *Quarantiner) {
		if w != nil {
			q.writer = w
		}
	}
}

// WithQuarantineClock overrides the clock used for timestamps.
func WithQuarantineClock(now func() time.Time) QuarantineOption {
	return func(q *Quarantiner) {
		if now != nil {
			q.now = now
		}
	}
}

// NewQuarantiner creates a Quarantiner rooted at root.
func NewQuarantiner(root string, opts ...QuarantineOption) *Quarantiner {
	q := &Quarantiner{
		root:   root,
		writer: atomicwrite.New(),
		logger: slog.Default(),
		tel:    telemetry.NewNoop(),
		now:    time.Now,
		getwd:  os.Getwd,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Root returns the quarantine root directory.
func (q *Quarantiner) Root() string {
	return q.root
}

// Count returns how many files were quarantined.
func (q *Quarantiner) Count() int64 {
	return q.count.Load()
}

// Quarantine moves filePath into the quarantine tree.
//
// # Outputs
//
//   - string: Path of the quarantined copy.
//   - error: Non-nil when the copy or sidecar could not be written; the
//     original is then left in place. A failed removal of the original is
//     logged and does not fail the call.
func (q *Quarantiner) Quarantine(ctx context.Context, filePath, ruleID, reason string) (string, error) {
	if _, err := os.Stat(filePath); err != nil {
		return "", fmt.Errorf("quarantine %s: %w", filePath, err)
	}

	now := q.now()
	relDir := q.relativeDir(filePath)
	destDir := filepath.Join(q.root, relDir)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	base := filepath.Base(filePath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext) + "_" + now.Format(timestampLayout)

	q.mu.Lock()
	stem = uniqueStem(destDir, stem, ext)
	dest := filepath.Join(destDir, stem+ext)
	if err := q.writer.CopyFile(filePath, dest); err != nil {
		q.mu.Unlock()
		return "", fmt.Errorf("copy to quarantine: %w", err)
	}
	q.mu.Unlock()

	info := QuarantineInfo{
		OriginalPath:   filePath,
		QuarantineTime: datatypes.EpochSeconds(now),
		RuleID:         ruleID,
		Reason:         reason,
		QuarantinePath: dest,
	}
	if !q.writer.WriteJSON(filepath.Join(destDir, stem+ext+InfoSuffix), info, 2) {
		_ = os.Remove(dest)
		return "", errors.New("write quarantine sidecar failed")
	}

	if err := os.Remove(filePath); err != nil {
		q.logger.Error("quarantined copy written but original not removed",
			slog.String("file_path", filePath),
			slog.String("error", err.Error()))
	}

	q.count.Add(1)
	q.tel.Metrics.FilesQuarantined.Add(ctx, 1, metric.WithAttributes(attribute.String("rule_id", ruleID)))
	q.logger.Warn("file quarantined",
		slog.String("file_path", filePath),
		slog.String("quarantine_path", dest),
		slog.String("rule_id", ruleID),
		slog.String("reason", reason))
	if q.dlq != nil {
		q.dlq.Write(ctx, dlq.SurfaceQuarantine, "", []string{reason}, map[string]any{
			"file_path":       filePath,
			"quarantine_path": dest,
			"rule_id":         ruleID,
		})
	}
	return dest, nil
}

// relativeDir maps filePath's directory into the quarantine tree. Paths
// under the working directory keep their relative layout; anything else
// loses its volume name and leading separator.
func (q *Quarantiner) relativeDir(filePath string) string {
	dir := filepath.Dir(filePath)
	if !filepath.IsAbs(dir) {
		return cleanRelative(dir)
	}
	if wd, err := q.getwd(); err == nil {
		if rel, err := filepath.Rel(wd, dir); err == nil && !escapes(rel) {
			return cleanRelative(rel)
		}
	}
	dir = strings.TrimPrefix(dir, filepath.VolumeName(dir))
	return cleanRelative(strings.TrimLeft(dir, `/\`))
}

func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// cleanRelative drops "." and ".." segments so the result stays under root.
func cleanRelative(p string) string {
	parts := strings.Split(filepath.ToSlash(filepath.Clean(p)), "/")
	kept := parts[:0]
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			continue
		}
		kept = append(kept, part)
	}
	return filepath.FromSlash(strings.Join(kept, "/"))
}

// uniqueStem appends _1, _2, ... until neither the copy nor the sidecar
// exists.
func uniqueStem(dir, stem, ext string) string {
	candidate := stem
	for n := 1; ; n++ {
		_, errCopy := os.Stat(filepath.Join(dir, candidate+ext))
		_, errInfo := os.Stat(filepath.Join(dir, candidate+ext+InfoSuffix))
		if errors.Is(errCopy, os.ErrNotExist) && errors.Is(errInfo, os.ErrNotExist) {
			return candidate
		}
		candidate = stem + "_" + strconv.Itoa(n)
	}
}
