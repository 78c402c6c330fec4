// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dlq

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/scribe/services/scribe/telemetry"
	"github.com/AleutianAI/scribe/services/scribe/telemetry/telemetrytest"
)

func TestSink_EnvDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	t.Setenv(EnvReportDir, dir)

	s := New()
	assert.Equal(t, filepath.Join(dir, FileName), s.Path())
}

func TestSink_DefaultDirectory(t *testing.T) {
	t.Setenv(EnvReportDir, "")
	assert.Equal(t, filepath.Join(DefaultReportDir, FileName), New().Path())
}

func TestSink_WriteAndRead(t *testing.T) {
	rec := telemetrytest.New(t)
	s := New(WithDir(filepath.Join(t.TempDir(), "nested", "reports")), WithTelemetry(rec.Provider))
	ctx := context.Background()

	s.Write(ctx, SurfaceFileSystem, "evt-1", []string{"type: must be one of"}, map[string]any{"type": "bogus"})
	s.Write(ctx, SurfaceHTTP, "", nil, nil)

	records, err := ReadRecords(s.Path())
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, SurfaceFileSystem, records[0].Surface)
	assert.Equal(t, "evt-1", records[0].EventID)
	assert.Equal(t, []string{"type: must be one of"}, records[0].Errors)
	assert.Equal(t, "bogus", records[0].Payload["type"])
	assert.Greater(t, records[0].TS, 0.0)

	assert.Equal(t, []string{}, records[1].Errors)
	assert.Equal(t, int64(2), s.Written())
	assert.Equal(t, int64(2), rec.Counter(t, telemetry.MetricDLQRecords))
}

func TestSink_NeverFailsCaller(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	// The report "directory" is a regular file, so MkdirAll fails.
	s := New(WithDir(blocker))
	s.Write(context.Background(), SurfaceNATS, "e", nil, map[string]any{"a": 1})
	assert.Zero(t, s.Written())
}

func TestSink_UnserializablePayload(t *testing.T) {
	s := New(WithDir(t.TempDir()))
	s.Write(context.Background(), SurfaceWorker, "e", nil, map[string]any{"ch": make(chan int)})

	records, err := ReadRecords(s.Path())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Payload, "unserializable")
}

func TestSink_ConcurrentWritesAreWholeLines(t *testing.T) {
	s := New(WithDir(t.TempDir()))
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Write(context.Background(), SurfaceFileSystem, "e", []string{"x"}, map[string]any{"n": 1})
		}()
	}
	wg.Wait()

	records, err := ReadRecords(s.Path())
	require.NoError(t, err)
	assert.Len(t, records, 20)
}

func TestReadRecords_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("{\"surface\":\"http\"}\n\nnot json\n"), 0o644))

	records, err := ReadRecords(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
	assert.Len(t, records, 1)
}
