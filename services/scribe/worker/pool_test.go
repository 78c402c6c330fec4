// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/scribe/services/scribe/breaker"
	"github.com/AleutianAI/scribe/services/scribe/config"
	"github.com/AleutianAI/scribe/services/scribe/datatypes"
	"github.com/AleutianAI/scribe/services/scribe/dispatcher"
	"github.com/AleutianAI/scribe/services/scribe/dlq"
	"github.com/AleutianAI/scribe/services/scribe/eventbus"
	"github.com/AleutianAI/scribe/services/scribe/plugins"
	"github.com/AleutianAI/scribe/services/scribe/rules"
	"github.com/AleutianAI/scribe/services/scribe/telemetry"
	"github.com/AleutianAI/scribe/services/scribe/telemetry/telemetrytest"
)

func todoRule(actions ...config.ActionSpec) config.Rule {
	return config.Rule{
		ID:             "todo",
		Enabled:        true,
		FileGlob:       "*.md",
		TriggerPattern: `TODO`,
		Actions:        actions,
	}
}

func realDispatcher(t *testing.T) *dispatcher.Dispatcher {
	t.Helper()
	loader := plugins.NewLoader()
	require.NoError(t, loader.Load(context.Background()))
	q := dispatcher.NewQuarantiner(filepath.Join(t.TempDir(), "quarantine"))
	return dispatcher.New(loader, breaker.NewManager(), dispatcher.WithQuarantine(q))
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestProcess_RewritesMatchingFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "notes.md", "intro\nfix this TODO soon\nend\n")
	proc := rules.New([]config.Rule{todoRule(
		config.ActionSpec{Type: "replace_text", Params: map[string]any{"pattern": "TODO", "replacement": "DONE"}},
	)})
	rec := telemetrytest.New(t)
	p := New(eventbus.New(), proc, realDispatcher(t), WithTelemetry(rec.Provider))

	p.Process(context.Background(), datatypes.NewFileEvent(datatypes.EventModified, path, ""))

	assert.Equal(t, "intro\nfix this DONE soon\nend\n", readFile(t, path))
	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Written)
	assert.Equal(t, int64(1), stats.Dispatches)
	assert.Equal(t, uint64(1), rec.HistogramCount(t, telemetry.MetricFileProcessingDuration))
	assert.Contains(t, rec.SpanNames(), "process_file")
}

func TestProcess_SecondPassIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "notes.md", "a TODO b\n")
	proc := rules.New([]config.Rule{todoRule(config.ActionSpec{Type: "upper_case"})})
	p := New(eventbus.New(), proc, realDispatcher(t))

	p.Process(context.Background(), datatypes.NewFileEvent(datatypes.EventModified, path, ""))
	assert.Equal(t, "A TODO B\n", readFile(t, path))
	info, err := os.Stat(path)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	p.Process(context.Background(), datatypes.NewFileEvent(datatypes.EventModified, path, ""))
	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), after.ModTime())
	assert.Equal(t, int64(1), p.Stats().Written)
}

func TestProcess_SkipsDeletedAndMissing(t *testing.T) {
	proc := rules.New([]config.Rule{todoRule(config.ActionSpec{Type: "upper_case"})})
	disp := &countingDispatcher{}
	p := New(eventbus.New(), proc, disp)

	p.Process(context.Background(), datatypes.NewFileEvent(datatypes.EventDeleted, "/nope/a.md", ""))
	p.Process(context.Background(), datatypes.NewFileEvent(datatypes.EventCreated, filepath.Join(t.TempDir(), "gone.md"), ""))

	assert.Equal(t, int64(2), p.Stats().Skipped)
	assert.Zero(t, disp.calls.Load())
}

// countingDispatcher applies fn to each match's content.
type countingDispatcher struct {
	calls atomic.Int64
	fn    func(rm rules.RuleMatch) dispatcher.DispatchResult
}

func (d *countingDispatcher) Dispatch(_ context.Context, rm rules.RuleMatch) dispatcher.DispatchResult {
	d.calls.Add(1)
	if d.fn != nil {
		return d.fn(rm)
	}
	return dispatcher.DispatchResult{RuleID: rm.RuleID(), FilePath: rm.FilePath, FinalContent: rm.Content, Success: true}
}

func TestProcess_ThreadsContentAcrossMatches(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "n.md", "TODO one\nTODO two\n")
	proc := rules.New([]config.Rule{todoRule(config.ActionSpec{Type: "noop"})})
	var seen []string
	disp := &countingDispatcher{fn: func(rm rules.RuleMatch) dispatcher.DispatchResult {
		seen = append(seen, rm.Content)
		return dispatcher.DispatchResult{FinalContent: rm.Content + "+", Success: true}
	}}
	p := New(eventbus.New(), proc, disp)

	p.Process(context.Background(), datatypes.NewFileEvent(datatypes.EventModified, path, ""))

	assert.Equal(t, []string{"TODO one\nTODO two\n", "TODO one\nTODO two\n+"}, seen)
	assert.Equal(t, "TODO one\nTODO two\n++", readFile(t, path))
}

func TestProcess_RepeatedHitsEachRewritten(t *testing.T) {
	tests := []struct {
		name    string
		content string
		action  config.ActionSpec
		want    string
	}{
		{
			name:    "replace grows the first hit",
			content: "TODO x\nTODO y\n",
			action:  config.ActionSpec{Type: "replace_text", Params: map[string]any{"replacement": "[TODO]"}},
			want:    "[TODO] x\n[TODO] y\n",
		},
		{
			name:    "replace shrinks the first hit",
			content: "TODO x TODO y TODO z",
			action:  config.ActionSpec{Type: "replace_text", Params: map[string]any{"replacement": "T"}},
			want:    "T x T y T z",
		},
		{
			name:    "append after each match",
			content: "TODO x\nTODO y\n",
			action:  config.ActionSpec{Type: "append_text", Params: map[string]any{"text": "!", "position": "after_match"}},
			want:    "TODO! x\nTODO! y\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "n.md", tt.content)
			proc := rules.New([]config.Rule{todoRule(tt.action)})
			p := New(eventbus.New(), proc, realDispatcher(t))

			p.Process(context.Background(), datatypes.NewFileEvent(datatypes.EventModified, path, ""))

			assert.Equal(t, tt.want, readFile(t, path))
			assert.Equal(t, int64(len(proc.ProcessFile(path, tt.content, "e"))), p.Stats().Dispatches)
		})
	}
}

func TestProcess_GroupOffsetsFollowEarlierEdits(t *testing.T) {
	path := writeFile(t, t.TempDir(), "n.md", "TODO(ann) and TODO(bob)\n")
	proc := rules.New([]config.Rule{{
		ID: "who", Enabled: true, FileGlob: "*.md", TriggerPattern: `TODO\((\w+)\)`,
		Actions: []config.ActionSpec{{Type: "noop"}},
	}})
	var groups []string
	disp := &countingDispatcher{fn: func(rm rules.RuleMatch) dispatcher.DispatchResult {
		g := rm.Match.GroupOffsets[0]
		groups = append(groups, rm.Content[g.Start:g.End])
		return dispatcher.DispatchResult{FinalContent: ">>" + rm.Content, Success: true}
	}}
	p := New(eventbus.New(), proc, disp)

	p.Process(context.Background(), datatypes.NewFileEvent(datatypes.EventModified, path, ""))

	assert.Equal(t, []string{"ann", "bob"}, groups)
}

func TestOffsetMap(t *testing.T) {
	var o offsetMap
	o.record("TODO x\nTODO y\n", "[TODO] x\nTODO y\n")
	require.Equal(t, []edit{{pos: 0, oldLen: 4, newLen: 6}}, o.edits)

	start, end, ok := o.span(7, 11)
	assert.True(t, ok)
	assert.Equal(t, 9, start)
	assert.Equal(t, 13, end)

	_, _, ok = o.span(2, 6)
	assert.False(t, ok)

	m, ok := o.relocate(datatypes.Match{Text: "gone", Start: 7, End: 11}, "[TODO] x\nTODO y\n")
	assert.False(t, ok)
	assert.Zero(t, m)
}

func TestProcess_QuarantineStopsProcessing(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "n.md", "TODO one\nTODO two\n")
	proc := rules.New([]config.Rule{todoRule(config.ActionSpec{Type: "noop"})})
	disp := &countingDispatcher{fn: func(rm rules.RuleMatch) dispatcher.DispatchResult {
		return dispatcher.DispatchResult{FinalContent: "changed", Quarantined: true, QuarantinePath: "/q/n.md"}
	}}
	p := New(eventbus.New(), proc, disp)

	p.Process(context.Background(), datatypes.NewFileEvent(datatypes.EventModified, path, ""))

	assert.Equal(t, int64(1), disp.calls.Load())
	assert.Equal(t, "TODO one\nTODO two\n", readFile(t, path))
	assert.Equal(t, int64(1), p.Stats().Quarantined)
	assert.Zero(t, p.Stats().Written)
}

func TestProcess_FailedWriteIsDLQd(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vanishing")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := writeFile(t, dir, "n.md", "TODO\n")
	proc := rules.New([]config.Rule{todoRule(config.ActionSpec{Type: "noop"})})
	disp := &countingDispatcher{fn: func(rm rules.RuleMatch) dispatcher.DispatchResult {
		require.NoError(t, os.RemoveAll(dir))
		return dispatcher.DispatchResult{RuleID: "todo", FinalContent: "done\n", Success: true}
	}}
	sink := dlq.New(dlq.WithDir(t.TempDir()))
	p := New(eventbus.New(), proc, disp, WithDLQ(sink))

	evt := datatypes.NewFileEvent(datatypes.EventModified, path, "")
	p.Process(context.Background(), evt)

	assert.Equal(t, int64(1), p.Stats().WriteFailures)
	recs, err := dlq.ReadRecords(sink.Path())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, dlq.SurfaceWorker, recs[0].Surface)
	assert.Equal(t, evt.EventID, recs[0].EventID)
	assert.Equal(t, []string{"atomic write failed"}, recs[0].Errors)
}

func TestPool_SerializesPerFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "n.md", "TODO\n")
	proc := rules.New([]config.Rule{todoRule(config.ActionSpec{Type: "noop"})})

	var inside, maxInside atomic.Int64
	disp := &countingDispatcher{fn: func(rm rules.RuleMatch) dispatcher.DispatchResult {
		n := inside.Add(1)
		for {
			m := maxInside.Load()
			if n <= m || maxInside.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inside.Add(-1)
		return dispatcher.DispatchResult{FinalContent: rm.Content, Success: true}
	}}
	p := New(eventbus.New(), proc, disp)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Process(context.Background(), datatypes.NewFileEvent(datatypes.EventModified, path, ""))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), maxInside.Load())
	assert.Equal(t, int64(8), disp.calls.Load())
	assert.Zero(t, p.locks.inFlight())
}

func TestPool_StartConsumesBusAndStopDrains(t *testing.T) {
	dir := t.TempDir()
	bus := eventbus.New(eventbus.WithCapacity(64))
	proc := rules.New([]config.Rule{todoRule(config.ActionSpec{Type: "lower_case", Params: map[string]any{"scope": "match"}})})
	rec := telemetrytest.New(t)
	p := New(bus, proc, realDispatcher(t), WithWorkers(3), WithTelemetry(rec.Provider))

	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrAlreadyStarted)

	var paths []string
	for i := 0; i < 10; i++ {
		path := writeFile(t, dir, "f"+string(rune('a'+i))+".md", "x TODO y\n")
		paths = append(paths, path)
		evt := datatypes.NewFileEvent(datatypes.EventCreated, path, "")
		require.True(t, bus.PublishWithCorrelation(eventbus.TopicFileEvent, evt, evt.EventID))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
	assert.NoError(t, p.Stop(ctx))

	for _, path := range paths {
		assert.Equal(t, "x todo y\n", readFile(t, path))
	}
	assert.Equal(t, int64(10), p.Stats().Processed)
	assert.Zero(t, p.ActiveWorkers())
	_, ok := rec.Gauge(t, telemetry.MetricQueueSize)
	assert.True(t, ok)
}

func TestPool_StopBeforeStart(t *testing.T) {
	p := New(eventbus.New(), rules.New(nil), &countingDispatcher{})
	assert.ErrorIs(t, p.Stop(context.Background()), ErrNotStarted)
}

func TestHandleEvent_RejectsUnknownPayload(t *testing.T) {
	p := New(eventbus.New(), rules.New(nil), &countingDispatcher{})
	err := p.handleEvent(context.Background(), eventbus.Event{Type: eventbus.TopicFileEvent, Data: 42})
	assert.ErrorIs(t, err, ErrUnexpectedPayload)

	err = p.handleEvent(context.Background(), eventbus.Event{
		Type: eventbus.TopicFileEvent,
		Data: map[string]any{"event_id": "x", "type": "deleted", "file_path": "/a.md", "timestamp": 1.0},
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(1), p.Stats().Skipped)
}
