// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFileEvent(t *testing.T) {
	evt := NewFileEvent(EventCreated, "notes/x.md", "")
	require.NoError(t, evt.Validate())
	assert.Equal(t, EventCreated, evt.Type)
	assert.InDelta(t, EpochSeconds(time.Now()), evt.Timestamp, 5)

	p := evt.Payload()
	assert.Equal(t, "created", p["type"])
	_, hasOld := p["old_path"]
	assert.False(t, hasOld)
}

func TestFileEventPayloadRoundTrip(t *testing.T) {
	evt := NewFileEvent(EventMoved, "b.md", "a.md")
	back, err := FileEventFromPayload(evt.Payload())
	require.NoError(t, err)
	assert.Equal(t, evt, back)
}

func TestFileEventValidate(t *testing.T) {
	tests := []struct {
		name string
		evt  FileEvent
	}{
		{"bad uuid", FileEvent{EventID: "nope", Type: EventCreated, FilePath: "x"}},
		{"bad type", FileEvent{EventID: "5f0c7a4e-8a59-4a8e-9d0f-2b8f6d4a1c3e", Type: "renamed", FilePath: "x"}},
		{"no path", FileEvent{EventID: "5f0c7a4e-8a59-4a8e-9d0f-2b8f6d4a1c3e", Type: EventCreated}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.evt.Validate())
		})
	}
}

func TestMatchLocate(t *testing.T) {
	m := Match{Text: "TODO", Start: 2, End: 6}

	s, e, ok := m.Locate("- TODO: x")
	require.True(t, ok)
	assert.Equal(t, 2, s)
	assert.Equal(t, 6, e)

	s, e, ok = m.Locate("prefix - TODO")
	require.True(t, ok)
	assert.Equal(t, "TODO", "prefix - TODO"[s:e])

	_, _, ok = m.Locate("nothing here")
	assert.False(t, ok)
}

func TestMatchLocate_SearchesForwardOnly(t *testing.T) {
	m := Match{Text: "TODO", Start: 9, End: 13}

	s, _, ok := m.Locate("[TODO] x\n[TODO] y\n")
	require.True(t, ok)
	assert.Equal(t, 10, s)

	_, _, ok = m.Locate("TODO x\ndone y\n")
	assert.False(t, ok)
}

func TestMatchShift(t *testing.T) {
	m := Match{
		Text: "TODO(a)", Start: 4, End: 11,
		Groups:       []string{"a", ""},
		GroupOffsets: []Span{{Start: 9, End: 10}, {Start: -1, End: -1}},
	}

	got := m.Shift(3)

	assert.Equal(t, 7, got.Start)
	assert.Equal(t, 14, got.End)
	assert.Equal(t, []Span{{Start: 12, End: 13}, {Start: -1, End: -1}}, got.GroupOffsets)
	assert.Equal(t, 9, m.GroupOffsets[0].Start)
	assert.Equal(t, m, m.Shift(0))
}

func TestLineBounds(t *testing.T) {
	content := "a\n- TODO: write tests\nb"
	s, e := LineBounds(content, 4, 8)
	assert.Equal(t, "- TODO: write tests", content[s:e])

	s, e = LineBounds("last TODO", 5, 9)
	assert.Equal(t, 0, s)
	assert.Equal(t, 9, e)
}

func TestMatchGroup(t *testing.T) {
	m := Match{Text: "k=v", Groups: []string{"k", "v"}}
	assert.Equal(t, "k=v", m.Group(0))
	assert.Equal(t, "v", m.Group(2))
	assert.Equal(t, "", m.Group(3))
}
