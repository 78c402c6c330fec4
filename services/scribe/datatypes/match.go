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

import "strings"

// Span is a half-open byte range [Start, End) into file content.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Match is a single regex hit inside a file.
//
// Offsets are byte offsets into the content the match was computed on.
// Groups holds every numbered capture group (index 0 is group 1); a group
// that did not participate has an empty string and a span of {-1, -1}.
type Match struct {
	Text         string            `json:"text"`
	Start        int               `json:"start"`
	End          int               `json:"end"`
	Groups       []string          `json:"groups"`
	GroupOffsets []Span            `json:"group_offsets"`
	Named        map[string]string `json:"named,omitempty"`
}

// Group returns numbered group i (1-based) or "" when out of range.
func (m Match) Group(i int) string {
	if i == 0 {
		return m.Text
	}
	if i < 1 || i > len(m.Groups) {
		return ""
	}
	return m.Groups[i-1]
}

// Locate finds the match inside content, which may differ from the content
// the match was computed on when an earlier action in the same pass already
// rewrote the file.
//
// # Description
//
// The recorded span is used when it still holds the match text. Otherwise
// the text is searched for from Start onwards, never before it, so a later
// hit is not confused with an earlier occurrence of the same text.
//
// # Outputs
//
//   - int, int: Byte range of the match in content.
//   - bool: False if the match text no longer occurs at or after Start.
func (m Match) Locate(content string) (int, int, bool) {
	if m.Start >= 0 && m.End <= len(content) && m.Start <= m.End && content[m.Start:m.End] == m.Text {
		return m.Start, m.End, true
	}
	if m.Text == "" {
		return 0, 0, false
	}
	from := min(max(m.Start, 0), len(content))
	idx := strings.Index(content[from:], m.Text)
	if idx < 0 {
		return 0, 0, false
	}
	return from + idx, from + idx + len(m.Text), true
}

// Shift returns a copy of m with the match and every participating group
// moved by delta bytes.
func (m Match) Shift(delta int) Match {
	if delta == 0 {
		return m
	}
	out := m
	out.Start += delta
	out.End += delta
	if len(m.GroupOffsets) > 0 {
		out.GroupOffsets = make([]Span, len(m.GroupOffsets))
		for i, g := range m.GroupOffsets {
			if g.Start >= 0 {
				g.Start += delta
				g.End += delta
			}
			out.GroupOffsets[i] = g
		}
	}
	return out
}

// LineBounds expands [start, end) to cover the full lines it touches,
// excluding the trailing newline.
func LineBounds(content string, start, end int) (int, int) {
	ls := strings.LastIndexByte(content[:start], '\n') + 1
	le := strings.IndexByte(content[end:], '\n')
	if le < 0 {
		return ls, len(content)
	}
	return ls, end + le
}
