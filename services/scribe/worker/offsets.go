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

import "github.com/AleutianAI/scribe/services/scribe/datatypes"

// edit is one rewrite of the content: oldLen bytes at pos became newLen
// bytes. pos is in the coordinates of the content the edit was applied to.
type edit struct {
	pos    int
	oldLen int
	newLen int
}

// offsetMap carries match offsets, computed on the content as read, across
// the rewrites made by earlier dispatches in the same pass.
type offsetMap struct {
	edits []edit
}

// record notes the rewrite from before to after as a single changed region
// bounded by their common prefix and suffix.
func (o *offsetMap) record(before, after string) {
	if before == after {
		return
	}
	n := min(len(before), len(after))
	prefix := 0
	for prefix < n && before[prefix] == after[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < n-prefix && before[len(before)-1-suffix] == after[len(after)-1-suffix] {
		suffix++
	}
	o.edits = append(o.edits, edit{
		pos:    prefix,
		oldLen: len(before) - prefix - suffix,
		newLen: len(after) - prefix - suffix,
	})
}

// span maps [start, end) onto the current content. ok is false when a
// recorded edit overlaps the span; start is then the position the edit
// left it at, usable as a search hint.
func (o *offsetMap) span(start, end int) (int, int, bool) {
	ok := true
	for _, e := range o.edits {
		switch {
		case start >= e.pos+e.oldLen:
			delta := e.newLen - e.oldLen
			start += delta
			end += delta
		case end <= e.pos:
		default:
			ok = false
			start = min(start, e.pos)
			end = start
		}
	}
	return start, end, ok
}

// relocate positions m on current. It returns false when the match text is
// no longer present at or after its mapped position.
func (o *offsetMap) relocate(m datatypes.Match, current string) (datatypes.Match, bool) {
	start, end, exact := o.span(m.Start, m.End)
	if exact && start >= 0 && end <= len(current) && current[start:end] == m.Text {
		return m.Shift(start - m.Start), true
	}
	hint := m
	hint.Start, hint.End = start, start+len(m.Text)
	found, _, ok := hint.Locate(current)
	if !ok {
		return datatypes.Match{}, false
	}
	return m.Shift(found - m.Start), true
}
