// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package actions

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/AleutianAI/scribe/services/scribe/datatypes"
)

// ReplaceText substitutes text.
//
// Params:
//
//	replacement - Required. $1, ${2} and ${name} expand to match groups.
//	pattern     - Optional regex. When set, every occurrence in the whole
//	              content is replaced (regexp expansion rules apply)
//	              instead of just the match.
type ReplaceText struct {
	Base
}

// NewReplaceText returns the replace_text action.
func NewReplaceText() Action {
	return &ReplaceText{Base: Base{
		Desc:     "Replace the match, or every occurrence of a pattern, with a replacement",
		Required: []string{"replacement"},
	}}
}

// ValidateParams requires a string replacement and a compilable pattern.
func (a *ReplaceText) ValidateParams(params map[string]any) bool {
	if _, ok := params["replacement"].(string); !ok {
		return false
	}
	p, err := StringParam(params, "pattern", "")
	if err != nil {
		return false
	}
	if p != "" {
		if _, err := regexp.Compile(p); err != nil {
			return false
		}
	}
	return true
}

// Execute performs the replacement.
func (a *ReplaceText) Execute(_ context.Context, content string, match datatypes.Match, _ string, params map[string]any) (string, error) {
	replacement, err := StringParam(params, "replacement", "")
	if err != nil {
		return "", err
	}
	pattern, err := StringParam(params, "pattern", "")
	if err != nil {
		return "", err
	}
	if pattern != "" {
		re, err := regexp.Compile("(?m)" + pattern)
		if err != nil {
			return "", fmt.Errorf("%w: pattern: %v", ErrInvalidParam, err)
		}
		return re.ReplaceAllString(content, replacement), nil
	}

	start, end, ok := match.Locate(content)
	if !ok {
		return "", ErrMatchNotFound
	}
	return content[:start] + expandGroups(replacement, match) + content[end:], nil
}

var groupRef = regexp.MustCompile(`\$(\d+|\{\w+\})`)

// expandGroups replaces $n, ${n} and ${name} with the match's groups.
func expandGroups(tmpl string, m datatypes.Match) string {
	return groupRef.ReplaceAllStringFunc(tmpl, func(ref string) string {
		name := strings.Trim(ref[1:], "{}")
		if n, err := strconv.Atoi(name); err == nil {
			return m.Group(n)
		}
		return m.Named[name]
	})
}

// Positions accepted by AppendText.
const (
	PositionEnd        = "end"
	PositionStart      = "start"
	PositionAfterMatch = "after_match"
)

// AppendText inserts text once.
//
// Params:
//
//	text     - Required.
//	position - "end" (default), "start" or "after_match".
//
// The action is idempotent: content that already carries the text at the
// requested position is returned unchanged.
type AppendText struct {
	Base
}

// NewAppendText returns the append_text action.
func NewAppendText() Action {
	return &AppendText{Base: Base{
		Desc:     "Insert text at the start, the end, or after the match",
		Required: []string{"text"},
	}}
}

// ValidateParams requires a string text and a known position.
func (a *AppendText) ValidateParams(params map[string]any) bool {
	if _, ok := params["text"].(string); !ok {
		return false
	}
	return OneOf(params, "position", PositionEnd, PositionStart, PositionAfterMatch)
}

// Execute inserts the text.
func (a *AppendText) Execute(_ context.Context, content string, match datatypes.Match, _ string, params map[string]any) (string, error) {
	text, err := StringParam(params, "text", "")
	if err != nil {
		return "", err
	}
	position, err := StringParam(params, "position", PositionEnd)
	if err != nil {
		return "", err
	}

	switch position {
	case PositionStart:
		if strings.HasPrefix(content, text) {
			return content, nil
		}
		return text + content, nil
	case PositionAfterMatch:
		_, end, ok := match.Locate(content)
		if !ok {
			return "", ErrMatchNotFound
		}
		if strings.HasPrefix(content[end:], text) {
			return content, nil
		}
		return content[:end] + text + content[end:], nil
	default:
		if strings.HasSuffix(content, text) {
			return content, nil
		}
		return content + text, nil
	}
}

var (
	_ Action = (*ReplaceText)(nil)
	_ Action = (*AppendText)(nil)
)
