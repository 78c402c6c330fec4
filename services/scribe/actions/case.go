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
	"strings"

	"github.com/AleutianAI/scribe/services/scribe/datatypes"
)

// Scope values accepted by the case actions.
const (
	ScopeLine  = "line"
	ScopeMatch = "match"
)

// CaseAction rewrites the case of a match or of the lines containing it.
//
// Params:
//
//	scope - "line" (default) or "match".
type CaseAction struct {
	Base
	transform func(string) string
}

// NewUpperCase returns the upper_case action.
func NewUpperCase() Action {
	return &CaseAction{
		Base:      Base{Desc: "Uppercase the lines containing the match"},
		transform: strings.ToUpper,
	}
}

// NewLowerCase returns the lower_case action.
func NewLowerCase() Action {
	return &CaseAction{
		Base:      Base{Desc: "Lowercase the lines containing the match"},
		transform: strings.ToLower,
	}
}

// ValidateParams accepts an optional scope of "line" or "match".
func (a *CaseAction) ValidateParams(params map[string]any) bool {
	return OneOf(params, "scope", ScopeLine, ScopeMatch)
}

// Execute applies the case transform to the selected range.
func (a *CaseAction) Execute(_ context.Context, content string, match datatypes.Match, _ string, params map[string]any) (string, error) {
	scope, err := StringParam(params, "scope", ScopeLine)
	if err != nil {
		return "", err
	}
	start, end, ok := match.Locate(content)
	if !ok {
		return "", ErrMatchNotFound
	}
	if scope == ScopeLine {
		start, end = datatypes.LineBounds(content, start, end)
	}
	return content[:start] + a.transform(content[start:end]) + content[end:], nil
}

var _ Action = (*CaseAction)(nil)
