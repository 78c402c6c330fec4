// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package actions defines the Action capability and the built-in actions.
//
// An action transforms file content in response to one rule match. The
// dispatcher resolves actions by type through the plugin registry, checks
// their parameters, then calls PreExecute, Execute and PostExecute in that
// order.
package actions

import (
	"context"
	"fmt"

	"github.com/AleutianAI/scribe/services/scribe/datatypes"
)

// Action is the capability every plugin provides.
//
// # Thread Safety
//
// The dispatcher caches one instance per action type and may call it from
// several workers at once. Implementations must be safe for concurrent use.
type Action interface {
	// Execute returns the transformed content. match locates the hit in
	// the content the rule was evaluated on; content may already carry
	// edits from earlier actions of the chain.
	Execute(ctx context.Context, content string, match datatypes.Match, filePath string, params map[string]any) (string, error)

	// ValidateParams reports whether params are acceptable. Required
	// params have already been checked for presence.
	ValidateParams(params map[string]any) bool

	// RequiredParams lists parameter names that must be present and non-nil.
	RequiredParams() []string

	// Description is a one-line human summary.
	Description() string

	// PreExecute runs before Execute. An error fails the action.
	PreExecute(ctx context.Context, filePath string, params map[string]any) error

	// PostExecute runs after a successful Execute with its result.
	PostExecute(ctx context.Context, filePath string, params map[string]any, result string) error
}

// Base supplies no-op hooks. Embed it and override what the action needs.
type Base struct {
	Desc     string
	Required []string
}

// ValidateParams accepts every parameter set.
func (b Base) ValidateParams(map[string]any) bool { return true }

// RequiredParams returns b.Required.
func (b Base) RequiredParams() []string { return b.Required }

// Description returns b.Desc.
func (b Base) Description() string { return b.Desc }

// PreExecute does nothing.
func (b Base) PreExecute(context.Context, string, map[string]any) error { return nil }

// PostExecute does nothing.
func (b Base) PostExecute(context.Context, string, map[string]any, string) error { return nil }

// StringParam returns params[key] as a string, or def when absent.
func StringParam(params map[string]any, key, def string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidParam, key, v)
	}
	return s, nil
}

// OneOf reports whether params[key], when present, is one of allowed.
func OneOf(params map[string]any, key string, allowed ...string) bool {
	v, ok := params[key]
	if !ok || v == nil {
		return true
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}
