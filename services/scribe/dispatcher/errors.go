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
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the dispatcher.
var (
	// ErrPluginNotFound indicates no plugin provides the action type.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrSecurityRestriction indicates the security policy refused the action.
	ErrSecurityRestriction = errors.New("security restriction")

	// ErrActionPanic wraps a recovered panic from an action.
	ErrActionPanic = errors.New("action panicked")
)

// ValidationError reports missing or invalid action parameters.
type ValidationError struct {
	ActionType string
	Missing    []string
	Reason     string
}

func (e *ValidationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("invalid parameters for %s: missing required %s", e.ActionType, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("invalid parameters for %s: %s", e.ActionType, e.Reason)
}

// ActionExecutionError reports a failure while resolving, admitting or
// running one action.
type ActionExecutionError struct {
	ActionType string
	Message    string
	Err        error
}

func (e *ActionExecutionError) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("action %s failed: %v", e.ActionType, e.Err)
	}
	return fmt.Sprintf("action %s failed: %s", e.ActionType, e.Message)
}

// Unwrap returns the cause.
func (e *ActionExecutionError) Unwrap() error {
	return e.Err
}

// ActionChainFailedError tells the breaker that a rule's chain failed as a
// whole: every action failed, or more than half of two or more.
type ActionChainFailedError struct {
	RuleID string
	Failed int
	Total  int
}

func (e *ActionChainFailedError) Error() string {
	return fmt.Sprintf("action chain for rule %s failed: %d of %d actions failed", e.RuleID, e.Failed, e.Total)
}

var (
	_ error = (*ValidationError)(nil)
	_ error = (*ActionExecutionError)(nil)
	_ error = (*ActionChainFailedError)(nil)
)

// chainFailed applies the chain failure rule.
func chainFailed(failed, total int) bool {
	if total == 0 {
		return false
	}
	if failed == total {
		return true
	}
	return total >= 2 && failed*2 > total
}
