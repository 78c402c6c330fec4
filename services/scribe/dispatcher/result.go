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

import "time"

// Synthetic action types used when no real action ran.
const (
	ActionCircuitBreaker = "circuit_breaker"
	ActionSystemError    = "system_error"
)

// ActionResult is the outcome of one action in a chain.
type ActionResult struct {
	ActionType      string         `json:"action_type"`
	Success         bool           `json:"success"`
	ModifiedContent string         `json:"modified_content,omitempty"`
	Err             error          `json:"-"`
	Error           string         `json:"error,omitempty"`
	ExecutionTime   time.Duration  `json:"execution_time_seconds"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

func failedResult(actionType string, err error, started, now time.Time) ActionResult {
	return ActionResult{
		ActionType:    actionType,
		Err:           err,
		Error:         err.Error(),
		ExecutionTime: now.Sub(started),
		Timestamp:     now,
	}
}

// DispatchResult is the outcome of dispatching one RuleMatch.
//
// TotalActions == SuccessfulActions + FailedActions and Success is true
// exactly when FailedActions is zero. FinalContent is the output of the
// last successful action, or the input when none succeeded.
type DispatchResult struct {
	RuleID            string         `json:"rule_id"`
	FilePath          string         `json:"file_path"`
	EventID           string         `json:"event_id,omitempty"`
	FinalContent      string         `json:"final_content"`
	ActionResults     []ActionResult `json:"action_results"`
	TotalActions      int            `json:"total_actions"`
	SuccessfulActions int            `json:"successful_actions"`
	FailedActions     int            `json:"failed_actions"`
	TotalTime         time.Duration  `json:"total_time_seconds"`
	Success           bool           `json:"success"`
	Quarantined       bool           `json:"quarantined"`
	QuarantinePath    string         `json:"quarantine_path,omitempty"`
}

// ContentChanged reports whether the chain produced different content.
func (r *DispatchResult) ContentChanged(original string) bool {
	return r.FinalContent != original
}

func (r *DispatchResult) add(res ActionResult) {
	r.ActionResults = append(r.ActionResults, res)
	r.TotalActions++
	if res.Success {
		r.SuccessfulActions++
	} else {
		r.FailedActions++
	}
	r.Success = r.FailedActions == 0
}
