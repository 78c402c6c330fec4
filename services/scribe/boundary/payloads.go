// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package boundary

import (
	"github.com/AleutianAI/scribe/services/scribe/datatypes"
)

// HTTPRequest is the envelope an HTTP adapter hands to ingress.
type HTTPRequest struct {
	RequestID string         `json:"request_id" validate:"required"`
	Route     string         `json:"route" validate:"required"`
	Body      map[string]any `json:"body" validate:"required"`
	TS        float64        `json:"ts" validate:"gte=0"`
}

// NATSMessage is the envelope a NATS adapter hands to ingress.
type NATSMessage struct {
	MessageID string         `json:"message_id" validate:"required"`
	Subject   string         `json:"subject" validate:"required"`
	Payload   map[string]any `json:"payload" validate:"required"`
	TS        float64        `json:"ts" validate:"gte=0"`
}

// PluginExecution is the envelope validated before an action runs.
type PluginExecution struct {
	ActionType string         `json:"action_type" validate:"required"`
	RuleID     string         `json:"rule_id" validate:"required"`
	FilePath   string         `json:"file_path" validate:"required"`
	EventID    string         `json:"event_id,omitempty"`
	Params     map[string]any `json:"params"`
}

// Check runs the struct-tag validation of an HTTPRequest.
func (r HTTPRequest) Check() error {
	return datatypes.Validator().Struct(r)
}

// Check runs the struct-tag validation of a NATSMessage.
func (m NATSMessage) Check() error {
	return datatypes.Validator().Struct(m)
}

// AsMap returns the envelope as a generic map.
func (r HTTPRequest) AsMap() map[string]any {
	return map[string]any{"request_id": r.RequestID, "route": r.Route, "body": r.Body, "ts": r.TS}
}

// AsMap returns the envelope as a generic map.
func (m NATSMessage) AsMap() map[string]any {
	return map[string]any{"message_id": m.MessageID, "subject": m.Subject, "payload": m.Payload, "ts": m.TS}
}

// AsMap returns the envelope as a generic map. Nil params become an
// empty object so the schema's "object" type holds.
func (p PluginExecution) AsMap() map[string]any {
	params := p.Params
	if params == nil {
		params = map[string]any{}
	}
	out := map[string]any{
		"action_type": p.ActionType,
		"rule_id":     p.RuleID,
		"file_path":   p.FilePath,
		"params":      params,
	}
	if p.EventID != "" {
		out["event_id"] = p.EventID
	}
	return out
}
