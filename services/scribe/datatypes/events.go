// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the payload types shared by the Scribe pipeline
// stages: file events produced by ingress and regex matches produced by the
// rule processor.
package datatypes

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType is the kind of filesystem change carried by a FileEvent.
type EventType string

const (
	EventCreated  EventType = "created"
	EventModified EventType = "modified"
	EventDeleted  EventType = "deleted"
	EventMoved    EventType = "moved"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventCreated, EventModified, EventDeleted, EventMoved:
		return true
	}
	return false
}

// FileEvent describes one observed change to a file.
//
// # Description
//
// FileEvent is the unit of work flowing from the watcher through the event
// bus to the worker pool. Its JSON form is the payload validated against the
// l1_file_system_input schema, so the field names are part of the wire
// contract.
//
// # Fields
//
//   - EventID: UUID v4, also used as the correlation id on the bus.
//   - Type: created, modified, deleted or moved.
//   - FilePath: path of the file after the change.
//   - OldPath: previous path for moved events, empty otherwise.
//   - Timestamp: seconds since the Unix epoch.
type FileEvent struct {
	EventID   string    `json:"event_id" validate:"required,uuid4"`
	Type      EventType `json:"type" validate:"required,oneof=created modified deleted moved"`
	FilePath  string    `json:"file_path" validate:"required"`
	OldPath   string    `json:"old_path,omitempty"`
	Timestamp float64   `json:"timestamp" validate:"gte=0"`
}

// NewFileEvent builds an event with a fresh UUID v4 and the current time.
func NewFileEvent(eventType EventType, filePath, oldPath string) FileEvent {
	return FileEvent{
		EventID:   uuid.NewString(),
		Type:      eventType,
		FilePath:  filePath,
		OldPath:   oldPath,
		Timestamp: EpochSeconds(time.Now()),
	}
}

// Payload returns the event as a generic JSON object, the shape the
// boundary validator and the DLQ work with.
func (e FileEvent) Payload() map[string]any {
	p := map[string]any{
		"event_id":  e.EventID,
		"type":      string(e.Type),
		"file_path": e.FilePath,
		"timestamp": e.Timestamp,
	}
	if e.OldPath != "" {
		p["old_path"] = e.OldPath
	}
	return p
}

// FileEventFromPayload decodes a validated payload back into a FileEvent.
//
// # Inputs
//
//   - payload: A JSON object, typically one that passed boundary validation.
//
// # Outputs
//
//   - FileEvent: The decoded event.
//   - error: Non-nil if the payload cannot be decoded.
func FileEventFromPayload(payload map[string]any) (FileEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return FileEvent{}, fmt.Errorf("marshal payload: %w", err)
	}
	var evt FileEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return FileEvent{}, fmt.Errorf("decode file event: %w", err)
	}
	return evt, nil
}

// EpochSeconds converts t to fractional seconds since the Unix epoch.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromEpochSeconds is the inverse of EpochSeconds.
func FromEpochSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*float64(time.Second)))
}
