// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plugins

import (
	"errors"
	"fmt"
)

// Load stages reported in LoadError.
const (
	StageRead         = "read"
	StageSecurity     = "security_scan"
	StageDependencies = "dependencies"
	StageManifest     = "manifest"
	StageInterpret    = "interpret"
	StageDefinition   = "definition"
	StageRegister     = "register"
)

var (
	// ErrSecurityViolation is returned when a source fails the static scan.
	ErrSecurityViolation = errors.New("plugin security violation")

	// ErrDependencyCycle aborts a load whose dependency graph has a cycle.
	ErrDependencyCycle = errors.New("plugin dependency cycle")

	// ErrUnknownDependency is returned when a declared dependency does not exist.
	ErrUnknownDependency = errors.New("unknown plugin dependency")

	// ErrDependencyRejected is returned when a dependency failed to load.
	ErrDependencyRejected = errors.New("plugin dependency rejected")

	// ErrInvalidManifest is returned when a manifest is missing fields or has wrong values.
	ErrInvalidManifest = errors.New("invalid plugin manifest")

	// ErrDuplicateActionType is returned when two plugins register the same action type.
	ErrDuplicateActionType = errors.New("duplicate action type")

	// ErrInvalidDefinition is returned when a scripted action definition is malformed.
	ErrInvalidDefinition = errors.New("invalid action definition")

	// ErrNonStringResult is returned when a scripted action does not return a string.
	ErrNonStringResult = errors.New("action returned a non-string result")

	// ErrDuplicatePlugin is returned when two directories hold a plugin with the same stem.
	ErrDuplicatePlugin = errors.New("duplicate plugin")
)

// LoadError records why a plugin was refused.
type LoadError struct {
	// Plugin is the plugin name (file stem or builtin action type).
	Plugin string `json:"plugin"`

	// Stage is the load step that failed.
	Stage string `json:"stage"`

	// Err is the cause.
	Err error `json:"-"`
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("plugin %s rejected at %s: %v", e.Plugin, e.Stage, e.Err)
}

// Unwrap returns the cause.
func (e *LoadError) Unwrap() error {
	return e.Err
}

var _ error = (*LoadError)(nil)
