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
	"embed"
	"fmt"
)

//go:embed manifests/*.json
var manifestFS embed.FS

// Builtin describes an action compiled into the binary.
type Builtin struct {
	// ActionType is the registry key.
	ActionType string

	// New constructs the action.
	New func() Action

	// Manifest is the raw manifest.json, validated like any plugin manifest.
	Manifest []byte
}

var builtinConstructors = []struct {
	actionType string
	ctor       func() Action
}{
	{"upper_case", NewUpperCase},
	{"lower_case", NewLowerCase},
	{"replace_text", NewReplaceText},
	{"append_text", NewAppendText},
	{"set_frontmatter", NewSetFrontMatter},
}

// Builtins returns every built-in action in registration order.
func Builtins() []Builtin {
	out := make([]Builtin, 0, len(builtinConstructors))
	for _, c := range builtinConstructors {
		raw, err := manifestFS.ReadFile("manifests/" + c.actionType + ".json")
		if err != nil {
			panic(fmt.Sprintf("builtin %s: missing manifest: %v", c.actionType, err))
		}
		out = append(out, Builtin{ActionType: c.actionType, New: c.ctor, Manifest: raw})
	}
	return out
}
