// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package atomicwrite

import (
	"encoding/json"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"
)

// WriteJSON marshals v with the given indent width and writes it atomically.
// An indent of 0 produces compact output. A trailing newline is appended.
func (w *Writer) WriteJSON(path string, v any, indent int) bool {
	var (
		data []byte
		err  error
	)
	if indent > 0 {
		data, err = json.MarshalIndent(v, "", strings.Repeat(" ", indent))
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		w.logger.Error("marshal json for atomic write",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return false
	}
	return w.Write(path, append(data, '\n'), ModeText, "utf-8")
}

// WriteYAML marshals v as YAML and writes it atomically.
func (w *Writer) WriteYAML(path string, v any) bool {
	data, err := yaml.Marshal(v)
	if err != nil {
		w.logger.Error("marshal yaml for atomic write",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return false
	}
	return w.Write(path, data, ModeText, "utf-8")
}
