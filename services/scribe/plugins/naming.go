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
	"strings"
	"unicode"
)

// ModulePrefix prefixes the stable name of every scripted plugin.
const ModulePrefix = "scribe.actions."

// ModuleName returns the stable fully-qualified name for a plugin stem.
func ModuleName(stem string) string {
	return ModulePrefix + stem
}

// SnakeCase converts an identifier such as "UpperCaseAction" or
// "HTTPHeaderAction" to "upper_case_action" or "http_header_action".
func SnakeCase(name string) string {
	runes := []rune(name)
	var b strings.Builder
	for i, r := range runes {
		if r == '-' || r == ' ' || r == '.' {
			r = '_'
		}
		if unicode.IsUpper(r) {
			if i > 0 && runes[i-1] != '_' {
				prevLower := unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if prevLower || (unicode.IsUpper(runes[i-1]) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ActionTypeFromName snake-cases name and strips an "Action" suffix.
func ActionTypeFromName(name string) string {
	trimmed := strings.TrimSuffix(name, "Action")
	if trimmed == "" {
		return ""
	}
	return strings.Trim(SnakeCase(trimmed), "_")
}
