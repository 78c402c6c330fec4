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
	"fmt"
	"log/slog"
	"regexp"
	"sort"

	"github.com/AleutianAI/scribe/services/scribe/config"
)

// SecurityPolicy is the compiled form of config.SecuritySettings.
type SecurityPolicy struct {
	allowed    map[string]struct{}
	restricted map[string]struct{}
	dangerous  []*regexp.Regexp
}

// NewSecurityPolicy compiles s. Patterns that fail to compile are logged
// and skipped; the config manager already rejects them on load.
func NewSecurityPolicy(s config.SecuritySettings, logger *slog.Logger) *SecurityPolicy {
	p := &SecurityPolicy{
		allowed:    make(map[string]struct{}, len(s.AllowedActions)),
		restricted: make(map[string]struct{}, len(s.RestrictedParams)),
	}
	for _, a := range s.AllowedActions {
		p.allowed[a] = struct{}{}
	}
	for _, r := range s.RestrictedParams {
		p.restricted[r] = struct{}{}
	}
	for _, pat := range s.DangerousPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			if logger != nil {
				logger.Warn("skipping invalid dangerous pattern",
					slog.String("pattern", pat),
					slog.String("error", err.Error()))
			}
			continue
		}
		p.dangerous = append(p.dangerous, re)
	}
	return p
}

// Check returns a non-empty reason when the action may not run.
func (p *SecurityPolicy) Check(actionType string, params map[string]any) string {
	if len(p.allowed) > 0 {
		if _, ok := p.allowed[actionType]; !ok {
			return fmt.Sprintf("action type %s is not allowed", actionType)
		}
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, ok := p.restricted[k]; ok {
			return fmt.Sprintf("parameter %s is restricted", k)
		}
	}
	for _, k := range keys {
		if re := p.firstDangerous(params[k]); re != nil {
			return fmt.Sprintf("parameter %s matches dangerous pattern %s", k, re.String())
		}
	}
	return ""
}

// firstDangerous walks strings nested in maps and slices.
func (p *SecurityPolicy) firstDangerous(v any) *regexp.Regexp {
	switch val := v.(type) {
	case string:
		for _, re := range p.dangerous {
			if re.MatchString(val) {
				return re
			}
		}
	case []any:
		for _, item := range val {
			if re := p.firstDangerous(item); re != nil {
				return re
			}
		}
	case []string:
		for _, item := range val {
			if re := p.firstDangerous(item); re != nil {
				return re
			}
		}
	case map[string]any:
		for _, item := range val {
			if re := p.firstDangerous(item); re != nil {
				return re
			}
		}
	}
	return nil
}
