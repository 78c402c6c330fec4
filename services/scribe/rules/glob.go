// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rules

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// Glob is a compiled shell-style file pattern.
//
// Semantics follow fnmatch rather than filepath.Match:
//   - * and ** match any sequence of characters, including /
//   - a leading or inner "**/" also matches zero directories
//   - ? matches any single character
//   - [abc] and [a-z] match one character of the class
//   - [!abc] matches one character not in the class
//   - braces, backslashes and an unterminated [ are literal
//
// A path matches when either its forward-slash form or its basename
// matches the pattern.
//
// Thread Safety: Glob is immutable and safe for concurrent use.
type Glob struct {
	pattern  string
	matchers []glob.Glob
}

// CompileGlob compiles pattern into a matcher.
func CompileGlob(pattern string) (*Glob, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%w: empty glob", ErrInvalidGlob)
	}
	variants := expandDoubleStar(quoteFnmatch(pattern))
	g := &Glob{pattern: pattern, matchers: make([]glob.Glob, 0, len(variants))}
	for _, v := range variants {
		m, err := glob.Compile(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidGlob, pattern, err)
		}
		g.matchers = append(g.matchers, m)
	}
	return g, nil
}

// Pattern returns the source pattern.
func (g *Glob) Pattern() string {
	return g.pattern
}

// Match reports whether p (in either separator form) matches.
func (g *Glob) Match(p string) bool {
	slashed := filepath.ToSlash(p)
	return g.match(slashed) || g.match(path.Base(slashed))
}

func (g *Glob) match(s string) bool {
	for _, m := range g.matchers {
		if m.Match(s) {
			return true
		}
	}
	return false
}

// quoteFnmatch escapes the characters gobwas/glob treats as syntax but
// fnmatch does not.
func quoteFnmatch(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '{', '}', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case '[':
			end := classEnd(pattern, i)
			if end < 0 {
				b.WriteString(`\[`)
				continue
			}
			b.WriteString(pattern[i : end+1])
			i = end
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// classEnd returns the index of the ']' closing the class opened at start,
// or -1.
func classEnd(pattern string, start int) int {
	if end := strings.IndexByte(pattern[start+1:], ']'); end >= 0 {
		return start + 1 + end
	}
	return -1
}

// expandDoubleStar returns every variant of pattern with each "**/" either
// kept or dropped, so that "**/" also matches zero directories.
func expandDoubleStar(pattern string) []string {
	parts := strings.Split(pattern, "**/")
	out := []string{parts[0]}
	for _, part := range parts[1:] {
		next := make([]string, 0, 2*len(out))
		for _, prefix := range out {
			next = append(next, prefix+"**/"+part, prefix+part)
		}
		out = next
	}
	return out
}
