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
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// forbiddenImports are packages a scripted plugin may not import, either
// directly or through a subpackage.
var forbiddenImports = []string{
	"os",
	"os/exec",
	"syscall",
	"unsafe",
	"plugin",
	"reflect",
	"net",
	"runtime",
	"io/ioutil",
	"log/syslog",
	"C",
}

// forbiddenCalls are source fragments rejected anywhere in the file.
var forbiddenCalls = []string{
	"exec.Command(",
	"os.StartProcess(",
	"//go:linkname",
	`import "C"`,
	"syscall.",
	"unsafe.",
	"reflect.",
}

var dependencyLine = regexp.MustCompile(`(?m)^[ \t]*//[ \t]*DEPENDENCIES:[ \t]*(.*)$`)

// isForbiddenImport reports whether path is, or lives under, a forbidden
// package.
func isForbiddenImport(path string) bool {
	for _, f := range forbiddenImports {
		if path == f || strings.HasPrefix(path, f+"/") {
			return true
		}
	}
	return false
}

// ScanSource statically checks plugin source before it is interpreted.
//
// # Description
//
// Parses the import block with go/parser and rejects forbidden packages,
// then rejects forbidden call fragments. A file that does not parse is
// rejected as well; the interpreter would refuse it anyway.
//
// # Outputs
//
//   - error: Wraps ErrSecurityViolation, nil when the source is clean.
func ScanSource(name string, src []byte) error {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, name, src, parser.ImportsOnly|parser.ParseComments)
	if err != nil {
		return fmt.Errorf("%w: parse: %v", ErrSecurityViolation, err)
	}

	var hits []string
	for _, imp := range f.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		if isForbiddenImport(path) {
			hits = append(hits, "import "+path)
		}
	}
	text := string(src)
	for _, frag := range forbiddenCalls {
		if strings.Contains(text, frag) {
			hits = append(hits, frag)
		}
	}
	if len(hits) > 0 {
		sort.Strings(hits)
		return fmt.Errorf("%w: %s", ErrSecurityViolation, strings.Join(hits, ", "))
	}
	return nil
}

// checkFileMode rejects world-writable plugin files.
func checkFileMode(info os.FileInfo) error {
	if info.Mode().Perm()&0o002 != 0 {
		return fmt.Errorf("%w: %s is world-writable (%s)", ErrSecurityViolation, info.Name(), info.Mode().Perm())
	}
	return nil
}

// ParseDependencies returns the plugin stems declared on DEPENDENCIES lines,
// deduplicated in declaration order.
func ParseDependencies(src []byte) []string {
	var deps []string
	seen := make(map[string]struct{})
	for _, m := range dependencyLine.FindAllSubmatch(src, -1) {
		for _, d := range strings.Split(string(m[1]), ",") {
			d = strings.TrimSpace(d)
			if d == "" {
				continue
			}
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			deps = append(deps, d)
		}
	}
	return deps
}
