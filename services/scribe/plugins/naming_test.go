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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionTypeFromName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"UpperCaseAction", "upper_case"},
		{"HTTPHeaderAction", "http_header"},
		{"SetFrontMatter", "set_front_matter"},
		{"Word2Vec", "word2_vec"},
		{"already_snake", "already_snake"},
		{"Action", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ActionTypeFromName(tt.in))
		})
	}
}

func TestModuleName(t *testing.T) {
	assert.Equal(t, "scribe.actions.tagger", ModuleName("tagger"))
}

func TestScanSource(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		clean bool
	}{
		{"clean", "package p\n\nimport \"strings\"\n\nvar _ = strings.ToUpper\n", true},
		{"os import", "package p\n\nimport \"os\"\n", false},
		{"os/exec import", "package p\n\nimport \"os/exec\"\n", false},
		{"net/http import", "package p\n\nimport \"net/http\"\n", false},
		{"aliased unsafe", "package p\n\nimport u \"unsafe\"\n\nvar _ = u.Sizeof\n", false},
		{"cgo", "package p\n\nimport \"C\"\n", false},
		{"linkname", "package p\n\n//go:linkname x runtime.x\nvar x int\n", false},
		{"call fragment", "package p\n\nfunc f() { exec.Command(\"ls\") }\n", false},
		{"unparsable", "not go", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ScanSource("p.go", []byte(tt.src))
			if tt.clean {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrSecurityViolation)
		})
	}
}

func TestParseDependencies(t *testing.T) {
	src := []byte("package p\n\n// DEPENDENCIES: alpha, beta\n//DEPENDENCIES:gamma,alpha\n// dependencies: ignored\n")
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, ParseDependencies(src))
	assert.Empty(t, ParseDependencies([]byte("package p\n")))
}

func TestSortByDependencies(t *testing.T) {
	t.Run("dependencies first, then load order, then name", func(t *testing.T) {
		graph := map[string][]string{
			"zeta":  nil,
			"alpha": nil,
			"beta":  {"zeta"},
			"gamma": {"beta", "missing"},
		}
		order, err := sortByDependencies(graph, []string{"beta", "zeta"})
		require.NoError(t, err)
		assert.Equal(t, []string{"zeta", "beta", "alpha", "gamma"}, order)
	})

	t.Run("cycle", func(t *testing.T) {
		graph := map[string][]string{"a": {"b"}, "b": {"c"}, "c": {"a"}, "d": nil}
		_, err := sortByDependencies(graph, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDependencyCycle)
		assert.Contains(t, err.Error(), "a, b, c")
	})
}
