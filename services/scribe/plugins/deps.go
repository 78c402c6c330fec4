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
	"sort"
	"strings"
)

// sortByDependencies orders plugin stems so that every plugin follows its
// dependencies (Kahn's algorithm).
//
// Ties are broken by position in loadOrder, then alphabetically. Edges to
// stems outside deps are ignored here; the loader rejects those plugins
// separately.
//
// # Outputs
//
//   - []string: Load order.
//   - error: Wraps ErrDependencyCycle naming the stems on the cycle.
func sortByDependencies(deps map[string][]string, loadOrder []string) ([]string, error) {
	rank := make(map[string]int, len(loadOrder))
	for i, name := range loadOrder {
		if _, ok := rank[name]; !ok {
			rank[name] = i
		}
	}
	less := func(a, b string) bool {
		ra, okA := rank[a]
		rb, okB := rank[b]
		switch {
		case okA && okB && ra != rb:
			return ra < rb
		case okA != okB:
			return okA
		}
		return a < b
	}

	indegree := make(map[string]int, len(deps))
	dependents := make(map[string][]string, len(deps))
	for name, ds := range deps {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, d := range ds {
			if _, known := deps[d]; !known {
				continue
			}
			indegree[name]++
			dependents[d] = append(dependents[d], name)
		}
	}

	var ready []string
	for name, n := range indegree {
		if n == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(deps))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) < len(deps) {
		var stuck []string
		for name, n := range indegree {
			if n > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(stuck, ", "))
	}
	return order, nil
}
