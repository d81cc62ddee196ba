// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package plugin

// sortByDependencies orders names so every plugin follows its dependencies.
// Ties keep the input order. deps maps a name to its dependencies; names
// missing from deps are treated as having none. Dependencies outside names
// are ignored.
func sortByDependencies(names []string, deps map[string][]string) ([]string, error) {
	index := make(map[string]int, len(names))
	for i, n := range names {
		index[n] = i
	}

	indegree := make(map[string]int, len(names))
	dependents := make(map[string][]string, len(names))
	for _, n := range names {
		for _, d := range deps[n] {
			if _, ok := index[d]; !ok {
				continue
			}
			indegree[n]++
			dependents[d] = append(dependents[d], n)
		}
	}

	ready := make([]string, 0, len(names))
	for _, n := range names {
		if indegree[n] == 0 {
			ready = append(ready, n)
		}
	}

	order := make([]string, 0, len(names))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, dep := range dependents[n] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = insertByIndex(ready, dep, index)
			}
		}
	}

	if len(order) < len(names) {
		return nil, &CircularDependencyError{Cycle: findCycle(names, deps, indegree)}
	}
	return order, nil
}

// insertByIndex keeps ready sorted by input position.
func insertByIndex(ready []string, n string, index map[string]int) []string {
	i := len(ready)
	for i > 0 && index[ready[i-1]] > index[n] {
		i--
	}
	ready = append(ready, "")
	copy(ready[i+1:], ready[i:])
	ready[i] = n
	return ready
}

// findCycle walks dependency edges among the unsorted plugins until a name
// repeats.
func findCycle(names []string, deps map[string][]string, indegree map[string]int) []string {
	var start string
	for _, n := range names {
		if indegree[n] > 0 {
			start = n
			break
		}
	}

	seen := map[string]int{}
	var path []string
	for n := start; ; {
		if at, ok := seen[n]; ok {
			return append(path[at:], n)
		}
		seen[n] = len(path)
		path = append(path, n)

		next := ""
		for _, d := range deps[n] {
			if indegree[d] > 0 {
				next = d
				break
			}
		}
		if next == "" {
			return path
		}
		n = next
	}
}
