package resolve

import (
	"fmt"
	"sort"
	"strings"
)

// DetectCircularReferences builds the reference graph of a planned-action set
// (A depends on B iff any of A's inputs references B) and returns one
// human-readable message per distinct cycle found. It does not stop at the
// first cycle.
func DetectCircularReferences(actions []Action) []string {
	graph := make(map[string][]string, len(actions))
	for _, a := range actions {
		graph[a.ID] = referencedActions(a.Inputs)
	}

	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	seen := make(map[string]bool)
	var errors []string

	// Deterministic traversal order keeps output stable across runs.
	ids := make([]string, 0, len(graph))
	for id := range graph {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var stack []string
	var dfs func(id string)
	dfs = func(id string) {
		visited[id] = true
		onStack[id] = true
		stack = append(stack, id)

		for _, next := range graph[id] {
			if _, exists := graph[next]; !exists {
				// Reference to an action outside the plan is reported by the
				// resolver, not here.
				continue
			}
			if onStack[next] {
				cycle := extractCycle(stack, next)
				key := canonicalCycle(cycle)
				if !seen[key] {
					seen[key] = true
					errors = append(errors, fmt.Sprintf(
						"circular reference: %s -> %s", strings.Join(cycle, " -> "), next))
				}
				continue
			}
			if !visited[next] {
				dfs(next)
			}
		}

		stack = stack[:len(stack)-1]
		onStack[id] = false
	}

	for _, id := range ids {
		if !visited[id] {
			dfs(id)
		}
	}
	return errors
}

// referencedActions collects the distinct action IDs referenced anywhere in
// an input map.
func referencedActions(inputs map[string]interface{}) []string {
	set := make(map[string]bool)
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case string:
			if actionID, _, ok := ParseReference(val); ok {
				set[actionID] = true
			}
		case map[string]interface{}:
			for _, sub := range val {
				walk(sub)
			}
		case []interface{}:
			for _, sub := range val {
				walk(sub)
			}
		}
	}
	for _, v := range inputs {
		walk(v)
	}

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// extractCycle returns the stack suffix starting at the first occurrence of
// start, i.e. the nodes participating in the cycle in traversal order.
func extractCycle(stack []string, start string) []string {
	for i, id := range stack {
		if id == start {
			return append([]string{}, stack[i:]...)
		}
	}
	return append([]string{}, stack...)
}

// canonicalCycle produces a rotation-independent key so the same cycle found
// from different entry points is reported once.
func canonicalCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	minIdx := 0
	for i, id := range cycle {
		if id < cycle[minIdx] {
			minIdx = i
		}
	}
	rotated := append(append([]string{}, cycle[minIdx:]...), cycle[:minIdx]...)
	return strings.Join(rotated, ">")
}
