// Package resolve substitutes ${actionId.path} references in planned-action
// inputs using the outputs of previously executed actions.
package resolve

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/calderalabs/actionexec/core"
)

// referencePattern matches a value that is exactly one reference. Partial
// string interpolation is not supported.
var referencePattern = regexp.MustCompile(`^\$\{([A-Za-z0-9_-]+)\.(.+)\}$`)

// Action is the resolver's view of a planned action.
type Action struct {
	ID           string
	Inputs       map[string]interface{}
	Dependencies []string
}

// Resolver resolves input references against previous results.
type Resolver struct {
	logger core.Logger
}

// NewResolver creates a resolver. A nil logger means no-op.
func NewResolver(logger core.Logger) *Resolver {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Resolver{logger: logger}
}

// ParseReference returns the actionId and path of a reference value, or
// ok=false when the value is not a reference.
func ParseReference(value string) (actionID, path string, ok bool) {
	m := referencePattern.FindStringSubmatch(value)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// ResolveInputs returns a copy of the action's inputs with every reference
// substituted. Literal scalars, including "" and false and 0, pass through
// unchanged.
func (r *Resolver) ResolveInputs(action Action, previousResults map[string]string) (map[string]interface{}, error) {
	deps := make(map[string]bool, len(action.Dependencies))
	for _, d := range action.Dependencies {
		deps[d] = true
	}

	res := &resolution{
		actionID:        action.ID,
		dependencies:    deps,
		previousResults: previousResults,
		visiting:        make(map[string]bool),
		parsed:          make(map[string]interface{}),
	}

	resolved := make(map[string]interface{}, len(action.Inputs))
	for name, value := range action.Inputs {
		out, err := res.resolveValue(value, nil)
		if err != nil {
			r.logger.Debug("Input resolution failed", map[string]interface{}{
				"operation": "resolve_inputs",
				"action_id": action.ID,
				"input":     name,
				"error":     err.Error(),
			})
			return nil, err
		}
		resolved[name] = out
	}
	return resolved, nil
}

// resolution holds per-call state. visiting tracks actionId.path nodes on the
// current traversal stack; entries are popped on successful resolution, so
// independent paths may revisit the same node (tree traversal, not DAG).
type resolution struct {
	actionID        string
	dependencies    map[string]bool
	previousResults map[string]string
	visiting        map[string]bool
	parsed          map[string]interface{}
}

func (res *resolution) resolveValue(value interface{}, stack []string) (interface{}, error) {
	switch v := value.(type) {
	case string:
		refAction, refPath, ok := ParseReference(v)
		if !ok {
			return v, nil
		}
		return res.resolveReference(refAction, refPath, stack)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, sub := range v {
			r, err := res.resolveValue(sub, stack)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, sub := range v {
			r, err := res.resolveValue(sub, stack)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func (res *resolution) resolveReference(refAction, refPath string, stack []string) (interface{}, error) {
	if !res.dependencies[refAction] {
		return nil, core.ValidationError(
			fmt.Sprintf("reference to action %s not found in dependencies", refAction))
	}

	node := refAction + "." + refPath
	if res.visiting[node] {
		cycle := append(append([]string{}, stack...), node)
		return nil, core.ValidationError(
			fmt.Sprintf("circular reference detected: %s", strings.Join(cycle, " -> ")))
	}
	res.visiting[node] = true
	defer delete(res.visiting, node)
	stack = append(stack, node)

	doc, err := res.resultDocument(refAction)
	if err != nil {
		return nil, err
	}

	value, err := traverse(doc, refPath)
	if err != nil {
		return nil, core.ValidationError(
			fmt.Sprintf("cannot resolve %s: %v", node, err))
	}

	// A resolved value that is itself a reference resolves transitively.
	if s, ok := value.(string); ok {
		if nextAction, nextPath, isRef := ParseReference(s); isRef {
			return res.resolveReference(nextAction, nextPath, stack)
		}
	}
	return value, nil
}

func (res *resolution) resultDocument(actionID string) (interface{}, error) {
	if doc, ok := res.parsed[actionID]; ok {
		return doc, nil
	}
	raw, ok := res.previousResults[actionID]
	if !ok {
		d := core.NewErrorDetail(core.CategoryStateInconsistent,
			fmt.Sprintf("result for action %s not available", actionID), false)
		return nil, d
	}
	var doc interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		d := core.NewErrorDetail(core.CategoryStateInconsistent,
			fmt.Sprintf("result for action %s is not valid JSON", actionID), false)
		d.Cause = err
		return nil, d
	}
	res.parsed[actionID] = doc
	return doc, nil
}

// traverse walks a dot-separated path with optional [i] array indices.
// Missing properties, null intermediates, out-of-bounds indices, and property
// access on primitives all fail.
func traverse(doc interface{}, path string) (interface{}, error) {
	current := doc
	for _, segment := range strings.Split(path, ".") {
		name, indices, err := parseSegment(segment)
		if err != nil {
			return nil, err
		}

		if name != "" {
			obj, ok := current.(map[string]interface{})
			if !ok {
				if current == nil {
					return nil, fmt.Errorf("null value at %q", name)
				}
				return nil, fmt.Errorf("cannot access property %q on non-object value", name)
			}
			next, exists := obj[name]
			if !exists {
				return nil, fmt.Errorf("property %q not found", name)
			}
			current = next
		}

		for _, idx := range indices {
			arr, ok := current.([]interface{})
			if !ok {
				if current == nil {
					return nil, fmt.Errorf("null value at index [%d]", idx)
				}
				return nil, fmt.Errorf("cannot index [%d] into non-array value", idx)
			}
			if idx < 0 || idx >= len(arr) {
				return nil, fmt.Errorf("index [%d] out of bounds (length %d)", idx, len(arr))
			}
			current = arr[idx]
		}
	}
	return current, nil
}

// parseSegment splits "items[0][1]" into name "items" and indices [0, 1].
func parseSegment(segment string) (string, []int, error) {
	if segment == "" {
		return "", nil, fmt.Errorf("empty path segment")
	}
	name := segment
	var indices []int

	bracket := strings.Index(segment, "[")
	if bracket >= 0 {
		name = segment[:bracket]
		rest := segment[bracket:]
		for len(rest) > 0 {
			if rest[0] != '[' {
				return "", nil, fmt.Errorf("malformed index in segment %q", segment)
			}
			end := strings.Index(rest, "]")
			if end < 0 {
				return "", nil, fmt.Errorf("unterminated index in segment %q", segment)
			}
			idx, err := strconv.Atoi(rest[1:end])
			if err != nil {
				return "", nil, fmt.Errorf("invalid index in segment %q", segment)
			}
			indices = append(indices, idx)
			rest = rest[end+1:]
		}
	}
	return name, indices, nil
}
