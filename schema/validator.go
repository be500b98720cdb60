// Package schema validates values against a constrained JSON-Schema dialect.
//
// The supported construct set is closed: any keyword or format outside it is
// a validation error, never a silent pass. Silent degradation on unknown
// schema features is how bad payloads slip through to vendors, so the gate
// fails loudly instead.
//
// oneOf is treated as a union (same as anyOf); exact-one semantics are not
// enforced.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/calderalabs/actionexec/core"
)

// allowedKeywords is the closed construct set. Anything else in a schema is
// rejected by the dialect gate.
var allowedKeywords = map[string]bool{
	"type":                 true,
	"properties":           true,
	"required":             true,
	"additionalProperties": true,
	"items":                true,
	"minItems":             true,
	"maxItems":             true,
	"uniqueItems":          true,
	"minimum":              true,
	"maximum":              true,
	"exclusiveMinimum":     true,
	"exclusiveMaximum":     true,
	"multipleOf":           true,
	"minLength":            true,
	"maxLength":            true,
	"pattern":              true,
	"enum":                 true,
	"const":                true,
	"anyOf":                true,
	"oneOf":                true,
	"allOf":                true,
	"format":               true,

	// Annotations carry no constraint and pass through.
	"title":       true,
	"description": true,
	"default":     true,
	"$schema":     true,
}

// allowedFormats is the closed format set.
var allowedFormats = map[string]bool{
	"email":     true,
	"uri":       true,
	"url":       true,
	"uuid":      true,
	"date-time": true,
	"date":      true,
	"time":      true,
	"ipv4":      true,
	"ipv6":      true,
}

// FieldError describes one violation, with the dotted path of the offending
// node (array indices rendered as [i]).
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Result is the outcome of validating a value.
type Result struct {
	Valid  bool         `json:"valid"`
	Errors []FieldError `json:"errors,omitempty"`
}

// DialectError reports a schema that uses constructs outside the supported
// dialect. It is an error about the schema itself, not the value.
type DialectError struct {
	Path    string
	Keyword string
	Reason  string
}

func (e *DialectError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("unsupported schema: %s", e.Reason)
	}
	return fmt.Sprintf("unsupported schema at %s: %s", e.Path, e.Reason)
}

// Validator validates values against schemas in the constrained dialect.
type Validator struct {
	logger core.Logger
}

// NewValidator creates a validator. A nil logger means no-op.
func NewValidator(logger core.Logger) *Validator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Validator{logger: logger}
}

// Validate checks value against schemaDoc. It returns a non-nil error when
// the schema itself is outside the supported dialect or fails to compile;
// value violations come back in the Result.
func (v *Validator) Validate(schemaDoc map[string]interface{}, value interface{}) (*Result, error) {
	if schemaDoc == nil {
		return nil, &DialectError{Reason: "schema is nil"}
	}

	normalized, err := v.gate(schemaDoc, "")
	if err != nil {
		v.logger.Warn("Schema rejected by dialect gate", map[string]interface{}{
			"operation": "schema_gate",
			"error":     err.Error(),
		})
		return nil, err
	}

	compiled, err := compile(normalized)
	if err != nil {
		return nil, fmt.Errorf("schema compilation failed: %w", err)
	}

	// Values may arrive with Go-native numeric types (YAML literals, resolved
	// references). Round-trip through JSON so the engine sees canonical types.
	value, err = normalizeValue(value)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON-representable: %w", err)
	}

	if err := compiled.Validate(value); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok {
			result := &Result{Valid: false, Errors: flatten(ve)}
			v.logger.Debug("Validation failed", map[string]interface{}{
				"operation":   "schema_validate",
				"error_count": len(result.Errors),
			})
			return result, nil
		}
		return nil, err
	}

	return &Result{Valid: true}, nil
}

// gate walks the schema, rejects unsupported constructs, and returns a copy
// normalized for compilation (oneOf rewritten to anyOf).
func (v *Validator) gate(node map[string]interface{}, path string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(node))

	hasShape := false
	for _, k := range []string{"type", "anyOf", "oneOf", "allOf", "const", "enum"} {
		if _, ok := node[k]; ok {
			hasShape = true
			break
		}
	}
	if !hasShape {
		return nil, &DialectError{
			Path:   path,
			Reason: "schema has none of type/anyOf/oneOf/allOf/const/enum",
		}
	}

	// Deterministic iteration keeps gate errors stable.
	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		raw := node[key]
		if !allowedKeywords[key] {
			return nil, &DialectError{
				Path:    path,
				Keyword: key,
				Reason:  fmt.Sprintf("unsupported keyword %q", key),
			}
		}

		switch key {
		case "format":
			name, ok := raw.(string)
			if !ok || !allowedFormats[name] {
				return nil, &DialectError{
					Path:   joinPath(path, "format"),
					Reason: fmt.Sprintf("unrecognized format %v", raw),
				}
			}
			out[key] = raw

		case "properties":
			props, ok := raw.(map[string]interface{})
			if !ok {
				return nil, &DialectError{Path: joinPath(path, key), Reason: "properties must be an object"}
			}
			normProps := make(map[string]interface{}, len(props))
			for name, sub := range props {
				subSchema, ok := sub.(map[string]interface{})
				if !ok {
					return nil, &DialectError{Path: joinPath(path, name), Reason: "property schema must be an object"}
				}
				normalized, err := v.gate(subSchema, joinPath(path, name))
				if err != nil {
					return nil, err
				}
				normProps[name] = normalized
			}
			out[key] = normProps

		case "items", "additionalProperties":
			switch sub := raw.(type) {
			case bool:
				out[key] = sub
			case map[string]interface{}:
				normalized, err := v.gate(sub, joinPath(path, key))
				if err != nil {
					return nil, err
				}
				out[key] = normalized
			default:
				return nil, &DialectError{Path: joinPath(path, key), Reason: fmt.Sprintf("%s must be a schema or boolean", key)}
			}

		case "anyOf", "oneOf", "allOf":
			subs, ok := raw.([]interface{})
			if !ok || len(subs) == 0 {
				return nil, &DialectError{Path: joinPath(path, key), Reason: fmt.Sprintf("%s must be a non-empty array", key)}
			}
			normSubs := make([]interface{}, len(subs))
			for i, sub := range subs {
				subSchema, ok := sub.(map[string]interface{})
				if !ok {
					return nil, &DialectError{Path: fmt.Sprintf("%s[%d]", joinPath(path, key), i), Reason: "branch must be a schema object"}
				}
				normalized, err := v.gate(subSchema, fmt.Sprintf("%s[%d]", joinPath(path, key), i))
				if err != nil {
					return nil, err
				}
				normSubs[i] = normalized
			}
			// Union semantics: oneOf compiles as anyOf, exact-one is not
			// enforced.
			if key == "oneOf" {
				out["anyOf"] = normSubs
			} else {
				out[key] = normSubs
			}

		default:
			out[key] = raw
		}
	}

	return out, nil
}

func compile(schemaDoc map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schemaDoc)
	if err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	c.AssertFormat = true
	c.Formats["url"] = isURL

	if err := c.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// isURL accepts absolute http(s) URLs with a host. "uri" is looser; some
// vendor schemas distinguish the two, so url stays strict.
func isURL(v interface{}) bool {
	s, ok := v.(string)
	if !ok {
		return true
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func normalizeValue(value interface{}) (interface{}, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return false
	}
	*target = ve
	return true
}

// flatten walks the cause tree and reports leaf violations with dotted paths.
func flatten(ve *jsonschema.ValidationError) []FieldError {
	var out []FieldError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, FieldError{
				Path:    pointerToDotted(e.InstanceLocation),
				Message: e.Message,
			})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}

// pointerToDotted converts a JSON pointer ("/a/0/b") into the dotted form
// used in error output ("a[0].b"). The document root is "$".
func pointerToDotted(ptr string) string {
	if ptr == "" || ptr == "/" {
		return "$"
	}
	segments := strings.Split(strings.TrimPrefix(ptr, "/"), "/")
	var b strings.Builder
	for _, seg := range segments {
		seg = strings.ReplaceAll(strings.ReplaceAll(seg, "~1", "/"), "~0", "~")
		if isIndex(seg) {
			b.WriteString("[" + seg + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteString(".")
		}
		b.WriteString(seg)
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func joinPath(base, seg string) string {
	if base == "" {
		return seg
	}
	return base + "." + seg
}
