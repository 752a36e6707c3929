package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
)

// Schema is the declarative description of an accepted response shape. It is
// a deliberately small dialect: objects, arrays, the JSON primitives, enum,
// required sets, and numeric/length bounds. Validation is total and
// deterministic; unknown schema fields are rejected at parse time so a typo
// in a constraint can never silently accept everything.
type Schema struct {
	Type       string             `json:"type"`
	Properties map[string]*Schema `json:"properties,omitempty"`
	Required   []string           `json:"required,omitempty"`
	Items      *Schema            `json:"items,omitempty"`
	Enum       []any              `json:"enum,omitempty"`
	Minimum    *float64           `json:"minimum,omitempty"`
	Maximum    *float64           `json:"maximum,omitempty"`
	MinLength  *int               `json:"minLength,omitempty"`
	MaxLength  *int               `json:"maxLength,omitempty"`
	MinItems   *int               `json:"minItems,omitempty"`
	MaxItems   *int               `json:"maxItems,omitempty"`
}

const maxSchemaDepth = 32

var schemaTypes = map[string]bool{
	"object": true, "array": true, "string": true,
	"number": true, "integer": true, "boolean": true, "null": true,
}

// ParseSchema decodes and checks a schema. Unknown fields anywhere in the
// document are an error.
func ParseSchema(raw json.RawMessage) (*Schema, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("schema is required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var s Schema
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("malformed schema: %w", err)
	}
	if err := s.check(0); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Schema) check(depth int) error {
	if depth > maxSchemaDepth {
		return fmt.Errorf("schema nesting exceeds %d levels", maxSchemaDepth)
	}
	if !schemaTypes[s.Type] {
		return fmt.Errorf("unknown schema type %q", s.Type)
	}
	if s.Type != "object" && (len(s.Properties) > 0 || len(s.Required) > 0) {
		return fmt.Errorf("properties/required only apply to type object, not %q", s.Type)
	}
	if s.Type != "array" && s.Items != nil {
		return fmt.Errorf("items only applies to type array, not %q", s.Type)
	}
	for _, req := range s.Required {
		if _, ok := s.Properties[req]; !ok {
			return fmt.Errorf("required field %q has no property schema", req)
		}
	}
	for name, sub := range s.Properties {
		if sub == nil {
			return fmt.Errorf("property %q has null schema", name)
		}
		if err := sub.check(depth + 1); err != nil {
			return err
		}
	}
	if s.Items != nil {
		if err := s.Items.check(depth + 1); err != nil {
			return err
		}
	}
	if s.Minimum != nil && s.Maximum != nil && *s.Minimum > *s.Maximum {
		return fmt.Errorf("minimum %v exceeds maximum %v", *s.Minimum, *s.Maximum)
	}
	if s.MinLength != nil && *s.MinLength < 0 {
		return fmt.Errorf("negative minLength")
	}
	if s.MinItems != nil && *s.MinItems < 0 {
		return fmt.Errorf("negative minItems")
	}
	return nil
}

// Validate checks a response payload against the schema. It never panics and
// produces the same verdict for the same inputs.
func (s *Schema) Validate(data json.RawMessage) error {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	return s.validate(v, "$")
}

func (s *Schema) validate(v any, path string) error {
	if len(s.Enum) > 0 {
		if !enumContains(s.Enum, v) {
			return fmt.Errorf("%s: value not in enum", path)
		}
		return nil
	}

	switch s.Type {
	case "null":
		if v != nil {
			return fmt.Errorf("%s: expected null", path)
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%s: expected boolean", path)
		}
	case "string":
		str, ok := v.(string)
		if !ok {
			return fmt.Errorf("%s: expected string", path)
		}
		if s.MinLength != nil && len(str) < *s.MinLength {
			return fmt.Errorf("%s: shorter than minLength %d", path, *s.MinLength)
		}
		if s.MaxLength != nil && len(str) > *s.MaxLength {
			return fmt.Errorf("%s: longer than maxLength %d", path, *s.MaxLength)
		}
	case "number", "integer":
		num, ok := v.(json.Number)
		if !ok {
			return fmt.Errorf("%s: expected %s", path, s.Type)
		}
		f, err := num.Float64()
		if err != nil {
			return fmt.Errorf("%s: unrepresentable number", path)
		}
		if s.Type == "integer" && f != math.Trunc(f) {
			return fmt.Errorf("%s: expected integer, got %v", path, num)
		}
		if s.Minimum != nil && f < *s.Minimum {
			return fmt.Errorf("%s: below minimum %v", path, *s.Minimum)
		}
		if s.Maximum != nil && f > *s.Maximum {
			return fmt.Errorf("%s: above maximum %v", path, *s.Maximum)
		}
	case "array":
		arr, ok := v.([]any)
		if !ok {
			return fmt.Errorf("%s: expected array", path)
		}
		if s.MinItems != nil && len(arr) < *s.MinItems {
			return fmt.Errorf("%s: fewer than minItems %d", path, *s.MinItems)
		}
		if s.MaxItems != nil && len(arr) > *s.MaxItems {
			return fmt.Errorf("%s: more than maxItems %d", path, *s.MaxItems)
		}
		if s.Items != nil {
			for i, item := range arr {
				if err := s.Items.validate(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
		}
	case "object":
		obj, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: expected object", path)
		}
		for _, req := range s.Required {
			if _, present := obj[req]; !present {
				return fmt.Errorf("%s: missing required field %q", path, req)
			}
		}
		// Deterministic error selection: walk properties in sorted order.
		names := make([]string, 0, len(s.Properties))
		for name := range s.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			val, present := obj[name]
			if !present {
				continue
			}
			if err := s.Properties[name].validate(val, path+"."+name); err != nil {
				return err
			}
		}
	}
	return nil
}

// enumContains compares the candidate against each enum member using JSON
// value equality. Numbers compare numerically regardless of lexical form.
func enumContains(enum []any, v any) bool {
	for _, member := range enum {
		if jsonEqual(member, v) {
			return true
		}
	}
	return false
}

// jsonEqual compares decoded JSON values structurally. The two sides come
// from different decoders (schema enums carry float64, payloads carry
// json.Number), so numbers are compared numerically at every depth.
func jsonEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	if _, bok := toFloat(b); bok {
		return false
	}
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bm, ok := bv[k]
			if !ok || !jsonEqual(v, bm) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !jsonEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
