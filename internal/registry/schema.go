package registry

import (
	"fmt"
	"math"
)

// Schema is the JSON-schema subset tool contracts are declared in:
// object/array/string/number/integer/boolean types, properties,
// required, items, and enum. Model output and tool responses are
// validated against it at the trust boundary.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Enum        []interface{}      `json:"enum,omitempty"`
}

// Validate checks a decoded JSON value against the schema. A nil
// schema accepts anything.
func (s *Schema) Validate(v interface{}) error {
	return s.validate(v, "$")
}

func (s *Schema) validate(v interface{}, path string) error {
	if s == nil {
		return nil
	}

	if len(s.Enum) > 0 {
		found := false
		for _, allowed := range s.Enum {
			if jsonEqual(v, allowed) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%s: value %v not in enum", path, v)
		}
	}

	switch s.Type {
	case "", "any":
		return nil

	case "object":
		obj, ok := v.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%s: expected object, got %T", path, v)
		}
		for _, req := range s.Required {
			val, present := obj[req]
			if !present || val == nil {
				return fmt.Errorf("%s: missing required property %q", path, req)
			}
			if str, isStr := val.(string); isStr && str == "" {
				return fmt.Errorf("%s: required property %q is empty", path, req)
			}
		}
		for name, prop := range s.Properties {
			if val, present := obj[name]; present && val != nil {
				if err := prop.validate(val, path+"."+name); err != nil {
					return err
				}
			}
		}
		return nil

	case "array":
		arr, ok := v.([]interface{})
		if !ok {
			return fmt.Errorf("%s: expected array, got %T", path, v)
		}
		for i, item := range arr {
			if err := s.Items.validate(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil

	case "string":
		if _, ok := v.(string); !ok {
			return fmt.Errorf("%s: expected string, got %T", path, v)
		}
		return nil

	case "number":
		if !isNumber(v) {
			return fmt.Errorf("%s: expected number, got %T", path, v)
		}
		return nil

	case "integer":
		f, ok := asFloat(v)
		if !ok || f != math.Trunc(f) {
			return fmt.Errorf("%s: expected integer, got %v", path, v)
		}
		return nil

	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%s: expected boolean, got %T", path, v)
		}
		return nil

	default:
		return fmt.Errorf("%s: unknown schema type %q", path, s.Type)
	}
}

func isNumber(v interface{}) bool {
	_, ok := asFloat(v)
	return ok
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func jsonEqual(a, b interface{}) bool {
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return a == b
}
