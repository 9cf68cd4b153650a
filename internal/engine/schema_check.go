package engine

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/leadstitch/flowline/pkg/schema"
)

// CheckSchema validates a value against a small structural schema supporting
// `type` (string|number|boolean|array|object|null), `properties`/`required`
// for objects, `items` for arrays, and `enum`. This is intentionally not a
// full JSON-Schema implementation: unknown or absent constraints pass.
//
// Full JSON-Schema validation exists for the workflow definition format
// itself (internal/validation); node payload checks stay cheap and local.
func CheckSchema(value any, rawSchema json.RawMessage) error {
	if len(rawSchema) == 0 {
		return nil
	}
	var s map[string]any
	if err := json.Unmarshal(rawSchema, &s); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid schema: %s", err.Error())
	}
	return checkValue(value, s, "$")
}

func checkValue(value any, s map[string]any, path string) error {
	if typ, ok := s["type"].(string); ok {
		if err := checkType(value, typ, path); err != nil {
			return err
		}
	}

	if enum, ok := s["enum"].([]any); ok {
		matched := false
		for _, allowed := range enum {
			if reflect.DeepEqual(value, allowed) {
				matched = true
				break
			}
		}
		if !matched {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"%s: value %v not in enum %v", path, value, enum)
		}
	}

	if obj, ok := value.(map[string]any); ok {
		if required, ok := s["required"].([]any); ok {
			for _, r := range required {
				name, _ := r.(string)
				if _, present := obj[name]; !present {
					return schema.NewErrorf(schema.ErrCodeValidation,
						"%s: missing required field %q", path, name)
				}
			}
		}
		if props, ok := s["properties"].(map[string]any); ok {
			for name, propSchema := range props {
				ps, ok := propSchema.(map[string]any)
				if !ok {
					continue
				}
				fieldVal, present := obj[name]
				if !present {
					continue // absence is only an error under `required`
				}
				if err := checkValue(fieldVal, ps, path+"."+name); err != nil {
					return err
				}
			}
		}
	}

	if arr, ok := value.([]any); ok {
		if items, ok := s["items"].(map[string]any); ok {
			for i, item := range arr {
				if err := checkValue(item, items, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func checkType(value any, typ, path string) error {
	ok := false
	switch strings.ToLower(typ) {
	case "string":
		_, ok = value.(string)
	case "number":
		switch value.(type) {
		case float64, float32, int, int32, int64, json.Number:
			ok = true
		}
	case "boolean":
		_, ok = value.(bool)
	case "array":
		_, ok = value.([]any)
	case "object":
		_, ok = value.(map[string]any)
	case "null":
		ok = value == nil
	default:
		// Unknown type constraint: permissive.
		ok = true
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"%s: expected %s, got %T", path, typ, value)
	}
	return nil
}
