package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/leadstitch/flowline/pkg/schema"
)

// definitionSchemaJSON is the JSON Schema for the workflow definition format.
// Embedded as a constant to avoid filesystem dependencies.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowline.dev/schemas/workflow.json",
  "type": "object",
  "required": ["workflowId", "nodes", "edges"],
  "properties": {
    "workflowId": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "version": { "type": ["number", "string"] },
    "description": { "type": "string" },
    "metadata": { "type": "object" },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "globals": { "$ref": "#/$defs/globals" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "description": { "type": "string" },
        "config": { "type": "object" },
        "inputSchema": { "type": "object" },
        "outputSchema": { "type": "object" }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["id", "source", "target"],
      "properties": {
        "id": { "type": "string" },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "sourcePort": { "type": "string" },
        "adapter": { "$ref": "#/$defs/adapter" }
      },
      "additionalProperties": false
    },
    "adapter": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "type": "string", "enum": ["map", "template", "expr"] },
        "map": { "type": "object", "additionalProperties": { "type": "string" } },
        "template": { "type": "object", "additionalProperties": { "type": "string" } },
        "expr": { "type": "string" }
      },
      "additionalProperties": false
    },
    "globals": {
      "type": "object",
      "properties": {
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "retryPolicy": { "$ref": "#/$defs/retry" },
        "errorHandling": { "type": "string", "enum": ["continue", "abort"] },
        "maxParallelNodes": { "type": "integer", "minimum": 1 },
        "flags": { "type": "object" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["maxRetries"],
      "properties": {
        "maxRetries": { "type": "integer", "minimum": 0 },
        "initialDelay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "backoffMultiplier": { "type": "number", "minimum": 1 },
        "maxDelay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "jitterAmount": { "type": "number", "minimum": 0, "maximum": 1 },
        "retryableMatches": {
          "type": "array",
          "items": { "type": "string" }
        }
      },
      "additionalProperties": false
    }
  }
}`

// definitionSchema validates raw workflow definitions against the embedded
// JSON Schema. Safe for concurrent use once compiled.
type definitionSchema struct {
	compiled *jsonschema.Schema
}

// newDefinitionSchema compiles the embedded workflow definition schema.
func newDefinitionSchema() (*definitionSchema, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://flowline.dev/schemas/workflow.json", doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	compiled, err := c.Compile("https://flowline.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &definitionSchema{compiled: compiled}, nil
}

// validateRaw checks a raw JSON definition against the format schema.
// Violations are reported as "structure"-tagged errors.
func (d *definitionSchema) validateRaw(raw json.RawMessage) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		result.AddError("", schema.TagStructure, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return result
	}

	if err := d.compiled.Validate(doc); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			for _, cause := range flattenCauses(ve) {
				result.AddError(
					"/"+strings.Join(cause.InstanceLocation, "/"),
					schema.TagStructure,
					cause.Error(),
				)
			}
		} else {
			result.AddError("", schema.TagStructure, err.Error())
		}
	}

	return result
}

// flattenCauses collects leaf validation errors from the cause tree.
func flattenCauses(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var leaves []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		leaves = append(leaves, flattenCauses(c)...)
	}
	return leaves
}
