package validation

import (
	"encoding/json"
	"fmt"

	"github.com/leadstitch/flowline/pkg/schema"
)

// Validator statically checks workflow definitions before execution.
// Validation is non-mutating and safe to call repeatedly; a single call
// runs one pass over nodes and edges plus one DFS.
type Validator struct {
	format  *definitionSchema
	catalog BlockCatalog
}

// NewValidator creates a Validator. The catalog is optional; without it,
// block-type existence and mock-capability checks are skipped.
func NewValidator(catalog BlockCatalog) (*Validator, error) {
	format, err := newDefinitionSchema()
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	return &Validator{format: format, catalog: catalog}, nil
}

// Validate runs all structural checks over a parsed definition:
// required fields, node ID uniqueness, edge references, acyclicity,
// and block-type registration.
func (v *Validator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	return v.ValidateForMode(def, schema.ModeProduction)
}

// ValidateForMode additionally checks mock capability when the workflow is
// intended for a demo or test run.
func (v *Validator) ValidateForMode(def *schema.WorkflowDefinition, mode schema.ExecutionMode) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("", schema.TagStructure, "workflow definition is nil")
		return result
	}

	result.Merge(validateStructure(def))
	if !result.Valid() {
		// Graph analysis over a malformed definition would double-report.
		return result
	}

	result.Merge(validateDAG(def))
	result.Merge(validateBlocks(def, v.catalog, mode))
	return result
}

// ValidateRaw validates a raw JSON definition against the format schema and,
// when it parses, runs the full structural pipeline too.
func (v *Validator) ValidateRaw(raw json.RawMessage) *schema.ValidationResult {
	result := v.format.validateRaw(raw)
	if !result.Valid() {
		return result
	}

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		result.AddError("", schema.TagStructure, fmt.Sprintf("decode definition: %s", err.Error()))
		return result
	}

	result.Merge(v.Validate(&def))
	return result
}
