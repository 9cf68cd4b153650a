package validation

import (
	"fmt"

	"github.com/leadstitch/flowline/pkg/schema"
)

// validateStructure checks required top-level fields, node ID uniqueness,
// and edge endpoint references. Tags follow the reporting contract:
// "structure" for missing fields, "duplicate" for reused node IDs,
// "connection" for dangling edge endpoints.
func validateStructure(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if def.WorkflowID == "" {
		result.AddError("workflowId", schema.TagStructure, "workflowId is required")
	}
	if len(def.Nodes) == 0 {
		result.AddError("nodes", schema.TagStructure, "workflow has no nodes")
	}

	nodeIDs := make(map[string]bool, len(def.Nodes))
	for i, n := range def.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if n.ID == "" {
			result.AddError(path, schema.TagStructure, "node has empty id")
			continue
		}
		if n.Type == "" {
			result.AddError(path, schema.TagStructure, fmt.Sprintf("node %q has empty type", n.ID))
		}
		if nodeIDs[n.ID] {
			result.AddError(path, schema.TagDuplicate, fmt.Sprintf("Duplicate node ID: %s", n.ID))
			continue
		}
		nodeIDs[n.ID] = true
	}

	edgeIDs := make(map[string]bool, len(def.Edges))
	for i, e := range def.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if e.ID != "" {
			if edgeIDs[e.ID] {
				result.AddWarning(path, schema.TagDuplicate, fmt.Sprintf("duplicate edge ID: %s", e.ID))
			}
			edgeIDs[e.ID] = true
		}
		if e.Source == "" || e.Target == "" {
			result.AddError(path, schema.TagConnection, "edge is missing source or target")
			continue
		}
		if !nodeIDs[e.Source] {
			result.AddError(path, schema.TagConnection,
				fmt.Sprintf("edge %s references unknown source node %q", e.ID, e.Source))
		}
		if !nodeIDs[e.Target] {
			result.AddError(path, schema.TagConnection,
				fmt.Sprintf("edge %s references unknown target node %q", e.ID, e.Target))
		}
		if e.Source == e.Target && e.Source != "" {
			result.AddError(path, schema.TagDAG,
				fmt.Sprintf("edge %s connects node %q to itself", e.ID, e.Source))
		}
	}

	return result
}

// BlockCatalog is the registry view the validator needs to check block types
// and mock capability. Satisfied by *engine.Registry.
type BlockCatalog interface {
	Has(blockType string) bool
	MockCapable(blockType string) bool
}

// validateBlocks checks that every node's block type is registered, and that
// a workflow intended for demo/test execution is fully simulatable.
func validateBlocks(def *schema.WorkflowDefinition, catalog BlockCatalog, mode schema.ExecutionMode) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if catalog == nil {
		return result
	}

	for i, n := range def.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if n.Type == "" {
			continue // already reported by structure pass
		}
		if !catalog.Has(n.Type) {
			result.AddError(path, schema.TagStructure,
				fmt.Sprintf("node %q uses unregistered block type %q", n.ID, n.Type))
			continue
		}
		if mode.IsMock() && !catalog.MockCapable(n.Type) {
			result.AddWarning(path, schema.TagMockMode,
				fmt.Sprintf("node %q (block %q) cannot run without live external calls; %s mode will use degraded output",
					n.ID, n.Type, mode))
		}
	}

	return result
}
