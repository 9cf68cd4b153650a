package blocks

import (
	"context"
	"encoding/json"

	"github.com/leadstitch/flowline/internal/engine"
	"github.com/leadstitch/flowline/pkg/schema"
)

// SubworkflowBlock runs a nested workflow definition in a child context.
// The child inherits variables, secrets, and the env allow-list but keeps
// its own execution ID and an isolated result map, so nested node IDs never
// collide with the parent's.
type SubworkflowBlock struct {
	orch *engine.Orchestrator
}

func (b *SubworkflowBlock) Execute(ctx context.Context, config map[string]any, input any, ec *engine.Context) (any, error) {
	raw, ok := config["workflow"]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "subworkflow: missing required config 'workflow'")
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "subworkflow: workflow config is not serializable").WithCause(err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(encoded, &def); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "subworkflow: invalid workflow definition").WithCause(err)
	}

	child := ec.Child(def.WorkflowID)
	result := b.orch.Execute(ctx, &def, child, input)

	switch result.Status {
	case schema.WorkflowStatusCompleted, schema.WorkflowStatusPartial:
		return map[string]any{
			"status":      string(result.Status),
			"executionId": result.ExecutionID,
			"output":      result.Output,
		}, nil
	default:
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"subworkflow %q finished with status %s", def.WorkflowID, result.Status)
	}
}
