package blocks

import (
	"context"

	"github.com/leadstitch/flowline/internal/engine"
	"github.com/leadstitch/flowline/internal/expressions"
	"github.com/leadstitch/flowline/pkg/schema"
)

// BranchBlock routes flow to a named output port. Edges downstream of a
// branch node carry a sourcePort and only the taken port's edges deliver.
//
// Two config shapes:
//
//	{ "condition": "<cel>", "truePort": "yes", "falsePort": "no" }
//	{ "rules": [{"when": "<cel>", "port": "a"}, ...], "defaultPort": "fallback" }
//
// Rules evaluate in order; the first true condition wins. The input passes
// through unchanged so downstream nodes see the routed data.
type BranchBlock struct {
	cel *expressions.CELEngine
}

func (b *BranchBlock) Execute(ctx context.Context, config map[string]any, input any, ec *engine.Context) (any, error) {
	if b.cel == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "branch: condition engine not configured")
	}

	scope := ec.Scope(input)
	data := map[string]any{
		"input":     asMap(input),
		"variables": scope.Variables,
		"workflow":  scope.Workflow,
	}

	port, err := b.selectPort(ctx, config, data)
	if err != nil {
		return nil, err
	}

	return &engine.BlockResult{
		Status: schema.NodeStatusCompleted,
		Output: input,
		Port:   port,
	}, nil
}

func (b *BranchBlock) selectPort(ctx context.Context, config map[string]any, data map[string]any) (string, error) {
	if cond := stringParam(config, "condition", ""); cond != "" {
		taken, err := b.evalCondition(ctx, cond, data)
		if err != nil {
			return "", err
		}
		if taken {
			return stringParam(config, "truePort", "true"), nil
		}
		return stringParam(config, "falsePort", "false"), nil
	}

	rules, ok := config["rules"].([]any)
	if !ok || len(rules) == 0 {
		return "", schema.NewError(schema.ErrCodeValidation,
			"branch: requires either 'condition' or a non-empty 'rules' list")
	}
	for i, raw := range rules {
		rule, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		when := stringParam(rule, "when", "")
		if when == "" {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "branch: rule %d has no 'when' condition", i)
		}
		taken, err := b.evalCondition(ctx, when, data)
		if err != nil {
			return "", err
		}
		if taken {
			port := stringParam(rule, "port", "")
			if port == "" {
				return "", schema.NewErrorf(schema.ErrCodeValidation, "branch: rule %d has no 'port'", i)
			}
			return port, nil
		}
	}
	return stringParam(config, "defaultPort", schema.DefaultPort), nil
}

func (b *BranchBlock) evalCondition(ctx context.Context, expr string, data map[string]any) (bool, error) {
	out, err := b.cel.Evaluate(ctx, expr, data)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"branch: condition %q failed: %s", expr, err.Error()).WithCause(err)
	}
	taken, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"branch: condition %q returned %T, want bool", expr, out)
	}
	return taken, nil
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
