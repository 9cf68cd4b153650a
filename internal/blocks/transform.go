package blocks

import (
	"context"

	"github.com/leadstitch/flowline/internal/engine"
	"github.com/leadstitch/flowline/internal/expressions"
	"github.com/leadstitch/flowline/pkg/schema"
)

// TransformBlock reshapes its input. Three modes:
//
//   - map: {targetField: dotPath} picks fields out of the input; values may
//     also be {{...}} templates for computed fields.
//   - template: an arbitrary object whose template strings are interpolated
//     against the full execution scope.
//   - jq: a jq program applied to the input.
type TransformBlock struct {
	interp *expressions.Interpolator
	jq     *expressions.GoJQEngine
}

func (b *TransformBlock) Execute(ctx context.Context, config map[string]any, input any, ec *engine.Context) (any, error) {
	mode := stringParam(config, "mode", "")
	if mode == "" {
		switch {
		case config["map"] != nil:
			mode = "map"
		case config["template"] != nil:
			mode = "template"
		case config["expression"] != nil:
			mode = "jq"
		}
	}

	scope := ec.Scope(input)

	switch mode {
	case "map":
		mapping := mapParam(config, "map")
		if mapping == nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "transform: map mode requires a 'map' object")
		}
		out := make(map[string]any, len(mapping))
		for field, raw := range mapping {
			path, ok := raw.(string)
			if !ok {
				out[field] = raw
				continue
			}
			if expressions.HasTemplate(path) {
				out[field] = b.interp.Interpolate(ctx, path, scope)
				continue
			}
			out[field] = engine.LookupPath(input, path)
		}
		return out, nil

	case "template":
		tmpl, ok := config["template"]
		if !ok {
			return nil, schema.NewError(schema.ErrCodeValidation, "transform: template mode requires a 'template' value")
		}
		return b.interp.InterpolateObject(ctx, tmpl, scope), nil

	case "jq":
		expr := stringParam(config, "expression", "")
		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "transform: jq mode requires an 'expression' string")
		}
		out, err := b.jq.EvaluateValue(ctx, expr, input)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "transform: jq evaluation failed: %s", err.Error()).WithCause(err)
		}
		return out, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "transform: unknown mode %q", mode)
	}
}
