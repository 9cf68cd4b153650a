package blocks

import (
	"context"

	"github.com/leadstitch/flowline/internal/engine"
	"github.com/leadstitch/flowline/internal/expressions"
)

// OutputBlock shapes the run's final output. With a "fields" mapping it
// projects selected values; otherwise the merged input passes through.
type OutputBlock struct {
	interp *expressions.Interpolator
}

func (b *OutputBlock) Execute(ctx context.Context, config map[string]any, input any, ec *engine.Context) (any, error) {
	fields := mapParam(config, "fields")
	if fields == nil {
		return input, nil
	}

	scope := ec.Scope(input)
	out := make(map[string]any, len(fields))
	for name, raw := range fields {
		path, ok := raw.(string)
		if !ok {
			out[name] = raw
			continue
		}
		if expressions.HasTemplate(path) {
			out[name] = b.interp.Interpolate(ctx, path, scope)
			continue
		}
		out[name] = engine.LookupPath(input, path)
	}
	return out, nil
}
