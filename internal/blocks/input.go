package blocks

import (
	"context"

	"github.com/leadstitch/flowline/internal/engine"
)

// InputBlock seeds a run: it passes the initial input through, layered over
// optional config defaults so callers can omit fields the workflow fills in.
type InputBlock struct{}

func (b *InputBlock) Execute(ctx context.Context, config map[string]any, input any, ec *engine.Context) (any, error) {
	defaults := mapParam(config, "defaults")
	if defaults == nil {
		if input == nil {
			return map[string]any{}, nil
		}
		return input, nil
	}
	return engine.DeepMerge(defaults, input), nil
}
