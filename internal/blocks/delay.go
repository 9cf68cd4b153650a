package blocks

import (
	"context"
	"time"

	"github.com/leadstitch/flowline/internal/engine"
	"github.com/leadstitch/flowline/pkg/schema"
)

// maxMockDelay caps how long delay nodes sleep in demo and test runs.
const maxMockDelay = 10 * time.Millisecond

// DelayBlock pauses the flow for a configured duration, passing its input
// through. Demo and test runs truncate the sleep so fixtures stay fast.
type DelayBlock struct{}

func (b *DelayBlock) Execute(ctx context.Context, config map[string]any, input any, ec *engine.Context) (any, error) {
	spec := stringParam(config, "duration", "")
	if spec == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "delay: missing required config 'duration'")
	}
	d, err := time.ParseDuration(spec)
	if err != nil || d < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "delay: invalid duration %q", spec)
	}

	if ec.Mode.IsMock() && d > maxMockDelay {
		d = maxMockDelay
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return input, nil
}
