package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadstitch/flowline/pkg/schema"
)

type funcBlock struct {
	fn func(ctx context.Context, config map[string]any, input any, ec *Context) (any, error)
}

func (b funcBlock) Execute(ctx context.Context, config map[string]any, input any, ec *Context) (any, error) {
	return b.fn(ctx, config, input, ec)
}

func registerFunc(t *testing.T, r *Registry, typ string, meta BlockMetadata, fn func(ctx context.Context, config map[string]any, input any, ec *Context) (any, error)) {
	t.Helper()
	require.NoError(t, r.Register(typ, func() Block { return funcBlock{fn: fn} }, meta))
}

func newTestExecutor(t *testing.T, setup func(*Registry)) (*BlockExecutor, *Context) {
	t.Helper()
	reg := NewRegistry()
	if setup != nil {
		setup(reg)
	}
	exec := NewBlockExecutor(reg, NewResultCache(time.Minute, 16), nil, nil)
	ec := NewContext(ContextOptions{WorkflowID: "wf-test"})
	return exec, ec
}

func TestExecuteNode_Success(t *testing.T) {
	exec, ec := newTestExecutor(t, func(r *Registry) {
		registerFunc(t, r, "double", BlockMetadata{}, func(ctx context.Context, config map[string]any, input any, ec *Context) (any, error) {
			n := input.(map[string]any)["n"].(float64)
			return map[string]any{"n": n * 2}, nil
		})
	})

	res := exec.ExecuteNode(context.Background(), schema.Node{ID: "a", Type: "double"},
		map[string]any{"n": 21.0}, ec, nil)

	assert.Equal(t, schema.NodeStatusCompleted, res.Status)
	assert.Equal(t, map[string]any{"n": 42.0}, res.Output)
	assert.Nil(t, res.Error)
	assert.False(t, res.CacheHit)
	assert.False(t, res.EndTime.Before(res.StartTime))
}

func TestExecuteNode_UnknownBlockType(t *testing.T) {
	exec, ec := newTestExecutor(t, nil)

	res := exec.ExecuteNode(context.Background(), schema.Node{ID: "a", Type: "ghost"}, nil, ec, nil)

	assert.Equal(t, schema.NodeStatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeUnknownBlock, res.Error.Code)
	assert.Equal(t, "a", res.Error.NodeID)
}

func TestExecuteNode_InputSchemaRejects(t *testing.T) {
	calls := 0
	exec, ec := newTestExecutor(t, func(r *Registry) {
		registerFunc(t, r, "b", BlockMetadata{}, func(ctx context.Context, config map[string]any, input any, ec *Context) (any, error) {
			calls++
			return nil, nil
		})
	})

	node := schema.Node{
		ID: "a", Type: "b",
		InputSchema: json.RawMessage(`{"type":"object","required":["name"]}`),
	}
	res := exec.ExecuteNode(context.Background(), node, map[string]any{}, ec, nil)

	assert.Equal(t, schema.NodeStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeValidation, res.Error.Code)
	assert.Equal(t, 0, calls, "block never runs on invalid input")
	assert.Equal(t, 0, res.RetryCount, "validation failures are not retried")
}

func TestExecuteNode_OutputSchemaConvertsToFailure(t *testing.T) {
	exec, ec := newTestExecutor(t, func(r *Registry) {
		registerFunc(t, r, "b", BlockMetadata{}, func(ctx context.Context, config map[string]any, input any, ec *Context) (any, error) {
			return map[string]any{"status": "done"}, nil
		})
	})

	node := schema.Node{
		ID: "a", Type: "b",
		OutputSchema: json.RawMessage(`{"type":"object","required":["result"]}`),
	}
	res := exec.ExecuteNode(context.Background(), node, nil, ec, nil)

	assert.Equal(t, schema.NodeStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeValidation, res.Error.Code)
	assert.Nil(t, res.Output)
}

func TestExecuteNode_ConfigInterpolation(t *testing.T) {
	var seen map[string]any
	exec, ec := newTestExecutor(t, func(r *Registry) {
		registerFunc(t, r, "b", BlockMetadata{}, func(ctx context.Context, config map[string]any, input any, ec *Context) (any, error) {
			seen = config
			return nil, nil
		})
	})
	ec.SetVariable("region", "eu-west")

	node := schema.Node{
		ID: "a", Type: "b",
		Config: json.RawMessage(`{"url":"https://{{variables.region}}.example.com","plain":1}`),
	}
	res := exec.ExecuteNode(context.Background(), node, nil, ec, nil)

	require.Equal(t, schema.NodeStatusCompleted, res.Status)
	assert.Equal(t, "https://eu-west.example.com", seen["url"])
	assert.Equal(t, 1.0, seen["plain"])
}

func TestExecuteNode_RetriesTransientFailures(t *testing.T) {
	var calls int64
	exec, ec := newTestExecutor(t, func(r *Registry) {
		registerFunc(t, r, "flaky", BlockMetadata{}, func(ctx context.Context, config map[string]any, input any, ec *Context) (any, error) {
			if atomic.AddInt64(&calls, 1) < 3 {
				return nil, errors.New("connection reset")
			}
			return "ok", nil
		})
	})

	node := schema.Node{
		ID: "a", Type: "flaky",
		Config: json.RawMessage(`{"retryPolicy":{"maxRetries":3,"initialDelay":"1ms"}}`),
	}
	res := exec.ExecuteNode(context.Background(), node, nil, ec, nil)

	assert.Equal(t, schema.NodeStatusCompleted, res.Status)
	assert.Equal(t, "ok", res.Output)
	assert.EqualValues(t, 3, atomic.LoadInt64(&calls))
}

func TestExecuteNode_SuccessAfterRetriesRecordsCount(t *testing.T) {
	var calls int64
	exec, ec := newTestExecutor(t, func(r *Registry) {
		registerFunc(t, r, "flaky", BlockMetadata{}, func(ctx context.Context, config map[string]any, input any, ec *Context) (any, error) {
			if atomic.AddInt64(&calls, 1) < 3 {
				return nil, errors.New("connection reset")
			}
			return "ok", nil
		})
	})

	node := schema.Node{
		ID: "a", Type: "flaky",
		Config: json.RawMessage(`{"retryPolicy":{"maxRetries":3,"initialDelay":"1ms"}}`),
	}
	res := exec.ExecuteNode(context.Background(), node, nil, ec, nil)

	assert.Equal(t, schema.NodeStatusCompleted, res.Status)
	assert.Equal(t, 2, res.RetryCount, "two failed attempts preceded the success")
	assert.Nil(t, res.Error)
}

func TestExecuteNode_PanickingBlockFailsNode(t *testing.T) {
	exec, ec := newTestExecutor(t, func(r *Registry) {
		registerFunc(t, r, "volatile", BlockMetadata{}, func(ctx context.Context, config map[string]any, input any, ec *Context) (any, error) {
			panic("nil map write")
		})
	})

	res := exec.ExecuteNode(context.Background(), schema.Node{ID: "a", Type: "volatile"}, nil, ec, nil)

	assert.Equal(t, schema.NodeStatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeExecution, res.Error.Code)
	assert.Contains(t, res.Error.Message, "panicked")
	assert.Equal(t, "a", res.Error.NodeID)
}

func TestExecuteNode_ExhaustedRetriesRecordCount(t *testing.T) {
	exec, ec := newTestExecutor(t, func(r *Registry) {
		registerFunc(t, r, "broken", BlockMetadata{}, func(ctx context.Context, config map[string]any, input any, ec *Context) (any, error) {
			return nil, errors.New("network down")
		})
	})

	node := schema.Node{
		ID: "a", Type: "broken",
		Config: json.RawMessage(`{"retryPolicy":{"maxRetries":2,"initialDelay":"1ms"}}`),
	}
	res := exec.ExecuteNode(context.Background(), node, nil, ec, nil)

	assert.Equal(t, schema.NodeStatusFailed, res.Status)
	assert.Equal(t, 2, res.RetryCount)
	require.NotNil(t, res.Error)
	assert.Contains(t, res.Error.Message, "network down")
}

func TestExecuteNode_NonRetryableErrorFailsFast(t *testing.T) {
	var calls int64
	exec, ec := newTestExecutor(t, func(r *Registry) {
		registerFunc(t, r, "b", BlockMetadata{}, func(ctx context.Context, config map[string]any, input any, ec *Context) (any, error) {
			atomic.AddInt64(&calls, 1)
			return nil, schema.NewError(schema.ErrCodeValidation, "bad request")
		})
	})

	node := schema.Node{
		ID: "a", Type: "b",
		Config: json.RawMessage(`{"retryPolicy":{"maxRetries":5,"initialDelay":"1ms"}}`),
	}
	res := exec.ExecuteNode(context.Background(), node, nil, ec, nil)

	assert.Equal(t, schema.NodeStatusFailed, res.Status)
	assert.EqualValues(t, 1, atomic.LoadInt64(&calls))
	assert.Equal(t, schema.ErrCodeValidation, res.Error.Code)
}

func TestExecuteNode_Timeout(t *testing.T) {
	exec, ec := newTestExecutor(t, func(r *Registry) {
		registerFunc(t, r, "slow", BlockMetadata{}, func(ctx context.Context, config map[string]any, input any, ec *Context) (any, error) {
			select {
			case <-time.After(5 * time.Second):
				return "late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
	})

	node := schema.Node{
		ID: "a", Type: "slow",
		Config: json.RawMessage(`{"timeout":"20ms"}`),
	}
	res := exec.ExecuteNode(context.Background(), node, nil, ec, nil)

	assert.Equal(t, schema.NodeStatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeTimeout, res.Error.Code)
	assert.Contains(t, res.Error.Message, "timed out after")
}

func TestExecuteNode_CacheRoundTrip(t *testing.T) {
	var calls int64
	exec, ec := newTestExecutor(t, func(r *Registry) {
		registerFunc(t, r, "pure", BlockMetadata{Cacheable: true}, func(ctx context.Context, config map[string]any, input any, ec *Context) (any, error) {
			atomic.AddInt64(&calls, 1)
			return "computed", nil
		})
	})

	node := schema.Node{ID: "a", Type: "pure"}
	input := map[string]any{"x": 1.0}

	first := exec.ExecuteNode(context.Background(), node, input, ec, nil)
	assert.False(t, first.CacheHit)

	second := exec.ExecuteNode(context.Background(), node, input, ec, nil)
	assert.True(t, second.CacheHit)
	assert.Equal(t, "computed", second.Output)
	assert.EqualValues(t, 1, atomic.LoadInt64(&calls))

	// Different input misses.
	third := exec.ExecuteNode(context.Background(), node, map[string]any{"x": 2.0}, ec, nil)
	assert.False(t, third.CacheHit)
	assert.EqualValues(t, 2, atomic.LoadInt64(&calls))
}

func TestExecuteNode_CacheDisabledByContext(t *testing.T) {
	var calls int64
	reg := NewRegistry()
	registerFunc(t, reg, "pure", BlockMetadata{Cacheable: true}, func(ctx context.Context, config map[string]any, input any, ec *Context) (any, error) {
		atomic.AddInt64(&calls, 1)
		return "v", nil
	})
	exec := NewBlockExecutor(reg, NewResultCache(time.Minute, 16), nil, nil)
	ec := NewContext(ContextOptions{WorkflowID: "wf", DisableCache: true})

	node := schema.Node{ID: "a", Type: "pure"}
	_ = exec.ExecuteNode(context.Background(), node, nil, ec, nil)
	res := exec.ExecuteNode(context.Background(), node, nil, ec, nil)

	assert.False(t, res.CacheHit)
	assert.EqualValues(t, 2, atomic.LoadInt64(&calls))
}

func TestExecuteNode_BlockResultPort(t *testing.T) {
	exec, ec := newTestExecutor(t, func(r *Registry) {
		registerFunc(t, r, "branch", BlockMetadata{}, func(ctx context.Context, config map[string]any, input any, ec *Context) (any, error) {
			return &BlockResult{Status: schema.NodeStatusCompleted, Output: input, Port: "true"}, nil
		})
	})

	res := exec.ExecuteNode(context.Background(), schema.Node{ID: "a", Type: "branch"},
		map[string]any{"v": 1.0}, ec, nil)

	assert.Equal(t, schema.NodeStatusCompleted, res.Status)
	assert.Equal(t, "true", res.Metadata["port"])
	assert.Equal(t, map[string]any{"v": 1.0}, res.Output)
}

func TestExecuteNode_GlobalsRetryPolicyFallback(t *testing.T) {
	var calls int64
	exec, ec := newTestExecutor(t, func(r *Registry) {
		registerFunc(t, r, "flaky", BlockMetadata{}, func(ctx context.Context, config map[string]any, input any, ec *Context) (any, error) {
			if atomic.AddInt64(&calls, 1) < 2 {
				return nil, errors.New("temporary glitch")
			}
			return "ok", nil
		})
	})

	globals := &schema.Globals{
		RetryPolicy: &schema.RetryPolicy{MaxRetries: 2, InitialDelay: "1ms"},
	}
	res := exec.ExecuteNode(context.Background(), schema.Node{ID: "a", Type: "flaky"}, nil, ec, globals)

	assert.Equal(t, schema.NodeStatusCompleted, res.Status)
	assert.EqualValues(t, 2, atomic.LoadInt64(&calls))
}

func TestNormalizeBlockOutput(t *testing.T) {
	status, out, port := normalizeBlockOutput("bare")
	assert.Equal(t, schema.NodeStatusCompleted, status)
	assert.Equal(t, "bare", out)
	assert.Empty(t, port)

	status, out, port = normalizeBlockOutput(&BlockResult{Output: 1, Port: "left"})
	assert.Equal(t, schema.NodeStatusCompleted, status)
	assert.Equal(t, 1, out)
	assert.Equal(t, "left", port)

	status, _, _ = normalizeBlockOutput((*BlockResult)(nil))
	assert.Equal(t, schema.NodeStatusCompleted, status)
}
