package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/leadstitch/flowline/internal/expressions"
	"github.com/leadstitch/flowline/internal/logging"
	"github.com/leadstitch/flowline/pkg/schema"
)

// DefaultNodeTimeout bounds a single block execution unless overridden per
// node or via globals.
const DefaultNodeTimeout = 30 * time.Second

// BlockExecutor runs a single node through the full execution pipeline:
// cache lookup, input validation, config interpolation, registry dispatch
// under timeout and retry, output validation, cache store.
type BlockExecutor struct {
	registry *Registry
	cache    *ResultCache
	interp   *expressions.Interpolator
	logger   *slog.Logger
}

// NewBlockExecutor wires an executor. cache may be nil to disable caching
// entirely; logger nil discards.
func NewBlockExecutor(registry *Registry, cache *ResultCache, interp *expressions.Interpolator, logger *slog.Logger) *BlockExecutor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if interp == nil {
		interp = expressions.NewInterpolator(logger)
	}
	return &BlockExecutor{
		registry: registry,
		cache:    cache,
		interp:   interp,
		logger:   logger,
	}
}

// ExecuteNode runs one node and always returns a result, never an error:
// every failure mode is captured as a failed ExecutionResult so the
// orchestrator's error-handling policy stays the single place that decides
// what a failure means for the run.
func (e *BlockExecutor) ExecuteNode(ctx context.Context, node schema.Node, input any, ec *Context, globals *schema.Globals) *ExecutionResult {
	ctx = logging.WithNodeID(ctx, node.ID)
	start := time.Now().UTC()
	result := &ExecutionResult{
		NodeID:    node.ID,
		Status:    schema.NodeStatusRunning,
		Input:     input,
		StartTime: start,
	}
	logger := e.logger.With(slog.String("node_id", node.ID), slog.String("block_type", node.Type))

	finish := func(status schema.NodeStatus, output any, ferr *schema.FlowError) *ExecutionResult {
		result.Status = status
		result.Output = output
		result.Error = ferr
		result.EndTime = time.Now().UTC()
		result.ExecutionTime = result.EndTime.Sub(start)
		return result
	}

	// Step 1: cache lookup.
	cacheable := e.cache != nil && !ec.DisableCache && e.registry.Cacheable(node.Type)
	var cacheKey string
	if cacheable {
		cacheKey = CacheKey(node.ID, input)
		if cached, ok := e.cache.Get(cacheKey); ok {
			logger.DebugContext(ctx, "cache hit", slog.String("cache_key", cacheKey))
			result.CacheHit = true
			return finish(schema.NodeStatusCompleted, cached, nil)
		}
	}

	// Step 2: input schema. Validation failures never retry.
	if len(node.InputSchema) > 0 {
		if err := CheckSchema(input, node.InputSchema); err != nil {
			logger.WarnContext(ctx, "input validation failed", slog.String("error", err.Error()))
			return finish(schema.NodeStatusFailed, nil, asFlowError(err, node.ID))
		}
	}

	// Step 3: interpolate config against the execution scope.
	scope := ec.Scope(input)
	config, err := e.interp.InterpolateConfig(ctx, node.Config, scope)
	if err != nil {
		return finish(schema.NodeStatusFailed, nil, asFlowError(err, node.ID))
	}

	// Step 4: resolve the block. Unknown type is fatal, not retryable.
	block := e.registry.Create(node.Type)
	if block == nil {
		ferr := schema.NewErrorf(schema.ErrCodeUnknownBlock, "unknown block type %q", node.Type).WithNode(node.ID)
		logger.ErrorContext(ctx, "unknown block type")
		return finish(schema.NodeStatusFailed, nil, ferr)
	}

	// Step 5: execute under timeout and retry.
	timeout := nodeTimeout(config, globals)
	policy := nodePolicy(config, globals)
	condition := func(err error, attempt int) bool {
		return IsRetryableError(err, policy.RetryableMatches)
	}
	retrier := NewRetryExecutor(policy, condition, logger)

	raw, attempts, execErr := retrier.ExecuteWithStats(ctx, func(ctx context.Context) (any, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		done := make(chan struct{})
		var out any
		var blockErr error
		go func() {
			defer close(done)
			// Recover runs before done closes, so blockErr is settled by the
			// time the select observes the channel.
			defer func() {
				if r := recover(); r != nil {
					blockErr = schema.NewErrorf(schema.ErrCodeExecution,
						"node %q panicked: %v", node.ID, r).WithNode(node.ID)
				}
			}()
			out, blockErr = block.Execute(attemptCtx, config, input, ec)
		}()

		select {
		case <-done:
			return out, blockErr
		case <-attemptCtx.Done():
			if attemptCtx.Err() == context.DeadlineExceeded {
				return nil, schema.NewErrorf(schema.ErrCodeTimeout,
					"node %q timed out after %s", node.ID, timeout).WithNode(node.ID)
			}
			return nil, attemptCtx.Err()
		}
	})

	if execErr != nil {
		var retryErr *RetryError
		if re, ok := execErr.(*RetryError); ok {
			retryErr = re
			result.RetryCount = len(re.Attempts) - 1
		}
		ferr := asFlowError(execErr, node.ID)
		if retryErr != nil {
			ferr = asFlowError(retryErr.Last, node.ID)
		}
		logger.WarnContext(ctx, "node failed",
			slog.Int("retries", result.RetryCount),
			slog.String("error", ferr.Error()))
		return finish(schema.NodeStatusFailed, nil, ferr)
	}

	// Attempts that failed before the success are still retries.
	result.RetryCount = len(attempts)

	status, output, port := normalizeBlockOutput(raw)
	if port != "" {
		if result.Metadata == nil {
			result.Metadata = make(map[string]any, 1)
		}
		result.Metadata["port"] = port
	}

	// Step 6: output schema. A schema miss converts success to failure and
	// is not itself retried.
	if status == schema.NodeStatusCompleted && len(node.OutputSchema) > 0 {
		if err := CheckSchema(output, node.OutputSchema); err != nil {
			logger.WarnContext(ctx, "output validation failed", slog.String("error", err.Error()))
			return finish(schema.NodeStatusFailed, nil, asFlowError(err, node.ID))
		}
	}

	// Step 7: populate cache.
	if cacheable && status == schema.NodeStatusCompleted {
		e.cache.Put(cacheKey, output)
	}

	logger.DebugContext(ctx, "node completed",
		slog.Duration("duration", time.Since(start)),
		slog.Int("retries", result.RetryCount))
	return finish(status, output, nil)
}

// normalizeBlockOutput accepts both result shapes a block may return: an
// explicit *BlockResult, or a bare value treated as a completed output.
func normalizeBlockOutput(raw any) (schema.NodeStatus, any, string) {
	switch r := raw.(type) {
	case *BlockResult:
		if r == nil {
			return schema.NodeStatusCompleted, nil, ""
		}
		status := r.Status
		if status == "" {
			status = schema.NodeStatusCompleted
		}
		return status, r.Output, r.Port
	case BlockResult:
		status := r.Status
		if status == "" {
			status = schema.NodeStatusCompleted
		}
		return status, r.Output, r.Port
	default:
		return schema.NodeStatusCompleted, raw, ""
	}
}

// nodeTimeout resolves the attempt timeout: node config, then globals,
// then the default.
func nodeTimeout(config map[string]any, globals *schema.Globals) time.Duration {
	if s, ok := config["timeout"].(string); ok && s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	if globals != nil && globals.Timeout != "" {
		if d, err := time.ParseDuration(globals.Timeout); err == nil && d > 0 {
			return d
		}
	}
	return DefaultNodeTimeout
}

// nodePolicy resolves the retry policy: node config overrides globals;
// absent both means no retries.
func nodePolicy(config map[string]any, globals *schema.Globals) schema.RetryPolicy {
	if raw, ok := config["retryPolicy"]; ok {
		if encoded, err := json.Marshal(raw); err == nil {
			var p schema.RetryPolicy
			if err := json.Unmarshal(encoded, &p); err == nil {
				return p
			}
		}
	}
	if globals != nil && globals.RetryPolicy != nil {
		return *globals.RetryPolicy
	}
	return schema.RetryPolicy{}
}

// asFlowError coerces any error into a node-tagged *FlowError.
func asFlowError(err error, nodeID string) *schema.FlowError {
	if err == nil {
		return nil
	}
	if ferr, ok := err.(*schema.FlowError); ok {
		if ferr.NodeID == "" {
			return ferr.WithNode(nodeID)
		}
		return ferr
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithNode(nodeID).WithCause(err)
}
