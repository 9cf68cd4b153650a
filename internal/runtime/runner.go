// Package runtime assembles the engine, store, vault, and event hub into a
// single entry point for running workflows. The CLI, MCP server, and
// scheduler all run workflows through a Runner so every run is validated,
// persisted, and streamed the same way.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/leadstitch/flowline/internal/blocks"
	"github.com/leadstitch/flowline/internal/engine"
	"github.com/leadstitch/flowline/internal/expressions"
	"github.com/leadstitch/flowline/internal/logging"
	"github.com/leadstitch/flowline/internal/secrets"
	"github.com/leadstitch/flowline/internal/store"
	"github.com/leadstitch/flowline/internal/streaming"
	"github.com/leadstitch/flowline/internal/validation"
	"github.com/leadstitch/flowline/pkg/schema"
)

const (
	defaultCacheTTL     = 5 * time.Minute
	defaultCacheEntries = 256
)

// Options configure a Runner. Store is required; everything else has a
// working default.
type Options struct {
	Store  store.Store
	Vault  secrets.Vault
	Hub    streaming.EventHub
	Logger *slog.Logger

	// EnvAllowlist names the process environment variables exposed to
	// templates as {{env.NAME}}. Empty means no env access at all.
	EnvAllowlist []string

	CacheTTL     time.Duration
	CacheEntries int
	HTTP         blocks.HTTPConfig
}

// Runner owns a fully wired engine and runs workflows against it.
type Runner struct {
	store     store.Store
	vault     secrets.Vault
	hub       streaming.EventHub
	logger    *slog.Logger
	envAllow  []string
	registry  *engine.Registry
	validator *validation.Validator
	orch      *engine.Orchestrator
}

// NewRunner wires expression engines, block registry, executor, and
// orchestrator. The registry is populated with the built-in block library.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("runtime: store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	entries := opts.CacheEntries
	if entries <= 0 {
		entries = defaultCacheEntries
	}

	interp := expressions.NewInterpolator(logger)
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("runtime: init cel engine: %w", err)
	}
	jq := expressions.NewGoJQEngine()
	exprEng := expressions.NewExprEngine()

	registry := engine.NewRegistry()
	validator, err := validation.NewValidator(registry)
	if err != nil {
		return nil, fmt.Errorf("runtime: init validator: %w", err)
	}

	cache := engine.NewResultCache(ttl, entries)
	executor := engine.NewBlockExecutor(registry, cache, interp, logger)
	adapters := engine.NewAdapterApplier(interp, exprEng)
	orch := engine.NewOrchestrator(validator, executor, adapters, logger)

	if err := blocks.RegisterBuiltins(registry, blocks.Deps{
		Logger:       logger,
		Interpolator: interp,
		CEL:          cel,
		JQ:           jq,
		Expr:         exprEng,
		Orchestrator: orch,
		HTTP:         opts.HTTP,
	}); err != nil {
		return nil, fmt.Errorf("runtime: register blocks: %w", err)
	}

	return &Runner{
		store:     opts.Store,
		vault:     opts.Vault,
		hub:       opts.Hub,
		logger:    logger,
		envAllow:  opts.EnvAllowlist,
		registry:  registry,
		validator: validator,
		orch:      orch,
	}, nil
}

// Store returns the persistence layer the runner was built with.
func (r *Runner) Store() store.Store { return r.store }

// Hub returns the event hub, or nil if streaming is disabled.
func (r *Runner) Hub() streaming.EventHub { return r.hub }

// Validator returns the workflow validator backed by the block registry.
func (r *Runner) Validator() *validation.Validator { return r.validator }

// Registry returns the block registry.
func (r *Runner) Registry() *engine.Registry { return r.registry }

// Vault returns the secret vault, or nil when none is configured.
func (r *Runner) Vault() secrets.Vault { return r.vault }

// RunOptions configure a single workflow run.
type RunOptions struct {
	Mode         schema.ExecutionMode
	Input        any
	Variables    map[string]any
	DisableCache bool
}

// RunWorkflow validates and executes a definition, persisting the execution
// record, per-node records, and the event timeline. Execution outcomes
// (failed, partial, cancelled) are reported in the result, not as an error;
// the error return covers infrastructure failures only.
func (r *Runner) RunWorkflow(ctx context.Context, def *schema.WorkflowDefinition, opts RunOptions) (*engine.WorkflowExecutionResult, error) {
	secretVals, err := r.resolveSecrets(ctx, opts.Mode)
	if err != nil {
		return nil, err
	}

	ec := engine.NewContext(engine.ContextOptions{
		WorkflowID:   def.WorkflowID,
		Mode:         opts.Mode,
		Variables:    opts.Variables,
		Secrets:      secretVals,
		Env:          r.allowedEnv(),
		Logger:       r.logger,
		DisableCache: opts.DisableCache,
	})
	ec.SetProgressSink(r.newRunSink(ec.ExecutionID, def.WorkflowID))

	ctx = logging.WithWorkflowID(ctx, def.WorkflowID)
	ctx = logging.WithExecutionID(ctx, ec.ExecutionID)

	inputJSON := marshalOrNil(opts.Input)
	started := time.Now().UTC()
	if err := r.store.CreateExecution(ctx, &store.ExecutionRecord{
		ID:         ec.ExecutionID,
		WorkflowID: def.WorkflowID,
		Status:     schema.WorkflowStatusRunning,
		Mode:       ec.Mode,
		Input:      inputJSON,
		StartedAt:  started,
	}); err != nil {
		return nil, fmt.Errorf("runtime: create execution record: %w", err)
	}

	result := r.orch.Execute(ctx, def, ec, opts.Input)

	r.persistNodeResults(ctx, result)
	r.finishExecution(ctx, result, started)
	return result, nil
}

// RunByID loads a stored workflow definition and runs it.
func (r *Runner) RunByID(ctx context.Context, workflowID string, opts RunOptions) (*engine.WorkflowExecutionResult, error) {
	rec, err := r.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	def := rec.Definition
	if def.WorkflowID == "" {
		def.WorkflowID = rec.ID
	}
	return r.RunWorkflow(ctx, &def, opts)
}

// RunScheduled satisfies the scheduler's runner contract. Scheduled runs
// always execute in production mode with caching enabled.
func (r *Runner) RunScheduled(ctx context.Context, workflowID string, input json.RawMessage) error {
	var in any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "schedule input for %q is not valid JSON: %v", workflowID, err)
		}
	}
	result, err := r.RunByID(ctx, workflowID, RunOptions{Mode: schema.ModeProduction, Input: in})
	if err != nil {
		return err
	}
	if result.Error != nil && result.Status != schema.WorkflowStatusPartial {
		return result.Error
	}
	return nil
}

func (r *Runner) resolveSecrets(ctx context.Context, mode schema.ExecutionMode) (map[string]string, error) {
	if r.vault == nil || mode.IsMock() {
		// Mock runs never see live credentials.
		return nil, nil
	}
	vals, err := r.vault.ResolveAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("runtime: resolve secrets: %w", err)
	}
	return vals, nil
}

func (r *Runner) allowedEnv() map[string]string {
	if len(r.envAllow) == 0 {
		return nil
	}
	env := make(map[string]string, len(r.envAllow))
	for _, name := range r.envAllow {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}
	return env
}

// persistNodeResults writes one record per settled node. Best effort: a slow
// disk must not turn a finished run into an error.
func (r *Runner) persistNodeResults(ctx context.Context, result *engine.WorkflowExecutionResult) {
	for nodeID, nr := range result.NodeResults {
		rec := &store.NodeExecutionRecord{
			ExecutionID: result.ExecutionID,
			NodeID:      nodeID,
			Status:      nr.Status,
			Output:      marshalOrNil(nr.Output),
			RetryCount:  nr.RetryCount,
			CacheHit:    nr.CacheHit,
			StartedAt:   nr.StartTime,
			CompletedAt: &nr.EndTime,
			DurationMs:  nr.ExecutionTime.Milliseconds(),
		}
		if nr.Error != nil {
			rec.Error = marshalOrNil(nr.Error)
		}
		if err := r.store.SaveNodeExecution(ctx, rec); err != nil {
			r.logger.Error("failed to persist node execution",
				slog.String("execution_id", result.ExecutionID),
				slog.String("node_id", nodeID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (r *Runner) finishExecution(ctx context.Context, result *engine.WorkflowExecutionResult, started time.Time) {
	completed := time.Now().UTC()
	rec := &store.ExecutionRecord{
		ID:          result.ExecutionID,
		WorkflowID:  result.WorkflowID,
		Status:      result.Status,
		Output:      marshalOrNil(result.Output),
		CompletedAt: &completed,
		DurationMs:  completed.Sub(started).Milliseconds(),
	}
	if result.Error != nil {
		rec.Error = marshalOrNil(result.Error)
	}
	if err := r.store.FinishExecution(ctx, rec); err != nil {
		r.logger.Error("failed to finish execution record",
			slog.String("execution_id", result.ExecutionID),
			slog.String("error", err.Error()),
		)
	}
}

// newRunSink builds the progress sink for one run: every event is appended
// to the store timeline and, when a hub is configured, fanned out to
// subscribers.
func (r *Runner) newRunSink(executionID, workflowID string) engine.ProgressSink {
	sink := &runSink{
		store:       r.store,
		logger:      r.logger,
		executionID: executionID,
	}
	if r.hub != nil {
		sink.bridge = streaming.NewProgressBridge(r.hub, executionID, workflowID)
	}
	return sink
}

// runSink persists timeline events and forwards them to the stream bridge.
type runSink struct {
	store       store.Store
	bridge      *streaming.ProgressBridge
	logger      *slog.Logger
	executionID string
}

func (s *runSink) Emit(p schema.Progress) {
	rec := &store.EventRecord{
		ExecutionID: s.executionID,
		NodeID:      p.Event.NodeID,
		Event:       p.Event.Event,
		Details:     marshalOrNil(p.Event.Details),
		Timestamp:   p.Event.Timestamp,
	}
	if err := s.store.AppendEvent(context.Background(), rec); err != nil {
		s.logger.Warn("failed to append timeline event",
			slog.String("execution_id", s.executionID),
			slog.String("event", p.Event.Event),
			slog.String("error", err.Error()),
		)
	}
	if s.bridge != nil {
		s.bridge.Emit(p)
	}
}

func marshalOrNil(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
