package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leadstitch/flowline/internal/expressions"
	"github.com/leadstitch/flowline/pkg/schema"
)

// ProgressSink receives progress updates during a run. The orchestrator
// publishes to it after every node transition; presentation (CLI watch mode,
// event hub forwarding) lives entirely behind this interface so the context
// stays plain data.
type ProgressSink interface {
	Emit(p schema.Progress)
}

// ExecutionResult is the per-node outcome, owned exclusively by the context
// that produced it and read-only to downstream nodes.
type ExecutionResult struct {
	NodeID        string            `json:"nodeId"`
	Status        schema.NodeStatus `json:"status"`
	Input         any               `json:"input,omitempty"`
	Output        any               `json:"output,omitempty"`
	Error         *schema.FlowError `json:"error,omitempty"`
	ExecutionTime time.Duration     `json:"executionTime"`
	RetryCount    int               `json:"retryCount"`
	StartTime     time.Time         `json:"startTime"`
	EndTime       time.Time         `json:"endTime"`
	CacheHit      bool              `json:"cacheHit,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	Logs          []string          `json:"logs,omitempty"`
}

// RunMetadata summarizes node counts for a whole run.
type RunMetadata struct {
	TotalNodes     int           `json:"totalNodes"`
	CompletedNodes int           `json:"completedNodes"`
	FailedNodes    int           `json:"failedNodes"`
	SkippedNodes   int           `json:"skippedNodes"`
	ExecutionTime  time.Duration `json:"executionTime"`
}

// WorkflowExecutionResult is the immutable whole-run summary assembled once
// at the end of a run.
type WorkflowExecutionResult struct {
	ExecutionID string                      `json:"executionId"`
	WorkflowID  string                      `json:"workflowId"`
	Status      schema.WorkflowStatus       `json:"status"`
	Output      any                         `json:"output,omitempty"`
	Error       *schema.FlowError           `json:"error,omitempty"`
	NodeResults map[string]*ExecutionResult `json:"nodeResults"`
	Timeline    []schema.TimelineEvent      `json:"timeline,omitempty"`
	Metadata    RunMetadata                 `json:"metadata"`
}

// ContextOptions configures a new execution context.
type ContextOptions struct {
	WorkflowID   string
	Mode         schema.ExecutionMode
	Variables    map[string]any
	Secrets      map[string]string
	// Env is the explicit allow-list of environment values exposed to
	// templates. Arbitrary process environment never leaks into a run.
	Env          map[string]string
	Logger       *slog.Logger
	Progress     ProgressSink
	DisableCache bool
}

// Context is the mutable per-run state threaded through execution.
// The orchestrator owns the nodeResults map and writes each key exactly once;
// blocks read results via GetNodeOutput/GetNodeResult only.
type Context struct {
	WorkflowID  string
	ExecutionID string
	Mode        schema.ExecutionMode
	StartTime   time.Time

	Logger       *slog.Logger
	DisableCache bool

	mu          sync.RWMutex
	variables   map[string]any
	secrets     map[string]string
	env         map[string]string
	nodeResults map[string]*ExecutionResult
	progress    ProgressSink
}

// NewContext creates a run context with a generated execution ID.
func NewContext(opts ContextOptions) *Context {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	mode := opts.Mode
	if mode == "" {
		mode = schema.ModeProduction
	}

	c := &Context{
		WorkflowID:   opts.WorkflowID,
		ExecutionID:  uuid.NewString(),
		Mode:         mode,
		StartTime:    time.Now().UTC(),
		Logger:       logger,
		DisableCache: opts.DisableCache,
		variables:    make(map[string]any, len(opts.Variables)),
		secrets:      make(map[string]string, len(opts.Secrets)),
		env:          make(map[string]string, len(opts.Env)),
		nodeResults:  make(map[string]*ExecutionResult),
		progress:     opts.Progress,
	}
	for k, v := range opts.Variables {
		c.variables[k] = v
	}
	for k, v := range opts.Secrets {
		c.secrets[k] = v
	}
	for k, v := range opts.Env {
		c.env[k] = v
	}
	return c
}

// Child spawns a sub-workflow context: copied variables, secrets, and env,
// but an independent result map and its own execution ID.
func (c *Context) Child(workflowID string) *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()

	child := NewContext(ContextOptions{
		WorkflowID:   workflowID,
		Mode:         c.Mode,
		Variables:    c.variables,
		Secrets:      c.secrets,
		Env:          c.env,
		Logger:       c.Logger,
		Progress:     c.progress,
		DisableCache: c.DisableCache,
	})
	return child
}

// SetVariable stores a run variable.
func (c *Context) SetVariable(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[key] = value
}

// Variable returns a run variable.
func (c *Context) Variable(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[key]
	return v, ok
}

// SetSecret stores a secret. Secrets are write-once: overwriting an existing
// key is rejected so a block cannot silently rotate credentials mid-run.
func (c *Context) SetSecret(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.secrets[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "secret %q already set", key)
	}
	c.secrets[key] = value
	return nil
}

// setNodeResult records a node's result. Orchestrator-only; each key is
// written exactly once per run.
func (c *Context) setNodeResult(nodeID string, result *ExecutionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodeResults[nodeID] = result
}

// GetNodeResult returns the recorded result for a node, if any.
func (c *Context) GetNodeResult(nodeID string) (*ExecutionResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.nodeResults[nodeID]
	return r, ok
}

// GetNodeOutput returns a completed node's output. A node that has not
// executed resolves to (nil, false), never an error.
func (c *Context) GetNodeOutput(nodeID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.nodeResults[nodeID]
	if !ok || r.Status != schema.NodeStatusCompleted {
		return nil, false
	}
	return r.Output, true
}

// NodeResults returns a snapshot copy of all recorded results.
func (c *Context) NodeResults() map[string]*ExecutionResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*ExecutionResult, len(c.nodeResults))
	for k, v := range c.nodeResults {
		out[k] = v
	}
	return out
}

// Scope builds an interpolation scope for the given node input. Node outputs
// include completed nodes only, so templates observe no partial results.
func (c *Context) Scope(input any) *expressions.Scope {
	c.mu.RLock()
	defer c.mu.RUnlock()

	nodes := make(map[string]any, len(c.nodeResults))
	for id, r := range c.nodeResults {
		if r.Status == schema.NodeStatusCompleted {
			nodes[id] = r.Output
		}
	}

	vars := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		vars[k] = v
	}
	secrets := make(map[string]string, len(c.secrets))
	for k, v := range c.secrets {
		secrets[k] = v
	}
	env := make(map[string]string, len(c.env))
	for k, v := range c.env {
		env[k] = v
	}

	return &expressions.Scope{
		Input:     input,
		Variables: vars,
		Secrets:   secrets,
		Env:       env,
		Nodes:     nodes,
		Workflow: map[string]any{
			"id":          c.WorkflowID,
			"executionId": c.ExecutionID,
			"mode":        string(c.Mode),
			"startTime":   c.StartTime.Format(time.RFC3339),
		},
	}
}

// SetProgressSink replaces the progress sink. Runners use this when the
// sink needs the generated execution ID, which only exists after NewContext.
func (c *Context) SetProgressSink(s ProgressSink) {
	c.mu.Lock()
	c.progress = s
	c.mu.Unlock()
}

// EmitProgress forwards a progress update to the configured sink, if any.
func (c *Context) EmitProgress(percentage float64, event schema.TimelineEvent) {
	c.mu.RLock()
	sink := c.progress
	c.mu.RUnlock()
	if sink != nil {
		sink.Emit(schema.Progress{Percentage: percentage, Event: event})
	}
}
