package schema

import (
	"encoding/json"
	"time"
)

// WorkflowDefinition is the JSON-serializable workflow blueprint.
// Authored by pipeline designers or loaded from the store; immutable at runtime.
type WorkflowDefinition struct {
	WorkflowID  string         `json:"workflowId"`
	Name        string         `json:"name"`
	Version     json.Number    `json:"version,omitempty"`
	Description string         `json:"description,omitempty"`
	Nodes       []Node         `json:"nodes"`
	Edges       []Edge         `json:"edges"`
	Globals     *Globals       `json:"globals,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Node is a block instance placed in a workflow. It carries no runtime
// state; per-run state lives in ExecutionResult.
type Node struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Name         string          `json:"name,omitempty"`
	Description  string          `json:"description,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// DefaultPort is the source port an edge matches when none is declared.
const DefaultPort = "out"

// Edge is a directed data-flow connection between two nodes.
type Edge struct {
	ID         string       `json:"id"`
	Source     string       `json:"source"`
	Target     string       `json:"target"`
	SourcePort string       `json:"sourcePort,omitempty"`
	Adapter    *EdgeAdapter `json:"adapter,omitempty"`
}

// Port returns the effective source port of the edge.
func (e Edge) Port() string {
	if e.SourcePort == "" {
		return DefaultPort
	}
	return e.SourcePort
}

// AdapterKind enumerates edge adapter strategies.
type AdapterKind string

const (
	AdapterMap      AdapterKind = "map"
	AdapterTemplate AdapterKind = "template"
	AdapterExpr     AdapterKind = "expr"
)

// EdgeAdapter transforms a source node's output before it is merged into the
// target's input. Exactly one strategy applies, selected by Type.
type EdgeAdapter struct {
	Type AdapterKind `json:"type"`
	// Map: target field → dot-path into the source output, or a {{...}} template.
	Map map[string]string `json:"map,omitempty"`
	// Template: target field → template string.
	Template map[string]string `json:"template,omitempty"`
	// Expr: a sandboxed expression receiving `output` and `context`.
	Expr string `json:"expr,omitempty"`
}

// ErrorHandlingMode controls how the orchestrator reacts to a node failure.
type ErrorHandlingMode string

const (
	// ErrorHandlingContinue isolates the failure: the node is marked failed,
	// dependents without any healthy upstream are skipped, unrelated branches run.
	ErrorHandlingContinue ErrorHandlingMode = "continue"
	// ErrorHandlingAbort cancels all remaining unstarted nodes on first failure.
	ErrorHandlingAbort ErrorHandlingMode = "abort"
)

// Globals holds workflow-scoped execution settings.
type Globals struct {
	Timeout          string            `json:"timeout,omitempty"` // per-node default, e.g. "30s"
	RetryPolicy      *RetryPolicy      `json:"retryPolicy,omitempty"`
	ErrorHandling    ErrorHandlingMode `json:"errorHandling,omitempty"`
	MaxParallelNodes int               `json:"maxParallelNodes,omitempty"`
	Flags            map[string]any    `json:"flags,omitempty"`
}

// RetryPolicy configures retry behavior for node execution.
type RetryPolicy struct {
	MaxRetries        int      `json:"maxRetries"`
	InitialDelay      string   `json:"initialDelay,omitempty"`      // e.g. "1s"
	BackoffMultiplier float64  `json:"backoffMultiplier,omitempty"` // default 2
	MaxDelay          string   `json:"maxDelay,omitempty"`
	JitterAmount      float64  `json:"jitterAmount,omitempty"` // 0..1, symmetric
	RetryableMatches  []string `json:"retryableMatches,omitempty"`
}

// InitialDelayDuration parses InitialDelay, defaulting to 1s when absent
// or malformed.
func (p *RetryPolicy) InitialDelayDuration() time.Duration {
	if p == nil || p.InitialDelay == "" {
		return time.Second
	}
	d, err := time.ParseDuration(p.InitialDelay)
	if err != nil || d < 0 {
		return time.Second
	}
	return d
}

// MaxDelayDuration parses MaxDelay; zero means no cap.
func (p *RetryPolicy) MaxDelayDuration() time.Duration {
	if p == nil || p.MaxDelay == "" {
		return 0
	}
	d, err := time.ParseDuration(p.MaxDelay)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// ExecutionMode selects whether blocks perform live external calls.
type ExecutionMode string

const (
	ModeProduction ExecutionMode = "production"
	ModeDemo       ExecutionMode = "demo"
	ModeTest       ExecutionMode = "test"
)

// IsMock reports whether the mode must avoid live external calls.
func (m ExecutionMode) IsMock() bool {
	return m == ModeDemo || m == ModeTest
}

// NodeStatus is the lifecycle state of a single node execution.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusCancelled NodeStatus = "cancelled"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// Terminal reports whether the status is a terminal state.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeStatusCompleted, NodeStatusFailed, NodeStatusCancelled, NodeStatusSkipped:
		return true
	}
	return false
}

// WorkflowStatus is the terminal classification of a whole run.
type WorkflowStatus string

const (
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusPartial   WorkflowStatus = "partial"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)
