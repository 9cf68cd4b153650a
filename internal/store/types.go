package store

import (
	"encoding/json"
	"time"

	"github.com/leadstitch/flowline/pkg/schema"
)

// WorkflowRecord is a persisted workflow definition with versioning metadata.
type WorkflowRecord struct {
	ID          string                    `json:"id"`
	Name        string                    `json:"name"`
	Version     int                       `json:"version"`
	Definition  schema.WorkflowDefinition `json:"definition"`
	Description string                    `json:"description,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// ExecutionRecord summarizes one run of a workflow.
type ExecutionRecord struct {
	ID          string                `json:"id"`
	WorkflowID  string                `json:"workflow_id"`
	Status      schema.WorkflowStatus `json:"status"`
	Mode        schema.ExecutionMode  `json:"mode"`
	Input       json.RawMessage       `json:"input,omitempty"`
	Output      json.RawMessage       `json:"output,omitempty"`
	Error       json.RawMessage       `json:"error,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	DurationMs  int64                 `json:"duration_ms,omitempty"`
}

// NodeExecutionRecord is the persisted outcome of one node within a run.
type NodeExecutionRecord struct {
	ExecutionID string            `json:"execution_id"`
	NodeID      string            `json:"node_id"`
	Status      schema.NodeStatus `json:"status"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	RetryCount  int               `json:"retry_count"`
	CacheHit    bool              `json:"cache_hit"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// EventRecord is one append-only timeline entry for a run.
type EventRecord struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id,omitempty"`
	Event       string          `json:"event"`
	Details     json.RawMessage `json:"details,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// ScheduleRecord is a cron-triggered workflow run.
type ScheduleRecord struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	CronExpr   string          `json:"cron_expr"`
	Input      json.RawMessage `json:"input,omitempty"`
	Enabled    bool            `json:"enabled"`
	LastRunAt  *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time      `json:"next_run_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Page is a bounded query result: the slice requested plus enough metadata
// for the caller to page forward without a second count query.
type Page[T any] struct {
	Items   []T  `json:"items"`
	Count   int  `json:"count"`
	HasMore bool `json:"has_more"`
}

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	NameLike string
	Limit    int
	Offset   int
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	WorkflowID string
	Status     schema.WorkflowStatus
	Limit      int
	Offset     int
}

// ScheduleFilter narrows ListSchedules.
type ScheduleFilter struct {
	WorkflowID  string
	EnabledOnly bool
	Limit       int
	Offset      int
}

// DefaultPageSize caps unbounded list queries.
const DefaultPageSize = 50
