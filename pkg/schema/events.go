package schema

import "time"

// Timeline event type constants.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowPartial   = "workflow_partial"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"

	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"
	EventNodeSkipped   = "node_skipped"
	EventNodeCancelled = "node_cancelled"
	EventNodeRetrying  = "node_retrying"
	EventNodeCacheHit  = "node_cache_hit"

	EventBranchTaken        = "branch_taken"
	EventCircuitBreakerOpen = "circuit_breaker_open"
)

// TimelineEvent is one audit entry in a run's execution timeline.
// The orchestrator emits these; persistence is an external collaborator.
type TimelineEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	NodeID    string         `json:"node_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Progress couples a monotonic completion percentage with the event that
// produced it. Percentage reaches 100 only at terminal assembly.
type Progress struct {
	Percentage float64       `json:"percentage"`
	Event      TimelineEvent `json:"event"`
}
