package streaming

import (
	"context"

	"github.com/leadstitch/flowline/pkg/schema"
)

// StreamEvent is a real-time progress event emitted during a run.
type StreamEvent struct {
	ExecutionID string  `json:"execution_id"`
	WorkflowID  string  `json:"workflow_id"`
	NodeID      string  `json:"node_id,omitempty"`
	Event       string  `json:"event"`
	Percentage  float64 `json:"percentage"`
	Details     any     `json:"details,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	WorkflowID  string   `json:"workflow_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// ProgressBridge adapts an EventHub to the engine's progress sink: every
// progress update published during a run fans out to hub subscribers.
type ProgressBridge struct {
	hub         EventHub
	executionID string
	workflowID  string
}

// NewProgressBridge builds a bridge bound to one run.
func NewProgressBridge(hub EventHub, executionID, workflowID string) *ProgressBridge {
	return &ProgressBridge{hub: hub, executionID: executionID, workflowID: workflowID}
}

// Emit publishes the progress update. Delivery is best effort; a full
// subscriber never stalls the run.
func (b *ProgressBridge) Emit(p schema.Progress) {
	if b.hub == nil {
		return
	}
	_ = b.hub.Publish(context.Background(), StreamEvent{
		ExecutionID: b.executionID,
		WorkflowID:  b.workflowID,
		NodeID:      p.Event.NodeID,
		Event:       p.Event.Event,
		Percentage:  p.Percentage,
		Details:     p.Event.Details,
	})
}
