package streaming

import (
	"context"
	"slices"
)

// StreamEvent is a real-time event emitted while a plan executes. Sequence
// mirrors the event log entry the event was published for, when there is one.
type StreamEvent struct {
	PlanExecutionID string `json:"plan_execution_id"`
	NodeExecutionID string `json:"node_execution_id,omitempty"`
	EventType       string `json:"event_type"`
	Sequence        int64  `json:"sequence,omitempty"`
	Payload         any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	PlanExecutionID string   `json:"plan_execution_id,omitempty"`
	NodeExecutionID string   `json:"node_execution_id,omitempty"`
	EventTypes      []string `json:"event_types,omitempty"`
}

// Match reports whether e passes the filter. Empty fields match anything.
func (f EventFilter) Match(e StreamEvent) bool {
	switch {
	case f.PlanExecutionID != "" && f.PlanExecutionID != e.PlanExecutionID:
		return false
	case f.NodeExecutionID != "" && f.NodeExecutionID != e.NodeExecutionID:
		return false
	}
	return len(f.EventTypes) == 0 || slices.Contains(f.EventTypes, e.EventType)
}

// EventHub provides pub/sub for real-time execution events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
