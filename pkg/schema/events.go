package schema

import (
	"encoding/json"

	"github.com/rendis/pms/pkg/ambiance"
)

// Event type constants for the event log and the streaming hub.
const (
	EventPlanExecutionStarted = "plan_execution_started"
	EventPlanExecutionEnded   = "plan_execution_ended"

	EventNodeExecutionStart        = "node_execution_start"
	EventNodeExecutionStatusUpdate = "node_execution_status_update"
	EventNodeExecutionRetried      = "node_execution_retried"
	EventNodeAdvised               = "node_advised"

	EventResumeReceived = "resume_received"

	EventInterruptRegistered = "interrupt_registered"
	EventInterruptProcessed  = "interrupt_processed"
	EventInterruptDiscarded  = "interrupt_discarded"
)

// ResponseData is what an external executor (or a concluding child) delivers
// for one correlation id.
type ResponseData struct {
	Status  Status          `json:"status,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Failure *FailureInfo    `json:"failure,omitempty"`
	// Error marks a delivery failure of the executor itself, as opposed to a
	// business failure of the work.
	Error bool `json:"error,omitempty"`
}

// ChainDetails carries the iterator state of a chained execution.
type ChainDetails struct {
	ShouldEnd       bool            `json:"should_end"`
	PassThroughData json.RawMessage `json:"pass_through_data,omitempty"`
}

// ResumeEvent re-enters the state machine for a suspended node.
type ResumeEvent struct {
	NodeExecutionID string            `json:"node_execution_id"`
	Ambiance        ambiance.Ambiance `json:"ambiance"`
	ExecutionMode   ExecutionMode     `json:"execution_mode"`
	ResponseMap     map[string][]byte `json:"response_map"`
	ChainDetails    *ChainDetails     `json:"chain_details,omitempty"`
	AsyncError      bool              `json:"async_error"`
}

// InterruptEvent delivers an interrupt to the node addressed by Ambiance.
type InterruptEvent struct {
	Ambiance      ambiance.Ambiance `json:"ambiance"`
	InterruptType InterruptType     `json:"interrupt_type"`
	InterruptUUID string            `json:"interrupt_uuid"`
	NotifyID      string            `json:"notify_id,omitempty"`
}
