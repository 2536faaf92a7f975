package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/pms/pkg/ambiance"
	"github.com/rendis/pms/pkg/schema"
)

// PlanExecution is one run of a compiled plan.
type PlanExecution struct {
	ID        string            `json:"id"`
	PlanID    string            `json:"plan_id"`
	Status    schema.Status     `json:"status"`
	Metadata  ambiance.Metadata `json:"metadata"`
	StartTs   time.Time         `json:"start_ts"`
	EndTs     *time.Time        `json:"end_ts,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// NodeExecution is the runtime record of one plan node being executed at one
// position of the execution tree. Version is bumped on every update and is the
// compare-and-swap token for status transitions.
type NodeExecution struct {
	ID              string               `json:"id"`
	PlanExecutionID string               `json:"plan_execution_id"`
	PlanNodeID      string               `json:"plan_node_id"`
	Identifier      string               `json:"identifier"`
	StepType        string               `json:"step_type"`
	Ambiance        ambiance.Ambiance    `json:"ambiance"`
	Status          schema.Status        `json:"status"`
	Mode            schema.ExecutionMode `json:"mode"`
	ParentID        string               `json:"parent_id,omitempty"`
	NotifyID        string               `json:"notify_id,omitempty"`
	PreviousID      string               `json:"previous_id,omitempty"`
	RetryOf         string               `json:"retry_of,omitempty"`
	OldRetry        bool                 `json:"old_retry,omitempty"`
	RetryCount      int                  `json:"retry_count"`
	WaitSeq         int                  `json:"wait_seq"`
	ResolvedParams  json.RawMessage      `json:"resolved_params,omitempty"`
	Output          json.RawMessage      `json:"output,omitempty"`
	Failure         *schema.FailureInfo  `json:"failure,omitempty"`
	// Executables records how the node is currently suspended, one entry per
	// wait group.
	Executables []schema.ExecutableResponse `json:"executables,omitempty"`
	TimeoutAt   *time.Time                  `json:"timeout_at,omitempty"`
	StartTs     *time.Time                  `json:"start_ts,omitempty"`
	EndTs       *time.Time                  `json:"end_ts,omitempty"`
	Version     int64                       `json:"version"`
	CreatedAt   time.Time                   `json:"created_at"`
	UpdatedAt   time.Time                   `json:"updated_at"`
}

// ScopedValue kinds.
const (
	KindSweepingOutput = "sweeping_output"
	KindOutcome        = "outcome"
)

// ScopedValue is an append-only named value bound to a scope (the runtime ids
// of an Ambiance prefix). Versions increase per (kind, execution, name, scope).
type ScopedValue struct {
	ID                string          `json:"id"`
	Kind              string          `json:"kind"`
	PlanExecutionID   string          `json:"plan_execution_id"`
	Name              string          `json:"name"`
	LevelKey          string          `json:"level_key"`
	ProducerRuntimeID string          `json:"producer_runtime_id,omitempty"`
	ProducerSetupID   string          `json:"producer_setup_id,omitempty"`
	Version           int64           `json:"version"`
	Value             json.RawMessage `json:"value"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Wait is one awaited correlation id of a suspended node execution.
type Wait struct {
	CorrelationID   string          `json:"correlation_id"`
	NodeExecutionID string          `json:"node_execution_id"`
	WaitSeq         int             `json:"wait_seq"`
	Response        json.RawMessage `json:"response,omitempty"`
	RespondedAt     *time.Time      `json:"responded_at,omitempty"`
	Consumed        bool            `json:"consumed,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Responded reports whether the wait has received its response.
func (w *Wait) Responded() bool { return w.RespondedAt != nil }

// Interrupt is a persisted interrupt request.
type Interrupt struct {
	ID              string                `json:"id"`
	PlanExecutionID string                `json:"plan_execution_id"`
	NodeExecutionID string                `json:"node_execution_id,omitempty"`
	Type            schema.InterruptType  `json:"type"`
	State           schema.InterruptState `json:"state"`
	IssuedBy        string                `json:"issued_by,omitempty"`
	Reason          string                `json:"reason,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// Event is an immutable entry in a plan execution's event log.
type Event struct {
	ID              int64           `json:"id"`
	PlanExecutionID string          `json:"plan_execution_id"`
	NodeExecutionID string          `json:"node_execution_id,omitempty"`
	Type            string          `json:"event_type"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	Sequence        int64           `json:"sequence"`
}

// --- Filter and update types ---

// PlanExecutionFilter specifies criteria for listing plan executions.
type PlanExecutionFilter struct {
	PlanID   string          `json:"plan_id,omitempty"`
	Statuses []schema.Status `json:"statuses,omitempty"`
	Limit    int             `json:"limit,omitempty"`
}

// NodeExecutionFilter specifies criteria for listing node executions. Old
// retries are excluded unless IncludeOldRetries is set.
type NodeExecutionFilter struct {
	PlanExecutionID   string                 `json:"plan_execution_id,omitempty"`
	ParentID          string                 `json:"parent_id,omitempty"`
	NotifyID          string                 `json:"notify_id,omitempty"`
	PlanNodeID        string                 `json:"plan_node_id,omitempty"`
	Statuses          []schema.Status        `json:"statuses,omitempty"`
	Modes             []schema.ExecutionMode `json:"modes,omitempty"`
	TimeoutBefore     *time.Time             `json:"timeout_before,omitempty"`
	IncludeOldRetries bool                   `json:"include_old_retries,omitempty"`
	Limit             int                    `json:"limit,omitempty"`
}

// ScopedValueQuery selects the values of one name visible from a set of scopes.
type ScopedValueQuery struct {
	Kind            string
	PlanExecutionID string
	Name            string
	LevelKeys       []string
}
