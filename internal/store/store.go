package store

import (
	"context"
	"time"

	"github.com/rendis/pms/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Plans
	SavePlan(ctx context.Context, plan *schema.Plan) error
	GetPlan(ctx context.Context, id string) (*schema.Plan, error)

	// Plan executions
	CreatePlanExecution(ctx context.Context, pe *PlanExecution) error
	GetPlanExecution(ctx context.Context, id string) (*PlanExecution, error)
	// FinishPlanExecution sets a terminal status once; later calls are no-ops
	// returning false.
	FinishPlanExecution(ctx context.Context, id string, status schema.Status, endTs time.Time) (bool, error)
	ListPlanExecutions(ctx context.Context, filter PlanExecutionFilter) ([]*PlanExecution, error)

	// Node executions
	CreateNodeExecution(ctx context.Context, ne *NodeExecution) error
	GetNodeExecution(ctx context.Context, id string) (*NodeExecution, error)
	// UpdateNodeExecution writes ne if the stored version still equals
	// ne.Version, then bumps ne.Version. A stale version yields CONFLICT.
	UpdateNodeExecution(ctx context.Context, ne *NodeExecution) error
	ListNodeExecutions(ctx context.Context, filter NodeExecutionFilter) ([]*NodeExecution, error)

	// Scoped values (sweeping outputs and outcomes), append-only
	AppendScopedValue(ctx context.Context, v *ScopedValue) error
	// LatestScopedValues returns, for each requested level key holding the
	// name, the row with the highest version.
	LatestScopedValues(ctx context.Context, q ScopedValueQuery) ([]*ScopedValue, error)
	ListScopedValuesByProducer(ctx context.Context, kind, planExecutionID, runtimeID string) ([]*ScopedValue, error)

	// Waits (correlation table)
	CreateWaits(ctx context.Context, nodeExecutionID string, waitSeq int, correlationIDs []string) error
	// RecordResponse stores the first response for a correlation id. It
	// returns the wait and whether this call recorded it.
	RecordResponse(ctx context.Context, correlationID string, response []byte) (*Wait, bool, error)
	ListWaits(ctx context.Context, nodeExecutionID string, waitSeq int) ([]*Wait, error)
	// ClaimWaitGroup marks a fully responded wait group as consumed. Exactly
	// one caller observes true for a given group.
	ClaimWaitGroup(ctx context.Context, nodeExecutionID string, waitSeq int) (bool, error)
	// ReleaseWaitGroup undoes a claim so the group can be claimed again.
	ReleaseWaitGroup(ctx context.Context, nodeExecutionID string, waitSeq int) error

	// Interrupts
	CreateInterrupt(ctx context.Context, in *Interrupt) error
	UpdateInterruptState(ctx context.Context, id string, state schema.InterruptState) error
	ListInterrupts(ctx context.Context, planExecutionID string) ([]*Interrupt, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, planExecutionID string, since int64) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
