package engine

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/pms/internal/resolver"
	"github.com/rendis/pms/pkg/ambiance"
	"github.com/rendis/pms/pkg/schema"
)

// InvokerPackage is what an executable receives when its node starts.
type InvokerPackage struct {
	NodeExecutionID string
	Ambiance        ambiance.Ambiance
	StepType        string
	Parameters      json.RawMessage
	Timeout         time.Duration
	// Outputs lets a step publish sweeping outputs at a scope of its choosing.
	Outputs *resolver.Service
}

// ResumePackage is what an executable receives when its node resumes.
type ResumePackage struct {
	NodeExecutionID string
	Ambiance        ambiance.Ambiance
	StepType        string
	Parameters      json.RawMessage
	// Responses maps each awaited correlation id to what was delivered for it.
	Responses    map[string]schema.ResponseData
	ChainDetails *schema.ChainDetails
	Outputs      *resolver.Service
}

// Statuses lists the delivered statuses in correlation id order.
func (p ResumePackage) Statuses() []schema.Status {
	ids := make([]string, 0, len(p.Responses))
	for id := range p.Responses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]schema.Status, len(ids))
	for i, id := range ids {
		out[i] = p.Responses[id].Status
	}
	return out
}

// StepResponse concludes a node. Outcomes are published at the node's own
// scope before the status is applied.
type StepResponse struct {
	Status   schema.Status       `json:"status"`
	Output   json.RawMessage     `json:"output,omitempty"`
	Outcomes map[string]any      `json:"outcomes,omitempty"`
	Failure  *schema.FailureInfo `json:"failure,omitempty"`
}

// TaskRequest is handed to a TaskDispatcher. The engine fills in the ids.
type TaskRequest struct {
	Type            string          `json:"type"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	CorrelationID   string          `json:"correlation_id"`
	NodeExecutionID string          `json:"node_execution_id"`
	PlanExecutionID string          `json:"plan_execution_id"`
	Timeout         time.Duration   `json:"timeout,omitempty"`
}

// TaskDispatcher hands work to task executors. An executor must deliver
// exactly one Notify per correlation id. Abort stops the tasks of a TASK
// node; AbortLink stops the in-flight link of a TASK_CHAIN node.
type TaskDispatcher interface {
	Queue(ctx context.Context, req TaskRequest) (taskID string, err error)
	Abort(ctx context.Context, in TaskInterrupt) error
	AbortLink(ctx context.Context, in ChainInterrupt) error
}

// AsyncResponse lists the callback ids an ASYNC step waits on.
type AsyncResponse struct {
	CallbackIDs []string
}

// TaskChainResponse is one link of a TASK_CHAIN. A nil Task ends the chain.
type TaskChainResponse struct {
	Task            *TaskRequest
	ChainEnd        bool
	PassThroughData json.RawMessage
}

// ChildChainResponse is one link of a CHILD_CHAIN. An empty NextChildID ends
// the chain.
type ChildChainResponse struct {
	NextChildID     string
	LastLink        bool
	PassThroughData json.RawMessage
}

// Interrupt sub-messages, one per interruptible leaf mode.
type (
	AsyncInterrupt struct {
		Type        schema.InterruptType
		CallbackIDs []string
	}
	TaskInterrupt struct {
		Type    schema.InterruptType
		TaskIDs []string
	}
	// ChainInterrupt addresses the link at ChainIndex; TaskID is empty when
	// the link queued no task.
	ChainInterrupt struct {
		Type       schema.InterruptType
		TaskID     string
		ChainIndex int
	}
)

// Executables, one interface per execution mode.
type (
	SyncExecutable interface {
		ExecuteSync(ctx context.Context, pkg InvokerPackage) (*StepResponse, error)
	}
	AsyncExecutable interface {
		ExecuteAsync(ctx context.Context, pkg InvokerPackage) (*AsyncResponse, error)
		HandleAsyncResponse(ctx context.Context, pkg ResumePackage) (*StepResponse, error)
		HandleAbort(ctx context.Context, pkg InvokerPackage, in AsyncInterrupt) error
	}
	TaskExecutable interface {
		ObtainTask(ctx context.Context, pkg InvokerPackage) (*TaskRequest, error)
		HandleTaskResult(ctx context.Context, pkg ResumePackage) (*StepResponse, error)
	}
	TaskChainExecutable interface {
		StartChainLink(ctx context.Context, pkg InvokerPackage) (*TaskChainResponse, error)
		ExecuteNextLink(ctx context.Context, pkg ResumePackage) (*TaskChainResponse, error)
		FinalizeExecution(ctx context.Context, pkg ResumePackage) (*StepResponse, error)
	}
	ChildExecutable interface {
		ObtainChild(ctx context.Context, pkg InvokerPackage) (childNodeID string, err error)
		HandleChildResponse(ctx context.Context, pkg ResumePackage) (*StepResponse, error)
	}
	ChildrenExecutable interface {
		ObtainChildren(ctx context.Context, pkg InvokerPackage) ([]string, error)
		HandleChildrenResponse(ctx context.Context, pkg ResumePackage) (*StepResponse, error)
	}
	ChildChainExecutable interface {
		ExecuteFirstChild(ctx context.Context, pkg InvokerPackage) (*ChildChainResponse, error)
		ExecuteNextChild(ctx context.Context, pkg ResumePackage) (*ChildChainResponse, error)
		FinalizeExecution(ctx context.Context, pkg ResumePackage) (*StepResponse, error)
	}
)

type registeredStep struct {
	mode schema.ExecutionMode
	exec any
}

// StepRegistry maps step types to executables. Composite step types need no
// registration: nodes in those modes fall back to the default executables,
// which spawn the child node ids found in their parameters.
type StepRegistry struct {
	mu    sync.RWMutex
	steps map[string]registeredStep
}

// NewStepRegistry returns an empty registry.
func NewStepRegistry() *StepRegistry {
	return &StepRegistry{steps: make(map[string]registeredStep)}
}

// Register adds exec under stepType. The mode is derived from the
// executable interface exec implements.
func (r *StepRegistry) Register(stepType string, exec any) error {
	mode, ok := modeOf(exec)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %q implements no executable interface", stepType)
	}
	return r.RegisterMode(stepType, mode, exec)
}

// RegisterMode adds exec under stepType for an explicit mode.
func (r *StepRegistry) RegisterMode(stepType string, mode schema.ExecutionMode, exec any) error {
	if stepType == "" {
		return schema.NewError(schema.ErrCodeValidation, "step type is required")
	}
	if !implementsMode(exec, mode) {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %q does not implement %s", stepType, mode)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.steps[stepType]; dup {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %q already registered", stepType)
	}
	r.steps[stepType] = registeredStep{mode: mode, exec: exec}
	return nil
}

// StepTypes lists the registered step types, sorted.
func (r *StepRegistry) StepTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.steps))
	for t := range r.steps {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ModeFor returns the mode stepType was registered with.
func (r *StepRegistry) ModeFor(stepType string) (schema.ExecutionMode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.steps[stepType]
	return s.mode, ok
}

// Executable returns what drives a node of stepType in mode.
func (r *StepRegistry) Executable(stepType string, mode schema.ExecutionMode) (any, error) {
	r.mu.RLock()
	s, ok := r.steps[stepType]
	r.mu.RUnlock()
	if ok && implementsMode(s.exec, mode) {
		return s.exec, nil
	}
	switch mode {
	case schema.ModeChild:
		return DefaultChild{}, nil
	case schema.ModeChildren:
		return DefaultChildren{}, nil
	case schema.ModeChildChain:
		return DefaultChildChain{}, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeUnknownStep, "no %s executable registered for step type %q", mode, stepType)
}

func modeOf(exec any) (schema.ExecutionMode, bool) {
	switch exec.(type) {
	case TaskChainExecutable:
		return schema.ModeTaskChain, true
	case TaskExecutable:
		return schema.ModeTask, true
	case AsyncExecutable:
		return schema.ModeAsync, true
	case SyncExecutable:
		return schema.ModeSync, true
	case ChildChainExecutable:
		return schema.ModeChildChain, true
	case ChildrenExecutable:
		return schema.ModeChildren, true
	case ChildExecutable:
		return schema.ModeChild, true
	}
	return "", false
}

func implementsMode(exec any, mode schema.ExecutionMode) bool {
	var ok bool
	switch mode {
	case schema.ModeSync:
		_, ok = exec.(SyncExecutable)
	case schema.ModeAsync:
		_, ok = exec.(AsyncExecutable)
	case schema.ModeTask:
		_, ok = exec.(TaskExecutable)
	case schema.ModeTaskChain:
		_, ok = exec.(TaskChainExecutable)
	case schema.ModeChild:
		_, ok = exec.(ChildExecutable)
	case schema.ModeChildren:
		_, ok = exec.(ChildrenExecutable)
	case schema.ModeChildChain:
		_, ok = exec.(ChildChainExecutable)
	}
	return ok
}
