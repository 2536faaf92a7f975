package schema

// Status is the lifecycle state of a node execution.
type Status string

const (
	StatusQueued        Status = "QUEUED"
	StatusRunning       Status = "RUNNING"
	StatusAsyncWaiting  Status = "ASYNC_WAITING"
	StatusTaskWaiting   Status = "TASK_WAITING"
	StatusPaused        Status = "PAUSED"
	StatusDiscontinuing Status = "DISCONTINUING"
	StatusSucceeded     Status = "SUCCEEDED"
	StatusFailed        Status = "FAILED"
	StatusErrored       Status = "ERRORED"
	StatusSkipped       Status = "SKIPPED"
	StatusAborted       Status = "ABORTED"
	StatusExpired       Status = "EXPIRED"
	StatusIgnoreFailed  Status = "IGNORE_FAILED"
)

var (
	terminalStatuses = statusSet(StatusSucceeded, StatusFailed, StatusErrored, StatusSkipped,
		StatusAborted, StatusExpired, StatusIgnoreFailed)
	brokenStatuses  = statusSet(StatusAborted, StatusFailed, StatusErrored, StatusExpired)
	waitingStatuses = statusSet(StatusAsyncWaiting, StatusTaskWaiting)
	activeStatuses  = statusSet(StatusQueued, StatusRunning, StatusAsyncWaiting, StatusTaskWaiting,
		StatusPaused, StatusDiscontinuing)
	positiveStatuses = statusSet(StatusSucceeded, StatusSkipped, StatusIgnoreFailed)
)

// allowedFrom lists, for each target status, the statuses a node may be in
// for the transition to be applied.
var allowedFrom = map[Status][]Status{
	StatusRunning:       {StatusQueued, StatusAsyncWaiting, StatusTaskWaiting, StatusPaused},
	StatusAsyncWaiting:  {StatusRunning, StatusPaused},
	StatusTaskWaiting:   {StatusRunning, StatusPaused},
	StatusPaused:        {StatusQueued, StatusRunning, StatusAsyncWaiting, StatusTaskWaiting},
	StatusDiscontinuing: {StatusQueued, StatusRunning, StatusAsyncWaiting, StatusTaskWaiting, StatusPaused},
	StatusSucceeded:     {StatusRunning, StatusAsyncWaiting, StatusTaskWaiting, StatusDiscontinuing},
	StatusFailed:        {StatusRunning, StatusAsyncWaiting, StatusTaskWaiting, StatusDiscontinuing},
	StatusErrored:       {StatusQueued, StatusRunning, StatusAsyncWaiting, StatusTaskWaiting, StatusPaused, StatusDiscontinuing},
	StatusSkipped:       {StatusQueued, StatusRunning},
	StatusAborted:       {StatusQueued, StatusRunning, StatusAsyncWaiting, StatusTaskWaiting, StatusPaused, StatusDiscontinuing},
	StatusExpired:       {StatusQueued, StatusRunning, StatusAsyncWaiting, StatusTaskWaiting, StatusPaused, StatusDiscontinuing},
	StatusIgnoreFailed:  {StatusRunning, StatusAsyncWaiting, StatusTaskWaiting, StatusDiscontinuing},
}

func statusSet(ss ...Status) map[Status]struct{} {
	m := make(map[Status]struct{}, len(ss))
	for _, s := range ss {
		m[s] = struct{}{}
	}
	return m
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool { _, ok := terminalStatuses[s]; return ok }

// IsBroken reports whether s is one of ABORTED, FAILED, ERRORED, EXPIRED.
func (s Status) IsBroken() bool { _, ok := brokenStatuses[s]; return ok }

// IsWaiting reports whether the node is suspended on external responses.
func (s Status) IsWaiting() bool { _, ok := waitingStatuses[s]; return ok }

// IsActive reports whether the node has not yet concluded.
func (s Status) IsActive() bool { _, ok := activeStatuses[s]; return ok }

// IsPositive reports whether the outcome lets the enclosing flow proceed.
func (s Status) IsPositive() bool { _, ok := positiveStatuses[s]; return ok }

// AllowedFrom returns the statuses from which a transition to s is legal.
func AllowedFrom(to Status) []Status {
	return allowedFrom[to]
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// ActiveStatuses returns all non-terminal statuses.
func ActiveStatuses() []Status {
	return []Status{StatusQueued, StatusRunning, StatusAsyncWaiting, StatusTaskWaiting,
		StatusPaused, StatusDiscontinuing}
}

// ExecutionMode selects the executable processor that drives a node.
type ExecutionMode string

const (
	ModeSync       ExecutionMode = "SYNC"
	ModeAsync      ExecutionMode = "ASYNC"
	ModeTask       ExecutionMode = "TASK"
	ModeTaskChain  ExecutionMode = "TASK_CHAIN"
	ModeChild      ExecutionMode = "CHILD"
	ModeChildren   ExecutionMode = "CHILDREN"
	ModeChildChain ExecutionMode = "CHILD_CHAIN"
)

// IsLeaf reports whether nodes in this mode do their own work (and so may be
// interrupted directly).
func (m ExecutionMode) IsLeaf() bool {
	switch m {
	case ModeSync, ModeAsync, ModeTask, ModeTaskChain:
		return true
	}
	return false
}

// IsComposite reports whether nodes in this mode only orchestrate children.
func (m ExecutionMode) IsComposite() bool {
	switch m {
	case ModeChild, ModeChildren, ModeChildChain:
		return true
	}
	return false
}

// Valid reports whether m is a known mode.
func (m ExecutionMode) Valid() bool {
	return m.IsLeaf() || m.IsComposite()
}

// FailureType classifies an execution failure.
type FailureType string

const (
	FailureTimeout              FailureType = "TIMEOUT"
	FailureConnectivity         FailureType = "CONNECTIVITY"
	FailureAuthorization        FailureType = "AUTHORIZATION"
	FailureAuthentication       FailureType = "AUTHENTICATION"
	FailureVerification         FailureType = "VERIFICATION"
	FailureDelegateProvisioning FailureType = "DELEGATE_PROVISIONING"
	FailureApplication          FailureType = "APPLICATION"
	FailureUnknown              FailureType = "UNKNOWN"
)

// AllFailureTypes lists every FailureType.
var AllFailureTypes = []FailureType{
	FailureTimeout, FailureConnectivity, FailureAuthorization, FailureAuthentication,
	FailureVerification, FailureDelegateProvisioning, FailureApplication, FailureUnknown,
}

// FailureInfo describes why a node failed.
type FailureInfo struct {
	Message string        `json:"message,omitempty"`
	Types   []FailureType `json:"failure_types,omitempty"`
}

// HasAny reports whether any of the given types is present. An empty filter
// matches everything.
func (f *FailureInfo) HasAny(types []FailureType) bool {
	if len(types) == 0 {
		return true
	}
	if f == nil {
		return false
	}
	for _, want := range types {
		for _, got := range f.Types {
			if got == want {
				return true
			}
		}
	}
	return false
}

// InterruptType is an externally triggered control signal.
type InterruptType string

const (
	InterruptAbort    InterruptType = "ABORT"
	InterruptAbortAll InterruptType = "ABORT_ALL"
	InterruptPause    InterruptType = "PAUSE"
	InterruptResume   InterruptType = "RESUME"
	InterruptRetry    InterruptType = "RETRY"
	InterruptExpire   InterruptType = "EXPIRE"
)

// InterruptState tracks the processing of a registered interrupt.
type InterruptState string

const (
	InterruptRegistered InterruptState = "REGISTERED"
	InterruptProcessed  InterruptState = "PROCESSED_SUCCESSFULLY"
	InterruptDiscarded  InterruptState = "DISCARDED"
)
