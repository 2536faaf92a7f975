package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting. The resolver codes double as the
// error-kind tags callers branch on (not found vs group not found).
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"

	ErrCodeSweepingOutputNotFound = "SWEEPING_OUTPUT_NOT_FOUND"
	ErrCodeOutcomeNotFound        = "OUTCOME_NOT_FOUND"
	ErrCodeGroupNotFound          = "GROUP_NOT_FOUND"

	ErrCodePlanCreation        = "PLAN_CREATION_FAILED"
	ErrCodeDeserialize         = "DESERIALIZE_FAILED"
	ErrCodeCompileTimeout      = "COMPILE_TIMEOUT"
	ErrCodeInterruptNotAllowed = "INTERRUPT_NOT_APPLICABLE"
	ErrCodeUnknownStep         = "UNKNOWN_STEP_TYPE"
	ErrCodeCycleDetected       = "CYCLE_DETECTED"
	ErrCodeCircuitOpen         = "CIRCUIT_OPEN"
)

// PMSError is the structured error type for all engine operations.
type PMSError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *PMSError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PMSError) Unwrap() error {
	return e.Cause
}

// NewError creates a new PMSError.
func NewError(code, message string) *PMSError {
	return &PMSError{Code: code, Message: message}
}

// NewErrorf creates a new PMSError with a formatted message.
func NewErrorf(code, format string, args ...any) *PMSError {
	return &PMSError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node (plan node or node execution) ID to the error.
func (e *PMSError) WithNode(nodeID string) *PMSError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *PMSError) WithCause(err error) *PMSError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PMSError) WithDetails(details map[string]any) *PMSError {
	e.Details = details
	return e
}

// ErrorCode returns the code of the first PMSError in err's chain, or "".
func ErrorCode(err error) string {
	var pe *PMSError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsCode reports whether err carries one of the given codes.
func IsCode(err error, codes ...string) bool {
	c := ErrorCode(err)
	if c == "" {
		return false
	}
	for _, code := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// IsNotFound reports whether err is any of the not-found kinds, including
// resolver misses.
func IsNotFound(err error) bool {
	return IsCode(err, ErrCodeNotFound, ErrCodeSweepingOutputNotFound, ErrCodeOutcomeNotFound)
}
