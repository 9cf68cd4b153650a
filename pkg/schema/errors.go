package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeExecution      = "EXECUTION_ERROR"
	ErrCodeTimeout        = "TIMEOUT_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeCycleDetected  = "CYCLE_DETECTED"
	ErrCodeNodeFailed     = "NODE_FAILED"
	ErrCodeCancelled      = "CANCELLED"
	ErrCodeRetryExhausted = "RETRY_EXHAUSTED"
	ErrCodeCircuitOpen    = "CIRCUIT_OPEN"
	ErrCodeUnknownBlock   = "UNKNOWN_BLOCK"
	ErrCodeStore          = "STORE_ERROR"
	ErrCodeInterpolation  = "INTERPOLATION_ERROR"
	ErrCodeVault          = "VAULT_ERROR"
)

// FlowError is the structured error type for all flowline operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error code denotes a transient fault.
// Validation, unknown-block, and circuit-open errors are never retried.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeNotFound, ErrCodeConflict, ErrCodeCycleDetected,
		ErrCodeCancelled, ErrCodeUnknownBlock, ErrCodeCircuitOpen, ErrCodeInterpolation,
		ErrCodeVault:
		return false
	}
	return true
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}
