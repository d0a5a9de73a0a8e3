package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Scheduling error codes
const (
	ErrTaskInvalid     ErrorCode = "TASK_INVALID"
	ErrSelectionFailed ErrorCode = "SELECTION_FAILED"
	ErrExecutionFailed ErrorCode = "EXECUTION_FAILED"
	ErrTimeout         ErrorCode = "TIMEOUT"
	ErrCircuitOpen     ErrorCode = "CIRCUIT_OPEN"
	ErrQueueFull       ErrorCode = "QUEUE_FULL"
	ErrShuttingDown    ErrorCode = "SHUTTING_DOWN"
	ErrAgentNotFound   ErrorCode = "AGENT_NOT_FOUND"
	ErrAgentBusy       ErrorCode = "AGENT_BUSY"
)

// Orchestration error codes
const (
	ErrPlanningFailed   ErrorCode = "PLANNING_FAILED"
	ErrValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrRetriesExhausted ErrorCode = "RETRIES_EXHAUSTED"
)

// Collaboration error codes
const (
	ErrSessionNotFound  ErrorCode = "SESSION_NOT_FOUND"
	ErrSessionClosed    ErrorCode = "SESSION_CLOSED"
	ErrConsensusFailed  ErrorCode = "CONSENSUS_FAILED"
	ErrBlackboardLocked ErrorCode = "BLACKBOARD_LOCKED"
)

// Error represents a structured error with code, message, and scheduling
// context. Agent-level failures carry the agent id so a terminal failure can
// surface full context to the caller.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	TaskID    string    `json:"task_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Retryable bool      `json:"retryable"`
	Attempts  int       `json:"attempts,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: defaultRetryable(code)}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithTask attaches the task id.
func (e *Error) WithTask(taskID string) *Error {
	e.TaskID = taskID
	return e
}

// WithAgent attaches the agent id.
func (e *Error) WithAgent(agentID string) *Error {
	e.AgentID = agentID
	return e
}

// WithRetryable overrides the default retryability of the code.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithAttempts records how many attempts were consumed.
func (e *Error) WithAttempts(n int) *Error {
	e.Attempts = n
	return e
}

// defaultRetryable encodes the propagation policy: execution and timeout
// failures are retried by the load balancer, validation failures by the
// orchestrator; selection and consensus outcomes are not exceptions to
// retry against the same pool.
func defaultRetryable(code ErrorCode) bool {
	switch code {
	case ErrExecutionFailed, ErrTimeout, ErrCircuitOpen, ErrAgentBusy:
		return true
	default:
		return false
	}
}

// IsRetryable checks whether an error is retryable at the agent level.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// CodeOf extracts the error code from an error, or "" for foreign errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
