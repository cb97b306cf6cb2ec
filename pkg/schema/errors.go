package schema

import (
	"errors"
	"fmt"
	"maps"
	"strings"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeVariableResolution = "VARIABLE_RESOLUTION_ERROR"
	ErrCodeCircularSubflow    = "CIRCULAR_SUBFLOW"
	ErrCodeSubflowNotFound    = "SUBFLOW_NOT_FOUND"
	ErrCodeTaskExecution      = "TASK_EXECUTION_ERROR"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeNotImplemented     = "NOT_IMPLEMENTED"

	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
)

// FlowError is the structured error type for every stepflow operation.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`

	// Attempts is the number of task invocations made before giving up.
	Attempts int `json:"attempts,omitempty"`
	// Path is the subflow call path for CIRCULAR_SUBFLOW errors.
	Path []string `json:"path,omitempty"`
	// Propagated marks a cancellation inherited from a parent token rather
	// than requested directly.
	Propagated bool `json:"propagated,omitempty"`

	Cause error `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails merges key-value details into the error. Keys already present
// are overwritten.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	maps.Copy(e.Details, details)
	return e
}

// --- Taxonomy constructors ---

// NewValidationError reports a malformed definition or input.
func NewValidationError(format string, args ...any) *FlowError {
	return NewErrorf(ErrCodeValidation, format, args...)
}

// NewVariableResolutionError reports a reference that cannot be dereferenced.
func NewVariableResolutionError(ref, format string, args ...any) *FlowError {
	return NewErrorf(ErrCodeVariableResolution, format, args...).
		WithDetails(map[string]any{"reference": ref})
}

// NewCircularSubflowError reports a subflow cycle. path holds the full call
// path including the repeated flow, e.g. [A B A].
func NewCircularSubflowError(path []string) *FlowError {
	e := NewErrorf(ErrCodeCircularSubflow, "circular subflow reference: %s", FormatPath(path))
	e.Path = append([]string(nil), path...)
	return e
}

// NewSubflowNotFoundError reports a subflow name that no discovery rule matched.
func NewSubflowNotFoundError(name string, searched []string) *FlowError {
	return NewErrorf(ErrCodeSubflowNotFound, "subflow %q not found", name).
		WithDetails(map[string]any{"name": name, "searched": searched})
}

// NewTaskExecutionError wraps a task failure with the number of attempts made.
func NewTaskExecutionError(task string, attempts int, cause error) *FlowError {
	msg := "task failed"
	if cause != nil {
		msg = cause.Error()
	}
	e := NewErrorf(ErrCodeTaskExecution, "task %q failed after %d attempt(s): %s", task, attempts, msg).
		WithCause(cause).
		WithDetails(map[string]any{"task": task})
	e.Attempts = attempts
	return e
}

// NewCancellationError reports a cancelled execution. propagated is true
// when the cancellation was inherited from an enclosing flow.
func NewCancellationError(reason string, propagated bool) *FlowError {
	e := NewErrorf(ErrCodeCancelled, "execution cancelled: %s", reason).
		WithDetails(map[string]any{"reason": reason})
	e.Propagated = propagated
	return e
}

// NewNotImplementedTaskError reports a task name without an implementation.
func NewNotImplementedTaskError(task string) *FlowError {
	return NewErrorf(ErrCodeNotImplemented, "task %q is not implemented", task).
		WithDetails(map[string]any{"task": task})
}

// --- Inspection helpers ---

// AsFlowError returns the first FlowError in err's chain.
func AsFlowError(err error) (*FlowError, bool) {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// IsCode reports whether the outermost FlowError in err's chain carries code.
func IsCode(err error, code string) bool {
	fe, ok := AsFlowError(err)
	return ok && fe.Code == code
}

// ToFlowError normalises any error into a FlowError. Non-FlowErrors become
// EXECUTION_ERROR with the original error as cause.
func ToFlowError(err error) *FlowError {
	if err == nil {
		return nil
	}
	if fe, ok := AsFlowError(err); ok {
		return fe
	}
	return NewError(ErrCodeExecution, err.Error()).WithCause(err)
}

// FormatPath renders a subflow call path as "A → B → A".
func FormatPath(path []string) string {
	return strings.Join(path, " → ")
}
