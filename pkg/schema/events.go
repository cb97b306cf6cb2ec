package schema

// Event type constants for the execution event stream.
const (
	EventFlowStarted   = "flow_started"
	EventFlowCompleted = "flow_completed"
	EventFlowFailed    = "flow_failed"
	EventFlowCancelled = "flow_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"

	EventErrorHandlerInvoked = "error_handler_invoked"
	EventCleanupFailed       = "cleanup_failed"
	EventOnCancelFailed      = "on_cancel_failed"
)

// ExecutionStatus represents the lifecycle state of an execution handle.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}
