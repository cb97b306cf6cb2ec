package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Execution is the persisted form of an execution handle.
type Execution struct {
	ID           string                 `json:"id"`
	FlowName     string                 `json:"flow_name"`
	Status       schema.ExecutionStatus `json:"status"`
	Inputs       json.RawMessage        `json:"inputs,omitempty"`
	Result       json.RawMessage        `json:"result,omitempty"`
	Error        json.RawMessage        `json:"error,omitempty"`
	CancelReason string                 `json:"cancel_reason,omitempty"`
	ExitReason   string                 `json:"exit_reason,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	EndedAt      *time.Time             `json:"ended_at,omitempty"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	FlowName string
	Status   *schema.ExecutionStatus
	Since    *time.Time
	Limit    int
	Offset   int
}

// Event is an immutable entry in an execution's event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// EventFilter narrows GetEventsByType.
type EventFilter struct {
	ExecutionID string
	StepID      string
	Since       *time.Time
	Limit       int
}

// Step states derived by replaying an event log.
const (
	StepStatusPending   = "pending"
	StepStatusRunning   = "running"
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
	StepStatusSkipped   = "skipped"
	StepStatusRetrying  = "retrying"
)

// StepState is the view of one step reconstructed from its events. Steps
// are keyed by id, so a step that runs several times (loop bodies) reports
// its last run.
type StepState struct {
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id"`
	Status      string          `json:"status"`
	Runs        int             `json:"runs"`
	Retries     int             `json:"retries"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
}
