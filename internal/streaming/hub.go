package streaming

import (
	"context"
	"time"
)

// StreamEvent is one entry of an execution's event stream.
type StreamEvent struct {
	ExecutionID string         `json:"execution_id"`
	Flow        string         `json:"flow,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
	EventType   string         `json:"event_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Empty fields match everything.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	Flow        string   `json:"flow,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for execution events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
