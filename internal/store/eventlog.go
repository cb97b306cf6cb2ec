package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/stepflow/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide event-sourcing operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Record marshals payload and appends it as one event.
func (el *EventLog) Record(ctx context.Context, executionID, stepID, eventType string, payload map[string]any) (*Event, error) {
	e := &Event{ExecutionID: executionID, StepID: stepID, Type: eventType}
	if len(payload) > 0 {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "marshal %s payload: %v", eventType, err).WithCause(err)
		}
		e.Payload = raw
	}
	if err := el.store.AppendEvent(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// GetEvents returns events for an execution with sequence > since.
func (el *EventLog) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// ReplayEvents folds an execution's events into per-step states.
// Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, executionID string) (map[string]*StepState, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	states := make(map[string]*StepState)
	for _, e := range events {
		if e.StepID == "" {
			continue
		}
		ss, ok := states[e.StepID]
		if !ok {
			ss = &StepState{ExecutionID: executionID, StepID: e.StepID, Status: StepStatusPending}
			states[e.StepID] = ss
		}

		switch e.Type {
		case schema.EventStepStarted:
			ss.Status = StepStatusRunning
			ss.Runs++
			ts := e.Timestamp
			ss.StartedAt = &ts
			ss.CompletedAt = nil
			ss.Error = nil

		case schema.EventStepCompleted:
			ss.Status = StepStatusCompleted
			ts := e.Timestamp
			ss.CompletedAt = &ts
			ss.Output = e.Payload
			if ss.StartedAt != nil {
				ss.DurationMs = ts.Sub(*ss.StartedAt).Milliseconds()
			}

		case schema.EventStepFailed:
			ss.Status = StepStatusFailed
			ts := e.Timestamp
			ss.CompletedAt = &ts
			ss.Error = e.Payload

		case schema.EventStepSkipped:
			ss.Status = StepStatusSkipped

		case schema.EventStepRetrying:
			ss.Status = StepStatusRetrying
			ss.Retries++
		}
	}
	return states, nil
}
