package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
)

// HistoryStore is the persistence the engine writes finalized handles and
// events to. Satisfied by store.Store.
type HistoryStore interface {
	SaveExecution(ctx context.Context, exec *store.Execution) error
	AppendEvent(ctx context.Context, event *store.Event) error
}

// Emitter fans execution events out to the stream hub and the optional
// history store. Emission never fails the execution: delivery problems are
// logged and dropped.
type Emitter struct {
	hub     streaming.EventHub
	history HistoryStore
	logger  *slog.Logger
	now     func() time.Time
}

// NewEmitter creates an Emitter. hub and history may be nil.
func NewEmitter(hub streaming.EventHub, history HistoryStore, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Emitter{hub: hub, history: history, logger: logger, now: time.Now}
}

// Emit publishes one event. The caller's cancellation does not stop
// delivery, so a cancelled execution still reports how it ended.
func (e *Emitter) Emit(ctx context.Context, executionID, flow, stepID, eventType string, payload map[string]any) {
	if e == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	ts := e.now().UTC()

	if e.hub != nil {
		err := e.hub.Publish(ctx, streaming.StreamEvent{
			ExecutionID: executionID,
			Flow:        flow,
			StepID:      stepID,
			EventType:   eventType,
			Payload:     payload,
			Timestamp:   ts,
		})
		if err != nil {
			e.logger.WarnContext(ctx, "event publish failed",
				slog.String("event_type", eventType), slog.String("error", err.Error()))
		}
	}

	if e.history != nil {
		ev := &store.Event{
			ExecutionID: executionID,
			StepID:      stepID,
			Type:        eventType,
			Timestamp:   ts,
		}
		if len(payload) > 0 {
			raw, err := json.Marshal(payload)
			if err != nil {
				e.logger.WarnContext(ctx, "event payload not serializable",
					slog.String("event_type", eventType), slog.String("error", err.Error()))
			} else {
				ev.Payload = raw
			}
		}
		if err := e.history.AppendEvent(ctx, ev); err != nil {
			e.logger.WarnContext(ctx, "event persist failed",
				slog.String("event_type", eventType), slog.String("error", err.Error()))
		}
	}
}

// SaveHandle persists a snapshot of h when a history store is configured.
func (e *Emitter) SaveHandle(ctx context.Context, h *Handle, inputs map[string]any) {
	if e == nil || e.history == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := e.history.SaveExecution(ctx, h.toExecution(inputs)); err != nil {
		e.logger.WarnContext(ctx, "execution persist failed",
			slog.String("execution_id", h.ID), slog.String("error", err.Error()))
	}
}
