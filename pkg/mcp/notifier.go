package mcp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// NotificationMethod is the MCP method execution events are sent under.
const NotificationMethod = "notifications/message"

// ExecutionNotifier pushes notifications about one execution to whoever
// started it.
type ExecutionNotifier interface {
	Notify(ctx context.Context, executionID string, payload map[string]any) error
}

// MCPNotifier implements ExecutionNotifier using MCP session push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to the starting session.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the session that started the execution.
// Best-effort: returns nil if that session is gone.
func (n *MCPNotifier) Notify(_ context.Context, executionID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(executionID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, NotificationMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Forwarder relays hub events to an ExecutionNotifier.
type Forwarder struct {
	hub      streaming.EventHub
	notifier ExecutionNotifier
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewForwarder creates a Forwarder. sessions may be nil; when set, the
// mapping of an execution is dropped once its final event is relayed.
func NewForwarder(hub streaming.EventHub, notifier ExecutionNotifier, sessions *SessionRegistry, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Forwarder{hub: hub, notifier: notifier, sessions: sessions, logger: logger}
}

// Run relays events until ctx is done. It returns nil on a clean stop.
func (f *Forwarder) Run(ctx context.Context) error {
	events, unsubscribe, err := f.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			f.relay(ctx, e)
		}
	}
}

func (f *Forwarder) relay(ctx context.Context, e streaming.StreamEvent) {
	if err := f.notifier.Notify(ctx, e.ExecutionID, EventPayload(e)); err != nil {
		f.logger.Debug("notification not delivered",
			slog.String("execution_id", e.ExecutionID),
			slog.String("event_type", e.EventType),
			slog.String("error", err.Error()))
	}
	if f.sessions != nil && isFinal(e.EventType) {
		f.sessions.Forget(e.ExecutionID)
	}
}

// EventPayload renders a stream event as notification params.
func EventPayload(e streaming.StreamEvent) map[string]any {
	p := map[string]any{
		"execution_id": e.ExecutionID,
		"event_type":   e.EventType,
		"timestamp":    e.Timestamp.Format(time.RFC3339Nano),
	}
	if e.Flow != "" {
		p["flow"] = e.Flow
	}
	if e.StepID != "" {
		p["step_id"] = e.StepID
	}
	if len(e.Payload) > 0 {
		p["payload"] = e.Payload
	}
	return p
}

func isFinal(eventType string) bool {
	switch eventType {
	case schema.EventFlowCompleted, schema.EventFlowFailed, schema.EventFlowCancelled:
		return true
	}
	return false
}
