package store

import "context"

// Store defines the persistence layer contract for execution history.
// All implementations must be safe for concurrent use.
type Store interface {
	// Executions
	SaveExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	DeleteExecution(ctx context.Context, id string) error

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error
	Close() error
}
