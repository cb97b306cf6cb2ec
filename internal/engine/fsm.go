package engine

import (
	"slices"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// TransitionHook is called before or after a status transition. An error
// from a before hook aborts the transition.
type TransitionHook func(executionID string, from, to schema.ExecutionStatus) error

type hookKey struct {
	from, to schema.ExecutionStatus
}

// ValidTransitions defines the allowed status transitions of an execution
// handle. The empty status is a handle that has not started yet.
var ValidTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	"":                              {schema.ExecutionStatusRunning},
	schema.ExecutionStatusRunning:   {schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
	schema.ExecutionStatusCancelled: {},
}

// StatusFSM guards execution handle status changes.
type StatusFSM struct {
	mu     sync.Mutex
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook
}

// NewStatusFSM creates a StatusFSM with no hooks.
func NewStatusFSM() *StatusFSM {
	return &StatusFSM{
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition.
func (f *StatusFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition. Its error is returned
// but the transition stands.
func (f *StatusFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to and runs the registered hooks. The caller
// owns the handle and applies the new status when Transition succeeds.
func (f *StatusFSM) Transition(executionID string, from, to schema.ExecutionStatus) error {
	if !IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", displayStatus(from), to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}
	f.mu.Lock()
	before := slices.Clone(f.before[key])
	after := slices.Clone(f.after[key])
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(executionID, from, to); err != nil {
			return err
		}
	}
	var firstErr error
	for _, hook := range after {
		if err := hook(executionID, from, to); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IsValidTransition reports whether from -> to is allowed.
func IsValidTransition(from, to schema.ExecutionStatus) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(allowed, to)
}

func displayStatus(s schema.ExecutionStatus) string {
	if s == "" {
		return "new"
	}
	return string(s)
}

// statusEventType maps a terminal status to the flow event announcing it.
func statusEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		return schema.EventFlowStarted
	case schema.ExecutionStatusCompleted:
		return schema.EventFlowCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventFlowFailed
	case schema.ExecutionStatusCancelled:
		return schema.EventFlowCancelled
	default:
		return ""
	}
}
