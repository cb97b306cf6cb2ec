package mcp

import "sync"

// SessionRegistry maps execution IDs to the MCP session that started them.
// Populated by stepflow.run when the call arrives over a session.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // executionID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an execution with a session.
func (r *SessionRegistry) Register(executionID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[executionID] = sessionID
}

// SessionFor returns the session that started the execution, if still known.
func (r *SessionRegistry) SessionFor(executionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[executionID]
	return sid, ok
}

// Forget drops the mapping of one execution, once it has finished.
func (r *SessionRegistry) Forget(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, executionID)
}

// Remove deletes every execution mapped to the given session.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for eid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, eid)
		}
	}
}

// Len returns the number of tracked executions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
