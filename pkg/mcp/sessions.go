package mcp

import (
	"slices"
	"sync"
)

// SessionRegistry tracks which MCP sessions act for which principal. A
// principal may hold several sessions; all of them receive its notifications.
type SessionRegistry struct {
	mu          sync.RWMutex
	byPrincipal map[string]map[string]struct{}
	bySession   map[string]map[string]struct{}
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byPrincipal: make(map[string]map[string]struct{}),
		bySession:   make(map[string]map[string]struct{}),
	}
}

// Register records that sessionID acts for principalID.
func (r *SessionRegistry) Register(principalID, sessionID string) {
	if principalID == "" || sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	link(r.byPrincipal, principalID, sessionID)
	link(r.bySession, sessionID, principalID)
}

// SessionsFor returns the sessions of principalID, sorted.
func (r *SessionRegistry) SessionsFor(principalID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byPrincipal[principalID]
	out := make([]string, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	slices.Sort(out)
	return out
}

// Remove forgets a session, typically on disconnect.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for pid := range r.bySession[sessionID] {
		delete(r.byPrincipal[pid], sessionID)
		if len(r.byPrincipal[pid]) == 0 {
			delete(r.byPrincipal, pid)
		}
	}
	delete(r.bySession, sessionID)
}

// Principals reports how many principals have at least one live session.
func (r *SessionRegistry) Principals() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPrincipal)
}

func link(m map[string]map[string]struct{}, k, v string) {
	set, ok := m[k]
	if !ok {
		set = make(map[string]struct{})
		m[k] = set
	}
	set[v] = struct{}{}
}
