package mcp

import (
	"maps"
	"slices"
	"sync"
)

// SessionRegistry tracks which MCP sessions belong to which approver. A
// user may be connected from several clients at once; a session may act
// for several users.
type SessionRegistry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]struct{}
	bySess map[string]map[string]struct{}
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byUser: make(map[string]map[string]struct{}),
		bySess: make(map[string]map[string]struct{}),
	}
}

// Register records that userID called a tool from sessionID.
func (r *SessionRegistry) Register(userID, sessionID string) {
	if userID == "" || sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	link(r.byUser, userID, sessionID)
	link(r.bySess, sessionID, userID)
}

// Sessions returns the sessions of userID, sorted.
func (r *SessionRegistry) Sessions(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.byUser[userID]))
}

// Forget drops a single session of userID.
func (r *SessionRegistry) Forget(userID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	unlink(r.byUser, userID, sessionID)
	unlink(r.bySess, sessionID, userID)
}

// Remove drops a disconnected session from every user it served.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for userID := range r.bySess[sessionID] {
		unlink(r.byUser, userID, sessionID)
	}
	delete(r.bySess, sessionID)
}

// Users is the number of users with at least one session.
func (r *SessionRegistry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

func link(m map[string]map[string]struct{}, from, to string) {
	set, ok := m[from]
	if !ok {
		set = make(map[string]struct{})
		m[from] = set
	}
	set[to] = struct{}{}
}

func unlink(m map[string]map[string]struct{}, from, to string) {
	set, ok := m[from]
	if !ok {
		return
	}
	delete(set, to)
	if len(set) == 0 {
		delete(m, from)
	}
}
