// Package orchestration owns live sessions and the control surface over
// them.
//
// The Registry is the only shared map of sessions; each session's state is
// guarded by its own controller. The Service layers turns, cancellation,
// approval decisions, and event subscriptions on top.
package orchestration

import (
	"sort"
	"sync"

	"github.com/richinex/theseus/agent"
)

// Registry maps session ids to controllers. The map itself is never
// exposed.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*agent.Controller
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*agent.Controller)}
}

// Get returns the session's controller.
func (r *Registry) Get(id string) (*agent.Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sessions[id]
	return c, ok
}

// GetOrCreate returns the existing controller for id, or stores the one
// create builds. create runs without the lock held; when another caller
// wins the race its controller is returned and ours is dropped unused.
// The loser shares the winner's id, so it is not closed: closing would
// publish a status change for the live session. The bool reports
// whether a new controller was stored.
func (r *Registry) GetOrCreate(id string, create func() (*agent.Controller, error)) (*agent.Controller, bool, error) {
	if c, ok := r.Get(id); ok {
		return c, false, nil
	}
	c, err := create()
	if err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[id]; ok {
		return existing, false, nil
	}
	r.sessions[id] = c
	return c, true, nil
}

// Remove deletes and returns the session's controller.
func (r *Registry) Remove(id string) (*agent.Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return c, ok
}

// RemoveIf deletes the session when pred holds for its controller.
func (r *Registry) RemoveIf(id string, pred func(*agent.Controller) bool) (*agent.Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[id]
	if !ok || !pred(c) {
		return nil, false
	}
	delete(r.sessions, id)
	return c, true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the live session ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
