package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/richinex/theseus/model"
)

// InMemoryStorage implements MemoryStore and TranscriptStore with maps.
// Data is lost when the process exits.
type InMemoryStorage struct {
	mu          sync.RWMutex
	memories    map[string][]MemoryEntry // by agent
	transcripts map[string][]model.Step
}

// NewInMemoryStorage creates an empty in-memory store.
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		memories:    make(map[string][]MemoryEntry),
		transcripts: make(map[string][]model.Step),
	}
}

// Write stores a memory entry. Writing an existing id replaces it.
func (s *InMemoryStorage) Write(_ context.Context, entry MemoryEntry) (string, error) {
	entry = prepare(entry)
	entry.Tags = append([]string(nil), entry.Tags...)

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.memories[entry.AgentID]
	for i := range list {
		if list[i].ID == entry.ID {
			list[i] = entry
			return entry.ID, nil
		}
	}
	s.memories[entry.AgentID] = append(list, entry)
	return entry.ID, nil
}

// Query returns matching entries, ranked by filter.OrderBy, and bumps
// their access counts.
func (s *InMemoryStorage) Query(_ context.Context, agentID string, filter Filter, limit int) ([]MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.memories[agentID]
	idx := make([]int, 0, len(list))
	for i, e := range list {
		if filter.matches(e) {
			idx = append(idx, i)
		}
	}

	sort.SliceStable(idx, func(a, b int) bool {
		ea, eb := list[idx[a]], list[idx[b]]
		if filter.OrderBy == OrderImportance && ea.Importance != eb.Importance {
			return ea.Importance > eb.Importance
		}
		return ea.CreatedAt.After(eb.CreatedAt)
	})
	if limit > 0 && len(idx) > limit {
		idx = idx[:limit]
	}

	out := make([]MemoryEntry, 0, len(idx))
	for _, i := range idx {
		list[i].AccessCount++
		e := list[i]
		e.Tags = append([]string(nil), e.Tags...)
		out = append(out, e)
	}
	return out, nil
}

// Save replaces a session's step history.
func (s *InMemoryStorage) Save(_ context.Context, sessionID string, steps []model.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make([]model.Step, len(steps))
	copy(copied, steps)
	s.transcripts[sessionID] = copied
	return nil
}

// Load returns a copy of a session's step history.
func (s *InMemoryStorage) Load(_ context.Context, sessionID string) ([]model.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps, ok := s.transcripts[sessionID]
	if !ok {
		return []model.Step{}, nil
	}
	copied := make([]model.Step, len(steps))
	copy(copied, steps)
	return copied, nil
}

// Delete removes a session's step history.
func (s *InMemoryStorage) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.transcripts, sessionID)
	return nil
}

// ListSessions lists sessions with stored history.
func (s *InMemoryStorage) ListSessions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]string, 0, len(s.transcripts))
	for id := range s.transcripts {
		sessions = append(sessions, id)
	}
	sort.Strings(sessions)
	return sessions, nil
}

var (
	_ MemoryStore     = (*InMemoryStorage)(nil)
	_ TranscriptStore = (*InMemoryStorage)(nil)
)
