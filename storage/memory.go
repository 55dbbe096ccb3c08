// Package storage holds long-lived agent memory and session transcripts.
//
// MemoryStore is what the loop writes to and ranks from; TranscriptStore
// keeps step history across restarts. Both have SQLite and in-memory
// implementations.
package storage

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category groups memory entries.
type Category string

const (
	// CategoryInteraction records a completed turn.
	CategoryInteraction Category = "interaction"
	// CategoryLesson records something to avoid or repeat.
	CategoryLesson Category = "lesson"
)

// Order selects how Query ranks results.
type Order int

const (
	// OrderRecent returns newest entries first.
	OrderRecent Order = iota
	// OrderImportance returns the most important entries first, newest
	// first among equals.
	OrderImportance
)

// MemoryEntry is a unit of long-lived context. Importance is fixed at
// creation.
type MemoryEntry struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Category    Category  `json:"category"`
	Summary     string    `json:"summary"`
	Details     string    `json:"details,omitempty"`
	Importance  float64   `json:"importance"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	AccessCount int       `json:"access_count"`
}

// NewMemoryEntry creates an entry with a fresh id and the current time.
func NewMemoryEntry(agentID string, category Category, summary string) MemoryEntry {
	return MemoryEntry{
		ID:         uuid.New().String(),
		AgentID:    agentID,
		Category:   category,
		Summary:    summary,
		Importance: 0.5,
		CreatedAt:  time.Now().UTC(),
	}
}

// WithSession sets the originating session.
func (m MemoryEntry) WithSession(sessionID string) MemoryEntry {
	m.SessionID = sessionID
	return m
}

// WithDetails sets the entry details.
func (m MemoryEntry) WithDetails(details string) MemoryEntry {
	m.Details = details
	return m
}

// WithImportance sets importance, clamped to [0, 1].
func (m MemoryEntry) WithImportance(v float64) MemoryEntry {
	m.Importance = clampImportance(v)
	return m
}

// WithTags sets tags, lowercased and deduplicated.
func (m MemoryEntry) WithTags(tags ...string) MemoryEntry {
	m.Tags = normalizeTags(tags)
	return m
}

// Filter narrows a Query. Zero values match everything.
type Filter struct {
	SessionID     string
	Category      Category
	Tags          []string // entry must carry at least one
	MinImportance float64
	OrderBy       Order
}

// MemoryStore persists memory entries for agents.
type MemoryStore interface {
	// Query returns up to limit entries for agentID matching filter.
	Query(ctx context.Context, agentID string, filter Filter, limit int) ([]MemoryEntry, error)

	// Write stores entry and returns its id, assigning one when empty.
	Write(ctx context.Context, entry MemoryEntry) (string, error)
}

func clampImportance(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// prepare fills defaults before an entry is stored.
func prepare(entry MemoryEntry) MemoryEntry {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.Importance = clampImportance(entry.Importance)
	entry.Tags = normalizeTags(entry.Tags)
	return entry
}

func hasAnyTag(entry MemoryEntry, tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, want := range normalizeTags(tags) {
		for _, have := range entry.Tags {
			if have == want {
				return true
			}
		}
	}
	return false
}

func (f Filter) matches(entry MemoryEntry) bool {
	if f.SessionID != "" && entry.SessionID != f.SessionID {
		return false
	}
	if f.Category != "" && entry.Category != f.Category {
		return false
	}
	if entry.Importance < f.MinImportance {
		return false
	}
	return hasAnyTag(entry, f.Tags)
}
