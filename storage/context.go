package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Context builder defaults.
const (
	DefaultRecentLimit = 5
	DefaultLessonLimit = 3
)

// tagBoost is added to a lesson's score per tag found in the message.
const tagBoost = 0.15

// MemoryContext is the ranked memory fragment for one prompt.
type MemoryContext struct {
	Summary            string
	RecentInteractions []MemoryEntry
	RelevantLessons    []MemoryEntry
	TotalMemories      int
}

// Empty reports whether the context carries no memories.
func (m MemoryContext) Empty() bool {
	return m.TotalMemories == 0
}

// Render formats the context for a system prompt. An empty context
// renders as "".
func (m MemoryContext) Render() string {
	if m.Empty() {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("MEMORY CONTEXT: ")
	sb.WriteString(m.Summary)
	sb.WriteString("\n")
	if len(m.RecentInteractions) > 0 {
		sb.WriteString("Recent interactions:\n")
		for _, e := range m.RecentInteractions {
			fmt.Fprintf(&sb, "- %s\n", e.Summary)
		}
	}
	if len(m.RelevantLessons) > 0 {
		sb.WriteString("Lessons learned:\n")
		for _, e := range m.RelevantLessons {
			if e.Details != "" {
				fmt.Fprintf(&sb, "- %s (%s)\n", e.Summary, e.Details)
			} else {
				fmt.Fprintf(&sb, "- %s\n", e.Summary)
			}
		}
	}
	return sb.String()
}

// ContextBuilder retrieves and ranks memories for prompt injection.
type ContextBuilder struct {
	store   MemoryStore
	recent  int
	lessons int
	logger  *slog.Logger
}

// ContextOption configures a ContextBuilder.
type ContextOption func(*ContextBuilder)

// WithLimits bounds the recent and lesson lists.
func WithLimits(recent, lessons int) ContextOption {
	return func(b *ContextBuilder) {
		if recent >= 0 {
			b.recent = recent
		}
		if lessons >= 0 {
			b.lessons = lessons
		}
	}
}

// WithContextLogger sets the logger used for store failures.
func WithContextLogger(l *slog.Logger) ContextOption {
	return func(b *ContextBuilder) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewContextBuilder creates a builder over store.
func NewContextBuilder(store MemoryStore, opts ...ContextOption) *ContextBuilder {
	b := &ContextBuilder{
		store:   store,
		recent:  DefaultRecentLimit,
		lessons: DefaultLessonLimit,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build returns the memory context for message. It never fails: a store
// error is logged and treated as no memories.
func (b *ContextBuilder) Build(ctx context.Context, agentID, sessionID, message string) MemoryContext {
	if b == nil || b.store == nil {
		return MemoryContext{}
	}

	var recent []MemoryEntry
	if b.recent > 0 {
		var err error
		recent, err = b.store.Query(ctx, agentID, Filter{OrderBy: OrderRecent}, b.recent)
		if err != nil {
			b.logger.Warn("memory query failed", "agent_id", agentID, "session_id", sessionID, "kind", "recent", "error", err)
			recent = nil
		}
	}

	var lessons []MemoryEntry
	if b.lessons > 0 {
		candidates, err := b.store.Query(ctx, agentID, Filter{Category: CategoryLesson, OrderBy: OrderImportance}, b.lessons*4)
		if err != nil {
			b.logger.Warn("memory query failed", "agent_id", agentID, "session_id", sessionID, "kind", "lessons", "error", err)
		} else {
			lessons = rankLessons(candidates, recent, message, b.lessons)
		}
	}

	total := len(recent) + len(lessons)
	if total == 0 {
		return MemoryContext{}
	}

	sum := 0.0
	for _, e := range recent {
		sum += e.Importance
	}
	for _, e := range lessons {
		sum += e.Importance
	}

	return MemoryContext{
		Summary:            fmt.Sprintf("%d relevant memories (average importance %.2f)", total, sum/float64(total)),
		RecentInteractions: recent,
		RelevantLessons:    lessons,
		TotalMemories:      total,
	}
}

// rankLessons drops entries already in recent, scores the rest by
// importance plus tag overlap with message, and keeps the top limit.
func rankLessons(candidates, recent []MemoryEntry, message string, limit int) []MemoryEntry {
	seen := make(map[string]bool, len(recent))
	for _, e := range recent {
		seen[e.ID] = true
	}
	msg := strings.ToLower(message)

	type scored struct {
		entry MemoryEntry
		score float64
	}
	var ranked []scored
	for _, e := range candidates {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		score := e.Importance
		for _, tag := range e.Tags {
			if tag != "" && strings.Contains(msg, strings.ToLower(tag)) {
				score += tagBoost
			}
		}
		ranked = append(ranked, scored{e, score})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	out := make([]MemoryEntry, len(ranked))
	for i, r := range ranked {
		out[i] = r.entry
	}
	return out
}
