package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/richinex/theseus/model"
)

func newTestSqlite(t *testing.T) *SqliteStorage {
	t.Helper()
	storage, err := NewSqliteInMemory(DriverCGO)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func TestSqliteStorageSaveAndLoad(t *testing.T) {
	storage := newTestSqlite(t)
	ctx := context.Background()

	steps := []model.Step{
		{Kind: model.StepUserMessage, Content: "list the files", Timestamp: time.Now().UTC()},
		{Kind: model.StepToolCall, ToolName: "list_files", ToolArgs: map[string]any{"path": "."}},
		{Kind: model.StepObservation, Content: "main.go", Success: true},
	}

	if err := storage.Save(ctx, "test-session", steps); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := storage.Load(ctx, "test-session")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(loaded))
	}
	if loaded[0].Content != "list the files" {
		t.Errorf("expected 'list the files', got '%s'", loaded[0].Content)
	}
	if loaded[1].ToolArgs["path"] != "." {
		t.Errorf("expected tool args to round-trip, got %v", loaded[1].ToolArgs)
	}
	if !loaded[2].Success {
		t.Error("expected observation success to round-trip")
	}
}

func TestSqliteStorageLoadNonexistentSession(t *testing.T) {
	storage := newTestSqlite(t)

	loaded, err := storage.Load(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded == nil || len(loaded) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", loaded)
	}
}

func TestSqliteStorageOverwriteAndDelete(t *testing.T) {
	storage := newTestSqlite(t)
	ctx := context.Background()

	first := []model.Step{{Kind: model.StepUserMessage, Content: "First"}}
	second := []model.Step{
		{Kind: model.StepUserMessage, Content: "Second"},
		{Kind: model.StepFinalAnswer, Content: "Response"},
	}
	if err := storage.Save(ctx, "s", first); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := storage.Save(ctx, "s", second); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := storage.Load(ctx, "s")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded) != 2 || loaded[0].Content != "Second" {
		t.Errorf("expected overwritten history, got %+v", loaded)
	}

	if err := storage.Delete(ctx, "s"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	sessions, err := storage.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected no sessions after delete, got %v", sessions)
	}
}

func TestSqliteStorageWriteAndQueryMemory(t *testing.T) {
	storage := newTestSqlite(t)
	ctx := context.Background()

	entry := NewMemoryEntry("agent-1", CategoryInteraction, "Listed files in repo").
		WithSession("s1").
		WithDetails("found main.go").
		WithImportance(0.4).
		WithTags("Files", "files", "repo")

	id, err := storage.Write(ctx, entry)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if id != entry.ID {
		t.Errorf("expected id %s, got %s", entry.ID, id)
	}

	memories, err := storage.Query(ctx, "agent-1", Filter{}, 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(memories) != 1 {
		t.Fatalf("expected 1 memory, got %d", len(memories))
	}
	got := memories[0]
	if got.Summary != "Listed files in repo" || got.Details != "found main.go" {
		t.Errorf("unexpected memory: %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "files" || got.Tags[1] != "repo" {
		t.Errorf("expected normalized tags [files repo], got %v", got.Tags)
	}
	if got.AccessCount != 1 {
		t.Errorf("expected access count 1, got %d", got.AccessCount)
	}
	if !got.CreatedAt.Equal(entry.CreatedAt) {
		t.Errorf("created_at mismatch: %v vs %v", got.CreatedAt, entry.CreatedAt)
	}

	other, err := storage.Query(ctx, "agent-2", Filter{}, 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected agent isolation, got %d memories", len(other))
	}
}

func TestSqliteStorageQueryFilters(t *testing.T) {
	storage := newTestSqlite(t)
	ctx := context.Background()
	base := time.Now().UTC()

	write := func(e MemoryEntry, age time.Duration) {
		t.Helper()
		e.CreatedAt = base.Add(-age)
		if _, err := storage.Write(ctx, e); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	write(NewMemoryEntry("a", CategoryLesson, "low lesson").WithImportance(0.2).WithTags("git"), time.Minute)
	write(NewMemoryEntry("a", CategoryLesson, "high lesson").WithImportance(0.9).WithTags("shell"), 3*time.Minute)
	write(NewMemoryEntry("a", CategoryInteraction, "newest").WithImportance(0.5).WithSession("s2"), 0)

	byImportance, err := storage.Query(ctx, "a", Filter{Category: CategoryLesson, OrderBy: OrderImportance}, 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(byImportance) != 2 || byImportance[0].Summary != "high lesson" {
		t.Errorf("expected high lesson first, got %+v", byImportance)
	}

	recent, err := storage.Query(ctx, "a", Filter{}, 2)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(recent) != 2 || recent[0].Summary != "newest" || recent[1].Summary != "low lesson" {
		t.Errorf("unexpected recency order: %+v", recent)
	}

	tagged, err := storage.Query(ctx, "a", Filter{Tags: []string{"GIT"}}, 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(tagged) != 1 || tagged[0].Summary != "low lesson" {
		t.Errorf("expected tag filter to match low lesson, got %+v", tagged)
	}

	important, err := storage.Query(ctx, "a", Filter{MinImportance: 0.5}, 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(important) != 2 {
		t.Errorf("expected 2 entries with importance >= 0.5, got %d", len(important))
	}

	session, err := storage.Query(ctx, "a", Filter{SessionID: "s2"}, 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(session) != 1 || session[0].Summary != "newest" {
		t.Errorf("expected session filter to match newest, got %+v", session)
	}
}

func TestSqliteStorageGetAndDeleteMemory(t *testing.T) {
	storage := newTestSqlite(t)
	ctx := context.Background()

	id, err := storage.Write(ctx, NewMemoryEntry("a", CategoryLesson, "avoid rm -rf").WithTags("shell"))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := storage.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil || got.Summary != "avoid rm -rf" {
		t.Fatalf("unexpected memory: %+v", got)
	}

	if err := storage.DeleteMemory(ctx, id); err != nil {
		t.Fatalf("DeleteMemory failed: %v", err)
	}
	got, err = storage.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil after delete, got %+v", got)
	}
	tagged, err := storage.Query(ctx, "a", Filter{Tags: []string{"shell"}}, 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(tagged) != 0 {
		t.Errorf("expected tags removed with memory, got %d", len(tagged))
	}
}

func TestOpenSqlitePureGoDriver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "memory.db")
	storage, err := OpenSqlite(DriverPureGo, path)
	if err != nil {
		t.Fatalf("OpenSqlite failed: %v", err)
	}
	defer storage.Close()

	ctx := context.Background()
	if _, err := storage.Write(ctx, NewMemoryEntry("a", CategoryInteraction, "persisted")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	memories, err := storage.Query(ctx, "a", Filter{}, 1)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(memories) != 1 || memories[0].Summary != "persisted" {
		t.Errorf("unexpected memories: %+v", memories)
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	s, err := Open("memory", "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, ok := s.(*InMemoryStorage); !ok {
		t.Errorf("expected in-memory store, got %T", s)
	}

	s, err = Open(DriverCGO, ":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer Close(s)
	if _, ok := s.(*SqliteStorage); !ok {
		t.Errorf("expected sqlite store, got %T", s)
	}

	if _, err := Open("postgres", "x"); err == nil {
		t.Error("expected error for unknown driver")
	}
}
