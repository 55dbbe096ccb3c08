package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/richinex/theseus/model"
)

func TestInMemoryStorageSaveAndLoad(t *testing.T) {
	storage := NewInMemoryStorage()
	ctx := context.Background()

	steps := []model.Step{
		{Kind: model.StepUserMessage, Content: "Hello"},
		{Kind: model.StepFinalAnswer, Content: "Hi there"},
	}
	if err := storage.Save(ctx, "test-session", steps); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := storage.Load(ctx, "test-session")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(loaded))
	}
	if loaded[1].Content != "Hi there" {
		t.Errorf("expected 'Hi there', got '%s'", loaded[1].Content)
	}

	// Callers must not be able to mutate stored history.
	loaded[0].Content = "mutated"
	steps[1].Content = "mutated"
	again, _ := storage.Load(ctx, "test-session")
	if again[0].Content != "Hello" || again[1].Content != "Hi there" {
		t.Errorf("stored history was mutated: %+v", again)
	}
}

func TestInMemoryStorageDeleteAndList(t *testing.T) {
	storage := NewInMemoryStorage()
	ctx := context.Background()

	for _, id := range []string{"b", "a"} {
		if err := storage.Save(ctx, id, []model.Step{{Kind: model.StepUserMessage}}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	sessions, _ := storage.ListSessions(ctx)
	if len(sessions) != 2 || sessions[0] != "a" {
		t.Errorf("expected sorted sessions [a b], got %v", sessions)
	}

	if err := storage.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	loaded, err := storage.Load(ctx, "a")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("expected empty history after delete, got %d", len(loaded))
	}
}

func TestInMemoryStorageQueryRanking(t *testing.T) {
	storage := NewInMemoryStorage()
	ctx := context.Background()
	base := time.Now().UTC()

	old := NewMemoryEntry("a", CategoryLesson, "old but important").WithImportance(0.9)
	old.CreatedAt = base.Add(-time.Hour)
	fresh := NewMemoryEntry("a", CategoryLesson, "fresh").WithImportance(0.3).WithTags("git")
	fresh.CreatedAt = base

	for _, e := range []MemoryEntry{old, fresh} {
		if _, err := storage.Write(ctx, e); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	recent, _ := storage.Query(ctx, "a", Filter{}, 10)
	if recent[0].Summary != "fresh" {
		t.Errorf("expected fresh first by recency, got %s", recent[0].Summary)
	}
	important, _ := storage.Query(ctx, "a", Filter{OrderBy: OrderImportance}, 1)
	if len(important) != 1 || important[0].Summary != "old but important" {
		t.Errorf("expected importance ranking, got %+v", important)
	}
	tagged, _ := storage.Query(ctx, "a", Filter{Tags: []string{"git"}}, 10)
	if len(tagged) != 1 || tagged[0].Summary != "fresh" {
		t.Errorf("expected tag match, got %+v", tagged)
	}
	if tagged[0].AccessCount != 2 {
		t.Errorf("expected access count 2 after two reads, got %d", tagged[0].AccessCount)
	}
}

func TestInMemoryStorageConcurrentWrites(t *testing.T) {
	storage := NewInMemoryStorage()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agent := fmt.Sprintf("agent-%d", i%5)
			if _, err := storage.Write(ctx, NewMemoryEntry(agent, CategoryInteraction, "turn")); err != nil {
				t.Errorf("Write failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		got, _ := storage.Query(ctx, fmt.Sprintf("agent-%d", i), Filter{}, 0)
		if len(got) != 10 {
			t.Errorf("agent-%d: expected 10 memories, got %d", i, len(got))
		}
	}
}
