package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, store MemoryStore, entries ...MemoryEntry) {
	t.Helper()
	base := time.Now().UTC()
	for i, e := range entries {
		// Later arguments are newer.
		e.CreatedAt = base.Add(time.Duration(i-len(entries)) * time.Minute)
		_, err := store.Write(context.Background(), e)
		require.NoError(t, err)
	}
}

func TestBuildEmptyStore(t *testing.T) {
	b := NewContextBuilder(NewInMemoryStorage())
	mc := b.Build(context.Background(), "agent", "s1", "hello")

	assert.True(t, mc.Empty())
	assert.Equal(t, 0, mc.TotalMemories)
	assert.Empty(t, mc.Render())
}

func TestBuildNilBuilder(t *testing.T) {
	var b *ContextBuilder
	assert.True(t, b.Build(context.Background(), "a", "s", "m").Empty())
}

func TestBuildRanksLessonsByImportanceAndTags(t *testing.T) {
	store := NewInMemoryStorage()
	seed(t, store,
		NewMemoryEntry("a", CategoryLesson, "run tests before committing").WithImportance(0.7).WithTags("test"),
		NewMemoryEntry("a", CategoryLesson, "force pushes were rejected").WithImportance(0.6).WithTags("git", "push"),
		NewMemoryEntry("a", CategoryLesson, "npm install is slow").WithImportance(0.5).WithTags("npm"),
		NewMemoryEntry("a", CategoryInteraction, "summarized README").WithImportance(0.3),
	)

	b := NewContextBuilder(store, WithLimits(1, 2))
	mc := b.Build(context.Background(), "a", "s1", "please git push my branch")

	require.Len(t, mc.RecentInteractions, 1)
	assert.Equal(t, "summarized README", mc.RecentInteractions[0].Summary)

	require.Len(t, mc.RelevantLessons, 2)
	// 0.6 + two tag hits outranks 0.7 with none.
	assert.Equal(t, "force pushes were rejected", mc.RelevantLessons[0].Summary)
	assert.Equal(t, "run tests before committing", mc.RelevantLessons[1].Summary)
	assert.Equal(t, 3, mc.TotalMemories)
	assert.Contains(t, mc.Summary, "3 relevant memories")
	assert.Contains(t, mc.Summary, "0.53")
}

func TestBuildDeduplicatesRecentAndLessons(t *testing.T) {
	store := NewInMemoryStorage()
	seed(t, store,
		NewMemoryEntry("a", CategoryLesson, "older lesson").WithImportance(0.4),
		NewMemoryEntry("a", CategoryLesson, "newest lesson").WithImportance(0.9),
	)

	b := NewContextBuilder(store, WithLimits(1, 3))
	mc := b.Build(context.Background(), "a", "s1", "anything")

	require.Len(t, mc.RecentInteractions, 1)
	assert.Equal(t, "newest lesson", mc.RecentInteractions[0].Summary)
	require.Len(t, mc.RelevantLessons, 1)
	assert.Equal(t, "older lesson", mc.RelevantLessons[0].Summary)
	assert.Equal(t, 2, mc.TotalMemories)
}

func TestRenderIncludesSections(t *testing.T) {
	mc := MemoryContext{
		Summary:            "2 relevant memories (average importance 0.50)",
		RecentInteractions: []MemoryEntry{{Summary: "listed files"}},
		RelevantLessons:    []MemoryEntry{{Summary: "avoid rm -rf", Details: "rejected by reviewer"}},
		TotalMemories:      2,
	}
	out := mc.Render()
	assert.Contains(t, out, "MEMORY CONTEXT: 2 relevant memories")
	assert.Contains(t, out, "Recent interactions:\n- listed files\n")
	assert.Contains(t, out, "Lessons learned:\n- avoid rm -rf (rejected by reviewer)\n")
}

var memoryRowColumns = []string{
	"id", "agent_id", "session_id", "category", "summary", "details",
	"importance", "tags", "created_at", "access_count",
}

func TestBuildSurvivesStoreFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM memories WHERE agent_id = \? ORDER BY created_at DESC`).
		WithArgs("a", DefaultRecentLimit).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectQuery(`AND category = \? ORDER BY importance DESC`).
		WithArgs("a", "lesson", DefaultLessonLimit*4).
		WillReturnError(errors.New("disk I/O error"))

	b := NewContextBuilder(NewSqliteWithDB(db))
	mc := b.Build(context.Background(), "a", "s1", "hello")

	assert.True(t, mc.Empty())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildPartialStoreFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`ORDER BY created_at DESC`).
		WillReturnError(errors.New("database is locked"))
	rows := sqlmock.NewRows(memoryRowColumns).
		AddRow("m1", "a", "", "lesson", "avoid force push", "", 0.8, `["git"]`, time.Now().UnixNano(), 0)
	mock.ExpectQuery(`AND category = \?`).
		WithArgs("a", "lesson", DefaultLessonLimit*4).
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE memories SET access_count = access_count \+ 1`).
		WithArgs("m1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	b := NewContextBuilder(NewSqliteWithDB(db))
	mc := b.Build(context.Background(), "a", "s1", "git push")

	assert.Empty(t, mc.RecentInteractions)
	require.Len(t, mc.RelevantLessons, 1)
	assert.Equal(t, []string{"git"}, mc.RelevantLessons[0].Tags)
	assert.Equal(t, 1, mc.RelevantLessons[0].AccessCount)
	assert.Equal(t, 1, mc.TotalMemories)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRankLessonsMatchesMixedCaseTags(t *testing.T) {
	// Entries written without WithTags keep their tags as given.
	readme := NewMemoryEntry("a", CategoryLesson, "README.md edits need a preview").WithImportance(0.5)
	readme.ID, readme.Tags = "r", []string{"README.md"}
	other := NewMemoryEntry("a", CategoryLesson, "unrelated").WithImportance(0.6)
	other.ID, other.Tags = "o", []string{"Makefile"}

	got := rankLessons([]MemoryEntry{other, readme}, nil, "Update the readme.md intro", 1)
	require.Len(t, got, 1)
	assert.Equal(t, "r", got[0].ID)
}
