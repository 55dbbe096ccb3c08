package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/richinex/theseus/model"
)

// SQLite driver names.
const (
	DriverCGO    = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPureGo = "sqlite"  // modernc.org/sqlite
)

// SqliteStorage implements MemoryStore and TranscriptStore on SQLite.
// sql.DB handles pooling; every method is safe for concurrent use.
type SqliteStorage struct {
	db *sql.DB
}

// OpenSqlite opens or creates a database at path with the given driver
// (DriverCGO when empty), creating parent directories as needed.
func OpenSqlite(driver, path string) (*SqliteStorage, error) {
	if driver == "" {
		driver = DriverCGO
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn(driver, path))
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	return initialize(db)
}

// NewSqliteInMemory creates an in-memory database. A single connection is
// kept so every query sees the same database.
func NewSqliteInMemory(driver string) (*SqliteStorage, error) {
	if driver == "" {
		driver = DriverCGO
	}
	db, err := sql.Open(driver, ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory SQLite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return initialize(db)
}

// NewSqliteWithDB wraps an open handle whose schema already exists.
func NewSqliteWithDB(db *sql.DB) *SqliteStorage {
	return &SqliteStorage{db: db}
}

func dsn(driver, path string) string {
	if driver == DriverPureGo {
		return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	return path + "?_journal_mode=WAL&_busy_timeout=5000"
}

func initialize(db *sql.DB) (*SqliteStorage, error) {
	s := NewSqliteWithDB(db)
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SqliteStorage) Close() error {
	return s.db.Close()
}

func (s *SqliteStorage) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL,
			summary TEXT NOT NULL,
			details TEXT NOT NULL DEFAULT '',
			importance REAL NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_memories_recent
		ON memories(agent_id, category, created_at DESC);

		CREATE INDEX IF NOT EXISTS idx_memories_importance
		ON memories(agent_id, importance DESC);

		CREATE TABLE IF NOT EXISTS memory_tags (
			memory_id TEXT NOT NULL,
			tag TEXT NOT NULL,
			PRIMARY KEY (memory_id, tag)
		);

		CREATE INDEX IF NOT EXISTS idx_memory_tags_tag ON memory_tags(tag);

		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS steps (
			session_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (session_id, step_index)
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Write stores a memory entry and its tags. Writing an existing id
// replaces it.
func (s *SqliteStorage) Write(ctx context.Context, entry MemoryEntry) (string, error) {
	entry = prepare(entry)
	tags, err := json.Marshal(entry.Tags)
	if err != nil {
		return "", fmt.Errorf("failed to encode tags: %w", err)
	}
	if entry.Tags == nil {
		tags = []byte("[]")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO memories
		(id, agent_id, session_id, category, summary, details, importance, tags, created_at, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.AgentID,
		entry.SessionID,
		string(entry.Category),
		entry.Summary,
		entry.Details,
		entry.Importance,
		string(tags),
		entry.CreatedAt.UnixNano(),
		entry.AccessCount,
	)
	if err != nil {
		return "", fmt.Errorf("failed to store memory: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM memory_tags WHERE memory_id = ?", entry.ID); err != nil {
		return "", fmt.Errorf("failed to clear memory tags: %w", err)
	}
	for _, tag := range entry.Tags {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO memory_tags (memory_id, tag) VALUES (?, ?)", entry.ID, tag); err != nil {
			return "", fmt.Errorf("failed to store memory tag: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return entry.ID, nil
}

const memoryColumns = `id, agent_id, session_id, category, summary, details, importance, tags, created_at, access_count`

// Query returns matching entries and bumps their access counts.
func (s *SqliteStorage) Query(ctx context.Context, agentID string, filter Filter, limit int) ([]MemoryEntry, error) {
	query, args := buildMemoryQuery(agentID, filter, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer rows.Close()

	memories := []MemoryEntry{}
	for rows.Next() {
		entry, err := scanMemoryRow(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memories: %w", err)
	}

	if err := s.touch(ctx, memories); err != nil {
		return nil, err
	}
	return memories, nil
}

func buildMemoryQuery(agentID string, filter Filter, limit int) (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT " + memoryColumns + " FROM memories WHERE agent_id = ?")
	args := []any{agentID}

	if filter.SessionID != "" {
		sb.WriteString(" AND session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Category != "" {
		sb.WriteString(" AND category = ?")
		args = append(args, string(filter.Category))
	}
	if filter.MinImportance > 0 {
		sb.WriteString(" AND importance >= ?")
		args = append(args, filter.MinImportance)
	}
	if tags := normalizeTags(filter.Tags); len(tags) > 0 {
		sb.WriteString(" AND id IN (SELECT memory_id FROM memory_tags WHERE tag IN (" + placeholders(len(tags)) + "))")
		for _, t := range tags {
			args = append(args, t)
		}
	}

	if filter.OrderBy == OrderImportance {
		sb.WriteString(" ORDER BY importance DESC, created_at DESC")
	} else {
		sb.WriteString(" ORDER BY created_at DESC")
	}
	if limit <= 0 {
		limit = -1
	}
	sb.WriteString(" LIMIT ?")
	args = append(args, limit)
	return sb.String(), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func scanMemoryRow(rows *sql.Rows) (MemoryEntry, error) {
	var (
		entry     MemoryEntry
		category  string
		tags      string
		createdAt int64
	)
	err := rows.Scan(
		&entry.ID,
		&entry.AgentID,
		&entry.SessionID,
		&category,
		&entry.Summary,
		&entry.Details,
		&entry.Importance,
		&tags,
		&createdAt,
		&entry.AccessCount,
	)
	if err != nil {
		return MemoryEntry{}, fmt.Errorf("failed to scan memory: %w", err)
	}

	entry.Category = Category(category)
	entry.CreatedAt = time.Unix(0, createdAt).UTC()
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &entry.Tags); err != nil {
			return MemoryEntry{}, fmt.Errorf("invalid tags for memory %s: %w", entry.ID, err)
		}
	}
	return entry, nil
}

func (s *SqliteStorage) touch(ctx context.Context, entries []MemoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	args := make([]any, len(entries))
	for i := range entries {
		args[i] = entries[i].ID
		entries[i].AccessCount++
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE memories SET access_count = access_count + 1 WHERE id IN ("+placeholders(len(args))+")",
		args...)
	if err != nil {
		return fmt.Errorf("failed to update access tracking: %w", err)
	}
	return nil
}

// Get returns one memory by id, or nil when it does not exist.
func (s *SqliteStorage) Get(ctx context.Context, id string) (*MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+memoryColumns+" FROM memories WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to get memory: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get memory: %w", err)
		}
		return nil, nil
	}
	entry, err := scanMemoryRow(rows)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// DeleteMemory removes one memory and its tags.
func (s *SqliteStorage) DeleteMemory(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM memory_tags WHERE memory_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete memory tags: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	return nil
}

// Save replaces the step history for a session.
func (s *SqliteStorage) Save(ctx context.Context, sessionID string, steps []model.Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO sessions (session_id) VALUES (?)", sessionID); err != nil {
		return fmt.Errorf("failed to ensure session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM steps WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to clear old steps: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO steps (session_id, step_index, kind, payload) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer stmt.Close()

	for i, step := range steps {
		payload, err := json.Marshal(step)
		if err != nil {
			return fmt.Errorf("failed to encode step %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, sessionID, i, string(step.Kind), string(payload)); err != nil {
			return fmt.Errorf("failed to insert step: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET updated_at = datetime('now') WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to update session timestamp: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Load loads a session's step history in order.
func (s *SqliteStorage) Load(ctx context.Context, sessionID string) ([]model.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM steps WHERE session_id = ? ORDER BY step_index ASC", sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	steps := []model.Step{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		var step model.Step
		if err := json.Unmarshal([]byte(payload), &step); err != nil {
			return nil, fmt.Errorf("failed to decode step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}
	return steps, nil
}

// Delete removes a session's step history.
func (s *SqliteStorage) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM steps WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete steps: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// ListSessions lists sessions, most recently updated first.
func (s *SqliteStorage) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT session_id FROM sessions ORDER BY updated_at DESC, session_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("unknown memory driver")

// Open returns the store for a configured driver: "memory", or one of the
// SQLite drivers with a database path.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewInMemoryStorage(), nil
	case DriverCGO, DriverPureGo:
		if path == "" || path == ":memory:" {
			return NewSqliteInMemory(driver)
		}
		return OpenSqlite(driver, path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// Store is a combined memory and transcript backend.
type Store interface {
	MemoryStore
	TranscriptStore
}

// Close releases a store opened with Open.
func Close(s Store) error {
	if c, ok := s.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

var (
	_ MemoryStore     = (*SqliteStorage)(nil)
	_ TranscriptStore = (*SqliteStorage)(nil)
)
