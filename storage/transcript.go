package storage

import (
	"context"

	"github.com/richinex/theseus/model"
)

// TranscriptStore keeps the step history of sessions.
type TranscriptStore interface {
	// Save replaces the stored history for a session.
	Save(ctx context.Context, sessionID string, steps []model.Step) error

	// Load returns the stored history, or an empty slice (not nil) when the
	// session is unknown. Errors are reserved for storage failures.
	Load(ctx context.Context, sessionID string) ([]model.Step, error)

	// Delete removes a session's history.
	Delete(ctx context.Context, sessionID string) error

	// ListSessions lists sessions with stored history.
	ListSessions(ctx context.Context) ([]string, error)
}
