// Package sessions provides the durable per-session event log and its
// live-tail fan-out. Sessions and events are append-only: the store's sole
// mutation paths are session creation, renaming, and event append.
package sessions

import (
	"context"
	"errors"

	"github.com/haasonsaas/patchwork/pkg/models"
)

// ErrNotFound is returned when a referenced session does not exist.
var ErrNotFound = errors.New("session not found")

// Store is the interface for session and event persistence. Implementations
// must serialize writes within the process and notify subscribers after the
// row is durably written, in append order.
type Store interface {
	// CreateSession inserts a new session with a short unique id.
	CreateSession(ctx context.Context) (*models.Session, error)

	// GetSession returns the summary for one session, or ErrNotFound.
	GetSession(ctx context.Context, id string) (*models.SessionSummary, error)

	// ListSessions returns summaries ordered by most recent activity
	// (last event time, falling back to creation time). The limit is
	// clamped to [1, 500].
	ListSessions(ctx context.Context, limit int) ([]*models.SessionSummary, error)

	// UpdateSessionName renames a session. Empty names (after trimming)
	// are a no-op.
	UpdateSessionName(ctx context.Context, id, name string) error

	// LastSessionID returns the id of the most recently active session,
	// or "" when the store is empty.
	LastSessionID(ctx context.Context) (string, error)

	// AppendEvent inserts an event and returns the stored record with
	// its assigned id and timestamp.
	AppendEvent(ctx context.Context, sessionID string, kind models.EventKind, payload map[string]any) (*models.Event, error)

	// ListEvents returns all events for a session ordered by
	// (createdAt, id) ascending. Rows whose stored payload fails to
	// decode are surfaced with a {"raw": <text>} payload, never an error.
	ListEvents(ctx context.Context, sessionID string) ([]*models.Event, error)

	// Subscribe registers a live-tail listener for one session. The
	// returned subscription observes every subsequent append in order.
	Subscribe(sessionID string) *Subscription

	Close() error
}
