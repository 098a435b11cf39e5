package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/patchwork/pkg/models"
)

const (
	maxListLimit  = 500
	createRetries = 5
)

// SQLiteStore persists sessions and events in an embedded SQLite database.
// Writes are serialized behind a mutex so that subscriber notification
// order always matches append order.
type SQLiteStore struct {
	db   *sql.DB
	path string
	fan  *fanout

	writeMu sync.Mutex
}

// OpenSQLite opens (creating if needed) the database at path. Pass
// ":memory:" for an ephemeral store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps SQLite happy under concurrent use and
	// makes the in-memory variant share one schema.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path, fan: newFanout()}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_created
			ON events(session_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return s.ensureNameColumn()
}

// ensureNameColumn upgrades legacy databases created before sessions had a
// name column. Safe to run on every startup.
func (s *SQLiteStore) ensureNameColumn() error {
	rows, err := s.db.Query(`PRAGMA table_info(sessions)`)
	if err != nil {
		return fmt.Errorf("inspect sessions schema: %w", err)
	}
	defer rows.Close()

	hasName := false
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("scan sessions schema: %w", err)
		}
		if name == "name" {
			hasName = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if hasName {
		return nil
	}
	if _, err := s.db.Exec(`ALTER TABLE sessions ADD COLUMN name TEXT`); err != nil {
		return fmt.Errorf("add name column: %w", err)
	}
	return nil
}

// Path returns the database location for status reporting.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) CreateSession(ctx context.Context) (*models.Session, error) {
	now := time.Now().UTC()
	for attempt := 0; attempt < createRetries; attempt++ {
		id := shortID()
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sessions (id, name, created_at) VALUES (?, NULL, ?)`,
			id, now.UnixNano())
		if err == nil {
			return &models.Session{ID: id, CreatedAt: now}, nil
		}
		if !strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("insert session: %w", err)
		}
	}
	return nil, fmt.Errorf("insert session: exhausted id retries")
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.SessionSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.name, s.created_at, MAX(e.created_at), COUNT(e.id)
		FROM sessions s
		LEFT JOIN events e ON e.session_id = s.id
		WHERE s.id = ?
		GROUP BY s.id`, id)
	summary, err := scanSummary(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return summary, err
}

func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*models.SessionSummary, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.name, s.created_at, MAX(e.created_at), COUNT(e.id)
		FROM sessions s
		LEFT JOIN events e ON e.session_id = s.id
		GROUP BY s.id
		ORDER BY COALESCE(MAX(e.created_at), s.created_at) DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.SessionSummary
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateSessionName(ctx context.Context, id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) LastSessionID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id
		FROM sessions s
		LEFT JOIN events e ON e.session_id = s.id
		GROUP BY s.id
		ORDER BY COALESCE(MAX(e.created_at), s.created_at) DESC
		LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last session: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, sessionID string, kind models.EventKind, payload map[string]any) (*models.Event, error) {
	if !models.ValidEventKind(kind) {
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	now := time.Now().UTC()

	// The write lock serializes appends so the fan-out observes them in
	// row order.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (session_id, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, string(kind), string(encoded), now.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("event id: %w", err)
	}

	evt := &models.Event{
		ID:        id,
		SessionID: sessionID,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: now,
	}
	s.fan.publish(evt)
	return evt, nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string) ([]*models.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, payload, created_at
		FROM events
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		var (
			id      int64
			kind    string
			raw     string
			created int64
		)
		if err := rows.Scan(&id, &kind, &raw, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, &models.Event{
			ID:        id,
			SessionID: sessionID,
			Kind:      models.EventKind(kind),
			Payload:   decodePayload(raw),
			CreatedAt: time.Unix(0, created).UTC(),
		})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Subscribe(sessionID string) *Subscription {
	return s.fan.subscribe(sessionID)
}

func (s *SQLiteStore) Close() error {
	s.fan.closeAll()
	return s.db.Close()
}

// decodePayload decodes a stored payload, surfacing malformed rows as
// {"raw": text} instead of failing the listing.
func decodePayload(raw string) map[string]any {
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil || payload == nil {
		return map[string]any{"raw": raw}
	}
	return payload
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// shortID returns a compact unique session identifier.
func shortID() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummary(row rowScanner) (*models.SessionSummary, error) {
	var (
		id      string
		name    sql.NullString
		created int64
		last    sql.NullInt64
		count   int64
	)
	if err := row.Scan(&id, &name, &created, &last, &count); err != nil {
		return nil, err
	}
	summary := &models.SessionSummary{
		ID:         id,
		Name:       name.String,
		CreatedAt:  time.Unix(0, created).UTC(),
		EventCount: count,
	}
	if last.Valid {
		summary.LastEventAt = time.Unix(0, last.Int64).UTC()
	}
	return summary, nil
}
