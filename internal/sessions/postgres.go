package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/haasonsaas/patchwork/pkg/models"
)

// PostgresStore implements Store on a shared PostgreSQL database, for
// deployments where several machines tail the same session log. The schema
// mirrors the SQLite layout with BIGSERIAL event ids.
type PostgresStore struct {
	db  *sql.DB
	fan *fanout

	writeMu sync.Mutex
}

// OpenPostgres connects with a lib/pq DSN and ensures the schema.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresStore{db: db, fan: newFanout()}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_created
			ON events(session_id, created_at)`,
		`ALTER TABLE sessions ADD COLUMN IF NOT EXISTS name TEXT`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context) (*models.Session, error) {
	now := time.Now().UTC()
	for attempt := 0; attempt < createRetries; attempt++ {
		id := shortID()
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sessions (id, name, created_at) VALUES ($1, NULL, $2)`,
			id, now.UnixNano())
		if err == nil {
			return &models.Session{ID: id, CreatedAt: now}, nil
		}
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			continue
		}
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return nil, fmt.Errorf("insert session: exhausted id retries")
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.SessionSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.name, s.created_at, MAX(e.created_at), COUNT(e.id)
		FROM sessions s
		LEFT JOIN events e ON e.session_id = s.id
		WHERE s.id = $1
		GROUP BY s.id`, id)
	summary, err := scanSummary(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return summary, err
}

func (s *PostgresStore) ListSessions(ctx context.Context, limit int) ([]*models.SessionSummary, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.name, s.created_at, MAX(e.created_at), COUNT(e.id)
		FROM sessions s
		LEFT JOIN events e ON e.session_id = s.id
		GROUP BY s.id
		ORDER BY COALESCE(MAX(e.created_at), s.created_at) DESC
		LIMIT $1`, limit)
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

func (s *PostgresStore) UpdateSessionName(ctx context.Context, id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET name = $1 WHERE id = $2`, name, id)
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

func (s *PostgresStore) LastSessionID(ctx context.Context) (string, error) {
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

func (s *PostgresStore) AppendEvent(ctx context.Context, sessionID string, kind models.EventKind, payload map[string]any) (*models.Event, error) {
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

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var id int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO events (session_id, kind, payload, created_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		sessionID, string(kind), string(encoded), now.UnixNano()).Scan(&id)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "foreign_key_violation" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("insert event: %w", err)
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

func (s *PostgresStore) ListEvents(ctx context.Context, sessionID string) ([]*models.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, payload, created_at
		FROM events
		WHERE session_id = $1
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

func (s *PostgresStore) Subscribe(sessionID string) *Subscription {
	return s.fan.subscribe(sessionID)
}

func (s *PostgresStore) Close() error {
	s.fan.closeAll()
	return s.db.Close()
}
