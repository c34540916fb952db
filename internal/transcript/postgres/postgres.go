// Package postgres provides a PostgreSQL-backed [transcript.Store].
//
// The schema is two tables: copilot_sessions (one row per voice session)
// and copilot_events (the append-only job log). [Migrate] is idempotent and
// runs on every daemon start, so a fresh database needs no manual setup.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/strandworks/sitevox/internal/transcript"
)

const ddl = `
CREATE TABLE IF NOT EXISTS copilot_sessions (
    id          TEXT         PRIMARY KEY,
    project     TEXT         NOT NULL DEFAULT '',
    panel       TEXT         NOT NULL DEFAULT '',
    model       TEXT         NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at    TIMESTAMPTZ,
    end_reason  TEXT         NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS copilot_events (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL REFERENCES copilot_sessions (id) ON DELETE CASCADE,
    kind        TEXT         NOT NULL,
    name        TEXT         NOT NULL DEFAULT '',
    payload     TEXT         NOT NULL DEFAULT '',
    at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_copilot_events_session
    ON copilot_events (session_id);

CREATE INDEX IF NOT EXISTS idx_copilot_events_at
    ON copilot_events (at);
`

// Migrate creates the transcript tables if they do not exist. Idempotent
// and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("transcript migrate: %w", err)
	}
	return nil
}

// Store is the PostgreSQL transcript store.
//
// All methods are safe for concurrent use; the zero value is not usable,
// create instances with [NewStore].
type Store struct {
	pool *pgxpool.Pool
}

var _ transcript.Store = (*Store)(nil)

// NewStore connects to the database at dsn, verifies the connection, and
// ensures the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// BeginSession implements [transcript.Store].
func (s *Store) BeginSession(ctx context.Context, meta transcript.SessionMeta) (string, error) {
	id := transcript.NewSessionID()

	const q = `
		INSERT INTO copilot_sessions (id, project, panel, model)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.pool.Exec(ctx, q, id, meta.Project, meta.Panel, meta.Model); err != nil {
		return "", fmt.Errorf("transcript store: begin session: %w", err)
	}
	return id, nil
}

// Append implements [transcript.Store]. The guarded insert only lands when
// the session exists and is still open, matching MemStore's strictness.
// Recap entries are exempt from the open check: the summary arrives after
// EndSession as a trailing addendum.
func (s *Store) Append(ctx context.Context, sessionID string, ev transcript.Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	const openOnly = `
		INSERT INTO copilot_events (session_id, kind, name, payload, at)
		SELECT $1, $2, $3, $4, $5
		WHERE EXISTS (
		    SELECT 1 FROM copilot_sessions WHERE id = $1 AND ended_at IS NULL
		)`
	const anyState = `
		INSERT INTO copilot_events (session_id, kind, name, payload, at)
		SELECT $1, $2, $3, $4, $5
		WHERE EXISTS (
		    SELECT 1 FROM copilot_sessions WHERE id = $1
		)`

	q := openOnly
	if ev.Kind == transcript.KindRecap {
		q = anyState
	}

	tag, err := s.pool.Exec(ctx, q, sessionID, string(ev.Kind), ev.Name, ev.Payload, ev.At)
	if err != nil {
		return fmt.Errorf("transcript store: append: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transcript: unknown or ended session %q", sessionID)
	}
	return nil
}

// EndSession implements [transcript.Store].
func (s *Store) EndSession(ctx context.Context, sessionID, reason string) error {
	const q = `
		UPDATE copilot_sessions
		SET    ended_at = now(), end_reason = $2
		WHERE  id = $1 AND ended_at IS NULL`

	tag, err := s.pool.Exec(ctx, q, sessionID, reason)
	if err != nil {
		return fmt.Errorf("transcript store: end session: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Nothing updated: either the session already ended (fine) or the ID is
	// unknown (caller bug).
	var exists bool
	const check = `SELECT EXISTS (SELECT 1 FROM copilot_sessions WHERE id = $1)`
	if err := s.pool.QueryRow(ctx, check, sessionID).Scan(&exists); err != nil {
		return fmt.Errorf("transcript store: end session: %w", err)
	}
	if !exists {
		return fmt.Errorf("transcript: unknown session %q", sessionID)
	}
	return nil
}

// Events implements [transcript.Store].
func (s *Store) Events(ctx context.Context, sessionID string) ([]transcript.Event, error) {
	var exists bool
	const check = `SELECT EXISTS (SELECT 1 FROM copilot_sessions WHERE id = $1)`
	if err := s.pool.QueryRow(ctx, check, sessionID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("transcript store: events: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("transcript: unknown session %q", sessionID)
	}

	const q = `
		SELECT kind, name, payload, at
		FROM   copilot_events
		WHERE  session_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("transcript store: events: %w", err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Event, error) {
		var (
			e    transcript.Event
			kind string
		)
		if err := row.Scan(&kind, &e.Name, &e.Payload, &e.At); err != nil {
			return transcript.Event{}, err
		}
		e.Kind = transcript.Kind(kind)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store: scan events: %w", err)
	}
	if events == nil {
		events = []transcript.Event{}
	}
	return events, nil
}

// Ping reports whether the database is reachable; wired into the readiness
// endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
