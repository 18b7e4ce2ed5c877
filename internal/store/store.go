// Package store archives terminal generation sessions in SQLite so results
// survive the process and successful programs can be reused when the same
// samples come back.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"vrlforge/internal/vrl/classify"
	"vrlforge/internal/vrl/loop"
)

// ErrNotFound is returned by lookups with no matching row.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	state       TEXT NOT NULL,
	program     TEXT NOT NULL,
	provenance  TEXT NOT NULL,
	llm_calls   INTEGER NOT NULL,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_fingerprint ON sessions(fingerprint);

CREATE TABLE IF NOT EXISTS candidates (
	session_id  TEXT NOT NULL REFERENCES sessions(id),
	round       INTEGER NOT NULL,
	provenance  TEXT NOT NULL,
	text        TEXT NOT NULL,
	passed      INTEGER NOT NULL,
	error_codes TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_candidates_session ON candidates(session_id);
`

// Store wraps the archive database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the archive at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	// modernc sqlite serializes access; one connection avoids lock churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying archive schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession archives a terminal session and its candidates under the
// sample fingerprint.
func (s *Store) SaveSession(ctx context.Context, fingerprint string, result *loop.Result) error {
	sess := result.Session
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting archive tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, fingerprint, state, program, provenance, llm_calls, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, fingerprint, result.State.String(), result.Program,
		string(result.Provenance), sess.LLMCalls, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("archiving session: %w", err)
	}

	for _, c := range sess.Candidates {
		codes := classify.Codes(c.Diagnostics)
		names := make([]byte, 0, 64)
		for i, code := range codes {
			if i > 0 {
				names = append(names, ',')
			}
			names = append(names, code.String()...)
		}
		passed := 0
		if c.Passed {
			passed = 1
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO candidates (session_id, round, provenance, text, passed, error_codes)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			sess.ID, c.Round, string(c.Provenance), c.Text, passed, string(names))
		if err != nil {
			return fmt.Errorf("archiving candidate: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing archive tx: %w", err)
	}
	return nil
}

// Success is a previously archived winning program.
type Success struct {
	SessionID  string
	Program    string
	Provenance string
	CreatedAt  time.Time
}

// LookupSuccess returns the most recent successful program archived for the
// fingerprint, or ErrNotFound.
func (s *Store) LookupSuccess(ctx context.Context, fingerprint string) (*Success, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, program, provenance, created_at FROM sessions
		 WHERE fingerprint = ? AND state = 'success'
		 ORDER BY created_at DESC LIMIT 1`, fingerprint)

	var out Success
	err := row.Scan(&out.SessionID, &out.Program, &out.Provenance, &out.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("archive lookup: %w", err)
	}
	return &out, nil
}

// Sessions lists archived sessions, newest first, up to limit.
func (s *Store) Sessions(ctx context.Context, limit int) ([]Success, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, program, provenance, created_at FROM sessions
		 ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []Success
	for rows.Next() {
		var item Success
		if err := rows.Scan(&item.SessionID, &item.Program, &item.Provenance, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
