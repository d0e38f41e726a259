// Package session persists the completion chain state of each user and
// serializes turns for the same user.
//
// A session holds the id of the last completion response, which the
// next call passes back to continue the chain server-side, and a reset
// flag that forces the next call to start a fresh chain.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Session is the chain state of one user.
type Session struct {
	LastCompletionID string
	ShouldReset      bool
	UpdatedAt        time.Time
}

// Continuation returns the id to continue from, or "" when the next
// call must start a fresh chain.
func (s *Session) Continuation() string {
	if s == nil || s.ShouldReset {
		return ""
	}
	return s.LastCompletionID
}

// Store is a SQLite-backed session store. All public methods are safe
// for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens a session store at dbPath, creating the schema on
// first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_sessions (
		user_id            TEXT PRIMARY KEY,
		last_completion_id TEXT NOT NULL DEFAULT '',
		should_reset       INTEGER NOT NULL DEFAULT 0,
		updated_at         TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load returns the session for userID. A user without a stored session
// gets an empty one, which starts a fresh chain.
func (s *Store) Load(ctx context.Context, userID string) (*Session, error) {
	var (
		sess      Session
		reset     int
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT last_completion_id, should_reset, updated_at FROM agent_sessions WHERE user_id = ?`,
		userID,
	).Scan(&sess.LastCompletionID, &reset, &updatedAt)
	if err == sql.ErrNoRows {
		return &Session{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", userID, err)
	}
	sess.ShouldReset = reset != 0
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &sess, nil
}

// Save upserts the session for userID and stamps UpdatedAt.
func (s *Store) Save(ctx context.Context, userID string, sess *Session) error {
	sess.UpdatedAt = time.Now().UTC()
	reset := 0
	if sess.ShouldReset {
		reset = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_sessions (user_id, last_completion_id, should_reset, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE
		 SET last_completion_id = excluded.last_completion_id,
		     should_reset = excluded.should_reset,
		     updated_at = excluded.updated_at`,
		userID, sess.LastCompletionID, reset, sess.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", userID, err)
	}
	return nil
}

// Reset clears the chain so the next turn starts fresh.
func (s *Store) Reset(ctx context.Context, userID string) error {
	return s.Save(ctx, userID, &Session{ShouldReset: true})
}
