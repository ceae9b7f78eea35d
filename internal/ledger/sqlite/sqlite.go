package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/kzinmr/askrelay/internal/ledger"
)

// Ensure Store implements ledger.Store.
var _ ledger.Store = (*Store)(nil)

// Store implements ledger.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single writer; avoids SQLITE_BUSY under concurrent relays.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS relay_usage (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL CHECK(mode IN ('ask','stream')),
	model TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_relay_usage_created ON relay_usage(created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts a new usage entry.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO relay_usage(session_id, mode, model, prompt_tokens, completion_tokens, outcome, duration_ms, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID,
		string(entry.Mode),
		entry.Model,
		entry.PromptTokens,
		entry.CompletionTokens,
		string(entry.Outcome),
		entry.DurationMs,
		created.UTC(),
	)
	return err
}

// Summary aggregates entries created at or after since.
func (s *Store) Summary(ctx context.Context, since time.Time) (ledger.Summary, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COALESCE(SUM(CASE WHEN outcome='completed' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(prompt_tokens), 0),
	COALESCE(SUM(completion_tokens), 0)
FROM relay_usage
WHERE created_at >= ?`, since.UTC())

	var sum ledger.Summary
	if err := row.Scan(&sum.Requests, &sum.Completed, &sum.PromptTokens, &sum.CompletionTokens); err != nil {
		return ledger.Summary{}, err
	}
	sum.Failed = sum.Requests - sum.Completed
	sum.TotalTokens = sum.PromptTokens + sum.CompletionTokens
	return sum, nil
}

// ListRecent returns the latest entries, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = ledger.DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, mode, model, prompt_tokens, completion_tokens, outcome, duration_ms, created_at
FROM relay_usage
ORDER BY created_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var mode, outcome string
		if err := rows.Scan(&e.ID, &e.SessionID, &mode, &e.Model, &e.PromptTokens, &e.CompletionTokens, &outcome, &e.DurationMs, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Mode = ledger.Mode(mode)
		e.Outcome = ledger.Outcome(outcome)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
