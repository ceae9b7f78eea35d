package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kzinmr/askrelay/internal/ledger"
)

// Ensure Store implements ledger.Store.
var _ ledger.Store = (*Store)(nil)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// PoolConfig tunes the connection pool. Zero values keep database/sql defaults.
type PoolConfig struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// New opens a PostgreSQL-backed ledger store using the provided DSN.
func New(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if pool.MaxOpen > 0 {
		db.SetMaxOpenConns(pool.MaxOpen)
	}
	if pool.MaxIdle > 0 {
		db.SetMaxIdleConns(pool.MaxIdle)
	}
	if pool.MaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.MaxLifetime)
	}
	if pool.MaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pool.MaxIdleTime)
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
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL CHECK(mode IN ('ask','stream')),
	model TEXT NOT NULL DEFAULT '',
	prompt_tokens BIGINT NOT NULL,
	completion_tokens BIGINT NOT NULL,
	outcome TEXT NOT NULL,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_relay_usage_created ON relay_usage(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_relay_usage_outcome ON relay_usage(outcome);
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
VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.SessionID,
		string(entry.Mode),
		entry.Model,
		entry.PromptTokens,
		entry.CompletionTokens,
		string(entry.Outcome),
		entry.DurationMs,
		created,
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
WHERE created_at >= $1`, since)

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
LIMIT $1`, limit)
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
