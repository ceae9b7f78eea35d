// Package ledger records one usage entry per answered question. Entries hold
// counts and outcomes only; question and answer text is never stored.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Mode tells which endpoint produced the entry.
type Mode string

const (
	ModeBlocking Mode = "ask"
	ModeStream   Mode = "stream"
)

// Outcome is how the question ended.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeTransportError Outcome = "transport_error"
	OutcomeProviderError  Outcome = "provider_error"
	OutcomeDisconnected   Outcome = "disconnected"
	OutcomeTimeout        Outcome = "timeout"
)

// Entry represents a single usage record written to the ledger.
type Entry struct {
	ID               int64     `json:"id"`
	SessionID        string    `json:"session_id,omitempty"`
	Mode             Mode      `json:"mode"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	Outcome          Outcome   `json:"outcome"`
	DurationMs       int64     `json:"duration_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// Validate checks the fields every backend requires.
func (e Entry) Validate() error {
	switch e.Mode {
	case ModeBlocking, ModeStream:
	default:
		return fmt.Errorf("invalid mode %q", e.Mode)
	}
	switch e.Outcome {
	case OutcomeCompleted, OutcomeTransportError, OutcomeProviderError, OutcomeDisconnected, OutcomeTimeout:
	default:
		return fmt.Errorf("invalid outcome %q", e.Outcome)
	}
	if e.PromptTokens < 0 || e.CompletionTokens < 0 {
		return errors.New("token counts must not be negative")
	}
	return nil
}

// Summary aggregates usage since a point in time.
type Summary struct {
	Requests         int64 `json:"requests"`
	Completed        int64 `json:"completed"`
	Failed           int64 `json:"failed"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Store defines persistence behaviour for the ledger.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Summary(ctx context.Context, since time.Time) (Summary, error)
	ListRecent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// IsPostgresDSN reports whether path names a PostgreSQL database rather than
// a SQLite file.
func IsPostgresDSN(path string) bool {
	return strings.HasPrefix(path, "postgres://") || strings.HasPrefix(path, "postgresql://")
}

// DefaultListLimit is used when ListRecent is called without a positive limit.
const DefaultListLimit = 50
