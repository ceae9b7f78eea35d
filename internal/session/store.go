// Package session keeps the in-memory registry of prepared questions waiting
// for their streaming channel.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidInput is returned for an empty or whitespace-only question.
var ErrInvalidInput = errors.New("question must not be empty")

type entry struct {
	questions []string
	created   time.Time
	attached  bool
	notify    chan struct{}
}

// Store maps session ids to their pending questions. All methods are safe
// for concurrent use; TakePending hands each question to exactly one caller.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*entry
	newID    func() string
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator replaces the uuid generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.now = fn }
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*entry),
		newID:    func() string { return uuid.NewString() },
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a new session holding question and returns its id.
func (s *Store) Create(question string) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.newID()
	for _, taken := s.sessions[id]; taken; _, taken = s.sessions[id] {
		id = s.newID()
	}
	e := &entry{
		questions: []string{question},
		created:   s.now(),
		notify:    make(chan struct{}, 1),
	}
	s.sessions[id] = e
	signal(e)
	return id, nil
}

// Requeue puts a question back at the head of the queue after a failed
// dispatch. It does not signal waiters, so the retry happens on the next
// poll. It reports false when the session no longer exists.
func (s *Store) Requeue(id, question string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return false
	}
	e.questions = append([]string{question}, e.questions...)
	return true
}

// TakePending removes and returns the next question of the session. It
// returns false when the id is unknown or nothing is queued.
func (s *Store) TakePending(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok || len(e.questions) == 0 {
		return "", false
	}
	q := e.questions[0]
	e.questions[0] = ""
	e.questions = e.questions[1:]
	return q, true
}

// Pending reports how many questions are queued for the session.
func (s *Store) Pending(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.sessions[id]; ok {
		return len(e.questions)
	}
	return 0
}

// Attach claims the session for a streaming channel. Only the first caller
// succeeds; unknown ids are refused.
func (s *Store) Attach(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok || e.attached {
		return false
	}
	e.attached = true
	return true
}

// Wait returns a channel that receives a value once the session holds a
// question ready to dispatch. It returns nil for unknown sessions.
func (s *Store) Wait(id string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.sessions[id]; ok {
		return e.notify
	}
	return nil
}

// Delete removes the session. Unknown ids are ignored.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Has reports whether the session exists.
func (s *Store) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep deletes sessions that were never attached to a channel and are
// older than ttl. It returns the number removed.
func (s *Store) Sweep(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-ttl)
	removed := 0
	for id, e := range s.sessions {
		if !e.attached && e.created.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Run sweeps expired sessions every interval until ctx is done. onSweep, if
// set, is told how many sessions each pass removed.
func (s *Store) Run(ctx context.Context, interval, ttl time.Duration, onSweep func(removed int)) {
	if interval <= 0 || ttl <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(ttl); n > 0 && onSweep != nil {
				onSweep(n)
			}
		}
	}
}

func signal(e *entry) {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}
