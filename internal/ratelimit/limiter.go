// Package ratelimit applies per-client token buckets to incoming requests.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per client key. Buckets idle for longer than
// the idle timeout are dropped by Run.
type Limiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Config holds configuration for the rate limiter.
type Config struct {
	// RequestsPerSecond is the sustained rate per client. Zero disables limiting.
	RequestsPerSecond float64
	// Burst is the bucket capacity (default: RequestsPerSecond rounded up, at least 1).
	Burst int
	// IdleTimeout drops buckets of clients not seen for this long (default 10m).
	IdleTimeout time.Duration
}

// NewLimiter creates a new rate limiter with the given configuration.
func NewLimiter(cfg Config) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = max(int(cfg.RequestsPerSecond+0.999), 1)
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	return &Limiter{
		limit:   rate.Limit(cfg.RequestsPerSecond),
		burst:   cfg.Burst,
		idle:    cfg.IdleTimeout,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Enabled reports whether any limit applies.
func (l *Limiter) Enabled() bool { return l != nil && l.limit > 0 }

// Allow reports whether a request from key may proceed now, and how many
// requests remain in its bucket afterwards.
func (l *Limiter) Allow(key string) (allowed bool, remaining int) {
	if !l.Enabled() {
		return true, -1
	}
	now := l.now()
	b := l.bucket(key, now)
	allowed = b.AllowN(now, 1)
	return allowed, max(int(b.TokensAt(now)), 0)
}

// RetryAfter estimates how long key must wait for its next token.
func (l *Limiter) RetryAfter(key string) time.Duration {
	if !l.Enabled() {
		return 0
	}
	now := l.now()
	b := l.bucket(key, now)
	r := b.ReserveN(now, 1)
	if !r.OK() {
		return time.Second
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	return d
}

// Limit returns the configured burst, used as the advertised limit.
func (l *Limiter) Limit() int { return l.burst }

func (l *Limiter) bucket(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.lim
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Prune drops buckets idle for longer than the idle timeout and returns how
// many were removed.
func (l *Limiter) Prune() int {
	cutoff := l.now().Add(-l.idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Run prunes idle buckets every interval until ctx ends.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if !l.Enabled() {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}
