package ratelimit

import (
	"encoding/json"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
)

// Middleware wraps an HTTP handler with per-client rate limiting. Clients are
// keyed by remote IP; put chi's RealIP middleware in front when running behind
// a proxy.
type Middleware struct {
	limiter   *Limiter
	logger    *log.Logger
	onLimited func(key string)
}

// NewMiddleware creates a new rate limiting middleware. onLimited, when set,
// is called for every rejected request.
func NewMiddleware(limiter *Limiter, logger *log.Logger, onLimited func(key string)) *Middleware {
	return &Middleware{limiter: limiter, logger: logger, onLimited: onLimited}
}

// Wrap applies rate limiting to an HTTP handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.limiter.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		allowed, remaining := m.limiter.Allow(key)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limiter.Limit()))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if allowed {
			next.ServeHTTP(w, r)
			return
		}

		if m.logger != nil {
			m.logger.Printf("rate limit exceeded: client=%s path=%s", key, r.URL.Path)
		}
		if m.onLimited != nil {
			m.onLimited(key)
		}
		wait := m.limiter.RetryAfter(key)
		w.Header().Set("Retry-After", strconv.Itoa(max(int(math.Ceil(wait.Seconds())), 1)))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "Rate limit exceeded. Please try again later."},
		})
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
