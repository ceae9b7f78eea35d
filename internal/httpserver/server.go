package httpserver

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/kzinmr/askrelay/internal/health"
	"github.com/kzinmr/askrelay/internal/ledger"
	"github.com/kzinmr/askrelay/internal/metrics"
	"github.com/kzinmr/askrelay/internal/ratelimit"
	"github.com/kzinmr/askrelay/internal/relay"
	"github.com/kzinmr/askrelay/internal/session"
)

const (
	defaultAllowedOrigin = "https://localhost:3000"
	allowedHeaders       = "Origin, X-Requested-With, Content-Type, Accept"
	allowedMethods       = "GET, POST, OPTIONS"
	maxBodyBytes         = 1 << 20
)

// Server exposes the relay over HTTP.
type Server struct {
	dispatcher *relay.Dispatcher
	sessions   *session.Store
	ledger     ledger.Store
	health     *health.Checker
	metrics    *metrics.Collector
	limiter    *ratelimit.Middleware

	allowedOrigin string
	// configErr is reported on every question while set, e.g. a missing
	// provider credential.
	configErr error

	logger   *log.Logger
	logLevel string
	upgrader websocket.Upgrader
}

// New constructs a Server. store may be nil when the usage ledger is disabled.
func New(dispatcher *relay.Dispatcher, sessions *session.Store, store ledger.Store) *Server {
	s := &Server{
		dispatcher:    dispatcher,
		sessions:      sessions,
		ledger:        store,
		health:        health.New(health.Config{}),
		allowedOrigin: defaultAllowedOrigin,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := s.newBaseRouter()
	s.registerEndpoints(r,
		newAskEndpoint(s),
		newHealthEndpoint(s),
		newUsageEndpoint(s),
	)
	return r
}

func (s *Server) newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if s.logger != nil {
		r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.logger, NoColor: true}))
	} else {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(s.cors)
	return r
}

func (s *Server) registerEndpoints(r chi.Router, endpoints ...endpoint) {
	for _, ep := range endpoints {
		if ep == nil {
			continue
		}
		s.debugf("registering endpoint %s", ep.Name())
		for _, route := range ep.Routes() {
			r.Method(route.Method, route.Path, route.Handler)
		}
	}
}

// cors answers preflight requests itself and stamps every response with the
// configured origin.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", s.allowedOrigin)
		h.Set("Access-Control-Allow-Headers", allowedHeaders)
		h.Set("Access-Control-Allow-Methods", allowedMethods)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.allowedOrigin == "*" || strings.EqualFold(origin, s.allowedOrigin)
}

// limited applies the rate limiter when one is configured.
func (s *Server) limited(h http.Handler) http.Handler {
	if s.limiter == nil {
		return h
	}
	return s.limiter.Wrap(h)
}

// instrument records request counts and latency under name.
func (s *Server) instrument(name string, fn http.HandlerFunc) http.Handler {
	if s.metrics == nil {
		return fn
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.metrics.RecordRequestStart(name)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		fn(ww, r)
		s.metrics.RecordRequestEnd(name)
		s.metrics.RecordRequest(name, time.Since(start), ww.Status() >= http.StatusInternalServerError)
	})
}

// SetLogger configures server-level logger and verbosity ("debug", "info", ...).
func (s *Server) SetLogger(level string, logger *log.Logger) {
	s.logLevel = strings.ToLower(strings.TrimSpace(level))
	if logger != nil {
		s.logger = logger
	}
}

// SetAllowedOrigin sets the origin browsers may call from.
func (s *Server) SetAllowedOrigin(origin string) {
	if origin = strings.TrimSpace(origin); origin != "" {
		s.allowedOrigin = strings.TrimSuffix(origin, "/")
	}
}

// SetConfigError makes question endpoints fail with a configuration error
// until cleared with nil.
func (s *Server) SetConfigError(err error) {
	s.configErr = err
	if err != nil && s.logger != nil {
		s.logger.Printf("questions disabled: %v", err)
	}
}

// SetMetrics attaches a metrics collector.
func (s *Server) SetMetrics(c *metrics.Collector) { s.metrics = c }

// SetHealthChecker replaces the default checker, which has no probes.
func (s *Server) SetHealthChecker(c *health.Checker) {
	if c != nil {
		s.health = c
	}
}

// SetRateLimiter limits question endpoints per client address.
func (s *Server) SetRateLimiter(m *ratelimit.Middleware) { s.limiter = m }

func (s *Server) isDebug() bool { return s.logLevel == "debug" }
func (s *Server) debugf(format string, args ...any) {
	if s.logger != nil && s.isDebug() {
		s.logger.Printf("DEBUG "+format, args...)
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Server) respondMessage(w http.ResponseWriter, status int, message string) {
	var body errorBody
	body.Error.Message = message
	s.respondJSON(w, status, body)
}
