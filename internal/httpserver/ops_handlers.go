package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/kzinmr/askrelay/internal/health"
	"github.com/kzinmr/askrelay/internal/ledger"
	"github.com/kzinmr/askrelay/internal/metrics"
	"github.com/kzinmr/askrelay/internal/version"
)

const defaultUsageWindow = 24 * time.Hour

type healthResponse struct {
	health.HealthStatus
	Version  string `json:"version"`
	Sessions int    `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.health.Check(r.Context())
	s.respondJSON(w, status.HTTPStatus(), healthResponse{
		HealthStatus: status,
		Version:      version.Info(),
		Sessions:     s.sessions.Len(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.metrics.GetSnapshot())))
}

// handleUsageSummary aggregates the ledger over ?since=, given either as an
// RFC 3339 time or a duration back from now (default 24h).
func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r.URL.Query().Get("since"), time.Now())
	if err != nil {
		s.respondMessage(w, http.StatusBadRequest, "invalid since: "+err.Error())
		return
	}
	summary, err := s.ledger.Summary(r.Context(), since)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("usage summary: %v", err)
		}
		s.respondMessage(w, http.StatusInternalServerError, msgRequestFailed)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"since":   since.UTC().Format(time.RFC3339),
		"summary": summary,
	})
}

func (s *Server) handleUsageRecent(w http.ResponseWriter, r *http.Request) {
	limit := ledger.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.respondMessage(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 1000)
	}
	entries, err := s.ledger.ListRecent(r.Context(), limit)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("usage recent: %v", err)
		}
		s.respondMessage(w, http.StatusInternalServerError, msgRequestFailed)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func parseSince(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return now.Add(-defaultUsageWindow), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return time.Time{}, err
	}
	if d < 0 {
		d = -d
	}
	return now.Add(-d), nil
}
