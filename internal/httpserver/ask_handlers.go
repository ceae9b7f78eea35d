package httpserver

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kzinmr/askrelay/internal/adapter"
)

const (
	msgInvalidQuery  = "Please enter a valid query."
	msgNotConfigured = "OpenAI API key not configured."
	msgRequestFailed = "An error occurred during your request."
)

type askRequest struct {
	Q string `json:"q"`
}

func decodeAsk(w http.ResponseWriter, r *http.Request) (askRequest, bool) {
	var req askRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		return askRequest{}, false
	}
	if strings.TrimSpace(req.Q) == "" {
		return askRequest{}, false
	}
	return req, true
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if s.configErr != nil {
		s.respondMessage(w, http.StatusInternalServerError, msgNotConfigured)
		return
	}
	req, ok := decodeAsk(w, r)
	if !ok {
		s.respondMessage(w, http.StatusBadRequest, msgInvalidQuery)
		return
	}

	resp, err := s.dispatcher.Answer(r.Context(), req.Q)
	if err != nil {
		if pe, ok := adapter.AsProviderError(err); ok {
			s.forwardProviderError(w, pe)
			return
		}
		if s.logger != nil {
			s.logger.Printf("ask failed: %v", err)
		}
		s.respondMessage(w, http.StatusInternalServerError, msgRequestFailed)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"result": resp.Text()})
}

// forwardProviderError passes the provider's status and body through
// unchanged.
func (s *Server) forwardProviderError(w http.ResponseWriter, pe *adapter.ProviderError) {
	if s.logger != nil {
		s.logger.Printf("provider rejected question: %v", pe)
	}
	status := pe.Status
	if status < 400 || status > 599 {
		status = http.StatusBadGateway
	}
	if len(pe.Body) == 0 {
		s.respondMessage(w, status, pe.Message)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(pe.Body)
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	if s.configErr != nil {
		s.respondMessage(w, http.StatusInternalServerError, msgNotConfigured)
		return
	}
	req, ok := decodeAsk(w, r)
	if !ok {
		s.respondMessage(w, http.StatusBadRequest, msgInvalidQuery)
		return
	}

	id, err := s.sessions.Create(req.Q)
	if err != nil {
		s.respondMessage(w, http.StatusBadRequest, msgInvalidQuery)
		return
	}
	s.metrics.RecordSessionCreated()
	s.debugf("session %s prepared", id)
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id})
}
