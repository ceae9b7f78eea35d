package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/kzinmr/askrelay/internal/relay"
	"github.com/kzinmr/askrelay/internal/sse"
)

const (
	wsWriteWait = 10 * time.Second
	// sseRetry is the reconnect delay advertised to event stream clients.
	sseRetry = 2 * time.Second
)

// sseSink writes relay events as Server-Sent Events.
type sseSink struct {
	w *sse.Writer
}

func (s *sseSink) Send(ev relay.Event) error {
	return s.w.Event(string(ev.Kind), ev.ID, ev.Data)
}

func (s *sseSink) Ping() error {
	return s.w.Comment("ping")
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sw, err := sse.NewWriter(w)
	if err != nil {
		s.respondMessage(w, http.StatusInternalServerError, msgRequestFailed)
		return
	}
	// The server-wide write timeout would cut long answers short.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	sw.Open()
	if err := sw.Retry(sseRetry); err != nil {
		s.debugf("session %s: client went away before the stream started", id)
		return
	}

	s.debugf("session %s: sse channel opened from %s", id, r.RemoteAddr)
	s.logServeResult(id, "sse", s.dispatcher.Serve(r.Context(), id, &sseSink{w: sw}))
}

// wsSink writes relay events as JSON text frames. Only the relay goroutine
// writes data frames; pings go through WriteControl, which may run
// concurrently.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(ev relay.Event) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(ev)
}

func (s *wsSink) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		s.debugf("session %s: websocket upgrade failed: %v", id, err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Incoming frames are ignored; a read error means the peer is gone.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	s.debugf("session %s: websocket channel opened from %s", id, r.RemoteAddr)
	err = s.dispatcher.Serve(ctx, id, &wsSink{conn: conn})
	s.logServeResult(id, "websocket", err)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func (s *Server) logServeResult(id, channel string, err error) {
	switch {
	case err == nil:
		s.debugf("session %s: %s channel closed", id, channel)
	case errors.Is(err, relay.ErrChannelClosed):
		s.debugf("session %s: %s client went away", id, channel)
	case s.logger != nil:
		s.logger.Printf("session %s: %s relay ended: %v", id, channel, err)
	}
}
