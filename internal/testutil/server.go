// Package testutil provides fake upstreams for tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

// IPv4Server is an HTTP server bound to 127.0.0.1 on a random port.
type IPv4Server struct {
	URL       string
	listener  net.Listener
	server    *http.Server
	transport *http.Transport
	client    *http.Client
	hits      atomic.Int64
}

// NewIPv4Server starts handler on the IPv4 loopback interface. The test is
// skipped when tcp4 loopback is unavailable.
func NewIPv4Server(t *testing.T, handler http.Handler) *IPv4Server {
	t.Helper()
	if handler == nil {
		handler = http.NewServeMux()
	}
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: tcp4 loopback unavailable (%v)", err)
	}
	transport := &http.Transport{}
	s := &IPv4Server{
		URL:       "http://" + l.Addr().String(),
		listener:  l,
		transport: transport,
		client:    &http.Client{Transport: transport},
	}
	s.server = &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		handler.ServeHTTP(w, r)
	})}
	go func() {
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("IPv4Server serve error: %v", err)
		}
	}()
	return s
}

// Client returns an HTTP client configured for the server.
func (s *IPv4Server) Client() *http.Client {
	return s.client
}

// Hits reports how many requests the server has received.
func (s *IPv4Server) Hits() int {
	return int(s.hits.Load())
}

// Close shuts down the server and frees resources.
func (s *IPv4Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
	s.transport.CloseIdleConnections()
}

// ChunkLine renders one streamed chat completion record carrying content.
func ChunkLine(id, content string) string {
	return fmt.Sprintf(`data: {"id":%q,"object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":%q},"finish_reason":null}]}`, id, content)
}

// StopLine renders the closing record of a streamed completion.
func StopLine(id string) string {
	return fmt.Sprintf(`data: {"id":%q,"object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`, id)
}

// CompletionStream renders a full upstream body answering with the given
// deltas, terminated by a stop record and the [DONE] sentinel.
func CompletionStream(id string, deltas ...string) string {
	var out string
	for _, d := range deltas {
		out += ChunkLine(id, d) + "\n\n"
	}
	return out + StopLine(id) + "\n\ndata: [DONE]\n\n"
}

// NewStreamingUpstream fakes a chat completion endpoint that writes each of
// writes as a separate flushed chunk, pausing delay between them.
func NewStreamingUpstream(t *testing.T, delay time.Duration, writes ...string) *IPv4Server {
	t.Helper()
	return NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		for _, s := range writes {
			if _, err := fmt.Fprint(w, s); err != nil {
				return
			}
			flusher.Flush()
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-r.Context().Done():
					return
				}
			}
		}
	}))
}
