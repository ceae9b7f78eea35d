package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kzinmr/askrelay/internal/adapter"
	"github.com/kzinmr/askrelay/internal/adapter/loopback"
	"github.com/kzinmr/askrelay/internal/client"
	"github.com/kzinmr/askrelay/internal/ledger"
	"github.com/kzinmr/askrelay/internal/ledger/sqlite"
	"github.com/kzinmr/askrelay/internal/metrics"
	"github.com/kzinmr/askrelay/internal/openai"
	"github.com/kzinmr/askrelay/internal/ratelimit"
	"github.com/kzinmr/askrelay/internal/relay"
	"github.com/kzinmr/askrelay/internal/session"
	"github.com/kzinmr/askrelay/internal/testutil"
)

type failingAdapter struct {
	err error
}

func (f failingAdapter) CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return openai.ChatCompletionResponse{}, f.err
}

func (f failingAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	return nil, f.err
}

// truncatingAdapter streams one delta and then drops the connection.
type truncatingAdapter struct {
	failingAdapter
}

func (truncatingAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	ch := make(chan adapter.StreamEvent, 1)
	ch <- adapter.StreamEvent{Kind: adapter.EventDelta, ID: "c1", Delta: "partial"}
	close(ch)
	return ch, nil
}

type fixture struct {
	server   *Server
	sessions *session.Store
	metrics  *metrics.Collector
	handler  http.Handler
}

func newFixture(t *testing.T, upstream adapter.StreamingChatAdapter, store ledger.Store, setup ...func(*Server)) *fixture {
	t.Helper()
	sessions := session.NewStore()
	collector := metrics.NewCollector()
	opts := []relay.Option{relay.WithMetrics(collector)}
	if store != nil {
		opts = append(opts, relay.WithRecorder(store))
	}
	d := relay.NewDispatcher(sessions, upstream, relay.Config{
		Model:        "gpt-3.5-turbo-0613",
		PollInterval: 10 * time.Millisecond,
	}, opts...)
	s := New(d, sessions, store)
	s.SetMetrics(collector)
	for _, fn := range setup {
		fn(s)
	}
	return &fixture{server: s, sessions: sessions, metrics: collector, handler: s.Router()}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.RemoteAddr = "203.0.113.7:51000"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func errorMessage(t *testing.T, body []byte) string {
	t.Helper()
	var env errorBody
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode error body %q: %v", body, err)
	}
	return env.Error.Message
}

func TestAsk_ReturnsAnswer(t *testing.T) {
	f := newFixture(t, loopback.New(), nil)
	rr := f.do(t, http.MethodPost, "/ask", `{"q":"What is consideration?"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var got map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["result"] != "[loopback] What is consideration?" {
		t.Fatalf("result = %q", got["result"])
	}
}

func TestAsk_InvalidQuery(t *testing.T) {
	f := newFixture(t, loopback.New(), nil)
	for _, body := range []string{`{"q":""}`, `{"q":"   "}`, `{}`, `not json`} {
		rr := f.do(t, http.MethodPost, "/ask", body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", body, rr.Code)
		}
		if msg := errorMessage(t, rr.Body.Bytes()); msg != msgInvalidQuery {
			t.Fatalf("%s: message = %q", body, msg)
		}
	}
}

func TestAsk_NotConfiguredCheckedFirst(t *testing.T) {
	f := newFixture(t, loopback.New(), nil, func(s *Server) {
		s.SetConfigError(adapter.ErrMissingCredential)
	})
	for _, path := range []string{"/ask", "/ask/prepare"} {
		rr := f.do(t, http.MethodPost, path, `{"q":""}`)
		if rr.Code != http.StatusInternalServerError || errorMessage(t, rr.Body.Bytes()) != msgNotConfigured {
			t.Fatalf("%s: status = %d body=%s", path, rr.Code, rr.Body.String())
		}
	}
	if f.sessions.Len() != 0 {
		t.Fatal("no session may be created without a credential")
	}
}

func TestAsk_ProviderErrorForwarded(t *testing.T) {
	body := []byte(`{"error":{"message":"You exceeded your current quota","type":"insufficient_quota"}}`)
	f := newFixture(t, failingAdapter{err: &adapter.ProviderError{
		Provider: "openai", Status: http.StatusTooManyRequests, Message: "quota", Body: body,
	}}, nil)
	rr := f.do(t, http.MethodPost, "/ask", `{"q":"hello"}`)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rr.Code)
	}
	if !bytes.Equal(rr.Body.Bytes(), body) {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestAsk_TransportFailureIsGeneric(t *testing.T) {
	f := newFixture(t, failingAdapter{err: &adapter.TransportError{Op: "dial", Err: errors.New("connection refused")}}, nil)
	rr := f.do(t, http.MethodPost, "/ask", `{"q":"hello"}`)
	if rr.Code != http.StatusInternalServerError || errorMessage(t, rr.Body.Bytes()) != msgRequestFailed {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(f.do(t, http.MethodGet, "/metrics", "").Body.String(), `askrelay_request_errors_total{endpoint="ask"} 1`) {
		t.Fatal("failed request not counted")
	}
}

func TestPrepare(t *testing.T) {
	f := newFixture(t, loopback.New(), nil)
	rr := f.do(t, http.MethodPost, "/ask/prepare", `{"q":"first"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got map[string]string
	_ = json.Unmarshal(rr.Body.Bytes(), &got)
	id := got["id"]
	if !f.sessions.Has(id) || f.sessions.Pending(id) != 1 {
		t.Fatalf("session %q not registered", id)
	}

	// Every prepare opens its own session; an id in the body is not a handle.
	rr = f.do(t, http.MethodPost, "/ask/prepare", `{"q":"second","id":"`+id+`"}`)
	var next map[string]string
	_ = json.Unmarshal(rr.Body.Bytes(), &next)
	if rr.Code != http.StatusOK || next["id"] == id || f.sessions.Pending(id) != 1 || f.sessions.Len() != 2 {
		t.Fatalf("second prepare: status = %d id = %q pending = %d", rr.Code, next["id"], f.sessions.Pending(id))
	}

	rr = f.do(t, http.MethodPost, "/ask/prepare", `{"q":" "}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("blank: status = %d", rr.Code)
	}
}

func waitEmpty(t *testing.T, s *session.Store) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d sessions left after the relay finished", s.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSSE_PrepareAndStream(t *testing.T) {
	f := newFixture(t, loopback.New(), nil)
	srv := testutil.NewIPv4Server(t, f.handler)
	defer srv.Close()

	c, err := client.New(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	id, err := c.Prepare(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	var text strings.Builder
	var kinds []relay.EventKind
	err = c.Stream(context.Background(), id, func(ctx context.Context, ev relay.Event) (bool, error) {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == relay.KindMessage {
			s, err := ev.Result()
			if err != nil {
				return false, err
			}
			text.WriteString(s)
		}
		return false, nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if text.String() != "[loopback] hello world" {
		t.Fatalf("text = %q", text.String())
	}
	if kinds[len(kinds)-1] != relay.KindDone {
		t.Fatalf("kinds = %v", kinds)
	}
	waitEmpty(t, f.sessions)
}

// streamText runs one client stream and returns the text and event kinds it saw.
func streamText(t *testing.T, c *client.Client, id string) (string, []relay.EventKind, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var text strings.Builder
	var kinds []relay.EventKind
	err := c.Stream(ctx, id, func(ctx context.Context, ev relay.Event) (bool, error) {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == relay.KindMessage {
			s, err := ev.Result()
			if err != nil {
				return false, err
			}
			text.WriteString(s)
		}
		return false, nil
	})
	return text.String(), kinds, err
}

func TestSSE_TruncatedAnswerEndsStream(t *testing.T) {
	f := newFixture(t, truncatingAdapter{failingAdapter{err: errors.New("unused")}}, nil)
	srv := testutil.NewIPv4Server(t, f.handler)
	defer srv.Close()

	c, err := client.New(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	id, err := c.Prepare(context.Background(), "first question")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	text, _, err := streamText(t, c, id)
	var streamErr *client.StreamError
	if !errors.As(err, &streamErr) || !strings.Contains(streamErr.Message, "Ask again") {
		t.Fatalf("Stream error = %v", err)
	}
	if text != "partial" {
		t.Fatalf("text = %q", text)
	}
	waitEmpty(t, f.sessions)

	// The consumed id is inert: a later channel closes at once.
	text, kinds, err := streamText(t, c, id)
	if err != nil || text != "" || len(kinds) != 1 || kinds[0] != relay.KindDone {
		t.Fatalf("second stream: err=%v kinds=%v text=%q", err, kinds, text)
	}
}

func TestSSE_EachPrepareGetsItsOwnAnswer(t *testing.T) {
	f := newFixture(t, loopback.New(), nil)
	srv := testutil.NewIPv4Server(t, f.handler)
	defer srv.Close()

	c, err := client.New(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	for _, q := range []string{"first question", "second question"} {
		id, err := c.Prepare(context.Background(), q)
		if err != nil {
			t.Fatalf("Prepare(%q): %v", q, err)
		}
		text, _, err := streamText(t, c, id)
		if err != nil || text != "[loopback] "+q {
			t.Fatalf("Stream(%q) = %q, %v", q, text, err)
		}
	}
	waitEmpty(t, f.sessions)
}

func TestSSE_UnknownSessionGetsDone(t *testing.T) {
	f := newFixture(t, loopback.New(), nil)
	rr := f.do(t, http.MethodGet, "/ask/sse/nope", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	if rr.Header().Get("Cache-Control") != "no-cache" || rr.Header().Get("Connection") != "keep-alive" {
		t.Fatalf("headers = %v", rr.Header())
	}
	if !strings.HasPrefix(rr.Body.String(), "retry: 2000\n\n") {
		t.Fatalf("stream must start with the reconnect hint, body = %q", rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "event: done\n") {
		t.Fatalf("body = %q", rr.Body.String())
	}
}

func TestWebSocket_Relay(t *testing.T) {
	f := newFixture(t, loopback.New(), nil)
	srv := testutil.NewIPv4Server(t, f.handler)
	defer srv.Close()

	id, err := f.sessions.Create("over websocket")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ask/ws/"+id, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var text strings.Builder
	for {
		var ev relay.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		if ev.Kind == relay.KindDone {
			break
		}
		s, err := ev.Result()
		if err != nil {
			t.Fatalf("event %+v: %v", ev, err)
		}
		text.WriteString(s)
	}
	if text.String() != "[loopback] over websocket" {
		t.Fatalf("text = %q", text.String())
	}
	waitEmpty(t, f.sessions)
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	f := newFixture(t, loopback.New(), nil)
	srv := testutil.NewIPv4Server(t, f.handler)
	defer srv.Close()

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ask/ws/x", header)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("response = %v", resp)
	}
}

func TestCORS(t *testing.T) {
	f := newFixture(t, loopback.New(), nil, func(s *Server) {
		s.SetAllowedOrigin("https://addin.example.com/")
	})
	rr := f.do(t, http.MethodOptions, "/ask/sse/anything", "")
	if rr.Code != http.StatusOK || rr.Body.Len() != 0 {
		t.Fatalf("preflight: status = %d body=%q", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://addin.example.com" {
		t.Fatalf("allow origin = %q", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Headers"); got != allowedHeaders {
		t.Fatalf("allow headers = %q", got)
	}
	rr = f.do(t, http.MethodPost, "/ask", `{"q":"x"}`)
	if rr.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatal("simple requests must carry the allow-origin header")
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, loopback.New(), nil, func(s *Server) {
		lim := ratelimit.NewLimiter(ratelimit.Config{RequestsPerSecond: 0.001, Burst: 1})
		s.SetRateLimiter(ratelimit.NewMiddleware(lim, nil, s.metrics.RecordRateLimitHit))
	})
	if rr := f.do(t, http.MethodPost, "/ask", `{"q":"one"}`); rr.Code != http.StatusOK {
		t.Fatalf("first: status = %d", rr.Code)
	}
	rr := f.do(t, http.MethodPost, "/ask", `{"q":"two"}`)
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") == "" {
		t.Fatalf("second: status = %d headers=%v", rr.Code, rr.Header())
	}
	if f.metrics.GetSnapshot().RateLimitHits != 1 {
		t.Fatal("rate limit hit not counted")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, loopback.New(), nil)
	_ = f.do(t, http.MethodPost, "/ask/prepare", `{"q":"pending"}`)

	rr := f.do(t, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("health status = %d", rr.Code)
	}
	var got struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
		Version  string `json:"version"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "healthy" || got.Sessions != 1 || got.Version == "" {
		t.Fatalf("health = %+v", got)
	}

	rr = f.do(t, http.MethodGet, "/metrics", "")
	if !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("content type = %q", rr.Header().Get("Content-Type"))
	}
	if !strings.Contains(rr.Body.String(), "askrelay_sessions_created_total 1") {
		t.Fatalf("metrics = %s", rr.Body.String())
	}
}

func TestUsage(t *testing.T) {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer store.Close()
	f := newFixture(t, loopback.New(), store)

	if rr := f.do(t, http.MethodPost, "/ask", `{"q":"count me"}`); rr.Code != http.StatusOK {
		t.Fatalf("ask: status = %d", rr.Code)
	}

	rr := f.do(t, http.MethodGet, "/usage/recent?limit=5", "")
	var recent struct {
		Entries []ledger.Entry `json:"entries"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &recent); err != nil {
		t.Fatalf("decode recent: %v", err)
	}
	if len(recent.Entries) != 1 || recent.Entries[0].Mode != ledger.ModeBlocking || recent.Entries[0].Outcome != ledger.OutcomeCompleted {
		t.Fatalf("entries = %+v", recent.Entries)
	}

	rr = f.do(t, http.MethodGet, "/usage/summary?since=1h", "")
	var summary struct {
		Summary ledger.Summary `json:"summary"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Summary.Requests != 1 || summary.Summary.Completed != 1 {
		t.Fatalf("summary = %+v", summary.Summary)
	}

	if rr := f.do(t, http.MethodGet, "/usage/recent?limit=zero", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: status = %d", rr.Code)
	}
	if rr := f.do(t, http.MethodGet, "/usage/summary?since=yesterday", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad since: status = %d", rr.Code)
	}
}

func TestUsage_DisabledWithoutLedger(t *testing.T) {
	f := newFixture(t, loopback.New(), nil)
	if rr := f.do(t, http.MethodGet, "/usage/summary", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		raw  string
		want time.Time
	}{
		{"", now.Add(-24 * time.Hour)},
		{"2h", now.Add(-2 * time.Hour)},
		{"2026-02-28T00:00:00Z", time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := parseSince(tt.raw, now)
		if err != nil || !got.Equal(tt.want) {
			t.Fatalf("parseSince(%q) = %v, %v", tt.raw, got, err)
		}
	}
}
