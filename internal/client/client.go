// Package client talks to an askrelay server: one-shot questions, session
// preparation and the event stream with reconnection.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kzinmr/askrelay/internal/relay"
	"github.com/kzinmr/askrelay/internal/sse"
)

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	defaultMaxReconnects = 5
	defaultRetryDelay    = time.Second
)

// ErrReconnectExhausted is returned when the event stream could not be
// re-established within the reconnect budget.
var ErrReconnectExhausted = errors.New("client: reconnect attempts exhausted")

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
	Body    []byte
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("askrelay: %s (status %d)", e.Message, e.Status)
	}
	return fmt.Sprintf("askrelay: status %d", e.Status)
}

// StreamError is a terminal error event received on the stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string { return "askrelay stream: " + e.Message }

// Client communicates with an askrelay server.
type Client struct {
	baseURL       *url.URL
	httpClient    HTTPClient
	streamClient  HTTPClient
	logger        *log.Logger
	maxReconnects int
	retryDelay    time.Duration
	sleep         func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithLogger logs reconnects and server error events.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMaxReconnects bounds consecutive failed stream connections.
func WithMaxReconnects(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxReconnects = n
		}
	}
}

// WithRetryDelay sets the wait before reconnecting until the server sends a
// retry hint.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.retryDelay = d
		}
	}
}

// WithStreamClient uses a separate HTTP client for event streams, which must
// not carry an overall timeout.
func WithStreamClient(hc HTTPClient) Option {
	return func(c *Client) { c.streamClient = hc }
}

// New constructs a client using the provided base URL.
func New(baseURL string, httpClient HTTPClient, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	c := &Client{
		baseURL:       parsed,
		httpClient:    httpClient,
		maxReconnects: defaultMaxReconnects,
		retryDelay:    defaultRetryDelay,
		sleep:         sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.streamClient == nil {
		if hc, ok := httpClient.(*http.Client); ok && hc.Timeout > 0 {
			clone := *hc
			clone.Timeout = 0
			c.streamClient = &clone
		} else {
			c.streamClient = httpClient
		}
	}
	return c, nil
}

type askRequest struct {
	Q string `json:"q"`
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.ResolveReference(&url.URL{Path: strings.TrimPrefix(path, "/")}).String()
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode, Body: data}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err == nil {
		apiErr.Message = strings.TrimSpace(env.Error.Message)
	}
	return apiErr
}

// Ask sends a question and waits for the complete answer.
func (c *Client) Ask(ctx context.Context, question string) (string, error) {
	var resp struct {
		Result string `json:"result"`
	}
	if err := c.postJSON(ctx, "/ask", askRequest{Q: question}, &resp); err != nil {
		return "", err
	}
	return resp.Result, nil
}

// Prepare registers a question and returns the session id to stream its
// answer from. Each session carries exactly one question.
func (c *Client) Prepare(ctx context.Context, question string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.postJSON(ctx, "/ask/prepare", askRequest{Q: question}, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New("askrelay: prepare returned no session id")
	}
	return resp.ID, nil
}

// Handler receives stream events in order. Returning finished ends the
// stream; batch.Consumer.Handle fits this signature.
type Handler func(ctx context.Context, ev relay.Event) (finished bool, err error)

// Stream opens the event stream for session id and feeds every event to
// handle until handle reports finished, a terminal error event arrives, or
// reconnecting fails. Consecutive connection failures are retried up to the
// reconnect budget; a received event resets the count.
func (c *Client) Stream(ctx context.Context, id string, handle Handler) error {
	failures := 0
	lastID := ""
	delay := c.retryDelay
	for {
		progressed, finished, err := c.streamOnce(ctx, id, lastID, handle, &lastID, &delay)
		if finished {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if progressed {
			failures = 0
		}
		failures++
		if failures > c.maxReconnects {
			return fmt.Errorf("%w: %w", ErrReconnectExhausted, err)
		}
		if c.logger != nil {
			c.logger.Printf("stream %s: %v; reconnecting in %v (%d/%d)", id, err, delay, failures, c.maxReconnects)
		}
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// streamOnce runs one connection. finished means Stream must return err as
// is; otherwise err describes the channel failure.
func (c *Client) streamOnce(ctx context.Context, id, resumeFrom string, handle Handler, lastID *string, delay *time.Duration) (progressed, finished bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/ask/sse/"+url.PathEscape(id)), nil)
	if err != nil {
		return false, true, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if resumeFrom != "" {
		req.Header.Set("Last-Event-ID", resumeFrom)
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return false, false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return false, false, apiError(resp)
	case resp.StatusCode != http.StatusOK:
		return false, true, apiError(resp)
	case !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"):
		return false, true, fmt.Errorf("askrelay: unexpected content type %q", resp.Header.Get("Content-Type"))
	}

	reader := sse.NewReader(resp.Body)
	for {
		ev, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return progressed, false, err
		}
		if ev.Retry > 0 {
			*delay = ev.Retry
		}
		if ev.Name == "" && ev.Data == "" {
			continue
		}
		if ev.ID != "" {
			*lastID = ev.ID
		}
		progressed = true

		rev := relay.Event{Kind: relay.EventKind(ev.Name), ID: ev.ID, Data: ev.Data}
		if rev.Kind == "" {
			rev.Kind = relay.KindMessage
		}
		done, herr := handle(ctx, rev)
		if herr != nil {
			return progressed, true, herr
		}
		if done {
			return progressed, true, nil
		}
		switch rev.Kind {
		case relay.KindDone:
			return progressed, true, nil
		case relay.KindError:
			msg, retryable := rev.ErrorMessage()
			if c.logger != nil {
				c.logger.Printf("stream %s: server error (retryable=%v): %s", id, retryable, msg)
			}
			if !retryable {
				return progressed, true, &StreamError{Message: msg}
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
