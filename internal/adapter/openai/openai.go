package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/kzinmr/askrelay/internal/adapter"
	"github.com/kzinmr/askrelay/internal/openai"
)

// Ensure OpenAIAdapter implements StreamingChatAdapter.
var _ adapter.StreamingChatAdapter = (*OpenAIAdapter)(nil)

const (
	providerName   = "openai"
	defaultBaseURL = "https://api.openai.com/v1"
	maxErrorBody   = 1 << 20
	readBufferSize = 8192
)

// OpenAIAdapter sends questions to the OpenAI chat completions API. Blocking
// calls go through the official SDK; streams are read off the raw response
// body so partial records can be reassembled as they arrive.
type OpenAIAdapter struct {
	apiKey       string
	baseURL      string
	org          string
	client       sdk.Client
	streamClient *http.Client
	onMalformed  func(line string, err error)
}

// Config holds configuration for the OpenAI adapter.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to https://api.openai.com/v1
	Organization   string // optional
	RequestTimeout time.Duration
	// MaxRetries is handed to the SDK for blocking calls. Streams are retried
	// by the caller.
	MaxRetries int
	// HTTPClient overrides the transport for both call styles.
	HTTPClient *http.Client
	// OnMalformed is invoked for stream records that fail to parse.
	OnMalformed func(line string, err error)
}

// New creates an OpenAIAdapter instance.
func New(cfg Config) (*OpenAIAdapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai: %w", adapter.ErrMissingCredential)
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	blockingClient := cfg.HTTPClient
	streamClient := cfg.HTTPClient
	if blockingClient == nil {
		blockingClient = &http.Client{Timeout: timeout}
		// A stream may legitimately outlive any fixed timeout, so only the
		// wait for response headers is bounded.
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = timeout
		streamClient = &http.Client{Transport: transport}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(baseURL + "/"),
		option.WithHTTPClient(blockingClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.Organization != "" {
		opts = append(opts, option.WithOrganization(cfg.Organization))
	}

	return &OpenAIAdapter{
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		org:          cfg.Organization,
		client:       sdk.NewClient(opts...),
		streamClient: streamClient,
		onMalformed:  cfg.OnMalformed,
	}, nil
}

// CreateCompletion asks for a complete answer in one round trip.
func (a *OpenAIAdapter) CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionResponse{}, errors.New("openai: no messages provided")
	}

	params := sdk.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: toSDKMessages(req.Messages),
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if req.User != "" {
		params.User = sdk.String(req.User)
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletionResponse{}, classifySDKError(ctx, err)
	}

	out := openai.ChatCompletionResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
		Usage: openai.UsageBreakdown{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for i, c := range resp.Choices {
		out.Choices = append(out.Choices, openai.ChatCompletionChoice{
			Index:        i,
			FinishReason: string(c.FinishReason),
			Message:      openai.ChatMessage{Role: "assistant", Content: c.Message.Content},
		})
	}
	return out, nil
}

// CreateCompletionStream opens a streamed completion. Opening fails with a
// *adapter.ProviderError for non-success statuses and with a transport error
// when the provider cannot be reached.
func (a *OpenAIAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: no messages provided")
	}
	req.Stream = true

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal stream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	if a.org != "" {
		httpReq.Header.Set("OpenAI-Organization", a.org)
	}

	resp, err := a.streamClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &adapter.TransportError{Op: "openai: send stream request", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &adapter.ProviderError{
			Provider: providerName,
			Status:   resp.StatusCode,
			Message:  errorMessage(respBody),
			Body:     respBody,
		}
	}

	events := make(chan adapter.StreamEvent, 10)
	go a.readStream(ctx, resp.Body, events)
	return events, nil
}

func (a *OpenAIAdapter) readStream(ctx context.Context, body io.ReadCloser, events chan<- adapter.StreamEvent) {
	defer close(events)
	defer body.Close()

	dec := openai.NewStreamDecoder()
	dec.OnMalformed(a.onMalformed)
	buffer := make([]byte, readBufferSize)

	for {
		n, err := body.Read(buffer)
		if n > 0 {
			for _, rec := range dec.Feed(buffer[:n]) {
				if !emit(ctx, events, adapter.StreamEvent{Kind: adapter.EventDelta, ID: rec.ID, Delta: rec.Delta}) {
					return
				}
			}
			if dec.Done() {
				emit(ctx, events, adapter.StreamEvent{Kind: adapter.EventStop})
				return
			}
		}

		if err != nil {
			if err == io.EOF {
				// Body ended without the sentinel; keep whatever was retained.
				for _, rec := range dec.Close() {
					if !emit(ctx, events, adapter.StreamEvent{Kind: adapter.EventDelta, ID: rec.ID, Delta: rec.Delta}) {
						return
					}
				}
				emit(ctx, events, adapter.StreamEvent{Kind: adapter.EventStop})
				return
			}
			if ctx.Err() != nil {
				return
			}
			emit(ctx, events, adapter.StreamEvent{
				Kind: adapter.EventError,
				Err:  &adapter.TransportError{Op: "openai: read stream", Err: err},
			})
			return
		}
	}
}

func emit(ctx context.Context, events chan<- adapter.StreamEvent, ev adapter.StreamEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func toSDKMessages(msgs []openai.ChatMessage) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "system":
			out = append(out, sdk.SystemMessage(m.Content))
		case "assistant":
			out = append(out, sdk.AssistantMessage(m.Content))
		default:
			out = append(out, sdk.UserMessage(m.Content))
		}
	}
	return out
}

// classifySDKError maps SDK failures onto the adapter error taxonomy.
func classifySDKError(ctx context.Context, err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		body := providerBody(apierr.RawJSON(), apierr.Message)
		msg := apierr.Message
		if msg == "" {
			msg = errorMessage(body)
		}
		return &adapter.ProviderError{
			Provider: providerName,
			Status:   apierr.StatusCode,
			Message:  msg,
			Body:     body,
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &adapter.TransportError{Op: "openai: create completion", Err: err}
}

// providerBody returns the provider's error payload in its {"error":{...}}
// envelope, wrapping a bare error object when needed.
func providerBody(raw, message string) []byte {
	raw = strings.TrimSpace(raw)
	if raw != "" {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal([]byte(raw), &probe); err == nil {
			if _, ok := probe["error"]; ok {
				return []byte(raw)
			}
			if wrapped, err := json.Marshal(map[string]json.RawMessage{"error": json.RawMessage(raw)}); err == nil {
				return wrapped
			}
		}
	}
	wrapped, _ := json.Marshal(map[string]map[string]string{"error": {"message": message}})
	return wrapped
}

func errorMessage(body []byte) string {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return strings.TrimSpace(string(body))
}
