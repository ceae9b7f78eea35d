package loopback

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kzinmr/askrelay/internal/adapter"
	"github.com/kzinmr/askrelay/internal/openai"
)

// Ensure LoopbackAdapter implements StreamingChatAdapter.
var _ adapter.StreamingChatAdapter = (*LoopbackAdapter)(nil)

const completionID = "cmpl-loopback"

// LoopbackAdapter echoes the question back, for running the relay without a
// provider credential.
type LoopbackAdapter struct {
	chunkDelay time.Duration
}

// Option configures a LoopbackAdapter.
type Option func(*LoopbackAdapter)

// WithChunkDelay pauses between streamed words.
func WithChunkDelay(d time.Duration) Option {
	return func(a *LoopbackAdapter) { a.chunkDelay = d }
}

// New creates a LoopbackAdapter instance.
func New(opts ...Option) *LoopbackAdapter {
	a := &LoopbackAdapter{}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func reply(req openai.ChatCompletionRequest) (string, error) {
	if len(req.Messages) == 0 {
		return "", errors.New("no messages provided")
	}
	q := req.Question()
	if q == "" {
		q = req.Messages[len(req.Messages)-1].Content
	}
	return "[loopback] " + strings.TrimSpace(q), nil
}

// CreateCompletion fabricates a deterministic completion.
func (a *LoopbackAdapter) CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	text, err := reply(req)
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	msg := openai.ChatMessage{Role: "assistant", Content: text}

	prompt := 0
	for _, m := range req.Messages {
		prompt += openai.ApproxTokens(m.Content)
	}
	completion := openai.ApproxTokens(text)
	usage := openai.UsageBreakdown{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
	return openai.NewCompletionResponse(completionID, req.Model, msg, usage), nil
}

// CreateCompletionStream streams the same reply word by word.
func (a *LoopbackAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	text, err := reply(req)
	if err != nil {
		return nil, err
	}
	events := make(chan adapter.StreamEvent, 10)
	go func() {
		defer close(events)
		for i, word := range strings.SplitAfter(text, " ") {
			if i > 0 && a.chunkDelay > 0 {
				select {
				case <-time.After(a.chunkDelay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case events <- adapter.StreamEvent{Kind: adapter.EventDelta, ID: completionID, Delta: word}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case events <- adapter.StreamEvent{Kind: adapter.EventStop}:
		case <-ctx.Done():
		}
	}()
	return events, nil
}
