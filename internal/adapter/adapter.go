package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/kzinmr/askrelay/internal/openai"
)

// ChatAdapter produces one complete answer for a chat request.
type ChatAdapter interface {
	CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// StreamingChatAdapter produces an answer incrementally. The returned channel
// yields deltas in order and is closed after exactly one EventStop or
// EventError. A stream cannot be restarted; cancelling ctx releases the
// upstream connection and closes the channel.
type StreamingChatAdapter interface {
	ChatAdapter
	CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan StreamEvent, error)
}

// EventKind distinguishes stream events.
type EventKind int

const (
	EventDelta EventKind = iota
	EventStop
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventStop:
		return "stop"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// StreamEvent is one item of a streamed answer.
type StreamEvent struct {
	Kind  EventKind
	ID    string // upstream record id, may be empty
	Delta string
	Err   error
}

var (
	// ErrUpstreamTransport marks failures to reach or read from the provider.
	// They are retryable.
	ErrUpstreamTransport = errors.New("upstream transport failure")
	// ErrMissingCredential is returned when no provider credential is configured.
	ErrMissingCredential = errors.New("provider credential not configured")
)

// TransportError wraps a connection or read failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrUpstreamTransport.
func (e *TransportError) Is(target error) bool {
	return target == ErrUpstreamTransport
}

// ProviderError is a non-success response from the provider. Body holds the
// raw response payload so callers can forward it verbatim.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
	Body     []byte
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: http %d", e.Provider, e.Status)
}

// IsTransport reports whether err is a retryable transport failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrUpstreamTransport)
}

// AsProviderError extracts a ProviderError from err's chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
