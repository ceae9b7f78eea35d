package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventKind names a relay event as it appears on the wire.
type EventKind string

const (
	KindMessage EventKind = "message"
	KindDone    EventKind = "done"
	KindError   EventKind = "error"
)

// Event is one unit pushed down a client channel. Data holds the JSON
// payload, empty for done.
type Event struct {
	Kind EventKind `json:"event"`
	ID   string    `json:"id,omitempty"`
	Data string    `json:"data"`
}

type messagePayload struct {
	Result string `json:"result"`
}

type errorPayload struct {
	Error struct {
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

// MessageEvent wraps one text fragment.
func MessageEvent(id, text string) Event {
	b, _ := json.Marshal(messagePayload{Result: text})
	return Event{Kind: KindMessage, ID: id, Data: string(b)}
}

// DoneEvent marks the end of an answer.
func DoneEvent() Event {
	return Event{Kind: KindDone}
}

// ErrorEvent reports an upstream failure to the client. retryable tells the
// client whether the session is still open.
func ErrorEvent(message string, retryable bool) Event {
	var p errorPayload
	p.Error.Message = message
	p.Error.Retryable = retryable
	b, _ := json.Marshal(p)
	return Event{Kind: KindError, Data: string(b)}
}

// Result decodes the text of a message event.
func (e Event) Result() (string, error) {
	if e.Kind != KindMessage {
		return "", fmt.Errorf("relay: %s event carries no result", e.Kind)
	}
	var p messagePayload
	if err := json.Unmarshal([]byte(e.Data), &p); err != nil {
		return "", fmt.Errorf("relay: decode message: %w", err)
	}
	return p.Result, nil
}

// ErrorMessage decodes an error event into its message and whether the
// session stayed open. Undecodable payloads are returned as-is.
func (e Event) ErrorMessage() (message string, retryable bool) {
	if e.Kind != KindError {
		return "", false
	}
	var p errorPayload
	if err := json.Unmarshal([]byte(e.Data), &p); err != nil {
		return e.Data, false
	}
	return p.Error.Message, p.Error.Retryable
}

// ErrChannelClosed is returned when the client channel went away. It ends a
// relay normally and is not reported as a failure.
var ErrChannelClosed = errors.New("relay channel closed")

// ErrStreamTimeout is the cancellation cause when a relay exceeds its
// configured lifetime.
var ErrStreamTimeout = errors.New("relay stream timed out")

// Sink is the client side of a relay: an SSE response or a WebSocket.
type Sink interface {
	Send(Event) error
	// Ping keeps an idle channel alive.
	Ping() error
}
