package sse

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("sse: streaming not supported")

// Writer encodes events onto an HTTP response and flushes after each one.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter sets the event-stream headers on w and returns a Writer for it.
// The status line is not written until the first event or an explicit Open.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &Writer{w: w, flusher: flusher}, nil
}

// Open commits the headers so the client sees the stream as connected.
func (w *Writer) Open() {
	w.flusher.Flush()
}

// Event writes one named event. Multi-line data is split over several data
// fields; an empty data still produces a single empty data field so that
// EventSource dispatches the event.
func (w *Writer) Event(name, id, data string) error {
	var b strings.Builder
	if name != "" {
		b.WriteString("event: ")
		b.WriteString(name)
		b.WriteByte('\n')
	}
	if id != "" {
		b.WriteString("id: ")
		b.WriteString(sanitize(id))
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(strings.TrimSuffix(line, "\r"))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return w.write(b.String())
}

// Comment writes a comment line, used as a keep-alive.
func (w *Writer) Comment(text string) error {
	return w.write(": " + sanitize(text) + "\n\n")
}

// Retry tells the client how long to wait before reconnecting.
func (w *Writer) Retry(d time.Duration) error {
	return w.write(fmt.Sprintf("retry: %d\n\n", d.Milliseconds()))
}

func (w *Writer) write(s string) error {
	if _, err := io.WriteString(w.w, s); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

func sanitize(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}
