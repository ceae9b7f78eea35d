package sse

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// Event is one dispatched Server-Sent Event.
type Event struct {
	Name  string
	ID    string
	Data  string
	Retry time.Duration
}

// Reader decodes events from an event-stream body.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r for event decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next dispatched event. Comment lines are skipped and a
// block that carries only a retry field is returned with empty Name and Data.
// It returns io.EOF once the stream ends cleanly between events.
func (r *Reader) Next() (Event, error) {
	var (
		ev      Event
		data    []string
		hasData bool
		seen    bool
	)
	for {
		line, err := r.r.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF && seen {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			return Event{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !seen {
				continue
			}
			if hasData {
				ev.Data = strings.Join(data, "\n")
			}
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
			seen = true
		case "id":
			ev.ID = value
			seen = true
		case "data":
			data = append(data, value)
			hasData = true
			seen = true
		case "retry":
			if ms, perr := strconv.Atoi(value); perr == nil && ms >= 0 {
				ev.Retry = time.Duration(ms) * time.Millisecond
				seen = true
			}
		}
	}
}
