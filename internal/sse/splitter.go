// Package sse holds the Server-Sent Events plumbing shared by the relay server
// and its clients: an incremental line splitter, an event writer and an event
// reader.
package sse

import (
	"bytes"
	"strings"
)

// Splitter reassembles newline-delimited lines from input that arrives in
// arbitrary chunks. A chunk may carry zero, one or several complete lines plus
// a trailing partial one; the partial line is held back until the chunk that
// terminates it arrives.
//
// After every Feed the retained tail is either empty or exactly one line that
// has not seen its delimiter yet.
type Splitter struct {
	tail []byte
}

// NewSplitter returns an empty Splitter.
func NewSplitter() *Splitter {
	return &Splitter{}
}

// Feed appends chunk to the retained tail and returns every line the chunk
// completes, in order, without the delimiter. A trailing "\r" is stripped so
// CRLF streams behave like LF streams. Blank lines are returned as "".
func (s *Splitter) Feed(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	s.tail = append(s.tail, chunk...)

	var lines []string
	start := 0
	for {
		i := bytes.IndexByte(s.tail[start:], '\n')
		if i < 0 {
			break
		}
		line := string(s.tail[start : start+i])
		lines = append(lines, strings.TrimSuffix(line, "\r"))
		start += i + 1
	}
	if start > 0 {
		rest := s.tail[start:]
		if len(rest) == 0 {
			s.tail = s.tail[:0]
		} else {
			s.tail = append(s.tail[:0:0], rest...)
		}
	}
	return lines
}

// Tail returns the retained, not yet terminated line.
func (s *Splitter) Tail() string {
	return string(s.tail)
}

// Flush returns the retained tail as a final line when the input has ended and
// resets the splitter. It returns false when nothing was retained.
func (s *Splitter) Flush() (string, bool) {
	if len(s.tail) == 0 {
		return "", false
	}
	line := strings.TrimSuffix(string(s.tail), "\r")
	s.tail = s.tail[:0]
	return line, true
}

// Reset drops any retained input.
func (s *Splitter) Reset() {
	s.tail = s.tail[:0]
}
