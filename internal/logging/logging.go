// Package logging builds the component loggers used by the daemon and the CLI.
package logging

import (
	"io"
	"log"
	"os"
	"strings"
)

// Flags used by every askrelay logger.
const Flags = log.LstdFlags | log.Lmicroseconds

// Sink is where log output goes: stdout, optionally mirrored to a rotating file.
type Sink struct {
	w    io.Writer
	file *Rotating
}

// Open mirrors output to a rotating file at path. An empty path or "-" keeps
// output on stdout only.
func Open(path string, maxBytes int64) (*Sink, error) {
	return open(os.Stdout, path, maxBytes)
}

func open(stdout io.Writer, path string, maxBytes int64) (*Sink, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == "-" {
		return &Sink{w: stdout}, nil
	}
	f, err := NewRotating(path, maxBytes)
	if err != nil {
		return nil, err
	}
	return &Sink{w: io.MultiWriter(stdout, f), file: f}, nil
}

// Writer returns the combined output.
func (s *Sink) Writer() io.Writer { return s.w }

// Logger returns a logger prefixed with [component].
func (s *Sink) Logger(component string) *log.Logger {
	return log.New(s.w, "["+component+"] ", Flags)
}

// Close closes the log file, if any.
func (s *Sink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// IsDebug reports whether level enables debug output.
func IsDebug(level string) bool {
	return strings.EqualFold(strings.TrimSpace(level), "debug")
}
