package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultMaxBytes caps one log file before a same-day rollover.
const DefaultMaxBytes int64 = 50 << 20

// Rotating writes to one file per UTC day and rolls over to a numbered file
// when a write would push the current one past MaxBytes.
//
// logs/askrelayd.log becomes logs/askrelayd-2024-05-01.log, then
// logs/askrelayd-2024-05-01-2.log, and so on.
type Rotating struct {
	path     string
	maxBytes int64
	now      func() time.Time

	mu   sync.Mutex
	day  string
	seq  int
	file *os.File
	size int64
}

// NewRotating opens the writer for path.
func NewRotating(path string, maxBytes int64) (*Rotating, error) {
	return newRotating(path, maxBytes, time.Now)
}

func newRotating(path string, maxBytes int64, now func() time.Time) (*Rotating, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("log file path required")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	r := &Rotating{path: path, maxBytes: maxBytes, now: now}
	if err := r.rotate(0); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Rotating) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.rotate(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Close closes the current file.
func (r *Rotating) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Current returns the path of the file being written.
func (r *Rotating) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return ""
	}
	return r.file.Name()
}

func (r *Rotating) rotate(incoming int64) error {
	day := r.now().UTC().Format("2006-01-02")
	switch {
	case r.file == nil || r.day != day:
		r.day = day
		r.seq = 1
	case r.size > 0 && r.size+incoming > r.maxBytes:
		r.seq++
	default:
		return nil
	}
	return r.open()
}

func (r *Rotating) open() error {
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	name := filepath.Base(r.path)
	ext := filepath.Ext(name)
	if ext == "" {
		ext = ".log"
	}
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	file := fmt.Sprintf("%s-%s%s", stem, r.day, ext)
	if r.seq > 1 {
		file = fmt.Sprintf("%s-%s-%d%s", stem, r.day, r.seq, ext)
	}
	f, err := os.OpenFile(filepath.Join(dir, file), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	r.file = f
	r.size = size
	return nil
}

var _ io.WriteCloser = (*Rotating)(nil)
