// Package document implements the editing surface for command-line use: a
// plain-text file whose selection is a line range and whose answers are
// appended at the end.
package document

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kzinmr/askrelay/internal/batch"
)

// Ensure File implements batch.Document.
var _ batch.Document = (*File)(nil)

// ErrEmptySelection is returned when the selected range holds no text.
var ErrEmptySelection = errors.New("document: selection is empty")

// File is a text file used as a document. Blocks are lines.
type File struct {
	path     string
	from, to int

	mu sync.Mutex
}

// Option configures a File.
type Option func(*File)

// WithLines selects lines from..to (1-based, inclusive). A zero to means the
// end of the file.
func WithLines(from, to int) Option {
	return func(f *File) {
		f.from = from
		f.to = to
	}
}

// Open returns a File for path, which must exist.
func Open(path string, opts ...Option) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("document: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("document: %s is a directory", path)
	}
	f := &File{path: path}
	for _, opt := range opts {
		opt(f)
	}
	if f.from < 0 || f.to < 0 || (f.to > 0 && f.from > f.to) {
		return nil, fmt.Errorf("document: invalid line range %d-%d", f.from, f.to)
	}
	return f, nil
}

// Path returns the file path.
func (f *File) Path() string { return f.path }

// SelectedText returns the selected lines, or the whole file when no range
// was set.
func (f *File) SelectedText(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("document: read: %w", err)
	}
	text := string(data)
	if f.from > 0 || f.to > 0 {
		lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
		from := max(f.from, 1)
		to := f.to
		if to == 0 || to > len(lines) {
			to = len(lines)
		}
		if from > to {
			return "", ErrEmptySelection
		}
		text = strings.Join(lines[from-1:to], "\n")
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptySelection
	}
	return text, nil
}

// Apply appends edits to the end of the file. The new content is written to a
// temporary file and renamed over the original, so a failed Apply leaves the
// file as it was.
func (f *File) Apply(ctx context.Context, edits []batch.Edit) error {
	if len(edits) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("document: read: %w", err)
	}
	var b strings.Builder
	b.Write(data)
	for _, e := range edits {
		if e.Kind == batch.EditBlock && b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.Text)
	}
	return writeAtomic(f.path, []byte(b.String()))
}

func writeAtomic(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("document: create temp: %w", err)
	}
	name := tmp.Name()
	cleanup := func() { _ = os.Remove(name) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("document: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("document: write: %w", err)
	}
	if err := os.Chmod(name, mode); err != nil {
		cleanup()
		return fmt.Errorf("document: chmod: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		cleanup()
		return fmt.Errorf("document: replace: %w", err)
	}
	return nil
}
