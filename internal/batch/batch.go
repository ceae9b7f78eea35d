// Package batch commits streamed answer fragments to a document in batches
// instead of one edit per token.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/kzinmr/askrelay/internal/relay"
)

// DefaultThreshold is the number of buffered fragments that triggers a flush.
const DefaultThreshold = 100

// EditKind says how an edit lands in the document.
type EditKind int

const (
	// EditText continues the last block of the document.
	EditText EditKind = iota
	// EditBlock starts a new block (paragraph) at the end of the document.
	EditBlock
)

func (k EditKind) String() string {
	if k == EditBlock {
		return "block"
	}
	return "text"
}

// Edit is one insertion at the end of the document.
type Edit struct {
	Kind EditKind
	Text string
}

// Document is the editing surface answers are written into. Apply must be
// all or nothing: either every edit lands or the document is unchanged.
type Document interface {
	SelectedText(ctx context.Context) (string, error)
	Apply(ctx context.Context, edits []Edit) error
}

// Edits converts streamed text into edits: the first line continues the
// current block, each following line starts a new one. Empty text yields no
// edits.
func Edits(text string) []Edit {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	edits := make([]Edit, 0, len(lines))
	for i, line := range lines {
		kind := EditBlock
		if i == 0 {
			kind = EditText
		}
		edits = append(edits, Edit{Kind: kind, Text: line})
	}
	return edits
}

// Paragraphs converts a complete answer into one new block per line.
func Paragraphs(text string) []Edit {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	edits := make([]Edit, 0, len(lines))
	for _, line := range lines {
		edits = append(edits, Edit{Kind: EditBlock, Text: line})
	}
	return edits
}

// ErrFinished is returned by Handle after the done event was consumed.
var ErrFinished = errors.New("batch: consumer finished")

// Consumer buffers message events and flushes them into a Document. Handle
// calls are served one at a time in arrival order; a call that arrives while
// a flush is in progress waits for it.
type Consumer struct {
	doc       Document
	threshold int
	logger    *log.Logger

	// slot is a single token; holding it grants exclusive use of buf.
	// Waiting receivers on a channel are served first come, first served.
	slot chan struct{}
	buf  []string

	mu       sync.Mutex
	flushes  int
	finished bool
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithThreshold sets the flush threshold in fragments.
func WithThreshold(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.threshold = n
		}
	}
}

// WithLogger reports flush failures to logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Consumer) { c.logger = logger }
}

// NewConsumer creates a Consumer writing into doc.
func NewConsumer(doc Document, opts ...Option) *Consumer {
	c := &Consumer{
		doc:       doc,
		threshold: DefaultThreshold,
		slot:      make(chan struct{}, 1),
	}
	c.slot <- struct{}{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Consumer) acquire(ctx context.Context) error {
	select {
	case <-c.slot:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer) release() { c.slot <- struct{}{} }

// Handle consumes one relay event. It reports finished once a done event was
// flushed. Events other than message and done are ignored.
func (c *Consumer) Handle(ctx context.Context, ev relay.Event) (finished bool, err error) {
	if err := c.acquire(ctx); err != nil {
		return false, err
	}
	defer c.release()

	if c.isFinished() {
		return true, ErrFinished
	}

	switch ev.Kind {
	case relay.KindMessage:
		text, err := ev.Result()
		if err != nil {
			if c.logger != nil {
				c.logger.Printf("batch: skipping undecodable message %q: %v", ev.ID, err)
			}
			return false, nil
		}
		c.buf = append(c.buf, text)
		if len(c.buf) >= c.threshold {
			return false, c.flushLocked(ctx)
		}
		return false, nil
	case relay.KindDone:
		if err := c.flushLocked(ctx); err != nil {
			return false, err
		}
		c.mu.Lock()
		c.finished = true
		c.mu.Unlock()
		return true, nil
	default:
		return false, nil
	}
}

// Flush writes whatever is buffered. Flushing an empty buffer is a no-op.
func (c *Consumer) Flush(ctx context.Context) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	return c.flushLocked(ctx)
}

// flushLocked must run while holding the slot. On failure the fragments stay
// buffered so the next flush retries them.
func (c *Consumer) flushLocked(ctx context.Context) error {
	if len(c.buf) == 0 {
		return nil
	}
	edits := Edits(strings.Join(c.buf, ""))
	if len(edits) == 0 {
		c.buf = c.buf[:0]
		return nil
	}
	if err := c.doc.Apply(ctx, edits); err != nil {
		if c.logger != nil {
			c.logger.Printf("batch: flush of %d fragments failed: %v", len(c.buf), err)
		}
		return fmt.Errorf("batch flush: %w", err)
	}
	c.buf = c.buf[:0]
	c.mu.Lock()
	c.flushes++
	c.mu.Unlock()
	return nil
}

// Run consumes events until a done event is flushed, the channel closes or
// ctx ends. Fragments left when the channel closes early are flushed.
func (c *Consumer) Run(ctx context.Context, events <-chan relay.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return c.Flush(ctx)
			}
			finished, err := c.Handle(ctx, ev)
			if err != nil {
				return err
			}
			if finished {
				return nil
			}
		}
	}
}

// Flushes reports how many batches reached the document.
func (c *Consumer) Flushes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushes
}

// Buffered reports the number of fragments waiting for a flush.
func (c *Consumer) Buffered() int {
	if err := c.acquire(context.Background()); err != nil {
		return 0
	}
	defer c.release()
	return len(c.buf)
}

func (c *Consumer) isFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}
