package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/kzinmr/askrelay/internal/relay"
)

// memoryDoc renders edits into a string.
type memoryDoc struct {
	mu      sync.Mutex
	text    strings.Builder
	applies int
	fail    error
	gate    chan struct{}
	entered chan struct{}
}

func (d *memoryDoc) SelectedText(ctx context.Context) (string, error) { return "", nil }

func (d *memoryDoc) Apply(ctx context.Context, edits []Edit) error {
	if d.entered != nil {
		d.entered <- struct{}{}
	}
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	for _, e := range edits {
		if e.Kind == EditBlock {
			d.text.WriteString("\n")
		}
		d.text.WriteString(e.Text)
	}
	d.applies++
	return nil
}

func (d *memoryDoc) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text.String()
}

func message(text string) relay.Event { return relay.MessageEvent("c1", text) }

func TestEdits(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []Edit
	}{
		{name: "empty", in: "", want: nil},
		{name: "single line", in: "Hi there", want: []Edit{{EditText, "Hi there"}}},
		{name: "lines", in: "a\nb\n", want: []Edit{{EditText, "a"}, {EditBlock, "b"}, {EditBlock, ""}}},
		{name: "leading newline", in: "\nx", want: []Edit{{EditText, ""}, {EditBlock, "x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Edits(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("Edits(%q) = %v", tt.in, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("Edits(%q)[%d] = %v, want %v", tt.in, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParagraphs(t *testing.T) {
	got := Paragraphs("one\ntwo")
	if len(got) != 2 || got[0] != (Edit{EditBlock, "one"}) || got[1] != (Edit{EditBlock, "two"}) {
		t.Fatalf("Paragraphs = %v", got)
	}
	if Paragraphs("") != nil {
		t.Fatal("empty answer must yield no edits")
	}
}

func TestConsumer_FlushesAtThresholdAndOnDone(t *testing.T) {
	doc := &memoryDoc{}
	c := NewConsumer(doc, WithThreshold(3))
	ctx := context.Background()

	for _, frag := range []string{"Hi", " there", "\nSecond"} {
		if _, err := c.Handle(ctx, message(frag)); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	if doc.applies != 1 || c.Buffered() != 0 {
		t.Fatalf("threshold flush: applies=%d buffered=%d", doc.applies, c.Buffered())
	}

	if _, err := c.Handle(ctx, message(" line")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	finished, err := c.Handle(ctx, relay.DoneEvent())
	if err != nil || !finished {
		t.Fatalf("Handle(done) = %v, %v", finished, err)
	}
	if got := doc.String(); got != "Hi there\nSecond line" {
		t.Fatalf("document = %q", got)
	}
	if c.Flushes() != 2 {
		t.Fatalf("flushes = %d", c.Flushes())
	}
	if _, err := c.Handle(ctx, message("late")); !errors.Is(err, ErrFinished) {
		t.Fatalf("Handle after done = %v", err)
	}
}

func TestConsumer_EmptyFlushIsNoop(t *testing.T) {
	doc := &memoryDoc{}
	c := NewConsumer(doc)
	ctx := context.Background()
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if finished, err := c.Handle(ctx, relay.DoneEvent()); err != nil || !finished {
		t.Fatalf("Handle(done) = %v, %v", finished, err)
	}
	if doc.applies != 0 {
		t.Fatalf("applies = %d, want 0", doc.applies)
	}
}

func TestConsumer_IgnoresOtherEvents(t *testing.T) {
	doc := &memoryDoc{}
	c := NewConsumer(doc)
	finished, err := c.Handle(context.Background(), relay.ErrorEvent("boom", true))
	if finished || err != nil {
		t.Fatalf("Handle(error) = %v, %v", finished, err)
	}
	if c.Buffered() != 0 {
		t.Fatal("error events must not be buffered")
	}
}

func TestConsumer_FailedFlushKeepsFragments(t *testing.T) {
	doc := &memoryDoc{fail: errors.New("document locked")}
	c := NewConsumer(doc, WithThreshold(2))
	ctx := context.Background()

	if _, err := c.Handle(ctx, message("a")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, err := c.Handle(ctx, message("b")); err == nil {
		t.Fatal("expected flush error")
	}
	if doc.String() != "" || c.Buffered() != 2 {
		t.Fatalf("document = %q buffered = %d", doc.String(), c.Buffered())
	}

	doc.mu.Lock()
	doc.fail = nil
	doc.mu.Unlock()
	if finished, err := c.Handle(ctx, relay.DoneEvent()); err != nil || !finished {
		t.Fatalf("Handle(done) = %v, %v", finished, err)
	}
	if doc.String() != "ab" {
		t.Fatalf("document = %q", doc.String())
	}
}

func TestConsumer_MessagesWaitForInFlightFlush(t *testing.T) {
	doc := &memoryDoc{gate: make(chan struct{}), entered: make(chan struct{}, 4)}
	c := NewConsumer(doc, WithThreshold(1))
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := c.Handle(ctx, message("first"))
		first <- err
	}()
	<-doc.entered

	second := make(chan error, 1)
	go func() {
		_, err := c.Handle(ctx, message(" second"))
		second <- err
	}()

	select {
	case <-second:
		t.Fatal("message handled during an in-flight flush")
	case <-time.After(50 * time.Millisecond):
	}

	doc.gate <- struct{}{}
	if err := <-first; err != nil {
		t.Fatalf("first: %v", err)
	}
	<-doc.entered
	doc.gate <- struct{}{}
	if err := <-second; err != nil {
		t.Fatalf("second: %v", err)
	}
	if got := doc.String(); got != "first second" {
		t.Fatalf("document = %q", got)
	}
}

func TestConsumer_Run(t *testing.T) {
	doc := &memoryDoc{}
	c := NewConsumer(doc, WithThreshold(2))
	events := make(chan relay.Event, 8)
	for _, frag := range []string{"The ", "clause ", "binds."} {
		events <- message(frag)
	}
	events <- relay.DoneEvent()

	if err := c.Run(context.Background(), events); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if doc.String() != "The clause binds." {
		t.Fatalf("document = %q", doc.String())
	}
}

func TestConsumer_RunFlushesOnEarlyClose(t *testing.T) {
	doc := &memoryDoc{}
	c := NewConsumer(doc)
	events := make(chan relay.Event, 2)
	events <- message("partial")
	close(events)

	if err := c.Run(context.Background(), events); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if doc.String() != "partial" {
		t.Fatalf("document = %q", doc.String())
	}
}

func TestConsumer_NoFragmentLost(t *testing.T) {
	pieces := []string{"a", "b", " ", "\n", "clause", "é", "\n\n", "x"}
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("document text equals the concatenated fragments", prop.ForAll(
		func(idx []int, threshold int) bool {
			doc := &memoryDoc{}
			c := NewConsumer(doc, WithThreshold(threshold))
			ctx := context.Background()
			var want strings.Builder
			for _, i := range idx {
				want.WriteString(pieces[i])
				if _, err := c.Handle(ctx, message(pieces[i])); err != nil {
					return false
				}
			}
			if _, err := c.Handle(ctx, relay.DoneEvent()); err != nil {
				return false
			}
			return doc.String() == want.String()
		},
		gen.SliceOf(gen.IntRange(0, len(pieces)-1)),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}
