package openai

import (
	"encoding/json"
	"strings"

	"github.com/kzinmr/askrelay/internal/sse"
)

// StreamRecord is one content delta recovered from the stream.
type StreamRecord struct {
	ID    string
	Delta string
}

// StreamDecoder turns raw body chunks of a streamed chat completion into
// ordered records. Chunks may cut records anywhere, including inside a
// multi-byte character; incomplete lines are retained until completed.
type StreamDecoder struct {
	lines       *sse.Splitter
	done        bool
	onMalformed func(line string, err error)
}

// NewStreamDecoder returns a decoder ready for the first chunk.
func NewStreamDecoder() *StreamDecoder {
	return &StreamDecoder{lines: sse.NewSplitter()}
}

// OnMalformed registers a callback for records that fail to parse. Such
// records are skipped either way.
func (d *StreamDecoder) OnMalformed(fn func(line string, err error)) {
	d.onMalformed = fn
}

// Done reports whether the [DONE] sentinel has been seen.
func (d *StreamDecoder) Done() bool {
	return d.done
}

// Feed consumes one chunk and returns the records it completes. Input after
// the sentinel is ignored.
func (d *StreamDecoder) Feed(chunk []byte) []StreamRecord {
	if d.done {
		return nil
	}
	var out []StreamRecord
	for _, line := range d.lines.Feed(chunk) {
		if rec, ok := d.decodeLine(line); ok {
			out = append(out, rec)
		}
		if d.done {
			d.lines.Reset()
			break
		}
	}
	return out
}

// Close flushes a final unterminated line once the body has ended.
func (d *StreamDecoder) Close() []StreamRecord {
	if d.done {
		return nil
	}
	line, ok := d.lines.Flush()
	if !ok {
		return nil
	}
	if rec, ok := d.decodeLine(line); ok {
		return []StreamRecord{rec}
	}
	return nil
}

func (d *StreamDecoder) decodeLine(line string) (StreamRecord, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, ":") {
		return StreamRecord{}, false
	}
	if rest, ok := strings.CutPrefix(line, "data:"); ok {
		line = strings.TrimSpace(rest)
	}
	if line == DoneSentinel {
		d.done = true
		return StreamRecord{}, false
	}

	var chunk ChatCompletionChunk
	if err := json.Unmarshal([]byte(line), &chunk); err != nil {
		if d.onMalformed != nil {
			d.onMalformed(line, err)
		}
		return StreamRecord{}, false
	}
	if len(chunk.Choices) == 0 || chunk.Stopped() {
		return StreamRecord{}, false
	}
	return StreamRecord{ID: chunk.ID, Delta: chunk.Delta().Content}, true
}
