package sanitize

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultDeltaPaths are the gjson paths tried, in order, for the text delta
// of a streamed frame: OpenAI chat, Anthropic content_block_delta, OpenAI
// legacy completions, Ollama chat and Ollama generate. Ollama streams bare
// NDJSON, which Pipe does not read; its paths apply to frames handed to
// TransformFrame directly or relayed inside "data:" lines.
var DefaultDeltaPaths = []string{
	"choices.0.delta.content",
	"delta.text",
	"choices.0.text",
	"message.content",
	"response",
}

// choiceIndexPath identifies which choice a frame belongs to when a provider
// streams several choices over one connection.
const choiceIndexPath = "choices.0.index"

// Terminal fields are reset on synthetic flush frames so the real final
// frame stays the only one that ends the stream.
var (
	nullFields   = []string{"choices.0.finish_reason", "stop_reason"}
	falseFields  = []string{"done"}
	deleteFields = []string{"done_reason", "usage"}
)

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// streamSlot is the restoration state of one choice within a stream.
type streamSlot struct {
	state    StreamState
	template []byte // last rewritten envelope, reused to flush the carry
	path     string
}

// StreamTransformer restores placeholders in a Server-Sent-Events stream of
// JSON frames. Placeholders split across frames are reassembled. Frames that
// are not JSON, or carry no text delta, pass through unchanged. A
// StreamTransformer serves exactly one stream and is not safe for concurrent
// use.
type StreamTransformer struct {
	restorer *Restorer
	paths    []string
	slots    map[string]*streamSlot
	frames   int
	restored int
}

// NewStreamTransformer creates a transformer for one stream. Empty paths
// means DefaultDeltaPaths.
func NewStreamTransformer(m *Mapping, paths []string) *StreamTransformer {
	if len(paths) == 0 {
		paths = DefaultDeltaPaths
	}
	return &StreamTransformer{
		restorer: NewRestorer(m),
		paths:    paths,
		slots:    make(map[string]*streamSlot),
	}
}

// Frames returns how many data frames were seen.
func (t *StreamTransformer) Frames() int { return t.frames }

// Restored returns how many frames had their text delta rewritten.
func (t *StreamTransformer) Restored() int { return t.restored }

// TransformFrame rewrites the text delta of a single JSON frame payload
// (the part after "data:"). Anything unexpected is returned unmodified.
func (t *StreamTransformer) TransformFrame(payload []byte) []byte {
	t.frames++
	if !gjson.ValidBytes(payload) {
		return payload
	}
	for _, path := range t.paths {
		res := gjson.GetBytes(payload, path)
		if !res.Exists() || res.Type != gjson.String {
			continue
		}
		key := gjson.GetBytes(payload, choiceIndexPath).Raw
		slot := t.slots[key]
		if slot == nil {
			slot = &streamSlot{}
			t.slots[key] = slot
		}
		emit, next := t.restorer.Step(slot.state, res.String())
		out, err := sjson.SetBytes(payload, path, emit)
		if err != nil {
			slog.Debug("sanitize: stream frame rewrite failed, passing through", "path", path, "err", err)
			return payload
		}
		if emit != res.String() {
			t.restored++
		}
		slot.state = next
		slot.template = out
		slot.path = path
		return out
	}
	return payload
}

// FlushFrames returns one synthetic frame payload per choice whose carry is
// non-empty, and clears all carries. Each frame is built from the last
// envelope seen for its choice with finish_reason, done and usage cleared.
func (t *StreamTransformer) FlushFrames() [][]byte {
	keys := make([]string, 0, len(t.slots))
	for k := range t.slots {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var frames [][]byte
	for _, k := range keys {
		slot := t.slots[k]
		rest := t.restorer.Flush(slot.state)
		slot.state = StreamState{}
		if rest == "" || slot.template == nil {
			continue
		}
		frame, err := sjson.SetBytes(slot.template, slot.path, rest)
		if err != nil {
			continue
		}
		frames = append(frames, clearTerminal(frame))
	}
	return frames
}

func clearTerminal(frame []byte) []byte {
	set := func(path string, edit func([]byte) ([]byte, error)) {
		if !gjson.GetBytes(frame, path).Exists() {
			return
		}
		if out, err := edit(frame); err == nil {
			frame = out
		}
	}
	for _, path := range nullFields {
		set(path, func(b []byte) ([]byte, error) { return sjson.SetRawBytes(b, path, []byte("null")) })
	}
	for _, path := range falseFields {
		set(path, func(b []byte) ([]byte, error) { return sjson.SetBytes(b, path, false) })
	}
	for _, path := range deleteFields {
		set(path, func(b []byte) ([]byte, error) { return sjson.DeleteBytes(b, path) })
	}
	return frame
}

// Discard drops all carried text. Used on cancellation, where emitting a
// dangling partial placeholder would be wrong.
func (t *StreamTransformer) Discard() {
	for _, slot := range t.slots {
		slot.state = StreamState{}
	}
}

// Pipe copies an SSE stream from src to dst, restoring placeholders on the
// way. Only "data:" lines are rewritten; other lines, including bare NDJSON,
// pass through. flush, if non-nil, is called after every event boundary so
// the client sees output promptly.
//
// When ctx is cancelled or dst fails, any carried text is discarded and the
// error is returned. At "data: [DONE]" or end of input the carry is emitted
// in a synthetic frame first.
func (t *StreamTransformer) Pipe(ctx context.Context, dst io.Writer, src io.Reader, flush func()) error {
	br := bufio.NewReaderSize(src, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			t.Discard()
			return err
		}

		line, readErr := br.ReadBytes('\n')
		if err := ctx.Err(); err != nil {
			t.Discard()
			return err
		}
		if len(line) > 0 {
			if err := t.writeLine(dst, line); err != nil {
				t.Discard()
				return err
			}
			if flush != nil && isBlankLine(line) {
				flush()
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				if err := t.writeFlush(dst); err != nil {
					return err
				}
				if flush != nil {
					flush()
				}
				return nil
			}
			t.Discard()
			return readErr
		}
	}
}

func (t *StreamTransformer) writeLine(dst io.Writer, line []byte) error {
	if !bytes.HasPrefix(line, dataPrefix) {
		_, err := dst.Write(line)
		return err
	}

	body, eol := splitEOL(line[len(dataPrefix):])
	payload := bytes.TrimPrefix(body, []byte(" "))

	if bytes.Equal(bytes.TrimSpace(payload), doneMarker) {
		if err := t.writeFlush(dst); err != nil {
			return err
		}
		_, err := dst.Write(line)
		return err
	}

	out := t.TransformFrame(payload)
	buf := make([]byte, 0, len(dataPrefix)+1+len(out)+len(eol))
	buf = append(buf, "data: "...)
	buf = append(buf, out...)
	buf = append(buf, eol...)
	_, err := dst.Write(buf)
	return err
}

func (t *StreamTransformer) writeFlush(dst io.Writer) error {
	for _, frame := range t.FlushFrames() {
		buf := make([]byte, 0, len(frame)+8)
		buf = append(buf, "data: "...)
		buf = append(buf, frame...)
		buf = append(buf, "\n\n"...)
		if _, err := dst.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// splitEOL separates a line from its trailing "\n" or "\r\n".
func splitEOL(line []byte) ([]byte, []byte) {
	switch {
	case bytes.HasSuffix(line, []byte("\r\n")):
		return line[:len(line)-2], line[len(line)-2:]
	case bytes.HasSuffix(line, []byte("\n")):
		return line[:len(line)-1], line[len(line)-1:]
	}
	return line, nil
}

func isBlankLine(line []byte) bool {
	return len(bytes.TrimRight(line, "\r\n")) == 0
}
