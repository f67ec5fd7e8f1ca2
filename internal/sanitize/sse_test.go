package sanitize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func chatFrame(index int, content string) string {
	return fmt.Sprintf(`data: {"id":"c1","choices":[{"index":%d,"delta":{"content":%q}}]}`+"\n\n", index, content)
}

// deltas collects the delta text of every data frame, by choice index.
func deltas(t *testing.T, out string) map[int64]string {
	t.Helper()
	got := map[int64]string{}
	for _, line := range strings.Split(out, "\n") {
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok || payload == "[DONE]" {
			continue
		}
		require.True(t, gjson.Valid(payload), payload)
		got[gjson.Get(payload, "choices.0.index").Int()] += gjson.Get(payload, "choices.0.delta.content").String()
	}
	return got
}

func TestPipe_RestoresSplitPlaceholders(t *testing.T) {
	src := chatFrame(0, "Hello [PER") + chatFrame(0, "SON_12], your mail is [EMAIL") + chatFrame(0, "_1].") + "data: [DONE]\n\n"

	var dst bytes.Buffer
	flushes := 0
	tr := NewStreamTransformer(testMapping(), nil)
	require.NoError(t, tr.Pipe(context.Background(), &dst, strings.NewReader(src), func() { flushes++ }))

	assert.Equal(t, "Hello Ann Lee, your mail is a@b.io.", deltas(t, dst.String())[0])
	assert.True(t, strings.HasSuffix(dst.String(), "data: [DONE]\n\n"))
	assert.Equal(t, 3, tr.Frames())
	assert.Equal(t, 3, tr.Restored())
	assert.GreaterOrEqual(t, flushes, 4)
	assert.NotContains(t, dst.String(), "[EMAIL_1]")
}

func TestPipe_FlushesCarryBeforeDone(t *testing.T) {
	src := chatFrame(0, "truncated [EMAIL_") + "data: [DONE]\n\n"

	var dst bytes.Buffer
	require.NoError(t, NewStreamTransformer(testMapping(), nil).Pipe(context.Background(), &dst, strings.NewReader(src), nil))

	out := dst.String()
	assert.Equal(t, "truncated [EMAIL_", deltas(t, out)[0])
	done := strings.Index(out, "data: [DONE]")
	last := strings.LastIndex(out, `[EMAIL_"`)
	require.Positive(t, last)
	assert.Less(t, last, done, "carry is emitted before [DONE]")
}

func TestPipe_FlushesCarryAtEOF(t *testing.T) {
	src := chatFrame(0, "ends with [PERSON_1")

	var dst bytes.Buffer
	require.NoError(t, NewStreamTransformer(testMapping(), nil).Pipe(context.Background(), &dst, strings.NewReader(src), nil))
	assert.Equal(t, "ends with [PERSON_1", deltas(t, dst.String())[0])
}

func TestPipe_FlushFrameIsNotTerminal(t *testing.T) {
	tests := []struct {
		name, src, text string
		check           func(t *testing.T, flushed, last string)
	}{
		{
			name: "openai",
			src: chatFrame(0, "x [EMAIL_") +
				`data: {"id":"c1","choices":[{"index":0,"delta":{"content":""},"finish_reason":"stop"}],"usage":{"total_tokens":9}}` + "\n\n" +
				"data: [DONE]\n\n",
			text: "choices.0.delta.content",
			check: func(t *testing.T, flushed, last string) {
				assert.Equal(t, "stop", gjson.Get(last, "choices.0.finish_reason").String())
				assert.Equal(t, gjson.Null, gjson.Get(flushed, "choices.0.finish_reason").Type)
				assert.False(t, gjson.Get(flushed, "usage").Exists())
				assert.Equal(t, "c1", gjson.Get(flushed, "id").String())
			},
		},
		{
			name: "ollama",
			src: `data: {"response":"x [EMAIL_","done":false}` + "\n\n" +
				`data: {"response":"","done":true,"done_reason":"stop"}` + "\n\n",
			text: "response",
			check: func(t *testing.T, flushed, last string) {
				assert.True(t, gjson.Get(last, "done").Bool())
				assert.False(t, gjson.Get(flushed, "done").Bool())
				assert.True(t, gjson.Get(flushed, "done").Exists())
				assert.False(t, gjson.Get(flushed, "done_reason").Exists())
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dst bytes.Buffer
			require.NoError(t, NewStreamTransformer(testMapping(), nil).Pipe(context.Background(), &dst, strings.NewReader(tt.src), nil))

			var frames []string
			for _, line := range strings.Split(dst.String(), "\n") {
				if payload, ok := strings.CutPrefix(line, "data: "); ok && payload != "[DONE]" {
					frames = append(frames, payload)
				}
			}
			require.Len(t, frames, 3)
			flushed := frames[2]
			assert.Equal(t, "[EMAIL_", gjson.Get(flushed, tt.text).String())
			tt.check(t, flushed, frames[1])
		})
	}
}

func TestPipe_PassesThroughUnknownLines(t *testing.T) {
	src := ": keep-alive\n" +
		"event: ping\n" +
		"data: not json [EMAIL_1]\n\n" +
		`data: {"choices":[{"index":0,"delta":{"content":null}}]}` + "\n\n" +
		`data: {"usage":{"total_tokens":5}}` + "\r\n\r\n"

	var dst bytes.Buffer
	require.NoError(t, NewStreamTransformer(testMapping(), nil).Pipe(context.Background(), &dst, strings.NewReader(src), nil))
	assert.Equal(t, src, dst.String())
}

func TestPipe_ChoicesAreIndependent(t *testing.T) {
	src := chatFrame(0, "A: [EMA") + chatFrame(1, "B: [PERSON") + chatFrame(0, "IL_1]") + chatFrame(1, "_12]") + "data: [DONE]\n\n"

	var dst bytes.Buffer
	require.NoError(t, NewStreamTransformer(testMapping(), nil).Pipe(context.Background(), &dst, strings.NewReader(src), nil))

	got := deltas(t, dst.String())
	assert.Equal(t, "A: a@b.io", got[0])
	assert.Equal(t, "B: Ann Lee", got[1])
}

func TestPipe_OtherEnvelopes(t *testing.T) {
	tests := []struct {
		name, frame, path string
	}{
		{"anthropic", `{"type":"content_block_delta","delta":{"type":"text_delta","text":"%s"}}`, "delta.text"},
		{"completions", `{"choices":[{"index":0,"text":"%s"}]}`, "choices.0.text"},
		{"ollama chat", `{"message":{"role":"assistant","content":"%s"},"done":false}`, "message.content"},
		{"ollama generate", `{"response":"%s","done":false}`, "response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := "data: " + fmt.Sprintf(tt.frame, "to [EMAIL_") + "\n\n" +
				"data: " + fmt.Sprintf(tt.frame, "10] now") + "\n\n"

			var dst bytes.Buffer
			require.NoError(t, NewStreamTransformer(testMapping(), nil).Pipe(context.Background(), &dst, strings.NewReader(src), nil))

			var text strings.Builder
			for _, line := range strings.Split(dst.String(), "\n") {
				if payload, ok := strings.CutPrefix(line, "data: "); ok {
					text.WriteString(gjson.Get(payload, tt.path).String())
				}
			}
			assert.Equal(t, "to j@x.com now", text.String())
		})
	}
}

func TestPipe_CustomPaths(t *testing.T) {
	src := `data: {"output":"[EMAIL_1]","choices":[{"delta":{"content":"[EMAIL_1]"}}]}` + "\n\n"

	var dst bytes.Buffer
	require.NoError(t, NewStreamTransformer(testMapping(), []string{"output"}).Pipe(context.Background(), &dst, strings.NewReader(src), nil))

	payload := strings.TrimSpace(strings.TrimPrefix(dst.String(), "data: "))
	assert.Equal(t, "a@b.io", gjson.Get(payload, "output").String())
	assert.Equal(t, "[EMAIL_1]", gjson.Get(payload, "choices.0.delta.content").String(), "only configured paths are rewritten")
}

func TestPipe_CancellationDiscardsCarry(t *testing.T) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	var dst bytes.Buffer
	done := make(chan error, 1)
	tr := NewStreamTransformer(testMapping(), nil)
	go func() { done <- tr.Pipe(ctx, &dst, pr, nil) }()

	_, err := io.WriteString(pw, chatFrame(0, "partial [PERSON_1"))
	require.NoError(t, err)
	cancel()
	pw.CloseWithError(errors.New("client went away"))

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.NotContains(t, dst.String(), "[PERSON_1")
	assert.Empty(t, tr.FlushFrames(), "carry was discarded")
}

type failingWriter struct{ n int }

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.n == 0 {
		return 0, errors.New("broken pipe")
	}
	w.n--
	return len(p), nil
}

func TestPipe_WriterErrorStops(t *testing.T) {
	src := chatFrame(0, "one [EMAIL") + chatFrame(0, "_1] two")
	tr := NewStreamTransformer(testMapping(), nil)
	err := tr.Pipe(context.Background(), &failingWriter{n: 1}, strings.NewReader(src), nil)
	assert.EqualError(t, err, "broken pipe")
	assert.Empty(t, tr.FlushFrames())
}

func TestTransformFrame_EmptyMapping(t *testing.T) {
	tr := NewStreamTransformer(nil, nil)
	frame := []byte(`{"choices":[{"index":0,"delta":{"content":"[EMA"}}]}`)
	assert.JSONEq(t, string(frame), string(tr.TransformFrame(frame)))
	assert.Empty(t, tr.FlushFrames())
}
