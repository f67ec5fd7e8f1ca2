package sanitize

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// substrings is a test detector that flags every occurrence of its words.
type substrings struct {
	name   string
	entity string
	conf   *float64
	words  []string
	delay  time.Duration
}

func (d substrings) Name() string { return d.name }

func (d substrings) Detect(text string) ([]Span, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	var out []Span
	for _, w := range d.words {
		for off := 0; ; {
			i := strings.Index(text[off:], w)
			if i < 0 {
				break
			}
			start := off + i
			out = append(out, Span{EntityType: d.entity, Start: start, End: start + len(w), Text: w, Confidence: d.conf})
			off = start + len(w)
		}
	}
	return out, nil
}

func TestPipeline_ConcatenatesInRegistrationOrder(t *testing.T) {
	slow := substrings{name: "slow", entity: "PERSON", words: []string{"Ann"}, delay: 20 * time.Millisecond}
	fast := substrings{name: "fast", entity: "EMAIL", words: []string{"a@b.io"}}
	p := NewPipeline([]Detector{slow, fast})

	spans, err := p.Run("mail a@b.io to Ann")
	require.NoError(t, err)
	require.Len(t, spans, 2)
	assert.Equal(t, "PERSON", spans[0].EntityType)
	assert.Equal(t, "EMAIL", spans[1].EntityType)
	assert.Equal(t, 2, p.Len())
}

func TestPipeline_NoDetectors(t *testing.T) {
	spans, err := NewPipeline(nil).Run("anything")
	assert.NoError(t, err)
	assert.Empty(t, spans)
}

func TestPipeline_FailsFastByDefault(t *testing.T) {
	boom := errors.New("sidecar down")
	var mu sync.Mutex
	var hooked []string
	p := NewPipeline([]Detector{
		substrings{name: "ok", entity: "EMAIL", words: []string{"x"}},
		DetectorFunc(func(string) ([]Span, error) { return nil, boom }),
	}, WithFailureHook(func(name string, _ error) {
		mu.Lock()
		hooked = append(hooked, name)
		mu.Unlock()
	}))

	spans, err := p.Run("x")
	assert.Nil(t, spans)
	var de *DetectorError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "#1", de.Detector)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"#1"}, hooked)
}

func TestPipeline_Isolation(t *testing.T) {
	var hooked []string
	p := NewPipeline([]Detector{
		DetectorFunc(func(string) ([]Span, error) { return nil, errors.New("timeout") }),
		substrings{name: "ok", entity: "EMAIL", words: []string{"a@b.io"}},
	}, WithIsolation(true), WithFailureHook(func(name string, _ error) { hooked = append(hooked, name) }))

	spans, err := p.Run("a@b.io")
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, "EMAIL", spans[0].EntityType)
	assert.Equal(t, []string{"#0"}, hooked)
}

func TestPipeline_NormalizesSpans(t *testing.T) {
	text := "héllo world"
	p := NewPipeline([]Detector{DetectorFunc(func(string) ([]Span, error) {
		return []Span{
			{EntityType: "A", Start: 0, End: 5, Text: "wrong"}, // Text is re-derived
			{EntityType: "B", Start: 2, End: 4},                 // starts inside "é"
			{EntityType: "C", Start: 5, End: 5},                 // empty
			{EntityType: "D", Start: 8, End: 99},                // out of range
			{EntityType: "", Start: 0, End: 1},                  // no type
		}, nil
	})})

	spans, err := p.Run(text)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, "A", spans[0].EntityType)
	assert.Equal(t, "héll", spans[0].Text)
}
