package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// runChunks feeds chunks through a fresh stream and returns everything
// emitted, including the final flush.
func runChunks(r *Restorer, chunks ...string) string {
	var b strings.Builder
	var st StreamState
	for _, c := range chunks {
		var out string
		out, st = r.Step(st, c)
		b.WriteString(out)
	}
	b.WriteString(r.Flush(st))
	return b.String()
}

func TestStep_SplitAtEveryOffset(t *testing.T) {
	r := NewRestorer(testMapping())
	inputs := []string{
		"[PERSON_12]",
		"Hi [PERSON_12], mail [EMAIL_1] or [EMAIL_10]!",
		"arr[0] = [EMAIL_1",
		"[EMAIL_1][EMAIL_10][EMAIL_1]",
		"no placeholders at all",
	}
	for _, in := range inputs {
		want := runChunks(r, in)
		assert.Equal(t, Restore(in, testMapping()), want, in)
		for i := 0; i <= len(in); i++ {
			assert.Equal(t, want, runChunks(r, in[:i], in[i:]), "%q split at %d", in, i)
		}
	}
}

func TestStep_SmallChunks(t *testing.T) {
	r := NewRestorer(testMapping())
	in := "Dear [PERSON_12], your address [EMAIL_10] replaced [EMAIL_1]."
	for size := 1; size <= 5; size++ {
		var chunks []string
		for i := 0; i < len(in); i += size {
			chunks = append(chunks, in[i:min(i+size, len(in))])
		}
		assert.Equal(t, "Dear Ann Lee, your address j@x.com replaced a@b.io.", runChunks(r, chunks...), "size %d", size)
	}
}

func TestStep_CarryBounded(t *testing.T) {
	r := NewRestorer(testMapping())
	var st StreamState
	for _, c := range []string{"x [", "PERS", "ON_1", "2", "]"} {
		_, st = r.Step(st, c)
		assert.Less(t, len(st.Carry), r.MaxLen())
	}
	assert.Empty(t, st.Carry)
}

func TestStep_HoldsOnlyPlaceholderPrefixes(t *testing.T) {
	r := NewRestorer(testMapping())

	out, st := r.Step(StreamState{}, "see [EMA")
	assert.Equal(t, "see ", out)
	assert.Equal(t, "[EMA", st.Carry)

	out, st = r.Step(st, "IL_9] ok")
	assert.Equal(t, "[EMAIL_9] ok", out, "not a known placeholder after all")
	assert.Empty(t, st.Carry)

	out, st = r.Step(StreamState{}, "array[")
	assert.Equal(t, "array", out)
	assert.Equal(t, "[", st.Carry)
}

func TestStep_MultiDigitBoundary(t *testing.T) {
	r := NewRestorer(NewMapping(Redaction{Placeholder: "[EMAIL_1]", Original: "a@b.io"}))
	// "[EMAIL_1" could still become "[EMAIL_1]"; "0]" turns it into an unknown "[EMAIL_10]".
	assert.Equal(t, "[EMAIL_10]", runChunks(r, "[EMAIL_1", "0]"))
	assert.Equal(t, "a@b.io", runChunks(r, "[EMAIL_1", "]"))
}

func TestFlush_EmitsCarryVerbatim(t *testing.T) {
	r := NewRestorer(testMapping())
	out, st := r.Step(StreamState{}, "cut off [PERSON_1")
	assert.Equal(t, "cut off ", out)
	assert.Equal(t, "[PERSON_1", r.Flush(st))
}

func TestStep_EmptyMappingPassesThrough(t *testing.T) {
	r := NewRestorer(nil)
	out, st := r.Step(StreamState{}, "[EMA")
	assert.Equal(t, "[EMA", out)
	assert.Empty(t, st.Carry)
}
