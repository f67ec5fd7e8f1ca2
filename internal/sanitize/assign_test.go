package sanitize

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textSpan(text, entity, value string) Span {
	i := strings.Index(text, value)
	return Span{EntityType: entity, Start: i, End: i + len(value), Text: value}
}

func TestAssign_ConcreteScenario(t *testing.T) {
	text := "Email: j@x.com, Phone: 555-0100"
	spans := []Span{textSpan(text, "PHONE", "555-0100"), textSpan(text, "EMAIL", "j@x.com")}

	out, m := Assign(text, spans, DefaultPolicy())
	assert.Equal(t, "Email: [EMAIL_1], Phone: [PHONE_1]", out)
	assert.Equal(t, 1, strings.Count(out, "[EMAIL_1]"))
	assert.Equal(t, 1, strings.Count(out, "[PHONE_1]"))
	assert.Equal(t, map[string]string{"[EMAIL_1]": "j@x.com", "[PHONE_1]": "555-0100"}, m.Map())
}

func TestAssign_OccurrenceIndexed(t *testing.T) {
	text := "a@b.io wrote to a@b.io"
	spans := []Span{
		{EntityType: "EMAIL", Start: 0, End: 6},
		{EntityType: "EMAIL", Start: 16, End: 22},
	}
	out, m := Assign(text, spans, DefaultPolicy())
	assert.Equal(t, "[EMAIL_1] wrote to [EMAIL_2]", out)
	assert.Equal(t, []Redaction{
		{Placeholder: "[EMAIL_1]", Original: "a@b.io", EntityType: "EMAIL"},
		{Placeholder: "[EMAIL_2]", Original: "a@b.io", EntityType: "EMAIL"},
	}, m.Entries())
}

func TestAssign_ActionsAndUnknownTypes(t *testing.T) {
	p, err := NewPolicy(map[string]Rule{
		"EMAIL":  {},
		"PERSON": {Action: ActionAllow},
		"SSN":    {Action: ActionDeny},
	})
	require.NoError(t, err)

	text := "Ann a@b.io 123-45-6789 10.0.0.1"
	spans := []Span{
		textSpan(text, "PERSON", "Ann"),
		textSpan(text, "EMAIL", "a@b.io"),
		textSpan(text, "SSN", "123-45-6789"),
		textSpan(text, "IP_ADDRESS", "10.0.0.1"),
	}
	out, m := Assign(text, spans, p)
	assert.Equal(t, "Ann [EMAIL_1] 123-45-6789 10.0.0.1", out)
	assert.Equal(t, 1, m.Len())
}

func TestAssign_MultiDigitCounters(t *testing.T) {
	var parts []string
	for i := 0; i < 12; i++ {
		parts = append(parts, fmt.Sprintf("user%d@example.com", i))
	}
	text := strings.Join(parts, " ")
	var spans []Span
	for _, p := range parts {
		spans = append(spans, textSpan(text, "EMAIL", p))
	}

	out, m := Assign(text, spans, DefaultPolicy())
	require.Equal(t, 12, m.Len())
	placeholders := make([]string, 0, m.Len())
	for _, r := range m.Entries() {
		placeholders = append(placeholders, r.Placeholder)
	}
	assert.Contains(t, placeholders, "[EMAIL_10]")
	assert.Contains(t, placeholders, "[EMAIL_12]")
	for i, a := range placeholders {
		for j, b := range placeholders {
			if i != j {
				assert.NotContains(t, b, a)
			}
		}
	}
	assert.Equal(t, text, Restore(out, m))
}

func TestAssign_SkipsOverlapsAndOutOfRange(t *testing.T) {
	text := "abcdef"
	out, m := Assign(text, []Span{
		{EntityType: "EMAIL", Start: 0, End: 4},
		{EntityType: "EMAIL", Start: 2, End: 6},
		{EntityType: "EMAIL", Start: 5, End: 60},
	}, DefaultPolicy())
	assert.Equal(t, "[EMAIL_1]ef", out)
	assert.Equal(t, 1, m.Len())
}

func TestAssign_AvoidsPlaceholdersAlreadyInText(t *testing.T) {
	text := "literal [EMAIL_1] and a@b.io"
	out, m := Assign(text, []Span{textSpan(text, "EMAIL", "a@b.io")}, DefaultPolicy())
	assert.Equal(t, "literal [EMAIL_1] and [EMAIL_2]", out)
	assert.Equal(t, text, Restore(out, m))
}

func TestAssigner_SeedContinuesCounters(t *testing.T) {
	prior := NewMapping(
		Redaction{Placeholder: "[EMAIL_1]", Original: "a@b.io", EntityType: "EMAIL"},
		Redaction{Placeholder: "[EMAIL_3]", Original: "c@b.io", EntityType: "EMAIL"},
		Redaction{Placeholder: "[PHONE_1]", Original: "555-0100", EntityType: "PHONE"},
		Redaction{Placeholder: "custom", Original: "x", EntityType: "EMAIL"},
	)
	a := newAssigner(DefaultPolicy())
	a.seed(prior)

	text := "d@b.io 555-0199"
	out := a.assign(text, []Span{textSpan(text, "EMAIL", "d@b.io"), textSpan(text, "PHONE", "555-0199")})
	assert.Equal(t, "[EMAIL_4] [PHONE_2]", out)
}

func TestAssign_Deterministic(t *testing.T) {
	text := "x@y.io 555-0100 x@y.io"
	spans := []Span{
		{EntityType: "PHONE", Start: 7, End: 15},
		{EntityType: "EMAIL", Start: 0, End: 6},
		{EntityType: "EMAIL", Start: 16, End: 22},
	}
	first, fm := Assign(text, spans, DefaultPolicy())
	for i := 0; i < 20; i++ {
		out, m := Assign(text, spans, DefaultPolicy())
		assert.Equal(t, first, out)
		assert.Equal(t, fm.Entries(), m.Entries())
	}
}

func TestAssign_RoundTripRandom(t *testing.T) {
	pieces := []string{"a", "bc", " ", "[", "]", "_", "1", "10", "EMAIL_", "[EMAIL_1]", "[PHONE_2]", "[PERSON_10]", "x@y.io"}
	types := []string{"EMAIL", "PHONE", "PERSON", "LOCATION"}

	for _, strategy := range []Strategy{LongestMatch, HighestConfidence, FirstDetector, MergeSameType} {
		t.Run(strategy.String(), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(42, uint64(strategy)))
			for iter := 0; iter < 2000; iter++ {
				var b strings.Builder
				for n := rng.IntN(12); n > 0; n-- {
					b.WriteString(pieces[rng.IntN(len(pieces))])
				}
				text := b.String()

				var spans []Span
				for n := rng.IntN(7); n > 0 && len(text) > 0; n-- {
					start := rng.IntN(len(text))
					end := start + 1 + rng.IntN(min(8, len(text)-start))
					sp := Span{EntityType: types[rng.IntN(len(types))], Start: start, End: end, Text: text[start:end]}
					if rng.IntN(3) > 0 {
						sp.Confidence = Conf(rng.Float64())
					}
					spans = append(spans, sp)
				}

				resolved := Resolve(spans, strategy)
				if strategy == MergeSameType {
					resolved = Disjoint(resolved)
				}
				out, m := Assign(text, resolved, DefaultPolicy())

				require.Equal(t, text, Restore(out, m), "text %q spans %v", text, spans)
				for _, r := range m.Entries() {
					require.Equal(t, 1, strings.Count(out, r.Placeholder), "%q in %q", r.Placeholder, out)
				}
			}
		})
	}
}
