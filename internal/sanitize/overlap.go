package sanitize

import (
	"fmt"
	"sort"
	"strings"
)

// Strategy selects how overlapping spans are consolidated.
type Strategy int

const (
	// LongestMatch keeps the longer of two overlapping spans.
	LongestMatch Strategy = iota
	// HighestConfidence keeps the more confident span; missing confidence counts as 1.0.
	HighestConfidence
	// FirstDetector keeps whichever span was accepted first.
	FirstDetector
	// MergeSameType unions overlapping spans of the same entity type and
	// leaves cross-type overlaps alone.
	MergeSameType
)

var strategyNames = map[Strategy]string{
	LongestMatch:      "longest_match",
	HighestConfidence: "highest_confidence",
	FirstDetector:     "first_detector",
	MergeSameType:     "merge_same_type",
}

func (s Strategy) String() string {
	if n, ok := strategyNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy parses a strategy name such as "longest_match" (case-insensitive,
// dashes allowed).
func ParseStrategy(name string) (Strategy, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for s, n := range strategyNames {
		if n == norm {
			return s, nil
		}
	}
	return 0, fmt.Errorf("sanitize: unknown overlap strategy %q", name)
}

// Resolve consolidates spans according to strategy. The input is not
// modified. The result is sorted by (Start, End).
//
// For every strategy except MergeSameType the result is pairwise disjoint.
// MergeSameType only resolves same-type overlaps; see Disjoint.
func Resolve(spans []Span, strategy Strategy) []Span {
	sorted := make([]Span, len(spans))
	copy(sorted, spans)
	sortSpans(sorted)

	var accepted []Span
	for _, sp := range sorted {
		switch strategy {
		case LongestMatch:
			accepted = acceptIfBeats(accepted, sp, func(n, a Span) bool { return n.Len() > a.Len() })
		case HighestConfidence:
			accepted = acceptIfBeats(accepted, sp, func(n, a Span) bool { return n.score() > a.score() })
		case FirstDetector:
			accepted = acceptIfBeats(accepted, sp, func(Span, Span) bool { return false })
		case MergeSameType:
			accepted = mergeInto(accepted, sp)
		default:
			accepted = acceptIfBeats(accepted, sp, func(n, a Span) bool { return n.Len() > a.Len() })
		}
	}

	sortSpans(accepted)
	return accepted
}

// Disjoint removes any remaining overlaps with LongestMatch semantics. It is
// the secondary pass applied after MergeSameType.
func Disjoint(spans []Span) []Span {
	return Resolve(spans, LongestMatch)
}

// acceptIfBeats adds sp when it beats every accepted span it overlaps,
// evicting those. Ties keep the earlier-accepted span.
func acceptIfBeats(accepted []Span, sp Span, beats func(newer, older Span) bool) []Span {
	var rivals []int
	for i, a := range accepted {
		if sp.Overlaps(a) {
			if !beats(sp, a) {
				return accepted
			}
			rivals = append(rivals, i)
		}
	}
	if len(rivals) == 0 {
		return append(accepted, sp)
	}
	out := accepted[:0:0]
	r := 0
	for i, a := range accepted {
		if r < len(rivals) && rivals[r] == i {
			r++
			continue
		}
		out = append(out, a)
	}
	return append(out, sp)
}

// mergeInto folds sp together with every accepted span of the same type it
// overlaps (transitively) and appends the union.
func mergeInto(accepted []Span, sp Span) []Span {
	cur := sp
	for {
		merged := false
		kept := accepted[:0:0]
		for _, a := range accepted {
			if a.EntityType == cur.EntityType && a.Overlaps(cur) {
				cur = mergeSpans(a, cur)
				merged = true
				continue
			}
			kept = append(kept, a)
		}
		accepted = kept
		if !merged {
			break
		}
	}
	return append(accepted, cur)
}

// mergeSpans unions a and b. Confidence is the mean of the present values.
func mergeSpans(a, b Span) Span {
	out := Span{
		EntityType: a.EntityType,
		Start:      min(a.Start, b.Start),
		End:        max(a.End, b.End),
	}
	out.Text = unionText(a, b)
	switch {
	case a.Confidence != nil && b.Confidence != nil:
		out.Confidence = Conf((*a.Confidence + *b.Confidence) / 2)
	case a.Confidence != nil:
		out.Confidence = Conf(*a.Confidence)
	case b.Confidence != nil:
		out.Confidence = Conf(*b.Confidence)
	}
	return out
}

// unionText rebuilds the text covered by two overlapping spans.
func unionText(a, b Span) string {
	if a.Start > b.Start || (a.Start == b.Start && a.End < b.End) {
		a, b = b, a
	}
	// a starts first (or is the longer of two with the same start).
	if len(a.Text) != a.Len() || len(b.Text) != b.Len() {
		return ""
	}
	if b.End <= a.End {
		return a.Text
	}
	return a.Text + b.Text[a.End-b.Start:]
}

func sortSpans(spans []Span) {
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End < spans[j].End
	})
}
