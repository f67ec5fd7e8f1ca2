package sanitize

import (
	"sort"
	"strings"
)

// Assign replaces every span whose entity type the policy anonymizes with a
// placeholder and returns the anonymized text together with the mapping.
//
// Counters are per entity type, start at 1 and advance once per replaced
// span, so a value that occurs twice gets two placeholders. Spans whose type
// is allowed, denied or unconfigured stay in the text and are not mapped.
func Assign(text string, spans []Span, policy *Policy) (string, *Mapping) {
	a := newAssigner(policy)
	out := a.assign(text, spans)
	return out, a.mapping
}

// assigner carries the per-type counters and the mapping for one logical
// anonymization call. It must never be shared between requests.
type assigner struct {
	policy   *Policy
	counters map[string]int
	mapping  *Mapping
	// input is the whole input of the call when it spans several texts.
	// Placeholders occurring in it literally are never handed out.
	input string
}

func newAssigner(policy *Policy) *assigner {
	return &assigner{
		policy:   policy,
		counters: make(map[string]int),
		mapping:  &Mapping{},
	}
}

// seed continues numbering after the placeholders already present in prior,
// so a follow-up request in the same session never reuses a placeholder that
// maps to a different original.
func (a *assigner) seed(prior *Mapping) {
	for _, r := range prior.Entries() {
		rule, ok := a.policy.Rule(r.EntityType)
		if !ok {
			continue
		}
		if n, ok := rule.counterOf(r.Placeholder); ok && n > a.counters[r.EntityType] {
			a.counters[r.EntityType] = n
		}
	}
}

func (a *assigner) occursLiterally(text, placeholder string) bool {
	return strings.Contains(text, placeholder) || strings.Contains(a.input, placeholder)
}

func (a *assigner) assign(text string, spans []Span) string {
	if len(spans) == 0 {
		return text
	}
	ordered := make([]Span, len(spans))
	copy(ordered, spans)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Start < ordered[j].Start })

	var b strings.Builder
	b.Grow(len(text))
	cursor := 0
	for _, sp := range ordered {
		if sp.Start < cursor || sp.End > len(text) {
			// Overlaps an already replaced span.
			continue
		}
		rule, ok := a.policy.Rule(sp.EntityType)
		if !ok || rule.Action != ActionAnonymize {
			continue
		}
		a.counters[sp.EntityType]++
		placeholder := rule.Format(a.counters[sp.EntityType])
		// A placeholder that already occurs literally in the input would be
		// restored to the wrong value; skip to the next free counter.
		for a.occursLiterally(text, placeholder) {
			a.counters[sp.EntityType]++
			placeholder = rule.Format(a.counters[sp.EntityType])
		}

		b.WriteString(text[cursor:sp.Start])
		b.WriteString(placeholder)
		a.mapping.Set(Redaction{
			Placeholder: placeholder,
			Original:    text[sp.Start:sp.End],
			EntityType:  sp.EntityType,
		})
		cursor = sp.End
	}
	b.WriteString(text[cursor:])
	return b.String()
}
