package sanitize

import (
	"bytes"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// Restore replaces every occurrence of every placeholder in text with its
// original. Replacement is a single left-to-right pass, so an original that
// itself looks like a placeholder is never substituted again, and the result
// does not depend on mapping order. Unknown placeholders are left as they are.
func Restore(text string, m *Mapping) string {
	if m.IsEmpty() {
		return text
	}
	return NewRestorer(m).Restore(text)
}

// Restorer is a mapping compiled for repeated restoration, including the
// incremental form used for streams. It is immutable and safe for concurrent
// use; per-stream state lives in StreamState.
type Restorer struct {
	replacer *strings.Replacer
	match    *regexp.Regexp  // alternation of all placeholders, longest first
	prefixes map[string]bool // every proper, non-empty prefix of every placeholder
	maxLen   int
	empty    bool
}

// NewRestorer compiles m. A nil or empty mapping yields a pass-through restorer.
func NewRestorer(m *Mapping) *Restorer {
	entries := m.Entries()
	if len(entries) == 0 {
		return &Restorer{empty: true}
	}

	// Longest first so that, should two placeholders ever share a start,
	// the longer one wins deterministically.
	sort.SliceStable(entries, func(i, j int) bool {
		return len(entries[i].Placeholder) > len(entries[j].Placeholder)
	})

	pairs := make([]string, 0, 2*len(entries))
	alts := make([]string, 0, len(entries))
	prefixes := make(map[string]bool)
	maxLen := 0
	for _, r := range entries {
		if r.Placeholder == "" {
			continue
		}
		pairs = append(pairs, r.Placeholder, r.Original)
		alts = append(alts, regexp.QuoteMeta(r.Placeholder))
		for i := 1; i < len(r.Placeholder); i++ {
			prefixes[r.Placeholder[:i]] = true
		}
		maxLen = max(maxLen, len(r.Placeholder))
	}
	if len(pairs) == 0 {
		return &Restorer{empty: true}
	}
	return &Restorer{
		replacer: strings.NewReplacer(pairs...),
		match:    regexp.MustCompile(strings.Join(alts, "|")),
		prefixes: prefixes,
		maxLen:   maxLen,
	}
}

// Restore applies the mapping to text.
func (r *Restorer) Restore(text string) string {
	if r.empty || text == "" {
		return text
	}
	return r.replacer.Replace(text)
}

// MaxLen returns the length of the longest placeholder.
func (r *Restorer) MaxLen() int { return r.maxLen }

// RestoreJSON restores placeholders inside a raw JSON document. Both the
// placeholder and the original are JSON-string escaped so that originals
// containing quotes, backslashes or control characters keep the document
// valid.
func RestoreJSON(body []byte, m *Mapping) []byte {
	if m.IsEmpty() || len(body) == 0 {
		return body
	}
	escaped := &Mapping{}
	for _, r := range m.Entries() {
		escaped.Set(Redaction{
			Placeholder: jsonEscape(r.Placeholder),
			Original:    jsonEscape(r.Original),
			EntityType:  r.EntityType,
		})
	}
	return []byte(NewRestorer(escaped).Restore(string(body)))
}

// jsonEscape returns s encoded as the inside of a JSON string literal.
func jsonEscape(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return s
	}
	b := bytes.TrimRight(buf.Bytes(), "\n")
	if len(b) < 2 {
		return s
	}
	return string(b[1 : len(b)-1])
}
