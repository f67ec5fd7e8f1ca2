package sanitize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Redaction is one placeholder -> original pair.
type Redaction struct {
	Placeholder string `json:"placeholder"`          // e.g. [EMAIL_1]
	Original    string `json:"original"`             // the sensitive value
	EntityType  string `json:"entity_type,omitempty"` // e.g. EMAIL
}

// Mapping is an insertion-ordered set of redactions, unique by placeholder.
// The zero value is ready to use. A Mapping is not safe for concurrent
// mutation; share it read-only once built.
type Mapping struct {
	entries []Redaction
	index   map[string]int
}

// NewMapping returns a mapping holding pairs in the given order.
func NewMapping(pairs ...Redaction) *Mapping {
	m := &Mapping{}
	for _, r := range pairs {
		m.Set(r)
	}
	return m
}

// Set records r, replacing the original of an existing placeholder in place.
func (m *Mapping) Set(r Redaction) {
	if m.index == nil {
		m.index = make(map[string]int)
	}
	if i, ok := m.index[r.Placeholder]; ok {
		m.entries[i] = r
		return
	}
	m.index[r.Placeholder] = len(m.entries)
	m.entries = append(m.entries, r)
}

// Get returns the original for placeholder.
func (m *Mapping) Get(placeholder string) (string, bool) {
	if m == nil {
		return "", false
	}
	i, ok := m.index[placeholder]
	if !ok {
		return "", false
	}
	return m.entries[i].Original, true
}

// Len returns the number of placeholders.
func (m *Mapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// IsEmpty reports whether no replacements were recorded.
func (m *Mapping) IsEmpty() bool { return m.Len() == 0 }

// Entries returns a copy of the redactions in insertion order.
func (m *Mapping) Entries() []Redaction {
	if m == nil {
		return nil
	}
	out := make([]Redaction, len(m.entries))
	copy(out, m.entries)
	return out
}

// Merge copies every entry of other into m; later values win.
func (m *Mapping) Merge(other *Mapping) {
	if other == nil {
		return
	}
	for _, r := range other.entries {
		m.Set(r)
	}
}

// Clone returns an independent copy.
func (m *Mapping) Clone() *Mapping {
	c := &Mapping{}
	c.Merge(m)
	return c
}

// Map returns a plain placeholder -> original map.
func (m *Mapping) Map() map[string]string {
	out := make(map[string]string, m.Len())
	if m == nil {
		return out
	}
	for _, r := range m.entries {
		out[r.Placeholder] = r.Original
	}
	return out
}

// CountByType returns how many placeholders each entity type received.
func (m *Mapping) CountByType() map[string]int {
	out := map[string]int{}
	if m == nil {
		return out
	}
	for _, r := range m.entries {
		out[r.EntityType]++
	}
	return out
}

// MarshalJSON encodes the mapping as an ordered array of redactions.
func (m *Mapping) MarshalJSON() ([]byte, error) {
	if m == nil || len(m.entries) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(m.entries)
}

// UnmarshalJSON accepts either the array form produced by MarshalJSON or a
// plain {"placeholder": "original"} object (keys applied in sorted order).
func (m *Mapping) UnmarshalJSON(b []byte) error {
	*m = Mapping{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	switch b[0] {
	case '[':
		var rs []Redaction
		if err := json.Unmarshal(b, &rs); err != nil {
			return err
		}
		for _, r := range rs {
			m.Set(r)
		}
	case '{':
		var plain map[string]string
		if err := json.Unmarshal(b, &plain); err != nil {
			return err
		}
		keys := make([]string, 0, len(plain))
		for k := range plain {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			m.Set(Redaction{Placeholder: k, Original: plain[k]})
		}
	default:
		return fmt.Errorf("sanitize: mapping must be a JSON array or object")
	}
	return nil
}
