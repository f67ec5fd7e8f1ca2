// Package regex is the built-in pattern Detector. Its patterns are embedded
// from patterns.yaml and compiled once at construction.
package regex

import (
	_ "embed"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/gonkalabs/piiguard-proxy/internal/sanitize"
)

//go:embed patterns.yaml
var defaultPatterns []byte

// Pattern is one entry of the pattern file.
type Pattern struct {
	ID         string  `yaml:"id"`
	Entity     string  `yaml:"entity"`
	Regex      string  `yaml:"regex"`
	Group      int     `yaml:"group"` // capture group to report; 0 is the whole match
	Confidence float64 `yaml:"confidence"` // 0 means not reported
	Disabled   bool    `yaml:"disabled"`

	re *regexp.Regexp
}

type patternFile struct {
	Patterns []Pattern `yaml:"patterns"`
}

// Detector matches a fixed list of regular expressions.
type Detector struct {
	patterns []Pattern
}

// New returns a Detector with the embedded patterns. Patterns that are
// disabled by default (such as person names) are switched on by listing
// their ids in enable.
func New(enable ...string) (*Detector, error) {
	return Parse(defaultPatterns, enable...)
}

// Parse builds a Detector from a YAML pattern document.
func Parse(data []byte, enable ...string) (*Detector, error) {
	var f patternFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("regex: parse patterns: %w", err)
	}

	on := make(map[string]bool, len(enable))
	for _, id := range enable {
		on[id] = true
	}
	known := make(map[string]bool, len(f.Patterns))

	d := &Detector{}
	for _, p := range f.Patterns {
		known[p.ID] = true
		if p.Entity == "" {
			return nil, fmt.Errorf("regex: pattern %q: missing entity", p.ID)
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("regex: pattern %q: %w", p.ID, err)
		}
		if p.Group < 0 || p.Group > re.NumSubexp() {
			return nil, fmt.Errorf("regex: pattern %q: group %d out of range", p.ID, p.Group)
		}
		if p.Disabled && !on[p.ID] {
			continue
		}
		p.re = re
		d.patterns = append(d.patterns, p)
	}
	for id := range on {
		if !known[id] {
			return nil, fmt.Errorf("regex: unknown pattern %q", id)
		}
	}
	return d, nil
}

// Name implements sanitize.Named.
func (d *Detector) Name() string { return "regex" }

// Entities returns the entity types this detector can produce.
func (d *Detector) Entities() []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range d.patterns {
		if !seen[p.Entity] {
			seen[p.Entity] = true
			out = append(out, p.Entity)
		}
	}
	return out
}

// Detect implements sanitize.Detector. Spans are reported in pattern order,
// then by position.
func (d *Detector) Detect(text string) ([]sanitize.Span, error) {
	var spans []sanitize.Span
	for _, p := range d.patterns {
		for _, loc := range p.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[2*p.Group], loc[2*p.Group+1]
			if start < 0 || start >= end {
				continue
			}
			sp := sanitize.Span{
				EntityType: p.Entity,
				Start:      start,
				End:        end,
				Text:       text[start:end],
			}
			if p.Confidence > 0 {
				sp.Confidence = sanitize.Conf(p.Confidence)
			}
			spans = append(spans, sp)
		}
	}
	return spans, nil
}
