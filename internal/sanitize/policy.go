package sanitize

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Action is what happens to a span of a given entity type.
type Action string

const (
	ActionAnonymize Action = "anonymize"
	ActionAllow     Action = "allow"
	ActionDeny      Action = "deny"
)

// counterToken is the substitution point inside a placeholder template.
const counterToken = "{i}"

// ErrInvalidPolicy is the sentinel wrapped by every policy load/validation error.
var ErrInvalidPolicy = errors.New("invalid policy")

// PolicyError describes why a policy was rejected.
type PolicyError struct {
	Source string // file path or "inline"
	Entity string // offending entity type, if any
	Reason string
}

func (e *PolicyError) Error() string {
	var b strings.Builder
	b.WriteString("sanitize: policy")
	if e.Source != "" {
		b.WriteString(" " + e.Source)
	}
	if e.Entity != "" {
		b.WriteString(": entity " + e.Entity)
	}
	b.WriteString(": " + e.Reason)
	return b.String()
}

func (e *PolicyError) Unwrap() error { return ErrInvalidPolicy }

// Rule is the policy entry for one entity type.
type Rule struct {
	Placeholder string `yaml:"placeholder"`
	Action      Action `yaml:"action"`

	prefix, suffix string
}

// Format renders the placeholder for counter value i.
func (r Rule) Format(i int) string {
	return r.prefix + strconv.Itoa(i) + r.suffix
}

// counterOf parses the counter back out of a placeholder rendered by r.
func (r Rule) counterOf(placeholder string) (int, bool) {
	if r.prefix == "" || !strings.HasPrefix(placeholder, r.prefix) || !strings.HasSuffix(placeholder, r.suffix) {
		return 0, false
	}
	digits := placeholder[len(r.prefix):]
	if len(digits) < len(r.suffix) {
		return 0, false
	}
	digits = digits[:len(digits)-len(r.suffix)]
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// Policy maps entity types to redaction rules. It is read-only after
// construction and safe for concurrent use.
type Policy struct {
	rules map[string]Rule
}

type policyFile struct {
	Entities map[string]Rule `yaml:"entities"`
}

// LoadPolicy reads and validates a YAML policy file.
func LoadPolicy(path string) (*Policy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &PolicyError{Source: path, Reason: err.Error()}
	}
	return parsePolicy(b, path)
}

// ParsePolicy validates a YAML policy document held in memory.
func ParsePolicy(data []byte) (*Policy, error) {
	return parsePolicy(data, "inline")
}

func parsePolicy(data []byte, source string) (*Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &PolicyError{Source: source, Reason: "parse: " + err.Error()}
	}
	if len(f.Entities) == 0 {
		return nil, &PolicyError{Source: source, Reason: "no entities configured"}
	}
	p, err := NewPolicy(f.Entities)
	if err != nil {
		var pe *PolicyError
		if errors.As(err, &pe) {
			pe.Source = source
		}
		return nil, err
	}
	return p, nil
}

// NewPolicy builds a policy from rules, filling defaults and validating
// every placeholder template.
func NewPolicy(rules map[string]Rule) (*Policy, error) {
	p := &Policy{rules: make(map[string]Rule, len(rules))}
	for entity, r := range rules {
		entity = strings.TrimSpace(entity)
		if entity == "" {
			return nil, &PolicyError{Reason: "empty entity type"}
		}
		if r.Action == "" {
			r.Action = ActionAnonymize
		}
		switch r.Action {
		case ActionAnonymize, ActionAllow, ActionDeny:
		default:
			return nil, &PolicyError{Entity: entity, Reason: fmt.Sprintf("unknown action %q", r.Action)}
		}
		if r.Placeholder == "" {
			r.Placeholder = "[" + entity + "_" + counterToken + "]"
		}
		if r.Action == ActionAnonymize {
			prefix, suffix, err := splitTemplate(r.Placeholder)
			if err != nil {
				return nil, &PolicyError{Entity: entity, Reason: err.Error()}
			}
			r.prefix, r.suffix = prefix, suffix
		}
		p.rules[entity] = r
	}
	if err := p.checkFamilies(); err != nil {
		return nil, err
	}
	return p, nil
}

// splitTemplate validates a template and returns the text around {i}.
// The delimiters must make every rendered placeholder self-terminating so
// that "[EMAIL_1]" can never match inside "[EMAIL_10]".
func splitTemplate(tpl string) (string, string, error) {
	if n := strings.Count(tpl, counterToken); n != 1 {
		return "", "", fmt.Errorf("placeholder %q must contain exactly one %s, found %d", tpl, counterToken, n)
	}
	idx := strings.Index(tpl, counterToken)
	prefix, suffix := tpl[:idx], tpl[idx+len(counterToken):]
	if prefix == "" {
		return "", "", fmt.Errorf("placeholder %q needs an opening delimiter before %s", tpl, counterToken)
	}
	if suffix == "" {
		return "", "", fmt.Errorf("placeholder %q needs a closing delimiter after %s", tpl, counterToken)
	}
	if isDigit(prefix[len(prefix)-1]) {
		return "", "", fmt.Errorf("placeholder %q: opening delimiter must not end with a digit", tpl)
	}
	if isDigit(suffix[0]) {
		return "", "", fmt.Errorf("placeholder %q: closing delimiter must not start with a digit", tpl)
	}
	return prefix, suffix, nil
}

// sampleCounters covers digit-count transitions where substring collisions
// between template families would show up.
var sampleCounters = []int{1, 2, 9, 10, 11, 99, 100, 101}

// checkFamilies rejects policies where a placeholder of one entity type could
// appear inside a placeholder of another.
func (p *Policy) checkFamilies() error {
	type sample struct{ entity, text string }
	var samples []sample
	for _, entity := range p.Entities() {
		r := p.rules[entity]
		if r.Action != ActionAnonymize {
			continue
		}
		for _, i := range sampleCounters {
			samples = append(samples, sample{entity, r.Format(i)})
		}
	}
	for _, a := range samples {
		for _, b := range samples {
			if a.text == b.text {
				if a.entity != b.entity {
					return &PolicyError{Entity: b.entity, Reason: fmt.Sprintf("placeholder %q collides with entity %s", b.text, a.entity)}
				}
				continue
			}
			if strings.Contains(b.text, a.text) {
				return &PolicyError{Entity: a.entity, Reason: fmt.Sprintf("placeholder %q is a substring of %q", a.text, b.text)}
			}
		}
	}
	return nil
}

// Rule returns the rule for entity and whether one is configured.
func (p *Policy) Rule(entity string) (Rule, bool) {
	r, ok := p.rules[entity]
	return r, ok
}

// ActionFor returns the action for entity; unconfigured types are allowed.
func (p *Policy) ActionFor(entity string) Action {
	if r, ok := p.rules[entity]; ok {
		return r.Action
	}
	return ActionAllow
}

// Entities returns the configured entity types, sorted.
func (p *Policy) Entities() []string {
	out := make([]string, 0, len(p.rules))
	for e := range p.rules {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Denied returns the sorted, de-duplicated entity types among spans whose
// action is deny.
func (p *Policy) Denied(spans []Span) []string {
	seen := map[string]bool{}
	var out []string
	for _, sp := range spans {
		if seen[sp.EntityType] || p.ActionFor(sp.EntityType) != ActionDeny {
			continue
		}
		seen[sp.EntityType] = true
		out = append(out, sp.EntityType)
	}
	sort.Strings(out)
	return out
}

// DefaultPolicy anonymizes every entity type produced by the built-in
// detectors with "[TYPE_i]" placeholders.
func DefaultPolicy() *Policy {
	rules := map[string]Rule{}
	for _, e := range []string{"EMAIL", "PHONE", "SSN", "CREDIT_CARD", "IP_ADDRESS", "PERSON", "API_KEY", "SECRET"} {
		rules[e] = Rule{Action: ActionAnonymize}
	}
	p, err := NewPolicy(rules)
	if err != nil {
		panic(err)
	}
	return p
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
