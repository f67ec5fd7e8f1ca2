// Package sanitize detects sensitive data in outgoing LLM requests, replaces
// each detected value with a typed placeholder such as "[EMAIL_1]", and
// restores the originals in the provider's response, including streamed
// responses where a placeholder may be split across chunks.
//
// Usage:
//
//	s := sanitize.New(sanitize.NewPipeline(detectors), sanitize.DefaultPolicy(), sanitize.LongestMatch)
//	body, m, err := s.RedactMessages(body, nil)
//	// send body to upstream
//	respBody = s.RestoreBytes(respBody, m)
package sanitize

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrDenied is returned when the text contains an entity type whose policy
// action is deny.
var ErrDenied = errors.New("sanitize: denied entity type present")

// DeniedError lists the denied entity types that were found.
type DeniedError struct {
	Entities []string
}

func (e *DeniedError) Error() string {
	return "sanitize: denied entity types present: " + strings.Join(e.Entities, ", ")
}

func (e *DeniedError) Unwrap() error { return ErrDenied }

// Sanitizer is the top-level object created once at startup. It is safe for
// concurrent use; all per-call state lives in the returned Mapping.
type Sanitizer struct {
	pipeline *Pipeline
	policy   *Policy
	strategy Strategy
}

// New creates a Sanitizer. A nil policy means DefaultPolicy.
func New(pipeline *Pipeline, policy *Policy, strategy Strategy) *Sanitizer {
	if pipeline == nil {
		pipeline = NewPipeline(nil)
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Sanitizer{pipeline: pipeline, policy: policy, strategy: strategy}
}

// Policy returns the policy in effect.
func (s *Sanitizer) Policy() *Policy { return s.policy }

// Strategy returns the overlap strategy in effect.
func (s *Sanitizer) Strategy() Strategy { return s.strategy }

// Detect runs the pipeline and resolves overlaps. The result is sorted and
// pairwise disjoint.
func (s *Sanitizer) Detect(text string) ([]Span, error) {
	spans, err := s.pipeline.Run(text)
	if err != nil {
		return nil, err
	}
	spans = Resolve(spans, s.strategy)
	if s.strategy == MergeSameType {
		spans = Disjoint(spans)
	}
	if denied := s.policy.Denied(spans); len(denied) > 0 {
		return nil, &DeniedError{Entities: denied}
	}
	return spans, nil
}

// Anonymize replaces every detected value in text with a placeholder.
// Deanonymize(out, m) gives back text, except when the policy denies a
// detected entity type: then no text is returned and err wraps ErrDenied.
func (s *Sanitizer) Anonymize(text string) (string, *Mapping, error) {
	return s.AnonymizeAfter(text, nil)
}

// AnonymizeAfter is Anonymize for a follow-up call in a session whose mapping
// so far is prior: counters continue after the placeholders prior holds. The
// returned mapping contains only the new entries.
func (s *Sanitizer) AnonymizeAfter(text string, prior *Mapping) (string, *Mapping, error) {
	a := newAssigner(s.policy)
	a.seed(prior)
	out, err := s.anonymizeWith(a, text)
	if err != nil {
		return "", nil, err
	}
	return out, a.mapping, nil
}

func (s *Sanitizer) anonymizeWith(a *assigner, text string) (string, error) {
	if text == "" {
		return text, nil
	}
	spans, err := s.Detect(text)
	if err != nil {
		return "", err
	}
	before := a.mapping.Len()
	out := a.assign(text, spans)
	if n := a.mapping.Len() - before; n > 0 {
		slog.Debug("sanitize: anonymized", "spans", len(spans), "replaced", n)
	}
	return out, nil
}

// Deanonymize restores placeholders in text using m.
func (s *Sanitizer) Deanonymize(text string, m *Mapping) string {
	return Restore(text, m)
}

// RedactMessages anonymizes an OpenAI-format request body: every
// messages[*].content (plain string or the "text" of multi-part content) and
// a top-level prompt (string or array of strings). One set of counters spans
// the whole request, so placeholders are unique across messages. Fields that
// are not text are left untouched.
func (s *Sanitizer) RedactMessages(body []byte, prior *Mapping) ([]byte, *Mapping, error) {
	a := newAssigner(s.policy)
	a.seed(prior)
	// Counters span every field, so a placeholder typed in one message must
	// not be assigned in another.
	a.input = string(body)

	var req map[string]json.RawMessage
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil, fmt.Errorf("sanitize: parse request: %w", err)
	}

	changed := false
	if raw, ok := req["messages"]; ok {
		out, c, err := s.redactMessageList(a, raw)
		if err != nil {
			return nil, nil, err
		}
		if c {
			req["messages"] = out
			changed = true
		}
	}
	if raw, ok := req["prompt"]; ok {
		out, c, err := s.redactPrompt(a, raw)
		if err != nil {
			return nil, nil, err
		}
		if c {
			req["prompt"] = out
			changed = true
		}
	}

	if !changed {
		return body, a.mapping, nil
	}
	out, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("sanitize: encode request: %w", err)
	}
	return out, a.mapping, nil
}

func (s *Sanitizer) redactMessageList(a *assigner, raw json.RawMessage) (json.RawMessage, bool, error) {
	var messages []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &messages); err != nil {
		return raw, false, nil
	}

	changed := false
	for i, msg := range messages {
		contentRaw, ok := msg["content"]
		if !ok {
			continue
		}
		out, c, err := s.redactContent(a, contentRaw)
		if err != nil {
			return nil, false, err
		}
		if c {
			messages[i]["content"] = out
			changed = true
		}
	}
	if !changed {
		return raw, false, nil
	}
	b, err := json.Marshal(messages)
	if err != nil {
		return nil, false, fmt.Errorf("sanitize: encode messages: %w", err)
	}
	return b, true, nil
}

// redactContent handles string content and array content (vision /
// multi-modal messages, where only parts with a "text" field are touched).
func (s *Sanitizer) redactContent(a *assigner, raw json.RawMessage) (json.RawMessage, bool, error) {
	if out, c, ok, err := s.redactString(a, raw); ok {
		return out, c, err
	}

	var parts []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return raw, false, nil
	}
	changed := false
	for j, part := range parts {
		textRaw, ok := part["text"]
		if !ok {
			continue
		}
		out, c, isString, err := s.redactString(a, textRaw)
		if err != nil {
			return nil, false, err
		}
		if isString && c {
			parts[j]["text"] = out
			changed = true
		}
	}
	if !changed {
		return raw, false, nil
	}
	b, err := json.Marshal(parts)
	if err != nil {
		return nil, false, fmt.Errorf("sanitize: encode content parts: %w", err)
	}
	return b, true, nil
}

func (s *Sanitizer) redactPrompt(a *assigner, raw json.RawMessage) (json.RawMessage, bool, error) {
	if out, c, ok, err := s.redactString(a, raw); ok {
		return out, c, err
	}

	var prompts []json.RawMessage
	if err := json.Unmarshal(raw, &prompts); err != nil {
		return raw, false, nil
	}
	changed := false
	for i, p := range prompts {
		out, c, _, err := s.redactString(a, p)
		if err != nil {
			return nil, false, err
		}
		if c {
			prompts[i] = out
			changed = true
		}
	}
	if !changed {
		return raw, false, nil
	}
	b, err := json.Marshal(prompts)
	if err != nil {
		return nil, false, fmt.Errorf("sanitize: encode prompt: %w", err)
	}
	return b, true, nil
}

// redactString anonymizes raw if it is a JSON string. ok reports whether it
// was one.
func (s *Sanitizer) redactString(a *assigner, raw json.RawMessage) (out json.RawMessage, changed, ok bool, err error) {
	var text string
	if json.Unmarshal(raw, &text) != nil {
		return raw, false, false, nil
	}
	redacted, err := s.anonymizeWith(a, text)
	if err != nil {
		return nil, false, true, err
	}
	if redacted == text {
		return raw, false, true, nil
	}
	b, err := json.Marshal(redacted)
	if err != nil {
		return nil, false, true, err
	}
	return b, true, true, nil
}

// RestoreBytes replaces placeholders in a JSON response body with their
// originals, keeping the document valid.
func (s *Sanitizer) RestoreBytes(respBody []byte, m *Mapping) []byte {
	return RestoreJSON(respBody, m)
}
