// Package llmclassifier is a Detector backed by a small local model served
// over an OpenAI-compatible chat API (Ollama, llama.cpp, vLLM). It catches
// values that patterns miss, such as passwords mentioned in prose.
//
// The model is asked for the sensitive strings themselves, not offsets;
// offsets are recovered by searching the input.
package llmclassifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/gonkalabs/piiguard-proxy/internal/sanitize"
)

const instructions = `You find sensitive values in user text.

Answer with a JSON array only. Each element is {"value": "<copied exactly from the text>", "type": "<TYPE>"}.
Answer [] when there is nothing sensitive.

TYPE must be one of:
API_KEY      access tokens and keys (sk-..., ghp_..., bearer tokens)
SECRET       passwords, passphrases, private keys
EMAIL        email addresses
PHONE        phone numbers
PERSON       a person's full name
CREDIT_CARD  card numbers, IBANs, bank account numbers
SSN          national identity numbers

Never report: placeholders in square brackets such as [EMAIL_1], bare city names, dates, ordinary numbers or words.

Text: "the wifi password is Tr0ub4dor&3, ask Maria Lopez"
Answer: [{"value": "Tr0ub4dor&3", "type": "SECRET"}, {"value": "Maria Lopez", "type": "PERSON"}]

Text: "what is the capital of France?"
Answer: []`

// fallbackType is assigned to bare strings and unrecognized types.
const fallbackType = "SECRET"

var allowedTypes = map[string]bool{
	"API_KEY": true, "SECRET": true, "EMAIL": true, "PHONE": true,
	"PERSON": true, "CREDIT_CARD": true, "SSN": true,
}

// thinkBlock matches a reasoning block, closed or cut off.
var thinkBlock = regexp.MustCompile(`(?s)<think>.*?(?:</think>|$)`)

// Classifier is the LLM-backed Detector.
type Classifier struct {
	endpoint   string
	model      string
	confidence float64
	timeout    time.Duration
	http       *http.Client
}

// New creates a Classifier for the server at baseURL, e.g.
// "http://ollama:11434". confidence is attached to every span so overlap
// resolution can weigh model findings against the other detectors.
func New(baseURL, model string, confidence float64, timeout time.Duration) *Classifier {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Classifier{
		endpoint:   strings.TrimRight(baseURL, "/") + "/v1/chat/completions",
		model:      model,
		confidence: confidence,
		timeout:    timeout,
		http:       &http.Client{Timeout: timeout + 5*time.Second},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Think       bool          `json:"think"` // honoured by Ollama for reasoning models
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type finding struct {
	Value string
	Type  string
}

// Name implements sanitize.Named.
func (c *Classifier) Name() string { return "llm" }

// Detect implements sanitize.Detector. Transport and status failures are
// errors; an answer that cannot be parsed yields no spans.
func (c *Classifier) Detect(text string) ([]sanitize.Span, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: instructions},
			// "/no_think" switches Qwen3-style models straight to the answer.
			{Role: "user", Content: "Text: " + text + "\n/no_think"},
		},
		MaxTokens: 4096,
	})
	if err != nil {
		return nil, fmt.Errorf("llmclassifier: encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("llmclassifier: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llmclassifier: model unreachable: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("llmclassifier: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llmclassifier: unexpected status %d", resp.StatusCode)
	}

	ans := answer(body)
	arr, ok := extractArray(ans)
	if !ok {
		slog.Warn("llmclassifier: no JSON array in model answer", "model", c.model, "len", len(ans))
		return nil, nil
	}
	findings, err := parseFindings(arr)
	if err != nil {
		// The answer may echo the input, so only its size is logged.
		slog.Warn("llmclassifier: unparsable model answer", "model", c.model, "len", len(arr), "err", err)
		return nil, nil
	}

	spans := locate(text, findings, c.confidence)
	slog.Debug("llmclassifier: done", "model", c.model, "findings", len(findings), "spans", len(spans))
	return spans, nil
}

// answer picks the model's reply out of a chat completion. Reasoning models
// served by Ollama sometimes leave content empty and put everything in a
// reasoning field when they run out of tokens.
func answer(body []byte) string {
	choice := gjson.GetBytes(body, "choices.0")
	if choice.Get("finish_reason").String() == "length" {
		slog.Warn("llmclassifier: model answer truncated by max_tokens")
	}
	for _, path := range []string{"message.content", "message.reasoning", "message.reasoning_content"} {
		if s := strings.TrimSpace(choice.Get(path).String()); s != "" {
			return s
		}
	}
	return ""
}

// extractArray returns the outermost [...] of s once any reasoning block is
// removed. Code fences and chatter around the array are dropped with it.
func extractArray(s string) (string, bool) {
	s = thinkBlock.ReplaceAllString(s, "")
	start := strings.IndexByte(s, '[')
	end := strings.LastIndexByte(s, ']')
	if start < 0 || end < start {
		return "", false
	}
	return s[start : end+1], true
}

// parseFindings accepts objects with value and type, or plain strings.
func parseFindings(arr string) ([]finding, error) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(arr), &items); err != nil {
		return nil, err
	}
	out := make([]finding, 0, len(items))
	for _, it := range items {
		var f finding
		var s string
		var obj struct {
			Value string `json:"value"`
			Type  string `json:"type"`
		}
		switch {
		case json.Unmarshal(it, &s) == nil:
			f = finding{Value: s, Type: fallbackType}
		case json.Unmarshal(it, &obj) == nil:
			f = finding{Value: obj.Value, Type: strings.ToUpper(strings.TrimSpace(obj.Type))}
			if !allowedTypes[f.Type] {
				f.Type = fallbackType
			}
		default:
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// locate turns findings into spans at every whole-word occurrence in text.
func locate(text string, findings []finding, confidence float64) []sanitize.Span {
	var spans []sanitize.Span
	for _, f := range findings {
		val := strings.TrimSpace(f.Value)
		if val == "" {
			continue
		}
		for from := 0; from < len(text); {
			i := strings.Index(text[from:], val)
			if i < 0 {
				break
			}
			start := from + i
			end := start + len(val)
			from = end
			if !standsAlone(text, start, end) {
				continue
			}
			spans = append(spans, sanitize.Span{
				EntityType: f.Type,
				Start:      start,
				End:        end,
				Text:       val,
				Confidence: sanitize.Conf(confidence),
			})
		}
	}
	return spans
}

// standsAlone reports whether text[start:end] is not glued to a longer word,
// so "b@x.io" is not found inside "ab@x.io".
func standsAlone(text string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:start])
		if isWordRune(r) {
			return false
		}
	}
	if end < len(text) {
		r, _ := utf8.DecodeRuneInString(text[end:])
		if isWordRune(r) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("_@-+", r)
}
