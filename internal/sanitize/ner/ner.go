// Package ner provides a Detector that calls a named-entity-recognition
// sidecar over HTTP. Sidecar failures are returned as errors; whether they
// abort the request or only drop this detector's spans is decided by the
// pipeline's isolation setting.
package ner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gonkalabs/piiguard-proxy/internal/sanitize"
)

// DefaultLabels maps common NER label sets (spaCy, Presidio, CoNLL) onto
// policy entity types. Labels not listed are passed through upper-cased.
var DefaultLabels = map[string]string{
	"PER":           "PERSON",
	"PERSON":        "PERSON",
	"EMAIL":         "EMAIL",
	"EMAIL_ADDRESS": "EMAIL",
	"PHONE":         "PHONE",
	"PHONE_NUMBER":  "PHONE",
	"US_SSN":        "SSN",
	"SSN":           "SSN",
	"CREDIT_CARD":   "CREDIT_CARD",
	"IP_ADDRESS":    "IP_ADDRESS",
	"LOC":           "LOCATION",
	"GPE":           "LOCATION",
	"LOCATION":      "LOCATION",
	"ORG":           "ORGANIZATION",
}

// Client calls the NER sidecar's /classify endpoint.
type Client struct {
	url     string
	http    *http.Client
	timeout time.Duration
	labels  map[string]string
}

// New creates a NER Client pointing at the given base URL
// (e.g. "http://sanitize-ner:8001").
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url:     strings.TrimRight(baseURL, "/") + "/classify",
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
		labels:  DefaultLabels,
	}
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Spans []nerSpan `json:"spans"`
}

type nerSpan struct {
	Start int      `json:"start"`
	End   int      `json:"end"`
	Label string   `json:"label"`
	Text  string   `json:"text"`
	Score *float64 `json:"score,omitempty"`
}

// Name implements sanitize.Named.
func (c *Client) Name() string { return "ner" }

// Detect sends text to the NER sidecar and returns the entities it found.
// It is safe for concurrent use.
func (c *Client) Detect(text string) ([]sanitize.Span, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	body, err := json.Marshal(classifyRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("ner: marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ner: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ner: sidecar unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ner: unexpected status %d", resp.StatusCode)
	}

	var result classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ner: decode: %w", err)
	}

	spans := make([]sanitize.Span, 0, len(result.Spans))
	for _, s := range result.Spans {
		spans = append(spans, sanitize.Span{
			EntityType: c.entityType(s.Label),
			Start:      s.Start,
			End:        s.End,
			Text:       s.Text,
			Confidence: s.Score,
		})
	}
	return spans, nil
}

func (c *Client) entityType(label string) string {
	label = strings.ToUpper(strings.TrimSpace(label))
	if t, ok := c.labels[label]; ok {
		return t
	}
	return label
}
