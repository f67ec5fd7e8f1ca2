// Package upstream forwards anonymized requests to an OpenAI-compatible
// provider.
package upstream

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const maxAttempts = 3

// Client talks to the upstream provider. Requests carry the configured API
// key, or the caller's own Authorization header when no key is configured.
type Client struct {
	baseURL string // e.g. https://api.openai.com/v1
	apiKey  string

	http    *http.Client
	backoff time.Duration
}

// New creates an upstream Client for baseURL.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		backoff: 200 * time.Millisecond,
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// BaseURL returns the provider URL requests are sent to.
func (c *Client) BaseURL() string { return c.baseURL }

// Do sends a non-streaming request and returns the full response body.
// Transport failures are retried up to 3 times; any HTTP status is returned
// to the caller as is.
func (c *Client) Do(ctx context.Context, method, path string, payload []byte, auth string) ([]byte, int, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 && !c.wait(ctx, attempt) {
			break
		}
		resp, err := c.doWith(ctx, c.http, method, path, payload, auth)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			slog.Warn("upstream: request failed, retrying", "attempt", attempt+1, "err", err)
			lastErr = err
			continue
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		return b, resp.StatusCode, err
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return nil, 0, lastErr
}

// DoStream sends a request and returns the raw *http.Response for streaming.
// It retries like Do. The caller must close resp.Body.
func (c *Client) DoStream(ctx context.Context, method, path string, payload []byte, auth string) (*http.Response, error) {
	// No overall timeout on the client: streaming responses can run for a long time.
	streamClient := &http.Client{Transport: c.http.Transport}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 && !c.wait(ctx, attempt) {
			break
		}
		resp, err := c.doWith(ctx, streamClient, method, path, payload, auth)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("upstream: stream request failed, retrying", "attempt", attempt+1, "err", err)
			lastErr = err
			continue
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return nil, lastErr
}

func (c *Client) doWith(ctx context.Context, hc *http.Client, method, path string, payload []byte, auth string) (*http.Response, error) {
	url := c.baseURL + path

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.apiKey != "":
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	case auth != "":
		req.Header.Set("Authorization", auth)
	}

	slog.Debug("upstream request", "method", method, "url", url, "bytes", len(payload))
	return hc.Do(req)
}

// wait sleeps before a retry and reports whether ctx is still live.
func (c *Client) wait(ctx context.Context, attempt int) bool {
	t := time.NewTimer(time.Duration(attempt) * c.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
