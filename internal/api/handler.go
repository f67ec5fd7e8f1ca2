package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/gonkalabs/piiguard-proxy/internal/metrics"
	"github.com/gonkalabs/piiguard-proxy/internal/ratelimit"
	"github.com/gonkalabs/piiguard-proxy/internal/sanitize"
	"github.com/gonkalabs/piiguard-proxy/internal/session"
	"github.com/gonkalabs/piiguard-proxy/internal/upstream"
)

const (
	headerSessionID     = "X-Session-ID"
	headerUserID        = "X-User-ID"
	headerSanitizeCount = "X-Sanitize-Count"

	maxBodyBytes = 10 << 20
)

// Options tunes a Handler.
type Options struct {
	SessionTTL time.Duration
	// SessionFailOpen serves requests without a session when the session
	// store is unreachable; otherwise they fail with 503.
	SessionFailOpen bool
	// AdminToken guards the admin routes; empty disables them.
	AdminToken string
	// DeltaPaths are the envelope paths searched for streamed text.
	DeltaPaths []string
}

// Handler implements all HTTP endpoints.
type Handler struct {
	client    *upstream.Client
	sanitizer *sanitize.Sanitizer
	sessions  session.Store
	limiter   *ratelimit.Limiter // nil when rate limiting is disabled
	metrics   *metrics.Metrics   // nil disables metrics
	opts      Options
}

// New creates a Handler.
func New(client *upstream.Client, san *sanitize.Sanitizer, sessions session.Store, limiter *ratelimit.Limiter, m *metrics.Metrics, opts Options) *Handler {
	return &Handler{
		client:    client,
		sanitizer: san,
		sessions:  sessions,
		limiter:   limiter,
		metrics:   m,
		opts:      opts,
	}
}

// Register mounts routes on the given mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.observe("health", h.health))
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}
	mux.HandleFunc("GET /v1/models", h.observe("models", h.listModels))
	mux.HandleFunc("POST /v1/chat/completions", h.observe("chat", h.limited(h.chatCompletions)))
	mux.HandleFunc("POST /v1/anonymize", h.observe("anonymize", h.limited(h.anonymize)))
	mux.HandleFunc("POST /v1/deanonymize", h.observe("deanonymize", h.limited(h.deanonymize)))
	mux.HandleFunc("DELETE /v1/sessions/{id}", h.observe("delete_session", h.deleteSession))
	mux.HandleFunc("GET /v1/ratelimit", h.observe("ratelimit", h.rateLimitStatus))
	mux.HandleFunc("DELETE /admin/ratelimit/{identity}", h.observe("admin_ratelimit", h.admin(h.resetRateLimit)))
}

// ---------- endpoints ----------

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// listModels passes the provider's model list through unchanged.
func (h *Handler) listModels(w http.ResponseWriter, r *http.Request) {
	body, status, err := h.client.Do(r.Context(), http.MethodGet, "/models", nil, r.Header.Get("Authorization"))
	if err != nil {
		slog.Error("upstream error", "err", err)
		writeErr(w, http.StatusBadGateway, "upstream error: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (h *Handler) chatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "failed to read body: "+err.Error())
		return
	}
	defer r.Body.Close()

	sess, ok := h.openSession(w, r, r.Header.Get(headerSessionID))
	if !ok {
		return
	}

	// Redact sensitive data from outgoing messages.
	start := time.Now()
	body, added, err := h.sanitizer.RedactMessages(body, sess.mapping)
	if err != nil {
		h.sanitizeFailed(w, err)
		return
	}
	h.metrics.Anonymized(added.CountByType(), time.Since(start))
	if !added.IsEmpty() {
		slog.Info("sanitize: redacted values in request", "count", added.Len())
	}

	if !h.saveSession(w, r, sess, added) {
		return
	}
	full := sess.mapping.Clone()
	full.Merge(added)

	stream := gjson.GetBytes(body, "stream").Bool()
	slog.Info("chat completions", "stream", stream, "bodyLen", len(body), "session", sess.id != "")

	setSanitizeHeaders(w, sess.id, added)
	if stream {
		h.streamResponse(w, r, body, full)
	} else {
		h.nonStreamResponse(w, r, body, full)
	}
}

func (h *Handler) nonStreamResponse(w http.ResponseWriter, r *http.Request, body []byte, m *sanitize.Mapping) {
	respBody, status, err := h.client.Do(r.Context(), http.MethodPost, "/chat/completions", body, r.Header.Get("Authorization"))
	if err != nil {
		slog.Error("upstream error", "err", err)
		writeErr(w, http.StatusBadGateway, "upstream error: "+err.Error())
		return
	}

	// Restore any redacted values before returning to the client.
	respBody = h.sanitizer.RestoreBytes(respBody, m)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}

func (h *Handler) streamResponse(w http.ResponseWriter, r *http.Request, body []byte, m *sanitize.Mapping) {
	resp, err := h.client.DoStream(r.Context(), http.MethodPost, "/chat/completions", body, r.Header.Get("Authorization"))
	if err != nil {
		slog.Error("upstream stream error", "err", err)
		writeErr(w, http.StatusBadGateway, "upstream error: "+err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		slog.Error("upstream stream status", "code", resp.StatusCode, "bytes", len(errBody))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(h.sanitizer.RestoreBytes(errBody, m))
		return
	}

	// SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var flush func()
	if flusher, ok := w.(http.Flusher); ok {
		flush = flusher.Flush
	} else {
		slog.Warn("response writer does not support flushing")
	}

	t := sanitize.NewStreamTransformer(m, h.opts.DeltaPaths)
	err = t.Pipe(r.Context(), w, resp.Body, flush)
	cancelled := err != nil
	h.metrics.StreamDone(t.Frames(), t.Restored(), cancelled)
	if err != nil && !errors.Is(err, r.Context().Err()) {
		slog.Error("sanitize: stream aborted", "err", err, "frames", t.Frames())
	}
}

// setSanitizeHeaders reports the session and how many values were replaced.
// Originals are never echoed in headers.
func setSanitizeHeaders(w http.ResponseWriter, sessionID string, added *sanitize.Mapping) {
	if sessionID != "" {
		w.Header().Set(headerSessionID, sessionID)
	}
	w.Header().Set(headerSanitizeCount, strconv.Itoa(added.Len()))
}
