package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gonkalabs/piiguard-proxy/internal/ratelimit"
	"github.com/gonkalabs/piiguard-proxy/internal/sanitize"
)

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.code == 0 {
		s.code = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.code == 0 {
		s.code = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (h *Handler) observe(route string, next http.HandlerFunc) http.HandlerFunc {
	if h.metrics == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next(rec, r)
		if rec.code == 0 {
			rec.code = http.StatusOK
		}
		h.metrics.ObserveRequest(route, rec.code, time.Since(start))
	}
}

// limited applies the rate limiter before next.
func (h *Handler) limited(next http.HandlerFunc) http.HandlerFunc {
	if h.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		err := h.limiter.Check(r.Context(), identity(r))
		if err == nil {
			next(w, r)
			return
		}
		var le *ratelimit.LimitError
		switch {
		case errors.As(err, &le):
			h.metrics.RateLimited(string(le.Window))
			slog.Info("ratelimit: request rejected", "window", le.Window, "retry_after", le.RetrySeconds())
			w.Header().Set("Retry-After", strconv.Itoa(le.RetrySeconds()))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":       "rate limit exceeded",
				"window":      le.Window,
				"retry_after": le.RetrySeconds(),
			})
		default:
			h.metrics.StoreError("ratelimit")
			writeErr(w, http.StatusServiceUnavailable, "rate limiter unavailable")
		}
	}
}

// admin requires the configured bearer token.
func (h *Handler) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.opts.AdminToken == "" {
			http.NotFound(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.AdminToken)) != 1 {
			writeErr(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (h *Handler) rateLimitStatus(w http.ResponseWriter, r *http.Request) {
	if h.limiter == nil {
		writeErr(w, http.StatusNotFound, "rate limiting disabled")
		return
	}
	rep, err := h.limiter.Remaining(r.Context(), identity(r))
	if err != nil {
		h.metrics.StoreError("ratelimit")
		slog.Error("ratelimit: remaining failed", "err", err)
		writeErr(w, http.StatusServiceUnavailable, "rate limiter unavailable")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) resetRateLimit(w http.ResponseWriter, r *http.Request) {
	if h.limiter == nil {
		writeErr(w, http.StatusNotFound, "rate limiting disabled")
		return
	}
	if err := h.limiter.Reset(r.Context(), r.PathValue("identity")); err != nil {
		h.metrics.StoreError("ratelimit")
		slog.Error("ratelimit: reset failed", "err", err)
		writeErr(w, http.StatusServiceUnavailable, "rate limiter unavailable")
		return
	}
	slog.Info("ratelimit: identity reset")
	w.WriteHeader(http.StatusNoContent)
}

// sanitizeFailed maps an anonymization error to a response.
func (h *Handler) sanitizeFailed(w http.ResponseWriter, err error) {
	var denied *sanitize.DeniedError
	var detErr *sanitize.DetectorError
	switch {
	case errors.As(err, &denied):
		h.metrics.Denied(denied.Entities)
		slog.Info("sanitize: request denied", "entities", denied.Entities)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":    "request contains denied data",
			"entities": denied.Entities,
		})
	case errors.As(err, &detErr):
		slog.Error("sanitize: detector failed", "detector", detErr.Detector, "err", detErr.Err)
		writeErr(w, http.StatusBadGateway, "detector "+detErr.Detector+" failed")
	default:
		writeErr(w, http.StatusBadRequest, err.Error())
	}
}

// identity returns the caller identity: X-User-ID when present, and the
// connection's remote address.
func identity(r *http.Request) ratelimit.Identity {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return ratelimit.Identity{UserID: r.Header.Get(headerUserID), ClientIP: ip}
}

// ---------- helpers ----------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
