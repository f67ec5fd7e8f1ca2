package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gonkalabs/piiguard-proxy/internal/sanitize"
	"github.com/gonkalabs/piiguard-proxy/internal/session"
)

// sessionState is the session a request works in. id is empty until the
// session exists in the store.
type sessionState struct {
	id      string
	userID  string
	mapping *sanitize.Mapping // placeholders stored so far
	// offline is set when the store failed and the handler is fail-open:
	// the request proceeds with a request-local mapping only.
	offline bool
}

// openSession loads the mapping of id. An unknown or expired id starts a
// fresh session. It returns false when a response has already been written.
func (h *Handler) openSession(w http.ResponseWriter, r *http.Request, id string) (*sessionState, bool) {
	st := &sessionState{userID: r.Header.Get(headerUserID)}
	if id == "" {
		return st, true
	}
	m, err := h.sessions.GetMapping(r.Context(), id)
	switch {
	case err == nil:
		st.id, st.mapping = id, m
	case errors.Is(err, session.ErrNotFound):
		slog.Info("session: unknown or expired, starting a new one")
	default:
		if h.sessionUnavailable(w, err) {
			return nil, false
		}
		st.offline = true
	}
	return st, true
}

// saveSession merges added into the session, creating the session first if
// needed. With always unset an empty mapping creates nothing. It returns
// false when a response has already been written.
func (h *Handler) saveSession(w http.ResponseWriter, r *http.Request, st *sessionState, added *sanitize.Mapping) bool {
	return h.saveSessionIf(w, r, st, added, false)
}

func (h *Handler) saveSessionIf(w http.ResponseWriter, r *http.Request, st *sessionState, added *sanitize.Mapping, always bool) bool {
	if st.offline || (added.IsEmpty() && (st.id != "" || !always)) {
		return true
	}
	ctx := r.Context()
	for attempt := 0; attempt < 2; attempt++ {
		if st.id == "" {
			id, err := h.sessions.CreateSession(ctx, session.CreateParams{
				UserID: st.userID,
				Metadata: map[string]string{
					"provider": h.client.BaseURL(),
					"endpoint": r.URL.Path,
				},
				TTL: h.opts.SessionTTL,
			})
			if err != nil {
				if h.sessionUnavailable(w, err) {
					return false
				}
				st.offline = true
				return true
			}
			st.id = id
		}
		if added.IsEmpty() {
			return true
		}
		err := h.sessions.StoreMapping(ctx, st.id, added)
		if err == nil {
			return true
		}
		if !errors.Is(err, session.ErrNotFound) {
			if h.sessionUnavailable(w, err) {
				return false
			}
			st.offline = true
			return true
		}
		// Expired between load and store: carry everything over to a new session.
		slog.Info("session: expired during request, starting a new one")
		merged := st.mapping.Clone()
		merged.Merge(added)
		added = merged
		st.id = ""
	}
	writeErr(w, http.StatusServiceUnavailable, "session store unavailable")
	return false
}

// sessionUnavailable records a session store failure. It writes a 503 and
// returns true unless the handler is fail-open.
func (h *Handler) sessionUnavailable(w http.ResponseWriter, err error) bool {
	h.metrics.StoreError("session")
	if h.opts.SessionFailOpen {
		slog.Warn("session: store failed, continuing without session", "err", err)
		return false
	}
	slog.Error("session: store failed", "err", err)
	writeErr(w, http.StatusServiceUnavailable, "session store unavailable")
	return true
}

type anonymizeRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id,omitempty"`
}

type anonymizeResponse struct {
	Text      string         `json:"text"`
	SessionID string         `json:"session_id,omitempty"`
	Count     int            `json:"count"`
	Entities  map[string]int `json:"entities"`
}

func (h *Handler) anonymize(w http.ResponseWriter, r *http.Request) {
	var req anonymizeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		req.SessionID = r.Header.Get(headerSessionID)
	}

	sess, ok := h.openSession(w, r, req.SessionID)
	if !ok {
		return
	}

	start := time.Now()
	text, added, err := h.sanitizer.AnonymizeAfter(req.Text, sess.mapping)
	if err != nil {
		h.sanitizeFailed(w, err)
		return
	}
	h.metrics.Anonymized(added.CountByType(), time.Since(start))

	if !h.saveSessionIf(w, r, sess, added, true) {
		return
	}
	setSanitizeHeaders(w, sess.id, added)
	writeJSON(w, http.StatusOK, anonymizeResponse{
		Text:      text,
		SessionID: sess.id,
		Count:     added.Len(),
		Entities:  added.CountByType(),
	})
}

type deanonymizeRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

func (h *Handler) deanonymize(w http.ResponseWriter, r *http.Request) {
	var req deanonymizeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		req.SessionID = r.Header.Get(headerSessionID)
	}
	if req.SessionID == "" {
		writeErr(w, http.StatusBadRequest, "session_id is required")
		return
	}

	m, err := h.sessions.GetMapping(r.Context(), req.SessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeErr(w, http.StatusNotFound, "session not found")
		return
	case err != nil:
		h.metrics.StoreError("session")
		slog.Error("session: store failed", "err", err)
		writeErr(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": h.sanitizer.Deanonymize(req.Text, m)})
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	err := h.sessions.DeleteMapping(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, session.ErrNotFound):
		writeErr(w, http.StatusNotFound, "session not found")
	default:
		h.metrics.StoreError("session")
		slog.Error("session: delete failed", "err", err)
		writeErr(w, http.StatusServiceUnavailable, "session store unavailable")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
