// Package session persists placeholder mappings across requests, so a
// response, or a later request in the same conversation, can be restored
// with the mapping produced when the prompt was anonymized.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gonkalabs/piiguard-proxy/internal/sanitize"
)

var (
	// ErrNotFound is returned for unknown or expired sessions.
	ErrNotFound = errors.New("session: not found")
	// ErrUnavailable is returned when the backing store cannot be reached in
	// time. It is never used for a missing session.
	ErrUnavailable = errors.New("session: store unavailable")
)

// DefaultTTL applies when CreateParams.TTL is zero.
const DefaultTTL = time.Hour

// CreateParams describes a new session.
type CreateParams struct {
	UserID   string
	Metadata map[string]string // e.g. provider, endpoint
	TTL      time.Duration
}

// Info is the stored description of a session.
type Info struct {
	ID        string            `json:"session_id"`
	UserID    string            `json:"user_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Store keeps one mapping per session. Implementations are safe for
// concurrent use.
type Store interface {
	// CreateSession starts an empty session and returns its id.
	CreateSession(ctx context.Context, p CreateParams) (string, error)
	// StoreMapping merges m into the session's mapping; for a placeholder
	// already present the new original wins.
	StoreMapping(ctx context.Context, id string, m *sanitize.Mapping) error
	// GetMapping returns the session's mapping, empty if nothing was stored.
	GetMapping(ctx context.Context, id string) (*sanitize.Mapping, error)
	// DeleteMapping removes the session and its mapping.
	DeleteMapping(ctx context.Context, id string) error
	Close() error
}

func newID() string { return uuid.NewString() }

func ttlOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTTL
	}
	return d
}

func newInfo(p CreateParams, now time.Time) Info {
	return Info{
		ID:        newID(),
		UserID:    p.UserID,
		Metadata:  p.Metadata,
		CreatedAt: now.UTC(),
		ExpiresAt: now.Add(ttlOrDefault(p.TTL)).UTC(),
	}
}
