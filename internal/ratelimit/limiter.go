// Package ratelimit implements fixed-window request limits per caller
// identity (per minute and per hour, with a burst allowance) and a global
// per-second cap. Counters live in a CounterStore so several proxy
// instances can share them.
package ratelimit

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Window names a limit.
type Window string

const (
	Minute Window = "minute"
	Hour   Window = "hour"
	Global Window = "global"
)

// ErrUnavailable is returned in fail-closed mode when the counter store
// cannot be reached in time.
var ErrUnavailable = errors.New("ratelimit: store unavailable")

// LimitError is returned when a request is over a limit.
type LimitError struct {
	Window     Window
	RetryAfter time.Duration // whole seconds, at least one
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("ratelimit: %s limit exceeded, retry after %ds", e.Window, e.RetrySeconds())
}

// RetrySeconds returns RetryAfter in whole seconds, as sent in Retry-After.
func (e *LimitError) RetrySeconds() int { return int(e.RetryAfter / time.Second) }

// Identity identifies a caller. UserID takes precedence over ClientIP.
type Identity struct {
	UserID   string
	ClientIP string
}

// String returns the raw identifier used for limiting.
func (id Identity) String() string {
	if id.UserID != "" {
		return id.UserID
	}
	return id.ClientIP
}

// Config holds the limits. A zero limit disables that window.
type Config struct {
	PerMinute       int
	PerHour         int
	Burst           int
	GlobalPerSecond int
	// Trusted identities (user ids or client IPs) skip the per-identity
	// windows. They still count toward the global cap.
	Trusted []string
	// FailOpen allows requests when the store fails instead of returning
	// ErrUnavailable.
	FailOpen bool
	// StoreTimeout bounds every store call; 0 means no extra bound.
	StoreTimeout time.Duration
	// KeyPrefix namespaces store keys; defaults to "ratelimit:".
	KeyPrefix string
}

// DefaultConfig mirrors the defaults the proxy ships with.
func DefaultConfig() Config {
	return Config{
		PerMinute:       60,
		PerHour:         1000,
		Burst:           10,
		GlobalPerSecond: 100,
		StoreTimeout:    250 * time.Millisecond,
	}
}

// Usage reports one window for an identity.
type Usage struct {
	Limit     int   `json:"limit"`
	Used      int64 `json:"used"`
	Remaining int64 `json:"remaining"`
}

// Report is the read-only view returned by Remaining.
type Report struct {
	Minute Usage `json:"minute"`
	Hour   Usage `json:"hour"`
}

// Limiter enforces Config against a CounterStore. It is safe for
// concurrent use.
type Limiter struct {
	cfg     Config
	store   CounterStore
	trusted map[string]bool
	now     func() time.Time
}

// New creates a Limiter.
func New(store CounterStore, cfg Config) *Limiter {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "ratelimit:"
	}
	trusted := make(map[string]bool, len(cfg.Trusted))
	for _, t := range cfg.Trusted {
		if t != "" {
			trusted[t] = true
		}
	}
	return &Limiter{cfg: cfg, store: store, trusted: trusted, now: time.Now}
}

// Config returns the limits in effect.
func (l *Limiter) Config() Config { return l.cfg }

type windowSpec struct {
	name  Window
	dur   time.Duration
	limit int
}

func (l *Limiter) windows() []windowSpec {
	return []windowSpec{
		{Minute, time.Minute, l.cfg.PerMinute},
		{Hour, time.Hour, l.cfg.PerHour},
	}
}

// Check records one request for id. It returns nil when the request is
// allowed, a *LimitError when it is over a limit, or ErrUnavailable when the
// store failed and the limiter is fail-closed.
func (l *Limiter) Check(ctx context.Context, id Identity) error {
	now := l.now()

	if l.cfg.GlobalPerSecond > 0 {
		key := l.cfg.KeyPrefix + "global:" + strconv.FormatInt(now.Unix(), 10)
		n, err := withTimeout(ctx, l.cfg.StoreTimeout, func(ctx context.Context) (int64, error) {
			return l.store.IncrGlobal(ctx, key, 2*time.Second)
		})
		if err != nil {
			if ferr := l.storeFailure("global", err); ferr != nil {
				return ferr
			}
		} else if n > int64(l.cfg.GlobalPerSecond) {
			return &LimitError{Window: Global, RetryAfter: time.Second}
		}
	}

	if l.isTrusted(id) {
		return nil
	}

	hashed := HashIdentifier(id.String())
	for _, w := range l.windows() {
		if w.limit <= 0 {
			continue
		}
		key := l.key(w.name, hashed)
		capacity := int64(w.limit + l.cfg.Burst)
		st, err := withTimeout(ctx, l.cfg.StoreTimeout, func(ctx context.Context) (WindowState, error) {
			return l.store.Hit(ctx, key, now, w.dur, capacity)
		})
		if err != nil {
			if ferr := l.storeFailure(string(w.name), err); ferr != nil {
				return ferr
			}
			continue
		}
		if !st.Allowed {
			return &LimitError{Window: w.name, RetryAfter: retryAfter(now, st.Start, w.dur)}
		}
	}
	return nil
}

// Remaining reports usage for id without recording a request. Remaining is
// computed against the limit without burst.
func (l *Limiter) Remaining(ctx context.Context, id Identity) (Report, error) {
	now := l.now()
	hashed := HashIdentifier(id.String())

	var rep Report
	for _, w := range l.windows() {
		key := l.key(w.name, hashed)
		used, err := withTimeout(ctx, l.cfg.StoreTimeout, func(ctx context.Context) (int64, error) {
			return l.store.Peek(ctx, key, now, w.dur)
		})
		if err != nil {
			return Report{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		u := Usage{Limit: w.limit, Used: used, Remaining: max(0, int64(w.limit)-used)}
		switch w.name {
		case Minute:
			rep.Minute = u
		case Hour:
			rep.Hour = u
		}
	}
	return rep, nil
}

// Reset clears both per-identity windows of identifier (a user id or
// client IP, as passed in Identity).
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	hashed := HashIdentifier(identifier)
	keys := make([]string, 0, 2)
	for _, w := range l.windows() {
		keys = append(keys, l.key(w.name, hashed))
	}
	_, err := withTimeout(ctx, l.cfg.StoreTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, l.store.Delete(ctx, keys...)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

func (l *Limiter) isTrusted(id Identity) bool {
	return (id.UserID != "" && l.trusted[id.UserID]) || (id.ClientIP != "" && l.trusted[id.ClientIP])
}

func (l *Limiter) key(w Window, hashed string) string {
	return l.cfg.KeyPrefix + string(w) + ":" + hashed
}

func (l *Limiter) storeFailure(what string, err error) error {
	if l.cfg.FailOpen {
		slog.Warn("ratelimit: store failed, allowing request", "window", what, "err", err)
		return nil
	}
	slog.Error("ratelimit: store failed, rejecting request", "window", what, "err", err)
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// HashIdentifier returns the 16-hex-character key material for a raw
// identifier, so store keys never carry user ids or IPs in clear.
func HashIdentifier(identifier string) string {
	sum := blake2b.Sum256([]byte(identifier))
	return hex.EncodeToString(sum[:])[:16]
}

// retryAfter returns the whole seconds until the window that began at start
// ends, clamped to [1s, window].
func retryAfter(now, start time.Time, window time.Duration) time.Duration {
	rem := window - now.Sub(start)
	secs := (rem + time.Second - 1) / time.Second
	d := secs * time.Second
	if d < time.Second {
		d = time.Second
	}
	if d > window {
		d = window
	}
	return d
}

func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}
