package ratelimit

import (
	"context"
	"time"
)

// WindowState is the result of recording a hit in a fixed window.
type WindowState struct {
	Count   int64     // requests counted in the current window
	Start   time.Time // when the current window began
	Allowed bool
}

// CounterStore holds window counters. Every method is atomic with respect
// to concurrent callers, including callers in other processes for shared
// backends.
type CounterStore interface {
	// Hit records one request against key. If the key is absent or its
	// window (started at Start) has elapsed by now, a new window starting
	// at now with count 1 is created and the hit allowed. Otherwise the hit
	// is counted and allowed while the count is below max, and rejected
	// without counting once it reaches max.
	Hit(ctx context.Context, key string, now time.Time, window time.Duration, max int64) (WindowState, error)
	// Peek returns the count of the window live at now, or 0.
	Peek(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error)
	// IncrGlobal increments a plain counter that expires after ttl and
	// returns the new value.
	IncrGlobal(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Delete removes keys; missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
}
