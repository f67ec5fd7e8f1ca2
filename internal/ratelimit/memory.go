package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memWindow struct {
	count  int64
	start  time.Time
	length time.Duration
}

// sweepEvery bounds how often Hit scans for elapsed windows.
const sweepEvery = time.Minute

type memCounter struct {
	n       int64
	expires time.Time
}

// Memory is a single-process CounterStore.
type Memory struct {
	mu       sync.Mutex
	windows   map[string]*memWindow
	counters  map[string]*memCounter
	lastSweep time.Time
	now       func() time.Time // for counter expiry only; window math uses the caller's now
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		windows:  make(map[string]*memWindow),
		counters: make(map[string]*memCounter),
		now:      time.Now,
	}
}

func (m *Memory) Hit(ctx context.Context, key string, now time.Time, window time.Duration, max int64) (WindowState, error) {
	if err := ctx.Err(); err != nil {
		return WindowState{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(now)

	w, ok := m.windows[key]
	if !ok || now.Sub(w.start) >= window {
		w = &memWindow{count: 1, start: now, length: window}
		m.windows[key] = w
		return WindowState{Count: 1, Start: now, Allowed: true}, nil
	}
	if w.count < max {
		w.count++
		return WindowState{Count: w.count, Start: w.start, Allowed: true}, nil
	}
	return WindowState{Count: w.count, Start: w.start, Allowed: false}, nil
}

// sweepLocked drops windows that have elapsed by now, at most once per
// sweepEvery.
func (m *Memory) sweepLocked(now time.Time) {
	if now.Sub(m.lastSweep) < sweepEvery {
		return
	}
	m.lastSweep = now
	for k, w := range m.windows {
		if now.Sub(w.start) >= w.length {
			delete(m.windows, k)
		}
	}
}

func (m *Memory) Peek(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || now.Sub(w.start) >= window {
		return 0, nil
	}
	return w.count, nil
}

func (m *Memory) IncrGlobal(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, c := range m.counters {
		if !now.Before(c.expires) {
			delete(m.counters, k)
		}
	}
	c, ok := m.counters[key]
	if !ok {
		c = &memCounter{}
		m.counters[key] = c
	}
	c.n++
	c.expires = now.Add(ttl)
	return c.n, nil
}

func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.windows, k)
		delete(m.counters, k)
	}
	return nil
}
