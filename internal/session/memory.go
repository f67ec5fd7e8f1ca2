package session

import (
	"context"
	"sync"
	"time"

	"github.com/gonkalabs/piiguard-proxy/internal/sanitize"
)

type memEntry struct {
	info    Info
	mapping *sanitize.Mapping
}

// Memory is a process-local Store. Expired sessions are treated as absent
// on read and removed on the next write.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*memEntry
	now      func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*memEntry), now: time.Now}
}

func (s *Memory) CreateSession(ctx context.Context, p CreateParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()

	info := newInfo(p, s.now())
	s.sessions[info.ID] = &memEntry{info: info, mapping: &sanitize.Mapping{}}
	return info.ID, nil
}

func (s *Memory) StoreMapping(ctx context.Context, id string, m *sanitize.Mapping) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.liveLocked(id)
	if !ok {
		return ErrNotFound
	}
	e.mapping.Merge(m)
	return nil
}

func (s *Memory) GetMapping(ctx context.Context, id string) (*sanitize.Mapping, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.liveLocked(id)
	if !ok {
		return nil, ErrNotFound
	}
	return e.mapping.Clone(), nil
}

func (s *Memory) DeleteMapping(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.liveLocked(id); !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

// Len returns the number of live sessions.
func (s *Memory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	return len(s.sessions)
}

func (s *Memory) Close() error { return nil }

func (s *Memory) liveLocked(id string) (*memEntry, bool) {
	e, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	if !s.now().Before(e.info.ExpiresAt) {
		delete(s.sessions, id)
		return nil, false
	}
	return e, true
}

func (s *Memory) sweepLocked() {
	now := s.now()
	for id, e := range s.sessions {
		if !now.Before(e.info.ExpiresAt) {
			delete(s.sessions, id)
		}
	}
}
