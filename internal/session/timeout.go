package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gonkalabs/piiguard-proxy/internal/sanitize"
)

// timeoutStore bounds every call of the wrapped store and folds backend
// failures into ErrUnavailable.
type timeoutStore struct {
	next Store
	d    time.Duration
}

// WithTimeout wraps s so every call is bounded by d. Errors other than
// ErrNotFound and caller cancellation are reported as ErrUnavailable,
// wrapping the underlying cause.
func WithTimeout(s Store, d time.Duration) Store {
	if d <= 0 {
		return s
	}
	return &timeoutStore{next: s, d: d}
}

func (t *timeoutStore) CreateSession(ctx context.Context, p CreateParams) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	id, err := t.next.CreateSession(ctx, p)
	return id, t.wrap(ctx, err)
}

func (t *timeoutStore) StoreMapping(ctx context.Context, id string, m *sanitize.Mapping) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.wrap(ctx, t.next.StoreMapping(ctx, id, m))
}

func (t *timeoutStore) GetMapping(ctx context.Context, id string) (*sanitize.Mapping, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	m, err := t.next.GetMapping(ctx, id)
	return m, t.wrap(ctx, err)
}

func (t *timeoutStore) DeleteMapping(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.wrap(ctx, t.next.DeleteMapping(ctx, id))
}

func (t *timeoutStore) Close() error { return t.next.Close() }

func (t *timeoutStore) wrap(ctx context.Context, err error) error {
	switch {
	case err == nil, errors.Is(err, ErrNotFound), errors.Is(err, ErrUnavailable):
		return err
	case errors.Is(err, context.Canceled) && !errors.Is(ctx.Err(), context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
