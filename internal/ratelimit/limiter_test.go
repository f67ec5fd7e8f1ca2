package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeCase struct {
	name string
	open func(t *testing.T) CounterStore
}

func stores() []storeCase {
	return []storeCase{
		{"memory", func(t *testing.T) CounterStore { return NewMemory() }},
		{"redis", func(t *testing.T) CounterStore {
			mr := miniredis.RunT(t)
			return NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
		}},
	}
}

// fixedClock returns a limiter clock that the test advances by hand.
type fixedClock struct{ t atomic.Int64 }

func newClock(start time.Time) *fixedClock {
	c := &fixedClock{}
	c.t.Store(start.UnixNano())
	return c
}

func (c *fixedClock) now() time.Time      { return time.Unix(0, c.t.Load()) }
func (c *fixedClock) add(d time.Duration) { c.t.Add(int64(d)) }

func limiterWith(s CounterStore, cfg Config, c *fixedClock) *Limiter {
	l := New(s, cfg)
	l.now = c.now
	return l
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestLimiter_BurstBoundary(t *testing.T) {
	for _, sc := range stores() {
		t.Run(sc.name, func(t *testing.T) {
			ctx := context.Background()
			clock := newClock(t0)
			l := limiterWith(sc.open(t), Config{PerMinute: 5, Burst: 2}, clock)
			id := Identity{ClientIP: "10.0.0.1"}

			var rejected []*LimitError
			for i := 0; i < 5+2+1; i++ {
				clock.add(100 * time.Millisecond)
				err := l.Check(ctx, id)
				if err == nil {
					continue
				}
				var le *LimitError
				require.ErrorAs(t, err, &le)
				rejected = append(rejected, le)
			}

			require.Len(t, rejected, 1)
			assert.Equal(t, Minute, rejected[0].Window)
			assert.Greater(t, rejected[0].RetryAfter, time.Duration(0))
			assert.LessOrEqual(t, rejected[0].RetryAfter, time.Minute)
			// The window opened on the first request, 700ms earlier; 59.3s round up.
			assert.Equal(t, 60*time.Second, rejected[0].RetryAfter)
		})
	}
}

func TestLimiter_WindowRollover(t *testing.T) {
	for _, sc := range stores() {
		t.Run(sc.name, func(t *testing.T) {
			ctx := context.Background()
			clock := newClock(t0)
			l := limiterWith(sc.open(t), Config{PerMinute: 1}, clock)
			id := Identity{UserID: "alice"}

			require.NoError(t, l.Check(ctx, id))
			clock.add(30 * time.Second)
			err := l.Check(ctx, id)
			var le *LimitError
			require.ErrorAs(t, err, &le)
			assert.Equal(t, 30*time.Second, le.RetryAfter)

			clock.add(30 * time.Second)
			assert.NoError(t, l.Check(ctx, id))
		})
	}
}

func TestLimiter_HourWindow(t *testing.T) {
	for _, sc := range stores() {
		t.Run(sc.name, func(t *testing.T) {
			ctx := context.Background()
			clock := newClock(t0)
			l := limiterWith(sc.open(t), Config{PerMinute: 100, PerHour: 3}, clock)
			id := Identity{UserID: "bob"}

			for i := 0; i < 3; i++ {
				require.NoError(t, l.Check(ctx, id))
				clock.add(2 * time.Minute)
			}
			err := l.Check(ctx, id)
			var le *LimitError
			require.ErrorAs(t, err, &le)
			assert.Equal(t, Hour, le.Window)
			assert.Equal(t, 54*time.Minute, le.RetryAfter)
		})
	}
}

func TestLimiter_Global(t *testing.T) {
	for _, sc := range stores() {
		t.Run(sc.name, func(t *testing.T) {
			ctx := context.Background()
			clock := newClock(t0)
			l := limiterWith(sc.open(t), Config{GlobalPerSecond: 3, Trusted: []string{"10.0.0.9"}}, clock)

			for i := 0; i < 3; i++ {
				require.NoError(t, l.Check(ctx, Identity{ClientIP: "10.0.0.9"}))
			}
			err := l.Check(ctx, Identity{ClientIP: "10.0.0.9"})
			var le *LimitError
			require.ErrorAs(t, err, &le, "trusted callers still count toward the global cap")
			assert.Equal(t, Global, le.Window)
			assert.Equal(t, 1, le.RetrySeconds())

			clock.add(time.Second)
			assert.NoError(t, l.Check(ctx, Identity{ClientIP: "10.0.0.9"}))
		})
	}
}

func TestLimiter_TrustedSkipsIdentityWindows(t *testing.T) {
	ctx := context.Background()
	clock := newClock(t0)
	l := limiterWith(NewMemory(), Config{PerMinute: 1, Trusted: []string{"svc-batch", "127.0.0.1"}}, clock)

	for i := 0; i < 5; i++ {
		assert.NoError(t, l.Check(ctx, Identity{UserID: "svc-batch", ClientIP: "10.1.1.1"}))
		assert.NoError(t, l.Check(ctx, Identity{ClientIP: "127.0.0.1"}))
	}
	require.NoError(t, l.Check(ctx, Identity{UserID: "someone"}))
	assert.Error(t, l.Check(ctx, Identity{UserID: "someone"}))
}

func TestLimiter_Config(t *testing.T) {
	l := New(NewMemory(), Config{PerMinute: 3, Burst: 2})
	assert.Equal(t, "ratelimit:", l.Config().KeyPrefix)
	assert.Equal(t, 3, l.Config().PerMinute)

	l = New(NewMemory(), Config{KeyPrefix: "rl:"})
	assert.Equal(t, "rl:", l.Config().KeyPrefix)
}

func TestLimiter_UserIDPreferredOverIP(t *testing.T) {
	ctx := context.Background()
	clock := newClock(t0)
	l := limiterWith(NewMemory(), Config{PerMinute: 1}, clock)

	require.NoError(t, l.Check(ctx, Identity{UserID: "u1", ClientIP: "10.0.0.1"}))
	// Same IP, different user: separate budget.
	require.NoError(t, l.Check(ctx, Identity{UserID: "u2", ClientIP: "10.0.0.1"}))
	assert.Error(t, l.Check(ctx, Identity{UserID: "u1", ClientIP: "10.0.0.2"}))
}

func TestLimiter_RemainingAndReset(t *testing.T) {
	for _, sc := range stores() {
		t.Run(sc.name, func(t *testing.T) {
			ctx := context.Background()
			clock := newClock(t0)
			l := limiterWith(sc.open(t), Config{PerMinute: 5, PerHour: 100, Burst: 2}, clock)
			id := Identity{ClientIP: "192.0.2.7"}

			for i := 0; i < 6; i++ {
				require.NoError(t, l.Check(ctx, id))
			}
			rep, err := l.Remaining(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, Usage{Limit: 5, Used: 6, Remaining: 0}, rep.Minute)
			assert.Equal(t, Usage{Limit: 100, Used: 6, Remaining: 94}, rep.Hour)

			// Remaining does not count.
			rep2, err := l.Remaining(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, rep, rep2)

			require.NoError(t, l.Reset(ctx, "192.0.2.7"))
			rep, err = l.Remaining(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, int64(0), rep.Minute.Used)
			assert.Equal(t, int64(0), rep.Hour.Used)
		})
	}
}

func TestLimiter_ConcurrentNeverOvershoots(t *testing.T) {
	for _, sc := range stores() {
		t.Run(sc.name, func(t *testing.T) {
			ctx := context.Background()
			clock := newClock(t0)
			l := limiterWith(sc.open(t), Config{PerMinute: 10, Burst: 5}, clock)
			id := Identity{UserID: "hammer"}

			var allowed atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if l.Check(ctx, id) == nil {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int64(15), allowed.Load())
		})
	}
}

type failingStore struct{}

var errDown = errors.New("connection refused")

func (failingStore) Hit(context.Context, string, time.Time, time.Duration, int64) (WindowState, error) {
	return WindowState{}, errDown
}
func (failingStore) Peek(context.Context, string, time.Time, time.Duration) (int64, error) {
	return 0, errDown
}
func (failingStore) IncrGlobal(context.Context, string, time.Duration) (int64, error) {
	return 0, errDown
}
func (failingStore) Delete(context.Context, ...string) error { return errDown }

func TestLimiter_FailModes(t *testing.T) {
	ctx := context.Background()
	id := Identity{ClientIP: "10.0.0.1"}
	cfg := Config{PerMinute: 1, GlobalPerSecond: 1}

	closed := New(failingStore{}, cfg)
	err := closed.Check(ctx, id)
	assert.ErrorIs(t, err, ErrUnavailable)
	var le *LimitError
	assert.False(t, errors.As(err, &le), "store failure is not a limit rejection")

	cfg.FailOpen = true
	open := New(failingStore{}, cfg)
	assert.NoError(t, open.Check(ctx, id))

	_, err = open.Remaining(ctx, id)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, open.Reset(ctx, "10.0.0.1"), ErrUnavailable)
}

func TestLimiter_StoreTimeout(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := New(NewRedis(client), Config{PerMinute: 1, StoreTimeout: 50 * time.Millisecond})

	mr.SetError("LOADING")
	err := l.Check(context.Background(), Identity{UserID: "x"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMemory_DropsElapsedWindows(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("ip-%d", i)
		_, err := m.Hit(ctx, key+":minute", t0, time.Minute, 10)
		require.NoError(t, err)
		_, err = m.Hit(ctx, key+":hour", t0, time.Hour, 100)
		require.NoError(t, err)
	}
	require.Len(t, m.windows, 2000)

	// Only the minute windows have elapsed.
	_, err := m.Hit(ctx, "late:minute", t0.Add(2*time.Minute), time.Minute, 10)
	require.NoError(t, err)
	assert.Len(t, m.windows, 1001)

	_, err = m.Hit(ctx, "late:minute", t0.Add(48*time.Hour), time.Minute, 10)
	require.NoError(t, err)
	assert.Len(t, m.windows, 1)

	n, err := m.Peek(ctx, "ip-1:hour", t0.Add(48*time.Hour), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHashIdentifier(t *testing.T) {
	h := HashIdentifier("10.0.0.1")
	assert.Len(t, h, 16)
	assert.Equal(t, h, HashIdentifier("10.0.0.1"))
	assert.NotEqual(t, h, HashIdentifier("10.0.0.2"))
	assert.NotContains(t, h, "10.0.0.1")
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		window  time.Duration
		want    time.Duration
	}{
		{"start of window", 0, time.Minute, time.Minute},
		{"rounds up", 1500 * time.Millisecond, time.Minute, 59 * time.Second},
		{"last millisecond", time.Minute - time.Millisecond, time.Minute, time.Second},
		{"clock skew past end", time.Minute + time.Second, time.Minute, time.Second},
		{"clock skew before start", -5 * time.Second, time.Minute, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryAfter(t0.Add(tt.elapsed), t0, tt.window))
		})
	}
}
