package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// hitScript performs the whole fixed-window decision server-side so that
// concurrent instances cannot both observe count < max and overshoot.
// KEYS[1] window hash {count, start}; ARGV now_ms, window_ms, max.
// Returns {count, start_ms, allowed}.
var hitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local vals = redis.call('HMGET', KEYS[1], 'count', 'start')
local count = tonumber(vals[1])
local start = tonumber(vals[2])
if (not count) or (not start) or (now - start >= window) then
  redis.call('HSET', KEYS[1], 'count', 1, 'start', ARGV[1])
  redis.call('PEXPIRE', KEYS[1], window)
  return {1, ARGV[1], 1}
end
if count < max then
  count = redis.call('HINCRBY', KEYS[1], 'count', 1)
  return {count, vals[2], 1}
end
return {count, vals[2], 0}
`)

// incrScript increments a per-second counter and refreshes its expiry.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[1])
return n
`)

// Redis is a CounterStore shared by every proxy instance.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Hit(ctx context.Context, key string, now time.Time, window time.Duration, max int64) (WindowState, error) {
	res, err := hitScript.Run(ctx, r.client, []string{key},
		now.UnixMilli(), window.Milliseconds(), max).Slice()
	if err != nil {
		return WindowState{}, fmt.Errorf("ratelimit: redis hit: %w", err)
	}
	if len(res) != 3 {
		return WindowState{}, fmt.Errorf("ratelimit: redis hit: unexpected reply %v", res)
	}
	count, err := toInt64(res[0])
	if err != nil {
		return WindowState{}, err
	}
	startMs, err := toInt64(res[1])
	if err != nil {
		return WindowState{}, err
	}
	allowed, err := toInt64(res[2])
	if err != nil {
		return WindowState{}, err
	}
	return WindowState{
		Count:   count,
		Start:   time.UnixMilli(startMs),
		Allowed: allowed == 1,
	}, nil
}

func (r *Redis) Peek(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	vals, err := r.client.HMGet(ctx, key, "count", "start").Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: redis peek: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return 0, nil
	}
	count, err := toInt64(vals[0])
	if err != nil {
		return 0, err
	}
	startMs, err := toInt64(vals[1])
	if err != nil {
		return 0, err
	}
	if now.Sub(time.UnixMilli(startMs)) >= window {
		return 0, nil
	}
	return count, nil
}

func (r *Redis) IncrGlobal(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	n, err := incrScript.Run(ctx, r.client, []string{key}, secs).Int64()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: redis incr: %w", err)
	}
	return n, nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("ratelimit: redis delete: %w", err)
	}
	return nil
}

// toInt64 converts a script or HMGET reply element.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("ratelimit: bad counter value %q: %w", x, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("ratelimit: unexpected counter type %T", v)
}
