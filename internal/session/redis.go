package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gonkalabs/piiguard-proxy/internal/sanitize"
)

// DefaultRedisPrefix namespaces every key the store writes.
const DefaultRedisPrefix = "piiguard:"

// Redis stores sessions in Redis so any proxy instance can restore a
// response. The session record is a JSON string; the mapping is a hash of
// placeholder -> {original, entity_type}, both expiring together.
type Redis struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedis wraps an existing client. An empty prefix means DefaultRedisPrefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

// OpenRedis connects to url (redis://[:password@]host:port/db) and pings it.
func OpenRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("session: redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis ping: %w", err)
	}
	return NewRedis(client, ""), nil
}

func (s *Redis) sessionKey(id string) string { return s.prefix + "session:" + id }
func (s *Redis) mappingKey(id string) string { return s.prefix + "mapping:" + id }

type redisValue struct {
	Original   string `json:"original"`
	EntityType string `json:"entity_type,omitempty"`
}

func (s *Redis) CreateSession(ctx context.Context, p CreateParams) (string, error) {
	info := newInfo(p, s.now())
	b, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("session: encode: %w", err)
	}
	if err := s.client.Set(ctx, s.sessionKey(info.ID), b, ttlOrDefault(p.TTL)).Err(); err != nil {
		return "", fmt.Errorf("session: redis create: %w", err)
	}
	return info.ID, nil
}

func (s *Redis) StoreMapping(ctx context.Context, id string, m *sanitize.Mapping) error {
	ttl, err := s.client.PTTL(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("session: redis ttl: %w", err)
	}
	// -2 (missing) surfaces as a negative duration.
	if ttl < 0 && ttl != -1 {
		return ErrNotFound
	}
	if m.IsEmpty() {
		return nil
	}

	values := make([]any, 0, 2*m.Len())
	for _, r := range m.Entries() {
		b, err := json.Marshal(redisValue{Original: r.Original, EntityType: r.EntityType})
		if err != nil {
			return fmt.Errorf("session: encode: %w", err)
		}
		values = append(values, r.Placeholder, string(b))
	}

	key := s.mappingKey(id)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, values...)
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: redis store: %w", err)
	}
	return nil
}

func (s *Redis) GetMapping(ctx context.Context, id string) (*sanitize.Mapping, error) {
	var (
		exists *redis.IntCmd
		fields *redis.MapStringStringCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, s.sessionKey(id))
		fields = pipe.HGetAll(ctx, s.mappingKey(id))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session: redis get: %w", err)
	}
	if exists.Val() == 0 {
		return nil, ErrNotFound
	}

	all := fields.Val()
	placeholders := make([]string, 0, len(all))
	for p := range all {
		placeholders = append(placeholders, p)
	}
	sort.Strings(placeholders)

	m := &sanitize.Mapping{}
	for _, p := range placeholders {
		var v redisValue
		if err := json.Unmarshal([]byte(all[p]), &v); err != nil {
			return nil, fmt.Errorf("session: decode %s: %w", p, err)
		}
		m.Set(sanitize.Redaction{Placeholder: p, Original: v.Original, EntityType: v.EntityType})
	}
	return m, nil
}

func (s *Redis) DeleteMapping(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.sessionKey(id), s.mappingKey(id)).Result()
	if err != nil {
		return fmt.Errorf("session: redis delete: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Redis) Close() error { return s.client.Close() }
