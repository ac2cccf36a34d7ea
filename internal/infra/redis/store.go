package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/email-dispatch/internal/kv"
	goredis "github.com/redis/go-redis/v9"
)

var _ kv.Store = (*Store)(nil)

var compareAndSwapScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ttl)
else
  redis.call("SET", KEYS[1], ARGV[2])
end
return 1
`)

// Store implements kv.Store on a Redis client.
type Store struct {
	client *goredis.Client
}

func NewStore(client *goredis.Client) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Store{client: client}, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", kv.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %q: %w", key, err)
	}
	return value, nil
}

func (s *Store) GetMany(ctx context.Context, keys []string) ([]kv.Value, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	values := make([]kv.Value, len(keys))
	for i := range raw {
		if i >= len(values) {
			break
		}
		if str, ok := raw[i].(string); ok {
			values[i] = kv.Value{Data: str, OK: true}
		}
	}
	return values, nil
}

func (s *Store) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (s *Store) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return ok, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, old string, value string, ttl time.Duration) (bool, error) {
	swapped, err := compareAndSwapScript.Run(ctx, s.client, []string{key}, old, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-swap %q: %w", key, err)
	}
	return swapped == 1, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %q: %w", key, err)
	}
	return n > 0, nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
