package embedcache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a shared tier backed by plain string keys with an expiry.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ Cache = (*Redis)(nil)

// NewRedis connects using a redis:// URL.
func NewRedis(url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opts), ttl: ttl}, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client redis.UniversalClient, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func (c *Redis) GetMany(ctx context.Context, keys []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	for i, val := range vals {
		s, ok := val.(string)
		if !ok {
			continue
		}
		v, err := DecodeVector([]byte(s))
		if err != nil {
			continue
		}
		out[keys[i]] = v
	}
	return out, nil
}

func (c *Redis) SetMany(ctx context.Context, entries map[string][]float32) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for k, v := range entries {
		pipe.Set(ctx, k, EncodeVector(v), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *Redis) Name() string { return "redis" }

// Close closes the client.
func (c *Redis) Close() error { return c.client.Close() }
