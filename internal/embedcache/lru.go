package embedcache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// lruStore is the subset of the lru and expirable caches LRU needs.
type lruStore interface {
	Get(key string) ([]float32, bool)
	Add(key string, value []float32) bool
	Len() int
}

// LRU is an in-process bounded cache. With a positive TTL entries also expire.
type LRU struct {
	store lruStore
}

var _ Cache = (*LRU)(nil)

// NewLRU creates an LRU holding at most size vectors.
func NewLRU(size int, ttl time.Duration) (*LRU, error) {
	if size <= 0 {
		return nil, fmt.Errorf("lru size must be positive, got %d", size)
	}
	if ttl > 0 {
		return &LRU{store: expirable.NewLRU[string, []float32](size, nil, ttl)}, nil
	}
	c, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("creating lru: %w", err)
	}
	return &LRU{store: c}, nil
}

func (c *LRU) GetMany(_ context.Context, keys []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(keys))
	for _, k := range keys {
		if v, ok := c.store.Get(k); ok {
			out[k] = v
		}
	}
	return out, nil
}

func (c *LRU) SetMany(_ context.Context, entries map[string][]float32) error {
	for k, v := range entries {
		c.store.Add(k, v)
	}
	return nil
}

func (c *LRU) Name() string { return "lru" }

// Len reports the number of cached vectors.
func (c *LRU) Len() int { return c.store.Len() }
