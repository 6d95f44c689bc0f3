package embedcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSKV is a shared tier backed by a JetStream key-value bucket.
type NATSKV struct {
	kv jetstream.KeyValue
}

var _ Cache = (*NATSKV)(nil)

// NewNATSKV creates or updates bucket with the given TTL.
func NewNATSKV(ctx context.Context, nc *nats.Conn, bucket string, ttl time.Duration) (*NATSKV, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "ingestd embedding cache",
		TTL:         ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("creating kv bucket %q: %w", bucket, err)
	}
	return &NATSKV{kv: kv}, nil
}

// kvKey maps a cache key onto the KV key alphabet.
func kvKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

func (c *NATSKV) GetMany(ctx context.Context, keys []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(keys))
	for _, k := range keys {
		entry, err := c.kv.Get(ctx, kvKey(k))
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("kv get: %w", err)
		}
		v, err := DecodeVector(entry.Value())
		if err != nil {
			continue
		}
		out[k] = v
	}
	return out, nil
}

func (c *NATSKV) SetMany(ctx context.Context, entries map[string][]float32) error {
	for k, v := range entries {
		if _, err := c.kv.Put(ctx, kvKey(k), EncodeVector(v)); err != nil {
			return fmt.Errorf("kv put: %w", err)
		}
	}
	return nil
}

func (c *NATSKV) Name() string { return "nats" }
