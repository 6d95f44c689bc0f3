// Package embedcache stores embedding vectors keyed by content hash.
//
// A Tiered cache pairs an optional shared tier (NATS KV or Redis) with a
// process-local tier (LRU or Badger). Writes are last-write-wins.
package embedcache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrCorruptValue is returned when a stored value is not a float32 vector.
var ErrCorruptValue = errors.New("corrupt cached vector")

// Cache maps keys to embedding vectors.
type Cache interface {
	// GetMany returns the vectors found for keys. Missing keys are absent
	// from the result.
	GetMany(ctx context.Context, keys []string) (map[string][]float32, error)
	SetMany(ctx context.Context, entries map[string][]float32) error
	Name() string
}

// EncodeVector serializes v as little-endian float32.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector parses a value written by EncodeVector.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: length %d not a multiple of 4", ErrCorruptValue, len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}

// Nop is a cache that stores nothing.
type Nop struct{}

func (Nop) GetMany(context.Context, []string) (map[string][]float32, error) {
	return map[string][]float32{}, nil
}
func (Nop) SetMany(context.Context, map[string][]float32) error { return nil }
func (Nop) Name() string                                       { return "none" }
