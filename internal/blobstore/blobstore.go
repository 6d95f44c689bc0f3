// Package blobstore persists index artifacts and sidecars as named blobs.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get for a key that does not exist.
var ErrNotFound = errors.New("blob not found")

// ErrInvalidKey is returned for keys that are empty or contain a path separator.
var ErrInvalidKey = errors.New("invalid blob key")

// Store is a flat key/value blob namespace. Delete of a missing key succeeds.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// List returns every key ending in suffix.
	List(ctx context.Context, suffix string) ([]string, error)
	// URI names where key lives, for reporting.
	URI(key string) string
}

func validateKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
