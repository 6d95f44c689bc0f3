package vectorstore

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/ingestd/internal/ingest"
)

var (
	// ErrNotFound is returned when a tenant has no index, in memory or persisted.
	ErrNotFound = errors.New("index not found")

	// ErrCorrupt is returned when a persisted artifact or sidecar cannot be decoded.
	ErrCorrupt = errors.New("index corrupt")

	// ErrDimensionMismatch is returned when a vector's length differs from the index dimension.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrInvalidArgument is returned for malformed arguments such as k <= 0.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidTenant aliases ingest.ErrInvalidTenant so callers can match
	// on either package.
	ErrInvalidTenant = ingest.ErrInvalidTenant

	// ErrInvalidConfig is returned for unusable index configuration.
	ErrInvalidConfig = errors.New("invalid index configuration")
)

// DimensionMismatchError reports the expected and actual vector lengths.
type DimensionMismatchError struct {
	Expected int
	Got      int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("%s: expected %d, got %d", ErrDimensionMismatch, e.Expected, e.Got)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrDimensionMismatch }
