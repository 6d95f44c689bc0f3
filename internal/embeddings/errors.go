package embeddings

import "errors"

var (
	// ErrInvalidConfig indicates a backend cannot be built from its config.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrBackendUnavailable indicates a backend is not compiled in or not reachable.
	ErrBackendUnavailable = errors.New("embedding backend unavailable")

	// ErrNoBackendAvailable is returned when no configured backend constructs.
	ErrNoBackendAvailable = errors.New("no embedding backend available")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrDimensionMismatch indicates a vector of unexpected length.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)
