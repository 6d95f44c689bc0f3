// Package ingest defines the domain types shared by every ingestion stage.
package ingest

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTenant is returned when a tenant ID cannot be used as a namespace key.
	ErrInvalidTenant = errors.New("invalid tenant id")

	// ErrInvalidSource is returned for a descriptor that names nothing usable.
	ErrInvalidSource = errors.New("invalid source")
)

const maxTenantLength = 128

// TenantID is the opaque namespace key partitioning all ingestion state.
type TenantID string

// Validate checks the tenant is 1-128 characters of [A-Za-z0-9_-].
//
// The ID doubles as a file and collection name, so anything outside that
// alphabet is rejected rather than escaped.
func (t TenantID) Validate() error {
	if len(t) == 0 || len(t) > maxTenantLength {
		return fmt.Errorf("%w: length must be 1-%d, got %d", ErrInvalidTenant, maxTenantLength, len(t))
	}
	for i := 0; i < len(t); i++ {
		c := t[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return fmt.Errorf("%w: illegal character %q", ErrInvalidTenant, c)
		}
	}
	return nil
}

func (t TenantID) String() string { return string(t) }

// Page is one fetched and extracted unit of content. Immutable after creation.
type Page struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	Depth     int       `json:"depth"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Chunk is a contiguous, possibly overlapping, token window of a page.
type Chunk struct {
	ID         string            `json:"id"`
	Text       string            `json:"text"`
	SourceRef  string            `json:"source_ref"`
	ChunkIndex int               `json:"chunk_index"`
	Offset     int               `json:"offset"`
	TokenCount int               `json:"token_count"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Embedding is the vector produced for one chunk.
type Embedding struct {
	ChunkID   string    `json:"chunk_id"`
	Vector    []float32 `json:"vector"`
	Dimension int       `json:"dimension"`
	ModelID   string    `json:"model_id"`
}

// IndexEntry pairs a chunk with its embedding.
type IndexEntry struct {
	Chunk     Chunk
	Embedding Embedding
}

// ChunkRef is the per-chunk record kept in the index sidecar.
type ChunkRef struct {
	ID         string `json:"id"`
	SourceRef  string `json:"source_ref"`
	ChunkIndex int    `json:"chunk_index"`
	Offset     int    `json:"offset"`
	Text       string `json:"text"`
}

// IndexMetadata is the JSON sidecar stored next to each tenant index.
type IndexMetadata struct {
	TenantID   TenantID   `json:"tenant_id"`
	Chunks     []ChunkRef `json:"chunks"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	EntryCount int        `json:"chunk_count"`
	Dimension  int        `json:"dimension"`
	ModelID    string     `json:"model_id"`
}

// Expired reports whether the index has outlived its retention at now.
func (m IndexMetadata) Expired(now time.Time) bool {
	return m.ExpiresAt.Before(now)
}

// Source types accepted by SourceDescriptor.Type.
const (
	SourceURL   = "url"
	SourceFiles = "files"
)

// SourceDescriptor describes what to acquire.
type SourceDescriptor struct {
	Type       string   `json:"type"`
	URL        string   `json:"url,omitempty"`
	CrawlDepth int      `json:"crawl_depth,omitempty"`
	MaxPages   int      `json:"max_pages,omitempty"`
	Files      []string `json:"files,omitempty"`
}

// Validate checks the descriptor is complete for its type.
func (s SourceDescriptor) Validate() error {
	switch s.Type {
	case SourceURL:
		if s.URL == "" {
			return fmt.Errorf("%w: url source without url", ErrInvalidSource)
		}
		if s.CrawlDepth < 0 || s.MaxPages < 0 {
			return fmt.Errorf("%w: negative crawl limits", ErrInvalidSource)
		}
	case SourceFiles:
		if len(s.Files) == 0 {
			return fmt.Errorf("%w: files source without files", ErrInvalidSource)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSource, s.Type)
	}
	return nil
}

// Run statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// RunResult is the externally reported outcome of one pipeline run.
type RunResult struct {
	Status              string   `json:"status"`
	TenantID            TenantID `json:"tenant_id"`
	PagesProcessed      int      `json:"pages_processed"`
	ChunksCreated       int      `json:"chunks_created"`
	EmbeddingsGenerated int      `json:"embeddings_generated,omitempty"`
	IndexPath           string   `json:"index_path,omitempty"`
	Published           *bool    `json:"published,omitempty"`
	Error               string   `json:"error,omitempty"`
}

// Failed reports whether the run ended in failure.
func (r RunResult) Failed() bool { return r.Status == StatusFailed }
