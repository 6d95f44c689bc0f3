package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/ingestd/internal/blobstore"
	"github.com/fyrsmithlabs/ingestd/internal/config"
	"github.com/fyrsmithlabs/ingestd/internal/ingest"
	"go.uber.org/zap"
)

// Index is a set of isolated per-tenant similarity indexes.
type Index interface {
	// Create starts a fresh, empty index for tenant, discarding any previous
	// entries and resetting its retention window.
	Create(ctx context.Context, tenant ingest.TenantID) error

	// Add inserts entries. The first insert fixes the index dimension.
	Add(ctx context.Context, tenant ingest.TenantID, entries []ingest.IndexEntry) error

	// Save persists the tenant's index and returns the sidecar written.
	Save(ctx context.Context, tenant ingest.TenantID) (ingest.IndexMetadata, error)

	// Load restores a previously saved index.
	Load(ctx context.Context, tenant ingest.TenantID) error

	// Search returns up to k entries nearest to query, nearest first.
	Search(ctx context.Context, tenant ingest.TenantID, query []float32, k int) ([]RankedResult, error)

	// PurgeExpired removes every persisted index whose retention ended
	// before now and returns how many were removed.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)

	// Metadata returns the current sidecar view of tenant's index.
	Metadata(ctx context.Context, tenant ingest.TenantID) (ingest.IndexMetadata, error)

	// Location names where tenant's artifact is persisted.
	Location(tenant ingest.TenantID) string

	Close() error
}

// RankedResult is one search hit.
type RankedResult struct {
	Chunk    ingest.ChunkRef `json:"chunk"`
	Distance float64         `json:"distance"`
	Score    float64         `json:"score"`
}

// Config holds settings shared by all backends.
type Config struct {
	Backend   string
	Retention time.Duration
	Compress  bool
}

// DefaultRetention is used when Config.Retention is zero.
const DefaultRetention = 72 * time.Hour

// ConfigFrom maps the application config onto Config.
func ConfigFrom(cfg config.IndexConfig) Config {
	return Config{
		Backend:   cfg.Backend,
		Retention: cfg.Retention.Duration(),
		Compress:  cfg.Compress,
	}
}

// New builds the index backend named by cfg.Backend.
//
//   - "chromem" (default): embedded, needs only blobs.
//   - "qdrant": requires a reachable Qdrant server described by qcfg.
func New(ctx context.Context, cfg Config, qcfg config.QdrantConfig, blobs blobstore.Store, logger *zap.Logger) (Index, error) {
	switch cfg.Backend {
	case "", "chromem":
		return NewChromem(cfg, blobs, logger)
	case "qdrant":
		return NewQdrant(ctx, cfg, QdrantConfigFrom(qcfg), blobs, logger)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, cfg.Backend)
	}
}

func artifactKey(t ingest.TenantID) string { return string(t) + ".index" }
func sidecarKey(t ingest.TenantID) string  { return string(t) + ".json" }

// scoreFromSimilarity converts a cosine similarity into (distance, score).
func scoreFromSimilarity(sim float32) (float64, float64) {
	distance := 1 - float64(sim)
	if distance < 0 {
		distance = 0
	}
	return distance, 1 / (1 + distance)
}
