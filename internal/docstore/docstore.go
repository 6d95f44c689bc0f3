// Package docstore talks to the external durable store that mirrors every
// indexed chunk and its embedding.
//
// The pipeline publishes rows after indexing, and the backfill runner pages
// through rows whose embedding is still missing. Three backends exist:
// REST (PostgREST/Supabase), Postgres (pgx + pgvector) and Nop.
package docstore

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/ingestd/internal/config"
	"github.com/fyrsmithlabs/ingestd/internal/ingest"
	"go.uber.org/zap"
)

// Row is one chunk as stored durably. Embedding is empty for rows awaiting backfill.
type Row struct {
	ID        string          `json:"id"`
	TenantID  ingest.TenantID `json:"tenant_id"`
	Content   string          `json:"content,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Embedding []float32       `json:"embedding,omitempty"`
}

// Match is one result of a similarity query against the store.
type Match struct {
	ID         string          `json:"id"`
	TenantID   ingest.TenantID `json:"tenant_id,omitempty"`
	Content    string          `json:"content"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	Similarity float64         `json:"similarity"`
}

// Store is the durable store contract.
type Store interface {
	// Upsert inserts rows or merges them into existing rows by ID.
	Upsert(ctx context.Context, rows []Row) error

	// FetchMissing returns up to limit rows with no embedding and an ID
	// greater than afterID, in ascending ID order. An empty tenant matches
	// every tenant.
	FetchMissing(ctx context.Context, tenant ingest.TenantID, afterID string, limit int) ([]Row, error)

	// UpdateEmbeddings sets the embedding of each row by ID.
	UpdateEmbeddings(ctx context.Context, rows []Row) error

	// Match returns the count rows most similar to vec within tenant.
	Match(ctx context.Context, tenant ingest.TenantID, vec []float32, count int) ([]Match, error)

	Close() error
}

// Nop discards writes and returns no rows. It stands in when no store is configured.
type Nop struct{}

var _ Store = Nop{}

func (Nop) Upsert(context.Context, []Row) error { return nil }
func (Nop) FetchMissing(context.Context, ingest.TenantID, string, int) ([]Row, error) {
	return nil, nil
}
func (Nop) UpdateEmbeddings(context.Context, []Row) error { return nil }
func (Nop) Match(context.Context, ingest.TenantID, []float32, int) ([]Match, error) {
	return nil, nil
}
func (Nop) Close() error { return nil }

// Enabled reports whether s persists anything.
func Enabled(s Store) bool {
	if s == nil {
		return false
	}
	_, nop := s.(Nop)
	return !nop
}

// RowsFromEntries converts indexed entries into rows for publishing.
func RowsFromEntries(tenant ingest.TenantID, entries []ingest.IndexEntry) []Row {
	rows := make([]Row, len(entries))
	for i, e := range entries {
		md := map[string]any{
			"source_ref":  e.Chunk.SourceRef,
			"chunk_index": e.Chunk.ChunkIndex,
			"offset":      e.Chunk.Offset,
			"token_count": e.Chunk.TokenCount,
			"model_id":    e.Embedding.ModelID,
		}
		for k, v := range e.Chunk.Metadata {
			md[k] = v
		}
		rows[i] = Row{
			ID:        e.Chunk.ID,
			TenantID:  tenant,
			Content:   e.Chunk.Text,
			Metadata:  md,
			Embedding: e.Embedding.Vector,
		}
	}
	return rows
}

// New builds the store selected by cfg.Backend.
func New(ctx context.Context, cfg config.DocstoreConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "none":
		return Nop{}, nil
	case "rest":
		return NewREST(RESTConfig{
			BaseURL:       cfg.URL,
			APIKey:        cfg.APIKey.Value(),
			Table:         cfg.Table,
			MatchFunction: cfg.MatchFunction,
			MaxRetries:    uint(cfg.MaxRetries),
		}, logger)
	case "postgres":
		return NewPostgres(ctx, cfg.DSN.Value(), logger)
	default:
		return nil, fmt.Errorf("unknown docstore backend %q", cfg.Backend)
	}
}
