package docstore

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/ingestd/internal/config"
	"github.com/fyrsmithlabs/ingestd/internal/ingest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowsFromEntries(t *testing.T) {
	entries := []ingest.IndexEntry{{
		Chunk: ingest.Chunk{
			ID: "c1", Text: "hello", SourceRef: "https://example.com", ChunkIndex: 2, Offset: 40, TokenCount: 7,
			Metadata: map[string]string{"tokenizer": "whitespace"},
		},
		Embedding: ingest.Embedding{ChunkID: "c1", Vector: []float32{1, 2}, ModelID: "tei/bge"},
	}}

	rows := RowsFromEntries("acme", entries)
	require.Len(t, rows, 1)
	r := rows[0]
	assert.Equal(t, "c1", r.ID)
	assert.Equal(t, ingest.TenantID("acme"), r.TenantID)
	assert.Equal(t, "hello", r.Content)
	assert.Equal(t, []float32{1, 2}, r.Embedding)
	assert.Equal(t, "https://example.com", r.Metadata["source_ref"])
	assert.Equal(t, 2, r.Metadata["chunk_index"])
	assert.Equal(t, "whitespace", r.Metadata["tokenizer"])
	assert.Equal(t, "tei/bge", r.Metadata["model_id"])
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, config.DocstoreConfig{Backend: "none"}, nil)
	require.NoError(t, err)
	assert.False(t, Enabled(s))
	assert.False(t, Enabled(nil))

	s, err = New(ctx, config.DocstoreConfig{Backend: "rest", URL: "http://localhost:1", MaxRetries: 1}, nil)
	require.NoError(t, err)
	assert.True(t, Enabled(s))
	assert.IsType(t, &REST{}, s)

	_, err = New(ctx, config.DocstoreConfig{Backend: "mongo"}, nil)
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	ctx := context.Background()
	var s Store = Nop{}
	assert.NoError(t, s.Upsert(ctx, []Row{{ID: "x"}}))
	rows, err := s.FetchMissing(ctx, "t", "", 10)
	assert.NoError(t, err)
	assert.Empty(t, rows)
	assert.NoError(t, s.Close())
}
