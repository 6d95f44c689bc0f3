package vectorstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/ingestd/internal/blobstore"
	"github.com/fyrsmithlabs/ingestd/internal/config"
	"github.com/fyrsmithlabs/ingestd/internal/ingest"
	"github.com/fyrsmithlabs/ingestd/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var configQdrantZero = config.QdrantConfig{}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"unavailable", status.Error(codes.Unavailable, "down"), true},
		{"deadline", status.Error(codes.DeadlineExceeded, "slow"), true},
		{"exhausted", status.Error(codes.ResourceExhausted, "busy"), true},
		{"not found", status.Error(codes.NotFound, "gone"), false},
		{"invalid argument", status.Error(codes.InvalidArgument, "bad"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransientError(tt.err))
		})
	}
}

func TestCollectionName(t *testing.T) {
	assert.Equal(t, "ingest_trial-42", CollectionName("trial-42"))
}

func TestQdrantConfigFrom(t *testing.T) {
	q := QdrantConfigFrom(config.QdrantConfig{Host: "q", Port: 1, UseTLS: true, APIKey: "k"})
	assert.Equal(t, QdrantConfig{Host: "q", Port: 1, UseTLS: true, APIKey: "k"}, q)

	q.applyDefaults()
	assert.Equal(t, uint(3), q.MaxRetries)
	assert.Equal(t, time.Second, q.RetryBackoff)
}

func TestQdrant_Integration(t *testing.T) {
	ctx := context.Background()
	srv := testutil.StartQdrant(ctx, t)

	fs, err := blobstore.NewFS(t.TempDir())
	require.NoError(t, err)
	idx, err := NewQdrant(ctx, Config{Retention: time.Hour}, QdrantConfig{Host: srv.Host, Port: srv.Port}, fs, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	assert.ErrorIs(t, idx.Add(ctx, "acme", []ingest.IndexEntry{entry("x", 1, 0, 0)}), ErrNotFound)

	seeded(t, idx, "acme")
	results, err := idx.Search(ctx, "acme", []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.Equal(t, entry("x").Chunk.ID, results[0].Chunk.ID)
	assert.Equal(t, "text of x", results[0].Chunk.Text)
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i].Score, results[i-1].Score)
	}

	_, err = idx.Search(ctx, "acme", []float32{1, 0}, 1)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	meta, err := idx.Save(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 4, meta.EntryCount)

	fresh, err := NewQdrant(ctx, Config{Retention: time.Hour}, QdrantConfig{Host: srv.Host, Port: srv.Port}, fs, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fresh.Close() })
	require.NoError(t, fresh.Load(ctx, "acme"))

	n, err := fresh.PurgeExpired(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, fresh.Load(ctx, "acme"), ErrNotFound)
}
