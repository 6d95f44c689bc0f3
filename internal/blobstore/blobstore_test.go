package blobstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fyrsmithlabs/ingestd/internal/blobstore"
	"github.com/fyrsmithlabs/ingestd/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s blobstore.Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "t1.json")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	require.NoError(t, s.Put(ctx, "t1.json", []byte(`{"a":1}`)))
	require.NoError(t, s.Put(ctx, "t1.index", []byte("vectors")))
	require.NoError(t, s.Put(ctx, "t2.json", []byte(`{"b":2}`)))
	require.NoError(t, s.Put(ctx, "t1.json", []byte(`{"a":2}`)))

	data, err := s.Get(ctx, "t1.json")
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(data))

	keys, err := s.List(ctx, ".json")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t1.json", "t2.json"}, keys)

	require.NoError(t, s.Delete(ctx, "t1.json"))
	require.NoError(t, s.Delete(ctx, "t1.json"), "delete is idempotent")
	_, err = s.Get(ctx, "t1.json")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	assert.ErrorIs(t, s.Put(ctx, "../escape", nil), blobstore.ErrInvalidKey)
	_, err = s.Get(ctx, "")
	assert.ErrorIs(t, err, blobstore.ErrInvalidKey)
}

func TestFS(t *testing.T) {
	dir := t.TempDir()
	s, err := blobstore.NewFS(filepath.Join(dir, "nested", "indexes"))
	require.NoError(t, err)
	exerciseStore(t, s)
	assert.Equal(t, filepath.Join(s.Dir(), "t1.index"), s.URI("t1.index"))
}

func TestFS_PutLeavesNoTempFiles(t *testing.T) {
	s, err := blobstore.NewFS(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), "x.json", []byte("{}")))

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "x.json", entries[0].Name())
}

func TestS3(t *testing.T) {
	ctx := context.Background()
	srv := testutil.StartS3(ctx, t)

	s, err := blobstore.NewS3(ctx, blobstore.S3Config{
		Endpoint:        srv.Endpoint,
		Region:          "us-east-1",
		AccessKeyID:     srv.AccessKey,
		SecretAccessKey: srv.SecretKey,
		Bucket:          "ingestd-test",
		Prefix:          "indexes",
		UsePathStyle:    true,
	})
	require.NoError(t, err)
	require.NoError(t, s.EnsureBucket(ctx))
	exerciseStore(t, s)
	assert.Equal(t, "s3://ingestd-test/indexes/t1.index", s.URI("t1.index"))
}
