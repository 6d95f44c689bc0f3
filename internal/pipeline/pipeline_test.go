package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/ingestd/internal/blobstore"
	"github.com/fyrsmithlabs/ingestd/internal/chunking"
	"github.com/fyrsmithlabs/ingestd/internal/docstore"
	"github.com/fyrsmithlabs/ingestd/internal/ingest"
	"github.com/fyrsmithlabs/ingestd/internal/logging"
	"github.com/fyrsmithlabs/ingestd/internal/telemetry"
	"github.com/fyrsmithlabs/ingestd/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

type fakeAcquirer struct {
	pages []ingest.Page
	err   error
	panic bool
}

func (f *fakeAcquirer) Acquire(context.Context, ingest.SourceDescriptor) ([]ingest.Page, error) {
	if f.panic {
		panic("crawler exploded")
	}
	return f.pages, f.err
}

// fakeEmbedder returns a small deterministic vector per text. When
// shrinkAfter is positive, vectors from that index on lose a dimension.
type fakeEmbedder struct {
	err         error
	shrinkAfter int
	calls       int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := []float32{float32(len(t)%7) + 1, float32(i%5) + 1, float32(strings.Count(t, "a")) + 1, 1}
		if f.shrinkAfter > 0 && i >= f.shrinkAfter {
			v = v[:3]
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) ModelID() string { return "fake/v1" }

type recordingStore struct {
	docstore.Nop
	mu      sync.Mutex
	batches [][]docstore.Row
	err     error
}

func (s *recordingStore) Upsert(_ context.Context, rows []docstore.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, rows)
	return nil
}

type progressRecord struct {
	percent int
	stage   Stage
}

type recordingSink struct {
	mu      sync.Mutex
	updates []progressRecord
}

func (s *recordingSink) Progress(_ context.Context, _ ingest.TenantID, percent int, stage Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, progressRecord{percent, stage})
}

func (s *recordingSink) percents() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.updates))
	for i, u := range s.updates {
		out[i] = u.percent
	}
	return out
}

type reported struct {
	err  error
	tags map[string]string
}

type harness struct {
	deps     Deps
	acquirer *fakeAcquirer
	embedder *fakeEmbedder
	store    *recordingStore
	sink     *recordingSink
	index    *vectorstore.ChromemIndex
	logs     *logging.TestLogger
	reports  *[]reported
}

func words(n int, word string) string {
	w := make([]string, n)
	for i := range w {
		w[i] = fmt.Sprintf("%s%d", word, i)
	}
	return strings.Join(w, " ")
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	blobs, err := blobstore.NewFS(t.TempDir())
	require.NoError(t, err)
	idx, err := vectorstore.NewChromem(vectorstore.Config{Retention: time.Hour}, blobs, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	ch, err := chunking.New(chunking.Config{ChunkSize: 10, Overlap: 2, MinChunkTokens: 1, MaxTokens: 1000}, chunking.Whitespace{}, nil)
	require.NoError(t, err)

	h := &harness{
		acquirer: &fakeAcquirer{pages: []ingest.Page{
			{URL: "https://example.com/", Title: "Home", Text: words(25, "alpha")},
			{URL: "https://example.com/about", Title: "About", Text: words(25, "beta")},
		}},
		embedder: &fakeEmbedder{},
		store:    &recordingStore{},
		sink:     &recordingSink{},
		index:    idx,
		logs:     logging.NewTestLogger(),
		reports:  &[]reported{},
	}
	reports := h.reports
	h.deps = Deps{
		Acquirer:         h.acquirer,
		Chunker:          ch,
		Embedder:         h.embedder,
		Index:            idx,
		Store:            h.store,
		PublishBatchSize: 4,
		Sink:             h.sink,
		Report: func(_ context.Context, err error, tags map[string]string) {
			*reports = append(*reports, reported{err, tags})
		},
		Logger: h.logs.Underlying(),
	}
	return h
}

func (h *harness) run(t *testing.T) ingest.RunResult {
	t.Helper()
	p, err := New(h.deps)
	require.NoError(t, err)
	return p.Run(context.Background(), "acme", ingest.SourceDescriptor{Type: ingest.SourceURL, URL: "https://example.com/"})
}

func TestRun_Completed(t *testing.T) {
	h := newHarness(t)
	res := h.run(t)

	require.Equal(t, ingest.StatusCompleted, res.Status, res.Error)
	assert.Equal(t, ingest.TenantID("acme"), res.TenantID)
	assert.Equal(t, 2, res.PagesProcessed)
	assert.Equal(t, 6, res.ChunksCreated)
	assert.Equal(t, 6, res.EmbeddingsGenerated)
	assert.True(t, strings.HasSuffix(res.IndexPath, "acme.index"), res.IndexPath)
	require.NotNil(t, res.Published)
	assert.True(t, *res.Published)
	assert.Empty(t, res.Error)

	assert.Equal(t, []int{5, 12, 40, 70, 90, 100}, h.sink.percents())
	assert.Empty(t, *h.reports)

	// Published in batches of four, carrying content and vectors.
	require.Len(t, h.store.batches, 2)
	assert.Len(t, h.store.batches[0], 4)
	assert.Len(t, h.store.batches[1], 2)
	row := h.store.batches[0][0]
	assert.Equal(t, ingest.TenantID("acme"), row.TenantID)
	assert.NotEmpty(t, row.Content)
	assert.Len(t, row.Embedding, 4)
	assert.Equal(t, "Home", row.Metadata["title"])
	assert.Equal(t, "fake/v1", row.Metadata["model_id"])

	// The saved index is searchable.
	md, err := h.index.Metadata(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 6, md.EntryCount)
	assert.Equal(t, "fake/v1", md.ModelID)
	hits, err := h.index.Search(context.Background(), "acme", []float32{1, 1, 1, 1}, 3)
	require.NoError(t, err)
	assert.Len(t, hits, 3)
}

func TestRun_ProgressAcquireCap(t *testing.T) {
	h := newHarness(t)
	pages := make([]ingest.Page, 40)
	for i := range pages {
		pages[i] = ingest.Page{URL: fmt.Sprintf("https://example.com/%d", i), Text: words(3, "w")}
	}
	h.acquirer.pages = pages

	res := h.run(t)
	require.Equal(t, ingest.StatusCompleted, res.Status, res.Error)
	assert.Equal(t, []int{5, 30, 40, 70, 90, 100}, h.sink.percents())
}

func TestRun_WithoutStoreLeavesPublishedUnset(t *testing.T) {
	h := newHarness(t)
	h.deps.Store = nil

	res := h.run(t)
	require.Equal(t, ingest.StatusCompleted, res.Status)
	assert.Nil(t, res.Published)
}

func TestRun_PublishFailureStillCompletes(t *testing.T) {
	h := newHarness(t)
	h.store.err = errors.New("503 service unavailable")

	res := h.run(t)
	require.Equal(t, ingest.StatusCompleted, res.Status)
	require.NotNil(t, res.Published)
	assert.False(t, *res.Published)
	assert.Equal(t, 100, h.sink.percents()[len(h.sink.percents())-1])
	h.logs.AssertLogged(t, zapcore.WarnLevel, "publishing to durable store failed")
	assert.Empty(t, *h.reports)
}

func TestRun_Failures(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*harness)
		stage      Stage
		wantErr    string
		wantPages  int
		wantChunks int
		wantProg   []int
	}{
		{
			name:     "acquire error without pages",
			mutate:   func(h *harness) { h.acquirer.pages = nil; h.acquirer.err = errors.New("dial tcp: refused") },
			stage:    StageAcquire,
			wantErr:  "acquisition failed: dial tcp: refused",
			wantProg: []int{5},
		},
		{
			name:     "no pages",
			mutate:   func(h *harness) { h.acquirer.pages = nil },
			stage:    StageAcquire,
			wantErr:  "no content acquired",
			wantProg: []int{5},
		},
		{
			name: "no chunks",
			mutate: func(h *harness) {
				h.acquirer.pages = []ingest.Page{{URL: "https://example.com/", Text: "   "}}
			},
			stage:     StageChunk,
			wantErr:   "no content extracted",
			wantPages: 1,
			wantProg:  []int{5, 11},
		},
		{
			name:       "embed failure",
			mutate:     func(h *harness) { h.embedder.err = errors.New("all backends down") },
			stage:      StageEmbed,
			wantErr:    "embedding failed: all backends down",
			wantPages:  2,
			wantChunks: 6,
			wantProg:   []int{5, 12, 40},
		},
		{
			name:       "index dimension mismatch",
			mutate:     func(h *harness) { h.embedder.shrinkAfter = 3 },
			stage:      StageIndex,
			wantErr:    "adding to index",
			wantPages:  2,
			wantChunks: 6,
			wantProg:   []int{5, 12, 40, 70},
		},
		{
			name:     "panic",
			mutate:   func(h *harness) { h.acquirer.panic = true },
			stage:    StageDone,
			wantErr:  "panic: crawler exploded",
			wantProg: []int{5},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.mutate(h)

			res := h.run(t)
			assert.True(t, res.Failed())
			assert.Contains(t, res.Error, tt.wantErr)
			assert.Equal(t, tt.wantPages, res.PagesProcessed)
			assert.Equal(t, tt.wantChunks, res.ChunksCreated)
			assert.Empty(t, res.IndexPath)
			assert.Nil(t, res.Published)
			assert.Equal(t, tt.wantProg, h.sink.percents())
			assert.Empty(t, h.store.batches)

			require.Len(t, *h.reports, 1)
			assert.Equal(t, string(tt.stage), (*h.reports)[0].tags["stage"])
			assert.Equal(t, "acme", (*h.reports)[0].tags["tenant_id"])
			h.logs.AssertLogged(t, zapcore.ErrorLevel, "ingestion failed")
		})
	}
}

func TestRun_PartialAcquireContinues(t *testing.T) {
	h := newHarness(t)
	h.acquirer.err = context.DeadlineExceeded

	res := h.run(t)
	require.Equal(t, ingest.StatusCompleted, res.Status, res.Error)
	h.logs.AssertLogged(t, zapcore.WarnLevel, "acquisition ended early")
}

func TestRun_InvalidTenant(t *testing.T) {
	h := newHarness(t)
	p, err := New(h.deps)
	require.NoError(t, err)

	res := p.Run(context.Background(), "../etc", ingest.SourceDescriptor{Type: ingest.SourceURL, URL: "https://example.com/"})
	assert.True(t, res.Failed())
	assert.Contains(t, res.Error, "invalid tenant id")
	assert.Empty(t, h.sink.percents())
	assert.Zero(t, h.embedder.calls)
}

func TestRun_ExtraSinksAndRunID(t *testing.T) {
	h := newHarness(t)
	p, err := New(h.deps)
	require.NoError(t, err)

	var mu sync.Mutex
	var runIDs []string
	extra := SinkFunc(func(ctx context.Context, _ ingest.TenantID, _ int, _ Stage) {
		mu.Lock()
		runIDs = append(runIDs, logging.RunIDFromContext(ctx))
		mu.Unlock()
	})
	ctx := logging.WithRunID(context.Background(), "run-42")
	res := p.Run(ctx, "acme", ingest.SourceDescriptor{Type: ingest.SourceURL, URL: "https://example.com/"}, extra)

	require.Equal(t, ingest.StatusCompleted, res.Status)
	assert.Len(t, runIDs, 6)
	for _, id := range runIDs {
		assert.Equal(t, "run-42", id)
	}
	h.logs.AssertField(t, "ingestion completed", "run_id", "run-42")
}

func TestRun_Spans(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	defer tt.Install()()

	h := newHarness(t)
	res := h.run(t)
	require.Equal(t, ingest.StatusCompleted, res.Status)

	tt.AssertSpanExists(t, "pipeline.Run")
	tt.AssertSpanExists(t, "pipeline.embed")
	tt.AssertSpanAttribute(t, "pipeline.Run", "tenant.id", "acme")
	tt.AssertSpanAttribute(t, "pipeline.Run", "run.status", "completed")
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}
