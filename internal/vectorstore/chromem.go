package vectorstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fyrsmithlabs/ingestd/internal/blobstore"
	"github.com/fyrsmithlabs/ingestd/internal/ingest"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	backendChromem    = "chromem"
	chromemCollection = "chunks"
)

var chromemTracer = otel.Tracer("ingestd.vectorstore.chromem")

// errTextQuery is returned by the embedding func chromem holds. Entries
// always carry vectors, so chromem never needs to embed text itself.
var errTextQuery = errors.New("text queries are not supported")

func noEmbed(context.Context, string) ([]float32, error) { return nil, errTextQuery }

type chromemTenant struct {
	*tenantState
	db  *chromem.DB
	col *chromem.Collection
}

// ChromemIndex keeps one in-memory chromem-go DB per tenant and persists it
// as an exported blob.
type ChromemIndex struct {
	cfg    Config
	blobs  blobstore.Store
	logger *zap.Logger
	locks  *tenantLocks
	now    func() time.Time

	mu      sync.RWMutex
	tenants map[ingest.TenantID]*chromemTenant
}

var _ Index = (*ChromemIndex)(nil)

// NewChromem creates a chromem-backed index persisting into blobs.
func NewChromem(cfg Config, blobs blobstore.Store, logger *zap.Logger) (*ChromemIndex, error) {
	if blobs == nil {
		return nil, fmt.Errorf("%w: blob store is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	cfg.Backend = backendChromem

	return &ChromemIndex{
		cfg:     cfg,
		blobs:   blobs,
		logger:  logger.Named("vectorstore").With(zap.String("backend", backendChromem)),
		locks:   newTenantLocks(),
		now:     time.Now,
		tenants: make(map[ingest.TenantID]*chromemTenant),
	}, nil
}

func newChromemTenant(state *tenantState) (*chromemTenant, error) {
	db := chromem.NewDB()
	col, err := db.CreateCollection(chromemCollection, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("creating collection: %w", err)
	}
	return &chromemTenant{tenantState: state, db: db, col: col}, nil
}

func (x *ChromemIndex) tenant(t ingest.TenantID) (*chromemTenant, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ct, ok := x.tenants[t]
	return ct, ok
}

func (x *ChromemIndex) setTenant(t ingest.TenantID, ct *chromemTenant) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if ct == nil {
		delete(x.tenants, t)
	} else {
		x.tenants[t] = ct
	}
	tenantsLoaded.WithLabelValues(backendChromem).Set(float64(len(x.tenants)))
}

// Create resets tenant to an empty index with a fresh retention window.
func (x *ChromemIndex) Create(ctx context.Context, t ingest.TenantID) (err error) {
	_, span := chromemTracer.Start(ctx, "ChromemIndex.Create")
	defer span.End()
	defer observe(backendChromem, "create", time.Now(), &err)
	span.SetAttributes(attribute.String("tenant", t.String()))

	if err := t.Validate(); err != nil {
		return err
	}
	defer x.locks.lock(t)()

	ct, err := newChromemTenant(newTenantState(x.now(), x.cfg.Retention))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	x.setTenant(t, ct)

	span.SetStatus(codes.Ok, "success")
	x.logger.Info("created index",
		zap.String("tenant", t.String()),
		zap.Time("expires_at", ct.expiresAt),
	)
	return nil
}

// Add inserts entries into a created or loaded tenant index.
func (x *ChromemIndex) Add(ctx context.Context, t ingest.TenantID, entries []ingest.IndexEntry) (err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Add")
	defer span.End()
	defer observe(backendChromem, "add", time.Now(), &err)
	span.SetAttributes(
		attribute.String("tenant", t.String()),
		attribute.Int("entry_count", len(entries)),
	)

	if err := t.Validate(); err != nil {
		return err
	}
	defer x.locks.lock(t)()

	ct, ok := x.tenant(t)
	if !ok {
		return fmt.Errorf("%w: tenant %s was not created", ErrNotFound, t)
	}
	if len(entries) == 0 {
		return nil
	}
	if err := ct.checkEntries(entries); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	docs := make([]chromem.Document, len(entries))
	for i, e := range entries {
		docs[i] = chromem.Document{
			ID:        e.Chunk.ID,
			Content:   e.Chunk.Text,
			Embedding: append([]float32(nil), e.Embedding.Vector...),
			Metadata: map[string]string{
				"source_ref":  e.Chunk.SourceRef,
				"chunk_index": strconv.Itoa(e.Chunk.ChunkIndex),
				"offset":      strconv.Itoa(e.Chunk.Offset),
			},
		}
	}
	// Vectors are precomputed, so no embedding concurrency is needed.
	if err := ct.col.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents: %w", err)
	}
	ct.record(entries)

	span.SetStatus(codes.Ok, "success")
	x.logger.Debug("added entries",
		zap.String("tenant", t.String()),
		zap.Int("count", len(entries)),
		zap.Int("total", len(ct.chunks)),
	)
	return nil
}

// Save exports the tenant's DB and then writes the sidecar.
func (x *ChromemIndex) Save(ctx context.Context, t ingest.TenantID) (meta ingest.IndexMetadata, err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Save")
	defer span.End()
	defer observe(backendChromem, "save", time.Now(), &err)
	span.SetAttributes(attribute.String("tenant", t.String()))

	if err := t.Validate(); err != nil {
		return meta, err
	}
	defer x.locks.lock(t)()

	ct, ok := x.tenant(t)
	if !ok {
		return meta, fmt.Errorf("%w: tenant %s", ErrNotFound, t)
	}

	var buf bytes.Buffer
	if err := ct.db.ExportToWriter(&buf, x.cfg.Compress, "", chromemCollection); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return meta, fmt.Errorf("exporting index: %w", err)
	}
	if err := x.blobs.Put(ctx, artifactKey(t), buf.Bytes()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return meta, fmt.Errorf("writing artifact: %w", err)
	}

	meta = ct.metadata(t)
	if err := writeSidecar(ctx, x.blobs, meta); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return meta, err
	}

	span.SetAttributes(attribute.Int("artifact_bytes", buf.Len()))
	span.SetStatus(codes.Ok, "success")
	x.logger.Info("saved index",
		zap.String("tenant", t.String()),
		zap.Int("entries", meta.EntryCount),
		zap.Int("artifact_bytes", buf.Len()),
	)
	return meta, nil
}

// Load imports a saved index, replacing any in-memory state for tenant.
func (x *ChromemIndex) Load(ctx context.Context, t ingest.TenantID) (err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Load")
	defer span.End()
	defer observe(backendChromem, "load", time.Now(), &err)
	span.SetAttributes(attribute.String("tenant", t.String()))

	if err := t.Validate(); err != nil {
		return err
	}
	defer x.locks.lock(t)()

	if err := x.loadLocked(ctx, t); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

func (x *ChromemIndex) loadLocked(ctx context.Context, t ingest.TenantID) error {
	meta, err := readSidecar(ctx, x.blobs, t)
	if err != nil {
		return err
	}
	data, err := x.blobs.Get(ctx, artifactKey(t))
	if errors.Is(err, blobstore.ErrNotFound) {
		return fmt.Errorf("%w: tenant %s has no artifact", ErrNotFound, t)
	}
	if err != nil {
		return fmt.Errorf("reading artifact: %w", err)
	}

	db := chromem.NewDB()
	if err := db.ImportFromReader(bytes.NewReader(data), ""); err != nil {
		return fmt.Errorf("%w: artifact for %s: %v", ErrCorrupt, t, err)
	}
	col := db.GetCollection(chromemCollection, noEmbed)
	if col == nil {
		return fmt.Errorf("%w: artifact for %s has no %q collection", ErrCorrupt, t, chromemCollection)
	}
	if col.Count() != meta.EntryCount {
		return fmt.Errorf("%w: artifact for %s holds %d entries, sidecar says %d",
			ErrCorrupt, t, col.Count(), meta.EntryCount)
	}

	x.setTenant(t, &chromemTenant{tenantState: stateFromMetadata(meta), db: db, col: col})
	x.logger.Info("loaded index",
		zap.String("tenant", t.String()),
		zap.Int("entries", meta.EntryCount),
	)
	return nil
}

// Search ranks the tenant's entries by cosine similarity to query. A tenant
// not held in memory is loaded from the blob store first.
func (x *ChromemIndex) Search(ctx context.Context, t ingest.TenantID, query []float32, k int) (results []RankedResult, err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Search")
	defer span.End()
	defer observe(backendChromem, "search", time.Now(), &err)
	span.SetAttributes(
		attribute.String("tenant", t.String()),
		attribute.Int("k", k),
	)

	if err := t.Validate(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidArgument, k)
	}
	defer x.locks.lock(t)()

	ct, ok := x.tenant(t)
	if !ok {
		if err := x.loadLocked(ctx, t); err != nil {
			return nil, err
		}
		ct, _ = x.tenant(t)
	}
	if err := ct.checkQuery(query); err != nil {
		return nil, err
	}

	count := ct.col.Count()
	if count == 0 {
		return []RankedResult{}, nil
	}
	// chromem requires nResults <= document count.
	if k > count {
		k = count
	}

	hits, err := ct.col.QueryEmbedding(ctx, append([]float32(nil), query...), k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying index: %w", err)
	}

	results = make([]RankedResult, len(hits))
	for i, h := range hits {
		distance, score := scoreFromSimilarity(h.Similarity)
		chunkIndex, _ := strconv.Atoi(h.Metadata["chunk_index"])
		offset, _ := strconv.Atoi(h.Metadata["offset"])
		results[i] = RankedResult{
			Chunk: ingest.ChunkRef{
				ID:         h.ID,
				SourceRef:  h.Metadata["source_ref"],
				ChunkIndex: chunkIndex,
				Offset:     offset,
				Text:       h.Content,
			},
			Distance: distance,
			Score:    score,
		}
	}

	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// PurgeExpired deletes every persisted index past its expiry.
func (x *ChromemIndex) PurgeExpired(ctx context.Context, now time.Time) (n int, err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.PurgeExpired")
	defer span.End()
	defer observe(backendChromem, "purge", time.Now(), &err)

	p := purger{
		backend: backendChromem,
		blobs:   x.blobs,
		locks:   x.locks,
		logger:  x.logger,
		live: func(t ingest.TenantID) (time.Time, bool) {
			if ct, ok := x.tenant(t); ok {
				return ct.expiresAt, true
			}
			return time.Time{}, false
		},
		drop: func(_ context.Context, t ingest.TenantID) error {
			x.setTenant(t, nil)
			return nil
		},
	}
	n, err = p.purgeExpired(ctx, now)
	span.SetAttributes(attribute.Int("purged", n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return n, err
}

// Metadata reports the in-memory view when the tenant is loaded and the
// persisted sidecar otherwise.
func (x *ChromemIndex) Metadata(ctx context.Context, t ingest.TenantID) (ingest.IndexMetadata, error) {
	if err := t.Validate(); err != nil {
		return ingest.IndexMetadata{}, err
	}
	defer x.locks.lock(t)()

	if ct, ok := x.tenant(t); ok {
		return ct.metadata(t), nil
	}
	return readSidecar(ctx, x.blobs, t)
}

func (x *ChromemIndex) Location(t ingest.TenantID) string {
	return x.blobs.URI(artifactKey(t))
}

// Close drops all in-memory tenants. Persisted indexes are untouched.
func (x *ChromemIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.tenants = make(map[ingest.TenantID]*chromemTenant)
	tenantsLoaded.WithLabelValues(backendChromem).Set(0)
	return nil
}
