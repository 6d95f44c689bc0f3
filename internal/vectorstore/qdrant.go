package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fyrsmithlabs/ingestd/internal/blobstore"
	"github.com/fyrsmithlabs/ingestd/internal/config"
	"github.com/fyrsmithlabs/ingestd/internal/ingest"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	backendQdrant          = "qdrant"
	qdrantCollectionPrefix = "ingest_"
)

var qdrantTracer = otel.Tracer("ingestd.vectorstore.qdrant")

// QdrantConfig holds connection settings for the Qdrant gRPC API.
type QdrantConfig struct {
	Host   string
	Port   int
	UseTLS bool
	APIKey string

	// MaxMessageSize caps gRPC send and receive sizes. Default: 50MB.
	MaxMessageSize int

	// MaxRetries bounds attempts for transient failures. Default: 3.
	MaxRetries uint

	// RetryBackoff is the first retry delay, doubled per attempt. Default: 1s.
	RetryBackoff time.Duration
}

// QdrantConfigFrom maps the application config onto QdrantConfig.
func QdrantConfigFrom(cfg config.QdrantConfig) QdrantConfig {
	return QdrantConfig{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey.Value(),
	}
}

func (c *QdrantConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
}

// IsTransientError reports whether a Qdrant gRPC error is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

func isNotFound(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == grpccodes.NotFound
}

// collectionMarker is the artifact blob for a qdrant-backed tenant. The
// vectors themselves live in the collection it names.
type collectionMarker struct {
	Backend    string `json:"backend"`
	Collection string `json:"collection"`
}

type qdrantTenant struct {
	*tenantState
	// ready is set once the collection exists with the tenant's dimension.
	ready bool
}

// QdrantIndex stores each tenant in its own Qdrant collection.
type QdrantIndex struct {
	client *qdrant.Client
	cfg    Config
	qcfg   QdrantConfig
	blobs  blobstore.Store
	logger *zap.Logger
	locks  *tenantLocks
	now    func() time.Time

	mu      sync.RWMutex
	tenants map[ingest.TenantID]*qdrantTenant
}

var _ Index = (*QdrantIndex)(nil)

// NewQdrant connects to Qdrant and verifies it with a health check.
func NewQdrant(ctx context.Context, cfg Config, qcfg QdrantConfig, blobs blobstore.Store, logger *zap.Logger) (*QdrantIndex, error) {
	if blobs == nil {
		return nil, fmt.Errorf("%w: blob store is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	cfg.Backend = backendQdrant
	qcfg.applyDefaults()
	logger = logger.Named("vectorstore").With(zap.String("backend", backendQdrant))

	if !qcfg.UseTLS {
		logger.Warn("qdrant gRPC using plaintext, TLS disabled", zap.String("host", qcfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   qcfg.Host,
		Port:   qcfg.Port,
		APIKey: qcfg.APIKey,
		UseTLS: qcfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(qcfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(qcfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(hctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("qdrant health check: %w", err)
	}

	return &QdrantIndex{
		client:  client,
		cfg:     cfg,
		qcfg:    qcfg,
		blobs:   blobs,
		logger:  logger,
		locks:   newTenantLocks(),
		now:     time.Now,
		tenants: make(map[ingest.TenantID]*qdrantTenant),
	}, nil
}

// CollectionName returns the Qdrant collection backing tenant.
func CollectionName(t ingest.TenantID) string { return qdrantCollectionPrefix + string(t) }

// retry runs op until it succeeds, fails permanently, or exhausts MaxRetries.
func (x *QdrantIndex) retry(ctx context.Context, name string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = x.qcfg.RetryBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err != nil && !IsTransientError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(x.qcfg.MaxRetries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			x.logger.Warn("retrying qdrant operation",
				zap.String("operation", name),
				zap.Duration("next", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (x *QdrantIndex) tenant(t ingest.TenantID) (*qdrantTenant, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	qt, ok := x.tenants[t]
	return qt, ok
}

func (x *QdrantIndex) setTenant(t ingest.TenantID, qt *qdrantTenant) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if qt == nil {
		delete(x.tenants, t)
	} else {
		x.tenants[t] = qt
	}
	tenantsLoaded.WithLabelValues(backendQdrant).Set(float64(len(x.tenants)))
}

func (x *QdrantIndex) collectionExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := x.retry(ctx, "collection_exists", func() error {
		info, err := x.client.GetCollectionInfo(ctx, name)
		if err != nil {
			if isNotFound(err) {
				exists = false
				return nil
			}
			return err
		}
		exists = info != nil
		return nil
	})
	return exists, err
}

func (x *QdrantIndex) dropCollection(ctx context.Context, name string) error {
	exists, err := x.collectionExists(ctx, name)
	if err != nil || !exists {
		return err
	}
	return x.retry(ctx, "delete_collection", func() error {
		err := x.client.DeleteCollection(ctx, name)
		if isNotFound(err) {
			return nil
		}
		return err
	})
}

// Create drops any existing collection for tenant and starts a fresh
// retention window. The collection itself is created on first Add, once
// the dimension is known.
func (x *QdrantIndex) Create(ctx context.Context, t ingest.TenantID) (err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Create")
	defer span.End()
	defer observe(backendQdrant, "create", time.Now(), &err)
	span.SetAttributes(attribute.String("tenant", t.String()))

	if err := t.Validate(); err != nil {
		return err
	}
	defer x.locks.lock(t)()

	if err := x.dropCollection(ctx, CollectionName(t)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	qt := &qdrantTenant{tenantState: newTenantState(x.now(), x.cfg.Retention)}
	x.setTenant(t, qt)

	span.SetStatus(codes.Ok, "success")
	x.logger.Info("created index",
		zap.String("tenant", t.String()),
		zap.String("collection", CollectionName(t)),
		zap.Time("expires_at", qt.expiresAt),
	)
	return nil
}

func (x *QdrantIndex) Add(ctx context.Context, t ingest.TenantID, entries []ingest.IndexEntry) (err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Add")
	defer span.End()
	defer observe(backendQdrant, "add", time.Now(), &err)
	span.SetAttributes(
		attribute.String("tenant", t.String()),
		attribute.Int("entry_count", len(entries)),
	)

	if err := t.Validate(); err != nil {
		return err
	}
	defer x.locks.lock(t)()

	qt, ok := x.tenant(t)
	if !ok {
		return fmt.Errorf("%w: tenant %s was not created", ErrNotFound, t)
	}
	if len(entries) == 0 {
		return nil
	}
	if err := qt.checkEntries(entries); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	name := CollectionName(t)
	if !qt.ready {
		dim := len(entries[0].Embedding.Vector)
		err := x.retry(ctx, "create_collection", func() error {
			return x.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: name,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     uint64(dim),
					Distance: qdrant.Distance_Cosine,
				}),
			})
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("creating collection %s: %w", name, err)
		}
		qt.ready = true
	}

	points := make([]*qdrant.PointStruct, len(entries))
	for i, e := range entries {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(e.Chunk.ID),
			Vectors: qdrant.NewVectors(e.Embedding.Vector...),
			Payload: chunkPayload(e.Chunk),
		}
	}
	err = x.retry(ctx, "upsert", func() error {
		_, err := x.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: name,
			Points:         points,
			Wait:           qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting points to %s: %w", name, err)
	}
	qt.record(entries)

	span.SetStatus(codes.Ok, "success")
	return nil
}

func chunkPayload(c ingest.Chunk) map[string]*qdrant.Value {
	return map[string]*qdrant.Value{
		"chunk_id":    {Kind: &qdrant.Value_StringValue{StringValue: c.ID}},
		"text":        {Kind: &qdrant.Value_StringValue{StringValue: c.Text}},
		"source_ref":  {Kind: &qdrant.Value_StringValue{StringValue: c.SourceRef}},
		"chunk_index": {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(c.ChunkIndex)}},
		"offset":      {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(c.Offset)}},
	}
}

func chunkFromPayload(p map[string]*qdrant.Value) ingest.ChunkRef {
	return ingest.ChunkRef{
		ID:         p["chunk_id"].GetStringValue(),
		Text:       p["text"].GetStringValue(),
		SourceRef:  p["source_ref"].GetStringValue(),
		ChunkIndex: int(p["chunk_index"].GetIntegerValue()),
		Offset:     int(p["offset"].GetIntegerValue()),
	}
}

// Save writes the collection marker and the sidecar. Vectors are already
// durable in Qdrant.
func (x *QdrantIndex) Save(ctx context.Context, t ingest.TenantID) (meta ingest.IndexMetadata, err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Save")
	defer span.End()
	defer observe(backendQdrant, "save", time.Now(), &err)
	span.SetAttributes(attribute.String("tenant", t.String()))

	if err := t.Validate(); err != nil {
		return meta, err
	}
	defer x.locks.lock(t)()

	qt, ok := x.tenant(t)
	if !ok {
		return meta, fmt.Errorf("%w: tenant %s", ErrNotFound, t)
	}

	marker, err := json.Marshal(collectionMarker{Backend: backendQdrant, Collection: CollectionName(t)})
	if err != nil {
		return meta, fmt.Errorf("encoding marker: %w", err)
	}
	if err := x.blobs.Put(ctx, artifactKey(t), marker); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return meta, fmt.Errorf("writing artifact: %w", err)
	}
	meta = qt.metadata(t)
	if err := writeSidecar(ctx, x.blobs, meta); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return meta, err
	}

	span.SetStatus(codes.Ok, "success")
	x.logger.Info("saved index",
		zap.String("tenant", t.String()),
		zap.Int("entries", meta.EntryCount),
	)
	return meta, nil
}

func (x *QdrantIndex) Load(ctx context.Context, t ingest.TenantID) (err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Load")
	defer span.End()
	defer observe(backendQdrant, "load", time.Now(), &err)
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

func (x *QdrantIndex) loadLocked(ctx context.Context, t ingest.TenantID) error {
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
	var marker collectionMarker
	if err := json.Unmarshal(data, &marker); err != nil || marker.Collection != CollectionName(t) {
		return fmt.Errorf("%w: artifact for %s is not a qdrant marker", ErrCorrupt, t)
	}

	qt := &qdrantTenant{tenantState: stateFromMetadata(meta)}
	if meta.EntryCount > 0 {
		exists, err := x.collectionExists(ctx, marker.Collection)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: collection %s", ErrNotFound, marker.Collection)
		}
		qt.ready = true
	}
	x.setTenant(t, qt)
	return nil
}

// Search queries the tenant's collection. A tenant not held in memory is
// loaded first.
func (x *QdrantIndex) Search(ctx context.Context, t ingest.TenantID, query []float32, k int) (results []RankedResult, err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Search")
	defer span.End()
	defer observe(backendQdrant, "search", time.Now(), &err)
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

	qt, ok := x.tenant(t)
	if !ok {
		if err := x.loadLocked(ctx, t); err != nil {
			return nil, err
		}
		qt, _ = x.tenant(t)
	}
	if err := qt.checkQuery(query); err != nil {
		return nil, err
	}
	if !qt.ready {
		return []RankedResult{}, nil
	}

	var hits []*qdrant.ScoredPoint
	err = x.retry(ctx, "query", func() error {
		res, err := x.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: CollectionName(t),
			Query:          qdrant.NewQuery(query...),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		hits = res
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying %s: %w", CollectionName(t), err)
	}

	results = make([]RankedResult, len(hits))
	for i, h := range hits {
		distance, score := scoreFromSimilarity(h.GetScore())
		ref := chunkFromPayload(h.GetPayload())
		if ref.ID == "" {
			ref.ID = h.GetId().GetUuid()
		}
		results[i] = RankedResult{Chunk: ref, Distance: distance, Score: score}
	}

	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// PurgeExpired drops the collection and both blobs of every expired tenant.
func (x *QdrantIndex) PurgeExpired(ctx context.Context, now time.Time) (n int, err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.PurgeExpired")
	defer span.End()
	defer observe(backendQdrant, "purge", time.Now(), &err)

	p := purger{
		backend: backendQdrant,
		blobs:   x.blobs,
		locks:   x.locks,
		logger:  x.logger,
		live: func(t ingest.TenantID) (time.Time, bool) {
			if qt, ok := x.tenant(t); ok {
				return qt.expiresAt, true
			}
			return time.Time{}, false
		},
		drop: func(ctx context.Context, t ingest.TenantID) error {
			if err := x.dropCollection(ctx, CollectionName(t)); err != nil {
				return err
			}
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

func (x *QdrantIndex) Metadata(ctx context.Context, t ingest.TenantID) (ingest.IndexMetadata, error) {
	if err := t.Validate(); err != nil {
		return ingest.IndexMetadata{}, err
	}
	defer x.locks.lock(t)()

	if qt, ok := x.tenant(t); ok {
		return qt.metadata(t), nil
	}
	return readSidecar(ctx, x.blobs, t)
}

func (x *QdrantIndex) Location(t ingest.TenantID) string {
	return "qdrant://" + x.qcfg.Host + "/" + CollectionName(t)
}

// Close closes the gRPC connection.
func (x *QdrantIndex) Close() error {
	if x.client != nil {
		return x.client.Close()
	}
	return nil
}
