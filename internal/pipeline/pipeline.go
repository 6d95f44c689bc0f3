package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/ingestd/internal/acquire"
	"github.com/fyrsmithlabs/ingestd/internal/docstore"
	"github.com/fyrsmithlabs/ingestd/internal/ingest"
	"github.com/fyrsmithlabs/ingestd/internal/logging"
	"github.com/fyrsmithlabs/ingestd/internal/telemetry"
	"github.com/fyrsmithlabs/ingestd/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "ingestd.pipeline"

// DefaultPublishBatchSize is used when Deps.PublishBatchSize is not positive.
const DefaultPublishBatchSize = 100

var (
	errNoPages  = errors.New("no content acquired")
	errNoChunks = errors.New("no content extracted")
)

// Chunker splits a page's text into chunks.
type Chunker interface {
	Chunk(text, sourceRef string) ([]ingest.Chunk, error)
}

// Embedder turns chunk texts into vectors, one per text, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	ModelID() string
}

// ErrorReporter forwards a failed run to an error tracker.
type ErrorReporter func(ctx context.Context, err error, tags map[string]string)

// Deps are the collaborators of a Pipeline. Store and Sink are optional.
type Deps struct {
	Acquirer acquire.Acquirer
	Chunker  Chunker
	Embedder Embedder
	Index    vectorstore.Index

	// Store receives chunk and embedding rows after indexing. Nil or
	// docstore.Nop skips publishing.
	Store            docstore.Store
	PublishBatchSize int

	// Sink receives progress for every run.
	Sink ProgressSink

	// Report defaults to telemetry.CaptureError.
	Report ErrorReporter
	Logger *zap.Logger
}

// Pipeline runs ingestions. It is safe for concurrent use by runs for
// different tenants; callers serialize runs for the same tenant.
type Pipeline struct {
	deps Deps
}

// New validates deps and returns a Pipeline.
func New(deps Deps) (*Pipeline, error) {
	if deps.Acquirer == nil || deps.Chunker == nil || deps.Embedder == nil || deps.Index == nil {
		return nil, errors.New("pipeline: acquirer, chunker, embedder and index are required")
	}
	if deps.Store == nil {
		deps.Store = docstore.Nop{}
	}
	if deps.PublishBatchSize <= 0 {
		deps.PublishBatchSize = DefaultPublishBatchSize
	}
	if deps.Report == nil {
		deps.Report = telemetry.CaptureError
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Pipeline{deps: deps}, nil
}

// run carries the state of a single Run call.
type run struct {
	deps   Deps
	tenant ingest.TenantID
	sink   ProgressSink
	logger *zap.Logger
	res    *ingest.RunResult
}

// Run ingests src into tenant's index. It never returns an error or
// panics; every failure is reported in the result. Extra sinks receive
// this run's progress in addition to Deps.Sink.
func (p *Pipeline) Run(ctx context.Context, tenant ingest.TenantID, src ingest.SourceDescriptor, sinks ...ProgressSink) (res ingest.RunResult) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("tenant.id", string(tenant)),
		attribute.String("source.type", src.Type),
	))
	defer span.End()

	ctx = logging.WithTenantID(ctx, string(tenant))
	res = ingest.RunResult{TenantID: tenant}

	all := make(MultiSink, 0, len(sinks)+1)
	all = append(all, p.deps.Sink)
	all = append(all, sinks...)
	r := &run{
		deps:   p.deps,
		tenant: tenant,
		sink:   newMonotonic(all),
		logger: p.deps.Logger.With(zap.String("tenant", string(tenant)), zap.String("run_id", logging.RunIDFromContext(ctx))),
		res:    &res,
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.fail(ctx, StageDone, fmt.Errorf("panic: %v", rec))
		}
		runsTotal.WithLabelValues(res.Status).Inc()
		span.SetAttributes(
			attribute.String("run.status", res.Status),
			attribute.Int("run.pages", res.PagesProcessed),
			attribute.Int("run.chunks", res.ChunksCreated),
		)
		if res.Failed() {
			span.SetStatus(codes.Error, res.Error)
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}()

	r.execute(ctx, src)
	return res
}

func (r *run) execute(ctx context.Context, src ingest.SourceDescriptor) {
	if err := r.tenant.Validate(); err != nil {
		r.fail(ctx, StageStart, err)
		return
	}
	r.logger.Info("ingestion starting", zap.String("source_type", src.Type))
	r.progress(ctx, progressStart, StageStart)

	var pages []ingest.Page
	err := r.stage(ctx, StageAcquire, func(ctx context.Context) error {
		var err error
		pages, err = r.deps.Acquirer.Acquire(ctx, src)
		switch {
		case err != nil && len(pages) == 0:
			return fmt.Errorf("acquisition failed: %w", err)
		case err != nil:
			r.logger.Warn("acquisition ended early, continuing with partial content",
				zap.Int("pages", len(pages)), zap.Error(err))
		case len(pages) == 0:
			return errNoPages
		}
		return nil
	})
	if err != nil {
		r.fail(ctx, StageAcquire, err)
		return
	}
	r.res.PagesProcessed = len(pages)
	pagesTotal.Add(float64(len(pages)))
	r.logger.Info("acquired pages", zap.Int("pages", len(pages)))
	r.progress(ctx, acquireProgress(len(pages)), StageAcquire)

	var chunks []ingest.Chunk
	err = r.stage(ctx, StageChunk, func(context.Context) error {
		for _, page := range pages {
			pc, err := r.deps.Chunker.Chunk(page.Text, page.URL)
			if err != nil {
				return fmt.Errorf("chunking %s: %w", page.URL, err)
			}
			for i := range pc {
				if pc[i].Metadata == nil {
					pc[i].Metadata = map[string]string{}
				}
				pc[i].Metadata["title"] = page.Title
			}
			chunks = append(chunks, pc...)
		}
		if len(chunks) == 0 {
			return errNoChunks
		}
		return nil
	})
	if err != nil {
		r.fail(ctx, StageChunk, err)
		return
	}
	r.res.ChunksCreated = len(chunks)
	chunksTotal.Add(float64(len(chunks)))
	r.logger.Info("created chunks", zap.Int("chunks", len(chunks)))
	r.progress(ctx, progressChunk, StageChunk)

	var vectors [][]float32
	err = r.stage(ctx, StageEmbed, func(ctx context.Context) error {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		var err error
		vectors, err = r.deps.Embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding failed: %w", err)
		}
		if len(vectors) != len(chunks) {
			return fmt.Errorf("embedding failed: got %d vectors for %d chunks", len(vectors), len(chunks))
		}
		return nil
	})
	if err != nil {
		r.fail(ctx, StageEmbed, err)
		return
	}
	r.res.EmbeddingsGenerated = len(vectors)
	embeddingsTotal.Add(float64(len(vectors)))
	r.progress(ctx, progressEmbed, StageEmbed)

	modelID := r.deps.Embedder.ModelID()
	entries := make([]ingest.IndexEntry, len(chunks))
	for i, c := range chunks {
		entries[i] = ingest.IndexEntry{
			Chunk: c,
			Embedding: ingest.Embedding{
				ChunkID:   c.ID,
				Vector:    vectors[i],
				Dimension: len(vectors[i]),
				ModelID:   modelID,
			},
		}
	}

	err = r.stage(ctx, StageIndex, func(ctx context.Context) error {
		idx := r.deps.Index
		if err := idx.Create(ctx, r.tenant); err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
		if err := idx.Add(ctx, r.tenant, entries); err != nil {
			return fmt.Errorf("adding to index: %w", err)
		}
		md, err := idx.Save(ctx, r.tenant)
		if err != nil {
			return fmt.Errorf("saving index: %w", err)
		}
		r.logger.Info("index saved",
			zap.Int("entries", md.EntryCount),
			zap.Time("expires_at", md.ExpiresAt))
		return nil
	})
	if err != nil {
		r.fail(ctx, StageIndex, err)
		return
	}
	r.res.IndexPath = r.deps.Index.Location(r.tenant)
	r.progress(ctx, progressIndex, StageIndex)

	if docstore.Enabled(r.deps.Store) {
		published := true
		err := r.stage(ctx, StagePublish, func(ctx context.Context) error {
			return r.publish(ctx, entries)
		})
		if err != nil {
			published = false
			publishFailuresTotal.Inc()
			r.logger.Warn("publishing to durable store failed, index is still usable", zap.Error(err))
		}
		r.res.Published = &published
	}

	r.res.Status = ingest.StatusCompleted
	r.progress(ctx, progressDone, StageDone)
	r.logger.Info("ingestion completed",
		zap.Int("pages", r.res.PagesProcessed),
		zap.Int("chunks", r.res.ChunksCreated))
}

func (r *run) publish(ctx context.Context, entries []ingest.IndexEntry) error {
	rows := docstore.RowsFromEntries(r.tenant, entries)
	size := r.deps.PublishBatchSize
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		if err := r.deps.Store.Upsert(ctx, rows[start:end]); err != nil {
			return fmt.Errorf("upserting rows %d-%d: %w", start, end, err)
		}
	}
	r.logger.Debug("published rows", zap.Int("rows", len(rows)))
	return nil
}

// stage runs fn under a child span and records its duration.
func (r *run) stage(ctx context.Context, s Stage, fn func(context.Context) error) error {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "pipeline."+string(s))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	stageDuration.WithLabelValues(string(s)).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *run) progress(ctx context.Context, percent int, s Stage) {
	r.sink.Progress(ctx, r.tenant, percent, s)
}

func (r *run) fail(ctx context.Context, s Stage, err error) {
	r.res.Status = ingest.StatusFailed
	r.res.Error = err.Error()
	r.logger.Error("ingestion failed", zap.String("stage", string(s)), zap.Error(err))
	r.deps.Report(ctx, err, map[string]string{
		"tenant_id": string(r.tenant),
		"stage":     string(s),
		"run_id":    logging.RunIDFromContext(ctx),
	})
}
