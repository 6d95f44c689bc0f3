package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/ingestd/internal/embedcache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("ingestd.embeddings")

// DefaultBatchSize is the number of texts sent to a backend per call.
const DefaultBatchSize = 64

// CacheKey is the content address of text as embedded by provider/model.
func CacheKey(provider, model, text string) string {
	sum := sha256.Sum256([]byte(provider + "|" + model + "\x00" + text))
	return "emb:" + hex.EncodeToString(sum[:])
}

// ProviderOptions configures a Provider.
type ProviderOptions struct {
	BatchSize int
	Cache     embedcache.Cache
	Logger    *zap.Logger
	Metrics   *Metrics
}

// Provider embeds texts with dedupe, caching, batching and fallback.
type Provider struct {
	primary   Backend
	secondary Backend
	cache     embedcache.Cache
	batchSize int
	logger    *zap.Logger
	metrics   *Metrics
}

// NewProvider wraps primary and an optional secondary backend.
func NewProvider(primary Backend, secondary Backend, opts ProviderOptions) (*Provider, error) {
	if primary == nil {
		return nil, fmt.Errorf("%w: primary backend required", ErrInvalidConfig)
	}
	if secondary != nil && secondary.Dimension() != primary.Dimension() {
		return nil, fmt.Errorf("%w: secondary dimension %d != primary %d",
			ErrDimensionMismatch, secondary.Dimension(), primary.Dimension())
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Cache == nil {
		opts.Cache = embedcache.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(opts.Logger)
	}
	return &Provider{
		primary:   primary,
		secondary: secondary,
		cache:     opts.Cache,
		batchSize: opts.BatchSize,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}, nil
}

// Dimension is the vector length every result has.
func (p *Provider) Dimension() int { return p.primary.Dimension() }

// ModelID identifies the primary model, e.g. "fastembed/BAAI/bge-small-en-v1.5".
func (p *Provider) ModelID() string { return p.primary.Name() + "/" + p.primary.Model() }

// Close releases both backends.
func (p *Provider) Close() error {
	var errs []error
	errs = append(errs, p.primary.Close())
	if p.secondary != nil {
		errs = append(errs, p.secondary.Close())
	}
	return errors.Join(errs...)
}

// Embed returns one vector per input text, in input order. Identical texts
// are embedded once.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	ctx, span := tracer.Start(ctx, "Provider.Embed")
	defer span.End()
	span.SetAttributes(attribute.Int("texts", len(texts)))

	// Unique texts in first-seen order.
	index := make(map[string]int, len(texts))
	var unique []string
	for _, t := range texts {
		if _, ok := index[t]; !ok {
			index[t] = len(unique)
			unique = append(unique, t)
		}
	}

	keys := make([]string, len(unique))
	for i, t := range unique {
		keys[i] = CacheKey(p.primary.Name(), p.primary.Model(), t)
	}

	vectors := make([][]float32, len(unique))
	cached, err := p.cache.GetMany(ctx, keys)
	if err != nil {
		p.logger.Warn("embedding cache lookup failed", zap.String("cache", p.cache.Name()), zap.Error(err))
		cached = nil
	}

	var misses []int
	for i, k := range keys {
		if v, ok := cached[k]; ok && len(v) == p.Dimension() {
			vectors[i] = v
			continue
		}
		misses = append(misses, i)
	}
	p.metrics.RecordCache(ctx, p.cache.Name(), len(unique)-len(misses), len(misses))
	span.SetAttributes(attribute.Int("unique", len(unique)), attribute.Int("misses", len(misses)))

	for start := 0; start < len(misses); start += p.batchSize {
		batchIdx := misses[start:min(start+p.batchSize, len(misses))]
		batch := make([]string, len(batchIdx))
		for j, i := range batchIdx {
			batch[j] = unique[i]
		}

		produced, by, err := p.embedBatch(ctx, batch)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		fresh := make(map[string][]float32, len(batch))
		for j, i := range batchIdx {
			vectors[i] = produced[j]
			fresh[CacheKey(by.Name(), by.Model(), unique[i])] = produced[j]
		}
		if err := p.cache.SetMany(ctx, fresh); err != nil {
			p.logger.Warn("embedding cache write failed", zap.String("cache", p.cache.Name()), zap.Error(err))
		}
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = vectors[index[t]]
	}
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

// embedBatch tries the primary, then the secondary. It returns the backend
// that produced the vectors.
func (p *Provider) embedBatch(ctx context.Context, batch []string) ([][]float32, Backend, error) {
	vecs, err := p.call(ctx, p.primary, batch)
	if err == nil {
		return vecs, p.primary, nil
	}
	if errors.Is(err, ErrDimensionMismatch) || ctx.Err() != nil || p.secondary == nil {
		return nil, nil, wrapFailure(err)
	}

	p.logger.Warn("primary embedding backend failed, retrying batch on fallback",
		zap.String("primary", p.primary.Name()),
		zap.String("fallback", p.secondary.Name()),
		zap.Int("batch_size", len(batch)),
		zap.Error(err))
	p.metrics.RecordFallback(ctx, p.primary.Name(), p.secondary.Name())

	vecs, err2 := p.call(ctx, p.secondary, batch)
	if err2 != nil {
		return nil, nil, wrapFailure(errors.Join(err, err2))
	}
	return vecs, p.secondary, nil
}

func wrapFailure(err error) error {
	if errors.Is(err, ErrDimensionMismatch) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
}

// call invokes one backend and checks count and dimension.
func (p *Provider) call(ctx context.Context, b Backend, batch []string) ([][]float32, error) {
	start := time.Now()
	vecs, err := b.Embed(ctx, batch)
	p.metrics.RecordBatch(ctx, b.Name(), b.Model(), time.Since(start), len(batch), err)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if len(vecs) != len(batch) {
		return nil, fmt.Errorf("%s: got %d vectors for %d texts", b.Name(), len(vecs), len(batch))
	}
	for _, v := range vecs {
		if len(v) != p.Dimension() {
			return nil, fmt.Errorf("%w: %s returned %d, want %d", ErrDimensionMismatch, b.Name(), len(v), p.Dimension())
		}
	}
	return vecs, nil
}
