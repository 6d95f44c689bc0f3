// Package backfill embeds durable-store rows whose embedding is missing,
// resuming from a checkpointed cursor.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/ingestd/internal/checkpoint"
	"github.com/fyrsmithlabs/ingestd/internal/docstore"
	"github.com/fyrsmithlabs/ingestd/internal/ingest"
	"go.uber.org/zap"
)

// DefaultBatchSize is used when Options.BatchSize is not positive.
const DefaultBatchSize = 200

// validateMatchCount is how many neighbours a validation query asks for.
const validateMatchCount = 3

// Embedder turns texts into vectors, one per text, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Runner pages through rows missing an embedding and fills them in.
type Runner struct {
	Store       docstore.Store
	Embedder    Embedder
	Checkpoints *checkpoint.File
	Logger      *zap.Logger
}

// Options controls one backfill run.
type Options struct {
	// Tenant scopes the run. Empty means every tenant, keyed as checkpoint.GlobalKey.
	Tenant    ingest.TenantID
	BatchSize int
	// MaxRows stops the run after this many rows. Zero means unlimited.
	MaxRows int
	// Resume starts from the saved cursor instead of the beginning.
	Resume bool
	// Sleep pauses between batches.
	Sleep time.Duration
	// Validate runs a similarity query with the first vector of each batch.
	Validate bool
	// DryRun embeds each batch but writes neither vectors nor checkpoints.
	DryRun bool
}

// Stats summarizes a run.
type Stats struct {
	Batches   int    `json:"batches"`
	Processed int    `json:"processed"`
	Embedded  int    `json:"embedded"`
	Skipped   int    `json:"skipped"`
	LastID    string `json:"last_id,omitempty"`
}

func (o Options) key() string {
	if o.Tenant == "" {
		return checkpoint.GlobalKey
	}
	return string(o.Tenant)
}

// Run processes batches until no rows remain, MaxRows is reached, or ctx
// is cancelled. On cancellation the cursor of the last completed batch is
// saved and ctx.Err() is returned.
func (r *Runner) Run(ctx context.Context, opts Options) (Stats, error) {
	var stats Stats
	if r.Store == nil || r.Embedder == nil {
		return stats, errors.New("backfill: store and embedder are required")
	}
	if r.Checkpoints == nil && !opts.DryRun {
		return stats, errors.New("backfill: checkpoint file is required")
	}
	if opts.Tenant != "" {
		if err := opts.Tenant.Validate(); err != nil {
			return stats, err
		}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("key", opts.key()), zap.Bool("dry_run", opts.DryRun))

	cursor := ""
	if opts.Resume && r.Checkpoints != nil {
		saved, err := r.Checkpoints.Get(opts.key())
		if err != nil {
			return stats, fmt.Errorf("loading checkpoint: %w", err)
		}
		cursor = saved
	}
	logger.Info("backfill starting",
		zap.String("cursor", cursor),
		zap.Int("batch_size", opts.BatchSize),
		zap.Int("max_rows", opts.MaxRows),
	)

	saveCursor := func() error {
		if opts.DryRun || cursor == "" {
			return nil
		}
		return r.Checkpoints.Set(opts.key(), cursor)
	}

	for {
		if err := ctx.Err(); err != nil {
			if serr := saveCursor(); serr != nil {
				logger.Error("failed to save checkpoint on interrupt", zap.Error(serr))
			}
			logger.Info("backfill interrupted", zap.String("cursor", cursor), zap.Int("processed", stats.Processed))
			return stats, err
		}

		limit := opts.BatchSize
		if opts.MaxRows > 0 && opts.MaxRows-stats.Processed < limit {
			limit = opts.MaxRows - stats.Processed
		}
		batch, err := r.Store.FetchMissing(ctx, opts.Tenant, cursor, limit)
		if err != nil {
			return stats, fmt.Errorf("fetching batch after %q: %w", cursor, err)
		}
		if len(batch) == 0 {
			logger.Info("backfill finished, no rows remaining", zap.Int("processed", stats.Processed))
			break
		}
		logger.Debug("fetched batch",
			zap.Int("rows", len(batch)),
			zap.String("first_id", batch[0].ID),
			zap.String("last_id", batch[len(batch)-1].ID),
		)

		embedded, skipped, err := r.embedBatch(ctx, logger, batch, opts)
		if err != nil {
			return stats, err
		}
		stats.Embedded += embedded
		stats.Skipped += skipped

		cursor = batch[len(batch)-1].ID
		if err := saveCursor(); err != nil {
			return stats, fmt.Errorf("saving checkpoint: %w", err)
		}
		stats.Batches++
		stats.Processed += len(batch)
		stats.LastID = cursor

		if opts.MaxRows > 0 && stats.Processed >= opts.MaxRows {
			logger.Info("backfill reached max rows", zap.Int("processed", stats.Processed))
			break
		}

		if opts.Sleep > 0 {
			t := time.NewTimer(opts.Sleep)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
		}
	}
	return stats, nil
}

// embedBatch embeds rows with content and, unless this is a dry run, writes
// their vectors back.
func (r *Runner) embedBatch(ctx context.Context, logger *zap.Logger, batch []docstore.Row, opts Options) (int, int, error) {
	rows := make([]docstore.Row, 0, len(batch))
	texts := make([]string, 0, len(batch))
	for _, row := range batch {
		if row.Content == "" {
			logger.Debug("skipping row without content", zap.String("id", row.ID))
			continue
		}
		rows = append(rows, row)
		texts = append(texts, row.Content)
	}
	skipped := len(batch) - len(rows)
	if len(rows) == 0 {
		return 0, skipped, nil
	}

	vectors, err := r.Embedder.Embed(ctx, texts)
	if err != nil {
		return 0, skipped, fmt.Errorf("embedding batch: %w", err)
	}
	if len(vectors) != len(rows) {
		return 0, skipped, fmt.Errorf("embedding batch: got %d vectors for %d rows", len(vectors), len(rows))
	}

	if opts.DryRun {
		logger.Info("dry run: would update embeddings", zap.Int("rows", len(rows)))
	} else {
		updates := make([]docstore.Row, len(rows))
		for i, row := range rows {
			updates[i] = docstore.Row{ID: row.ID, TenantID: row.TenantID, Embedding: vectors[i]}
		}
		if err := r.Store.UpdateEmbeddings(ctx, updates); err != nil {
			return 0, skipped, fmt.Errorf("updating embeddings: %w", err)
		}
	}

	if opts.Validate {
		matches, err := r.Store.Match(ctx, rows[0].TenantID, vectors[0], validateMatchCount)
		if err != nil {
			logger.Warn("validation query failed", zap.Error(err))
		} else {
			ids := make([]string, len(matches))
			for i, m := range matches {
				ids[i] = m.ID
			}
			logger.Info("validation query", zap.String("probe_id", rows[0].ID), zap.Strings("top_ids", ids))
		}
	}
	return len(rows), skipped, nil
}
