package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ingestd/internal/backfill"
	"github.com/fyrsmithlabs/ingestd/internal/checkpoint"
	"github.com/fyrsmithlabs/ingestd/internal/ingest"
	"github.com/fyrsmithlabs/ingestd/internal/pipeline"
)

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var ingestFlags struct {
	tenant   string
	url      string
	depth    int
	maxPages int
	files    []string
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run one ingestion and print the result",
	Long: `Acquire, chunk, embed and index one source for a tenant.

Progress is written to stderr as "PROGRESS: <n>" lines and the run result
is printed to stdout as JSON. The exit status is 1 when the run fails.

Examples:
  # Crawl a site two levels deep
  ingestd ingest --tenant trial_abc --url https://example.com --depth 2

  # Ingest local documents
  ingestd ingest --tenant trial_abc --file notes.txt --file report.pdf`,
	Args: cobra.NoArgs,
	RunE: runIngest,
}

func init() {
	f := ingestCmd.Flags()
	f.StringVar(&ingestFlags.tenant, "tenant", "", "tenant id (required)")
	f.StringVar(&ingestFlags.url, "url", "", "seed URL to crawl")
	f.IntVar(&ingestFlags.depth, "depth", -1, "crawl depth (default crawl.max_depth)")
	f.IntVar(&ingestFlags.maxPages, "max-pages", 0, "page limit (default crawl.max_pages)")
	f.StringArrayVar(&ingestFlags.files, "file", nil, "file to ingest (repeatable)")
	_ = ingestCmd.MarkFlagRequired("tenant")
	ingestCmd.MarkFlagsMutuallyExclusive("url", "file")
	ingestCmd.MarkFlagsOneRequired("url", "file")
}

// sourceFromFlags builds the descriptor, filling crawl limits from config
// when the flags are unset.
func sourceFromFlags(url string, depth, maxPages int, files []string, defDepth, defPages int) ingest.SourceDescriptor {
	if len(files) > 0 {
		return ingest.SourceDescriptor{Type: ingest.SourceFiles, Files: files}
	}
	if depth < 0 {
		depth = defDepth
	}
	if maxPages <= 0 {
		maxPages = defPages
	}
	return ingest.SourceDescriptor{Type: ingest.SourceURL, URL: url, CrawlDepth: depth, MaxPages: maxPages}
}

func runIngest(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	src := sourceFromFlags(ingestFlags.url, ingestFlags.depth, ingestFlags.maxPages, ingestFlags.files,
		a.cfg.Crawl.MaxDepth, a.cfg.Crawl.MaxPages)
	if err := src.Validate(); err != nil {
		return err
	}

	p, err := a.pipeline(ctx, pipeline.NewWriterSink(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}

	res := p.Run(ctx, ingest.TenantID(ingestFlags.tenant), src)
	if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if res.Failed() {
		return &runFailedError{msg: res.Error}
	}
	return nil
}

var searchFlags struct {
	tenant string
	k      int
}

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search a tenant's index",
	Long: `Embed the query and print the k nearest chunks as JSON, nearest first.

Examples:
  ingestd search --tenant trial_abc --k 3 "refund policy"`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVar(&searchFlags.tenant, "tenant", "", "tenant id (required)")
	searchCmd.Flags().IntVar(&searchFlags.k, "k", 5, "number of results")
	_ = searchCmd.MarkFlagRequired("tenant")
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	tenant := ingest.TenantID(searchFlags.tenant)
	if err := tenant.Validate(); err != nil {
		return err
	}
	idx, err := a.vectorIndex(ctx)
	if err != nil {
		return err
	}
	if err := idx.Load(ctx, tenant); err != nil {
		return fmt.Errorf("loading index for %s: %w", tenant, err)
	}
	emb, err := a.embedder(ctx)
	if err != nil {
		return err
	}
	vecs, err := emb.Embed(ctx, []string{args[0]})
	if err != nil {
		return fmt.Errorf("embedding query: %w", err)
	}
	results, err := idx.Search(ctx, tenant, vecs[0], searchFlags.k)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), results)
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete indexes whose retention has expired",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()

		a, err := setup(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		idx, err := a.vectorIndex(ctx)
		if err != nil {
			return err
		}
		n, err := idx.PurgeExpired(ctx, time.Now())
		if err != nil {
			return err
		}
		a.log.Info(ctx, "purge finished", zap.Int("purged", n))
		fmt.Fprintf(cmd.OutOrStdout(), "%d\n", n)
		return nil
	},
}

type backfillFlagSet struct {
	tenant         string
	batchSize      int
	maxRows        int
	checkpointFile string
	resume         bool
	sleep          time.Duration
	validate       bool
	dryRun         bool
}

var backfillFlags backfillFlagSet

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Embed durable-store rows that have no embedding",
	Long: `Page through rows with a null embedding in id order, embed them and
write the vectors back. The last processed id is checkpointed after each
batch so an interrupted run can continue with --resume.

Examples:
  # Backfill one tenant, 100 rows per batch
  ingestd backfill --tenant trial_abc --batch-size 100

  # Continue an interrupted global backfill
  ingestd backfill --resume

  # Embed without writing anything
  ingestd backfill --dry-run --max-rows 50`,
	Args: cobra.NoArgs,
	RunE: runBackfill,
}

func init() {
	f := backfillCmd.Flags()
	f.StringVar(&backfillFlags.tenant, "tenant", "", "limit to one tenant (default all)")
	f.IntVar(&backfillFlags.batchSize, "batch-size", 0, "rows per batch (default backfill.batch_size)")
	f.IntVar(&backfillFlags.maxRows, "max-rows", 0, "stop after this many rows (0 = unlimited)")
	f.StringVar(&backfillFlags.checkpointFile, "checkpoint-file", "", "checkpoint path (default backfill.checkpoint_file)")
	f.BoolVar(&backfillFlags.resume, "resume", false, "continue from the saved checkpoint")
	f.DurationVar(&backfillFlags.sleep, "sleep", -1, "pause between batches (default backfill.sleep)")
	f.BoolVar(&backfillFlags.validate, "validate", false, "run a similarity query per batch")
	f.BoolVar(&backfillFlags.dryRun, "dry-run", false, "embed but write neither rows nor checkpoint")
}

func runBackfill(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Docstore.Backend == "none" {
		return errors.New("backfill requires docstore.backend rest or postgres")
	}
	if backfillFlags.tenant != "" {
		if err := ingest.TenantID(backfillFlags.tenant).Validate(); err != nil {
			return err
		}
	}

	store, err := a.docStore(ctx)
	if err != nil {
		return err
	}
	emb, err := a.embedder(ctx)
	if err != nil {
		return err
	}

	opts, cpPath := backfillOptions(a.cfg.Backfill.BatchSize, a.cfg.Backfill.Sleep.Duration(), a.cfg.Backfill.CheckpointFile)
	runner := &backfill.Runner{
		Store:       store,
		Embedder:    emb,
		Checkpoints: checkpoint.NewFile(cpPath, a.zapLogger()),
		Logger:      a.zapLogger(),
	}

	stats, runErr := runner.Run(ctx, opts)
	if err := writeJSON(cmd.OutOrStdout(), stats); err != nil {
		return err
	}
	if errors.Is(runErr, context.Canceled) {
		a.log.Warn(ctx, "backfill interrupted, resume with --resume", zap.String("last_id", stats.LastID))
		return nil
	}
	return runErr
}

// backfillOptions merges flags over the configured defaults.
func backfillOptions(defBatch int, defSleep time.Duration, defCheckpoint string) (backfill.Options, string) {
	opts := backfill.Options{
		Tenant:    ingest.TenantID(backfillFlags.tenant),
		BatchSize: backfillFlags.batchSize,
		MaxRows:   backfillFlags.maxRows,
		Resume:    backfillFlags.resume,
		Sleep:     backfillFlags.sleep,
		Validate:  backfillFlags.validate,
		DryRun:    backfillFlags.dryRun,
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defBatch
	}
	if opts.Sleep < 0 {
		opts.Sleep = defSleep
	}
	path := backfillFlags.checkpointFile
	if path == "" {
		path = defCheckpoint
	}
	return opts, path
}
