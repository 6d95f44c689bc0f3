package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpserver "github.com/fyrsmithlabs/ingestd/internal/http"
	"github.com/fyrsmithlabs/ingestd/internal/pipeline"
	"github.com/fyrsmithlabs/ingestd/internal/runs"
	"github.com/fyrsmithlabs/ingestd/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion daemon",
	Long: `Start the ops HTTP server and the worker pool.

Runs are submitted with POST /api/v1/runs or, when NATS is enabled and
worker.subscribe is set, as requests on the ingest.jobs subject. Expired
indexes are purged every worker.purge_interval. SIGINT or SIGTERM drains
in-flight runs before exiting.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.cfg
	a.log.Info(ctx, "starting ingestd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Int("pool_size", cfg.Worker.PoolSize))

	p, err := a.pipeline(ctx, nil)
	if err != nil {
		return err
	}
	idx, err := a.vectorIndex(ctx)
	if err != nil {
		return err
	}
	emb, err := a.embedder(ctx)
	if err != nil {
		return err
	}
	nc, err := a.natsConn()
	if err != nil {
		return err
	}

	var regOpts []runs.Option
	if nc != nil {
		regOpts = append(regOpts, runs.WithNATS(nc))
	}
	registry := runs.NewRegistry(a.zapLogger(), regOpts...)

	// Runs get their own context so a signal drains them instead of
	// aborting mid-stage.
	pool, err := worker.New(context.Background(), worker.Config{
		PoolSize:      cfg.Worker.PoolSize,
		PurgeInterval: cfg.Worker.PurgeInterval.Duration(),
	}, p, registry, idx, a.zapLogger())
	if err != nil {
		return err
	}
	if nc != nil && cfg.Worker.Subscribe {
		if err := pool.Subscribe(nc); err != nil {
			return err
		}
	}
	pool.StartPurger()

	srv, err := httpserver.NewServer(pool, registry, a.zapLogger(), &httpserver.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Version: version,
	}, httpserver.WithPoolStats(pool), httpserver.WithSearch(idx, emb))
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		a.log.Info(context.Background(), "shutdown signal received")
	case err := <-errCh:
		if err != nil {
			a.log.Error(context.Background(), "http server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn(shutdownCtx, "http shutdown failed", zap.Error(err))
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		a.log.Warn(shutdownCtx, "worker shutdown timed out, in-flight runs cancelled", zap.Error(err))
	}
	a.log.Info(context.Background(), "server shutdown complete")
	return nil
}

var _ worker.Runner = (*pipeline.Pipeline)(nil)
