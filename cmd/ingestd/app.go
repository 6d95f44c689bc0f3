package main

import (
	"context"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ingestd/internal/acquire"
	"github.com/fyrsmithlabs/ingestd/internal/blobstore"
	"github.com/fyrsmithlabs/ingestd/internal/chunking"
	"github.com/fyrsmithlabs/ingestd/internal/config"
	"github.com/fyrsmithlabs/ingestd/internal/docstore"
	"github.com/fyrsmithlabs/ingestd/internal/embedcache"
	"github.com/fyrsmithlabs/ingestd/internal/embeddings"
	"github.com/fyrsmithlabs/ingestd/internal/logging"
	"github.com/fyrsmithlabs/ingestd/internal/pipeline"
	"github.com/fyrsmithlabs/ingestd/internal/telemetry"
	"github.com/fyrsmithlabs/ingestd/internal/vectorstore"
)

// app owns the configuration, logger and every resource a command opens.
// Resources are built on demand and released in reverse order by Close.
type app struct {
	cfg    *config.Config
	log    *logging.Logger
	tel    *telemetry.Telemetry
	nc     *nats.Conn
	blobs  blobstore.Store
	index  vectorstore.Index
	embed  *embeddings.Provider
	closer []func()
}

// setup loads .env files and configuration, then starts logging,
// telemetry and Sentry.
func setup(ctx context.Context) (*app, error) {
	// Missing .env files are fine.
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logCfg, err := logging.FromAppConfig(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("invalid log configuration: %w", err)
	}
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{cfg: cfg, log: logger}

	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version))
	if err != nil {
		logger.Warn(ctx, "telemetry disabled", zap.Error(err))
	} else {
		a.tel = tel
		a.onClose(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				logger.Warn(context.Background(), "telemetry shutdown failed", zap.Error(err))
			}
		})
	}

	a.onClose(telemetry.InitSentry(cfg.Sentry, version, logger.Underlying()))
	return a, nil
}

func (a *app) onClose(fn func()) { a.closer = append(a.closer, fn) }

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closer) - 1; i >= 0; i-- {
		a.closer[i]()
	}
	_ = a.log.Sync()
}

func (a *app) zapLogger() *zap.Logger { return a.log.Underlying() }

// natsConn connects once when nats.enabled is set and returns nil otherwise.
func (a *app) natsConn() (*nats.Conn, error) {
	if a.nc != nil || !a.cfg.NATS.Enabled {
		return a.nc, nil
	}
	nc, err := nats.Connect(a.cfg.NATS.URL,
		nats.Name("ingestd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", a.cfg.NATS.URL, err)
	}
	a.log.Info(context.Background(), "connected to NATS", zap.String("url", a.cfg.NATS.URL))
	a.nc = nc
	a.onClose(func() { _ = nc.Drain() })
	return nc, nil
}

func (a *app) blobStore(ctx context.Context) (blobstore.Store, error) {
	if a.blobs != nil {
		return a.blobs, nil
	}
	bc := a.cfg.Blob
	switch bc.Backend {
	case "s3":
		s, err := blobstore.NewS3(ctx, blobstore.S3Config{
			Endpoint:        bc.S3Endpoint,
			Region:          bc.S3Region,
			AccessKeyID:     bc.S3AccessKey.Value(),
			SecretAccessKey: bc.S3SecretKey.Value(),
			Bucket:          bc.S3Bucket,
			Prefix:          bc.S3Prefix,
			UsePathStyle:    bc.S3PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("creating s3 blob store: %w", err)
		}
		a.blobs = s
	default:
		dir, err := config.ExpandPath(bc.Path)
		if err != nil {
			return nil, err
		}
		s, err := blobstore.NewFS(dir)
		if err != nil {
			return nil, fmt.Errorf("creating blob directory: %w", err)
		}
		a.blobs = s
	}
	return a.blobs, nil
}

func (a *app) vectorIndex(ctx context.Context) (vectorstore.Index, error) {
	if a.index != nil {
		return a.index, nil
	}
	blobs, err := a.blobStore(ctx)
	if err != nil {
		return nil, err
	}
	idx, err := vectorstore.New(ctx, vectorstore.ConfigFrom(a.cfg.Index), a.cfg.Qdrant, blobs, a.zapLogger())
	if err != nil {
		return nil, fmt.Errorf("creating vector index: %w", err)
	}
	a.index = idx
	a.onClose(func() { _ = idx.Close() })
	return idx, nil
}

// embedCache builds the shared and local tiers from cache.*.
func (a *app) embedCache(ctx context.Context) (embedcache.Cache, error) {
	cc := a.cfg.Cache
	ttl := cc.TTL.Duration()

	var shared embedcache.Cache
	switch cc.Shared {
	case "nats":
		nc, err := a.natsConn()
		if err != nil {
			return nil, err
		}
		kv, err := embedcache.NewNATSKV(ctx, nc, cc.NATSBucket, ttl)
		if err != nil {
			return nil, fmt.Errorf("opening nats cache bucket: %w", err)
		}
		shared = kv
	case "redis":
		r, err := embedcache.NewRedis(cc.RedisURL.Value(), ttl)
		if err != nil {
			return nil, fmt.Errorf("creating redis cache: %w", err)
		}
		a.onClose(func() { _ = r.Close() })
		shared = r
	}

	var local embedcache.Cache
	switch cc.Local {
	case "badger":
		dir, err := config.ExpandPath(cc.BadgerDir)
		if err != nil {
			return nil, err
		}
		b, err := embedcache.OpenBadger(dir, ttl, a.zapLogger())
		if err != nil {
			return nil, fmt.Errorf("opening badger cache: %w", err)
		}
		a.onClose(func() { _ = b.Close() })
		local = b
	default:
		l, err := embedcache.NewLRU(cc.LRUSize, ttl)
		if err != nil {
			return nil, fmt.Errorf("creating lru cache: %w", err)
		}
		local = l
	}

	return embedcache.NewTiered(shared, local, cc.RetryAfter.Duration(), a.zapLogger()), nil
}

func (a *app) embedder(ctx context.Context) (*embeddings.Provider, error) {
	if a.embed != nil {
		return a.embed, nil
	}
	cache, err := a.embedCache(ctx)
	if err != nil {
		return nil, err
	}
	primary, fallbacks, err := embeddings.Negotiate(ctx, embeddings.BackendsFromConfig(a.cfg.Embeddings), a.zapLogger())
	if err != nil {
		return nil, err
	}
	var secondary embeddings.Backend
	if len(fallbacks) > 0 {
		secondary = fallbacks[0]
	}
	p, err := embeddings.NewProvider(primary, secondary, embeddings.ProviderOptions{
		BatchSize: a.cfg.Embeddings.BatchSize,
		Cache:     cache,
		Logger:    a.zapLogger(),
		Metrics:   embeddings.NewMetrics(a.zapLogger()),
	})
	if err != nil {
		_ = primary.Close()
		if secondary != nil {
			_ = secondary.Close()
		}
		return nil, err
	}
	a.embed = p
	a.onClose(func() { _ = p.Close() })
	return p, nil
}

func (a *app) docStore(ctx context.Context) (docstore.Store, error) {
	s, err := docstore.New(ctx, a.cfg.Docstore, a.zapLogger())
	if err != nil {
		return nil, fmt.Errorf("creating durable store: %w", err)
	}
	a.onClose(func() { _ = s.Close() })
	return s, nil
}

func (a *app) chunker() (*chunking.Chunker, error) {
	cc := a.cfg.Chunking
	tok, err := chunking.NewTokenizer(cc.Tokenizer)
	if err != nil {
		return nil, err
	}
	return chunking.New(chunking.Config{
		ChunkSize:      cc.ChunkSize,
		Overlap:        cc.Overlap,
		MinChunkTokens: cc.MinChunkTokens,
		MaxTokens:      cc.MaxTokens,
	}, tok, a.zapLogger())
}

// pipeline wires every stage. When NATS is enabled progress is also
// published on ingest.progress.<tenant>.
func (a *app) pipeline(ctx context.Context, sink pipeline.ProgressSink) (*pipeline.Pipeline, error) {
	ch, err := a.chunker()
	if err != nil {
		return nil, err
	}
	emb, err := a.embedder(ctx)
	if err != nil {
		return nil, err
	}
	idx, err := a.vectorIndex(ctx)
	if err != nil {
		return nil, err
	}
	store, err := a.docStore(ctx)
	if err != nil {
		return nil, err
	}
	nc, err := a.natsConn()
	if err != nil {
		return nil, err
	}
	if nc != nil {
		sink = pipeline.MultiSink{sink, pipeline.NewNATSSink(nc, a.zapLogger())}
	}

	return pipeline.New(pipeline.Deps{
		Acquirer:         acquire.New(acquire.ConfigFrom(a.cfg.Crawl, a.cfg.Files), a.zapLogger()),
		Chunker:          ch,
		Embedder:         emb,
		Index:            idx,
		Store:            store,
		PublishBatchSize: a.cfg.Docstore.PublishBatchSize,
		Sink:             sink,
		Logger:           a.zapLogger(),
	})
}
