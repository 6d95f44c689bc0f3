// Package config provides configuration loading for ingestd.
//
// Configuration is read from an optional YAML file and overridden by
// INGESTD_-prefixed environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete ingestd configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Log        LogConfig        `koanf:"log"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Sentry     SentryConfig     `koanf:"sentry"`
	Crawl      CrawlConfig      `koanf:"crawl"`
	Files      FilesConfig      `koanf:"files"`
	Chunking   ChunkingConfig   `koanf:"chunking"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Cache      CacheConfig      `koanf:"cache"`
	Index      IndexConfig      `koanf:"index"`
	Blob       BlobConfig       `koanf:"blob"`
	Qdrant     QdrantConfig     `koanf:"qdrant"`
	Docstore   DocstoreConfig   `koanf:"docstore"`
	NATS       NATSConfig       `koanf:"nats"`
	Worker     WorkerConfig     `koanf:"worker"`
	Backfill   BackfillConfig   `koanf:"backfill"`
}

// ServerConfig holds the ops HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry exporter settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// SentryConfig holds error capture settings. An empty DSN disables Sentry.
type SentryConfig struct {
	DSN         Secret `koanf:"dsn"`
	Environment string `koanf:"environment"`
}

// CrawlConfig controls the web crawler.
type CrawlConfig struct {
	UserAgent       string   `koanf:"user_agent"`
	Timeout         Duration `koanf:"timeout"`
	PolitenessDelay Duration `koanf:"politeness_delay"`
	MaxPages        int      `koanf:"max_pages"`
	MaxDepth        int      `koanf:"max_depth"`
}

// FilesConfig controls file-mode acquisition.
type FilesConfig struct {
	MaxSizeMB int `koanf:"max_size_mb"`
}

// ChunkingConfig controls the chunker.
type ChunkingConfig struct {
	Tokenizer      string `koanf:"tokenizer"`
	ChunkSize      int    `koanf:"chunk_size"`
	Overlap        int    `koanf:"overlap"`
	MinChunkTokens int    `koanf:"min_chunk_tokens"`
	MaxTokens      int    `koanf:"max_tokens"`
}

// EmbeddingsConfig selects and configures embedding backends.
//
// Backends lists backend names in preference order; the first that
// initializes becomes primary and the next becomes the fallback.
type EmbeddingsConfig struct {
	Backends         []string `koanf:"backends"`
	BatchSize        int      `koanf:"batch_size"`
	Model            string   `koanf:"model"`
	CacheDir         string   `koanf:"cache_dir"`
	TEIURL           string   `koanf:"tei_url"`
	TEIModel         string   `koanf:"tei_model"`
	OpenAIAPIKey     Secret   `koanf:"openai_api_key"`
	OpenAIModel      string   `koanf:"openai_model"`
	OpenAIBaseURL    string   `koanf:"openai_base_url"`
	OpenAIDimensions int      `koanf:"openai_dimensions"`
}

// CacheConfig configures the two embedding cache tiers.
type CacheConfig struct {
	Shared     string   `koanf:"shared"`
	Local      string   `koanf:"local"`
	TTL        Duration `koanf:"ttl"`
	LRUSize    int      `koanf:"lru_size"`
	BadgerDir  string   `koanf:"badger_dir"`
	RedisURL   Secret   `koanf:"redis_url"`
	NATSBucket string   `koanf:"nats_bucket"`
	RetryAfter Duration `koanf:"retry_after"`
}

// IndexConfig configures the per-tenant vector index.
type IndexConfig struct {
	Backend   string   `koanf:"backend"`
	Retention Duration `koanf:"retention"`
	Compress  bool     `koanf:"compress"`
}

// BlobConfig configures where index artifacts and sidecars live.
type BlobConfig struct {
	Backend     string `koanf:"backend"`
	Path        string `koanf:"path"`
	S3Bucket    string `koanf:"s3_bucket"`
	S3Region    string `koanf:"s3_region"`
	S3Endpoint  string `koanf:"s3_endpoint"`
	S3Prefix    string `koanf:"s3_prefix"`
	S3AccessKey Secret `koanf:"s3_access_key"`
	S3SecretKey Secret `koanf:"s3_secret_key"`
	S3PathStyle bool   `koanf:"s3_path_style"`
}

// QdrantConfig configures the qdrant index backend.
type QdrantConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	UseTLS bool   `koanf:"use_tls"`
	APIKey Secret `koanf:"api_key"`
}

// DocstoreConfig configures the external durable store.
type DocstoreConfig struct {
	Backend          string `koanf:"backend"`
	URL              string `koanf:"url"`
	APIKey           Secret `koanf:"api_key"`
	Table            string `koanf:"table"`
	MatchFunction    string `koanf:"match_function"`
	MaxRetries       int    `koanf:"max_retries"`
	DSN              Secret `koanf:"dsn"`
	PublishBatchSize int    `koanf:"publish_batch_size"`
}

// NATSConfig configures the NATS connection used for progress events,
// the shared cache tier and job submission.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
}

// WorkerConfig configures the serve daemon.
type WorkerConfig struct {
	PoolSize      int      `koanf:"pool_size"`
	PurgeInterval Duration `koanf:"purge_interval"`
	Subscribe     bool     `koanf:"subscribe"`
}

// BackfillConfig holds defaults for the backfill command.
type BackfillConfig struct {
	BatchSize      int      `koanf:"batch_size"`
	CheckpointFile string   `koanf:"checkpoint_file"`
	Sleep          Duration `koanf:"sleep"`
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "ingestd"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}

	if cfg.Crawl.UserAgent == "" {
		cfg.Crawl.UserAgent = "BitBBot"
	}
	if cfg.Crawl.Timeout == 0 {
		cfg.Crawl.Timeout = Duration(10 * time.Second)
	}
	if cfg.Crawl.PolitenessDelay == 0 {
		cfg.Crawl.PolitenessDelay = Duration(500 * time.Millisecond)
	}
	if cfg.Crawl.MaxPages == 0 {
		cfg.Crawl.MaxPages = 50
	}
	if cfg.Crawl.MaxDepth == 0 {
		cfg.Crawl.MaxDepth = 2
	}

	if cfg.Files.MaxSizeMB == 0 {
		cfg.Files.MaxSizeMB = 10
	}

	if cfg.Chunking.Tokenizer == "" {
		cfg.Chunking.Tokenizer = "whitespace"
	}
	if cfg.Chunking.ChunkSize == 0 {
		cfg.Chunking.ChunkSize = 600
	}
	if cfg.Chunking.Overlap == 0 {
		cfg.Chunking.Overlap = 100
	}
	if cfg.Chunking.MinChunkTokens == 0 {
		cfg.Chunking.MinChunkTokens = 50
	}
	if cfg.Chunking.MaxTokens == 0 {
		cfg.Chunking.MaxTokens = 100000
	}

	if len(cfg.Embeddings.Backends) == 0 {
		cfg.Embeddings.Backends = []string{"fastembed", "tei"}
	}
	if cfg.Embeddings.BatchSize == 0 {
		cfg.Embeddings.BatchSize = 64
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.TEIURL == "" {
		cfg.Embeddings.TEIURL = "http://localhost:8080"
	}
	if cfg.Embeddings.TEIModel == "" {
		cfg.Embeddings.TEIModel = cfg.Embeddings.Model
	}
	if cfg.Embeddings.OpenAIModel == "" {
		cfg.Embeddings.OpenAIModel = "text-embedding-3-small"
	}

	if cfg.Cache.Shared == "" {
		cfg.Cache.Shared = "none"
	}
	if cfg.Cache.Local == "" {
		cfg.Cache.Local = "lru"
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = Duration(24 * time.Hour)
	}
	if cfg.Cache.LRUSize == 0 {
		cfg.Cache.LRUSize = 10000
	}
	if cfg.Cache.BadgerDir == "" {
		cfg.Cache.BadgerDir = "~/.cache/ingestd/embeddings"
	}
	if cfg.Cache.NATSBucket == "" {
		cfg.Cache.NATSBucket = "embeddings"
	}
	if cfg.Cache.RetryAfter == 0 {
		cfg.Cache.RetryAfter = Duration(30 * time.Second)
	}

	if cfg.Index.Backend == "" {
		cfg.Index.Backend = "chromem"
	}
	if cfg.Index.Retention == 0 {
		cfg.Index.Retention = Duration(72 * time.Hour)
	}

	if cfg.Blob.Backend == "" {
		cfg.Blob.Backend = "fs"
	}
	if cfg.Blob.Path == "" {
		cfg.Blob.Path = "~/.local/share/ingestd/indexes"
	}
	if cfg.Blob.S3Region == "" {
		cfg.Blob.S3Region = "us-east-1"
	}

	if cfg.Qdrant.Host == "" {
		cfg.Qdrant.Host = "localhost"
	}
	if cfg.Qdrant.Port == 0 {
		cfg.Qdrant.Port = 6334
	}

	if cfg.Docstore.Backend == "" {
		cfg.Docstore.Backend = "none"
	}
	if cfg.Docstore.Table == "" {
		cfg.Docstore.Table = "document_chunks"
	}
	if cfg.Docstore.MatchFunction == "" {
		cfg.Docstore.MatchFunction = "match_embeddings_by_tenant"
	}
	if cfg.Docstore.MaxRetries == 0 {
		cfg.Docstore.MaxRetries = 5
	}
	if cfg.Docstore.PublishBatchSize == 0 {
		cfg.Docstore.PublishBatchSize = 100
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}

	if cfg.Worker.PoolSize == 0 {
		cfg.Worker.PoolSize = 4
	}
	if cfg.Worker.PurgeInterval == 0 {
		cfg.Worker.PurgeInterval = Duration(time.Hour)
	}

	if cfg.Backfill.BatchSize == 0 {
		cfg.Backfill.BatchSize = 200
	}
	if cfg.Backfill.CheckpointFile == "" {
		cfg.Backfill.CheckpointFile = "backfill_checkpoint.json"
	}
	if cfg.Backfill.Sleep == 0 {
		cfg.Backfill.Sleep = Duration(500 * time.Millisecond)
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Crawl.MaxPages < 1 {
		return errors.New("crawl.max_pages must be positive")
	}
	if c.Crawl.MaxDepth < 0 {
		return errors.New("crawl.max_depth cannot be negative")
	}
	if c.Chunking.ChunkSize <= 0 {
		return fmt.Errorf("chunking.chunk_size must be positive, got %d", c.Chunking.ChunkSize)
	}
	if c.Embeddings.BatchSize <= 0 {
		return fmt.Errorf("embeddings.batch_size must be positive, got %d", c.Embeddings.BatchSize)
	}

	if err := oneOf("cache.shared", c.Cache.Shared, "none", "nats", "redis"); err != nil {
		return err
	}
	if err := oneOf("cache.local", c.Cache.Local, "lru", "badger"); err != nil {
		return err
	}
	if err := oneOf("index.backend", c.Index.Backend, "chromem", "qdrant"); err != nil {
		return err
	}
	if err := oneOf("blob.backend", c.Blob.Backend, "fs", "s3"); err != nil {
		return err
	}
	if err := oneOf("docstore.backend", c.Docstore.Backend, "none", "rest", "postgres"); err != nil {
		return err
	}

	if c.Cache.Shared == "nats" && !c.NATS.Enabled {
		return errors.New("cache.shared=nats requires nats.enabled")
	}
	if c.Blob.Backend == "s3" && c.Blob.S3Bucket == "" {
		return errors.New("blob.s3_bucket is required for the s3 backend")
	}
	if c.Docstore.Backend == "rest" && c.Docstore.URL == "" {
		return errors.New("docstore.url is required for the rest backend")
	}
	if c.Docstore.Backend == "postgres" && !c.Docstore.DSN.IsSet() {
		return errors.New("docstore.dsn is required for the postgres backend")
	}
	if c.Index.Retention.Duration() <= 0 {
		return errors.New("index.retention must be positive")
	}

	return nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unsupported value %q (allowed: %v)", field, value, allowed)
}
