// Package acquire gathers pages from a crawl seed or a list of local files.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/ingestd/internal/config"
	"github.com/fyrsmithlabs/ingestd/internal/ingest"
	"go.uber.org/zap"
)

var (
	// ErrUnsupportedSource is returned for a descriptor type other than url or files.
	ErrUnsupportedSource = errors.New("unsupported source type")

	// ErrEmptySeed is returned when a descriptor names nothing to acquire.
	ErrEmptySeed = errors.New("empty seed")
)

// Acquirer turns a source descriptor into pages.
type Acquirer interface {
	Acquire(ctx context.Context, src ingest.SourceDescriptor) ([]ingest.Page, error)
}

// Config holds crawl and file limits.
type Config struct {
	UserAgent       string
	Timeout         time.Duration
	PolitenessDelay time.Duration
	MaxPages        int
	MaxDepth        int
	MaxFileBytes    int64
}

// ConfigFrom maps the application config onto acquisition limits.
func ConfigFrom(crawl config.CrawlConfig, files config.FilesConfig) Config {
	return Config{
		UserAgent:       crawl.UserAgent,
		Timeout:         crawl.Timeout.Duration(),
		PolitenessDelay: crawl.PolitenessDelay.Duration(),
		MaxPages:        crawl.MaxPages,
		MaxDepth:        crawl.MaxDepth,
		MaxFileBytes:    int64(files.MaxSizeMB) << 20,
	}
}

// Service dispatches to crawl or file mode based on the descriptor type.
type Service struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

var _ Acquirer = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithHTTPClient overrides the client used for crawling.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.client = c }
}

// New returns a Service for cfg.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	s := &Service{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: cfg.Timeout}
	}
	return s
}

// Acquire runs the mode selected by src.Type.
func (s *Service) Acquire(ctx context.Context, src ingest.SourceDescriptor) ([]ingest.Page, error) {
	switch src.Type {
	case ingest.SourceURL:
		if src.URL == "" {
			return nil, fmt.Errorf("%w: url source without url", ErrEmptySeed)
		}
		maxPages := src.MaxPages
		if maxPages <= 0 {
			maxPages = s.cfg.MaxPages
		}
		c := &Crawler{
			Client:          s.client,
			UserAgent:       s.cfg.UserAgent,
			PolitenessDelay: s.cfg.PolitenessDelay,
			MaxDepth:        max(src.CrawlDepth, 0),
			MaxPages:        maxPages,
			Logger:          s.logger,
		}
		return c.Crawl(ctx, src.URL)
	case ingest.SourceFiles:
		if len(src.Files) == 0 {
			return nil, fmt.Errorf("%w: files source without files", ErrEmptySeed)
		}
		fs := &FileSource{MaxBytes: s.cfg.MaxFileBytes, Logger: s.logger}
		return fs.Read(ctx, src.Files)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSource, src.Type)
	}
}
