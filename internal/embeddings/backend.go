package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/ingestd/internal/config"
	"go.uber.org/zap"
)

// Backend generates vectors for a batch of texts.
type Backend interface {
	Name() string
	Model() string
	Dimension() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Close() error
}

// BackendConfig describes one candidate backend.
type BackendConfig struct {
	// Name is fastembed, tei or openai.
	Name string
	// Model is the model identifier understood by the backend.
	Model string
	// CacheDir is where fastembed keeps downloaded models.
	CacheDir string
	// URL is the TEI base URL or an OpenAI-compatible base URL.
	URL string
	// APIKey authenticates against OpenAI.
	APIKey string
	// Dimensions requests a reduced output size from OpenAI.
	Dimensions int
	// Timeout bounds each HTTP request.
	Timeout time.Duration
}

// BackendsFromConfig expands the configured preference list.
func BackendsFromConfig(cfg config.EmbeddingsConfig) []BackendConfig {
	out := make([]BackendConfig, 0, len(cfg.Backends))
	for _, name := range cfg.Backends {
		bc := BackendConfig{Name: name, Timeout: 30 * time.Second}
		switch name {
		case "fastembed":
			bc.Model = cfg.Model
			bc.CacheDir, _ = config.ExpandPath(cfg.CacheDir)
		case "tei":
			bc.Model = cfg.TEIModel
			bc.URL = cfg.TEIURL
		case "openai":
			bc.Model = cfg.OpenAIModel
			bc.URL = cfg.OpenAIBaseURL
			bc.APIKey = cfg.OpenAIAPIKey.Value()
			bc.Dimensions = cfg.OpenAIDimensions
		}
		out = append(out, bc)
	}
	return out
}

// NewBackend constructs a single backend.
func NewBackend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	switch cfg.Name {
	case "fastembed":
		return NewFastEmbed(FastEmbedConfig{Model: cfg.Model, CacheDir: cfg.CacheDir})
	case "tei":
		return NewTEI(ctx, TEIConfig{BaseURL: cfg.URL, Model: cfg.Model, Timeout: cfg.Timeout})
	case "openai":
		return NewOpenAI(OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.URL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, cfg.Name)
	}
}

// constructor is swapped in tests.
type constructor func(ctx context.Context, cfg BackendConfig) (Backend, error)

// Negotiate builds backends in preference order. The first that constructs
// is the primary; the next one with the same dimension is the secondary.
func Negotiate(ctx context.Context, cfgs []BackendConfig, logger *zap.Logger) (Backend, []Backend, error) {
	return negotiate(ctx, cfgs, logger, NewBackend)
}

func negotiate(ctx context.Context, cfgs []BackendConfig, logger *zap.Logger, build constructor) (Backend, []Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		primary   Backend
		secondary []Backend
		causes    []error
	)
	for _, cfg := range cfgs {
		if primary != nil && len(secondary) > 0 {
			break
		}
		b, err := build(ctx, cfg)
		if err != nil {
			logger.Warn("embedding backend unavailable", zap.String("backend", cfg.Name), zap.Error(err))
			causes = append(causes, fmt.Errorf("%s: %w", cfg.Name, err))
			continue
		}
		if primary == nil {
			primary = b
			logger.Info("embedding backend selected",
				zap.String("backend", b.Name()), zap.String("model", b.Model()), zap.Int("dimension", b.Dimension()))
			continue
		}
		if b.Dimension() != primary.Dimension() {
			logger.Warn("fallback backend dimension differs from primary, ignoring",
				zap.String("backend", b.Name()),
				zap.Int("dimension", b.Dimension()),
				zap.Int("primary_dimension", primary.Dimension()))
			_ = b.Close()
			continue
		}
		secondary = append(secondary, b)
		logger.Info("embedding fallback selected", zap.String("backend", b.Name()), zap.String("model", b.Model()))
	}

	if primary == nil {
		if len(causes) == 0 {
			return nil, nil, fmt.Errorf("%w: no backends configured", ErrNoBackendAvailable)
		}
		return nil, nil, fmt.Errorf("%w: %w", ErrNoBackendAvailable, errors.Join(causes...))
	}
	return primary, secondary, nil
}
