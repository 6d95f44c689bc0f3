//go:build cgo

package embeddings

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	fastembed "github.com/anush008/fastembed-go"
)

// FastEmbedConfig holds configuration for the local ONNX backend.
type FastEmbedConfig struct {
	// Model is a friendly name such as BAAI/bge-small-en-v1.5.
	Model string
	// CacheDir is where model files are downloaded.
	CacheDir string
	// MaxLength is the maximum input sequence length. Defaults to 512.
	MaxLength int
}

// passageBatchSize is the batch size handed to the ONNX runtime.
const passageBatchSize = 256

// FastEmbed embeds passages with a local ONNX model.
type FastEmbed struct {
	model     *fastembed.FlagEmbedding
	modelName string
	dimension int
	mu        sync.Mutex
}

var _ Backend = (*FastEmbed)(nil)

var fastEmbedModels = map[string]fastembed.EmbeddingModel{
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-small-en":                      fastembed.BGESmallEN,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"BAAI/bge-base-en":                       fastembed.BGEBaseEN,
	"BAAI/bge-small-zh-v1.5":                 fastembed.BGESmallZH,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
}

// NewFastEmbed loads the model, downloading it into CacheDir on first use.
func NewFastEmbed(cfg FastEmbedConfig) (*FastEmbed, error) {
	model, ok := fastEmbedModels[cfg.Model]
	if !ok {
		model = fastembed.EmbeddingModel(cfg.Model)
	}
	dimension, ok := KnownDimension(cfg.Model)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported fastembed model %q", ErrInvalidConfig, cfg.Model)
	}

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			cacheDir = filepath.Join(dir, "ingestd", "models")
		} else {
			cacheDir = filepath.Join(".", "local_cache")
		}
	}
	maxLength := cfg.MaxLength
	if maxLength == 0 {
		maxLength = 512
	}

	showProgress := false
	flagEmbed, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                model,
		CacheDir:             cacheDir,
		MaxLength:            maxLength,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: initializing fastembed: %v", ErrBackendUnavailable, err)
	}

	return &FastEmbed{model: flagEmbed, modelName: cfg.Model, dimension: dimension}, nil
}

func (f *FastEmbed) Name() string   { return "fastembed" }
func (f *FastEmbed) Model() string  { return f.modelName }
func (f *FastEmbed) Dimension() int { return f.dimension }

// Embed uses PassageEmbed, which applies the "passage: " prefix BGE models expect.
func (f *FastEmbed) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	vectors, err := f.model.PassageEmbed(texts, passageBatchSize)
	if err != nil {
		return nil, fmt.Errorf("fastembed: %w", err)
	}
	return vectors, nil
}

// Close releases the ONNX session.
func (f *FastEmbed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.model == nil {
		return nil
	}
	err := f.model.Destroy()
	f.model = nil
	return err
}
