//go:build !cgo

package embeddings

import (
	"context"
	"fmt"
)

// FastEmbedConfig holds configuration for the local ONNX backend.
type FastEmbedConfig struct {
	Model     string
	CacheDir  string
	MaxLength int
}

// FastEmbed is unavailable in binaries built without cgo.
type FastEmbed struct{}

// NewFastEmbed always fails without cgo so negotiation moves to the next backend.
func NewFastEmbed(_ FastEmbedConfig) (*FastEmbed, error) {
	return nil, fmt.Errorf("%w: fastembed requires a cgo build", ErrBackendUnavailable)
}

func (f *FastEmbed) Name() string   { return "fastembed" }
func (f *FastEmbed) Model() string  { return "" }
func (f *FastEmbed) Dimension() int { return 0 }

func (f *FastEmbed) Embed(context.Context, []string) ([][]float32, error) {
	return nil, ErrBackendUnavailable
}

func (f *FastEmbed) Close() error { return nil }
