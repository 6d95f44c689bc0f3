package embeddings

import (
	"context"
	"fmt"
	"sort"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAI-compatible embeddings backend.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// Dimensions requests shortened vectors from text-embedding-3 models so
	// the backend can stand in for a smaller local model.
	Dimensions int
}

// OpenAI calls the embeddings endpoint through go-openai.
type OpenAI struct {
	client     *openai.Client
	model      string
	dimension  int
	dimensions int
}

var _ Backend = (*OpenAI)(nil)

// NewOpenAI creates the backend. It does not call the API.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: openai api key required", ErrInvalidConfig)
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}

	dimension := cfg.Dimensions
	if dimension <= 0 {
		d, ok := KnownDimension(cfg.Model)
		if !ok {
			return nil, fmt.Errorf("%w: unknown dimension for model %q, set openai_dimensions", ErrInvalidConfig, cfg.Model)
		}
		dimension = d
	}

	return &OpenAI{
		client:     openai.NewClientWithConfig(oc),
		model:      cfg.Model,
		dimension:  dimension,
		dimensions: cfg.Dimensions,
	}, nil
}

func (o *OpenAI) Name() string   { return "openai" }
func (o *OpenAI) Model() string  { return o.model }
func (o *OpenAI) Dimension() int { return o.dimension }
func (o *OpenAI) Close() error   { return nil }

// Embed returns vectors in input order regardless of response ordering.
func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(o.model),
		Dimensions: o.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	out := make([][]float32, len(data))
	for i, d := range data {
		out[i] = d.Embedding
	}
	return out, nil
}
