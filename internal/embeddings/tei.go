package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TEIConfig configures a HuggingFace Text-Embeddings-Inference backend.
type TEIConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
	// Client overrides the HTTP client.
	Client *http.Client
	// SkipProbe trusts the model dimension table instead of calling the service.
	SkipProbe bool
}

// TEI calls a remote TEI service's /embed endpoint.
type TEI struct {
	baseURL   string
	model     string
	dimension int
	client    *http.Client
}

var _ Backend = (*TEI)(nil)

type teiRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate"`
}

// NewTEI creates the backend and probes the service once to learn the
// vector dimension, so an unreachable service fails negotiation.
func NewTEI(ctx context.Context, cfg TEIConfig) (*TEI, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: tei base URL required", ErrInvalidConfig)
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	t := &TEI{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		client:  client,
	}

	if cfg.SkipProbe {
		t.dimension = guessDimension(cfg.Model)
		return t, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	vecs, err := t.Embed(probeCtx, []string{"dimension probe"})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("%w: tei probe returned no vector", ErrBackendUnavailable)
	}
	t.dimension = len(vecs[0])
	return t, nil
}

func (t *TEI) Name() string   { return "tei" }
func (t *TEI) Model() string  { return t.model }
func (t *TEI) Dimension() int { return t.dimension }
func (t *TEI) Close() error   { return nil }

// Embed posts texts to /embed with truncation enabled.
func (t *TEI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(teiRequest{Inputs: texts, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tei request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("tei status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("decoding tei response: %w", err)
	}
	return vectors, nil
}
