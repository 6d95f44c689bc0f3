package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fyrsmithlabs/ingestd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiate(t *testing.T) {
	builders := map[string]func() (Backend, error){
		"broken": func() (Backend, error) { return nil, errors.New("no runtime") },
		"a384":   func() (Backend, error) { return newFake("a384", 384), nil },
		"b768":   func() (Backend, error) { return newFake("b768", 768), nil },
		"c384":   func() (Backend, error) { return newFake("c384", 384), nil },
	}
	build := func(_ context.Context, cfg BackendConfig) (Backend, error) {
		return builders[cfg.Name]()
	}
	cfgs := func(names ...string) []BackendConfig {
		out := make([]BackendConfig, len(names))
		for i, n := range names {
			out[i] = BackendConfig{Name: n}
		}
		return out
	}

	tests := []struct {
		name          string
		order         []string
		wantPrimary   string
		wantSecondary []string
		wantErr       bool
	}{
		{"first constructs", []string{"a384", "c384"}, "a384", []string{"c384"}, false},
		{"skips broken", []string{"broken", "a384", "c384"}, "a384", []string{"c384"}, false},
		{"skips dimension mismatch", []string{"a384", "b768", "c384"}, "a384", []string{"c384"}, false},
		{"primary only", []string{"b768"}, "b768", nil, false},
		{"none", []string{"broken"}, "", nil, true},
		{"empty", nil, "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary, secondary, err := negotiate(context.Background(), cfgs(tt.order...), nil, build)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoBackendAvailable)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrimary, primary.Name())
			var names []string
			for _, b := range secondary {
				names = append(names, b.Name())
			}
			assert.Equal(t, tt.wantSecondary, names)
		})
	}
}

func TestNegotiate_WrapsCauses(t *testing.T) {
	_, _, err := Negotiate(context.Background(), []BackendConfig{
		{Name: "openai"},
		{Name: "mystery"},
	}, nil)
	assert.ErrorIs(t, err, ErrNoBackendAvailable)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "mystery")
}

func TestBackendsFromConfig(t *testing.T) {
	cfg := config.Default().Embeddings
	cfg.Backends = []string{"tei", "openai"}
	cfg.OpenAIAPIKey = "sk-test"
	cfg.OpenAIDimensions = 384

	got := BackendsFromConfig(cfg)
	require.Len(t, got, 2)
	assert.Equal(t, "tei", got[0].Name)
	assert.Equal(t, cfg.TEIURL, got[0].URL)
	assert.Equal(t, "openai", got[1].Name)
	assert.Equal(t, "sk-test", got[1].APIKey)
	assert.Equal(t, 384, got[1].Dimensions)
}

func newTEIServer(t *testing.T, dim int, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if status != http.StatusOK {
			http.Error(w, "overloaded", status)
			return
		}
		var req teiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out := make([][]float32, len(req.Inputs))
		for i, in := range req.Inputs {
			v := make([]float32, dim)
			v[0] = float32(len(in))
			out[i] = v
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTEI_ProbesDimension(t *testing.T) {
	srv := newTEIServer(t, 16, http.StatusOK)

	b, err := NewTEI(context.Background(), TEIConfig{BaseURL: srv.URL + "/", Model: "custom"})
	require.NoError(t, err)
	assert.Equal(t, 16, b.Dimension())
	assert.Equal(t, "tei", b.Name())

	vecs, err := b.Embed(context.Background(), []string{"abc", "de"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.EqualValues(t, 3, vecs[0][0])
	assert.EqualValues(t, 2, vecs[1][0])
}

func TestTEI_Unavailable(t *testing.T) {
	srv := newTEIServer(t, 16, http.StatusServiceUnavailable)

	_, err := NewTEI(context.Background(), TEIConfig{BaseURL: srv.URL})
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	_, err = NewTEI(context.Background(), TEIConfig{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	b, err := NewTEI(context.Background(), TEIConfig{BaseURL: srv.URL, Model: "BAAI/bge-base-en-v1.5", SkipProbe: true})
	require.NoError(t, err)
	assert.Equal(t, 768, b.Dimension())
	_, err = b.Embed(context.Background(), []string{"x"})
	assert.ErrorContains(t, err, "503")
}

func TestOpenAI_Embed(t *testing.T) {
	var gotDims float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotDims, _ = req["dimensions"].(float64)

		// respond out of order to check index-based reordering
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-3-small",
			"data":[
				{"object":"embedding","index":1,"embedding":[0.0,1.0,0.0]},
				{"object":"embedding","index":0,"embedding":[1.0,0.0,0.0]}
			],
			"usage":{"prompt_tokens":2,"total_tokens":2}}`))
	}))
	t.Cleanup(srv.Close)

	b, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1", Dimensions: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, b.Dimension())
	assert.Equal(t, "text-embedding-3-small", b.Model())

	vecs, err := b.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0, 0}, {0, 1, 0}}, vecs)
	assert.EqualValues(t, 3, gotDims)
}

func TestOpenAI_Config(t *testing.T) {
	_, err := NewOpenAI(OpenAIConfig{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewOpenAI(OpenAIConfig{APIKey: "k", Model: "in-house-model"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	b, err := NewOpenAI(OpenAIConfig{APIKey: "k", Model: "text-embedding-3-large"})
	require.NoError(t, err)
	assert.Equal(t, 3072, b.Dimension())
}
