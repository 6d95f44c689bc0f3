package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fyrsmithlabs/ingestd/internal/ingest"
	"github.com/fyrsmithlabs/ingestd/internal/logging"
	"github.com/fyrsmithlabs/ingestd/internal/runs"
	"github.com/fyrsmithlabs/ingestd/internal/vectorstore"
	"github.com/fyrsmithlabs/ingestd/internal/worker"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type fakeSubmitter struct {
	err  error
	jobs []worker.Job
}

func (f *fakeSubmitter) Submit(job worker.Job) (runs.Run, error) {
	f.jobs = append(f.jobs, job)
	if f.err != nil {
		return runs.Run{}, f.err
	}
	return runs.Run{ID: "run-1", TenantID: job.TenantID, Status: runs.StatusPending}, nil
}

type fakeLookup map[string]runs.Run

func (f fakeLookup) Get(id string) (runs.Run, error) {
	run, ok := f[id]
	if !ok {
		return runs.Run{}, fmt.Errorf("%w: %s", runs.ErrNotFound, id)
	}
	return run, nil
}

type fakeSearcher struct {
	results map[ingest.TenantID][]vectorstore.RankedResult
	err     error
	gotK    int
	gotVec  []float32
}

func (f *fakeSearcher) Search(_ context.Context, tenant ingest.TenantID, query []float32, k int) ([]vectorstore.RankedResult, error) {
	f.gotK, f.gotVec = k, query
	if f.err != nil {
		return nil, f.err
	}
	res, ok := f.results[tenant]
	if !ok {
		return nil, fmt.Errorf("%w: tenant %s", vectorstore.ErrNotFound, tenant)
	}
	return res, nil
}

type fakeEmbedder struct {
	err   error
	calls [][]string
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls = append(f.calls, texts)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int  { return 3 }
func (f *fakeEmbedder) ModelID() string { return "fake/test-3" }

type fakePool struct{ running, capacity int }

func (f fakePool) Running() int { return f.running }
func (f fakePool) Cap() int     { return f.capacity }

func setupTestServer(t *testing.T, sub *fakeSubmitter, lookup fakeLookup, opts ...Option) *Server {
	t.Helper()
	if sub == nil {
		sub = &fakeSubmitter{}
	}
	if lookup == nil {
		lookup = fakeLookup{}
	}
	server, err := NewServer(sub, lookup, zap.NewNop(), &Config{Host: "localhost", Port: 9090}, opts...)
	require.NoError(t, err)
	return server
}

func postJSON(t *testing.T, server *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(&fakeSubmitter{}, fakeLookup{}, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 9090, server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(&fakeSubmitter{}, fakeLookup{}, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error without collaborators", func(t *testing.T) {
		_, err := NewServer(nil, fakeLookup{}, zap.NewNop(), nil)
		assert.Error(t, err)
	})
}

func TestHandleHealth(t *testing.T) {
	t.Run("without pool stats", func(t *testing.T) {
		server := setupTestServer(t, nil, nil)
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.Nil(t, resp.Workers)
	})

	t.Run("with pool stats", func(t *testing.T) {
		server := setupTestServer(t, nil, nil, WithPoolStats(fakePool{running: 2, capacity: 4}))
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotNil(t, resp.Workers)
		assert.Equal(t, WorkerStats{Running: 2, Capacity: 4}, *resp.Workers)
	})
}

func TestHandleSubmitRun(t *testing.T) {
	validBody := SubmitRunRequest{
		TenantID: "trial_abc",
		Source:   ingest.SourceDescriptor{Type: ingest.SourceURL, URL: "https://example.com"},
	}

	t.Run("accepts a valid run", func(t *testing.T) {
		sub := &fakeSubmitter{}
		server := setupTestServer(t, sub, nil)

		rec := postJSON(t, server, "/api/v1/runs", validBody)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		var resp SubmitRunResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "run-1", resp.RunID)
		assert.Equal(t, ingest.TenantID("trial_abc"), resp.TenantID)
		assert.Equal(t, runs.StatusPending, resp.Status)
		require.Len(t, sub.jobs, 1)
		assert.Equal(t, "https://example.com", sub.jobs[0].Source.URL)
	})

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"invalid tenant", fmt.Errorf("validating job: %w", ingest.ErrInvalidTenant), http.StatusBadRequest},
		{"invalid source", fmt.Errorf("validating job: %w", ingest.ErrInvalidSource), http.StatusBadRequest},
		{"pool busy", worker.ErrBusy, http.StatusServiceUnavailable},
		{"pool closed", worker.ErrClosed, http.StatusServiceUnavailable},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := setupTestServer(t, &fakeSubmitter{err: tt.err}, nil)
			rec := postJSON(t, server, "/api/v1/runs", validBody)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}

	t.Run("rejects malformed body", func(t *testing.T) {
		sub := &fakeSubmitter{}
		server := setupTestServer(t, sub, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewBufferString("{not json"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, sub.jobs)
	})
}

func TestHandleGetRun(t *testing.T) {
	lookup := fakeLookup{
		"run-1": {ID: "run-1", TenantID: "t1", Status: runs.StatusRunning, Progress: 40},
	}
	server := setupTestServer(t, nil, lookup)

	t.Run("found", func(t *testing.T) {
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/run-1", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		var run runs.Run
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
		assert.Equal(t, "run-1", run.ID)
		assert.Equal(t, runs.StatusRunning, run.Status)
		assert.Equal(t, 40, run.Progress)
	})

	t.Run("not found", func(t *testing.T) {
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/missing", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleSearch(t *testing.T) {
	hits := []vectorstore.RankedResult{{Distance: 0.1, Score: 0.9}, {Distance: 0.4, Score: 0.6}}
	newServer := func(t *testing.T) (*Server, *fakeSearcher, *fakeEmbedder) {
		idx := &fakeSearcher{results: map[ingest.TenantID][]vectorstore.RankedResult{"t1": hits}}
		emb := &fakeEmbedder{}
		return setupTestServer(t, nil, nil, WithSearch(idx, emb)), idx, emb
	}

	t.Run("ranked results", func(t *testing.T) {
		server, idx, emb := newServer(t)
		rec := postJSON(t, server, "/api/v1/search", SearchRequest{TenantID: "t1", Query: "pricing", K: 2})

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp SearchResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, ingest.TenantID("t1"), resp.TenantID)
		require.Len(t, resp.Results, 2)
		assert.InDelta(t, 0.9, resp.Results[0].Score, 1e-9)
		assert.Equal(t, [][]string{{"pricing"}}, emb.calls)
		assert.Equal(t, 2, idx.gotK)
		assert.Equal(t, []float32{7, 1, 0}, idx.gotVec)
	})

	t.Run("k defaults to ten", func(t *testing.T) {
		server, idx, _ := newServer(t)
		rec := postJSON(t, server, "/api/v1/search", SearchRequest{TenantID: "t1", Query: "q"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 10, idx.gotK)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		server, _, _ := newServer(t)
		rec := postJSON(t, server, "/api/v1/search", SearchRequest{TenantID: "nobody", Query: "q"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		server, idx, _ := newServer(t)
		idx.err = &vectorstore.DimensionMismatchError{Expected: 384, Got: 3}
		rec := postJSON(t, server, "/api/v1/search", SearchRequest{TenantID: "t1", Query: "q"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("embedding failure", func(t *testing.T) {
		server, idx, emb := newServer(t)
		emb.err = errors.New("backend down")
		rec := postJSON(t, server, "/api/v1/search", SearchRequest{TenantID: "t1", Query: "q"})
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Zero(t, idx.gotK)
	})

	for _, tc := range []struct {
		name string
		req  SearchRequest
	}{
		{"invalid tenant", SearchRequest{TenantID: "bad tenant!", Query: "q"}},
		{"empty query", SearchRequest{TenantID: "t1"}},
		{"negative k", SearchRequest{TenantID: "t1", Query: "q", K: -1}},
		{"k too large", SearchRequest{TenantID: "t1", Query: "q", K: maxSearchK + 1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			server, _, emb := newServer(t)
			rec := postJSON(t, server, "/api/v1/search", tc.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, emb.calls)
		})
	}
}

func TestHandleEmbedBatch(t *testing.T) {
	t.Run("one vector per text", func(t *testing.T) {
		emb := &fakeEmbedder{}
		server := setupTestServer(t, nil, nil, WithSearch(nil, emb))
		rec := postJSON(t, server, "/api/v1/embeddings/batch", EmbedBatchRequest{Texts: []string{"a", "bcd"}})

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp EmbedBatchResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, [][]float32{{1, 1, 0}, {3, 1, 0}}, resp.Vectors)
		assert.Equal(t, "fake/test-3", resp.Model)
		assert.Equal(t, 3, resp.Dimension)
	})

	t.Run("empty batch", func(t *testing.T) {
		server := setupTestServer(t, nil, nil, WithSearch(nil, &fakeEmbedder{}))
		rec := postJSON(t, server, "/api/v1/embeddings/batch", EmbedBatchRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("oversized batch", func(t *testing.T) {
		emb := &fakeEmbedder{}
		server := setupTestServer(t, nil, nil, WithSearch(nil, emb))
		rec := postJSON(t, server, "/api/v1/embeddings/batch", EmbedBatchRequest{Texts: make([]string, maxBatchTexts+1)})
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Empty(t, emb.calls)
	})

	t.Run("backend failure", func(t *testing.T) {
		server := setupTestServer(t, nil, nil, WithSearch(nil, &fakeEmbedder{err: errors.New("down")}))
		rec := postJSON(t, server, "/api/v1/embeddings/batch", EmbedBatchRequest{Texts: []string{"a"}})
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("routes absent without an embedder", func(t *testing.T) {
		server := setupTestServer(t, nil, nil)
		rec := postJSON(t, server, "/api/v1/embeddings/batch", EmbedBatchRequest{Texts: []string{"a"}})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		rec = postJSON(t, server, "/api/v1/search", SearchRequest{TenantID: "t1", Query: "q"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	server := setupTestServer(t, nil, nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestAccessLog(t *testing.T) {
	tl := logging.NewTestLogger()
	server, err := NewServer(&fakeSubmitter{}, fakeLookup{}, tl.Underlying(), nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/missing", nil))

	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	tl.AssertLogged(t, zapcore.InfoLevel, "http request")
	tl.AssertField(t, "http request", "status", int64(http.StatusNotFound))
}
