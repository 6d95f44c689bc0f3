package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fyrsmithlabs/ingestd/internal/ingest"
	"go.uber.org/zap"
)

// StatusError is a non-retryable HTTP response from the REST store.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("docstore %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// retryable reports whether the response status warrants another attempt.
func retryable(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// RESTConfig configures a PostgREST-compatible store.
type RESTConfig struct {
	BaseURL       string
	APIKey        string
	Table         string
	MatchFunction string

	// MaxRetries bounds retries of 5xx, 429 and transport failures. Default: 5.
	MaxRetries uint

	// InitialBackoff is the first retry delay, doubled per attempt. Default: 1s.
	InitialBackoff time.Duration

	// Timeout applies per request. Default: 60s.
	Timeout time.Duration

	Client *http.Client
}

// REST is a Store backed by a PostgREST/Supabase endpoint.
type REST struct {
	cfg    RESTConfig
	base   *url.URL
	client *http.Client
	logger *zap.Logger
}

var _ Store = (*REST)(nil)

// NewREST validates cfg and returns a client. No request is made.
func NewREST(cfg RESTConfig, logger *zap.Logger) (*REST, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("docstore: base URL required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("docstore: parsing base URL: %w", err)
	}
	if cfg.Table == "" {
		cfg.Table = "document_chunks"
	}
	if cfg.MatchFunction == "" {
		cfg.MatchFunction = "match_embeddings_by_tenant"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &REST{cfg: cfg, base: base, client: client, logger: logger.Named("docstore")}, nil
}

// do sends one logical request, retrying per the store's policy, and decodes
// a JSON response into out when out is non-nil.
func (r *REST) do(ctx context.Context, method, path string, query url.Values, body any, header http.Header, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("docstore: encoding body: %w", err)
		}
	}

	u := *r.base
	u.Path += path
	u.RawQuery = query.Encode()
	target := u.String()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff

	attempt := 0
	respBody, err := backoff.Retry(ctx, func() ([]byte, error) {
		attempt++
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("apikey", r.cfg.APIKey)
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := r.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		if err != nil {
			return nil, err
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		serr := &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: truncate(string(data), 300)}
		if !retryable(resp.StatusCode) {
			return nil, backoff.Permanent(serr)
		}
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
			return nil, backoff.RetryAfter(secs)
		}
		return nil, serr
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.cfg.MaxRetries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("retrying docstore request",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Duration("next", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		return err
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("docstore: decoding %s response: %w", path, err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (r *REST) tablePath() string { return "/rest/v1/" + r.cfg.Table }

func (r *REST) upsert(ctx context.Context, rows any) error {
	q := url.Values{"on_conflict": {"id"}}
	h := http.Header{"Prefer": {"resolution=merge-duplicates,return=minimal"}}
	return r.do(ctx, http.MethodPost, r.tablePath(), q, rows, h, nil)
}

func (r *REST) Upsert(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	return r.upsert(ctx, rows)
}

func (r *REST) FetchMissing(ctx context.Context, tenant ingest.TenantID, afterID string, limit int) ([]Row, error) {
	q := url.Values{
		"select":    {"id,content,metadata,tenant_id"},
		"embedding": {"is.null"},
		"order":     {"id.asc"},
		"limit":     {strconv.Itoa(limit)},
	}
	if tenant != "" {
		q.Set("tenant_id", "eq."+string(tenant))
	}
	if afterID != "" {
		q.Set("id", "gt."+afterID)
	}
	var rows []Row
	if err := r.do(ctx, http.MethodGet, r.tablePath(), q, nil, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// embeddingUpdate carries only the columns an embedding backfill touches, so
// the merge leaves content and metadata alone.
type embeddingUpdate struct {
	ID        string          `json:"id"`
	TenantID  ingest.TenantID `json:"tenant_id"`
	Embedding []float32       `json:"embedding"`
}

func (r *REST) UpdateEmbeddings(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	updates := make([]embeddingUpdate, len(rows))
	for i, row := range rows {
		updates[i] = embeddingUpdate{ID: row.ID, TenantID: row.TenantID, Embedding: row.Embedding}
	}
	return r.upsert(ctx, updates)
}

func (r *REST) Match(ctx context.Context, tenant ingest.TenantID, vec []float32, count int) ([]Match, error) {
	body := map[string]any{
		"query_embedding": vec,
		"match_count":     count,
		"p_tenant_id":     string(tenant),
	}
	var matches []Match
	if err := r.do(ctx, http.MethodPost, "/rest/v1/rpc/"+r.cfg.MatchFunction, nil, body, nil, &matches); err != nil {
		return nil, err
	}
	return matches, nil
}

func (r *REST) Close() error {
	r.client.CloseIdleConnections()
	return nil
}
