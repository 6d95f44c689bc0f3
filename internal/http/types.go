package http

import (
	"github.com/fyrsmithlabs/ingestd/internal/ingest"
	"github.com/fyrsmithlabs/ingestd/internal/runs"
	"github.com/fyrsmithlabs/ingestd/internal/vectorstore"
)

// SubmitRunRequest is the request body for POST /api/v1/runs.
type SubmitRunRequest struct {
	TenantID ingest.TenantID         `json:"tenant_id"`
	Source   ingest.SourceDescriptor `json:"source"`
}

// SubmitRunResponse is the 202 response body for POST /api/v1/runs.
type SubmitRunResponse struct {
	RunID    string          `json:"run_id"`
	TenantID ingest.TenantID `json:"tenant_id"`
	Status   runs.Status     `json:"status"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version,omitempty"`
	Workers *WorkerStats `json:"workers,omitempty"`
}

// WorkerStats reports pool occupancy.
type WorkerStats struct {
	Running  int `json:"running"`
	Capacity int `json:"capacity"`
}

// SearchRequest is the request body for POST /api/v1/search. K defaults
// to 10.
type SearchRequest struct {
	TenantID ingest.TenantID `json:"tenant_id"`
	Query    string          `json:"query"`
	K        int             `json:"k,omitempty"`
}

// SearchResponse lists hits nearest first.
type SearchResponse struct {
	TenantID ingest.TenantID            `json:"tenant_id"`
	Results  []vectorstore.RankedResult `json:"results"`
}

// EmbedBatchRequest is the request body for POST /api/v1/embeddings/batch.
type EmbedBatchRequest struct {
	Texts []string `json:"texts"`
}

// EmbedBatchResponse holds one vector per input text, in input order.
type EmbedBatchResponse struct {
	Vectors   [][]float32 `json:"vectors"`
	Model     string      `json:"model"`
	Dimension int         `json:"dimension"`
}
