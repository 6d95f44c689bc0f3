package ingest_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/ingestd/internal/ingest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTenantID_Validate(t *testing.T) {
	tests := []struct {
		name    string
		tenant  ingest.TenantID
		wantErr bool
	}{
		{"simple", "trial_abc", false},
		{"dash and digits", "t-123", false},
		{"max length", ingest.TenantID(strings.Repeat("a", 128)), false},
		{"empty", "", true},
		{"too long", ingest.TenantID(strings.Repeat("a", 129)), true},
		{"path traversal", "../etc", true},
		{"slash", "a/b", true},
		{"space", "a b", true},
		{"dot", "a.b", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tenant.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ingest.ErrInvalidTenant)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIndexMetadata_Expired(t *testing.T) {
	now := time.Now()
	m := ingest.IndexMetadata{ExpiresAt: now.Add(-time.Minute)}
	assert.True(t, m.Expired(now))

	m.ExpiresAt = now.Add(time.Hour)
	assert.False(t, m.Expired(now))
}

func TestRunResult_JSONOmitsOptionalFields(t *testing.T) {
	res := ingest.RunResult{Status: ingest.StatusFailed, TenantID: "t1", Error: "no pages"}
	data, err := json.Marshal(res)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "failed", m["status"])
	assert.Equal(t, "t1", m["tenant_id"])
	assert.EqualValues(t, 0, m["pages_processed"])
	assert.NotContains(t, m, "published")
	assert.NotContains(t, m, "index_path")
	assert.True(t, res.Failed())

	published := false
	res = ingest.RunResult{Status: ingest.StatusCompleted, TenantID: "t1", Published: &published}
	data, err = json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"published":false`)
}

func TestSourceDescriptor_Validate(t *testing.T) {
	tests := []struct {
		name    string
		src     ingest.SourceDescriptor
		wantErr bool
	}{
		{"url", ingest.SourceDescriptor{Type: ingest.SourceURL, URL: "https://example.com", CrawlDepth: 2}, false},
		{"url missing", ingest.SourceDescriptor{Type: ingest.SourceURL}, true},
		{"negative depth", ingest.SourceDescriptor{Type: ingest.SourceURL, URL: "https://example.com", CrawlDepth: -1}, true},
		{"files", ingest.SourceDescriptor{Type: ingest.SourceFiles, Files: []string{"a.txt"}}, false},
		{"files empty", ingest.SourceDescriptor{Type: ingest.SourceFiles}, true},
		{"unknown type", ingest.SourceDescriptor{Type: "ftp", URL: "ftp://x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.src.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ingest.ErrInvalidSource)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
