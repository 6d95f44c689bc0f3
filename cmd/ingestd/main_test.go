package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ingestd/internal/ingest"
)

func TestSourceFromFlags(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		depth    int
		maxPages int
		files    []string
		want     ingest.SourceDescriptor
	}{
		{
			name:  "url uses config defaults",
			url:   "https://example.com",
			depth: -1,
			want:  ingest.SourceDescriptor{Type: ingest.SourceURL, URL: "https://example.com", CrawlDepth: 2, MaxPages: 50},
		},
		{
			name:     "url with explicit zero depth",
			url:      "https://example.com",
			depth:    0,
			maxPages: 3,
			want:     ingest.SourceDescriptor{Type: ingest.SourceURL, URL: "https://example.com", CrawlDepth: 0, MaxPages: 3},
		},
		{
			name:  "files",
			depth: -1,
			files: []string{"a.txt", "b.pdf"},
			want:  ingest.SourceDescriptor{Type: ingest.SourceFiles, Files: []string{"a.txt", "b.pdf"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sourceFromFlags(tt.url, tt.depth, tt.maxPages, tt.files, 2, 50)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, got.Validate())
		})
	}
}

func TestBackfillOptions(t *testing.T) {
	saved := backfillFlags
	t.Cleanup(func() { backfillFlags = saved })

	t.Run("defaults from config", func(t *testing.T) {
		backfillFlags = backfillFlagSet{sleep: -1}

		opts, path := backfillOptions(200, 500*time.Millisecond, "backfill_checkpoint.json")
		assert.Equal(t, 200, opts.BatchSize)
		assert.Equal(t, 500*time.Millisecond, opts.Sleep)
		assert.Equal(t, "backfill_checkpoint.json", path)
		assert.Empty(t, opts.Tenant)
	})

	t.Run("flags win", func(t *testing.T) {
		backfillFlags.tenant = "t1"
		backfillFlags.batchSize = 10
		backfillFlags.sleep = 0
		backfillFlags.checkpointFile = "/tmp/cp.json"
		backfillFlags.resume = true
		backfillFlags.dryRun = true

		opts, path := backfillOptions(200, 500*time.Millisecond, "backfill_checkpoint.json")
		assert.Equal(t, ingest.TenantID("t1"), opts.Tenant)
		assert.Equal(t, 10, opts.BatchSize)
		assert.Zero(t, opts.Sleep)
		assert.True(t, opts.Resume)
		assert.True(t, opts.DryRun)
		assert.Equal(t, "/tmp/cp.json", path)
	})
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 1, exitCode(&runFailedError{msg: "no content acquired"}))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, out.String(), "Version:    dev")
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"ingest", "search", "purge", "backfill", "serve", "version"} {
		require.True(t, names[want], "missing command %s", want)
	}
}
