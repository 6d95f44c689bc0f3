package runs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fyrsmithlabs/ingestd/internal/ingest"
	"github.com/fyrsmithlabs/ingestd/internal/logging"
	"github.com/fyrsmithlabs/ingestd/internal/natstest"
	"github.com/fyrsmithlabs/ingestd/internal/pipeline"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var urlSource = ingest.SourceDescriptor{Type: ingest.SourceURL, URL: "https://example.com/"}

func TestRegistry_Lifecycle(t *testing.T) {
	r := NewRegistry(nil)
	run := r.Create("acme", urlSource)
	assert.Equal(t, StatusPending, run.Status)
	assert.NotEmpty(t, run.ID)

	require.NoError(t, r.Started(run.ID))
	require.NoError(t, r.UpdateProgress(run.ID, 40, pipeline.StageChunk))

	got, err := r.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, 40, got.Progress)
	assert.Equal(t, pipeline.StageChunk, got.Stage)

	require.NoError(t, r.Finish(run.ID, ingest.RunResult{Status: ingest.StatusCompleted, TenantID: "acme", PagesProcessed: 2}))
	got, err = r.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, 2, got.Result.PagesProcessed)
	assert.False(t, got.FinishedAt.IsZero())
}

func TestRegistry_FailedResult(t *testing.T) {
	r := NewRegistry(nil)
	run := r.Create("acme", urlSource)
	require.NoError(t, r.Started(run.ID))
	require.NoError(t, r.Finish(run.ID, ingest.RunResult{Status: ingest.StatusFailed, Error: "embedding failed"}))

	got, err := r.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "embedding failed", got.Result.Error)
}

func TestRegistry_InvalidTransitions(t *testing.T) {
	r := NewRegistry(nil)
	run := r.Create("acme", urlSource)

	assert.ErrorIs(t, r.UpdateProgress(run.ID, 5, pipeline.StageStart), ErrInvalidTransition)
	require.NoError(t, r.Started(run.ID))
	assert.ErrorIs(t, r.Started(run.ID), ErrInvalidTransition)
	require.NoError(t, r.Finish(run.ID, ingest.RunResult{Status: ingest.StatusCompleted}))
	assert.ErrorIs(t, r.Finish(run.ID, ingest.RunResult{Status: ingest.StatusFailed}), ErrInvalidTransition)
	assert.ErrorIs(t, r.UpdateProgress(run.ID, 100, pipeline.StageDone), ErrInvalidTransition)
}

func TestRegistry_NotFound(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Started("nope"), ErrNotFound)
	assert.ErrorIs(t, r.Finish("nope", ingest.RunResult{}), ErrNotFound)
}

func TestRegistry_SnapshotsAreCopies(t *testing.T) {
	r := NewRegistry(nil)
	run := r.Create("acme", urlSource)
	require.NoError(t, r.Started(run.ID))
	require.NoError(t, r.Finish(run.ID, ingest.RunResult{Status: ingest.StatusCompleted, ChunksCreated: 3}))

	got, _ := r.Get(run.ID)
	got.Result.ChunksCreated = 99
	got.Status = StatusPending

	again, _ := r.Get(run.ID)
	assert.Equal(t, 3, again.Result.ChunksCreated)
	assert.Equal(t, StatusCompleted, again.Status)
}

func TestRegistry_ProgressSink(t *testing.T) {
	r := NewRegistry(nil)
	run := r.Create("acme", urlSource)
	require.NoError(t, r.Started(run.ID))

	ctx := logging.WithRunID(context.Background(), run.ID)
	r.Progress(ctx, "acme", 70, pipeline.StageEmbed)
	// Without a run ID, progress is ignored.
	r.Progress(context.Background(), "acme", 90, pipeline.StageIndex)

	got, _ := r.Get(run.ID)
	assert.Equal(t, 70, got.Progress)
	assert.Equal(t, pipeline.StageEmbed, got.Stage)
}

func TestRegistry_Prune(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(nil, WithRetention(time.Hour))
	r.now = func() time.Time { return now }

	done := r.Create("acme", urlSource)
	require.NoError(t, r.Started(done.ID))
	require.NoError(t, r.Finish(done.ID, ingest.RunResult{Status: ingest.StatusCompleted}))
	active := r.Create("acme", urlSource)
	require.NoError(t, r.Started(active.ID))

	assert.Equal(t, 0, r.Prune())

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, r.Prune())
	_, err := r.Get(done.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get(active.ID)
	assert.NoError(t, err)
}

func TestRegistry_PublishesEvents(t *testing.T) {
	nc := natstest.Connect(t)
	sub, err := nc.SubscribeSync("ingest.runs.acme.>")
	require.NoError(t, err)

	r := NewRegistry(nil, WithNATS(nc))
	run := r.Create("acme", urlSource)
	require.NoError(t, r.Started(run.ID))
	require.NoError(t, r.UpdateProgress(run.ID, 40, pipeline.StageChunk))
	require.NoError(t, r.Finish(run.ID, ingest.RunResult{Status: ingest.StatusFailed, Error: "boom"}))
	require.NoError(t, nc.Flush())

	var msgs []*nats.Msg
	for i := 0; i < 3; i++ {
		msg, err := sub.NextMsg(2 * time.Second)
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}
	assert.Equal(t, Subject("acme", run.ID, EventStarted), msgs[0].Subject)
	assert.Equal(t, Subject("acme", run.ID, EventProgress), msgs[1].Subject)
	assert.Equal(t, Subject("acme", run.ID, EventFailed), msgs[2].Subject)

	var progress map[string]any
	require.NoError(t, json.Unmarshal(msgs[1].Data, &progress))
	assert.EqualValues(t, 40, progress["percent"])
	assert.Equal(t, "chunk", progress["stage"])

	var final Run
	require.NoError(t, json.Unmarshal(msgs[2].Data, &final))
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, "boom", final.Result.Error)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "ingest.runs.acme.r1.completed", Subject("acme", "r1", EventCompleted))
}
