package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fyrsmithlabs/ingestd/internal/logging"
	"github.com/fyrsmithlabs/ingestd/internal/natstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf)
	s.Progress(context.Background(), "acme", 5, StageStart)
	s.Progress(context.Background(), "acme", 40, StageChunk)
	assert.Equal(t, "PROGRESS: 5\nPROGRESS: 40\n", buf.String())
}

func TestMonotonic(t *testing.T) {
	tests := []struct {
		name string
		in   []int
		want []int
	}{
		{"increasing", []int{5, 12, 40, 100}, []int{5, 12, 40, 100}},
		{"drops regressions", []int{5, 40, 30, 40, 70}, []int{5, 40, 70}},
		{"clamps", []int{-10, 150, 100}, []int{0, 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingSink{}
			m := newMonotonic(rec)
			for _, p := range tt.in {
				m.Progress(context.Background(), "acme", p, StageChunk)
			}
			assert.Equal(t, tt.want, rec.percents())
		})
	}
}

func TestMultiSink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	MultiSink{a, nil, b}.Progress(context.Background(), "acme", 70, StageEmbed)
	assert.Equal(t, []int{70}, a.percents())
	assert.Equal(t, []int{70}, b.percents())
}

func TestNATSSink(t *testing.T) {
	nc := natstest.Connect(t)
	sub, err := nc.SubscribeSync(ProgressSubject("acme"))
	require.NoError(t, err)

	sink := NewNATSSink(nc, nil)
	ctx := logging.WithRunID(context.Background(), "run-7")
	sink.Progress(ctx, "acme", 40, StageChunk)
	require.NoError(t, nc.Flush())

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var ev ProgressEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, ProgressEvent{TenantID: "acme", RunID: "run-7", Percent: 40, Stage: StageChunk}, ev)
}

func TestAcquireProgress(t *testing.T) {
	assert.Equal(t, 10, acquireProgress(0))
	assert.Equal(t, 12, acquireProgress(2))
	assert.Equal(t, 30, acquireProgress(20))
	assert.Equal(t, 30, acquireProgress(500))
	assert.Len(t, AllStages(), 7)
}
