package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/fyrsmithlabs/ingestd/internal/ingest"
	"github.com/fyrsmithlabs/ingestd/internal/logging"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ProgressSink receives percent-complete updates for a run.
type ProgressSink interface {
	Progress(ctx context.Context, tenant ingest.TenantID, percent int, stage Stage)
}

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(ctx context.Context, tenant ingest.TenantID, percent int, stage Stage)

func (f SinkFunc) Progress(ctx context.Context, tenant ingest.TenantID, percent int, stage Stage) {
	f(ctx, tenant, percent, stage)
}

// WriterSink writes "PROGRESS: <n>" lines.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink returns a sink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Progress(_ context.Context, _ ingest.TenantID, percent int, _ Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Progress is advisory; a broken writer must not fail the run.
	_, _ = fmt.Fprintf(s.w, "PROGRESS: %d\n", percent)
}

// ProgressEvent is the JSON payload published by NATSSink.
type ProgressEvent struct {
	TenantID ingest.TenantID `json:"tenant"`
	RunID    string          `json:"run_id,omitempty"`
	Percent  int             `json:"percent"`
	Stage    Stage           `json:"stage"`
}

// ProgressSubject returns the subject progress for tenant is published on.
func ProgressSubject(tenant ingest.TenantID) string {
	return "ingest.progress." + string(tenant)
}

// NATSSink publishes progress events to ingest.progress.<tenant>. The run
// ID is taken from the context (logging.WithRunID).
type NATSSink struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// NewNATSSink returns a sink publishing on conn.
func NewNATSSink(conn *nats.Conn, logger *zap.Logger) *NATSSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSink{conn: conn, logger: logger}
}

func (s *NATSSink) Progress(ctx context.Context, tenant ingest.TenantID, percent int, stage Stage) {
	data, err := json.Marshal(ProgressEvent{
		TenantID: tenant,
		RunID:    logging.RunIDFromContext(ctx),
		Percent:  percent,
		Stage:    stage,
	})
	if err != nil {
		return
	}
	if err := s.conn.Publish(ProgressSubject(tenant), data); err != nil {
		s.logger.Warn("failed to publish progress", zap.String("tenant", string(tenant)), zap.Error(err))
	}
}

// MultiSink fans each update out to every sink in order.
type MultiSink []ProgressSink

func (m MultiSink) Progress(ctx context.Context, tenant ingest.TenantID, percent int, stage Stage) {
	for _, s := range m {
		if s != nil {
			s.Progress(ctx, tenant, percent, stage)
		}
	}
}

// monotonic clamps values to [0,100] and drops anything not above the last
// value it forwarded. One is created per run.
type monotonic struct {
	next ProgressSink
	last int
}

func newMonotonic(next ProgressSink) *monotonic {
	return &monotonic{next: next, last: -1}
}

func (m *monotonic) Progress(ctx context.Context, tenant ingest.TenantID, percent int, stage Stage) {
	percent = max(0, min(100, percent))
	if percent <= m.last {
		return
	}
	m.last = percent
	if m.next != nil {
		m.next.Progress(ctx, tenant, percent, stage)
	}
}
