// Package runs tracks the lifecycle of daemon-submitted ingestion runs and
// publishes their events on NATS.
package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/ingestd/internal/ingest"
	"github.com/fyrsmithlabs/ingestd/internal/logging"
	"github.com/fyrsmithlabs/ingestd/internal/pipeline"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned for an unknown run ID.
	ErrNotFound = errors.New("run not found")

	// ErrInvalidTransition is returned when a lifecycle step does not
	// follow pending → running → completed|failed.
	ErrInvalidTransition = errors.New("invalid run transition")
)

// Status is a run lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Run is a snapshot of one run's state.
type Run struct {
	ID         string                  `json:"run_id"`
	TenantID   ingest.TenantID         `json:"tenant_id"`
	Source     ingest.SourceDescriptor `json:"source"`
	Status     Status                  `json:"status"`
	Progress   int                     `json:"progress"`
	Stage      pipeline.Stage          `json:"stage,omitempty"`
	Result     *ingest.RunResult       `json:"result,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`
	UpdatedAt  time.Time               `json:"updated_at"`
	FinishedAt time.Time               `json:"finished_at,omitzero"`
}

// Event names used in subjects.
const (
	EventStarted   = "started"
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

// Subject returns ingest.runs.<tenant>.<run_id>.<event>.
func Subject(tenant ingest.TenantID, runID, event string) string {
	return fmt.Sprintf("ingest.runs.%s.%s.%s", tenant, runID, event)
}

// DefaultRetention is how long finished runs stay queryable.
const DefaultRetention = time.Hour

// Registry keeps runs in memory. When a NATS connection is set every
// transition is also published; publish failures are logged, never fatal.
//
// Registry is a pipeline.ProgressSink: progress for the run whose ID is in
// the context (logging.WithRunID) updates that run.
type Registry struct {
	nats      *nats.Conn
	logger    *zap.Logger
	retention time.Duration
	now       func() time.Time

	mu   sync.RWMutex
	runs map[string]*Run
}

var _ pipeline.ProgressSink = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithNATS publishes lifecycle events on nc.
func WithNATS(nc *nats.Conn) Option {
	return func(r *Registry) { r.nats = nc }
}

// WithRetention sets how long finished runs are kept before Prune drops them.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) { r.retention = d }
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		logger:    logger.Named("runs"),
		retention: DefaultRetention,
		now:       time.Now,
		runs:      make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create records a pending run and returns its snapshot.
func (r *Registry) Create(tenant ingest.TenantID, src ingest.SourceDescriptor) Run {
	now := r.now()
	run := &Run{
		ID:        uuid.New().String(),
		TenantID:  tenant,
		Source:    src,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.mu.Lock()
	r.runs[run.ID] = run
	r.mu.Unlock()
	return *run
}

// Started moves a pending run to running.
func (r *Registry) Started(id string) error {
	snap, err := r.update(id, func(run *Run) error {
		if run.Status != StatusPending {
			return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, run.Status, StatusRunning)
		}
		run.Status = StatusRunning
		return nil
	})
	if err != nil {
		return err
	}
	r.publish(snap.TenantID, id, EventStarted, snap)
	return nil
}

// Progress implements pipeline.ProgressSink.
func (r *Registry) Progress(ctx context.Context, _ ingest.TenantID, percent int, stage pipeline.Stage) {
	id := logging.RunIDFromContext(ctx)
	if id == "" {
		return
	}
	if err := r.UpdateProgress(id, percent, stage); err != nil {
		r.logger.Debug("ignoring progress", zap.String("run_id", id), zap.Error(err))
	}
}

// UpdateProgress records the latest progress of a running run.
func (r *Registry) UpdateProgress(id string, percent int, stage pipeline.Stage) error {
	snap, err := r.update(id, func(run *Run) error {
		if run.Status != StatusRunning {
			return fmt.Errorf("%w: progress while %s", ErrInvalidTransition, run.Status)
		}
		run.Progress = percent
		run.Stage = stage
		return nil
	})
	if err != nil {
		return err
	}
	r.publish(snap.TenantID, id, EventProgress, progressEvent{
		RunID:   id,
		Percent: percent,
		Stage:   stage,
		At:      snap.UpdatedAt,
	})
	return nil
}

// Finish records the pipeline's result and moves the run to completed or
// failed accordingly.
func (r *Registry) Finish(id string, res ingest.RunResult) error {
	snap, err := r.update(id, func(run *Run) error {
		if run.Status.Terminal() {
			return fmt.Errorf("%w: already %s", ErrInvalidTransition, run.Status)
		}
		run.Status = StatusCompleted
		if res.Failed() {
			run.Status = StatusFailed
		}
		result := res
		run.Result = &result
		run.FinishedAt = r.now()
		return nil
	})
	if err != nil {
		return err
	}
	event := EventCompleted
	if snap.Status == StatusFailed {
		event = EventFailed
	}
	r.publish(snap.TenantID, id, event, snap)
	return nil
}

// Get returns a snapshot of the run.
func (r *Registry) Get(id string) (Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return snapshot(run), nil
}

// Prune drops finished runs older than the retention and returns how many
// were removed.
func (r *Registry) Prune() int {
	cutoff := r.now().Add(-r.retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, run := range r.runs {
		if run.Status.Terminal() && run.FinishedAt.Before(cutoff) {
			delete(r.runs, id)
			n++
		}
	}
	return n
}

func (r *Registry) update(id string, fn func(*Run) error) (Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := fn(run); err != nil {
		return Run{}, err
	}
	run.UpdatedAt = r.now()
	return snapshot(run), nil
}

func snapshot(run *Run) Run {
	s := *run
	if run.Result != nil {
		res := *run.Result
		s.Result = &res
	}
	return s
}

type progressEvent struct {
	RunID   string         `json:"run_id"`
	Percent int            `json:"percent"`
	Stage   pipeline.Stage `json:"stage"`
	At      time.Time      `json:"timestamp"`
}

func (r *Registry) publish(tenant ingest.TenantID, id, event string, payload any) {
	if r.nats == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn("failed to marshal run event", zap.String("event", event), zap.Error(err))
		return
	}
	if err := r.nats.Publish(Subject(tenant, id, event), data); err != nil {
		r.logger.Warn("failed to publish run event",
			zap.String("run_id", id),
			zap.String("event", event),
			zap.Error(err))
	}
}
