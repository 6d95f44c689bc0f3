// Package worker runs submitted ingestion runs on a bounded goroutine pool,
// one run per tenant at a time, and periodically purges expired indexes.
package worker

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
	"github.com/fyrsmithlabs/ingestd/internal/runs"
	"github.com/nats-io/nats.go"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// JobSubject is the NATS subject jobs are submitted on; JobQueue is the
// queue group so each job runs on exactly one daemon.
const (
	JobSubject = "ingest.jobs"
	JobQueue   = "ingestd"
)

var (
	// ErrBusy is returned when every worker is occupied.
	ErrBusy = errors.New("worker pool is busy")

	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("worker pool is closed")
)

// Runner executes one ingestion.
type Runner interface {
	Run(ctx context.Context, tenant ingest.TenantID, src ingest.SourceDescriptor, sinks ...pipeline.ProgressSink) ingest.RunResult
}

// Purger removes expired indexes.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// Job is a run request, as accepted over HTTP and NATS.
type Job struct {
	TenantID ingest.TenantID         `json:"tenant_id"`
	Source   ingest.SourceDescriptor `json:"source"`
}

// Validate checks the tenant and source.
func (j Job) Validate() error {
	if err := j.TenantID.Validate(); err != nil {
		return err
	}
	return j.Source.Validate()
}

// JobReply answers a NATS job request.
type JobReply struct {
	RunID    string          `json:"run_id,omitempty"`
	TenantID ingest.TenantID `json:"tenant_id,omitempty"`
	Status   runs.Status     `json:"status,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Config sizes the pool.
type Config struct {
	PoolSize      int
	PurgeInterval time.Duration
}

// Pool schedules runs. Runs for different tenants proceed concurrently up
// to PoolSize; runs for the same tenant are serialized.
type Pool struct {
	cfg      Config
	pool     *ants.Pool
	runner   Runner
	registry *runs.Registry
	purger   Purger
	logger   *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup // submitted runs
	bg      sync.WaitGroup // purger

	locksMu sync.Mutex
	locks   map[ingest.TenantID]*sync.Mutex

	mu     sync.Mutex
	sub    *nats.Subscription
	closed bool
}

// New creates a pool. Runs receive a context derived from ctx; cancelling
// ctx aborts in-flight runs.
func New(ctx context.Context, cfg Config, runner Runner, registry *runs.Registry, purger Purger, logger *zap.Logger) (*Pool, error) {
	if runner == nil || registry == nil {
		return nil, errors.New("worker: runner and registry are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	logger = logger.Named("worker")

	pool, err := ants.NewPool(cfg.PoolSize,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(v interface{}) {
			logger.Error("worker panic", zap.Any("panic", v))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	return &Pool{
		cfg:      cfg,
		pool:     pool,
		runner:   runner,
		registry: registry,
		purger:   purger,
		logger:   logger,
		ctx:      runCtx,
		cancel:   cancel,
		locks:    make(map[ingest.TenantID]*sync.Mutex),
	}, nil
}

// Submit validates job, registers a pending run and schedules it. It
// returns ErrBusy when no worker is free.
func (p *Pool) Submit(job Job) (runs.Run, error) {
	if err := job.Validate(); err != nil {
		return runs.Run{}, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return runs.Run{}, ErrClosed
	}
	p.running.Add(1)
	p.mu.Unlock()

	run := p.registry.Create(job.TenantID, job.Source)
	err := p.pool.Submit(func() {
		defer p.running.Done()
		p.execute(run)
	})
	if err != nil {
		p.running.Done()
		_ = p.registry.Finish(run.ID, ingest.RunResult{
			Status:   ingest.StatusFailed,
			TenantID: job.TenantID,
			Error:    ErrBusy.Error(),
		})
		if errors.Is(err, ants.ErrPoolOverload) {
			return runs.Run{}, ErrBusy
		}
		if errors.Is(err, ants.ErrPoolClosed) {
			return runs.Run{}, ErrClosed
		}
		return runs.Run{}, fmt.Errorf("submitting run: %w", err)
	}
	p.logger.Info("run submitted", zap.String("run_id", run.ID), zap.String("tenant", string(job.TenantID)))
	return run, nil
}

func (p *Pool) execute(run runs.Run) {
	unlock := p.lockTenant(run.TenantID)
	defer unlock()

	if err := p.registry.Started(run.ID); err != nil {
		p.logger.Warn("run vanished before start", zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	ctx := logging.WithRunID(p.ctx, run.ID)
	res := p.runner.Run(ctx, run.TenantID, run.Source, p.registry)
	if err := p.registry.Finish(run.ID, res); err != nil {
		p.logger.Warn("failed to record run result", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (p *Pool) lockTenant(t ingest.TenantID) func() {
	p.locksMu.Lock()
	m, ok := p.locks[t]
	if !ok {
		m = &sync.Mutex{}
		p.locks[t] = m
	}
	p.locksMu.Unlock()
	m.Lock()
	return m.Unlock
}

// Running reports how many workers are busy.
func (p *Pool) Running() int { return p.pool.Running() }

// Cap reports the pool size.
func (p *Pool) Cap() int { return p.pool.Cap() }

// Subscribe consumes jobs from JobSubject in the JobQueue group. A request
// with a reply subject is answered with a JobReply.
func (p *Pool) Subscribe(nc *nats.Conn) error {
	sub, err := nc.QueueSubscribe(JobSubject, JobQueue, p.handleJob)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", JobSubject, err)
	}
	p.mu.Lock()
	p.sub = sub
	p.mu.Unlock()
	p.logger.Info("subscribed to job queue", zap.String("subject", JobSubject), zap.String("queue", JobQueue))
	return nil
}

func (p *Pool) handleJob(msg *nats.Msg) {
	var reply JobReply
	var job Job
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		reply.Error = fmt.Sprintf("decoding job: %v", err)
	} else if run, err := p.Submit(job); err != nil {
		reply.TenantID = job.TenantID
		reply.Error = err.Error()
	} else {
		reply = JobReply{RunID: run.ID, TenantID: run.TenantID, Status: run.Status}
	}
	if reply.Error != "" {
		p.logger.Warn("rejected job", zap.String("error", reply.Error))
	}
	if msg.Reply == "" {
		return
	}
	data, _ := json.Marshal(reply)
	if err := msg.Respond(data); err != nil {
		p.logger.Warn("failed to answer job request", zap.Error(err))
	}
}

// StartPurger runs PurgeExpired and prunes finished runs every
// PurgeInterval until Shutdown. A zero interval or nil purger disables it.
func (p *Pool) StartPurger() {
	if p.purger == nil || p.cfg.PurgeInterval <= 0 {
		return
	}
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		ticker := time.NewTicker(p.cfg.PurgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.ctx.Done():
				return
			case now := <-ticker.C:
				p.PurgeOnce(now)
			}
		}
	}()
}

// PurgeOnce runs a single purge pass.
func (p *Pool) PurgeOnce(now time.Time) {
	if p.purger != nil {
		n, err := p.purger.PurgeExpired(p.ctx, now)
		if err != nil {
			p.logger.Warn("purge failed", zap.Error(err))
		} else if n > 0 {
			p.logger.Info("purge pass removed indexes", zap.Int("purged", n))
		}
	}
	if n := p.registry.Prune(); n > 0 {
		p.logger.Debug("pruned finished runs", zap.Int("runs", n))
	}
}

// Shutdown stops accepting jobs and waits for in-flight runs. If ctx ends
// first, in-flight runs are cancelled and ctx.Err() is returned once they
// have wound down.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sub := p.sub
	p.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			p.logger.Warn("failed to unsubscribe from job queue", zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		p.running.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		p.logger.Warn("shutdown deadline reached, cancelling in-flight runs")
	}
	p.cancel()
	<-done
	p.bg.Wait()
	p.pool.Release()
	return err
}
