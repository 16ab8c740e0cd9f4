// Package worker drains the job queue. A pool of identical workers
// polls for due jobs, runs them under per-job timeouts and persists
// outcomes with lease-guarded updates, so the pool survives worker
// crashes without double-applying side effects.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ferretworks/burrow/internal/domain/job"
	"github.com/ferretworks/burrow/pkg/common/logger"
)

// Config tunes the pool.
type Config struct {
	// Workers is the number of concurrent poll loops.
	Workers int
	// PollInterval is how long an idle worker sleeps between claims.
	PollInterval time.Duration
	// LeaseDuration is how long a claim fences the job from other
	// workers. It must exceed JobTimeout; NewPool bumps it to twice
	// JobTimeout when it does not.
	LeaseDuration time.Duration
	// JobTimeout bounds a single handler run.
	JobTimeout time.Duration
	// RetryPolicy governs backoff between failed attempts.
	RetryPolicy job.RetryPolicy
}

// Pool runs jobs claimed from the queue.
type Pool struct {
	jobs     job.Repository
	handlers *Handlers
	cfg      Config

	metrics Metrics
	logger  *logger.Logger
	tracer  trace.Tracer

	wg sync.WaitGroup
}

// NewPool creates a worker pool. Zero-valued config fields get sensible
// defaults.
func NewPool(
	jobs job.Repository,
	handlers *Handlers,
	cfg Config,
	metrics Metrics,
	log *logger.Logger,
	tracer trace.Tracer,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if cfg.LeaseDuration <= cfg.JobTimeout {
		cfg.LeaseDuration = 2 * cfg.JobTimeout
	}
	if cfg.RetryPolicy == (job.RetryPolicy{}) {
		cfg.RetryPolicy = job.DefaultRetryPolicy()
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Pool{
		jobs:     jobs,
		handlers: handlers,
		cfg:      cfg,
		metrics:  metrics,
		logger:   log.With("component", "worker_pool"),
		tracer:   tracer,
	}
}

// Start launches the workers. They run until the context is cancelled;
// Wait blocks until all are drained.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		owner := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runWorker(ctx, owner)
		}()
	}
	p.logger.Info(ctx, "worker pool started", "workers", p.cfg.Workers)
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) runWorker(ctx context.Context, owner string) {
	log := p.logger.With("worker", owner)
	for {
		if ctx.Err() != nil {
			log.Info(ctx, "worker stopping")
			return
		}

		claimed, err := p.jobs.Claim(ctx, owner, p.cfg.LeaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error(ctx, "claim failed", "error", err)
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if claimed == nil {
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}

		p.runJob(ctx, log, owner, claimed)
	}
}

func (p *Pool) runJob(ctx context.Context, log *logger.Logger, owner string, j *job.Job) {
	ctx, span := p.tracer.Start(ctx, "worker.runJob", trace.WithAttributes(
		attribute.Int64("job.id", j.ID),
		attribute.String("job.type", string(j.Type)),
		attribute.Int("job.attempt", j.Attempts),
	))
	defer span.End()

	if j.Attempts > 1 {
		// First attempt is counted at claim; anything above one on a
		// fresh claim means a retry or a reclaimed lease.
		p.metrics.IncLeaseReclaimed(ctx, string(j.Type))
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	start := time.Now()
	result, handleErr := p.handlers.Handle(jobCtx, j)
	elapsed := time.Since(start)
	cancel()

	p.metrics.ObserveJobDuration(ctx, string(j.Type), elapsed)

	if handleErr == nil {
		j.Complete(result)
		if err := p.persist(ctx, log, owner, j); err != nil {
			return
		}
		p.metrics.IncJobSuccess(ctx, string(j.Type))
		log.Info(ctx, "job succeeded",
			"job_id", j.ID, "job_type", string(j.Type), "duration_ms", elapsed.Milliseconds())
		span.AddEvent("job succeeded")
		return
	}

	errMsg := handleErr.Error()
	reason := "error"
	if errors.Is(handleErr, context.DeadlineExceeded) {
		errMsg = fmt.Sprintf("timed out after %s", p.cfg.JobTimeout)
		reason = "timeout"
	}
	status := j.FailAttempt(errMsg, p.cfg.RetryPolicy)
	p.metrics.IncJobFailure(ctx, string(j.Type), reason)
	span.RecordError(handleErr)
	span.SetStatus(codes.Error, "job attempt failed")

	if status == job.StatusDead {
		// Cleanup runs before the job record flips so a crash here means
		// a reclaimed worker redoes cleanup, which is idempotent.
		p.handlers.onDeadLetter(ctx, j)
		p.metrics.IncJobDeadLettered(ctx, string(j.Type))
		log.Error(ctx, "job dead-lettered",
			"job_id", j.ID, "job_type", string(j.Type), "attempts", j.Attempts, "error", errMsg)
	} else {
		log.Warn(ctx, "job attempt failed, will retry",
			"job_id", j.ID, "job_type", string(j.Type), "attempt", j.Attempts,
			"next_at", j.ScheduledAt, "error", errMsg)
	}

	p.persist(ctx, log, owner, j)
}

// persist writes the job's new state. A lost lease means another worker
// reclaimed the job after our lease lapsed; our update is discarded and
// the reclaiming worker's run is authoritative.
func (p *Pool) persist(ctx context.Context, log *logger.Logger, owner string, j *job.Job) error {
	if err := p.jobs.Update(ctx, j); err != nil {
		if errors.Is(err, job.ErrLeaseLost) {
			log.Warn(ctx, "lease lost, discarding update",
				"job_id", j.ID, "owner", owner)
			return err
		}
		log.Error(ctx, "failed to persist job", "job_id", j.ID, "error", err)
		return err
	}
	return nil
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
