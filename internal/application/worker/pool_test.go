package worker

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ferretworks/burrow/internal/domain/job"
	"github.com/ferretworks/burrow/internal/domain/pod"
	"github.com/ferretworks/burrow/pkg/common/logger"
)

// stubJobRepo hands out a fixed queue of jobs and records updates.
type stubJobRepo struct {
	mu      sync.Mutex
	queue   []*job.Job
	updates []*job.Job
	updErr  error
}

func (r *stubJobRepo) Enqueue(_ context.Context, j *job.Job) (*job.Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, j)
	return j, true, nil
}

func (r *stubJobRepo) Claim(_ context.Context, owner string, leaseDuration time.Duration) (*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return nil, nil
	}
	j := r.queue[0]
	r.queue = r.queue[1:]
	j.Claim(owner, leaseDuration)
	return j, nil
}

func (r *stubJobRepo) Update(_ context.Context, j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updErr != nil {
		return r.updErr
	}
	cp := *j
	r.updates = append(r.updates, &cp)
	return nil
}

func (r *stubJobRepo) FindByID(context.Context, int64) (*job.Job, error) {
	return nil, job.ErrJobNotFound
}

func (r *stubJobRepo) FindByPodID(context.Context, int64) ([]*job.Job, error) {
	return nil, nil
}

func (r *stubJobRepo) CancelQueued(context.Context, int64, string) (*job.Job, error) {
	return nil, job.ErrNotCancellable
}

func (r *stubJobRepo) recorded() []*job.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*job.Job, len(r.updates))
	copy(out, r.updates)
	return out
}

type countingMetrics struct {
	mu          sync.Mutex
	successes   int
	failures    int
	deadLetters int
}

func (m *countingMetrics) IncJobSuccess(context.Context, string) {
	m.mu.Lock()
	m.successes++
	m.mu.Unlock()
}

func (m *countingMetrics) IncJobFailure(context.Context, string, string) {
	m.mu.Lock()
	m.failures++
	m.mu.Unlock()
}

func (m *countingMetrics) IncJobDeadLettered(context.Context, string) {
	m.mu.Lock()
	m.deadLetters++
	m.mu.Unlock()
}

func (m *countingMetrics) ObserveJobDuration(context.Context, string, time.Duration) {}
func (m *countingMetrics) SetQueueDepth(context.Context, int64)                      {}
func (m *countingMetrics) IncLeaseReclaimed(context.Context, string)                 {}

func poolFixture(t *testing.T, jobs job.Repository, metrics Metrics) (*Pool, *handlerFixture) {
	t.Helper()
	p := pendingPod()
	p.Status = pod.StatusActive
	addr := netip.MustParseAddr("10.10.0.12")
	p.IPAddress = &addr

	f := newFixture(t, p)
	f.h.prober.(*fakeProber).live = map[netip.Addr]bool{addr: true}

	tracer := noop.NewTracerProvider().Tracer("test")
	pool := NewPool(jobs, f.h, Config{
		Workers:       1,
		PollInterval:  5 * time.Millisecond,
		LeaseDuration: time.Minute,
		JobTimeout:    time.Second,
		RetryPolicy:   job.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, metrics, logger.Noop(), tracer)
	return pool, f
}

func healthJob(t *testing.T) *job.Job {
	t.Helper()
	payload, err := job.MarshalPayload(job.HealthCheckPayload{TenantID: 7, PodID: 42})
	require.NoError(t, err)
	podID := int64(42)
	j, err := job.New(job.TypeHealthCheck, &podID, payload, "hc-42", 2)
	require.NoError(t, err)
	j.ID = 200
	return j
}

func TestNewPool_LeaseOutlivesJobTimeout(t *testing.T) {
	repo := &stubJobRepo{}
	f := newFixture(t)
	tracer := noop.NewTracerProvider().Tracer("test")

	t.Run("zero lease defaults past the timeout", func(t *testing.T) {
		pool := NewPool(repo, f.h, Config{JobTimeout: 3 * time.Minute},
			nil, logger.Noop(), tracer)
		assert.Equal(t, 6*time.Minute, pool.cfg.LeaseDuration)
	})

	t.Run("lease shorter than the timeout gets bumped", func(t *testing.T) {
		pool := NewPool(repo, f.h, Config{LeaseDuration: time.Minute, JobTimeout: 5 * time.Minute},
			nil, logger.Noop(), tracer)
		assert.Equal(t, 10*time.Minute, pool.cfg.LeaseDuration)
	})

	t.Run("ample lease is kept", func(t *testing.T) {
		pool := NewPool(repo, f.h, Config{LeaseDuration: time.Hour, JobTimeout: 5 * time.Minute},
			nil, logger.Noop(), tracer)
		assert.Equal(t, time.Hour, pool.cfg.LeaseDuration)
	})
}

func TestPool_RunsClaimedJob(t *testing.T) {
	repo := &stubJobRepo{queue: []*job.Job{healthJob(t)}}
	metrics := &countingMetrics{}
	pool, _ := poolFixture(t, repo, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		return len(repo.recorded()) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	pool.Wait()

	updated := repo.recorded()[0]
	assert.Equal(t, job.StatusSucceeded, updated.Status)
	assert.Equal(t, true, updated.Result["healthy"])
	assert.Equal(t, 1, metrics.successes)
}

func TestPool_DeadLettersAfterMaxAttempts(t *testing.T) {
	// A create job for a missing pod fails every attempt.
	podID := int64(999)
	payload, err := job.MarshalPayload(job.CreatePayload{
		TenantID: 7, Hostname: "gone", TemplateID: 1, NodeName: "node-1",
		CPUCores: 1, MemoryMB: 1, DiskGB: 1,
	})
	require.NoError(t, err)
	j, err := job.New(job.TypeCreate, &podID, payload, "create-gone", 1)
	require.NoError(t, err)

	repo := &stubJobRepo{queue: []*job.Job{j}}
	metrics := &countingMetrics{}
	pool, _ := poolFixture(t, repo, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		return len(repo.recorded()) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	pool.Wait()

	updated := repo.recorded()[0]
	assert.Equal(t, job.StatusDead, updated.Status)
	require.NotNil(t, updated.LastError)
	assert.Equal(t, 1, metrics.failures)
	assert.Equal(t, 1, metrics.deadLetters)
}

func TestPool_LeaseLostDiscardsUpdate(t *testing.T) {
	repo := &stubJobRepo{queue: []*job.Job{healthJob(t)}, updErr: job.ErrLeaseLost}
	metrics := &countingMetrics{}
	pool, _ := poolFixture(t, repo, metrics)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	pool.Start(ctx)
	pool.Wait()

	// The update was rejected, so the success counter never moved.
	assert.Empty(t, repo.recorded())
	assert.Equal(t, 0, metrics.successes)
}

func TestPool_StopsOnContextCancel(t *testing.T) {
	repo := &stubJobRepo{}
	pool, _ := poolFixture(t, repo, nil)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not stop after context cancellation")
	}
}
