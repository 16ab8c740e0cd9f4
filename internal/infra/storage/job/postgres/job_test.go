package postgres

import (
	"context"
	"testing"
	"time"

	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferretworks/burrow/internal/domain/job"
	"github.com/ferretworks/burrow/internal/domain/pod"
	podpg "github.com/ferretworks/burrow/internal/infra/storage/pod/postgres"
	"github.com/ferretworks/burrow/internal/infra/storage/testutil"
)

func setupJobTest(t *testing.T) (context.Context, *jobStore, pod.Repository, func()) {
	t.Helper()

	pool, cleanup := testutil.SetupTestContainer(t)
	store := &jobStore{pool: pool, tracer: testutil.NoOpTracer()}
	pods := podpg.NewPodStore(pool, testutil.NoOpTracer())
	return context.Background(), store, pods, cleanup
}

func createTestPod(t *testing.T, ctx context.Context, pods pod.Repository, hostname string) int64 {
	t.Helper()
	p, err := pod.New(7, hostname, "node-1", 9000,
		pod.Resources{CPUCores: 2, MemoryMB: 2048, DiskGB: 20})
	require.NoError(t, err)
	id, err := pods.Create(ctx, p)
	require.NoError(t, err)
	return id
}

func newTestJob(t *testing.T, podID int64, key string) *job.Job {
	t.Helper()
	j, err := job.New(job.TypeCreate, &podID, []byte(`{"hostname":"web"}`), key, 5)
	require.NoError(t, err)
	return j
}

func TestJobStore_EnqueueAndFind(t *testing.T) {
	t.Parallel()

	ctx, store, pods, cleanup := setupJobTest(t)
	defer cleanup()

	podID := createTestPod(t, ctx, pods, "enqueue-test")
	queued, inserted, err := store.Enqueue(ctx, newTestJob(t, podID, "key-1"))
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Greater(t, queued.ID, int64(0))
	assert.Equal(t, job.StatusQueued, queued.Status)
	require.NotNil(t, queued.PodID)
	assert.Equal(t, podID, *queued.PodID)

	found, err := store.FindByID(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, queued.ID, found.ID)
	assert.Equal(t, job.TypeCreate, found.Type)
	assert.Equal(t, "key-1", found.IdempotencyKey)
	assert.JSONEq(t, `{"hostname":"web"}`, string(found.Payload))
}

func TestJobStore_EnqueueDeduplicates(t *testing.T) {
	t.Parallel()

	ctx, store, pods, cleanup := setupJobTest(t)
	defer cleanup()

	podID := createTestPod(t, ctx, pods, "dedup-test")
	first, inserted, err := store.Enqueue(ctx, newTestJob(t, podID, "same-key"))
	require.NoError(t, err)
	require.True(t, inserted)

	second, inserted, err := store.Enqueue(ctx, newTestJob(t, podID, "same-key"))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, second.ID)
}

func TestJobStore_EnqueueAfterTerminal(t *testing.T) {
	t.Parallel()

	ctx, store, pods, cleanup := setupJobTest(t)
	defer cleanup()

	podID := createTestPod(t, ctx, pods, "terminal-key-test")
	first, _, err := store.Enqueue(ctx, newTestJob(t, podID, "reusable-key"))
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	claimed.Complete(map[string]any{"done": true})
	require.NoError(t, store.Update(ctx, claimed))

	// The key only guards live jobs; a finished one frees it.
	second, inserted, err := store.Enqueue(ctx, newTestJob(t, podID, "reusable-key"))
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestJobStore_Claim(t *testing.T) {
	t.Parallel()

	ctx, store, pods, cleanup := setupJobTest(t)
	defer cleanup()

	podID := createTestPod(t, ctx, pods, "claim-test")
	queued, _, err := store.Enqueue(ctx, newTestJob(t, podID, "claim-key"))
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, queued.ID, claimed.ID)
	assert.Equal(t, job.StatusRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
	require.NotNil(t, claimed.LeaseOwner)
	assert.Equal(t, "worker-a", *claimed.LeaseOwner)
	require.NotNil(t, claimed.LeaseExpiresAt)

	// Nothing else is due.
	next, err := store.Claim(ctx, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestJobStore_ClaimSkipsPodWithLiveLease(t *testing.T) {
	t.Parallel()

	ctx, store, pods, cleanup := setupJobTest(t)
	defer cleanup()

	podID := createTestPod(t, ctx, pods, "one-lease-test")
	otherPodID := createTestPod(t, ctx, pods, "one-lease-other")

	_, _, err := store.Enqueue(ctx, newTestJob(t, podID, "job-1"))
	require.NoError(t, err)
	destroy, err := job.New(job.TypeDestroy, &podID, nil, "job-2", 5)
	require.NoError(t, err)
	_, _, err = store.Enqueue(ctx, destroy)
	require.NoError(t, err)
	_, _, err = store.Enqueue(ctx, newTestJob(t, otherPodID, "job-3"))
	require.NoError(t, err)

	first, err := store.Claim(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.NotNil(t, first.PodID)
	assert.Equal(t, podID, *first.PodID)

	// The second job for the same pod is fenced by the live lease; the
	// other pod's job is handed out instead.
	second, err := store.Claim(ctx, "worker-b", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.NotNil(t, second.PodID)
	assert.Equal(t, otherPodID, *second.PodID)

	third, err := store.Claim(ctx, "worker-c", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, third)
}

func TestJobStore_ClaimReclaimsExpiredLease(t *testing.T) {
	t.Parallel()

	ctx, store, pods, cleanup := setupJobTest(t)
	defer cleanup()

	podID := createTestPod(t, ctx, pods, "reclaim-test")
	_, _, err := store.Enqueue(ctx, newTestJob(t, podID, "reclaim-key"))
	require.NoError(t, err)

	// A very short lease that lapses immediately.
	claimed, err := store.Claim(ctx, "worker-dead", time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.Eventually(t, func() bool {
		reclaimed, err := store.Claim(ctx, "worker-live", time.Minute)
		return err == nil && reclaimed != nil
	}, 5*time.Second, 50*time.Millisecond)
}

func TestJobStore_UpdateLeaseLost(t *testing.T) {
	t.Parallel()

	ctx, store, pods, cleanup := setupJobTest(t)
	defer cleanup()

	podID := createTestPod(t, ctx, pods, "lease-lost-test")
	_, _, err := store.Enqueue(ctx, newTestJob(t, podID, "lease-lost-key"))
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Another worker reclaimed the job behind our back.
	_, err = store.pool.Exec(ctx,
		"UPDATE jobs SET lease_owner = 'worker-b' WHERE id = $1", claimed.ID)
	require.NoError(t, err)

	claimed.Complete(map[string]any{"done": true})
	err = store.Update(ctx, claimed)
	assert.ErrorIs(t, err, job.ErrLeaseLost)

	// The reclaiming owner's state is untouched.
	current, err := store.FindByID(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, current.Status)
}

func TestJobStore_StaleOwnerCannotOverwriteTerminal(t *testing.T) {
	t.Parallel()

	ctx, store, pods, cleanup := setupJobTest(t)
	defer cleanup()

	podID := createTestPod(t, ctx, pods, "stale-owner-test")
	_, _, err := store.Enqueue(ctx, newTestJob(t, podID, "stale-owner-key"))
	require.NoError(t, err)

	stale, err := store.Claim(ctx, "worker-a", time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, stale)

	// The lease lapses and another worker reclaims and finishes the job.
	var reclaimed *job.Job
	require.Eventually(t, func() bool {
		j, err := store.Claim(ctx, "worker-b", time.Minute)
		if err != nil || j == nil {
			return false
		}
		reclaimed = j
		return true
	}, 5*time.Second, 50*time.Millisecond)

	reclaimed.Complete(map[string]any{"done": true})
	require.NoError(t, store.Update(ctx, reclaimed))

	// The first worker comes back from its slow attempt; its write must
	// bounce off the terminal row.
	stale.FailAttempt("node unreachable", job.DefaultRetryPolicy())
	err = store.Update(ctx, stale)
	assert.ErrorIs(t, err, job.ErrLeaseLost)

	current, err := store.FindByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSucceeded, current.Status)
	assert.Equal(t, true, current.Result["done"])
}

func TestJobStore_UpdateClearsLeaseOnTerminal(t *testing.T) {
	t.Parallel()

	ctx, store, pods, cleanup := setupJobTest(t)
	defer cleanup()

	podID := createTestPod(t, ctx, pods, "clear-lease-test")
	_, _, err := store.Enqueue(ctx, newTestJob(t, podID, "clear-lease-key"))
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	claimed.Complete(map[string]any{"pod_id": float64(podID)})
	require.NoError(t, store.Update(ctx, claimed))

	updated, err := store.FindByID(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSucceeded, updated.Status)
	assert.Nil(t, updated.LeaseOwner)
	assert.Nil(t, updated.LeaseExpiresAt)
	assert.Equal(t, float64(podID), updated.Result["pod_id"])
}

func TestJobStore_FindByPodID(t *testing.T) {
	t.Parallel()

	ctx, store, pods, cleanup := setupJobTest(t)
	defer cleanup()

	podID := createTestPod(t, ctx, pods, "findbypod-test")
	first, _, err := store.Enqueue(ctx, newTestJob(t, podID, "fbp-1"))
	require.NoError(t, err)
	destroy, err := job.New(job.TypeDestroy, &podID, nil, "fbp-2", 5)
	require.NoError(t, err)
	second, _, err := store.Enqueue(ctx, destroy)
	require.NoError(t, err)

	found, err := store.FindByPodID(ctx, podID)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, second.ID, found[0].ID)
	assert.Equal(t, first.ID, found[1].ID)
}

func TestJobStore_CancelQueued(t *testing.T) {
	t.Parallel()

	ctx, store, pods, cleanup := setupJobTest(t)
	defer cleanup()

	podID := createTestPod(t, ctx, pods, "cancel-test")

	t.Run("queued job cancels", func(t *testing.T) {
		queued, _, err := store.Enqueue(ctx, newTestJob(t, podID, "cancel-1"))
		require.NoError(t, err)

		cancelled, err := store.CancelQueued(ctx, queued.ID, "operator request")
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, cancelled.Status)
		require.NotNil(t, cancelled.LastError)
		assert.Equal(t, "operator request", *cancelled.LastError)
	})

	t.Run("running job is not cancellable", func(t *testing.T) {
		destroy, err := job.New(job.TypeDestroy, &podID, nil, "cancel-2", 5)
		require.NoError(t, err)
		_, _, err = store.Enqueue(ctx, destroy)
		require.NoError(t, err)

		claimed, err := store.Claim(ctx, "worker-a", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, claimed)

		_, err = store.CancelQueued(ctx, claimed.ID, "too late")
		assert.ErrorIs(t, err, job.ErrNotCancellable)
	})

	t.Run("missing job", func(t *testing.T) {
		_, err := store.CancelQueued(ctx, 999999, "nothing there")
		assert.ErrorIs(t, err, job.ErrJobNotFound)
	})
}
