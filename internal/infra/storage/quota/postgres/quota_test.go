package postgres

import (
	"context"
	"testing"

	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferretworks/burrow/internal/domain/quota"
	"github.com/ferretworks/burrow/internal/infra/storage/testutil"
)

func setupQuotaTest(t *testing.T) (context.Context, *quotaStore, func()) {
	t.Helper()

	pool, cleanup := testutil.SetupTestContainer(t)
	store := &quotaStore{pool: pool, tracer: testutil.NoOpTracer()}
	return context.Background(), store, cleanup
}

func TestQuotaStore_Get_Defaults(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupQuotaTest(t)
	defer cleanup()

	rec, err := store.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.TenantID)
	assert.Equal(t, quota.DefaultMaxPods, rec.MaxPods)
	assert.Zero(t, rec.UsedPods)
}

func TestQuotaStore_CheckAndReserve(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupQuotaTest(t)
	defer cleanup()

	delta := quota.Delta{Pods: 1, CPUCores: 2, MemoryMB: 2048, DiskGB: 20}

	decision, err := store.CheckAndReserve(ctx, 7, delta)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	rec, err := store.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.UsedPods)
	assert.Equal(t, 2, rec.UsedCPUCores)
	assert.Equal(t, 2048, rec.UsedMemoryMB)
	assert.Equal(t, 20, rec.UsedDiskGB)
}

func TestQuotaStore_CheckAndReserve_Denied(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupQuotaTest(t)
	defer cleanup()

	// Default policy allows two pods.
	for i := 0; i < quota.DefaultMaxPods; i++ {
		decision, err := store.CheckAndReserve(ctx, 7, quota.Delta{Pods: 1, CPUCores: 1, MemoryMB: 1024, DiskGB: 10})
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	}

	decision, err := store.CheckAndReserve(ctx, 7, quota.Delta{Pods: 1, CPUCores: 1, MemoryMB: 1024, DiskGB: 10})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	require.NotNil(t, decision.Violation)
	assert.Equal(t, "pods", decision.Violation.Dimension)
	assert.Equal(t, quota.DefaultMaxPods, decision.Violation.Max)
	assert.Equal(t, quota.DefaultMaxPods, decision.Violation.Current)
	assert.Equal(t, 1, decision.Violation.Requested)

	// A denied request mutates nothing.
	rec, err := store.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, quota.DefaultMaxPods, rec.UsedPods)
}

func TestQuotaStore_Release(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupQuotaTest(t)
	defer cleanup()

	delta := quota.Delta{Pods: 1, CPUCores: 2, MemoryMB: 2048, DiskGB: 20}
	decision, err := store.CheckAndReserve(ctx, 7, delta)
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	require.NoError(t, store.Release(ctx, 7, delta))

	rec, err := store.Get(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, rec.UsedPods)
	assert.Zero(t, rec.UsedCPUCores)

	// A duplicate release clamps at zero instead of going negative.
	require.NoError(t, store.Release(ctx, 7, delta))
	rec, err = store.Get(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, rec.UsedPods)
}

func TestQuotaStore_Release_NoRow(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupQuotaTest(t)
	defer cleanup()

	// Releasing for a tenant with no quota row is a no-op.
	err := store.Release(ctx, 99, quota.Delta{Pods: 1})
	assert.NoError(t, err)
}

func TestQuotaStore_TenantsAreIndependent(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupQuotaTest(t)
	defer cleanup()

	delta := quota.Delta{Pods: 1, CPUCores: 1, MemoryMB: 1024, DiskGB: 10}
	decision, err := store.CheckAndReserve(ctx, 7, delta)
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	other, err := store.Get(ctx, 8)
	require.NoError(t, err)
	assert.Zero(t, other.UsedPods)
}
