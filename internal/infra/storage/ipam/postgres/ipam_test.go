package postgres

import (
	"context"
	"net/netip"
	"testing"
	"time"

	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferretworks/burrow/internal/domain/ipam"
	"github.com/ferretworks/burrow/internal/domain/pod"
	podpg "github.com/ferretworks/burrow/internal/infra/storage/pod/postgres"
	"github.com/ferretworks/burrow/internal/infra/storage/testutil"
)

func setupIPAMTest(t *testing.T) (context.Context, *ipamStore, pod.Repository, func()) {
	t.Helper()

	pool, cleanup := testutil.SetupTestContainer(t)
	store := &ipamStore{pool: pool, reservationTTL: time.Minute, tracer: testutil.NoOpTracer()}
	pods := podpg.NewPodStore(pool, testutil.NoOpTracer())
	return context.Background(), store, pods, cleanup
}

func ownerPod(t *testing.T, ctx context.Context, pods pod.Repository, hostname string) int64 {
	t.Helper()
	p, err := pod.New(7, hostname, "node-1", 9000,
		pod.Resources{CPUCores: 1, MemoryMB: 1024, DiskGB: 10})
	require.NoError(t, err)
	id, err := pods.Create(ctx, p)
	require.NoError(t, err)
	return id
}

func TestIPAMStore_ReserveCommitLifecycle(t *testing.T) {
	t.Parallel()

	ctx, store, pods, cleanup := setupIPAMTest(t)
	defer cleanup()

	addr := netip.MustParseAddr("10.10.0.5")
	podID := ownerPod(t, ctx, pods, "ipam-lifecycle")

	require.NoError(t, store.Reserve(ctx, addr))

	entry, err := store.Find(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, ipam.StatusReserved, entry.Status)
	assert.NotNil(t, entry.ReservedAt)

	require.NoError(t, store.CommitAllocation(ctx, addr, podID))

	entry, err = store.Find(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, ipam.StatusAllocated, entry.Status)
	require.NotNil(t, entry.OwnerPodID)
	assert.Equal(t, podID, *entry.OwnerPodID)
	assert.Nil(t, entry.ReservedAt)

	require.NoError(t, store.Release(ctx, addr))

	entry, err = store.Find(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, ipam.StatusFree, entry.Status)
	assert.Nil(t, entry.OwnerPodID)
}

func TestIPAMStore_ReserveConflicts(t *testing.T) {
	t.Parallel()

	ctx, store, pods, cleanup := setupIPAMTest(t)
	defer cleanup()

	addr := netip.MustParseAddr("10.10.0.6")

	require.NoError(t, store.Reserve(ctx, addr))
	assert.ErrorIs(t, store.Reserve(ctx, addr), ipam.ErrNotAvailable)

	podID := ownerPod(t, ctx, pods, "ipam-conflict")
	require.NoError(t, store.CommitAllocation(ctx, addr, podID))
	assert.ErrorIs(t, store.Reserve(ctx, addr), ipam.ErrNotAvailable)
}

func TestIPAMStore_ReserveTakesOverStaleReservation(t *testing.T) {
	t.Parallel()

	ctx, store, pods, cleanup := setupIPAMTest(t)
	defer cleanup()

	addr := netip.MustParseAddr("10.10.0.20")

	// An allocator reserved the address and died before committing.
	require.NoError(t, store.Reserve(ctx, addr))
	assert.ErrorIs(t, store.Reserve(ctx, addr), ipam.ErrNotAvailable)

	_, err := store.pool.Exec(ctx,
		"UPDATE ipam_entries SET reserved_at = now() - interval '1 hour' WHERE ip_address = $1",
		addr.String())
	require.NoError(t, err)

	// The lapsed reservation no longer fences the address.
	require.NoError(t, store.Reserve(ctx, addr))

	entry, err := store.Find(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, ipam.StatusReserved, entry.Status)

	// An allocated address stays fenced no matter how old the row is.
	podID := ownerPod(t, ctx, pods, "ipam-stale-takeover")
	require.NoError(t, store.CommitAllocation(ctx, addr, podID))
	_, err = store.pool.Exec(ctx,
		"UPDATE ipam_entries SET updated_at = now() - interval '1 hour' WHERE ip_address = $1",
		addr.String())
	require.NoError(t, err)
	assert.ErrorIs(t, store.Reserve(ctx, addr), ipam.ErrNotAvailable)
}

func TestIPAMStore_CommitRequiresReservation(t *testing.T) {
	t.Parallel()

	ctx, store, pods, cleanup := setupIPAMTest(t)
	defer cleanup()

	podID := ownerPod(t, ctx, pods, "ipam-commit-gate")

	// Never reserved.
	err := store.CommitAllocation(ctx, netip.MustParseAddr("10.10.0.7"), podID)
	assert.ErrorIs(t, err, ipam.ErrNotAvailable)

	// Reserved then released back to free.
	addr := netip.MustParseAddr("10.10.0.8")
	require.NoError(t, store.Reserve(ctx, addr))
	require.NoError(t, store.ReleaseReservation(ctx, addr))
	err = store.CommitAllocation(ctx, addr, podID)
	assert.ErrorIs(t, err, ipam.ErrNotAvailable)
}

func TestIPAMStore_OnePodOneAddress(t *testing.T) {
	t.Parallel()

	ctx, store, pods, cleanup := setupIPAMTest(t)
	defer cleanup()

	podID := ownerPod(t, ctx, pods, "ipam-one-addr")

	first := netip.MustParseAddr("10.10.0.9")
	require.NoError(t, store.Reserve(ctx, first))
	require.NoError(t, store.CommitAllocation(ctx, first, podID))

	// The unique owner index rejects a second address for the same pod.
	second := netip.MustParseAddr("10.10.0.10")
	require.NoError(t, store.Reserve(ctx, second))
	err := store.CommitAllocation(ctx, second, podID)
	assert.ErrorIs(t, err, ipam.ErrNotAvailable)
}

func TestIPAMStore_FindByOwner(t *testing.T) {
	t.Parallel()

	ctx, store, pods, cleanup := setupIPAMTest(t)
	defer cleanup()

	podID := ownerPod(t, ctx, pods, "ipam-owner")
	addr := netip.MustParseAddr("10.10.0.11")
	require.NoError(t, store.Reserve(ctx, addr))
	require.NoError(t, store.CommitAllocation(ctx, addr, podID))

	entry, err := store.FindByOwner(ctx, podID)
	require.NoError(t, err)
	assert.Equal(t, addr, entry.IPAddress)

	_, err = store.FindByOwner(ctx, 999999)
	assert.ErrorIs(t, err, ipam.ErrAddressNotFound)
}

func TestIPAMStore_ListUnavailable(t *testing.T) {
	t.Parallel()

	ctx, store, pods, cleanup := setupIPAMTest(t)
	defer cleanup()

	podID := ownerPod(t, ctx, pods, "ipam-list")

	reserved := netip.MustParseAddr("10.10.0.12")
	allocated := netip.MustParseAddr("10.10.0.13")
	outside := netip.MustParseAddr("10.10.1.50")

	require.NoError(t, store.Reserve(ctx, reserved))
	require.NoError(t, store.Reserve(ctx, allocated))
	require.NoError(t, store.CommitAllocation(ctx, allocated, podID))
	require.NoError(t, store.Reserve(ctx, outside))

	freed := netip.MustParseAddr("10.10.0.14")
	require.NoError(t, store.Reserve(ctx, freed))
	require.NoError(t, store.ReleaseReservation(ctx, freed))

	span, err := ipam.NewRange(
		netip.MustParseAddr("10.10.0.1"), netip.MustParseAddr("10.10.0.254"))
	require.NoError(t, err)

	taken, err := store.ListUnavailable(ctx, span)
	require.NoError(t, err)
	assert.Equal(t, map[netip.Addr]ipam.Status{
		reserved:  ipam.StatusReserved,
		allocated: ipam.StatusAllocated,
	}, taken)
}

func TestIPAMStore_Find_NotFound(t *testing.T) {
	t.Parallel()

	ctx, store, _, cleanup := setupIPAMTest(t)
	defer cleanup()

	_, err := store.Find(ctx, netip.MustParseAddr("10.10.0.99"))
	assert.ErrorIs(t, err, ipam.ErrAddressNotFound)
}
