package ipam_test

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	appipam "github.com/ferretworks/burrow/internal/application/ipam"
	"github.com/ferretworks/burrow/internal/domain/ipam"
	"github.com/ferretworks/burrow/pkg/common/logger"
)

// fakeRepo is an in-memory ipam.Repository enforcing the same
// conditional transitions as the postgres store.
type fakeRepo struct {
	entries map[netip.Addr]*ipam.Entry
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{entries: make(map[netip.Addr]*ipam.Entry)}
}

func (r *fakeRepo) Reserve(_ context.Context, addr netip.Addr) error {
	e, ok := r.entries[addr]
	if ok && e.Status != ipam.StatusFree {
		return ipam.ErrNotAvailable
	}
	r.entries[addr] = &ipam.Entry{IPAddress: addr, Status: ipam.StatusReserved}
	return nil
}

func (r *fakeRepo) CommitAllocation(_ context.Context, addr netip.Addr, ownerPodID int64) error {
	e, ok := r.entries[addr]
	if !ok || e.Status != ipam.StatusReserved {
		return ipam.ErrNotAvailable
	}
	e.Status = ipam.StatusAllocated
	e.OwnerPodID = &ownerPodID
	return nil
}

func (r *fakeRepo) ReleaseReservation(_ context.Context, addr netip.Addr) error {
	if e, ok := r.entries[addr]; ok && e.Status == ipam.StatusReserved {
		e.Status = ipam.StatusFree
	}
	return nil
}

func (r *fakeRepo) Release(_ context.Context, addr netip.Addr) error {
	if e, ok := r.entries[addr]; ok {
		e.Status = ipam.StatusFree
		e.OwnerPodID = nil
	}
	return nil
}

func (r *fakeRepo) Find(_ context.Context, addr netip.Addr) (*ipam.Entry, error) {
	e, ok := r.entries[addr]
	if !ok {
		return nil, ipam.ErrAddressNotFound
	}
	return e, nil
}

func (r *fakeRepo) FindByOwner(_ context.Context, podID int64) (*ipam.Entry, error) {
	for _, e := range r.entries {
		if e.Status == ipam.StatusAllocated && e.OwnerPodID != nil && *e.OwnerPodID == podID {
			return e, nil
		}
	}
	return nil, ipam.ErrAddressNotFound
}

func (r *fakeRepo) ListUnavailable(_ context.Context, span ipam.Range) (map[netip.Addr]ipam.Status, error) {
	out := make(map[netip.Addr]ipam.Status)
	for addr, e := range r.entries {
		if e.Status != ipam.StatusFree && span.Contains(addr) {
			out[addr] = e.Status
		}
	}
	return out, nil
}

// fakeProber reports live for a fixed set of addresses.
type fakeProber struct{ live map[netip.Addr]bool }

func (p *fakeProber) IsLive(_ context.Context, addr netip.Addr) bool { return p.live[addr] }

func newAllocator(t *testing.T, repo ipam.Repository, prober appipam.Prober, start, end string) *appipam.Allocator {
	t.Helper()
	span, err := ipam.NewRange(netip.MustParseAddr(start), netip.MustParseAddr(end))
	require.NoError(t, err)
	tracer := noop.NewTracerProvider().Tracer("test")
	return appipam.NewAllocator(repo, prober, span, logger.Noop(), tracer)
}

func TestAllocateAuto_LowestFreeWins(t *testing.T) {
	repo := newFakeRepo()
	alloc := newAllocator(t, repo, &fakeProber{}, "10.10.0.10", "10.10.0.12")

	addr, err := alloc.Allocate(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.10", addr.String())

	addr, err = alloc.Allocate(context.Background(), 2, nil)
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.11", addr.String())
}

func TestAllocateAuto_SkipsLiveAddress(t *testing.T) {
	repo := newFakeRepo()
	prober := &fakeProber{live: map[netip.Addr]bool{
		netip.MustParseAddr("10.10.0.10"): true,
	}}
	alloc := newAllocator(t, repo, prober, "10.10.0.10", "10.10.0.12")

	addr, err := alloc.Allocate(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.11", addr.String())

	// The live address went back to free, not stuck reserved.
	e, err := repo.Find(context.Background(), netip.MustParseAddr("10.10.0.10"))
	require.NoError(t, err)
	assert.Equal(t, ipam.StatusFree, e.Status)
}

func TestAllocateAuto_Exhausted(t *testing.T) {
	repo := newFakeRepo()
	alloc := newAllocator(t, repo, &fakeProber{}, "10.10.0.10", "10.10.0.11")

	_, err := alloc.Allocate(context.Background(), 1, nil)
	require.NoError(t, err)
	_, err = alloc.Allocate(context.Background(), 2, nil)
	require.NoError(t, err)

	_, err = alloc.Allocate(context.Background(), 3, nil)
	assert.ErrorIs(t, err, ipam.ErrNoFreeAddress)
}

func TestAllocateExplicit(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		repo := newFakeRepo()
		alloc := newAllocator(t, repo, &fakeProber{}, "10.10.0.10", "10.10.0.20")

		want := netip.MustParseAddr("10.10.0.15")
		addr, err := alloc.Allocate(ctx, 1, &want)
		require.NoError(t, err)
		assert.Equal(t, want, addr)

		e, err := repo.Find(ctx, want)
		require.NoError(t, err)
		assert.Equal(t, ipam.StatusAllocated, e.Status)
		require.NotNil(t, e.OwnerPodID)
		assert.Equal(t, int64(1), *e.OwnerPodID)
	})

	t.Run("out of range", func(t *testing.T) {
		alloc := newAllocator(t, newFakeRepo(), &fakeProber{}, "10.10.0.10", "10.10.0.20")

		want := netip.MustParseAddr("192.168.1.5")
		_, err := alloc.Allocate(ctx, 1, &want)
		assert.ErrorIs(t, err, ipam.ErrOutOfRange)
	})

	t.Run("already allocated", func(t *testing.T) {
		repo := newFakeRepo()
		alloc := newAllocator(t, repo, &fakeProber{}, "10.10.0.10", "10.10.0.20")

		want := netip.MustParseAddr("10.10.0.15")
		_, err := alloc.Allocate(ctx, 1, &want)
		require.NoError(t, err)

		_, err = alloc.Allocate(ctx, 2, &want)
		assert.ErrorIs(t, err, ipam.ErrNotAvailable)
	})

	t.Run("address answers probe", func(t *testing.T) {
		repo := newFakeRepo()
		want := netip.MustParseAddr("10.10.0.15")
		prober := &fakeProber{live: map[netip.Addr]bool{want: true}}
		alloc := newAllocator(t, repo, prober, "10.10.0.10", "10.10.0.20")

		_, err := alloc.Allocate(ctx, 1, &want)
		assert.ErrorIs(t, err, ipam.ErrAddressLive)

		e, err := repo.Find(ctx, want)
		require.NoError(t, err)
		assert.Equal(t, ipam.StatusFree, e.Status)
	})
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	alloc := newAllocator(t, repo, &fakeProber{}, "10.10.0.10", "10.10.0.20")

	addr, err := alloc.Allocate(ctx, 1, nil)
	require.NoError(t, err)

	require.NoError(t, alloc.Release(ctx, 1))
	e, err := repo.Find(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, ipam.StatusFree, e.Status)
	assert.Nil(t, e.OwnerPodID)

	// Releasing a pod with no allocation is a no-op.
	require.NoError(t, alloc.Release(ctx, 99))
}

func TestFindByOwner(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	alloc := newAllocator(t, repo, &fakeProber{}, "10.10.0.10", "10.10.0.20")

	want, err := alloc.Allocate(ctx, 1, nil)
	require.NoError(t, err)

	got, err := alloc.FindByOwner(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = alloc.FindByOwner(ctx, 99)
	assert.ErrorIs(t, err, ipam.ErrAddressNotFound)
}
