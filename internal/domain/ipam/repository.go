package ipam

import (
	"context"
	"net/netip"
)

// Repository defines the interface for address pool persistence. Every
// state change is a conditional update so concurrent allocators cannot
// race each other past the reserved gate.
type Repository interface {
	// Reserve moves an address from free (or untracked) to reserved.
	// Returns ErrNotAvailable when the address is already reserved or
	// allocated.
	Reserve(ctx context.Context, addr netip.Addr) error

	// CommitAllocation moves a reserved address to allocated and records
	// its owner. Returns ErrNotAvailable unless the address is currently
	// reserved.
	CommitAllocation(ctx context.Context, addr netip.Addr, ownerPodID int64) error

	// ReleaseReservation returns a reserved address to free, used when a
	// liveness probe disqualifies the candidate.
	ReleaseReservation(ctx context.Context, addr netip.Addr) error

	// Release resets an allocated address to free and clears its owner.
	Release(ctx context.Context, addr netip.Addr) error

	// Find returns the entry for an address, or ErrAddressNotFound when
	// the pool has never tracked it.
	Find(ctx context.Context, addr netip.Addr) (*Entry, error)

	// FindByOwner returns the entry allocated to a pod, or
	// ErrAddressNotFound.
	FindByOwner(ctx context.Context, podID int64) (*Entry, error)

	// ListUnavailable returns the addresses in the range that are
	// reserved or allocated, so the allocator can skip them without a
	// round-trip per address.
	ListUnavailable(ctx context.Context, r Range) (map[netip.Addr]Status, error)
}
