// Package ipam implements address allocation over the pool repository,
// combining database state with network liveness probes.
package ipam

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ferretworks/burrow/internal/domain/ipam"
	"github.com/ferretworks/burrow/pkg/common/logger"
)

// Allocator hands out addresses from a configured range. Each candidate
// goes through reserve, probe, commit: the reservation fences out
// concurrent allocators while the probe confirms nothing is already
// answering on the wire.
type Allocator struct {
	repo     ipam.Repository
	prober   Prober
	poolSpan ipam.Range

	logger *logger.Logger
	tracer trace.Tracer
}

// NewAllocator creates an Allocator over the given pool range.
func NewAllocator(
	repo ipam.Repository,
	prober Prober,
	poolSpan ipam.Range,
	log *logger.Logger,
	tracer trace.Tracer,
) *Allocator {
	return &Allocator{
		repo:     repo,
		prober:   prober,
		poolSpan: poolSpan,
		logger:   log.With("component", "ipam_allocator"),
		tracer:   tracer,
	}
}

// Allocate assigns an address to the pod. When explicit is non-nil that
// exact address is demanded; otherwise the lowest free address in the
// range that passes the liveness probe wins.
func (a *Allocator) Allocate(ctx context.Context, podID int64, explicit *netip.Addr) (netip.Addr, error) {
	ctx, span := a.tracer.Start(ctx, "allocator.Allocate",
		trace.WithAttributes(attribute.Int64("pod.id", podID)))
	defer span.End()

	if explicit != nil {
		addr, err := a.allocateExplicit(ctx, podID, *explicit)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "explicit allocation failed")
			return netip.Addr{}, err
		}
		span.AddEvent("address allocated", trace.WithAttributes(
			attribute.String("ipam.address", addr.String())))
		return addr, nil
	}

	addr, err := a.allocateAuto(ctx, podID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "auto allocation failed")
		return netip.Addr{}, err
	}
	span.AddEvent("address allocated", trace.WithAttributes(
		attribute.String("ipam.address", addr.String())))
	return addr, nil
}

func (a *Allocator) allocateExplicit(ctx context.Context, podID int64, addr netip.Addr) (netip.Addr, error) {
	if !a.poolSpan.Contains(addr) {
		return netip.Addr{}, fmt.Errorf("%w: %s outside %s-%s",
			ipam.ErrOutOfRange, addr, a.poolSpan.Start, a.poolSpan.End)
	}

	if err := a.repo.Reserve(ctx, addr); err != nil {
		if errors.Is(err, ipam.ErrNotAvailable) {
			return netip.Addr{}, fmt.Errorf("%w: %s", ipam.ErrNotAvailable, addr)
		}
		return netip.Addr{}, fmt.Errorf("reserving %s: %w", addr, err)
	}

	if a.prober.IsLive(ctx, addr) {
		if relErr := a.repo.ReleaseReservation(ctx, addr); relErr != nil {
			a.logger.Error(ctx, "failed to release reservation after live probe",
				"address", addr.String(), "error", relErr)
		}
		return netip.Addr{}, fmt.Errorf("%w: %s", ipam.ErrAddressLive, addr)
	}

	if err := a.repo.CommitAllocation(ctx, addr, podID); err != nil {
		return netip.Addr{}, fmt.Errorf("committing %s: %w", addr, err)
	}

	a.logger.Info(ctx, "allocated explicit address", "address", addr.String(), "pod_id", podID)
	return addr, nil
}

func (a *Allocator) allocateAuto(ctx context.Context, podID int64) (netip.Addr, error) {
	taken, err := a.repo.ListUnavailable(ctx, a.poolSpan)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("listing unavailable addresses: %w", err)
	}

	var (
		allocated netip.Addr
		found     bool
		scanErr   error
	)
	a.poolSpan.Each(func(addr netip.Addr) bool {
		if _, unavailable := taken[addr]; unavailable {
			return true
		}
		if err := ctx.Err(); err != nil {
			scanErr = err
			return false
		}

		if err := a.repo.Reserve(ctx, addr); err != nil {
			if errors.Is(err, ipam.ErrNotAvailable) {
				// Lost the race for this address, move on.
				return true
			}
			scanErr = fmt.Errorf("reserving %s: %w", addr, err)
			return false
		}

		if a.prober.IsLive(ctx, addr) {
			a.logger.Warn(ctx, "address answered liveness probe, skipping",
				"address", addr.String())
			if relErr := a.repo.ReleaseReservation(ctx, addr); relErr != nil {
				a.logger.Error(ctx, "failed to release reservation after live probe",
					"address", addr.String(), "error", relErr)
			}
			return true
		}

		if err := a.repo.CommitAllocation(ctx, addr, podID); err != nil {
			scanErr = fmt.Errorf("committing %s: %w", addr, err)
			return false
		}
		allocated = addr
		found = true
		return false
	})
	if scanErr != nil {
		return netip.Addr{}, scanErr
	}
	if !found {
		return netip.Addr{}, ipam.ErrNoFreeAddress
	}

	a.logger.Info(ctx, "allocated address", "address", allocated.String(), "pod_id", podID)
	return allocated, nil
}

// FindByOwner returns the address allocated to the pod, or
// ipam.ErrAddressNotFound.
func (a *Allocator) FindByOwner(ctx context.Context, podID int64) (netip.Addr, error) {
	entry, err := a.repo.FindByOwner(ctx, podID)
	if err != nil {
		return netip.Addr{}, err
	}
	return entry.IPAddress, nil
}

// Release frees the address allocated to the pod. Releasing a pod with
// no allocation is a no-op.
func (a *Allocator) Release(ctx context.Context, podID int64) error {
	ctx, span := a.tracer.Start(ctx, "allocator.Release",
		trace.WithAttributes(attribute.Int64("pod.id", podID)))
	defer span.End()

	entry, err := a.repo.FindByOwner(ctx, podID)
	if err != nil {
		if errors.Is(err, ipam.ErrAddressNotFound) {
			return nil
		}
		span.RecordError(err)
		return err
	}

	if err := a.repo.Release(ctx, entry.IPAddress); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "release failed")
		return fmt.Errorf("releasing %s: %w", entry.IPAddress, err)
	}

	a.logger.Info(ctx, "released address", "address", entry.IPAddress.String(), "pod_id", podID)
	span.AddEvent("address released", trace.WithAttributes(
		attribute.String("ipam.address", entry.IPAddress.String())))
	return nil
}
