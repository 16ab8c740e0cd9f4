// Package postgres provides the PostgreSQL implementation of the IPAM
// pool repository.
package postgres

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ferretworks/burrow/internal/domain/ipam"
	"github.com/ferretworks/burrow/internal/infra/storage"
)

var _ ipam.Repository = (*ipamStore)(nil)

// ipamStore implements ipam.Repository using Postgres. Addresses move
// through free, reserved and allocated via conditional updates only, so
// two allocators probing the pool concurrently can never both win the
// same address.
type ipamStore struct {
	pool           *pgxpool.Pool
	reservationTTL time.Duration
	tracer         trace.Tracer
}

var defaultDBAttributes = []attribute.KeyValue{attribute.String("db.system", "postgresql")}

// defaultReservationTTL bounds how long a reservation fences an address
// when its allocator dies before committing or releasing.
const defaultReservationTTL = 5 * time.Minute

// NewIPAMStore creates an ipam.Repository backed by PostgreSQL.
// Reservations older than reservationTTL count as abandoned and may be
// taken over; zero or negative falls back to the default.
func NewIPAMStore(pool *pgxpool.Pool, reservationTTL time.Duration, tracer trace.Tracer) ipam.Repository {
	if reservationTTL <= 0 {
		reservationTTL = defaultReservationTTL
	}
	return &ipamStore{pool: pool, reservationTTL: reservationTTL, tracer: tracer}
}

// reserveQuery claims an address whether or not the pool has seen it
// before. An untracked address inserts as reserved; a tracked one flips
// when currently free or when a stale reservation lapsed. Allocated
// addresses are never taken over.
const reserveQuery = `
INSERT INTO ipam_entries (ip_address, status, reserved_at)
VALUES ($1, 'reserved', now())
ON CONFLICT (ip_address) DO UPDATE
SET status = 'reserved', reserved_at = now(), updated_at = now()
WHERE ipam_entries.status = 'free'
   OR (ipam_entries.status = 'reserved'
       AND ipam_entries.reserved_at < now() - make_interval(secs => $2))`

// Reserve transitions an address to reserved. Returns ErrNotAvailable
// when another owner holds it.
func (s *ipamStore) Reserve(ctx context.Context, addr netip.Addr) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("ipam.address", addr.String()))

	return storage.ExecuteAndTrace(ctx, s.tracer, "ipamStore.Reserve", dbAttrs, func(ctx context.Context) error {
		q := storage.QuerierFrom(ctx, s.pool)
		tag, err := q.Exec(ctx, reserveQuery, addr.String(), s.reservationTTL.Seconds())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ipam.ErrNotAvailable
		}
		return nil
	})
}

const commitAllocationQuery = `
UPDATE ipam_entries
SET status = 'allocated', owner_pod_id = $2, reserved_at = NULL, updated_at = now()
WHERE ip_address = $1 AND status = 'reserved'`

// CommitAllocation promotes a reserved address to allocated for the
// given pod.
func (s *ipamStore) CommitAllocation(ctx context.Context, addr netip.Addr, ownerPodID int64) error {
	dbAttrs := append(defaultDBAttributes,
		attribute.String("ipam.address", addr.String()),
		attribute.Int64("pod.id", ownerPodID),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "ipamStore.CommitAllocation", dbAttrs, func(ctx context.Context) error {
		q := storage.QuerierFrom(ctx, s.pool)
		tag, err := q.Exec(ctx, commitAllocationQuery, addr.String(), ownerPodID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return ipam.ErrNotAvailable
			}
			return err
		}
		if tag.RowsAffected() == 0 {
			return ipam.ErrNotAvailable
		}
		return nil
	})
}

const releaseReservationQuery = `
UPDATE ipam_entries
SET status = 'free', reserved_at = NULL, updated_at = now()
WHERE ip_address = $1 AND status = 'reserved'`

// ReleaseReservation returns a reserved address to free.
func (s *ipamStore) ReleaseReservation(ctx context.Context, addr netip.Addr) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("ipam.address", addr.String()))

	return storage.ExecuteAndTrace(ctx, s.tracer, "ipamStore.ReleaseReservation", dbAttrs, func(ctx context.Context) error {
		q := storage.QuerierFrom(ctx, s.pool)
		_, err := q.Exec(ctx, releaseReservationQuery, addr.String())
		return err
	})
}

const releaseQuery = `
UPDATE ipam_entries
SET status = 'free', owner_pod_id = NULL, reserved_at = NULL, updated_at = now()
WHERE ip_address = $1`

// Release frees an address and detaches its owner. Releasing an
// untracked address is a no-op.
func (s *ipamStore) Release(ctx context.Context, addr netip.Addr) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("ipam.address", addr.String()))

	return storage.ExecuteAndTrace(ctx, s.tracer, "ipamStore.Release", dbAttrs, func(ctx context.Context) error {
		q := storage.QuerierFrom(ctx, s.pool)
		_, err := q.Exec(ctx, releaseQuery, addr.String())
		return err
	})
}

const findEntryQuery = `
SELECT ip_address::text, status, owner_pod_id, reserved_at, updated_at
FROM ipam_entries
WHERE ip_address = $1`

// Find returns the pool entry for an address.
func (s *ipamStore) Find(ctx context.Context, addr netip.Addr) (*ipam.Entry, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("ipam.address", addr.String()))

	var entry *ipam.Entry
	err := storage.ExecuteAndTrace(ctx, s.tracer, "ipamStore.Find", dbAttrs, func(ctx context.Context) error {
		q := storage.QuerierFrom(ctx, s.pool)
		var err error
		entry, err = scanEntry(q.QueryRow(ctx, findEntryQuery, addr.String()))
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

const findByOwnerQuery = `
SELECT ip_address::text, status, owner_pod_id, reserved_at, updated_at
FROM ipam_entries
WHERE owner_pod_id = $1`

// FindByOwner returns the entry allocated to a pod.
func (s *ipamStore) FindByOwner(ctx context.Context, podID int64) (*ipam.Entry, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("pod.id", podID))

	var entry *ipam.Entry
	err := storage.ExecuteAndTrace(ctx, s.tracer, "ipamStore.FindByOwner", dbAttrs, func(ctx context.Context) error {
		q := storage.QuerierFrom(ctx, s.pool)
		var err error
		entry, err = scanEntry(q.QueryRow(ctx, findByOwnerQuery, podID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

const listUnavailableQuery = `
SELECT ip_address::text, status
FROM ipam_entries
WHERE status <> 'free' AND ip_address >= $1::inet AND ip_address <= $2::inet`

// ListUnavailable returns the reserved and allocated addresses in the
// range.
func (s *ipamStore) ListUnavailable(ctx context.Context, r ipam.Range) (map[netip.Addr]ipam.Status, error) {
	dbAttrs := append(defaultDBAttributes,
		attribute.String("ipam.range_start", r.Start.String()),
		attribute.String("ipam.range_end", r.End.String()),
	)

	taken := make(map[netip.Addr]ipam.Status)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "ipamStore.ListUnavailable", dbAttrs, func(ctx context.Context) error {
		q := storage.QuerierFrom(ctx, s.pool)
		rows, err := q.Query(ctx, listUnavailableQuery, r.Start.String(), r.End.String())
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var ipText, status string
			if err := rows.Scan(&ipText, &status); err != nil {
				return err
			}
			addr, err := netip.ParseAddr(ipText)
			if err != nil {
				return err
			}
			taken[addr] = ipam.Status(status)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return taken, nil
}

func scanEntry(row pgx.Row) (*ipam.Entry, error) {
	var (
		entry      ipam.Entry
		ipText     string
		status     string
		ownerPodID pgtype.Int8
		reservedAt pgtype.Timestamptz
		updatedAt  pgtype.Timestamptz
	)

	err := row.Scan(&ipText, &status, &ownerPodID, &reservedAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ipam.ErrAddressNotFound
		}
		return nil, err
	}

	addr, err := netip.ParseAddr(ipText)
	if err != nil {
		return nil, err
	}
	entry.IPAddress = addr
	entry.Status = ipam.Status(status)
	if ownerPodID.Valid {
		val := ownerPodID.Int64
		entry.OwnerPodID = &val
	}
	if reservedAt.Valid {
		val := reservedAt.Time
		entry.ReservedAt = &val
	}
	entry.UpdatedAt = updatedAt.Time

	return &entry, nil
}
