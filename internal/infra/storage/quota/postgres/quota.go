// Package postgres provides the PostgreSQL implementation of the quota
// ledger.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ferretworks/burrow/internal/domain/quota"
	"github.com/ferretworks/burrow/internal/infra/storage"
)

var _ quota.Ledger = (*quotaStore)(nil)

// quotaStore implements quota.Ledger using Postgres. Reservations take
// a row lock on the tenant's quota record so concurrent admissions for
// the same tenant serialize.
type quotaStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

var defaultDBAttributes = []attribute.KeyValue{attribute.String("db.system", "postgresql")}

// NewQuotaStore creates a quota.Ledger backed by PostgreSQL.
func NewQuotaStore(pool *pgxpool.Pool, tracer trace.Tracer) quota.Ledger {
	return &quotaStore{pool: pool, tracer: tracer}
}

const quotaColumns = `
tenant_id, max_pods, max_cpu_cores, max_memory_mb, max_disk_gb,
used_pods, used_cpu_cores, used_memory_mb, used_disk_gb`

const getQuotaQuery = `SELECT` + quotaColumns + ` FROM quotas WHERE tenant_id = $1`

const getQuotaForUpdateQuery = getQuotaQuery + ` FOR UPDATE`

// ensureQuotaQuery creates the tenant's quota row with defaults on
// first touch and locks it either way.
const ensureQuotaQuery = `
INSERT INTO quotas (tenant_id, max_pods, max_cpu_cores, max_memory_mb, max_disk_gb)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (tenant_id) DO NOTHING`

const applyQuotaQuery = `
UPDATE quotas
SET used_pods = $2,
    used_cpu_cores = $3,
    used_memory_mb = $4,
    used_disk_gb = $5,
    updated_at = now()
WHERE tenant_id = $1`

// Get retrieves a tenant's quota record, falling back to defaults when
// the tenant has no explicit row yet.
func (s *quotaStore) Get(ctx context.Context, tenantID int64) (*quota.Record, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("tenant.id", tenantID))

	var rec *quota.Record
	err := storage.ExecuteAndTrace(ctx, s.tracer, "quotaStore.Get", dbAttrs, func(ctx context.Context) error {
		q := storage.QuerierFrom(ctx, s.pool)
		found, err := scanQuota(q.QueryRow(ctx, getQuotaQuery, tenantID))
		if errors.Is(err, quota.ErrQuotaNotFound) {
			rec = quota.DefaultRecord(tenantID)
			return nil
		}
		if err != nil {
			return err
		}
		rec = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// CheckAndReserve atomically admits or rejects the delta against the
// tenant's quota. On admission the usage counters include the delta
// when the call returns; the write participates in any transaction
// carried by the context.
func (s *quotaStore) CheckAndReserve(ctx context.Context, tenantID int64, d quota.Delta) (quota.Decision, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("tenant.id", tenantID))

	var decision quota.Decision
	err := storage.ExecuteAndTrace(ctx, s.tracer, "quotaStore.CheckAndReserve", dbAttrs, func(ctx context.Context) error {
		return storage.RunInTx(ctx, s.pool, func(ctx context.Context) error {
			q := storage.QuerierFrom(ctx, s.pool)

			defaults := quota.DefaultRecord(tenantID)
			if _, err := q.Exec(ctx, ensureQuotaQuery,
				tenantID, defaults.MaxPods, defaults.MaxCPUCores, defaults.MaxMemoryMB, defaults.MaxDiskGB); err != nil {
				return err
			}

			rec, err := scanQuota(q.QueryRow(ctx, getQuotaForUpdateQuery, tenantID))
			if err != nil {
				return err
			}

			decision = rec.Check(d)
			if !decision.Allowed {
				return nil
			}

			rec.Apply(d)
			_, err = q.Exec(ctx, applyQuotaQuery,
				tenantID, rec.UsedPods, rec.UsedCPUCores, rec.UsedMemoryMB, rec.UsedDiskGB)
			return err
		})
	})
	if err != nil {
		return quota.Decision{}, err
	}
	return decision, nil
}

// Release returns previously reserved capacity to the tenant. Usage
// never drops below zero.
func (s *quotaStore) Release(ctx context.Context, tenantID int64, d quota.Delta) error {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("tenant.id", tenantID))

	return storage.ExecuteAndTrace(ctx, s.tracer, "quotaStore.Release", dbAttrs, func(ctx context.Context) error {
		return storage.RunInTx(ctx, s.pool, func(ctx context.Context) error {
			q := storage.QuerierFrom(ctx, s.pool)

			rec, err := scanQuota(q.QueryRow(ctx, getQuotaForUpdateQuery, tenantID))
			if errors.Is(err, quota.ErrQuotaNotFound) {
				// Nothing reserved, nothing to release.
				return nil
			}
			if err != nil {
				return err
			}

			rec.Apply(d.Negate())
			_, err = q.Exec(ctx, applyQuotaQuery,
				tenantID, rec.UsedPods, rec.UsedCPUCores, rec.UsedMemoryMB, rec.UsedDiskGB)
			return err
		})
	})
}

func scanQuota(row pgx.Row) (*quota.Record, error) {
	var rec quota.Record
	err := row.Scan(
		&rec.TenantID,
		&rec.MaxPods,
		&rec.MaxCPUCores,
		&rec.MaxMemoryMB,
		&rec.MaxDiskGB,
		&rec.UsedPods,
		&rec.UsedCPUCores,
		&rec.UsedMemoryMB,
		&rec.UsedDiskGB,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, quota.ErrQuotaNotFound
		}
		return nil, err
	}
	return &rec, nil
}
