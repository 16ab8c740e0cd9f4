// Package postgres provides the PostgreSQL implementation of the pod
// registry repository.
package postgres

import (
	"context"
	"errors"
	"net/netip"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ferretworks/burrow/internal/domain/pod"
	"github.com/ferretworks/burrow/internal/infra/storage"
)

var _ pod.Repository = (*podStore)(nil)

// podStore implements pod.Repository using Postgres. All queries route
// through storage.QuerierFrom so the store participates in a caller's
// transaction when one is carried on the context.
type podStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

var defaultDBAttributes = []attribute.KeyValue{attribute.String("db.system", "postgresql")}

// NewPodStore creates a pod.Repository backed by PostgreSQL.
func NewPodStore(pool *pgxpool.Pool, tracer trace.Tracer) pod.Repository {
	return &podStore{pool: pool, tracer: tracer}
}

const createPodQuery = `
INSERT INTO pods (tenant_id, node_name, hostname, ip_address, status, cpu_cores, memory_mb, disk_gb, template_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id`

// Create persists a new pod and returns its ID. A unique-violation on
// the live-hostname index maps to pod.ErrHostnameTaken.
func (s *podStore) Create(ctx context.Context, p *pod.Pod) (int64, error) {
	dbAttrs := append(defaultDBAttributes,
		attribute.Int64("tenant.id", p.TenantID),
		attribute.String("pod.hostname", p.Hostname),
	)

	var id int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "podStore.Create", dbAttrs, func(ctx context.Context) error {
		q := storage.QuerierFrom(ctx, s.pool)
		err := q.QueryRow(ctx, createPodQuery,
			p.TenantID,
			p.NodeName,
			p.Hostname,
			ipText(p.IPAddress),
			string(p.Status),
			p.Resources.CPUCores,
			p.Resources.MemoryMB,
			p.Resources.DiskGB,
			p.TemplateID,
		).Scan(&id)

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return pod.ErrHostnameTaken
		}
		return err
	})

	return id, err
}

const updatePodQuery = `
UPDATE pods
SET node_name = $2,
    external_id = $3,
    ip_address = $4,
    status = $5,
    cpu_cores = $6,
    memory_mb = $7,
    disk_gb = $8,
    updated_at = now()
WHERE id = $1`

// Update modifies an existing pod with new state information.
func (s *podStore) Update(ctx context.Context, p *pod.Pod) error {
	dbAttrs := append(defaultDBAttributes,
		attribute.Int64("pod.id", p.ID),
		attribute.String("pod.status", string(p.Status)),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "podStore.Update", dbAttrs, func(ctx context.Context) error {
		var externalID pgtype.Int8
		if p.ExternalID != nil {
			externalID.Int64 = *p.ExternalID
			externalID.Valid = true
		}

		q := storage.QuerierFrom(ctx, s.pool)
		tag, err := q.Exec(ctx, updatePodQuery,
			p.ID,
			p.NodeName,
			externalID,
			ipText(p.IPAddress),
			string(p.Status),
			p.Resources.CPUCores,
			p.Resources.MemoryMB,
			p.Resources.DiskGB,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pod.ErrPodNotFound
		}
		return nil
	})
}

const findPodQuery = `
SELECT id, tenant_id, node_name, external_id, hostname, ip_address::text, status,
       cpu_cores, memory_mb, disk_gb, template_id, created_at, updated_at
FROM pods`

// FindByID retrieves a pod by ID. Returns ErrPodNotFound if the pod
// doesn't exist.
func (s *podStore) FindByID(ctx context.Context, id int64) (*pod.Pod, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("pod.id", id))

	var p *pod.Pod
	err := storage.ExecuteAndTrace(ctx, s.tracer, "podStore.FindByID", dbAttrs, func(ctx context.Context) error {
		q := storage.QuerierFrom(ctx, s.pool)
		row := q.QueryRow(ctx, findPodQuery+" WHERE id = $1", id)
		var err error
		p, err = scanPod(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// FindByHostname retrieves the live pod using a hostname. Deleted pods
// never match, so hostnames can be reused after teardown.
func (s *podStore) FindByHostname(ctx context.Context, hostname string) (*pod.Pod, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("pod.hostname", hostname))

	var p *pod.Pod
	err := storage.ExecuteAndTrace(ctx, s.tracer, "podStore.FindByHostname", dbAttrs, func(ctx context.Context) error {
		q := storage.QuerierFrom(ctx, s.pool)
		row := q.QueryRow(ctx, findPodQuery+" WHERE hostname = $1 AND status <> 'deleted'", hostname)
		var err error
		p, err = scanPod(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// FindByTenantID retrieves all pods owned by a tenant.
func (s *podStore) FindByTenantID(ctx context.Context, tenantID int64) ([]*pod.Pod, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("tenant.id", tenantID))

	var pods []*pod.Pod
	err := storage.ExecuteAndTrace(ctx, s.tracer, "podStore.FindByTenantID", dbAttrs, func(ctx context.Context) error {
		q := storage.QuerierFrom(ctx, s.pool)
		rows, err := q.Query(ctx, findPodQuery+" WHERE tenant_id = $1 ORDER BY id", tenantID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			p, err := scanPod(rows)
			if err != nil {
				return err
			}
			pods = append(pods, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return pods, nil
}

const countLiveByNodeQuery = `
SELECT node_name, count(*)
FROM pods
WHERE status <> 'deleted'
GROUP BY node_name`

// CountLiveByNode returns non-deleted pod counts per hypervisor node.
func (s *podStore) CountLiveByNode(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "podStore.CountLiveByNode", defaultDBAttributes, func(ctx context.Context) error {
		q := storage.QuerierFrom(ctx, s.pool)
		rows, err := q.Query(ctx, countLiveByNodeQuery)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var node string
			var n int
			if err := rows.Scan(&node, &n); err != nil {
				return err
			}
			counts[node] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// scanPod maps a pod row to the domain entity.
func scanPod(row pgx.Row) (*pod.Pod, error) {
	var (
		p          pod.Pod
		externalID pgtype.Int8
		ipAddr     pgtype.Text
		status     string
		createdAt  pgtype.Timestamptz
		updatedAt  pgtype.Timestamptz
	)

	err := row.Scan(
		&p.ID,
		&p.TenantID,
		&p.NodeName,
		&externalID,
		&p.Hostname,
		&ipAddr,
		&status,
		&p.Resources.CPUCores,
		&p.Resources.MemoryMB,
		&p.Resources.DiskGB,
		&p.TemplateID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pod.ErrPodNotFound
		}
		return nil, err
	}

	p.Status = pod.Status(status)
	if externalID.Valid {
		val := externalID.Int64
		p.ExternalID = &val
	}
	if ipAddr.Valid {
		addr, err := netip.ParseAddr(ipAddr.String)
		if err != nil {
			return nil, err
		}
		p.IPAddress = &addr
	}
	p.CreatedAt = createdAt.Time
	p.UpdatedAt = updatedAt.Time

	return &p, nil
}

// ipText renders an optional address for an INET column.
func ipText(addr *netip.Addr) *string {
	if addr == nil {
		return nil
	}
	s := addr.String()
	return &s
}
