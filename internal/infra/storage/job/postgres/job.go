// Package postgres provides the PostgreSQL implementation of the job
// queue repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ferretworks/burrow/internal/domain/job"
	"github.com/ferretworks/burrow/internal/infra/storage"
)

var _ job.Repository = (*jobStore)(nil)

// jobStore implements job.Repository using Postgres. The queue relies
// entirely on conditional updates for coordination: workers share no
// in-process state.
type jobStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

var defaultDBAttributes = []attribute.KeyValue{attribute.String("db.system", "postgresql")}

// NewJobStore creates a job.Repository backed by PostgreSQL.
func NewJobStore(pool *pgxpool.Pool, tracer trace.Tracer) job.Repository {
	return &jobStore{pool: pool, tracer: tracer}
}

const jobColumns = `
id, pod_id, job_type, status, payload, result, idempotency_key, attempts, max_attempts,
lease_owner, lease_expires_at, last_error, scheduled_at, created_at, updated_at`

const enqueueQuery = `
INSERT INTO jobs (pod_id, job_type, payload, idempotency_key, max_attempts, scheduled_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (idempotency_key) WHERE status NOT IN ('succeeded', 'failed', 'dead') DO NOTHING
RETURNING` + jobColumns

const findByKeyQuery = `
SELECT` + jobColumns + `
FROM jobs
WHERE idempotency_key = $1 AND status NOT IN ('succeeded', 'failed', 'dead')`

// Enqueue persists a new job. A duplicate idempotency key on a live job
// resolves to the existing job rather than an error.
func (s *jobStore) Enqueue(ctx context.Context, j *job.Job) (*job.Job, bool, error) {
	dbAttrs := append(defaultDBAttributes,
		attribute.String("job.type", string(j.Type)),
		attribute.String("job.idempotency_key", j.IdempotencyKey),
	)

	var (
		out      *job.Job
		inserted bool
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "jobStore.Enqueue", dbAttrs, func(ctx context.Context) error {
		q := storage.QuerierFrom(ctx, s.pool)

		var podID pgtype.Int8
		if j.PodID != nil {
			podID.Int64 = *j.PodID
			podID.Valid = true
		}

		payload := j.Payload
		if payload == nil {
			payload = []byte("{}")
		}

		row := q.QueryRow(ctx, enqueueQuery,
			podID, string(j.Type), payload, j.IdempotencyKey, j.MaxAttempts, j.ScheduledAt)
		queued, err := scanJob(row)
		if err == nil {
			out = queued
			inserted = true
			return nil
		}
		if !errors.Is(err, job.ErrJobNotFound) {
			return err
		}

		// Conflict with a live job holding the same key: return it.
		existing, err := scanJob(q.QueryRow(ctx, findByKeyQuery, j.IdempotencyKey))
		if err != nil {
			return err
		}
		out = existing
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, inserted, nil
}

// claimQuery leases the next due job in one conditional update. Due
// queued/retrying jobs and running jobs with lapsed leases are
// claimable; a pod with another live lease is skipped, and a per-pod
// advisory lock serializes claims for the same pod within the
// transaction.
const claimQuery = `
WITH candidate AS (
    SELECT j.id
    FROM jobs j
    WHERE (
            (j.status IN ('queued', 'retrying') AND j.scheduled_at <= now())
            OR (j.status = 'running' AND j.lease_expires_at < now())
          )
      AND (
            j.pod_id IS NULL
            OR NOT EXISTS (
                SELECT 1 FROM jobs other
                WHERE other.pod_id = j.pod_id
                  AND other.id <> j.id
                  AND other.status = 'running'
                  AND other.lease_expires_at >= now()
            )
          )
      AND (j.pod_id IS NULL OR pg_try_advisory_xact_lock(j.pod_id))
    ORDER BY j.scheduled_at
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
UPDATE jobs
SET status = 'running',
    lease_owner = $1,
    lease_expires_at = now() + make_interval(secs => $2),
    attempts = attempts + 1,
    updated_at = now()
FROM candidate
WHERE jobs.id = candidate.id
RETURNING` + jobColumns

// Claim atomically leases the next due job for the owner. Returns nil
// when nothing is due.
func (s *jobStore) Claim(ctx context.Context, owner string, leaseDuration time.Duration) (*job.Job, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("job.lease_owner", owner))

	var claimed *job.Job
	err := storage.ExecuteAndTrace(ctx, s.tracer, "jobStore.Claim", dbAttrs, func(ctx context.Context) error {
		return storage.RunInTx(ctx, s.pool, func(ctx context.Context) error {
			q := storage.QuerierFrom(ctx, s.pool)
			j, err := scanJob(q.QueryRow(ctx, claimQuery, owner, leaseDuration.Seconds()))
			if errors.Is(err, job.ErrJobNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			claimed = j
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// updateQuery persists worker-side mutations. The row must still be
// running under the caller's lease: a worker whose lease lapsed sees
// zero rows, whether another worker reclaimed the job or already drove
// it to a terminal state. Lease columns clear whenever the job leaves
// running.
const updateQuery = `
UPDATE jobs
SET status = $2,
    result = $3,
    last_error = $4,
    scheduled_at = $5,
    lease_owner = CASE WHEN $2 = 'running' THEN lease_owner ELSE NULL END,
    lease_expires_at = CASE WHEN $2 = 'running' THEN lease_expires_at ELSE NULL END,
    updated_at = now()
WHERE id = $1
  AND status = 'running'
  AND lease_owner = $6`

// Update persists the job's mutated state, guarding against a lost
// lease.
func (s *jobStore) Update(ctx context.Context, j *job.Job) error {
	dbAttrs := append(defaultDBAttributes,
		attribute.Int64("job.id", j.ID),
		attribute.String("job.status", string(j.Status)),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "jobStore.Update", dbAttrs, func(ctx context.Context) error {
		resultJSON, err := json.Marshal(j.Result)
		if err != nil {
			return err
		}

		var lastError pgtype.Text
		if j.LastError != nil {
			lastError.String = *j.LastError
			lastError.Valid = true
		}

		var owner pgtype.Text
		if j.LeaseOwner != nil {
			owner.String = *j.LeaseOwner
			owner.Valid = true
		}

		q := storage.QuerierFrom(ctx, s.pool)
		tag, err := q.Exec(ctx, updateQuery,
			j.ID, string(j.Status), resultJSON, lastError, j.ScheduledAt, owner)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return job.ErrLeaseLost
		}
		return nil
	})
}

// FindByID retrieves a job by ID. Returns ErrJobNotFound if the job
// doesn't exist.
func (s *jobStore) FindByID(ctx context.Context, id int64) (*job.Job, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("job.id", id))

	var j *job.Job
	err := storage.ExecuteAndTrace(ctx, s.tracer, "jobStore.FindByID", dbAttrs, func(ctx context.Context) error {
		q := storage.QuerierFrom(ctx, s.pool)
		var err error
		j, err = scanJob(q.QueryRow(ctx, "SELECT"+jobColumns+" FROM jobs WHERE id = $1", id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

// FindByPodID retrieves all jobs referencing a pod, newest first.
func (s *jobStore) FindByPodID(ctx context.Context, podID int64) ([]*job.Job, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("pod.id", podID))

	var jobs []*job.Job
	err := storage.ExecuteAndTrace(ctx, s.tracer, "jobStore.FindByPodID", dbAttrs, func(ctx context.Context) error {
		q := storage.QuerierFrom(ctx, s.pool)
		rows, err := q.Query(ctx, "SELECT"+jobColumns+" FROM jobs WHERE pod_id = $1 ORDER BY id DESC", podID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

const cancelQuery = `
UPDATE jobs
SET status = 'failed',
    last_error = $2,
    updated_at = now()
WHERE id = $1 AND status IN ('queued', 'retrying')
RETURNING` + jobColumns

// CancelQueued marks a queued job failed with no side effects. A
// running or terminal job is not cancellable.
func (s *jobStore) CancelQueued(ctx context.Context, id int64, reason string) (*job.Job, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("job.id", id))

	var cancelled *job.Job
	err := storage.ExecuteAndTrace(ctx, s.tracer, "jobStore.CancelQueued", dbAttrs, func(ctx context.Context) error {
		q := storage.QuerierFrom(ctx, s.pool)
		j, err := scanJob(q.QueryRow(ctx, cancelQuery, id, reason))
		if errors.Is(err, job.ErrJobNotFound) {
			// Distinguish missing from not-cancellable.
			if _, findErr := s.FindByID(ctx, id); findErr != nil {
				return findErr
			}
			return job.ErrNotCancellable
		}
		if err != nil {
			return err
		}
		cancelled = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// scanJob maps a job row to the domain entity.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j              job.Job
		podID          pgtype.Int8
		jobType        string
		status         string
		resultJSON     []byte
		leaseOwner     pgtype.Text
		leaseExpiresAt pgtype.Timestamptz
		lastError      pgtype.Text
		scheduledAt    pgtype.Timestamptz
		createdAt      pgtype.Timestamptz
		updatedAt      pgtype.Timestamptz
	)

	err := row.Scan(
		&j.ID,
		&podID,
		&jobType,
		&status,
		&j.Payload,
		&resultJSON,
		&j.IdempotencyKey,
		&j.Attempts,
		&j.MaxAttempts,
		&leaseOwner,
		&leaseExpiresAt,
		&lastError,
		&scheduledAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, job.ErrJobNotFound
		}
		return nil, err
	}

	parsedType, err := job.ParseType(jobType)
	if err != nil {
		return nil, err
	}
	j.Type = parsedType
	j.Status = job.Status(status)

	if podID.Valid {
		val := podID.Int64
		j.PodID = &val
	}
	if len(resultJSON) > 0 {
		result := map[string]any{}
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return nil, err
		}
		j.Result = result
	}
	if leaseOwner.Valid {
		val := leaseOwner.String
		j.LeaseOwner = &val
	}
	if leaseExpiresAt.Valid {
		val := leaseExpiresAt.Time
		j.LeaseExpiresAt = &val
	}
	if lastError.Valid {
		val := lastError.String
		j.LastError = &val
	}
	j.ScheduledAt = scheduledAt.Time
	j.CreatedAt = createdAt.Time
	j.UpdatedAt = updatedAt.Time

	return &j, nil
}
