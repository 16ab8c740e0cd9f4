package job

import (
	"context"
	"time"
)

// Repository defines the interface for job queue data access.
// This interface abstracts the underlying storage mechanism to allow
// for different implementations (database, in-memory, etc.).
type Repository interface {
	// Enqueue persists a new job. If a non-terminal job with the same
	// idempotency key already exists, the existing job is returned with
	// inserted false instead of creating a duplicate.
	Enqueue(ctx context.Context, j *Job) (queued *Job, inserted bool, err error)

	// Claim atomically leases the next due job for the owner: the claim
	// is a single conditional update, so two workers never claim the
	// same job, and a job for a pod with another leased job is skipped.
	// Expired running leases are reclaimable. Returns nil when nothing
	// is due.
	Claim(ctx context.Context, owner string, leaseDuration time.Duration) (*Job, error)

	// Update persists the job's mutated state. When the job carries a
	// lease the update is conditional on still holding it and returns
	// ErrLeaseLost otherwise.
	Update(ctx context.Context, j *Job) error

	// FindByID retrieves a job by its unique identifier.
	// Returns ErrJobNotFound if the job cannot be found.
	FindByID(ctx context.Context, id int64) (*Job, error)

	// FindByPodID retrieves all jobs referencing a pod, newest first.
	FindByPodID(ctx context.Context, podID int64) ([]*Job, error)

	// CancelQueued marks a queued (or retrying) job failed with no side
	// effects. Returns ErrNotCancellable when the job is running or
	// terminal.
	CancelQueued(ctx context.Context, id int64, reason string) (*Job, error)
}
