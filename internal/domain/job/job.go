package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Common errors that can be returned by job functions.
var (
	ErrJobNotFound    = errors.New("job not found")
	ErrNotCancellable = errors.New("job is not cancellable")
	ErrLeaseLost      = errors.New("job lease lost")
	ErrInvalidPayload = errors.New("invalid job payload")
)

// Type categorizes the unit of provisioning work a job performs.
type Type string

// Predefined job types supported by the worker pool.
const (
	TypeCreate      Type = "pod.create"
	TypeDestroy     Type = "pod.destroy"
	TypeScale       Type = "pod.scale"
	TypeBackup      Type = "pod.backup"
	TypeHealthCheck Type = "pod.health_check"
)

// IsValid checks the job type against the predefined set.
func (t Type) IsValid() bool {
	switch t {
	case TypeCreate, TypeDestroy, TypeScale, TypeBackup, TypeHealthCheck:
		return true
	default:
		return false
	}
}

// String returns the string representation of the job type.
func (t Type) String() string { return string(t) }

// ParseType converts a string to a job type with validation.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.IsValid() {
		return "", fmt.Errorf("invalid job type: %s", s)
	}
	return t, nil
}

// Status represents the current state of a job in the queue.
type Status string

// Predefined job statuses. A failed attempt moves the job through
// failed into retrying with a future schedule; the claim treats a due
// retrying job exactly like a queued one.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusDead      Status = "dead"
)

// IsTerminal reports whether the job can never transition again.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusDead || s == StatusFailed
}

// RetryPolicy bounds and shapes a job's retry schedule.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the queue's defaults when the enqueuer
// supplies nothing.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 5 * time.Second, MaxDelay: 10 * time.Minute}
}

// NextDelay returns the backoff delay to apply after the given attempt
// number (1-based). Exponential growth with jitter, capped at MaxDelay.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Job represents a queued, retryable unit of provisioning work. Jobs are
// created synchronously with validation and mutated only by a worker
// holding a valid lease.
type Job struct {
	ID             int64
	PodID          *int64
	Type           Type
	Status         Status
	Payload        []byte
	Result         map[string]any
	IdempotencyKey string
	Attempts       int
	MaxAttempts    int
	LeaseOwner     *string
	LeaseExpiresAt *time.Time
	LastError      *string
	ScheduledAt    time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// New creates a queued job carrying the serialized payload.
func New(jobType Type, podID *int64, payload []byte, idempotencyKey string, maxAttempts int) (*Job, error) {
	if !jobType.IsValid() {
		return nil, fmt.Errorf("invalid job type: %s", jobType)
	}
	if idempotencyKey == "" {
		return nil, errors.New("idempotency key must not be empty")
	}
	if maxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got %d", maxAttempts)
	}

	now := time.Now().UTC()
	return &Job{
		PodID:          podID,
		Type:           jobType,
		Status:         StatusQueued,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
		MaxAttempts:    maxAttempts,
		ScheduledAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Claim marks the job as running under the owner's lease and counts the
// attempt. The store performs the equivalent mutation atomically; this
// method exists for the domain tests and in-memory fakes.
func (j *Job) Claim(owner string, leaseDuration time.Duration) {
	now := time.Now().UTC()
	expires := now.Add(leaseDuration)
	j.Status = StatusRunning
	j.LeaseOwner = &owner
	j.LeaseExpiresAt = &expires
	j.Attempts++
	j.UpdatedAt = now
}

// Complete marks the job as succeeded with its result data. The store
// clears the lease columns when it persists any non-running status; the
// in-memory lease fields stay put so the persist can stay conditional
// on still holding the lease.
func (j *Job) Complete(result map[string]any) {
	j.Status = StatusSucceeded
	j.Result = result
	j.UpdatedAt = time.Now().UTC()
}

// FailAttempt records a failed attempt. If attempts remain, the job is
// scheduled for retry per the policy; otherwise it is dead-lettered.
// The returned status is the job's new status.
func (j *Job) FailAttempt(errMsg string, policy RetryPolicy) Status {
	j.LastError = &errMsg
	j.UpdatedAt = time.Now().UTC()
	if j.Attempts >= j.MaxAttempts {
		j.Status = StatusDead
		return j.Status
	}

	j.Status = StatusRetrying
	j.ScheduledAt = time.Now().UTC().Add(policy.NextDelay(j.Attempts))
	return j.Status
}

// Cancel marks a queued job as failed with no side effects. Running jobs
// cannot be cancelled mid-flight; callers rely on per-job timeouts.
func (j *Job) Cancel(reason string) error {
	if j.Status != StatusQueued && j.Status != StatusRetrying {
		return ErrNotCancellable
	}
	j.Status = StatusFailed
	j.LastError = &reason
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// LeaseExpired reports whether the job's lease has lapsed and the job is
// eligible for reclaim by another worker.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.Status == StatusRunning && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now)
}

// IsTerminal reports whether the job reached a terminal status.
func (j *Job) IsTerminal() bool { return j.Status.IsTerminal() }
