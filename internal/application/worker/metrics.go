package worker

import (
	"context"
	"time"
)

// Metrics records job execution outcomes for the worker pool.
type Metrics interface {
	// IncJobSuccess counts a successfully completed job of the type.
	IncJobSuccess(ctx context.Context, jobType string)

	// IncJobFailure counts a failed attempt of the type.
	IncJobFailure(ctx context.Context, jobType string, reason string)

	// IncJobDeadLettered counts a job exhausting its attempts.
	IncJobDeadLettered(ctx context.Context, jobType string)

	// ObserveJobDuration records how long a job attempt ran.
	ObserveJobDuration(ctx context.Context, jobType string, duration time.Duration)

	// SetQueueDepth records the number of jobs currently claimable.
	SetQueueDepth(ctx context.Context, depth int64)

	// IncLeaseReclaimed counts a job whose lapsed lease was taken over.
	IncLeaseReclaimed(ctx context.Context, jobType string)
}

// NoopMetrics discards all observations.
type NoopMetrics struct{}

func (NoopMetrics) IncJobSuccess(context.Context, string)                     {}
func (NoopMetrics) IncJobFailure(context.Context, string, string)             {}
func (NoopMetrics) IncJobDeadLettered(context.Context, string)                {}
func (NoopMetrics) ObserveJobDuration(context.Context, string, time.Duration) {}
func (NoopMetrics) SetQueueDepth(context.Context, int64)                      {}
func (NoopMetrics) IncLeaseReclaimed(context.Context, string)                 {}
