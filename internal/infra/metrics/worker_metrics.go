package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ferretworks/burrow/internal/application/worker"
)

var _ worker.Metrics = (*workerMetrics)(nil)

type workerMetrics struct {
	jobSuccess     metric.Int64Counter
	jobFailure     metric.Int64Counter
	jobDeadLetter  metric.Int64Counter
	jobDuration    metric.Float64Histogram
	queueDepth     metric.Int64Gauge
	leaseReclaimed metric.Int64Counter
}

// newWorkerMetrics creates the worker pool metrics instance.
func newWorkerMetrics(mp metric.MeterProvider) (*workerMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(workerMetrics)
	var err error

	if m.jobSuccess, err = meter.Int64Counter(
		"job_success_total",
		metric.WithDescription("Total number of successfully completed jobs"),
	); err != nil {
		return nil, err
	}

	if m.jobFailure, err = meter.Int64Counter(
		"job_failure_total",
		metric.WithDescription("Total number of failed job attempts"),
	); err != nil {
		return nil, err
	}

	if m.jobDeadLetter, err = meter.Int64Counter(
		"job_dead_letter_total",
		metric.WithDescription("Total number of jobs that exhausted their attempts"),
	); err != nil {
		return nil, err
	}

	if m.jobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Duration of job attempts in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.queueDepth, err = meter.Int64Gauge(
		"job_queue_depth",
		metric.WithDescription("Number of jobs currently due for execution"),
	); err != nil {
		return nil, err
	}

	if m.leaseReclaimed, err = meter.Int64Counter(
		"job_lease_reclaimed_total",
		metric.WithDescription("Total number of jobs resumed after a lapsed lease"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *workerMetrics) IncJobSuccess(ctx context.Context, jobType string) {
	m.jobSuccess.Add(ctx, 1, metric.WithAttributes(attribute.String("job_type", jobType)))
}

func (m *workerMetrics) IncJobFailure(ctx context.Context, jobType string, reason string) {
	m.jobFailure.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job_type", jobType),
		attribute.String("reason", reason),
	))
}

func (m *workerMetrics) IncJobDeadLettered(ctx context.Context, jobType string) {
	m.jobDeadLetter.Add(ctx, 1, metric.WithAttributes(attribute.String("job_type", jobType)))
}

func (m *workerMetrics) ObserveJobDuration(ctx context.Context, jobType string, duration time.Duration) {
	m.jobDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("job_type", jobType)))
}

func (m *workerMetrics) SetQueueDepth(ctx context.Context, depth int64) {
	m.queueDepth.Record(ctx, depth)
}

func (m *workerMetrics) IncLeaseReclaimed(ctx context.Context, jobType string) {
	m.leaseReclaimed.Add(ctx, 1, metric.WithAttributes(attribute.String("job_type", jobType)))
}
