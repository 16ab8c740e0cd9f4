// Package audit provides the production audit sink: structured log
// emission plus an event counter, so audit trails land in the same
// pipeline as the rest of the service's telemetry.
package audit

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ferretworks/burrow/internal/domain/audit"
	"github.com/ferretworks/burrow/pkg/common/logger"
)

var _ audit.Sink = (*LogSink)(nil)

// LogSink writes audit events to the structured log and counts them by
// type and severity. Emit never blocks on anything slower than the log
// writer and never returns an error to the orchestration path.
type LogSink struct {
	logger  *logger.Logger
	counter metric.Int64Counter
}

// NewLogSink creates a sink writing through the given logger. The meter
// is optional; pass nil to skip the counter.
func NewLogSink(log *logger.Logger, meter metric.Meter) (*LogSink, error) {
	s := &LogSink{logger: log.With("component", "audit")}

	if meter != nil {
		counter, err := meter.Int64Counter("burrow.audit.events",
			metric.WithDescription("Audit events emitted, by type and severity"))
		if err != nil {
			return nil, err
		}
		s.counter = counter
	}
	return s, nil
}

// Emit records the event.
func (s *LogSink) Emit(ctx context.Context, ev audit.Event) {
	args := []any{
		"event_type", string(ev.Type),
		"severity", string(ev.Severity),
		"tenant_id", ev.TenantID,
	}
	if ev.PodID != nil {
		args = append(args, "pod_id", *ev.PodID)
	}
	if ev.JobID != nil {
		args = append(args, "job_id", *ev.JobID)
	}
	if len(ev.Detail) > 0 {
		args = append(args, "detail", ev.Detail)
	}

	switch ev.Severity {
	case audit.SeverityCritical:
		s.logger.Error(ctx, "audit event", args...)
	case audit.SeverityWarning:
		s.logger.Warn(ctx, "audit event", args...)
	default:
		s.logger.Info(ctx, "audit event", args...)
	}

	if s.counter != nil {
		s.counter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event_type", string(ev.Type)),
			attribute.String("severity", string(ev.Severity)),
		))
	}
}
