// Package provision is the intake surface of the control plane. It
// validates requests, enforces tenant quotas and turns accepted work
// into queued jobs, all inside a single transaction so admission and
// enqueue commit or roll back together.
package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ferretworks/burrow/internal/application/placement"
	"github.com/ferretworks/burrow/internal/domain/audit"
	"github.com/ferretworks/burrow/internal/domain/job"
	"github.com/ferretworks/burrow/internal/domain/pod"
	"github.com/ferretworks/burrow/internal/domain/quota"
	"github.com/ferretworks/burrow/internal/infra/storage"
	"github.com/ferretworks/burrow/pkg/common/logger"
)

// ErrTenantMismatch indicates the pod named in a request belongs to a
// different tenant.
var ErrTenantMismatch = errors.New("pod does not belong to tenant")

// ErrPodNotScalable indicates the pod is not in a state that accepts a
// scale request.
var ErrPodNotScalable = errors.New("pod is not active, cannot scale")

// errDuplicateRequest aborts the intake transaction when the
// idempotency key matched an existing live job. Never escapes the
// service.
var errDuplicateRequest = errors.New("duplicate request")

// Service provides pod lifecycle intake operations.
type Service struct {
	pods      pod.Repository
	jobs      job.Repository
	quotas    quota.Ledger
	placement placement.Strategy
	auditSink audit.Sink
	tx        storage.Transactor

	maxAttempts int

	validate *validator.Validate
	logger   *logger.Logger
	tracer   trace.Tracer
}

// NewService creates an intake service wired to the given stores.
func NewService(
	pods pod.Repository,
	jobs job.Repository,
	quotas quota.Ledger,
	strategy placement.Strategy,
	auditSink audit.Sink,
	tx storage.Transactor,
	maxAttempts int,
	log *logger.Logger,
	tracer trace.Tracer,
) *Service {
	return &Service{
		pods:        pods,
		jobs:        jobs,
		quotas:      quotas,
		placement:   strategy,
		auditSink:   auditSink,
		tx:          tx,
		maxAttempts: maxAttempts,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      log.With("component", "provision_service"),
		tracer:      tracer,
	}
}

// CreatePod admits a new pod request: quota is reserved, the pod row is
// created in pending and a pod.create job is enqueued, atomically. A
// repeated idempotency key returns the original job without reserving
// anything twice.
func (s *Service) CreatePod(ctx context.Context, params CreatePodParams) (*EnqueueResult, error) {
	ctx, span := s.tracer.Start(ctx, "provision.CreatePod", trace.WithAttributes(
		attribute.Int64("tenant.id", params.TenantID),
		attribute.String("pod.hostname", params.Hostname),
	))
	defer span.End()

	if err := s.validate.Struct(params); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		return nil, fmt.Errorf("invalid create request: %w", err)
	}

	nodeName := params.NodeName
	if nodeName == "" {
		picked, err := s.placement.Pick(ctx)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("placing pod: %w", err)
		}
		nodeName = picked
	}

	res := pod.Resources{CPUCores: params.CPUCores, MemoryMB: params.MemoryMB, DiskGB: params.DiskGB}
	newPod, err := pod.New(params.TenantID, params.Hostname, nodeName, params.TemplateID, res)
	if err != nil {
		return nil, err
	}

	delta := quota.Delta{Pods: 1, CPUCores: params.CPUCores, MemoryMB: params.MemoryMB, DiskGB: params.DiskGB}

	var (
		result   EnqueueResult
		existing *job.Job
	)
	txErr := s.tx.InTx(ctx, func(ctx context.Context) error {
		decision, err := s.quotas.CheckAndReserve(ctx, params.TenantID, delta)
		if err != nil {
			return fmt.Errorf("reserving quota: %w", err)
		}
		if !decision.Allowed {
			s.emitAudit(ctx, audit.New(audit.EventQuotaExceeded, audit.SeverityWarning, params.TenantID,
				map[string]any{"violation": decision.Violation, "hostname": params.Hostname}))
			return &QuotaDeniedError{TenantID: params.TenantID, Violation: *decision.Violation}
		}

		podID, err := s.pods.Create(ctx, newPod)
		if err != nil {
			return err
		}
		newPod.ID = podID

		payload, err := job.MarshalPayload(job.CreatePayload{
			TenantID:   params.TenantID,
			Hostname:   params.Hostname,
			TemplateID: params.TemplateID,
			NodeName:   nodeName,
			CPUCores:   params.CPUCores,
			MemoryMB:   params.MemoryMB,
			DiskGB:     params.DiskGB,
			ExplicitIP: params.ExplicitIP,
			AutoIP:     params.ExplicitIP == nil,
		})
		if err != nil {
			return err
		}

		j, err := job.New(job.TypeCreate, &podID, payload, params.IdempotencyKey, s.maxAttempts)
		if err != nil {
			return err
		}
		enqueued, inserted, err := s.jobs.Enqueue(ctx, j)
		if err != nil {
			return err
		}
		if !inserted {
			// Key matched a live job from an earlier request. Roll the
			// whole transaction back so the fresh pod and quota
			// reservation never land.
			existing = enqueued
			return errDuplicateRequest
		}

		result.Job = enqueued
		result.Pod = newPod.ToReadModel()
		return nil
	})
	if errors.Is(txErr, errDuplicateRequest) {
		return s.deduplicated(ctx, span, existing)
	}
	if txErr != nil {
		var denied *QuotaDeniedError
		if errors.As(txErr, &denied) {
			span.AddEvent("quota denied", trace.WithAttributes(
				attribute.String("quota.dimension", denied.Violation.Dimension)))
			return nil, denied
		}
		span.RecordError(txErr)
		span.SetStatus(codes.Error, "create intake failed")
		return nil, txErr
	}

	s.emitAudit(ctx, audit.New(audit.EventPodCreateRequested, audit.SeverityInfo, params.TenantID,
		map[string]any{"hostname": params.Hostname, "node": nodeName}).
		WithPod(result.Pod.ID).WithJob(result.Job.ID))

	s.logger.Info(ctx, "pod create accepted",
		"tenant_id", params.TenantID, "pod_id", result.Pod.ID, "job_id", result.Job.ID)
	span.AddEvent("pod create enqueued", trace.WithAttributes(
		attribute.Int64("pod.id", result.Pod.ID), attribute.Int64("job.id", result.Job.ID)))
	return &result, nil
}

// ScalePod admits a resize of an active pod. The usage delta between
// the current and requested resources is reserved up front and the
// previous values travel with the job so a failed scale can revert.
func (s *Service) ScalePod(ctx context.Context, params ScalePodParams) (*EnqueueResult, error) {
	ctx, span := s.tracer.Start(ctx, "provision.ScalePod", trace.WithAttributes(
		attribute.Int64("tenant.id", params.TenantID),
		attribute.Int64("pod.id", params.PodID),
	))
	defer span.End()

	if err := s.validate.Struct(params); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		return nil, fmt.Errorf("invalid scale request: %w", err)
	}

	var (
		result   EnqueueResult
		existing *job.Job
	)
	txErr := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.findTenantPod(ctx, params.TenantID, params.PodID)
		if err != nil {
			return err
		}
		if p.Status != pod.StatusActive {
			return fmt.Errorf("%w: pod %d is %s", ErrPodNotScalable, p.ID, p.Status)
		}

		delta := quota.Delta{
			CPUCores: params.CPUCores - p.Resources.CPUCores,
			MemoryMB: params.MemoryMB - p.Resources.MemoryMB,
			DiskGB:   params.DiskGB - p.Resources.DiskGB,
		}
		if !delta.IsZero() {
			decision, err := s.quotas.CheckAndReserve(ctx, params.TenantID, delta)
			if err != nil {
				return fmt.Errorf("reserving quota: %w", err)
			}
			if !decision.Allowed {
				s.emitAudit(ctx, audit.New(audit.EventQuotaExceeded, audit.SeverityWarning, params.TenantID,
					map[string]any{"violation": decision.Violation}).WithPod(p.ID))
				return &QuotaDeniedError{TenantID: params.TenantID, Violation: *decision.Violation}
			}
		}

		payload, err := job.MarshalPayload(job.ScalePayload{
			TenantID:     params.TenantID,
			PodID:        p.ID,
			NewCPUCores:  params.CPUCores,
			NewMemoryMB:  params.MemoryMB,
			NewDiskGB:    params.DiskGB,
			PrevCPUCores: p.Resources.CPUCores,
			PrevMemoryMB: p.Resources.MemoryMB,
			PrevDiskGB:   p.Resources.DiskGB,
		})
		if err != nil {
			return err
		}

		j, err := job.New(job.TypeScale, &p.ID, payload, params.IdempotencyKey, s.maxAttempts)
		if err != nil {
			return err
		}
		enqueued, inserted, err := s.jobs.Enqueue(ctx, j)
		if err != nil {
			return err
		}
		if !inserted {
			// Existing job under this key; roll back the reservation.
			existing = enqueued
			return errDuplicateRequest
		}

		result.Job = enqueued
		result.Pod = p.ToReadModel()
		return nil
	})
	if errors.Is(txErr, errDuplicateRequest) {
		return s.deduplicated(ctx, span, existing)
	}
	if txErr != nil {
		var denied *QuotaDeniedError
		if errors.As(txErr, &denied) {
			return nil, denied
		}
		span.RecordError(txErr)
		span.SetStatus(codes.Error, "scale intake failed")
		return nil, txErr
	}

	s.logger.Info(ctx, "pod scale accepted",
		"tenant_id", params.TenantID, "pod_id", params.PodID, "job_id", result.Job.ID)
	return &result, nil
}

// DestroyPod admits a teardown. No quota changes at intake; capacity is
// released when the destroy job completes.
func (s *Service) DestroyPod(ctx context.Context, params DestroyPodParams) (*EnqueueResult, error) {
	ctx, span := s.tracer.Start(ctx, "provision.DestroyPod", trace.WithAttributes(
		attribute.Int64("tenant.id", params.TenantID),
		attribute.Int64("pod.id", params.PodID),
	))
	defer span.End()

	if err := s.validate.Struct(params); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		return nil, fmt.Errorf("invalid destroy request: %w", err)
	}

	payload, err := job.MarshalPayload(job.DestroyPayload{TenantID: params.TenantID, PodID: params.PodID})
	if err != nil {
		return nil, err
	}

	var result EnqueueResult
	txErr := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.findTenantPod(ctx, params.TenantID, params.PodID)
		if err != nil {
			return err
		}
		if p.Status == pod.StatusDeleted {
			return pod.ErrPodNotFound
		}

		j, err := job.New(job.TypeDestroy, &p.ID, payload, params.IdempotencyKey, s.maxAttempts)
		if err != nil {
			return err
		}
		enqueued, inserted, err := s.jobs.Enqueue(ctx, j)
		if err != nil {
			return err
		}

		result.Job = enqueued
		result.Pod = p.ToReadModel()
		result.Deduplicated = !inserted
		return nil
	})
	if txErr != nil {
		span.RecordError(txErr)
		return nil, txErr
	}

	s.logger.Info(ctx, "pod destroy accepted",
		"tenant_id", params.TenantID, "pod_id", params.PodID, "job_id", result.Job.ID)
	return &result, nil
}

// BackupPod enqueues a snapshot of an active pod.
func (s *Service) BackupPod(ctx context.Context, params BackupPodParams) (*EnqueueResult, error) {
	ctx, span := s.tracer.Start(ctx, "provision.BackupPod", trace.WithAttributes(
		attribute.Int64("tenant.id", params.TenantID),
		attribute.Int64("pod.id", params.PodID),
	))
	defer span.End()

	if err := s.validate.Struct(params); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		return nil, fmt.Errorf("invalid backup request: %w", err)
	}

	payload, err := job.MarshalPayload(job.BackupPayload{
		TenantID: params.TenantID, PodID: params.PodID, Label: params.Label,
	})
	if err != nil {
		return nil, err
	}

	var result EnqueueResult
	txErr := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.findTenantPod(ctx, params.TenantID, params.PodID)
		if err != nil {
			return err
		}
		if p.Status != pod.StatusActive {
			return fmt.Errorf("pod %d is %s, cannot snapshot: %w", p.ID, p.Status, pod.ErrInvalidTransition)
		}

		j, err := job.New(job.TypeBackup, &p.ID, payload, params.IdempotencyKey, s.maxAttempts)
		if err != nil {
			return err
		}
		enqueued, inserted, err := s.jobs.Enqueue(ctx, j)
		if err != nil {
			return err
		}

		result.Job = enqueued
		result.Pod = p.ToReadModel()
		result.Deduplicated = !inserted
		return nil
	})
	if txErr != nil {
		span.RecordError(txErr)
		return nil, txErr
	}
	return &result, nil
}

// HealthCheckPod enqueues an on-demand liveness probe for a pod. The
// default idempotency key collapses concurrent requests into one live
// probe per pod.
func (s *Service) HealthCheckPod(ctx context.Context, params HealthCheckParams) (*EnqueueResult, error) {
	ctx, span := s.tracer.Start(ctx, "provision.HealthCheckPod", trace.WithAttributes(
		attribute.Int64("tenant.id", params.TenantID),
		attribute.Int64("pod.id", params.PodID),
	))
	defer span.End()

	if err := s.validate.Struct(params); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		return nil, fmt.Errorf("invalid health check request: %w", err)
	}
	if params.IdempotencyKey == "" {
		params.IdempotencyKey = fmt.Sprintf("healthcheck-pod-%d", params.PodID)
	}

	payload, err := job.MarshalPayload(job.HealthCheckPayload{
		TenantID: params.TenantID, PodID: params.PodID,
	})
	if err != nil {
		return nil, err
	}

	var result EnqueueResult
	txErr := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.findTenantPod(ctx, params.TenantID, params.PodID)
		if err != nil {
			return err
		}
		if p.Status == pod.StatusDeleted {
			return pod.ErrPodNotFound
		}

		j, err := job.New(job.TypeHealthCheck, &p.ID, payload, params.IdempotencyKey, s.maxAttempts)
		if err != nil {
			return err
		}
		enqueued, inserted, err := s.jobs.Enqueue(ctx, j)
		if err != nil {
			return err
		}

		result.Job = enqueued
		result.Pod = p.ToReadModel()
		result.Deduplicated = !inserted
		return nil
	})
	if txErr != nil {
		span.RecordError(txErr)
		return nil, txErr
	}

	s.logger.Info(ctx, "pod health check accepted",
		"tenant_id", params.TenantID, "pod_id", params.PodID, "job_id", result.Job.ID)
	return &result, nil
}

// CancelJob cancels a queued or retrying job. Running and terminal jobs
// are not cancellable.
func (s *Service) CancelJob(ctx context.Context, jobID int64, reason string) (*job.Job, error) {
	ctx, span := s.tracer.Start(ctx, "provision.CancelJob",
		trace.WithAttributes(attribute.Int64("job.id", jobID)))
	defer span.End()

	if reason == "" {
		reason = "cancelled by operator"
	}
	cancelled, err := s.jobs.CancelQueued(ctx, jobID, reason)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.Info(ctx, "job cancelled", "job_id", jobID, "reason", reason)
	return cancelled, nil
}

// GetPod returns the pod's read projection.
func (s *Service) GetPod(ctx context.Context, podID int64) (pod.ReadModel, error) {
	p, err := s.pods.FindByID(ctx, podID)
	if err != nil {
		return pod.ReadModel{}, err
	}
	return p.ToReadModel(), nil
}

// ListTenantPods returns projections for every pod the tenant owns.
func (s *Service) ListTenantPods(ctx context.Context, tenantID int64) ([]pod.ReadModel, error) {
	pods, err := s.pods.FindByTenantID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	models := make([]pod.ReadModel, 0, len(pods))
	for _, p := range pods {
		models = append(models, p.ToReadModel())
	}
	return models, nil
}

// GetJob returns a job by ID.
func (s *Service) GetJob(ctx context.Context, jobID int64) (*job.Job, error) {
	return s.jobs.FindByID(ctx, jobID)
}

// GetQuota returns the tenant's quota record, defaults included.
func (s *Service) GetQuota(ctx context.Context, tenantID int64) (*quota.Record, error) {
	return s.quotas.Get(ctx, tenantID)
}

func (s *Service) findTenantPod(ctx context.Context, tenantID, podID int64) (*pod.Pod, error) {
	p, err := s.pods.FindByID(ctx, podID)
	if err != nil {
		return nil, err
	}
	if p.TenantID != tenantID {
		return nil, ErrTenantMismatch
	}
	return p, nil
}

func (s *Service) deduplicated(ctx context.Context, span trace.Span, existing *job.Job) (*EnqueueResult, error) {
	span.AddEvent("request deduplicated", trace.WithAttributes(
		attribute.Int64("job.id", existing.ID)))

	result := EnqueueResult{Job: existing, Deduplicated: true}
	if existing.PodID != nil {
		if p, err := s.pods.FindByID(ctx, *existing.PodID); err == nil {
			result.Pod = p.ToReadModel()
		}
	}
	s.logger.Info(ctx, "duplicate request matched existing job", "job_id", existing.ID)
	return &result, nil
}

func (s *Service) emitAudit(ctx context.Context, ev audit.Event) {
	if s.auditSink == nil {
		return
	}
	s.auditSink.Emit(ctx, ev)
}
