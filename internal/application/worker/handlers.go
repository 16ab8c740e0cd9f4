package worker

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"time"

	appipam "github.com/ferretworks/burrow/internal/application/ipam"
	"github.com/ferretworks/burrow/internal/domain/audit"
	"github.com/ferretworks/burrow/internal/domain/ipam"
	"github.com/ferretworks/burrow/internal/domain/job"
	"github.com/ferretworks/burrow/internal/domain/pod"
	"github.com/ferretworks/burrow/internal/domain/quota"
	"github.com/ferretworks/burrow/internal/infra/executor"
	"github.com/ferretworks/burrow/internal/infra/storage"
	"github.com/ferretworks/burrow/pkg/common/logger"
)

// errMissingPod indicates a job arrived without a pod reference.
var errMissingPod = errors.New("job has no pod reference")

// Handlers executes the per-type job logic. Every handler is written to
// be resumable: a reclaimed job whose previous owner died mid-flight
// re-runs from the top, and each step either detects completed work or
// repeats it harmlessly.
type Handlers struct {
	pods      pod.Repository
	quotas    quota.Ledger
	allocator *appipam.Allocator
	prober    appipam.Prober
	exec      executor.Executor
	auditSink audit.Sink
	tx        storage.Transactor

	logger *logger.Logger
}

// NewHandlers creates the handler set for the worker pool.
func NewHandlers(
	pods pod.Repository,
	quotas quota.Ledger,
	allocator *appipam.Allocator,
	prober appipam.Prober,
	exec executor.Executor,
	auditSink audit.Sink,
	tx storage.Transactor,
	log *logger.Logger,
) *Handlers {
	return &Handlers{
		pods:      pods,
		quotas:    quotas,
		allocator: allocator,
		prober:    prober,
		exec:      exec,
		auditSink: auditSink,
		tx:        tx,
		logger:    log.With("component", "job_handlers"),
	}
}

// Handle dispatches the job to its type handler and returns the result
// payload to persist on success.
func (h *Handlers) Handle(ctx context.Context, j *job.Job) (map[string]any, error) {
	switch j.Type {
	case job.TypeCreate:
		return h.handleCreate(ctx, j)
	case job.TypeDestroy:
		return h.handleDestroy(ctx, j)
	case job.TypeScale:
		return h.handleScale(ctx, j)
	case job.TypeHealthCheck:
		return h.handleHealthCheck(ctx, j)
	case job.TypeBackup:
		return h.handleBackup(ctx, j)
	default:
		return nil, fmt.Errorf("no handler for job type %s", j.Type)
	}
}

func (h *Handlers) handleCreate(ctx context.Context, j *job.Job) (map[string]any, error) {
	var payload job.CreatePayload
	if err := job.UnmarshalPayload(j.Payload, &payload); err != nil {
		return nil, err
	}
	p, err := h.jobPod(ctx, j)
	if err != nil {
		return nil, err
	}

	// A previous attempt may have finished everything but the final job
	// update before losing its lease.
	if p.Status == pod.StatusActive {
		return createResult(p), nil
	}

	if p.Status == pod.StatusPending {
		if err := p.BeginProvisioning(); err != nil {
			return nil, err
		}
		if err := h.pods.Update(ctx, p); err != nil {
			return nil, err
		}
	}

	if p.ExternalID == nil {
		res, err := h.exec.Run(ctx, p.NodeName, executor.OpCloneTemplate,
			strconv.FormatInt(p.TemplateID, 10), p.Hostname)
		if err != nil {
			return nil, fmt.Errorf("cloning template: %w", err)
		}
		externalID, err := strconv.ParseInt(firstLine(res.Stdout), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing clone output %q: %w", res.Stdout, err)
		}
		p.SetExternalID(externalID)
		if err := h.pods.Update(ctx, p); err != nil {
			return nil, err
		}
	}

	if _, err := h.exec.Run(ctx, p.NodeName, executor.OpSetResources,
		strconv.FormatInt(*p.ExternalID, 10),
		strconv.Itoa(p.Resources.CPUCores),
		strconv.Itoa(p.Resources.MemoryMB),
		strconv.Itoa(p.Resources.DiskGB),
	); err != nil {
		return nil, fmt.Errorf("setting resources: %w", err)
	}

	if p.IPAddress == nil {
		addr, err := h.allocateAddress(ctx, p, payload)
		if err != nil {
			return nil, err
		}
		p.AssignIP(addr)
		if err := h.pods.Update(ctx, p); err != nil {
			return nil, err
		}
		h.emitAudit(ctx, audit.New(audit.EventIPAllocated, audit.SeverityInfo, p.TenantID,
			map[string]any{"address": addr.String()}).WithPod(p.ID).WithJob(j.ID))
	}

	if _, err := h.exec.Run(ctx, p.NodeName, executor.OpConfigureNetwork,
		strconv.FormatInt(*p.ExternalID, 10), p.IPAddress.String(), p.Hostname,
	); err != nil {
		return nil, fmt.Errorf("configuring network: %w", err)
	}

	if _, err := h.exec.Run(ctx, p.NodeName, executor.OpStart,
		strconv.FormatInt(*p.ExternalID, 10),
	); err != nil {
		return nil, fmt.Errorf("starting pod: %w", err)
	}

	if err := p.Activate(); err != nil {
		return nil, err
	}
	if err := h.pods.Update(ctx, p); err != nil {
		return nil, err
	}

	h.emitAudit(ctx, audit.New(audit.EventPodProvisioned, audit.SeverityInfo, p.TenantID,
		map[string]any{"hostname": p.Hostname, "node": p.NodeName}).WithPod(p.ID).WithJob(j.ID))
	h.logger.Info(ctx, "pod provisioned",
		"pod_id", p.ID, "hostname", p.Hostname, "address", p.IPAddress.String())
	return createResult(p), nil
}

// allocateAddress resolves the pod's address, reusing an allocation a
// prior attempt already committed.
func (h *Handlers) allocateAddress(ctx context.Context, p *pod.Pod, payload job.CreatePayload) (netip.Addr, error) {
	if existing, err := h.allocator.FindByOwner(ctx, p.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ipam.ErrAddressNotFound) {
		return netip.Addr{}, err
	}

	var explicit *netip.Addr
	if payload.ExplicitIP != nil {
		addr, err := netip.ParseAddr(*payload.ExplicitIP)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("parsing explicit address: %w", err)
		}
		explicit = &addr
	}
	return h.allocator.Allocate(ctx, p.ID, explicit)
}

func (h *Handlers) handleDestroy(ctx context.Context, j *job.Job) (map[string]any, error) {
	var payload job.DestroyPayload
	if err := job.UnmarshalPayload(j.Payload, &payload); err != nil {
		return nil, err
	}
	p, err := h.jobPod(ctx, j)
	if err != nil {
		return nil, err
	}

	if p.Status == pod.StatusDeleted {
		return map[string]any{"pod_id": p.ID, "status": string(p.Status)}, nil
	}

	if p.Status != pod.StatusDeleting {
		// The quota release commits together with the transition out of
		// the counted set. A retry that finds the pod already deleting
		// knows the capacity was returned and must not release again.
		counted := p.Status.CountsAgainstQuota()
		if err := h.tx.InTx(ctx, func(ctx context.Context) error {
			if err := p.BeginDeleting(); err != nil {
				return err
			}
			if err := h.pods.Update(ctx, p); err != nil {
				return err
			}
			if counted {
				if err := h.quotas.Release(ctx, p.TenantID, resourceDelta(p)); err != nil {
					return fmt.Errorf("releasing quota: %w", err)
				}
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	if p.ExternalID != nil {
		externalID := strconv.FormatInt(*p.ExternalID, 10)
		// Stop before destroy; stopping an already-stopped pod is fine.
		if _, err := h.exec.Run(ctx, p.NodeName, executor.OpStop, externalID); err != nil {
			h.logger.Warn(ctx, "stop before destroy failed, continuing",
				"pod_id", p.ID, "error", err)
		}
		if _, err := h.exec.Run(ctx, p.NodeName, executor.OpDestroy, externalID); err != nil {
			return nil, fmt.Errorf("destroying pod: %w", err)
		}
	}

	var releasedAddr string
	if err := h.tx.InTx(ctx, func(ctx context.Context) error {
		if p.IPAddress != nil {
			releasedAddr = p.IPAddress.String()
			if err := h.allocator.Release(ctx, p.ID); err != nil {
				return fmt.Errorf("releasing address: %w", err)
			}
			p.ClearIP()
		}
		if err := p.MarkDeleted(); err != nil {
			return err
		}
		return h.pods.Update(ctx, p)
	}); err != nil {
		return nil, err
	}

	if releasedAddr != "" {
		h.emitAudit(ctx, audit.New(audit.EventIPReleased, audit.SeverityInfo, p.TenantID,
			map[string]any{"address": releasedAddr}).WithPod(p.ID).WithJob(j.ID))
	}
	h.emitAudit(ctx, audit.New(audit.EventPodDestroyed, audit.SeverityInfo, p.TenantID,
		map[string]any{"hostname": p.Hostname}).WithPod(p.ID).WithJob(j.ID))
	h.logger.Info(ctx, "pod destroyed", "pod_id", p.ID, "hostname", p.Hostname)
	return map[string]any{"pod_id": p.ID, "status": string(pod.StatusDeleted)}, nil
}

func (h *Handlers) handleScale(ctx context.Context, j *job.Job) (map[string]any, error) {
	var payload job.ScalePayload
	if err := job.UnmarshalPayload(j.Payload, &payload); err != nil {
		return nil, err
	}
	p, err := h.jobPod(ctx, j)
	if err != nil {
		return nil, err
	}

	target := pod.Resources{
		CPUCores: payload.NewCPUCores,
		MemoryMB: payload.NewMemoryMB,
		DiskGB:   payload.NewDiskGB,
	}

	// Resumed after a prior attempt already applied everything.
	if p.Status == pod.StatusActive && p.Resources == target {
		return map[string]any{"pod_id": p.ID, "cpu_cores": target.CPUCores,
			"memory_mb": target.MemoryMB, "disk_gb": target.DiskGB}, nil
	}

	if p.Status == pod.StatusActive {
		if err := p.BeginScaling(); err != nil {
			return nil, err
		}
		if err := h.pods.Update(ctx, p); err != nil {
			return nil, err
		}
	}

	if p.ExternalID == nil {
		return nil, fmt.Errorf("pod %d has no external id: %w", p.ID, pod.ErrInvalidTransition)
	}
	if _, err := h.exec.Run(ctx, p.NodeName, executor.OpSetResources,
		strconv.FormatInt(*p.ExternalID, 10),
		strconv.Itoa(target.CPUCores),
		strconv.Itoa(target.MemoryMB),
		strconv.Itoa(target.DiskGB),
	); err != nil {
		return nil, fmt.Errorf("applying resources: %w", err)
	}

	if err := p.SetResources(target); err != nil {
		return nil, err
	}
	if err := p.Activate(); err != nil {
		return nil, err
	}
	if err := h.pods.Update(ctx, p); err != nil {
		return nil, err
	}

	h.emitAudit(ctx, audit.New(audit.EventPodScaled, audit.SeverityInfo, p.TenantID,
		map[string]any{
			"cpu_cores": target.CPUCores,
			"memory_mb": target.MemoryMB,
			"disk_gb":   target.DiskGB,
		}).WithPod(p.ID).WithJob(j.ID))
	h.logger.Info(ctx, "pod scaled", "pod_id", p.ID,
		"cpu_cores", target.CPUCores, "memory_mb", target.MemoryMB, "disk_gb", target.DiskGB)
	return map[string]any{"pod_id": p.ID, "cpu_cores": target.CPUCores,
		"memory_mb": target.MemoryMB, "disk_gb": target.DiskGB}, nil
}

func (h *Handlers) handleHealthCheck(ctx context.Context, j *job.Job) (map[string]any, error) {
	var payload job.HealthCheckPayload
	if err := job.UnmarshalPayload(j.Payload, &payload); err != nil {
		return nil, err
	}
	p, err := h.jobPod(ctx, j)
	if err != nil {
		return nil, err
	}

	if p.Status != pod.StatusActive || p.IPAddress == nil {
		return map[string]any{"pod_id": p.ID, "healthy": false,
			"reason": "pod not active"}, nil
	}

	healthy := h.prober.IsLive(ctx, *p.IPAddress)
	if !healthy {
		h.logger.Warn(ctx, "pod failed health check",
			"pod_id", p.ID, "address", p.IPAddress.String())
	}
	return map[string]any{"pod_id": p.ID, "healthy": healthy,
		"checked_at": time.Now().UTC().Format(time.RFC3339)}, nil
}

func (h *Handlers) handleBackup(ctx context.Context, j *job.Job) (map[string]any, error) {
	var payload job.BackupPayload
	if err := job.UnmarshalPayload(j.Payload, &payload); err != nil {
		return nil, err
	}
	p, err := h.jobPod(ctx, j)
	if err != nil {
		return nil, err
	}

	if p.ExternalID == nil {
		return nil, fmt.Errorf("pod %d has no external id: %w", p.ID, pod.ErrInvalidTransition)
	}

	label := payload.Label
	if label == "" {
		label = "backup-" + time.Now().UTC().Format("20060102-150405")
	}
	res, err := h.exec.Run(ctx, p.NodeName, executor.OpSnapshot,
		strconv.FormatInt(*p.ExternalID, 10), label)
	if err != nil {
		return nil, fmt.Errorf("snapshotting pod: %w", err)
	}

	h.logger.Info(ctx, "pod snapshot taken", "pod_id", p.ID, "label", label)
	return map[string]any{"pod_id": p.ID, "label": label,
		"snapshot": firstLine(res.Stdout)}, nil
}

// onDeadLetter runs the cleanup owed when a job exhausts its attempts:
// the pod moves to error and the capacity it was holding returns to the
// tenant.
func (h *Handlers) onDeadLetter(ctx context.Context, j *job.Job) {
	var (
		p        *pod.Pod
		tenantID int64
	)
	if j.PodID != nil {
		loaded, err := h.pods.FindByID(ctx, *j.PodID)
		if err != nil {
			h.logger.Error(ctx, "dead-letter cleanup could not load pod",
				"job_id", j.ID, "pod_id", *j.PodID, "error", err)
		} else {
			p = loaded
			tenantID = p.TenantID
		}
	}

	ev := audit.New(audit.EventJobDeadLettered, audit.SeverityCritical, tenantID,
		map[string]any{"job_type": string(j.Type), "attempts": j.Attempts,
			"last_error": derefOr(j.LastError, "")}).WithJob(j.ID)
	if p != nil {
		ev = ev.WithPod(p.ID)
	}
	h.emitAudit(ctx, ev)

	if p == nil {
		return
	}

	switch j.Type {
	case job.TypeCreate:
		h.failProvisioning(ctx, j, p)
	case job.TypeScale:
		h.revertScaleReservation(ctx, j, p)
	case job.TypeDestroy, job.TypeHealthCheck, job.TypeBackup:
		// Destroy retries forever short of max attempts; on exhaustion
		// the pod stays in its current state for operator intervention.
		// Health checks and backups change nothing to unwind.
	}
}

func (h *Handlers) failProvisioning(ctx context.Context, j *job.Job, p *pod.Pod) {
	counted := p.Status.CountsAgainstQuota()

	err := h.tx.InTx(ctx, func(ctx context.Context) error {
		if p.IPAddress != nil || hasAllocation(ctx, h.allocator, p.ID) {
			if err := h.allocator.Release(ctx, p.ID); err != nil {
				return fmt.Errorf("releasing address: %w", err)
			}
			p.ClearIP()
		}
		if err := p.MarkError(); err != nil {
			return err
		}
		if err := h.pods.Update(ctx, p); err != nil {
			return err
		}
		if counted {
			if err := h.quotas.Release(ctx, p.TenantID, resourceDelta(p)); err != nil {
				return fmt.Errorf("releasing quota: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		h.logger.Error(ctx, "failed to unwind provisioning on dead-letter",
			"pod_id", p.ID, "error", err)
		return
	}

	h.emitAudit(ctx, audit.New(audit.EventPodProvisionFailed, audit.SeverityCritical, p.TenantID,
		map[string]any{"hostname": p.Hostname,
			"last_error": derefOr(j.LastError, "")}).WithPod(p.ID).WithJob(j.ID))
}

func (h *Handlers) revertScaleReservation(ctx context.Context, j *job.Job, p *pod.Pod) {
	var payload job.ScalePayload
	if err := job.UnmarshalPayload(j.Payload, &payload); err != nil {
		h.logger.Error(ctx, "cannot revert scale, payload unreadable",
			"job_id", j.ID, "error", err)
		return
	}

	// Give back the delta reserved at intake.
	delta := quota.Delta{
		CPUCores: payload.NewCPUCores - payload.PrevCPUCores,
		MemoryMB: payload.NewMemoryMB - payload.PrevMemoryMB,
		DiskGB:   payload.NewDiskGB - payload.PrevDiskGB,
	}
	err := h.tx.InTx(ctx, func(ctx context.Context) error {
		if !delta.IsZero() {
			if err := h.quotas.Release(ctx, p.TenantID, delta); err != nil {
				return fmt.Errorf("reverting reservation: %w", err)
			}
		}
		if p.Status == pod.StatusScaling {
			if err := p.Activate(); err != nil {
				return err
			}
			return h.pods.Update(ctx, p)
		}
		return nil
	})
	if err != nil {
		h.logger.Error(ctx, "failed to revert scale reservation",
			"pod_id", p.ID, "error", err)
	}
}

func (h *Handlers) jobPod(ctx context.Context, j *job.Job) (*pod.Pod, error) {
	if j.PodID == nil {
		return nil, errMissingPod
	}
	return h.pods.FindByID(ctx, *j.PodID)
}

func (h *Handlers) emitAudit(ctx context.Context, ev audit.Event) {
	if h.auditSink != nil {
		h.auditSink.Emit(ctx, ev)
	}
}

func createResult(p *pod.Pod) map[string]any {
	result := map[string]any{
		"pod_id":   p.ID,
		"hostname": p.Hostname,
		"status":   string(p.Status),
	}
	if p.IPAddress != nil {
		result["address"] = p.IPAddress.String()
	}
	if p.ExternalID != nil {
		result["external_id"] = *p.ExternalID
	}
	return result
}

// resourceDelta is the full footprint a live pod holds against its
// tenant's quota.
func resourceDelta(p *pod.Pod) quota.Delta {
	return quota.Delta{
		Pods:     1,
		CPUCores: p.Resources.CPUCores,
		MemoryMB: p.Resources.MemoryMB,
		DiskGB:   p.Resources.DiskGB,
	}
}

func hasAllocation(ctx context.Context, a *appipam.Allocator, podID int64) bool {
	_, err := a.FindByOwner(ctx, podID)
	return err == nil
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' || s[i] == '\r' {
			return s[:i]
		}
	}
	return s
}

func derefOr(s *string, fallback string) string {
	if s != nil {
		return *s
	}
	return fallback
}
