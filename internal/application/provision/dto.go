package provision

import (
	"fmt"

	"github.com/ferretworks/burrow/internal/domain/job"
	"github.com/ferretworks/burrow/internal/domain/pod"
	"github.com/ferretworks/burrow/internal/domain/quota"
)

// CreatePodParams carries a pod creation request through intake.
type CreatePodParams struct {
	TenantID       int64   `json:"tenant_id" validate:"required,gt=0"`
	Hostname       string  `json:"hostname" validate:"required,hostname_rfc1123,max=63"`
	TemplateID     int64   `json:"template_id" validate:"required,gt=0"`
	NodeName       string  `json:"node_name,omitempty"`
	CPUCores       int     `json:"cpu_cores" validate:"required,gt=0"`
	MemoryMB       int     `json:"memory_mb" validate:"required,gt=0"`
	DiskGB         int     `json:"disk_gb" validate:"required,gt=0"`
	ExplicitIP     *string `json:"explicit_ip,omitempty" validate:"omitempty,ip4_addr"`
	IdempotencyKey string  `json:"idempotency_key" validate:"required,min=1,max=128"`
}

// ScalePodParams carries a resize request for an existing pod.
type ScalePodParams struct {
	TenantID       int64  `json:"tenant_id" validate:"required,gt=0"`
	PodID          int64  `json:"pod_id" validate:"required,gt=0"`
	CPUCores       int    `json:"cpu_cores" validate:"required,gt=0"`
	MemoryMB       int    `json:"memory_mb" validate:"required,gt=0"`
	DiskGB         int    `json:"disk_gb" validate:"required,gt=0"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,min=1,max=128"`
}

// DestroyPodParams carries a teardown request.
type DestroyPodParams struct {
	TenantID       int64  `json:"tenant_id" validate:"required,gt=0"`
	PodID          int64  `json:"pod_id" validate:"required,gt=0"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,min=1,max=128"`
}

// BackupPodParams carries a snapshot request.
type BackupPodParams struct {
	TenantID       int64  `json:"tenant_id" validate:"required,gt=0"`
	PodID          int64  `json:"pod_id" validate:"required,gt=0"`
	Label          string `json:"label,omitempty" validate:"max=64"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,min=1,max=128"`
}

// HealthCheckParams carries an on-demand liveness probe request.
type HealthCheckParams struct {
	TenantID       int64  `json:"tenant_id" validate:"required,gt=0"`
	PodID          int64  `json:"pod_id" validate:"required,gt=0"`
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=128"`
}

// EnqueueResult is returned by every mutating intake operation: the
// accepted job plus the affected pod's current projection.
type EnqueueResult struct {
	Job *job.Job
	Pod pod.ReadModel
	// Deduplicated is true when the idempotency key matched a live job
	// and no new work was enqueued.
	Deduplicated bool
}

// QuotaDeniedError reports a rejected admission with the per-dimension
// breakdown callers render to the client.
type QuotaDeniedError struct {
	TenantID  int64
	Violation quota.Violation
}

func (e *QuotaDeniedError) Error() string {
	return fmt.Sprintf("quota exceeded for tenant %d: %s (max %d, current %d, requested %d)",
		e.TenantID, e.Violation.Dimension, e.Violation.Max, e.Violation.Current, e.Violation.Requested)
}
