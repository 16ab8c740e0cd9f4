// Package audit defines the audit event taxonomy emitted at every
// orchestration state transition. The core only emits events;
// persistence and query live behind an external sink.
package audit

import (
	"context"
	"time"
)

// EventType identifies what happened.
type EventType string

// The audit event taxonomy.
const (
	EventPodCreateRequested EventType = "POD_CREATE_REQUESTED"
	EventPodProvisioned     EventType = "POD_PROVISIONED"
	EventPodProvisionFailed EventType = "POD_PROVISION_FAILED"
	EventPodScaled          EventType = "POD_SCALED"
	EventPodDestroyed       EventType = "POD_DESTROYED"
	EventQuotaExceeded      EventType = "QUOTA_EXCEEDED"
	EventJobDeadLettered    EventType = "JOB_DEAD_LETTERED"
	EventIPAllocated        EventType = "IP_ALLOCATED"
	EventIPReleased         EventType = "IP_RELEASED"
)

// Severity grades an event for operator attention.
type Severity string

// Predefined severities. Dead-lettered jobs are always critical.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one audit record.
type Event struct {
	Type      EventType      `json:"type"`
	Severity  Severity       `json:"severity"`
	TenantID  int64          `json:"tenant_id"`
	PodID     *int64         `json:"pod_id,omitempty"`
	JobID     *int64         `json:"job_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Sink receives audit events. Implementations must be safe for
// concurrent use; emission failures are the sink's problem and must
// never block or fail the orchestration path.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// New builds an event stamped with the current time.
func New(t EventType, sev Severity, tenantID int64, detail map[string]any) Event {
	return Event{
		Type:      t,
		Severity:  sev,
		TenantID:  tenantID,
		Timestamp: time.Now().UTC(),
		Detail:    detail,
	}
}

// WithPod attaches the pod id.
func (e Event) WithPod(podID int64) Event {
	e.PodID = &podID
	return e
}

// WithJob attaches the job id.
func (e Event) WithJob(jobID int64) Event {
	e.JobID = &jobID
	return e
}
