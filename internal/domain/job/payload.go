package job

import "encoding/json"

// Payload schemas consumed by the worker pool. The admin API
// collaborator produces these shapes; validation happens at intake
// before anything is enqueued.

// CreatePayload describes a pod.create job.
type CreatePayload struct {
	TenantID   int64   `json:"tenant_id" validate:"required,gt=0"`
	Hostname   string  `json:"hostname" validate:"required,hostname_rfc1123"`
	TemplateID int64   `json:"template_id" validate:"required,gt=0"`
	NodeName   string  `json:"node_name" validate:"required"`
	CPUCores   int     `json:"cpu_cores" validate:"required,gt=0"`
	MemoryMB   int     `json:"memory_mb" validate:"required,gt=0"`
	DiskGB     int     `json:"disk_gb" validate:"required,gt=0"`
	ExplicitIP *string `json:"explicit_ip,omitempty" validate:"omitempty,ip4_addr"`
	AutoIP     bool    `json:"auto_ip"`
}

// DestroyPayload describes a pod.destroy job.
type DestroyPayload struct {
	TenantID int64 `json:"tenant_id" validate:"required,gt=0"`
	PodID    int64 `json:"pod_id" validate:"required,gt=0"`
}

// ScalePayload describes a pod.scale job. The previous resource values
// travel with the job so a failed scale can revert the pod and correct
// quota usage.
type ScalePayload struct {
	TenantID     int64 `json:"tenant_id" validate:"required,gt=0"`
	PodID        int64 `json:"pod_id" validate:"required,gt=0"`
	NewCPUCores  int   `json:"new_cpu_cores" validate:"required,gt=0"`
	NewMemoryMB  int   `json:"new_memory_mb" validate:"required,gt=0"`
	NewDiskGB    int   `json:"new_disk_gb" validate:"required,gt=0"`
	PrevCPUCores int   `json:"prev_cpu_cores" validate:"required,gt=0"`
	PrevMemoryMB int   `json:"prev_memory_mb" validate:"required,gt=0"`
	PrevDiskGB   int   `json:"prev_disk_gb" validate:"required,gt=0"`
}

// HealthCheckPayload describes a pod.health_check job.
type HealthCheckPayload struct {
	TenantID int64 `json:"tenant_id" validate:"required,gt=0"`
	PodID    int64 `json:"pod_id" validate:"required,gt=0"`
}

// BackupPayload describes a pod.backup job.
type BackupPayload struct {
	TenantID int64  `json:"tenant_id" validate:"required,gt=0"`
	PodID    int64  `json:"pod_id" validate:"required,gt=0"`
	Label    string `json:"label,omitempty"`
}

// MarshalPayload serializes any payload for storage on the job row.
func MarshalPayload(p any) ([]byte, error) { return json.Marshal(p) }

// UnmarshalPayload deserializes a job's payload into the given shape.
func UnmarshalPayload(raw []byte, into any) error {
	if err := json.Unmarshal(raw, into); err != nil {
		return ErrInvalidPayload
	}
	return nil
}
