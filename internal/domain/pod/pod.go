package pod

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"time"
)

// Common errors
var (
	ErrPodNotFound       = errors.New("pod not found")
	ErrHostnameTaken     = errors.New("hostname already in use")
	ErrInvalidHostname   = errors.New("invalid hostname")
	ErrInvalidResources  = errors.New("invalid resource values")
	ErrInvalidTransition = errors.New("invalid pod status transition")
)

// Status represents the pod's position in its lifecycle.
type Status string

// Predefined pod statuses.
const (
	StatusPending      Status = "pending"
	StatusProvisioning Status = "provisioning"
	StatusActive       Status = "active"
	StatusScaling      Status = "scaling"
	StatusDeleting     Status = "deleting"
	StatusDeleted      Status = "deleted"
	StatusError        Status = "error"
)

// IsTerminal reports whether the status admits no further transitions
// other than deletion cleanup. A pod in error can still be destroyed.
func (s Status) IsTerminal() bool { return s == StatusDeleted }

// CountsAgainstQuota reports whether a pod in this status consumes
// tenant quota. Deleted and errored pods do not.
func (s Status) CountsAgainstQuota() bool {
	switch s {
	case StatusPending, StatusProvisioning, StatusActive, StatusScaling:
		return true
	default:
		return false
	}
}

// Resources is the resolved resource allocation of a pod. Pods store
// their own values; later plan changes never affect existing pods.
type Resources struct {
	CPUCores int
	MemoryMB int
	DiskGB   int
}

// Validate checks that every dimension is positive.
func (r Resources) Validate() error {
	if r.CPUCores <= 0 || r.MemoryMB <= 0 || r.DiskGB <= 0 {
		return ErrInvalidResources
	}
	return nil
}

// Pod represents a tenant-owned compute unit cloned from a template onto
// a hypervisor node. It is owned exclusively by the orchestrator: only
// the worker pool mutates it after creation.
type Pod struct {
	ID         int64
	TenantID   int64
	NodeName   string
	ExternalID *int64
	Hostname   string
	IPAddress  *netip.Addr
	Status     Status
	Resources  Resources
	TemplateID int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

var hostnamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)

// New creates a pod in the pending state with validated inputs.
func New(tenantID int64, hostname, nodeName string, templateID int64, res Resources) (*Pod, error) {
	if !hostnamePattern.MatchString(hostname) {
		return nil, ErrInvalidHostname
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Pod{
		TenantID:   tenantID,
		NodeName:   nodeName,
		Hostname:   hostname,
		Status:     StatusPending,
		Resources:  res,
		TemplateID: templateID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// validTransitions encodes the lifecycle state machine.
var validTransitions = map[Status][]Status{
	StatusPending:      {StatusProvisioning, StatusError, StatusDeleting},
	StatusProvisioning: {StatusActive, StatusError, StatusDeleting},
	StatusActive:       {StatusScaling, StatusDeleting, StatusError},
	StatusScaling:      {StatusActive, StatusError},
	StatusDeleting:     {StatusDeleted, StatusError},
	StatusError:        {StatusDeleting},
	StatusDeleted:      {},
}

// TransitionTo moves the pod to the target status, enforcing the state
// machine. It returns ErrInvalidTransition for illegal moves.
func (p *Pod) TransitionTo(target Status) error {
	for _, allowed := range validTransitions[p.Status] {
		if allowed == target {
			p.Status = target
			p.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, target)
}

// BeginProvisioning marks the pod as being provisioned by a worker.
func (p *Pod) BeginProvisioning() error { return p.TransitionTo(StatusProvisioning) }

// Activate finalizes provisioning or scaling; the pod fields must
// already carry their resolved values.
func (p *Pod) Activate() error { return p.TransitionTo(StatusActive) }

// BeginScaling marks the pod as having a scale job in flight.
func (p *Pod) BeginScaling() error { return p.TransitionTo(StatusScaling) }

// BeginDeleting marks the pod as being torn down.
func (p *Pod) BeginDeleting() error { return p.TransitionTo(StatusDeleting) }

// MarkDeleted records successful teardown. Terminal.
func (p *Pod) MarkDeleted() error { return p.TransitionTo(StatusDeleted) }

// MarkError records an unrecoverable failure. Reachable from any
// non-terminal state, so it bypasses the transition table.
func (p *Pod) MarkError() error {
	if p.Status == StatusDeleted {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusError)
	}
	p.Status = StatusError
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// AssignIP records the address IPAM allocated for the pod.
func (p *Pod) AssignIP(addr netip.Addr) {
	p.IPAddress = &addr
	p.UpdatedAt = time.Now().UTC()
}

// ClearIP removes the pod's address after IPAM release.
func (p *Pod) ClearIP() {
	p.IPAddress = nil
	p.UpdatedAt = time.Now().UTC()
}

// SetExternalID records the hypervisor-side resource id once the remote
// clone has been created.
func (p *Pod) SetExternalID(id int64) {
	p.ExternalID = &id
	p.UpdatedAt = time.Now().UTC()
}

// SetResources replaces the resolved resource values, used by scale jobs.
func (p *Pod) SetResources(res Resources) error {
	if err := res.Validate(); err != nil {
		return err
	}
	p.Resources = res
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// ReadModel is the read-only projection exposed to the admin API
// collaborator. The admin API never writes pod rows.
type ReadModel struct {
	ID        int64     `json:"id"`
	TenantID  int64     `json:"tenant_id"`
	Hostname  string    `json:"hostname"`
	IPAddress *string   `json:"ip_address,omitempty"`
	Status    string    `json:"status"`
	CPUCores  int       `json:"cpu_cores"`
	MemoryMB  int       `json:"memory_mb"`
	DiskGB    int       `json:"disk_gb"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ToReadModel projects the pod for external consumers.
func (p *Pod) ToReadModel() ReadModel {
	rm := ReadModel{
		ID:        p.ID,
		TenantID:  p.TenantID,
		Hostname:  p.Hostname,
		Status:    string(p.Status),
		CPUCores:  p.Resources.CPUCores,
		MemoryMB:  p.Resources.MemoryMB,
		DiskGB:    p.Resources.DiskGB,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	if p.IPAddress != nil {
		s := p.IPAddress.String()
		rm.IPAddress = &s
	}
	return rm
}
