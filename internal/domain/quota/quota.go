package quota

import (
	"errors"
	"time"
)

// ErrQuotaNotFound is returned by stores when no quota row exists for a
// tenant. Callers generally fall back to DefaultRecord instead of
// surfacing it.
var ErrQuotaNotFound = errors.New("quota record not found")

// Default per-tenant limits applied when no quota row exists.
const (
	DefaultMaxPods     = 2
	DefaultMaxCPUCores = 4
	DefaultMaxMemoryMB = 8192
	DefaultMaxDiskGB   = 200
)

// Record holds a tenant's resource ceilings and live usage. Usage is
// adjusted incrementally in the same transaction as the pod/job
// mutation that changes it; used* <= max* holds after every commit.
type Record struct {
	TenantID    int64
	MaxPods     int
	MaxCPUCores int
	MaxMemoryMB int
	MaxDiskGB   int

	UsedPods     int
	UsedCPUCores int
	UsedMemoryMB int
	UsedDiskGB   int

	UpdatedAt time.Time
}

// DefaultRecord returns the documented default policy for a tenant with
// no stored quota row.
func DefaultRecord(tenantID int64) *Record {
	return &Record{
		TenantID:    tenantID,
		MaxPods:     DefaultMaxPods,
		MaxCPUCores: DefaultMaxCPUCores,
		MaxMemoryMB: DefaultMaxMemoryMB,
		MaxDiskGB:   DefaultMaxDiskGB,
	}
}

// Delta is a requested change in usage. Dimensions may be negative
// (destroy) or partial (scale).
type Delta struct {
	Pods     int
	CPUCores int
	MemoryMB int
	DiskGB   int
}

// Negate returns the delta with every dimension flipped, used when
// rolling back a reservation.
func (d Delta) Negate() Delta {
	return Delta{Pods: -d.Pods, CPUCores: -d.CPUCores, MemoryMB: -d.MemoryMB, DiskGB: -d.DiskGB}
}

// IsZero reports whether the delta changes nothing.
func (d Delta) IsZero() bool {
	return d.Pods == 0 && d.CPUCores == 0 && d.MemoryMB == 0 && d.DiskGB == 0
}

// Violation describes the first dimension a delta would push past its
// ceiling.
type Violation struct {
	Dimension string `json:"dimension"`
	Max       int    `json:"max"`
	Current   int    `json:"current"`
	Requested int    `json:"requested"`
}

// Decision is the outcome of a check-and-reserve call.
type Decision struct {
	Allowed bool
	// Violation is set only when the request was denied.
	Violation *Violation
}

// Allowed is the affirmative decision.
func Allowed() Decision { return Decision{Allowed: true} }

// Denied builds a structured denial for the offending dimension.
func Denied(dimension string, max, current, requested int) Decision {
	return Decision{
		Allowed: false,
		Violation: &Violation{
			Dimension: dimension,
			Max:       max,
			Current:   current,
			Requested: requested,
		},
	}
}

// Check evaluates the delta against the record without mutating it. The
// first violated dimension is reported, checked in a stable order so
// denials are deterministic.
func (r *Record) Check(d Delta) Decision {
	if r.UsedPods+d.Pods > r.MaxPods {
		return Denied("pods", r.MaxPods, r.UsedPods, d.Pods)
	}
	if r.UsedCPUCores+d.CPUCores > r.MaxCPUCores {
		return Denied("cpuCores", r.MaxCPUCores, r.UsedCPUCores, d.CPUCores)
	}
	if r.UsedMemoryMB+d.MemoryMB > r.MaxMemoryMB {
		return Denied("memoryMb", r.MaxMemoryMB, r.UsedMemoryMB, d.MemoryMB)
	}
	if r.UsedDiskGB+d.DiskGB > r.MaxDiskGB {
		return Denied("diskGb", r.MaxDiskGB, r.UsedDiskGB, d.DiskGB)
	}
	return Allowed()
}

// Apply adjusts usage by the delta, clamping at zero on the way down so
// repeated releases of the same pod cannot drive usage negative.
func (r *Record) Apply(d Delta) {
	r.UsedPods = clampZero(r.UsedPods + d.Pods)
	r.UsedCPUCores = clampZero(r.UsedCPUCores + d.CPUCores)
	r.UsedMemoryMB = clampZero(r.UsedMemoryMB + d.MemoryMB)
	r.UsedDiskGB = clampZero(r.UsedDiskGB + d.DiskGB)
	r.UpdatedAt = time.Now().UTC()
}

func clampZero(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
