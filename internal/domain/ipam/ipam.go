package ipam

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// Common errors
var (
	ErrNoFreeAddress   = errors.New("no free address in range")
	ErrAddressNotFound = errors.New("address not found")
	ErrOutOfRange      = errors.New("address outside configured range")
	ErrNotAvailable    = errors.New("address is not available")
	ErrAddressLive     = errors.New("address responds on the network")
)

// Status represents an address's allocation state. reserved is a
// short-lived state held during the reserve-then-verify protocol so two
// concurrent allocations cannot both probe the same free-looking
// address.
type Status string

// Predefined address statuses.
const (
	StatusFree      Status = "free"
	StatusReserved  Status = "reserved"
	StatusAllocated Status = "allocated"
)

// Entry tracks one address in the managed pool. An address is allocated
// to at most one pod at a time, independent of pod state.
type Entry struct {
	IPAddress  netip.Addr
	Status     Status
	OwnerPodID *int64
	ReservedAt *time.Time
	UpdatedAt  time.Time
}

// Range is an inclusive span of IPv4 addresses scanned in ascending
// order during auto allocation.
type Range struct {
	Start netip.Addr
	End   netip.Addr
}

// NewRange validates and builds an address range.
func NewRange(start, end netip.Addr) (Range, error) {
	if !start.IsValid() || !end.IsValid() {
		return Range{}, errors.New("range bounds must be valid addresses")
	}
	if !start.Is4() || !end.Is4() {
		return Range{}, errors.New("range bounds must be IPv4 addresses")
	}
	if end.Less(start) {
		return Range{}, fmt.Errorf("range end %s precedes start %s", end, start)
	}
	return Range{Start: start, End: end}, nil
}

// Contains reports whether the address falls inside the range.
func (r Range) Contains(addr netip.Addr) bool {
	return !addr.Less(r.Start) && !r.End.Less(addr)
}

// Each calls fn for every address in ascending order until fn returns
// false or the range is exhausted.
func (r Range) Each(fn func(addr netip.Addr) bool) {
	for addr := r.Start; r.Contains(addr); addr = addr.Next() {
		if !fn(addr) {
			return
		}
	}
}

// Size returns the number of addresses in the range.
func (r Range) Size() int {
	n := 0
	r.Each(func(netip.Addr) bool { n++; return true })
	return n
}
