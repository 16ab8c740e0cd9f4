package ipam

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"time"
)

// Prober reports whether an address already answers on the network.
// A live answer disqualifies the address from allocation even when the
// pool believes it is free.
type Prober interface {
	// IsLive returns true when something responds at the address.
	IsLive(ctx context.Context, addr netip.Addr) bool
}

// TCPProber probes candidate addresses by attempting TCP connections
// to a small set of well-known ports. Any accepted connection means a
// host is squatting on the address.
type TCPProber struct {
	timeout time.Duration
	ports   []int
}

// NewTCPProber creates a prober with the given per-dial timeout.
func NewTCPProber(timeout time.Duration) *TCPProber {
	return &TCPProber{
		timeout: timeout,
		ports:   []int{22, 80, 443},
	}
}

// IsLive dials each probe port until one answers or all fail.
func (p *TCPProber) IsLive(ctx context.Context, addr netip.Addr) bool {
	dialer := net.Dialer{Timeout: p.timeout}
	for _, port := range p.ports {
		target := net.JoinHostPort(addr.String(), strconv.Itoa(port))
		conn, err := dialer.DialContext(ctx, "tcp", target)
		if err == nil {
			conn.Close()
			return true
		}
		if ctx.Err() != nil {
			return false
		}
	}
	return false
}
