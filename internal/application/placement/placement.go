// Package placement selects the hypervisor node a new pod lands on.
package placement

import (
	"context"
	"errors"
	"fmt"

	"github.com/ferretworks/burrow/internal/domain/pod"
)

// ErrNoNodes indicates the deployment has no nodes configured to place
// pods onto.
var ErrNoNodes = errors.New("no nodes available for placement")

// Strategy picks a node for a new pod from the configured fleet.
type Strategy interface {
	// Pick returns the node name the pod should be provisioned on.
	Pick(ctx context.Context) (string, error)
}

// LeastLoaded places each pod on the node currently hosting the fewest
// live pods, falling back to configuration order on ties.
type LeastLoaded struct {
	nodes []string
	pods  pod.Repository
}

// NewLeastLoaded creates a LeastLoaded strategy over the configured
// node names.
func NewLeastLoaded(nodes []string, pods pod.Repository) *LeastLoaded {
	return &LeastLoaded{nodes: nodes, pods: pods}
}

// Pick returns the least-loaded node.
func (s *LeastLoaded) Pick(ctx context.Context) (string, error) {
	if len(s.nodes) == 0 {
		return "", ErrNoNodes
	}

	counts, err := s.pods.CountLiveByNode(ctx)
	if err != nil {
		return "", fmt.Errorf("counting pods per node: %w", err)
	}

	best := s.nodes[0]
	bestCount := counts[best]
	for _, node := range s.nodes[1:] {
		if counts[node] < bestCount {
			best = node
			bestCount = counts[node]
		}
	}
	return best, nil
}

// Pinned always places pods on a single named node. Used when a request
// demands a specific node.
type Pinned struct{ Node string }

// Pick returns the pinned node name.
func (s Pinned) Pick(context.Context) (string, error) { return s.Node, nil }
