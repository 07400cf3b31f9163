// Package loadbalance picks which hub a peer connects to when several are
// registered under the same service.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity hubs
//   - WeightedRandom:  heterogeneous hubs (different CPU/memory)
//   - ConsistentHash:  keeps a given peer ID on the same hub while the set is stable
package loadbalance

import (
	"fmt"
	"strings"

	"sockrpc/registry"
)

// Balancer is the interface for load balancing strategies.
type Balancer interface {
	// Pick selects one instance. key is the connecting peer's ID; strategies
	// without affinity ignore it. Must be goroutine-safe.
	Pick(key string, instances []registry.Instance) (*registry.Instance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer named by a configuration value. Empty means round robin.
func New(name string) (Balancer, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "-", "_")) {
	case "", "round_robin", "roundrobin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random", "weightedrandom":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash", "consistenthash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("unknown balancer %q", name)
}
