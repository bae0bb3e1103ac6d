// Package loadbalance provides strategies for choosing which DRM server a client connects to.
//
// Three strategies are implemented:
//   - RoundRobin:      spread successive (re)connects evenly
//   - WeightedRandom:  servers with different capacity
//   - ConsistentHash:  pin a client instance to the same server across restarts
package loadbalance

import (
	"drm-client/addresspool"
	"fmt"
)

// Balancer is the interface for load balancing strategies.
// The address pool calls Pick() on every connect or reconnect attempt.
type Balancer interface {
	// Pick selects one endpoint from the available list.
	// Must be goroutine-safe.
	Pick(endpoints []addresspool.Endpoint) (*addresspool.Endpoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

var _ addresspool.Balancer = Balancer(nil)

// New returns the strategy registered under name. key is only used by "consistent-hash".
func New(name, key string) (Balancer, error) {
	switch name {
	case "", "round-robin":
		return &RoundRobinBalancer{}, nil
	case "weighted-random":
		return &WeightedRandomBalancer{}, nil
	case "consistent-hash":
		return NewConsistentHashBalancer(key), nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
	}
}
