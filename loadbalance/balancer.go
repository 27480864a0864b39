// Package loadbalance picks one gateway out of the instances a registry
// returns for an application.
//
// Three strategies are implemented:
//   - RoundRobin:      gateways of equal capacity
//   - WeightedRandom:  gateways of different capacity
//   - ConsistentHash:  pin one caller (e.g. one user) to one gateway so the
//     gateway-side session survives across client restarts
package loadbalance

import (
	"fmt"
	"strings"

	"amf-rpc/registry"
)

// Balancer is called once per endpoint resolution and must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.GatewayInstance) (*registry.GatewayInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// ErrNoInstances is returned when there is nothing to pick from.
var ErrNoInstances = fmt.Errorf("no instances available")

// New returns the balancer called name: "roundrobin", "weighted" or
// "hash:<key>".
func New(name string) (Balancer, error) {
	switch {
	case name == "" || strings.EqualFold(name, "roundrobin"):
		return &RoundRobinBalancer{}, nil
	case strings.EqualFold(name, "weighted"):
		return &WeightedRandomBalancer{}, nil
	case strings.HasPrefix(strings.ToLower(name), "hash:"):
		return NewConsistentHashBalancer(name[len("hash:"):]), nil
	}
	return nil, fmt.Errorf("unknown balancer %q", name)
}
