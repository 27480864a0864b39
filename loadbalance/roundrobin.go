package loadbalance

import (
	"sync/atomic"

	"amf-rpc/registry"
)

// RoundRobinBalancer cycles through the instances in order using an atomic
// counter.
type RoundRobinBalancer struct {
	counter uint64
}

func (b *RoundRobinBalancer) Pick(instances []registry.GatewayInstance) (*registry.GatewayInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	index := (atomic.AddUint64(&b.counter, 1) - 1) % uint64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
