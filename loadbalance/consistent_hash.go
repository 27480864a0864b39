package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"amf-rpc/registry"
)

// ConsistentHashBalancer maps a key onto a hash ring of gateways. The same key
// keeps landing on the same gateway until the instance set changes, and a
// change only moves the keys of the affected ring segments.
//
// Each instance is placed on the ring as replicas virtual nodes so that a
// handful of gateways still spread evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	key      string // pinned key used by Pick
	replicas int

	mu    sync.Mutex
	sig   string // instance set the ring was built from
	ring  []uint32
	nodes map[uint32]registry.GatewayInstance
}

// NewConsistentHashBalancer creates a balancer that pins key, with 100
// virtual nodes per instance.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		key:      key,
		replicas: 100,
		nodes:    make(map[uint32]registry.GatewayInstance),
	}
}

// Add places an instance onto the ring.
func (b *ConsistentHashBalancer) Add(instance registry.GatewayInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(instance)
	b.sortRing()
}

func (b *ConsistentHashBalancer) add(instance registry.GatewayInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		if _, ok := b.nodes[hash]; !ok {
			b.ring = append(b.ring, hash)
		}
		b.nodes[hash] = instance
	}
}

func (b *ConsistentHashBalancer) sortRing() {
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Pick rebuilds the ring when the instance set differs from the last call and
// returns the instance owning the pinned key.
func (b *ConsistentHashBalancer) Pick(instances []registry.GatewayInstance) (*registry.GatewayInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if sig := signature(instances); sig != b.sig {
		b.ring = b.ring[:0]
		b.nodes = make(map[uint32]registry.GatewayInstance, len(instances)*b.replicas)
		for _, inst := range instances {
			b.add(inst)
		}
		b.sortRing()
		b.sig = sig
	}
	inst, err := b.lookup(b.key)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// PickKey returns the instance owning key on the current ring.
func (b *ConsistentHashBalancer) PickKey(key string) (*registry.GatewayInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, err := b.lookup(key)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (b *ConsistentHashBalancer) lookup(key string) (registry.GatewayInstance, error) {
	if len(b.ring) == 0 {
		return registry.GatewayInstance{}, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	// First node with hash >= key's hash, wrapping to the start of the ring.
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

func signature(instances []registry.GatewayInstance) string {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	return strings.Join(addrs, "\x00")
}
