package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry, for tests and single-host setups
// without etcd. Leases are not modelled; ttl is ignored.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string][]GatewayInstance
	watchers  map[string][]chan []GatewayInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string][]GatewayInstance),
		watchers:  make(map[string][]chan []GatewayInstance),
	}
}

func (m *MemoryRegistry) Register(_ context.Context, name string, inst GatewayInstance, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.instances[name]
	for i := range list {
		if list[i].Addr == inst.Addr {
			list[i] = inst
			m.notify(name)
			return nil
		}
	}
	m.instances[name] = append(list, inst)
	m.notify(name)
	return nil
}

func (m *MemoryRegistry) Deregister(_ context.Context, name string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.instances[name]
	for i, inst := range list {
		if inst.Addr == addr {
			m.instances[name] = append(list[:i:i], list[i+1:]...)
			m.notify(name)
			break
		}
	}
	return nil
}

// Discover returns the instances of name sorted by address, like an etcd
// prefix listing.
func (m *MemoryRegistry) Discover(_ context.Context, name string) ([]GatewayInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(name), nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, name string) <-chan []GatewayInstance {
	ch := make(chan []GatewayInstance, 1)
	m.mu.Lock()
	m.watchers[name] = append(m.watchers[name], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[name]
		for i, w := range ws {
			if w == ch {
				m.watchers[name] = append(ws[:i:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (m *MemoryRegistry) snapshot(name string) []GatewayInstance {
	out := make([]GatewayInstance, len(m.instances[name]))
	copy(out, m.instances[name])
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// notify must be called with m.mu held. A watcher that has not consumed the
// previous list gets it replaced by the latest one.
func (m *MemoryRegistry) notify(name string) {
	list := m.snapshot(name)
	for _, w := range m.watchers[name] {
		select {
		case <-w:
		default:
		}
		w <- list
	}
}
