package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry. It backs single-host setups and
// tests; TTLs are ignored.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]ServiceInstance
	watchers map[string][]chan []ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, service string, instance ServiceInstance, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.services[service] == nil {
		r.services[service] = make(map[string]ServiceInstance)
	}
	r.services[service][instance.Addr] = instance
	r.notify(service)
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, service string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services[service], addr)
	r.notify(service)
	return nil
}

func (r *MemoryRegistry) Discover(_ context.Context, service string) ([]ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(service), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, service string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	r.mu.Lock()
	r.watchers[service] = append(r.watchers[service], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[service]
		for i, w := range ws {
			if w == ch {
				r.watchers[service] = append(ws[:i], ws[i+1:]...)
				close(ch)
				break
			}
		}
	}()
	return ch
}

func (r *MemoryRegistry) Close() error { return nil }

// list returns the instances sorted by address. Caller holds mu.
func (r *MemoryRegistry) list(service string) []ServiceInstance {
	instances := make([]ServiceInstance, 0, len(r.services[service]))
	for _, inst := range r.services[service] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
	return instances
}

// notify hands the latest list to every watcher, replacing an unread one.
// Caller holds mu.
func (r *MemoryRegistry) notify(service string) {
	instances := r.list(service)
	for _, w := range r.watchers[service] {
		select {
		case <-w:
		default:
		}
		w <- instances
	}
}
