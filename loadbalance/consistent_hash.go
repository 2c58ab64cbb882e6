package loadbalance

import (
	"callgate/registry"
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"
)

const defaultReplicas = 100

// ConsistentHashBalancer maps a worker name onto a hash ring of controllers,
// so a worker keeps reconnecting to the same controller until the set of
// controllers changes. Each instance gets replicas virtual nodes, hashed from
// "{addr}#{i}", to even out the ring.
type ConsistentHashBalancer struct {
	replicas int

	mu     sync.Mutex
	ringOf string // instance addrs the ring was built from
	ring   []uint32
	nodes  map[uint32]registry.ServiceInstance
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: defaultReplicas,
		nodes:    make(map[uint32]registry.ServiceInstance),
	}
}

// Add places an instance on the ring.
func (b *ConsistentHashBalancer) Add(instance registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(instance)
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

func (b *ConsistentHashBalancer) add(instance registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
}

// Pick returns the instance owning key. The ring is rebuilt whenever
// instances differs from the set it was last built from.
func (b *ConsistentHashBalancer) Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(instances) > 0 {
		b.rebuild(instances)
	}
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

func (b *ConsistentHashBalancer) rebuild(instances []registry.ServiceInstance) {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	sig := strings.Join(addrs, ",")
	if sig == b.ringOf {
		return
	}

	b.ringOf = sig
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.ServiceInstance, len(instances)*b.replicas)
	for _, inst := range instances {
		b.add(inst)
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

func (b *ConsistentHashBalancer) Name() string {
	return ConsistentHash
}
