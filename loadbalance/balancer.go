// Package loadbalance picks which registered controller a worker dials.
//
//   - round-robin:     spread reconnects evenly
//   - weighted-random: controllers of different capacity
//   - consistent-hash: pin each worker to the same controller while the set is stable
package loadbalance

import (
	"callgate/registry"
	"errors"
	"fmt"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects one instance. key identifies the caller (the worker name);
// strategies without affinity ignore it. Implementations are goroutine-safe.
type Balancer interface {
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

// Strategy names accepted by New.
const (
	RoundRobin     = "round-robin"
	WeightedRandom = "weighted-random"
	ConsistentHash = "consistent-hash"
)

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case RoundRobin, "":
		return &RoundRobinBalancer{}, nil
	case WeightedRandom:
		return &WeightedRandomBalancer{}, nil
	case ConsistentHash:
		return NewConsistentHashBalancer(), nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
	}
}
