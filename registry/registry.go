// Package registry is how workers find a controller. Controllers register
// themselves under a service name; workers discover the live instances and
// pick one through a load balancer.
package registry

import "context"

// DefaultService is the service name controllers register under.
const DefaultService = "controller"

// ServiceInstance describes one registered controller.
type ServiceInstance struct {
	Name    string `json:"name"`
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // for weighted load balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, service string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx ends.
	Watch(ctx context.Context, service string) <-chan []ServiceInstance
	Close() error
}
