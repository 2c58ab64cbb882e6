package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// KeyPrefix is the etcd namespace of every registration:
//
//	/callgate/{service}/{addr} → JSON ServiceInstance
//
// Entries are attached to a TTL lease kept alive while the controller runs,
// so a crashed controller disappears once its lease expires.
const KeyPrefix = "/callgate/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client

	mu         sync.Mutex
	keepAlives map[string]context.CancelFunc // key → lease renewal
}

func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	return &EtcdRegistry{client: c, keepAlives: make(map[string]context.CancelFunc)}, nil
}

func serviceKey(service, addr string) string {
	return KeyPrefix + service + "/" + addr
}

// Register stores instance under a lease of ttl seconds and keeps the lease
// alive until Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, service string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := serviceKey(service, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", key, err)
	}

	// The renewal outlives ctx, which only bounds the registration itself.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("registry: keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()

	r.mu.Lock()
	if old, ok := r.keepAlives[key]; ok {
		old()
	}
	r.keepAlives[key] = cancel
	r.mu.Unlock()
	return nil
}

// Deregister removes the instance at addr and stops renewing its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, service string, addr string) error {
	key := serviceKey(service, addr)

	r.mu.Lock()
	if cancel, ok := r.keepAlives[key]; ok {
		cancel()
		delete(r.keepAlives, key)
	}
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("registry: delete %s: %w", key, err)
	}
	return nil
}

// Discover returns every instance currently registered for service.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, KeyPrefix+service+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: discover %s: %w", service, err)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch re-reads the full instance list on every change under the service
// prefix. Simpler than applying individual watch events.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, KeyPrefix+service+"/", clientv3.WithPrefix()) {
			instances, err := r.Discover(ctx, service)
			if err != nil {
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, cancel := range r.keepAlives {
		cancel()
		delete(r.keepAlives, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
