// Package worker is the agent a worker node runs. It finds a controller,
// dials it, and keeps one channel open, reconnecting when it breaks.
//
// The controller reaches the worker through that channel; the worker uses it
// to push worker-to-controller callables back. The worker side installs no
// direction checker: it is the controller that needs protecting.
package worker

import (
	"callgate/callable"
	"callgate/channel"
	"callgate/codec"
	"callgate/loadbalance"
	"callgate/message"
	"callgate/middleware"
	"callgate/registry"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrNotConnected = errors.New("worker: not connected to a controller")

// RefusedError is returned when the controller answers the handshake with an error.
type RefusedError struct {
	Controller string
	Reason     string
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("worker: refused by %s: %s", e.Controller, e.Reason)
}

type Config struct {
	Name string
	// ControllerAddr, when set, is dialled directly and discovery is skipped.
	ControllerAddr   string
	Service          string
	Version          string
	Codec            codec.CodecType
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	Heartbeat        time.Duration
	// MaxRetries and RetryBase configure retries of outbound calls that fail
	// for transport reasons.
	MaxRetries   int
	RetryBase    time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (c *Config) setDefaults() {
	if c.Service == "" {
		c.Service = registry.DefaultService
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 100 * time.Millisecond
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 500 * time.Millisecond
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 30 * time.Second
	}
}

// Agent holds the worker's connection to a controller.
type Agent struct {
	cfg      Config
	catalog  *callable.Catalog
	registry registry.Registry
	balancer loadbalance.Balancer
	logger   zerolog.Logger
	baseCtx  context.Context

	mu         sync.Mutex
	ch         *channel.Channel
	controller string
	connected  chan struct{} // closed while a channel is up
}

type Option func(*Agent)

func WithLogger(l zerolog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithDiscovery resolves the controller through r, picking with b.
func WithDiscovery(r registry.Registry, b loadbalance.Balancer) Option {
	return func(a *Agent) {
		a.registry = r
		a.balancer = b
	}
}

// WithBaseContext sets the context controller requests execute under.
func WithBaseContext(ctx context.Context) Option {
	return func(a *Agent) { a.baseCtx = ctx }
}

func New(cfg Config, catalog *callable.Catalog, opts ...Option) (*Agent, error) {
	if cfg.Name == "" {
		return nil, errors.New("worker: name is required")
	}
	cfg.setDefaults()
	a := &Agent{
		cfg:       cfg,
		catalog:   catalog,
		logger:    zerolog.Nop(),
		baseCtx:   context.Background(),
		connected: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if cfg.ControllerAddr == "" && a.registry == nil {
		return nil, errors.New("worker: need a controller address or a registry")
	}
	if a.balancer == nil {
		a.balancer = &loadbalance.RoundRobinBalancer{}
	}
	a.logger = a.logger.With().Str("component", "worker").Str("worker", cfg.Name).Logger()
	return a, nil
}

func (a *Agent) resolve(ctx context.Context) (string, error) {
	if a.cfg.ControllerAddr != "" {
		return a.cfg.ControllerAddr, nil
	}
	instances, err := a.registry.Discover(ctx, a.cfg.Service)
	if err != nil {
		return "", err
	}
	inst, err := a.balancer.Pick(a.cfg.Name, instances)
	if err != nil {
		return "", fmt.Errorf("worker: pick controller: %w", err)
	}
	return inst.Addr, nil
}

// Connect dials a controller and completes the handshake. The returned
// channel is also what Call uses until it closes.
func (a *Agent) Connect(ctx context.Context) (*channel.Channel, error) {
	addr, err := a.resolve(ctx)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: a.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("worker: dial %s: %w", addr, err)
	}

	hello := &message.Hello{Name: a.cfg.Name, Role: message.RoleWorker, Version: a.cfg.Version}
	if err := channel.WriteHello(conn, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("worker: handshake: %w", err)
	}
	reply, err := channel.ReadHello(conn, a.cfg.HandshakeTimeout)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("worker: handshake: %w", err)
	}
	if reply.Error != "" {
		conn.Close()
		return nil, &RefusedError{Controller: addr, Reason: reply.Error}
	}
	if reply.Role != message.RoleController {
		conn.Close()
		return nil, fmt.Errorf("worker: peer at %s is a %q, not a controller", addr, reply.Role)
	}

	b := channel.NewBuilder(message.RoleWorker, channel.NamedPeer(reply.Name), a.catalog).
		WithCodec(a.cfg.Codec).
		WithLogger(a.logger).
		WithBaseContext(a.baseCtx).
		Use(middleware.LoggingMiddleware(a.logger))
	if a.cfg.Heartbeat != 0 {
		b.WithHeartbeat(a.cfg.Heartbeat)
	}
	if a.cfg.MaxRetries > 0 {
		b.UseOutbound(middleware.RetryMiddleware(a.cfg.MaxRetries, a.cfg.RetryBase, a.logger))
	}
	ch := b.Build(conn)

	a.mu.Lock()
	a.ch = ch
	a.controller = reply.Name
	select {
	case <-a.connected: // still marked up from a channel not yet reaped
	default:
		close(a.connected)
	}
	a.mu.Unlock()

	go func() {
		<-ch.Done()
		a.mu.Lock()
		if a.ch == ch {
			a.ch = nil
			a.connected = make(chan struct{})
		}
		a.mu.Unlock()
	}()

	a.logger.Info().Str("controller", reply.Name).Str("addr", addr).Str("channel", ch.ID()).Msg("connected")
	return ch, nil
}

// Run keeps the agent connected until ctx ends, backing off exponentially
// between failed attempts. A refusal by the controller is not retried.
func (a *Agent) Run(ctx context.Context) error {
	delay := a.cfg.ReconnectMin
	for {
		ch, err := a.Connect(ctx)
		if err != nil {
			var refused *RefusedError
			if errors.As(err, &refused) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Warn().Err(err).Dur("retry_in", delay).Msg("connect failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			delay = min(delay*2, a.cfg.ReconnectMax)
			continue
		}

		delay = a.cfg.ReconnectMin
		select {
		case <-ctx.Done():
			ch.Close()
			ch.Wait()
			return nil
		case <-ch.Done():
			a.logger.Warn().AnErr("reason", ch.Err()).Msg("connection lost")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// Channel returns the current channel, or nil while disconnected.
func (a *Agent) Channel() *channel.Channel {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ch
}

// Controller is the name of the controller the agent is connected to.
func (a *Agent) Controller() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.controller
}

// WaitConnected blocks until a channel is up or ctx ends.
func (a *Agent) WaitConnected(ctx context.Context) error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	select {
	case <-connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call pushes op onto the controller.
func (a *Agent) Call(ctx context.Context, op callable.Callable, reply any) error {
	ch := a.Channel()
	if ch == nil {
		return ErrNotConnected
	}
	return ch.Call(ctx, op, reply)
}

func (a *Agent) Close() error {
	if ch := a.Channel(); ch != nil {
		return ch.Close()
	}
	return nil
}
