// Package controller accepts worker connections and guards them.
//
// Per connection:
//
//	Accept → read Hello (deadline) → reserve worker name
//	  → channel listeners (direction checker first) → answer Hello → Build channel
//	  → serve until the channel closes → forget the worker
//
// Every worker channel gets its own DirectionChecker before the controller
// answers the handshake, so no request from a worker is dispatched without it.
package controller

import (
	"callgate/audit"
	"callgate/callable"
	"callgate/channel"
	"callgate/codec"
	"callgate/message"
	"callgate/middleware"
	"callgate/registry"
	"callgate/security"
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var ErrWorkerNotFound = errors.New("controller: worker not connected")

// Config holds the controller settings.
type Config struct {
	Name string
	// Addr is the listen address, e.g. ":7070".
	Addr string
	// AdvertiseAddr is the address registered for discovery. It differs from
	// Addr because ":7070" is not routable from another host.
	AdvertiseAddr    string
	Service          string
	RegistryTTL      int64
	Version          string
	Codec            codec.CodecType
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	Heartbeat        time.Duration
	// RateLimit is the sustained number of requests per second each worker
	// may push; zero disables limiting.
	RateLimit float64
	RateBurst int
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "controller"
	}
	if c.Service == "" {
		c.Service = registry.DefaultService
	}
	if c.RegistryTTL <= 0 {
		c.RegistryTTL = 10
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = 1
	}
}

// Controller is the trusted node workers connect to.
type Controller struct {
	cfg       Config
	catalog   *callable.Catalog
	listeners []security.ChannelListener
	inbound   []middleware.Middleware
	registry  registry.Registry
	auditLog  *audit.Log
	logger    zerolog.Logger
	baseCtx   context.Context

	listener net.Listener
	wg       sync.WaitGroup // connection goroutines
	shutdown atomic.Bool

	mu      sync.Mutex
	workers map[string]*Worker
}

type Option func(*Controller)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithRegistry makes the controller register itself for discovery while it serves.
func WithRegistry(r registry.Registry) Option {
	return func(c *Controller) { c.registry = r }
}

// WithAuditLog records every worker request in l.
func WithAuditLog(l *audit.Log) Option {
	return func(c *Controller) { c.auditLog = l }
}

// WithChannelListener adds a listener run for every worker channel, after
// the direction checker installer.
func WithChannelListener(l security.ChannelListener) Option {
	return func(c *Controller) { c.listeners = append(c.listeners, l) }
}

// WithMiddleware adds an inbound middleware to every worker channel.
func WithMiddleware(mw middleware.Middleware) Option {
	return func(c *Controller) { c.inbound = append(c.inbound, mw) }
}

// WithBaseContext sets the context worker requests execute under.
func WithBaseContext(ctx context.Context) Option {
	return func(c *Controller) { c.baseCtx = ctx }
}

func New(cfg Config, catalog *callable.Catalog, opts ...Option) *Controller {
	cfg.setDefaults()
	c := &Controller{
		cfg:     cfg,
		catalog: catalog,
		logger:  zerolog.Nop(),
		baseCtx: context.Background(),
		workers: make(map[string]*Worker),
	}
	for _, opt := range opts {
		opt(c)
	}
	base := c.logger.With().Str("controller", cfg.Name).Logger()
	c.logger = base.With().Str("component", "controller").Logger()
	// The installer always runs first: nothing another listener does can
	// leave a worker channel without its checker.
	c.listeners = append([]security.ChannelListener{security.NewInstaller(base)}, c.listeners...)
	return c
}

// Listen binds the listen address. Serve calls it when it has not been called.
func (c *Controller) Listen() error {
	if c.listener != nil {
		return nil
	}
	l, err := net.Listen("tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("controller: listen %s: %w", c.cfg.Addr, err)
	}
	c.listener = l
	return nil
}

// Addr is the bound address, or nil before Listen.
func (c *Controller) Addr() net.Addr {
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// Serve registers the controller for discovery and accepts workers until
// Shutdown. It returns nil after Shutdown.
func (c *Controller) Serve() error {
	if err := c.Listen(); err != nil {
		return err
	}

	if c.registry != nil {
		advertise := c.cfg.AdvertiseAddr
		if advertise == "" {
			advertise = c.listener.Addr().String()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.registry.Register(ctx, c.cfg.Service, registry.ServiceInstance{
			Name:    c.cfg.Name,
			Addr:    advertise,
			Weight:  1,
			Version: c.cfg.Version,
		}, c.cfg.RegistryTTL)
		cancel()
		if err != nil {
			return fmt.Errorf("controller: register: %w", err)
		}
		c.cfg.AdvertiseAddr = advertise
	}

	c.logger.Info().Str("addr", c.listener.Addr().String()).Msg("controller listening")
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			// Accept fails once Shutdown closed the listener.
			if c.shutdown.Load() {
				return nil
			}
			return err
		}
		c.wg.Add(1)
		go c.handleConn(conn)
	}
}

func (c *Controller) handleConn(conn net.Conn) {
	defer c.wg.Done()
	log := c.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	w, ch, err := c.accept(conn)
	if err != nil {
		log.Warn().Err(err).Msg("worker refused")
		conn.Close()
		return
	}

	log.Info().Str("worker", w.name).Str("channel", ch.ID()).Msg("worker connected")
	<-ch.Done()
	ch.Wait()

	c.mu.Lock()
	if c.workers[w.name] == w {
		delete(c.workers, w.name)
	}
	c.mu.Unlock()
	log.Info().Str("worker", w.name).AnErr("reason", ch.Err()).Msg("worker disconnected")
}

var errShuttingDown = errors.New("controller shutting down")

// accept runs the handshake and builds the worker channel.
func (c *Controller) accept(conn net.Conn) (*Worker, *channel.Channel, error) {
	hello, err := channel.ReadHello(conn, c.cfg.HandshakeTimeout)
	if err != nil {
		return nil, nil, err
	}
	if hello.Role != message.RoleWorker {
		return nil, nil, c.refuse(conn, fmt.Errorf("role %q is not a worker", hello.Role))
	}
	if hello.Name == "" {
		return nil, nil, c.refuse(conn, errors.New("empty worker name"))
	}

	w := &Worker{name: hello.Name, version: hello.Version, remote: conn.RemoteAddr().String(), connectedAt: time.Now()}
	if c.shutdown.Load() {
		return nil, nil, c.refuse(conn, errShuttingDown)
	}
	c.mu.Lock()
	// A previous channel under the same name that already closed but is not
	// yet reaped does not block a reconnect.
	if old, taken := c.workers[w.name]; taken && (old.ch == nil || old.ch.Err() == nil) {
		c.mu.Unlock()
		return nil, nil, c.refuse(conn, fmt.Errorf("worker %q already connected", w.name))
	}
	c.workers[w.name] = w
	c.mu.Unlock()

	builder := c.newBuilder(w)
	for _, l := range c.listeners {
		if err := l.OnChannelBuilding(builder, w); err != nil {
			c.forget(w)
			return nil, nil, c.refuse(conn, fmt.Errorf("channel listener: %w", err))
		}
	}

	// Listeners may block; Shutdown can start meanwhile.
	if c.shutdown.Load() {
		c.forget(w)
		return nil, nil, c.refuse(conn, errShuttingDown)
	}

	reply := &message.Hello{Name: c.cfg.Name, Role: message.RoleController, Version: c.cfg.Version}
	if err := channel.WriteHello(conn, reply); err != nil {
		c.forget(w)
		return nil, nil, err
	}

	ch := builder.Build(conn)
	c.mu.Lock()
	w.ch = ch
	stopping := c.shutdown.Load()
	c.mu.Unlock()
	// Shutdown sets the flag before sweeping the table under c.mu, so a
	// channel published after the sweep is closed here instead.
	if stopping {
		ch.Close()
	}
	return w, ch, nil
}

func (c *Controller) newBuilder(w *Worker) *channel.Builder {
	b := channel.NewBuilder(message.RoleController, w, c.catalog).
		WithCodec(c.cfg.Codec).
		WithLogger(c.logger).
		WithBaseContext(c.baseCtx)
	if c.cfg.Heartbeat != 0 {
		b.WithHeartbeat(c.cfg.Heartbeat)
	}

	// Outermost first: the audit trail sees rate-limited and timed out
	// requests too.
	if c.auditLog != nil {
		b.Use(audit.Middleware(c.auditLog, c.logger))
	}
	b.Use(middleware.LoggingMiddleware(c.logger.With().Str("worker", w.name).Logger()))
	if c.cfg.RateLimit > 0 {
		b.Use(middleware.RateLimitMiddleware(c.cfg.RateLimit, c.cfg.RateBurst))
	}
	if c.cfg.RequestTimeout > 0 {
		b.Use(middleware.TimeOutMiddleware(c.cfg.RequestTimeout))
	}
	for _, mw := range c.inbound {
		b.Use(mw)
	}
	return b
}

func (c *Controller) refuse(conn net.Conn, reason error) error {
	channel.WriteHello(conn, &message.Hello{
		Name:    c.cfg.Name,
		Role:    message.RoleController,
		Version: c.cfg.Version,
		Error:   reason.Error(),
	})
	return reason
}

func (c *Controller) forget(w *Worker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.workers[w.name] == w {
		delete(c.workers, w.name)
	}
}

// Workers returns the connected workers sorted by name.
func (c *Controller) Workers() []*Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Worker, 0, len(c.workers))
	for _, w := range c.workers {
		if w.ch != nil {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Worker returns the connected worker called name.
func (c *Controller) Worker(name string) (*Worker, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[name]
	if !ok || w.ch == nil {
		return nil, false
	}
	return w, true
}

// Call runs op on the named worker.
func (c *Controller) Call(ctx context.Context, worker string, op callable.Callable, reply any) error {
	w, ok := c.Worker(worker)
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, worker)
	}
	return w.ch.Call(ctx, op, reply)
}

// Shutdown stops the controller:
//  1. deregister, so workers stop discovering it
//  2. close the listener
//  3. close every worker channel
//  4. wait for connection goroutines, at most timeout
func (c *Controller) Shutdown(timeout time.Duration) error {
	if c.registry != nil && c.cfg.AdvertiseAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := c.registry.Deregister(ctx, c.cfg.Service, c.cfg.AdvertiseAddr); err != nil {
			c.logger.Warn().Err(err).Msg("deregister failed")
		}
		cancel()
	}

	// Set before closing so Serve sees an intentional close.
	c.shutdown.Store(true)
	if c.listener != nil {
		c.listener.Close()
	}

	c.mu.Lock()
	for _, w := range c.workers {
		if w.ch != nil {
			w.ch.Close()
		}
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info().Msg("controller stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("controller: timeout waiting for workers to disconnect")
	}
}
