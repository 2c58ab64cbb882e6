package channel

import (
	"callgate/callable"
	"callgate/codec"
	"callgate/middleware"
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// Peer identifies the node at the other end of a channel.
type Peer interface {
	Name() string
}

// NamedPeer is a Peer known only by name.
type NamedPeer string

func (p NamedPeer) Name() string { return string(p) }

// DefaultHeartbeat is the keepalive interval used when none is configured.
const DefaultHeartbeat = 30 * time.Second

// Builder collects everything a channel needs before it starts reading. The
// decorator chain and middleware lists are append-only while building and
// copied on Build, so a built channel never sees later changes.
type Builder struct {
	role       string
	peer       Peer
	catalog    *callable.Catalog
	decorators []Decorator
	inbound    []middleware.Middleware
	outbound   []middleware.Middleware
	codec      codec.CodecType
	heartbeat  time.Duration
	logger     zerolog.Logger
	baseCtx    context.Context
}

// NewBuilder starts a channel for the local node acting as role, talking to peer.
func NewBuilder(role string, peer Peer, catalog *callable.Catalog) *Builder {
	return &Builder{
		role:      role,
		peer:      peer,
		catalog:   catalog,
		codec:     codec.CodecTypeJSON,
		heartbeat: DefaultHeartbeat,
		logger:    zerolog.Nop(),
		baseCtx:   context.Background(),
	}
}

// With appends a decorator to the chain.
func (b *Builder) With(d Decorator) *Builder {
	b.decorators = append(b.decorators, d)
	return b
}

// Use appends a middleware around inbound request dispatch.
func (b *Builder) Use(mw middleware.Middleware) *Builder {
	b.inbound = append(b.inbound, mw)
	return b
}

// UseOutbound appends a middleware around outbound calls.
func (b *Builder) UseOutbound(mw middleware.Middleware) *Builder {
	b.outbound = append(b.outbound, mw)
	return b
}

func (b *Builder) WithCodec(t codec.CodecType) *Builder {
	b.codec = t
	return b
}

// WithHeartbeat sets the keepalive interval; zero disables heartbeats.
func (b *Builder) WithHeartbeat(d time.Duration) *Builder {
	b.heartbeat = d
	return b
}

func (b *Builder) WithLogger(l zerolog.Logger) *Builder {
	b.logger = l
	return b
}

// WithBaseContext sets the context inbound callables run under. Values placed
// in it (services a callable needs on this node) are visible to Call.
func (b *Builder) WithBaseContext(ctx context.Context) *Builder {
	b.baseCtx = ctx
	return b
}

func (b *Builder) Peer() Peer { return b.peer }

func (b *Builder) Role() string { return b.role }

// Decorators returns a copy of the chain built so far.
func (b *Builder) Decorators() []Decorator {
	return append([]Decorator(nil), b.decorators...)
}

// Build wraps conn into a running channel. The handshake, if any, must be
// complete: the channel starts dispatching the peer's requests immediately.
func (b *Builder) Build(conn net.Conn) *Channel {
	c := newChannel(b, conn)
	go c.readLoop()
	if b.heartbeat > 0 {
		go c.heartbeatLoop(b.heartbeat)
	}
	return c
}
