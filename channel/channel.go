// Package channel implements the bidirectional callgate channel.
//
// Either side of a channel can invoke callables on the other over the same
// TCP connection. Each outbound call gets a sequence number; a single reader
// goroutine routes response frames back to the waiting caller and dispatches
// request frames, each on its own goroutine:
//
//	readLoop ─┬─ response(seq) ──→ pending[seq] ──→ Call returns
//	          └─ request ──→ go handleRequest
//	                 → inbound middleware → catalog lookup → decorator chain → Call → reply
//
// Only request frames pass through the decorator chain. Responses to our own
// calls are results, not work the peer is asking us to do.
package channel

import (
	"callgate/callable"
	"callgate/codec"
	"callgate/message"
	"callgate/middleware"
	"callgate/protocol"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrClosed is reported by Err and returned by Call after Close.
var ErrClosed = errors.New("channel: closed")

// Channel is a live connection to exactly one peer.
type Channel struct {
	id         string
	role       string
	peer       Peer
	conn       net.Conn
	codec      codec.CodecType
	catalog    *callable.Catalog
	decorators []Decorator // fixed at Build
	inbound    middleware.HandlerFunc
	outbound   middleware.HandlerFunc
	logger     zerolog.Logger

	ctx    context.Context // parent of every inbound execution, cancelled on shutdown
	cancel context.CancelFunc

	seq     atomic.Uint32
	pending sync.Map   // map[uint32]chan *message.RPCMessage
	writeMu sync.Mutex // one frame at a time on conn
	wg      sync.WaitGroup

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newChannel(b *Builder, conn net.Conn) *Channel {
	id := uuid.NewString()
	c := &Channel{
		id:         id,
		role:       b.role,
		peer:       b.peer,
		conn:       conn,
		codec:      b.codec,
		catalog:    b.catalog,
		decorators: append([]Decorator(nil), b.decorators...),
		logger: b.logger.With().
			Str("channel", id).
			Str("peer", b.peer.Name()).
			Logger(),
		done: make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(ContextWithChannel(b.baseCtx, c))
	c.inbound = middleware.Chain(b.inbound...)(c.dispatch)
	c.outbound = middleware.Chain(b.outbound...)(c.roundTrip)
	return c
}

func (c *Channel) ID() string { return c.id }

// Role is the role of the local node on this channel.
func (c *Channel) Role() string { return c.role }

func (c *Channel) Peer() Peer { return c.peer }

func (c *Channel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Decorators returns a copy of the channel's decorator chain.
func (c *Channel) Decorators() []Decorator {
	return append([]Decorator(nil), c.decorators...)
}

// Done is closed once the channel has shut down.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns why the channel shut down, or nil while it is open.
func (c *Channel) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close shuts the channel down. Pending calls fail with ErrClosed.
func (c *Channel) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

// Wait blocks until inbound requests already dispatched have finished.
func (c *Channel) Wait() {
	c.wg.Wait()
}

// Call asks the peer to execute op and decodes its result into reply (which
// may be nil). A failed invocation returns a *RemoteError.
func (c *Channel) Call(ctx context.Context, op callable.Callable, reply any) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("channel: marshal %s: %w", op.Name(), err)
	}

	resp := c.outbound(ctx, &message.RPCMessage{Type: op.Name(), Payload: payload})
	if resp.Failed() {
		if resp.ErrorKind == message.KindTimeout && ctx.Err() != nil {
			return ctx.Err()
		}
		return &RemoteError{Type: op.Name(), Kind: resp.ErrorKind, Message: resp.Error}
	}

	if reply != nil && len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, reply); err != nil {
			return fmt.Errorf("channel: decode %s result: %w", op.Name(), err)
		}
	}
	return nil
}

// roundTrip is the innermost outbound handler: frame the request, wait for
// the matching response.
func (c *Channel) roundTrip(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	select {
	case <-c.done:
		return message.ErrorMessage(req.Type, message.KindTransport, c.err.Error())
	default:
	}

	body, err := codec.GetCodec(c.codec).Encode(req)
	if err != nil {
		return message.ErrorMessage(req.Type, message.KindBadRequest, err.Error())
	}
	// The peer would drop the whole channel on an oversize frame.
	if tooLarge(body) {
		return message.ErrorMessage(req.Type, message.KindBadRequest,
			fmt.Sprintf("request body too large: %d bytes", len(body)))
	}

	seq := c.seq.Add(1)
	respCh := make(chan *message.RPCMessage, 1)
	c.pending.Store(seq, respCh) // before the write, so a fast response finds it

	if err := c.write(protocol.MsgTypeRequest, seq, body); err != nil {
		c.pending.Delete(seq)
		return message.ErrorMessage(req.Type, message.KindTransport, err.Error())
	}

	select {
	case resp := <-respCh:
		return resp
	case <-ctx.Done():
		c.pending.Delete(seq)
		return message.ErrorMessage(req.Type, message.KindTimeout, ctx.Err().Error())
	case <-c.done:
		c.pending.Delete(seq)
		return message.ErrorMessage(req.Type, message.KindTransport, c.err.Error())
	}
}

func tooLarge(body []byte) bool {
	return uint64(len(body)) > uint64(protocol.MaxBodyLen)
}

func (c *Channel) write(t protocol.MsgType, seq uint32, body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.Encode(c.conn, &protocol.Header{
		CodecType: byte(c.codec),
		MsgType:   t,
		Seq:       seq,
	}, body)
}

func (c *Channel) readLoop() {
	for {
		header, body, err := protocol.Decode(c.conn)
		if err != nil {
			c.shutdown(err)
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
		case protocol.MsgTypeResponse:
			c.deliver(header, body)
		case protocol.MsgTypeRequest:
			c.wg.Add(1)
			go c.handleRequest(header, body)
		default:
			c.shutdown(fmt.Errorf("channel: unexpected %s frame after handshake", header.MsgType))
			return
		}
	}
}

func (c *Channel) deliver(header *protocol.Header, body []byte) {
	resp := &message.RPCMessage{}
	if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp); err != nil {
		resp = message.ErrorMessage("", message.KindTransport, "undecodable response: "+err.Error())
	}
	if ch, ok := c.pending.LoadAndDelete(header.Seq); ok {
		ch.(chan *message.RPCMessage) <- resp
	}
}

func (c *Channel) handleRequest(header *protocol.Header, body []byte) {
	defer c.wg.Done()

	// Reply in the codec the peer used.
	cdc := codec.GetCodec(codec.CodecType(header.CodecType))
	req := message.RPCMessage{}

	var resp *message.RPCMessage
	if err := cdc.Decode(body, &req); err != nil {
		resp = message.ErrorMessage("", message.KindBadRequest, err.Error())
	} else {
		resp = c.inbound(c.ctx, &req)
	}

	out, err := cdc.Encode(resp)
	if err != nil {
		c.logger.Error().Err(err).Str("callable", req.Type).Msg("failed to encode response")
		out, _ = cdc.Encode(message.ErrorMessage(req.Type, message.KindFailed, "unencodable result"))
	} else if tooLarge(out) {
		c.logger.Error().Int("bytes", len(out)).Str("callable", req.Type).Msg("response exceeds frame limit")
		out, _ = cdc.Encode(message.ErrorMessage(req.Type, message.KindFailed,
			fmt.Sprintf("response body too large: %d bytes", len(out))))
	}

	c.writeMu.Lock()
	err = protocol.Encode(c.conn, &protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}, out)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Debug().Err(err).Str("callable", req.Type).Msg("failed to write response")
	}
}

// dispatch is the innermost inbound handler: instantiate the callable, run
// the decorator chain, execute.
func (c *Channel) dispatch(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	desc, ok := c.catalog.Lookup(req.Type)
	if !ok {
		return message.ErrorMessage(req.Type, message.KindUnknownCallable, "no such callable: "+req.Type)
	}

	stem := desc.New()
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, stem); err != nil {
			return message.ErrorMessage(req.Type, message.KindBadRequest, err.Error())
		}
	}

	op, err := Decorate(c.decorators, stem)
	if err != nil {
		return message.ErrorMessage(req.Type, kindOf(err, message.KindFailed), err.Error())
	}

	result, err := execute(ctx, op)
	if err != nil {
		return message.ErrorMessage(req.Type, kindOf(err, message.KindFailed), err.Error())
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return message.ErrorMessage(req.Type, message.KindFailed, "marshal result: "+err.Error())
	}
	return &message.RPCMessage{Type: req.Type, Payload: payload}
}

func execute(ctx context.Context, op callable.Callable) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", op.Name(), r)
		}
	}()
	return op.Call(ctx)
}

func (c *Channel) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(protocol.MsgTypeHeartbeat, 0, nil); err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}

func (c *Channel) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		c.cancel()
		c.conn.Close()
		close(c.done)

		// Every pending caller gets an error instead of waiting forever.
		c.pending.Range(func(key, _ any) bool {
			if ch, ok := c.pending.LoadAndDelete(key); ok {
				ch.(chan *message.RPCMessage) <- message.ErrorMessage("", message.KindTransport, err.Error())
			}
			return true
		})

		if errors.Is(err, ErrClosed) {
			c.logger.Debug().Msg("channel closed")
		} else {
			c.logger.Debug().Err(err).Msg("channel terminated")
		}
	})
}

type ctxKey struct{}

// ContextWithChannel returns ctx carrying c.
func ContextWithChannel(ctx context.Context, c *Channel) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the channel an inbound callable is executing for.
func FromContext(ctx context.Context) (*Channel, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Channel)
	return c, ok
}
