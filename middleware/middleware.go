// Package middleware provides the message-level onion chain wrapped around a
// channel's inbound dispatch and its outbound calls.
//
// Middlewares see the serialized RPCMessage only. Decisions that need the
// instantiated callable belong in the channel's decorator chain instead.
package middleware

import (
	"callgate/message"
	"context"
)

type HandlerFunc func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one listed runs outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
