package middleware

import (
	"callgate/message"
	"context"
	"time"
)

// TimeOutMiddleware bounds how long the caller waits for next. The handler
// keeps running in the background after a timeout; it sees ctx cancelled.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.ErrorMessage(req.Type, message.KindTimeout, "request timed out")
			}
		}
	}
}
