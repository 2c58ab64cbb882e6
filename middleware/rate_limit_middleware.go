package middleware

import (
	"callgate/message"
	"context"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware creates a token-bucket limiter shared by every request
// passing through the returned middleware. Requests over the limit are
// refused without reaching the handler.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return message.ErrorMessage(req.Type, message.KindRateLimited, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
