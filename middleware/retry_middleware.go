package middleware

import (
	"callgate/message"
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RetryMiddleware retries outbound calls that failed for transport reasons
// (timeouts, broken connections, rate limiting) with exponential backoff.
// Failures reported by the remote side itself, including policy rejections,
// are returned immediately: repeating them would produce the same answer.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if !retryable(resp) {
					return resp
				}
				logger.Debug().
					Int("attempt", i+1).
					Str("callable", req.Type).
					Str("error", resp.Error).
					Msg("retrying call")

				select {
				case <-ctx.Done():
					return resp
				case <-time.After(baseDelay * time.Duration(1<<i)):
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}

func retryable(resp *message.RPCMessage) bool {
	switch resp.ErrorKind {
	case message.KindTimeout, message.KindRateLimited, message.KindTransport:
		return true
	default:
		return false
	}
}
