package middleware

import (
	"callgate/message"
	"context"
	"time"

	"github.com/rs/zerolog"
)

// LoggingMiddleware logs every message passing through at debug level, and
// failures at warn level.
func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)

			if resp.Failed() {
				logger.Warn().
					Str("callable", req.Type).
					Dur("duration", duration).
					Str("error_kind", resp.ErrorKind).
					Str("error", resp.Error).
					Msg("call failed")
				return resp
			}
			logger.Debug().Str("callable", req.Type).Dur("duration", duration).Msg("call done")
			return resp
		}
	}
}
