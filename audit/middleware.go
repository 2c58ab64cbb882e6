package audit

import (
	"callgate/channel"
	"callgate/message"
	"callgate/middleware"
	"callgate/security"
	"context"

	"github.com/rs/zerolog"
)

// Middleware records every inbound request that passes through it. Install
// it on worker channels; the channel and peer are taken from the request
// context. A failed write is logged and does not fail the request.
func Middleware(l *Log, logger zerolog.Logger) middleware.Middleware {
	return func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			resp := next(ctx, req)

			e := Entry{Callable: req.Type, Outcome: outcome(resp)}
			if resp.Failed() {
				e.ErrorKind = resp.ErrorKind
				e.Error = resp.Error
			}
			if c, ok := channel.FromContext(ctx); ok {
				e.ChannelID = c.ID()
				e.Peer = c.Peer().Name()
			}

			if err := l.Record(e); err != nil {
				logger.Error().Err(err).Str("callable", req.Type).Msg("audit record failed")
			}
			return resp
		}
	}
}

func outcome(resp *message.RPCMessage) string {
	switch {
	case !resp.Failed():
		return OutcomeExecuted
	case resp.ErrorKind == security.KindPolicyViolation:
		return OutcomeRejected
	default:
		return OutcomeFailed
	}
}
