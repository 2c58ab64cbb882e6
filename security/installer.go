package security

import (
	"callgate/channel"

	"github.com/rs/zerolog"
)

// ChannelListener is notified while a worker channel is being built, after
// the handshake and before the channel reads its first request. Returning an
// error refuses the worker.
type ChannelListener interface {
	OnChannelBuilding(b *channel.Builder, worker channel.Peer) error
}

// Installer appends a fresh DirectionChecker, bound to the connecting
// worker, to every worker channel.
type Installer struct {
	logger zerolog.Logger
}

func NewInstaller(logger zerolog.Logger) *Installer {
	return &Installer{logger: logger.With().Str("component", "direction-checker").Logger()}
}

func (i *Installer) OnChannelBuilding(b *channel.Builder, worker channel.Peer) error {
	b.With(NewDirectionChecker(worker, i.logger))
	return nil
}
