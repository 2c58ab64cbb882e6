package controller

import (
	"callgate/channel"
	"time"
)

// Worker is a worker connected to the controller. It is the channel.Peer of
// that worker's channel.
type Worker struct {
	name        string
	version     string
	remote      string
	connectedAt time.Time
	ch          *channel.Channel // nil until the handshake completes
}

func (w *Worker) Name() string           { return w.name }
func (w *Worker) Version() string        { return w.version }
func (w *Worker) RemoteAddr() string     { return w.remote }
func (w *Worker) ConnectedAt() time.Time { return w.connectedAt }

func (w *Worker) Channel() *channel.Channel { return w.ch }
