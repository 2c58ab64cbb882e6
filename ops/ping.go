package ops

import (
	"callgate/callable"
	"context"
	"time"
)

// Ping is answered by whichever side receives it.
type Ping struct {
	Message string `json:"message,omitempty"`
}

type Pong struct {
	Node    string    `json:"node"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

func (*Ping) Name() string { return "Ping" }

func (*Ping) Direction() callable.Direction {
	return callable.ControllerToWorker | callable.WorkerToController
}

func (p *Ping) Call(ctx context.Context) (any, error) {
	return Pong{Node: NodeFrom(ctx), Message: p.Message, Time: time.Now().UTC()}, nil
}
