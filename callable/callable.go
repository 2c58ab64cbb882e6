// Package callable defines the unit of remote work sent across a channel and
// the direction markers a callable type declares.
//
// A callable is a plain struct whose exported fields are its arguments. It is
// serialized as JSON by the caller, instantiated from the receiver's Catalog
// by type name, and executed on the receiving side.
//
// Authors declare the direction a callable may safely travel by embedding one
// of the marker types:
//
//	type SystemInfo struct {
//		callable.ControllerToWorkerOnly
//	}
//
// A type that is safe in both directions implements Direction itself and
// returns ControllerToWorker|WorkerToController. Embedding both markers does
// not work: the promoted methods collide and the type ends up Unmarked.
package callable

import (
	"context"
	"strings"
)

// Callable is a unit of remote work.
type Callable interface {
	// Name is the wire type name. It must be stable and unique within a Catalog.
	Name() string
	// Call runs on the receiving node. The result is JSON-encoded back to the caller.
	Call(ctx context.Context) (any, error)
}

// Direction is the set of flows a callable type is declared safe for.
type Direction uint8

// Unmarked means the type predates the direction policy or deliberately
// declares nothing.
const Unmarked Direction = 0

const (
	ControllerToWorker Direction = 1 << iota
	WorkerToController
)

// Has reports whether every flow in o is declared in d.
func (d Direction) Has(o Direction) bool {
	return o != Unmarked && d&o == o
}

func (d Direction) String() string {
	if d == Unmarked {
		return "unmarked"
	}
	var parts []string
	if d.Has(ControllerToWorker) {
		parts = append(parts, "controller-to-worker")
	}
	if d.Has(WorkerToController) {
		parts = append(parts, "worker-to-controller")
	}
	return strings.Join(parts, "|")
}

// Directed is implemented by callables that declare a direction.
type Directed interface {
	Direction() Direction
}

// DirectionOf returns the direction declared by c, or Unmarked.
func DirectionOf(c Callable) Direction {
	if d, ok := c.(Directed); ok {
		return d.Direction()
	}
	return Unmarked
}

// ControllerToWorkerOnly marks a callable as only safe to be sent from the
// controller to a worker.
type ControllerToWorkerOnly struct{}

func (ControllerToWorkerOnly) Direction() Direction { return ControllerToWorker }

// WorkerToControllerSafe marks a callable as safe to be sent from a worker to
// the controller.
type WorkerToControllerSafe struct{}

func (WorkerToControllerSafe) Direction() Direction { return WorkerToController }

// Wrapped is implemented by decorator-produced wrappers that hide the
// callable they delegate to.
type Wrapped interface {
	Unwrap() Callable
}

// Unwrap follows Wrapped links until it reaches a callable that is not a wrapper.
func Unwrap(c Callable) Callable {
	for {
		w, ok := c.(Wrapped)
		if !ok {
			return c
		}
		inner := w.Unwrap()
		if inner == nil {
			return c
		}
		c = inner
	}
}
