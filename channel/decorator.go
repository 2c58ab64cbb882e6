package channel

import (
	"callgate/callable"
	"errors"
	"fmt"
)

// Decorator is one link of a channel's decorator chain. It is given every
// callable the peer asks this side to execute, before execution.
//
// op is the candidate as produced by the previous decorators; stem is the
// callable as instantiated from the wire, before any wrapping. A decorator
// returns the callable to pass on (op itself, or a wrapper around it), or an
// error to abort the request. Responses to our own calls never reach it.
type Decorator interface {
	UserRequest(op, stem callable.Callable) (callable.Callable, error)
}

// DecoratorFunc adapts a function to the Decorator interface.
type DecoratorFunc func(op, stem callable.Callable) (callable.Callable, error)

func (f DecoratorFunc) UserRequest(op, stem callable.Callable) (callable.Callable, error) {
	return f(op, stem)
}

// KindedError is an error that carries a machine-readable kind across the
// wire. Decorators and callables return one to let the calling side classify
// the failure; any other error is reported as message.KindFailed.
type KindedError interface {
	error
	Kind() string
}

func kindOf(err error, fallback string) string {
	var k KindedError
	if errors.As(err, &k) {
		return k.Kind()
	}
	return fallback
}

// RemoteError is returned by Call when the invocation did not produce a result.
type RemoteError struct {
	Type    string // callable type name
	Kind    string // see the Kind constants in package message
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("call %s failed (%s): %s", e.Type, e.Kind, e.Message)
}

// Decorate runs the chain over stem in order and returns the callable to execute.
func Decorate(chain []Decorator, stem callable.Callable) (callable.Callable, error) {
	op := stem
	for _, d := range chain {
		next, err := d.UserRequest(op, stem)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, fmt.Errorf("channel: decorator %T returned no callable for %s", d, stem.Name())
		}
		op = next
	}
	return op, nil
}
