// Package security guards the controller against callables a worker is not
// allowed to push onto it.
//
// Every callable type declares the directions it is safe to travel in (see
// package callable). A DirectionChecker sits in the decorator chain of one
// worker channel and refuses requests whose type is declared safe only from
// the controller to a worker. Types that declare nothing are let through and
// logged, so callables written before the policy keep working.
package security

import (
	"callgate/callable"
	"callgate/channel"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// KindPolicyViolation is the error kind a rejected request carries across the wire.
const KindPolicyViolation = "policy_violation"

// PolicyViolation is returned when a worker-originated request carries a
// callable type that may only flow from the controller to a worker.
type PolicyViolation struct {
	Type string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("Invocation of %s is prohibited", e.Type)
}

func (e *PolicyViolation) Kind() string { return KindPolicyViolation }

// IsPolicyViolation reports whether err is a directional policy rejection,
// either raised locally or received from the peer.
func IsPolicyViolation(err error) bool {
	var pv *PolicyViolation
	if errors.As(err, &pv) {
		return true
	}
	var re *channel.RemoteError
	return errors.As(err, &re) && re.Kind == KindPolicyViolation
}

// DirectionChecker enforces the direction policy for the channel to one
// worker. It keeps no per-call state and is safe for concurrent use.
type DirectionChecker struct {
	peer   channel.Peer
	logger zerolog.Logger
}

func NewDirectionChecker(peer channel.Peer, logger zerolog.Logger) *DirectionChecker {
	return &DirectionChecker{peer: peer, logger: logger}
}

// Peer is the worker this checker is bound to.
func (d *DirectionChecker) Peer() channel.Peer { return d.peer }

// Decision is the outcome of the direction policy for one callable type.
type Decision int

const (
	Allow        Decision = iota
	AllowAudited          // allowed, but the type declares no direction
	Reject
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case AllowAudited:
		return "allow-audited"
	default:
		return "reject"
	}
}

// Decide applies the policy for a request a worker pushes onto the controller.
// The order matters: a type declaring both directions is allowed.
func Decide(dir callable.Direction) Decision {
	switch {
	case dir == callable.Unmarked:
		return AllowAudited
	case dir.Has(callable.WorkerToController):
		return Allow
	default:
		return Reject
	}
}

// UserRequest decides on the declared direction of stem, the callable as it
// came off the wire, and passes op on unchanged when it is allowed.
func (d *DirectionChecker) UserRequest(op, stem callable.Callable) (callable.Callable, error) {
	switch Decide(callable.DirectionOf(stem)) {
	case AllowAudited:
		d.logger.Debug().
			Str("peer", d.peer.Name()).
			Str("callable", stem.Name()).
			Msgf("Unchecked callable from %s: %s", d.peer.Name(), stem.Name())
		return op, nil
	case Allow:
		return op, nil
	default:
		return nil, &PolicyViolation{Type: stem.Name()}
	}
}
