// Package ops holds the callables every callgate node understands.
//
//	Ping           both directions
//	AppendLogLine  worker → controller
//	FetchLogLine   worker → controller
//	SystemInfo     controller → worker only
//	ReadFile       controller → worker only
//
// Callables reach node-local services (the node name, the journal) through
// the context they run under; see WithNode and WithJournal.
package ops

import (
	"callgate/callable"
	"context"
)

// DefaultCatalog registers every callable in this package.
func DefaultCatalog() *callable.Catalog {
	return callable.NewCatalog().MustRegister(
		func() callable.Callable { return &Ping{} },
		func() callable.Callable { return &AppendLogLine{} },
		func() callable.Callable { return &FetchLogLine{} },
		func() callable.Callable { return &SystemInfo{} },
		func() callable.Callable { return &ReadFile{} },
	)
}

type nodeKey struct{}

// WithNode records the name of the local node in ctx.
func WithNode(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, nodeKey{}, name)
}

// NodeFrom returns the local node name, or "" when none was recorded.
func NodeFrom(ctx context.Context) string {
	name, _ := ctx.Value(nodeKey{}).(string)
	return name
}
