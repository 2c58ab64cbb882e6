package callable

import (
	"fmt"
	"sort"
	"sync"
)

// Descriptor is the static description of a callable type. Its Direction is
// resolved once, when the type is registered, and equals DirectionOf of
// every instance New returns.
type Descriptor struct {
	Name      string
	Direction Direction
	New       func() Callable
}

// Catalog maps wire type names to descriptors. A channel only instantiates
// callables whose type is in its catalog.
type Catalog struct {
	mu    sync.RWMutex
	types map[string]*Descriptor
}

func NewCatalog() *Catalog {
	return &Catalog{types: make(map[string]*Descriptor)}
}

// Register adds a callable type. newFn must return a fresh pointer each call.
func (c *Catalog) Register(newFn func() Callable) error {
	if newFn == nil {
		return fmt.Errorf("callable: nil constructor")
	}
	sample := newFn()
	if sample == nil {
		return fmt.Errorf("callable: constructor returned nil")
	}
	name := sample.Name()
	if name == "" {
		return fmt.Errorf("callable: %T has an empty name", sample)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.types[name]; ok {
		return fmt.Errorf("callable: %q already registered", name)
	}
	c.types[name] = &Descriptor{
		Name:      name,
		Direction: DirectionOf(sample),
		New:       newFn,
	}
	return nil
}

// MustRegister is Register that panics, for package-level catalog setup.
func (c *Catalog) MustRegister(newFns ...func() Callable) *Catalog {
	for _, fn := range newFns {
		if err := c.Register(fn); err != nil {
			panic(err)
		}
	}
	return c
}

// Lookup returns the descriptor registered under name.
func (c *Catalog) Lookup(name string) (*Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.types[name]
	return d, ok
}

// Descriptors returns all registered descriptors sorted by name.
func (c *Catalog) Descriptors() []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Descriptor, 0, len(c.types))
	for _, d := range c.types {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
