package srng

import (
	"context"
	"fmt"
)

// Handler consumes descriptors drained from a Source ring. desc is only
// valid for the duration of the call.
type Handler interface {
	HandleDescriptor(ctx context.Context, ring *Ring, desc []byte) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ring *Ring, desc []byte) error

func (f HandlerFunc) HandleDescriptor(ctx context.Context, ring *Ring, desc []byte) error {
	return f(ctx, ring, desc)
}

// Registry holds every ring addressable through the register window.
type Registry struct {
	rings     [RingIDMax]*Ring
	listeners []func(r *Ring)
}

// NewRegistry creates all rings in their empty state.
func NewRegistry() *Registry {
	reg := &Registry{}
	for i := range reg.rings {
		reg.rings[i] = newRing(uint8(i))
	}
	return reg
}

// Ring looks up a ring by id.
func (reg *Registry) Ring(id uint8) (*Ring, error) {
	if int(id) >= len(reg.rings) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRingID, id)
	}
	return reg.rings[id], nil
}

// Bind attaches h to every ring of the given kind. Binding must happen
// before the drain engine starts.
func (reg *Registry) Bind(kind Kind, h Handler) {
	for _, r := range reg.rings {
		if r.state.Kind == kind {
			r.mu.Lock()
			r.handler = h
			r.mu.Unlock()
		}
	}
}

// Reset returns every ring to its empty state.
func (reg *Registry) Reset() {
	for _, r := range reg.rings {
		r.Reset()
	}
}

// Each calls fn for every ring in id order.
func (reg *Registry) Each(fn func(r *Ring)) {
	for _, r := range reg.rings {
		fn(r)
	}
}
