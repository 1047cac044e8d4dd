// Package srng models the device's descriptor rings.
//
// Every ring is a circular array of fixed-size descriptors in guest memory.
// The producer owns the head pointer and the consumer owns the tail
// pointer. For a Source ring the guest produces and the device consumes;
// for a Destination ring it is the other way around. The device mirrors the
// pointer it owns into a guest shadow word so the driver can poll it
// without touching registers.
//
// Pointers are byte offsets into the ring. Pointer registers carry entry
// indexes and are scaled by the entry size on write.
package srng

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/wlsim/internal/guestmem"
)

var (
	ErrInvalidRingID = errors.New("srng: invalid ring id")
	ErrInvalidConfig = errors.New("srng: invalid ring configuration")
	ErrRingFull      = errors.New("srng: ring full")
)

// Direction says which side produces entries in a ring.
type Direction uint8

const (
	// Source rings are produced by the guest and drained by the device.
	Source Direction = iota
	// Destination rings are produced by the device and acknowledged by the guest.
	Destination
)

func (d Direction) String() string {
	if d == Source {
		return "source"
	}
	return "destination"
}

// State is a snapshot of a ring's configuration and pointers.
type State struct {
	ID         uint8
	Kind       Kind
	Direction  Direction
	Base       uint64
	SizeBytes  uint32
	EntrySize  uint32
	NumEntries uint32

	IntrTimerThresUS uint32
	IntrBatchThres   uint32
	LowThreshold     uint32
	MaxBufferLength  uint32

	ShadowAddr uint64
	ShadowSet  bool
	Flags      uint32

	HP uint32
	TP uint32
}

// Ready reports whether the ring has a base, a size and an entry size.
func (s State) Ready() bool {
	return s.SizeBytes != 0 && s.EntrySize != 0 && s.SizeBytes >= s.EntrySize
}

// Ring is a single descriptor ring. Configuration and pointer updates are
// serialised by the ring's own lock.
type Ring struct {
	mu      sync.Mutex
	state   State
	handler Handler

	// drainMu is held by the one worker draining this ring.
	drainMu sync.Mutex
	queued  atomic.Bool
	rerun   atomic.Bool
}

func newRing(id uint8) *Ring {
	kind := KindOf(id)
	return &Ring{state: State{ID: id, Kind: kind, Direction: kind.Direction()}}
}

// ID returns the ring id.
func (r *Ring) ID() uint8 { return r.state.ID }

// Kind returns the ring kind.
func (r *Ring) Kind() Kind { return r.state.Kind }

// Direction returns the ring direction.
func (r *Ring) Direction() Direction { return r.state.Direction }

// Snapshot returns a copy of the ring state.
func (r *Ring) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Reset clears configuration and pointers, keeping identity and handler.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = State{ID: r.state.ID, Kind: r.state.Kind, Direction: r.state.Direction}
}

func (s *State) advance(ptr uint32) uint32 {
	return (ptr + s.EntrySize) % s.SizeBytes
}

func (s *State) recomputeEntries() {
	if s.EntrySize != 0 {
		s.NumEntries = s.SizeBytes / s.EntrySize
	}
}

// Push writes desc at the head of a Destination ring, advances the head and
// mirrors it to the shadow word. It returns ErrRingFull when advancing the
// head would make it equal to the guest's tail.
func (r *Ring) Push(mem guestmem.Memory, desc []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &r.state
	if s.Direction != Destination {
		return fmt.Errorf("%w: ring %d is not a destination ring", ErrInvalidConfig, s.ID)
	}
	if !s.Ready() {
		return fmt.Errorf("%w: ring %d not configured", ErrInvalidConfig, s.ID)
	}
	if uint32(len(desc)) > s.EntrySize {
		return fmt.Errorf("%w: descriptor of %d bytes exceeds entry size %d on ring %d",
			ErrInvalidConfig, len(desc), s.EntrySize, s.ID)
	}
	next := s.advance(s.HP)
	if next == s.TP {
		return fmt.Errorf("%w: ring %d", ErrRingFull, s.ID)
	}
	if err := guestmem.Write(mem, s.Base+uint64(s.HP), desc); err != nil {
		return err
	}
	if s.ShadowSet {
		if err := guestmem.WriteUint32(mem, s.ShadowAddr, next); err != nil {
			return err
		}
	}
	s.HP = next
	return nil
}

// Full reports whether a Push would fail with ErrRingFull. Unconfigured
// rings are reported full.
func (r *Ring) Full() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Ready() {
		return true
	}
	return r.state.advance(r.state.HP) == r.state.TP
}
