// Package dmanode tracks device-side copies of DMA payloads against a
// global memory budget.
//
// Nodes live in an arena and are linked into a FIFO by index. Slot 0 is a
// sentinel that is never handed out, so the zero Handle is always invalid.
// Handles carry a generation so a handle to a freed slot stays inert even
// after the slot is reused.
package dmanode

import (
	"errors"
	"fmt"
	"sync"
)

// ErrBudgetExceeded is returned when a single payload is larger than the
// list budget.
var ErrBudgetExceeded = errors.New("dmanode: payload exceeds memory budget")

// FlagInUse marks a node that is owned by a consumer and must not be
// reclaimed.
const FlagInUse uint32 = 1 << 0

const sentinel = 0

// Handle references a node in a List.
type Handle struct {
	index uint32
	gen   uint32
}

// Valid reports whether h was ever returned by Add.
func (h Handle) Valid() bool { return h.index != sentinel && h.gen != 0 }

// Node is a snapshot of a live node.
type Node struct {
	ID     uint64
	Length int
	Flags  uint32
}

type slot struct {
	gen     uint32
	live    bool
	id      uint64
	flags   uint32
	payload []byte
	prev    uint32
	next    uint32
}

// List is a budgeted FIFO of DMA nodes. It is safe for concurrent use.
type List struct {
	mu     sync.Mutex
	slots  []slot
	free   []uint32
	nextID uint64
	count  int
	total  int
	budget int
}

// New returns an empty list with the given budget in bytes.
func New(budget int) *List {
	l := &List{budget: budget}
	l.slots = []slot{{gen: 1, live: true}}
	return l
}

// Add stores payload in a new node at the tail of the list. The list takes
// ownership of payload.
func (l *List) Add(payload []byte, flags uint32) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(payload) > l.budget {
		return Handle{}, fmt.Errorf("%w: %d > %d", ErrBudgetExceeded, len(payload), l.budget)
	}

	var idx uint32
	if n := len(l.free); n > 0 {
		idx = l.free[n-1]
		l.free = l.free[:n-1]
	} else {
		l.slots = append(l.slots, slot{})
		idx = uint32(len(l.slots) - 1)
	}

	l.nextID++
	s := &l.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.live = true
	s.id = l.nextID
	s.flags = flags
	s.payload = payload

	// Link before the sentinel, which makes it the new tail.
	tail := l.slots[sentinel].prev
	s.prev = tail
	s.next = sentinel
	l.slots[tail].next = idx
	l.slots[sentinel].prev = idx

	l.count++
	l.total += len(payload)
	return Handle{index: idx, gen: s.gen}, nil
}

func (l *List) lookup(h Handle) (*slot, bool) {
	if !h.Valid() || int(h.index) >= len(l.slots) {
		return nil, false
	}
	s := &l.slots[h.index]
	if !s.live || s.gen != h.gen {
		return nil, false
	}
	return s, true
}

func (l *List) unlink(idx uint32) {
	s := &l.slots[idx]
	l.slots[s.prev].next = s.next
	l.slots[s.next].prev = s.prev
	l.count--
	l.total -= len(s.payload)
	s.live = false
	s.payload = nil
	s.flags = 0
	s.prev, s.next = 0, 0
	l.free = append(l.free, idx)
}

// Remove frees the node referenced by h. Stale and zero handles are
// ignored. It reports whether a node was freed.
func (l *List) Remove(h Handle) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.lookup(h); !ok {
		return false
	}
	l.unlink(h.index)
	return true
}

// Get returns a snapshot of the node referenced by h.
func (l *List) Get(h Handle) (Node, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.lookup(h)
	if !ok {
		return Node{}, false
	}
	return Node{ID: s.id, Length: len(s.payload), Flags: s.flags}, true
}

// Claim marks the oldest node that is not in use as in use and returns it
// together with its payload. The payload stays valid until the node is
// removed.
func (l *List) Claim() (Handle, []byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for idx := l.slots[sentinel].next; idx != sentinel; idx = l.slots[idx].next {
		s := &l.slots[idx]
		if s.flags&FlagInUse != 0 {
			continue
		}
		s.flags |= FlagInUse
		return Handle{index: idx, gen: s.gen}, s.payload, true
	}
	return Handle{}, nil, false
}

// Release clears the in-use flag so the node becomes reclaimable again.
func (l *List) Release(h Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.lookup(h); ok {
		s.flags &^= FlagInUse
	}
}

// EnforceBudget reclaims the oldest nodes that are not in use, one at a
// time, until the total is within budget or nothing reclaimable is left.
// It returns the number of nodes removed.
func (l *List) EnforceBudget() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	idx := l.slots[sentinel].next
	for l.total > l.budget && idx != sentinel {
		next := l.slots[idx].next
		if l.slots[idx].flags&FlagInUse == 0 {
			l.unlink(idx)
			removed++
		}
		idx = next
	}
	return removed
}

// ClearAll frees every node, leaving only the sentinel.
func (l *List) ClearAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for idx := l.slots[sentinel].next; idx != sentinel; {
		next := l.slots[idx].next
		l.unlink(idx)
		idx = next
	}
}

// Len returns the number of live nodes.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Total returns the number of payload bytes held by live nodes.
func (l *List) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Budget returns the configured budget.
func (l *List) Budget() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.budget
}

// SetBudget changes the budget. Existing nodes are only reclaimed by the
// next EnforceBudget.
func (l *List) SetBudget(budget int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.budget = budget
}
