package bridge

import (
	"fmt"
	"sync"

	"github.com/rcrowley/go-metrics"
)

const loopbackDepth = 256

// Loopback is one end of an in-process Peer pair.
type Loopback struct {
	receiver
	other *Loopback

	mu     sync.RWMutex
	closed bool
	inbox  chan []byte
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ Peer = (*Loopback)(nil)

// NewLoopback returns two connected peers. A frame sent on one is
// delivered to the other.
func NewLoopback(reg metrics.Registry) (*Loopback, *Loopback) {
	a := newLoopbackEnd("loopback.a", reg)
	b := newLoopbackEnd("loopback.b", reg)
	a.other, b.other = b, a
	return a, b
}

func newLoopbackEnd(prefix string, reg metrics.Registry) *Loopback {
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	lb := &Loopback{
		inbox: make(chan []byte, loopbackDepth),
		done:  make(chan struct{}),
	}
	lb.receiver.init(prefix, reg)
	lb.wg.Add(1)
	go lb.run()
	return lb
}

func (lb *Loopback) run() {
	defer lb.wg.Done()
	for {
		select {
		case frame := <-lb.inbox:
			lb.deliver(frame)
		case <-lb.done:
			return
		}
	}
}

// OnReceive implements Peer.
func (lb *Loopback) OnReceive(fn func(frame []byte)) { lb.set(fn) }

// Send implements Peer. It fails when the other end's queue is full.
func (lb *Loopback) Send(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	lb.mu.RLock()
	closed := lb.closed
	lb.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	dst := lb.other
	dst.mu.RLock()
	defer dst.mu.RUnlock()
	if dst.closed {
		return ErrClosed
	}
	select {
	case dst.inbox <- append([]byte(nil), frame...):
		return nil
	default:
		return fmt.Errorf("bridge: loopback queue full")
	}
}

// Close stops delivery on this end.
func (lb *Loopback) Close() error {
	lb.mu.Lock()
	if lb.closed {
		lb.mu.Unlock()
		return nil
	}
	lb.closed = true
	close(lb.done)
	lb.mu.Unlock()
	lb.wg.Wait()
	return nil
}
