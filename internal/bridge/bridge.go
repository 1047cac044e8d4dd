// Package bridge connects the device to the peer that carries its frames.
package bridge

import (
	"errors"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
)

// MaxFrameSize is the largest frame carried in either direction.
const MaxFrameSize = 2048

var (
	ErrFrameTooLarge = errors.New("bridge: frame too large")
	ErrClosed        = errors.New("bridge: closed")
)

// Peer carries opaque frames to and from the other side.
type Peer interface {
	// Send transmits one frame. The peer does not retain frame.
	Send(frame []byte) error
	// OnReceive installs the callback for inbound frames. Frames arriving
	// with no callback installed are dropped. Callbacks run on a single
	// delivery goroutine and own the frame they are given.
	OnReceive(fn func(frame []byte))
	Close() error
}

type receiver struct {
	fn atomic.Pointer[func([]byte)]

	rx      metrics.Counter
	dropped metrics.Counter
}

func (r *receiver) init(prefix string, reg metrics.Registry) {
	r.rx = metrics.GetOrRegisterCounter(prefix+".rx.frames", reg)
	r.dropped = metrics.GetOrRegisterCounter(prefix+".rx.dropped", reg)
}

func (r *receiver) set(fn func([]byte)) {
	if fn == nil {
		r.fn.Store(nil)
		return
	}
	r.fn.Store(&fn)
}

func (r *receiver) deliver(frame []byte) {
	fn := r.fn.Load()
	if fn == nil {
		r.dropped.Inc(1)
		return
	}
	r.rx.Inc(1)
	(*fn)(frame)
}
