// Package ce implements the copy engine: pipes that move payload between
// guest buffers and the peer, report completions on a status ring and
// signal them with an interrupt.
package ce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/tinyrange/wlsim/internal/dmanode"
	"github.com/tinyrange/wlsim/internal/guestmem"
	"github.com/tinyrange/wlsim/internal/srng"
)

// ErrNoFreeSlot is returned when a pipe table has no room.
var ErrNoFreeSlot = errors.New("ce: no free slot")

// Interrupter raises the device interrupt.
type Interrupter interface {
	Raise(ctx context.Context, code uint32) error
}

// Transmitter takes ownership of a payload copied out of guest memory.
type Transmitter interface {
	Transmit(payload []byte) error
}

type pendingFrame struct {
	seq  uint64
	data []byte
}

// Config sizes the engine.
type Config struct {
	Pipes        int
	Entries      int
	BufferSize   int
	PendingLimit int
}

// Engine owns every pipe and the queue of inbound frames that are waiting
// for a receive slot. Process must not be called concurrently with itself.
type Engine struct {
	pipes []*Pipe
	mem   guestmem.Memory
	intr  Interrupter
	tx    Transmitter
	l     logrus.FieldLogger
	warn  *rate.Limiter
	kick  chan struct{}

	pendMu       sync.Mutex
	pending      []pendingFrame
	pendingSeq   uint64
	pendingLimit int

	sends      metrics.Counter
	recvs      metrics.Counter
	noSlot     metrics.Counter
	dropped    metrics.Counter
	recvFailed metrics.Counter
	statusFull metrics.Counter
	queued     metrics.Gauge
}

var _ srng.Handler = (*Engine)(nil)

// New builds an engine over the copy engine rings of reg.
func New(reg *srng.Registry, mem guestmem.Memory, cfg Config, intr Interrupter, tx Transmitter, l logrus.FieldLogger, m metrics.Registry) (*Engine, error) {
	if cfg.Pipes < 1 || cfg.Pipes > srng.NumCE {
		return nil, fmt.Errorf("ce: pipe count %d out of range 1..%d", cfg.Pipes, srng.NumCE)
	}
	if cfg.Entries < 1 || cfg.BufferSize < 1 || cfg.PendingLimit < 1 {
		return nil, fmt.Errorf("ce: invalid sizing %+v", cfg)
	}
	if m == nil {
		m = metrics.NewRegistry()
	}

	e := &Engine{
		mem:          mem,
		intr:         intr,
		tx:           tx,
		l:            l,
		warn:         rate.NewLimiter(rate.Every(time.Second), 5),
		kick:         make(chan struct{}, 1),
		pendingLimit: cfg.PendingLimit,
		sends:        metrics.GetOrRegisterCounter("ce.send.completed", m),
		recvs:        metrics.GetOrRegisterCounter("ce.recv.completed", m),
		noSlot:       metrics.GetOrRegisterCounter("ce.recv.no_slot", m),
		dropped:      metrics.GetOrRegisterCounter("ce.recv.dropped", m),
		recvFailed:   metrics.GetOrRegisterCounter("ce.recv.io_errors", m),
		statusFull:   metrics.GetOrRegisterCounter("ce.status.full", m),
		queued:       metrics.GetOrRegisterGauge("ce.recv.pending", m),
	}
	for n := 0; n < cfg.Pipes; n++ {
		dst, err := reg.Ring(uint8(srng.RingCEDst0 + n))
		if err != nil {
			return nil, err
		}
		status, err := reg.Ring(uint8(srng.RingCEDstStatus0 + n))
		if err != nil {
			return nil, err
		}
		e.pipes = append(e.pipes, newPipe(n, dst, status, cfg.Entries, uint32(cfg.BufferSize)))
	}
	return e, nil
}

// Kicks delivers a value whenever there is new work for Process.
func (e *Engine) Kicks() <-chan struct{} { return e.kick }

// Kick schedules a Process pass.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Pipes returns the number of pipes.
func (e *Engine) Pipes() int { return len(e.pipes) }

// Pipe returns pipe n.
func (e *Engine) Pipe(n int) (*Pipe, error) {
	if n < 0 || n >= len(e.pipes) {
		return nil, fmt.Errorf("ce: pipe %d out of range", n)
	}
	return e.pipes[n], nil
}

// PipeForRing returns the pipe that owns ring r, if any.
func (e *Engine) PipeForRing(r *srng.Ring) (*Pipe, bool) {
	for _, p := range e.pipes {
		if p.dst == r || p.status == r {
			return p, true
		}
	}
	return nil, false
}

// PendingLen returns the number of inbound frames waiting for a slot.
func (e *Engine) PendingLen() int {
	e.pendMu.Lock()
	defer e.pendMu.Unlock()
	return len(e.pending)
}

// HandleDescriptor consumes an entry drained from a destination ring.
func (e *Engine) HandleDescriptor(_ context.Context, r *srng.Ring, desc []byte) error {
	p, ok := e.PipeForRing(r)
	if !ok {
		return fmt.Errorf("ce: ring %d is not attached to a pipe", r.ID())
	}
	d, err := ParseDstDesc(desc)
	if err != nil {
		return err
	}
	// A drained descriptor cannot be handed back, so the tables must hold
	// every entry the guest can have posted on the ring.
	p.ensureCapacity(int(r.Snapshot().NumEntries))
	if d.Send {
		return e.PostSend(p.num, d.Addr, d.Length)
	}
	return e.PostReceiveSlot(p.num, d.Addr, d.Length)
}

// PostSend queues a guest buffer for transmission on a pipe.
func (e *Engine) PostSend(pipe int, addr uint64, length uint32) error {
	p, err := e.Pipe(pipe)
	if err != nil {
		return err
	}
	if length > p.bufMax {
		return fmt.Errorf("%w: send of %d bytes on pipe %d exceeds %d", dmanode.ErrBudgetExceeded, length, pipe, p.bufMax)
	}

	p.mu.Lock()
	if p.writeIndex-p.swIndex >= uint32(len(p.sends)) {
		p.mu.Unlock()
		return fmt.Errorf("%w: send table of pipe %d full", ErrNoFreeSlot, pipe)
	}
	p.sends[p.writeIndex&p.mask] = sendSlot{addr: addr, length: length}
	p.writeIndex++
	p.mu.Unlock()

	e.Kick()
	return nil
}

// PostReceiveSlot arms a guest buffer for an inbound frame. A zero
// maxLength means the pipe's buffer size.
func (e *Engine) PostReceiveSlot(pipe int, addr uint64, maxLength uint32) error {
	p, err := e.Pipe(pipe)
	if err != nil {
		return err
	}
	if maxLength == 0 || maxLength > p.bufMax {
		maxLength = p.bufMax
	}

	p.mu.Lock()
	armed := false
	for i := range p.recvs {
		if !p.recvs[i].armed {
			p.recvs[i] = recvSlot{addr: addr, maxLen: maxLength, armed: true}
			armed = true
			break
		}
	}
	p.mu.Unlock()

	if !armed {
		return fmt.Errorf("%w: receive table of pipe %d full", ErrNoFreeSlot, pipe)
	}
	e.Kick()
	return nil
}

// Deliver queues an inbound frame. It is placed in guest memory by the
// next Process pass. When the queue is full the oldest frame is dropped.
func (e *Engine) Deliver(frame []byte) error {
	e.pendMu.Lock()
	var err error
	if len(e.pending) >= e.pendingLimit {
		e.pending[0] = pendingFrame{}
		e.pending = e.pending[1:]
		e.dropped.Inc(1)
		err = fmt.Errorf("%w: pending queue full, dropped oldest frame", ErrNoFreeSlot)
	}
	e.pendingSeq++
	e.pending = append(e.pending, pendingFrame{seq: e.pendingSeq, data: frame})
	e.queued.Update(int64(len(e.pending)))
	e.pendMu.Unlock()

	e.Kick()
	return err
}

// Process completes queued sends on every pipe and places pending inbound
// frames. It only returns an error when ctx ends while waiting to raise an
// interrupt.
func (e *Engine) Process(ctx context.Context) error {
	for _, p := range e.pipes {
		if err := e.processSends(ctx, p); err != nil {
			return err
		}
	}
	return e.processReceives(ctx)
}

func (e *Engine) warnf(fields logrus.Fields, msg string) {
	if e.warn.Allow() {
		e.l.WithFields(fields).Warn(msg)
	}
}

func (e *Engine) processSends(ctx context.Context, p *Pipe) error {
	for ctx.Err() == nil {
		p.mu.Lock()
		if p.swIndex == p.writeIndex {
			p.mu.Unlock()
			return nil
		}
		if p.status.Full() {
			p.mu.Unlock()
			e.statusFull.Inc(1)
			e.warnf(logrus.Fields{"pipe": p.num}, "status ring full, deferring send completion")
			return nil
		}
		idx := p.swIndex & p.mask
		slot := p.sends[idx]
		payload := make([]byte, slot.length)
		if err := guestmem.Read(e.mem, slot.addr, payload); err != nil {
			p.mu.Unlock()
			e.l.WithError(err).WithField("pipe", p.num).Error("failed to read send buffer")
			return nil
		}
		comp := Completion{Addr: slot.addr, Slot: idx, Length: slot.length}
		if err := p.status.Push(e.mem, comp.Encode()); err != nil {
			p.mu.Unlock()
			e.l.WithError(err).WithField("pipe", p.num).Error("failed to write send completion")
			return nil
		}
		p.swIndex++
		p.mu.Unlock()

		e.sends.Inc(1)
		if err := e.tx.Transmit(payload); err != nil {
			e.l.WithError(err).WithField("pipe", p.num).Warn("send payload dropped")
		}
		if err := e.intr.Raise(ctx, SendStatus(p.num)); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (e *Engine) processReceives(ctx context.Context) error {
	for ctx.Err() == nil {
		e.pendMu.Lock()
		if len(e.pending) == 0 {
			e.pendMu.Unlock()
			return nil
		}
		head := e.pending[0]
		e.pendMu.Unlock()

		frame := head.data
		code, placed, err := e.place(frame)
		if err != nil {
			// The slot stays armed and the frame stays queued so the next
			// pass retries the copy.
			e.recvFailed.Inc(1)
			if e.warn.Allow() {
				e.l.WithError(err).WithField("size", len(frame)).Error("failed to place inbound frame, will retry")
			}
			return nil
		}
		if !placed {
			e.noSlot.Inc(1)
			e.warnf(logrus.Fields{"size": len(frame)}, "no free receive slot, holding frame")
			return nil
		}

		// Only Process pops the queue, so the head is unchanged unless
		// Deliver dropped it to make room.
		e.pendMu.Lock()
		if len(e.pending) > 0 && e.pending[0].seq == head.seq {
			e.pending[0] = pendingFrame{}
			e.pending = e.pending[1:]
		}
		e.queued.Update(int64(len(e.pending)))
		e.pendMu.Unlock()

		e.recvs.Inc(1)
		if err := e.intr.Raise(ctx, code); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// place writes frame into the first receive slot that fits it.
func (e *Engine) place(frame []byte) (uint32, bool, error) {
	for _, p := range e.pipes {
		p.mu.Lock()
		idx, ok := p.findRecvSlot(len(frame))
		if !ok {
			p.mu.Unlock()
			continue
		}
		if p.status.Full() {
			p.mu.Unlock()
			e.statusFull.Inc(1)
			continue
		}
		slot := &p.recvs[idx]
		if err := guestmem.Write(e.mem, slot.addr, frame); err != nil {
			p.mu.Unlock()
			return 0, false, err
		}
		comp := Completion{Addr: slot.addr, Slot: idx, Receive: true, Length: uint32(len(frame))}
		if err := p.status.Push(e.mem, comp.Encode()); err != nil {
			p.mu.Unlock()
			return 0, false, err
		}
		slot.armed = false
		p.mu.Unlock()
		return RecvStatus(p.num), true, nil
	}
	return 0, false, nil
}

// Reset drops all pipe bookkeeping and pending frames.
func (e *Engine) Reset() {
	for _, p := range e.pipes {
		p.reset()
	}
	e.pendMu.Lock()
	e.pending = nil
	e.queued.Update(0)
	e.pendMu.Unlock()
}
