package srng

import (
	"context"
	"errors"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/wlsim/internal/guestmem"
)

// DefaultDrainWorkers is the size of the drain worker pool.
const DefaultDrainWorkers = 20

// Drainer consumes Source rings on a fixed pool of workers. A ring is
// drained by at most one worker at a time; others that pick it up return
// immediately and leave it to the current holder.
type Drainer struct {
	reg     *Registry
	mem     guestmem.Memory
	l       logrus.FieldLogger
	workers int
	queue   chan *Ring

	drained metrics.Counter
	aborted metrics.Counter
	failed  metrics.Counter
}

// NewDrainer returns a Drainer for reg. It subscribes to pointer updates so
// every head pointer write on a Source ring schedules a drain.
func NewDrainer(reg *Registry, mem guestmem.Memory, workers int, l logrus.FieldLogger, m metrics.Registry) *Drainer {
	if workers <= 0 {
		workers = DefaultDrainWorkers
	}
	if m == nil {
		m = metrics.NewRegistry()
	}
	d := &Drainer{
		reg:     reg,
		mem:     mem,
		l:       l,
		workers: workers,
		queue:   make(chan *Ring, RingIDMax),
		drained: metrics.GetOrRegisterCounter("srng.descriptors.drained", m),
		aborted: metrics.GetOrRegisterCounter("srng.drains.aborted", m),
		failed:  metrics.GetOrRegisterCounter("srng.descriptors.failed", m),
	}
	reg.OnPointerUpdate(func(r *Ring) {
		if r.pending() {
			d.Enqueue(r)
		}
	})
	return d
}

// Enqueue schedules r for draining. A ring is queued at most once, so the
// queue never blocks.
func (d *Drainer) Enqueue(r *Ring) {
	if r.queued.CompareAndSwap(false, true) {
		d.queue <- r
	}
}

// Run drains queued rings until ctx is done.
func (d *Drainer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case r := <-d.queue:
					r.queued.Store(false)
					d.Drain(ctx, r)
				}
			}
		})
	}
	return g.Wait()
}

// Drain consumes every descriptor between TP and HP on r. If another
// caller is already draining r it returns immediately; that caller picks
// up any work published in the meantime.
func (d *Drainer) Drain(ctx context.Context, r *Ring) {
	for {
		r.rerun.Store(true)
		if !r.drainMu.TryLock() {
			return
		}
		r.rerun.Store(false)
		d.drainLocked(ctx, r)
		r.drainMu.Unlock()
		if !r.rerun.Load() || ctx.Err() != nil {
			return
		}
	}
}

func (d *Drainer) drainLocked(ctx context.Context, r *Ring) {
	l := d.l.WithField("ring", r.ID())
	for ctx.Err() == nil {
		r.mu.Lock()
		s := r.state
		handler := r.handler
		r.mu.Unlock()

		if s.Direction != Source {
			return
		}
		if !s.Ready() {
			l.Warn("drain requested on unconfigured ring")
			return
		}
		if s.TP == s.HP {
			return
		}

		desc := make([]byte, s.EntrySize)
		if err := guestmem.Read(d.mem, s.Base+uint64(s.TP), desc); err != nil {
			d.aborted.Inc(1)
			l.WithError(err).WithField("tp", s.TP).Error("failed to read descriptor")
			return
		}

		next := s.advance(s.TP)
		if s.ShadowSet {
			if err := guestmem.WriteUint32(d.mem, s.ShadowAddr, next); err != nil {
				d.aborted.Inc(1)
				l.WithError(err).Error("failed to persist tail pointer")
				return
			}
		}

		r.mu.Lock()
		if r.state.TP != s.TP {
			// Reconfigured underneath us; start over from the new state.
			r.mu.Unlock()
			continue
		}
		r.state.TP = next
		r.mu.Unlock()
		d.drained.Inc(1)

		if handler == nil {
			l.WithField("kind", s.Kind).Warn("no handler for ring kind, descriptor dropped")
			continue
		}
		if err := handler.HandleDescriptor(ctx, r, desc); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			d.failed.Inc(1)
			l.WithError(err).Warn("descriptor handler failed")
		}
	}
}
