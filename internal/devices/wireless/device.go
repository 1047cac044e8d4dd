// Package wireless implements a DMA-ring wireless network device model.
//
// The guest programs descriptor rings through the MMIO window. Frames the
// guest transmits are copied out of guest memory and forwarded to a
// bridge.Peer; frames from the peer are written into receive buffers the
// guest posted on a copy engine pipe. Completions are reported through
// status rings and a single level-triggered interrupt.
package wireless

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/gate"

	"github.com/tinyrange/wlsim/internal/bridge"
	"github.com/tinyrange/wlsim/internal/ce"
	"github.com/tinyrange/wlsim/internal/chipset"
	"github.com/tinyrange/wlsim/internal/config"
	"github.com/tinyrange/wlsim/internal/dmanode"
	"github.com/tinyrange/wlsim/internal/guestmem"
	"github.com/tinyrange/wlsim/internal/irq"
	"github.com/tinyrange/wlsim/internal/srng"
)

// ErrStopped is returned for accesses after Stop.
var ErrStopped = errors.New("wireless: device stopped")

// Options configures a Device.
type Options struct {
	Device  config.DeviceConfig
	// Budget bounds payload bytes held for transmission.
	Budget  int
	Memory  guestmem.Memory
	Peer    bridge.Peer
	IRQ     chipset.LineInterrupt
	Logger  logrus.FieldLogger
	Metrics metrics.Registry
}

// Device is the wireless device model.
type Device struct {
	cfg  config.DeviceConfig
	mem  guestmem.Memory
	peer bridge.Peer
	l    logrus.FieldLogger

	rings   *srng.Registry
	drainer *srng.Drainer
	engine  *ce.Engine
	dma     *dmanode.List
	irq     *irq.Controller

	txNotify chan struct{}

	// processMu serialises copy engine passes.
	processMu sync.Mutex

	// passMu guards passCancel, the cancel func of the pass holding
	// processMu. resets counts Reset calls waiting for processMu.
	passMu     sync.Mutex
	passCancel context.CancelFunc
	resets     atomic.Int32

	gate     gate.Gate
	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once

	txFrames  metrics.Counter
	txErrors  metrics.Counter
	reclaimed metrics.Counter
	dmaBytes  metrics.Gauge
}

var (
	_ chipset.ChipsetDevice = (*Device)(nil)
	_ chipset.MmioHandler   = (*Device)(nil)
	_ chipset.PollHandler   = (*Device)(nil)
	_ ce.Transmitter        = (*Device)(nil)
)

// New assembles a device. It does not start any goroutines.
func New(opts Options) (*Device, error) {
	if opts.Memory == nil {
		return nil, fmt.Errorf("wireless: guest memory is required")
	}
	if opts.Peer == nil {
		return nil, fmt.Errorf("wireless: peer is required")
	}
	if opts.Budget <= 0 {
		return nil, fmt.Errorf("wireless: invalid dma budget %d", opts.Budget)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}
	m := opts.Metrics

	d := &Device{
		cfg:       opts.Device,
		mem:       opts.Memory,
		peer:      opts.Peer,
		l:         opts.Logger,
		rings:     srng.NewRegistry(),
		dma:       dmanode.New(opts.Budget),
		irq:       irq.New(opts.IRQ, m),
		txNotify:  make(chan struct{}, 1),
		txFrames:  metrics.GetOrRegisterCounter("wireless.tx.frames", m),
		txErrors:  metrics.GetOrRegisterCounter("wireless.tx.errors", m),
		reclaimed: metrics.GetOrRegisterCounter("dma.reclaimed", m),
		dmaBytes:  metrics.GetOrRegisterGauge("dma.bytes", m),
	}

	engine, err := ce.New(d.rings, d.mem, ce.Config{
		Pipes:        opts.Device.Pipes,
		Entries:      opts.Device.PipeEntries,
		BufferSize:   opts.Device.PipeBufferSize,
		PendingLimit: opts.Device.PendingRxLimit,
	}, d.irq, d, opts.Logger, m)
	if err != nil {
		return nil, err
	}
	d.engine = engine

	tx := srng.HandlerFunc(d.handleTxDescriptor)
	d.rings.Bind(srng.KindTestSW2HW, tx)
	d.rings.Bind(srng.KindCESrc, tx)
	d.rings.Bind(srng.KindCEDst, engine)
	d.drainer = srng.NewDrainer(d.rings, d.mem, opts.Device.DrainWorkers, opts.Logger, m)
	d.rings.OnPointerUpdate(func(r *srng.Ring) {
		// Acknowledged status entries make room for deferred completions.
		if r.Kind() == srng.KindCEDstStatus {
			d.engine.Kick()
		}
	})
	return d, nil
}

// Rings returns the ring registry.
func (d *Device) Rings() *srng.Registry { return d.rings }

// Engine returns the copy engine.
func (d *Device) Engine() *ce.Engine { return d.engine }

// DMA returns the DMA node list.
func (d *Device) DMA() *dmanode.List { return d.dma }

// Interrupts returns the interrupt controller.
func (d *Device) Interrupts() *irq.Controller { return d.irq }

// SupportsMmio implements chipset.ChipsetDevice.
func (d *Device) SupportsMmio() *chipset.MmioIntercept {
	base := d.cfg.MMIOBase
	if base == 0 {
		base = DefaultBase
	}
	return &chipset.MmioIntercept{
		Regions: []chipset.Region{{Base: base, Size: DefaultSize}},
		Handler: d,
	}
}

// SupportsPollDevice implements chipset.ChipsetDevice.
func (d *Device) SupportsPollDevice() *chipset.PollDevice {
	return &chipset.PollDevice{Handler: d}
}

// Start launches the drain workers, the poll loop and the transmit worker.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	if d.started {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.drainer.Run(ctx) })
	g.Go(func() error { return d.pollLoop(ctx) })
	g.Go(func() error { return d.txLoop(ctx) })
	d.cancel = cancel
	d.group = g
	d.started = true

	d.peer.OnReceive(d.deliver)
	d.l.WithField("pipes", d.cfg.Pipes).Info("wireless device started")
	return nil
}

// Stop cancels every background loop, refuses further accesses and waits
// for in-flight ones. A stopped device cannot be restarted.
func (d *Device) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.peer.OnReceive(nil)

		d.mu.Lock()
		d.stopped = true
		cancel, g := d.cancel, d.group
		d.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		d.irq.Close()
		d.gate.Close()
		if g != nil {
			err = g.Wait()
		}
		d.dma.ClearAll()
		d.dmaBytes.Update(0)
		d.l.Info("wireless device stopped")
	})
	return err
}

// Reset returns rings, pipes, the DMA list and the interrupt to their
// power-on state. A pass blocked on an unacknowledged interrupt is
// abandoned.
func (d *Device) Reset() error {
	d.resets.Add(1)
	defer d.resets.Add(-1)
	d.passMu.Lock()
	if d.passCancel != nil {
		d.passCancel()
	}
	d.passMu.Unlock()

	d.processMu.Lock()
	defer d.processMu.Unlock()
	d.rings.Reset()
	d.engine.Reset()
	d.dma.ClearAll()
	d.dmaBytes.Update(0)
	d.irq.Reset()
	return nil
}

// Poll runs one copy engine pass unless another pass is in flight. It is a
// no-op once the device is stopped.
func (d *Device) Poll(ctx context.Context) error {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped || !d.processMu.TryLock() {
		return nil
	}
	defer d.processMu.Unlock()
	return d.runPass(ctx)
}

// runPass must be called with processMu held.
func (d *Device) runPass(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.passMu.Lock()
	d.passCancel = cancel
	d.passMu.Unlock()
	defer func() {
		d.passMu.Lock()
		d.passCancel = nil
		d.passMu.Unlock()
	}()
	if d.resets.Load() > 0 {
		return nil
	}
	return d.process(ctx)
}

// process must be called with processMu held.
func (d *Device) process(ctx context.Context) error {
	if err := d.engine.Process(ctx); err != nil {
		// Cancelled by Reset or Stop.
		if ctx.Err() != nil || errors.Is(err, irq.ErrClosed) {
			return nil
		}
		return err
	}
	if n := d.dma.EnforceBudget(); n > 0 {
		d.reclaimed.Inc(int64(n))
		d.l.WithField("nodes", n).Warn("dma budget exceeded, dropped queued frames")
	}
	d.dmaBytes.Update(int64(d.dma.Total()))
	return nil
}

// pollLoop runs a pass whenever the engine is kicked. Periodic passes come
// from the chipset's Run loop through Poll.
func (d *Device) pollLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.engine.Kicks():
		}
		d.processMu.Lock()
		err := d.runPass(ctx)
		d.processMu.Unlock()
		if err != nil {
			d.l.WithError(err).Error("copy engine pass failed")
		}
	}
}

// ReadMMIO implements chipset.MmioHandler.
func (d *Device) ReadMMIO(offset uint64, data []byte) error {
	if err := checkAccess(offset, data); err != nil {
		return err
	}
	if !d.gate.Enter() {
		return ErrStopped
	}
	defer d.gate.Leave()

	var value uint32
	if id, group, reg, ok := srng.DecodeAddr(offset); ok {
		v, err := d.rings.ReadRegister(id, group, reg)
		if err != nil {
			return err
		}
		value = v
	} else {
		switch offset {
		case RegIdentity:
			value = identity()
		case RegIRQEnable:
			if d.irq.Enabled() {
				value = 1
			}
		case RegIRQStatus:
			value = d.irq.Status()
		}
	}
	binary.LittleEndian.PutUint32(data, value)
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (d *Device) WriteMMIO(offset uint64, data []byte) error {
	if err := checkAccess(offset, data); err != nil {
		return err
	}
	if !d.gate.Enter() {
		return ErrStopped
	}
	defer d.gate.Leave()

	value := binary.LittleEndian.Uint32(data)
	if id, group, reg, ok := srng.DecodeAddr(offset); ok {
		if err := d.rings.Configure(id, group, reg, value); err != nil {
			d.l.WithError(err).WithFields(logrus.Fields{
				"ring":   id,
				"group":  group,
				"offset": reg,
				"value":  fmt.Sprintf("0x%x", value),
			}).Debug("ring register write rejected")
			return err
		}
		return nil
	}

	switch offset {
	case RegIRQEnable:
		d.irq.SetEnabled(value&1 != 0)
	case RegIRQStatus:
		if value == 0 {
			d.irq.Lower()
		}
	default:
		d.l.WithField("offset", fmt.Sprintf("0x%x", offset)).Debug("write to unhandled register ignored")
	}
	return nil
}

func checkAccess(offset uint64, data []byte) error {
	if len(data) != 4 || offset%4 != 0 {
		return fmt.Errorf("wireless: unsupported %d byte access at 0x%x", len(data), offset)
	}
	return nil
}

func (d *Device) deliver(frame []byte) {
	if !d.gate.Enter() {
		return
	}
	defer d.gate.Leave()
	if err := d.engine.Deliver(frame); err != nil {
		d.l.WithError(err).Debug("inbound frame dropped")
	}
}
