// Package irq implements the device's single level-triggered interrupt with
// a status register.
//
// At most one interrupt is outstanding. Raise holds the line until the guest
// acknowledges it with Lower; a second Raise waits for that acknowledgement.
package irq

import (
	"context"
	"errors"
	"sync"

	"github.com/rcrowley/go-metrics"

	"github.com/tinyrange/wlsim/internal/chipset"
)

// ErrClosed is returned by Raise once the controller is shut down.
var ErrClosed = errors.New("irq: controller closed")

// Controller owns the interrupt status register and the enable flag.
type Controller struct {
	line chipset.LineInterrupt

	// token is held from Raise until the matching Lower.
	token  chan struct{}
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	enabled  bool
	asserted bool
	status   uint32

	raised metrics.Counter
}

// New returns an enabled controller driving line. A nil line is detached.
func New(line chipset.LineInterrupt, reg metrics.Registry) *Controller {
	if line == nil {
		line = chipset.LineInterruptDetached()
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Controller{
		line:    line,
		token:   make(chan struct{}, 1),
		closed:  make(chan struct{}),
		enabled: true,
		raised:  metrics.GetOrRegisterCounter("irq.raised", reg),
	}
}

// Raise publishes code in the status register and asserts the line. If an
// interrupt is already outstanding it waits for the guest to lower it, for
// ctx to end, or for the controller to close. Raising while disabled is a
// no-op.
func (c *Controller) Raise(ctx context.Context, code uint32) error {
	if !c.Enabled() {
		return nil
	}

	select {
	case c.token <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		<-c.token
		return ErrClosed
	default:
	}
	if !c.enabled {
		<-c.token
		return nil
	}
	c.status = code
	c.asserted = true
	c.raised.Inc(1)
	c.line.SetLevel(true)
	return nil
}

// Lower clears the status register and deasserts the line, releasing one
// waiting Raise. It is a no-op when disabled or when nothing is asserted.
func (c *Controller) Lower() {
	c.mu.Lock()
	if !c.enabled || !c.asserted {
		c.mu.Unlock()
		return
	}
	c.release()
	c.mu.Unlock()
}

// release must be called with mu held and the interrupt asserted.
func (c *Controller) release() {
	c.status = 0
	c.asserted = false
	c.line.SetLevel(false)
	<-c.token
}

// SetEnabled toggles interrupt delivery. Disabling while asserted lowers
// the line.
func (c *Controller) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !enabled && c.asserted {
		c.release()
	}
	c.enabled = enabled
}

// Enabled reports whether interrupts are delivered.
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Asserted reports whether a raise is outstanding.
func (c *Controller) Asserted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.asserted
}

// Status returns the current status code, zero when idle.
func (c *Controller) Status() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Reset lowers any outstanding interrupt and re-enables delivery.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.asserted {
		c.release()
	}
	c.enabled = true
}

// Close wakes every waiting Raise with ErrClosed and lowers the line.
func (c *Controller) Close() {
	c.once.Do(func() { close(c.closed) })
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.asserted {
		c.release()
	}
}
