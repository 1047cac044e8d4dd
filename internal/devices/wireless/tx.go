package wireless

import (
	"context"
	"fmt"

	"github.com/tinyrange/wlsim/internal/bridge"
	"github.com/tinyrange/wlsim/internal/ce"
	"github.com/tinyrange/wlsim/internal/guestmem"
	"github.com/tinyrange/wlsim/internal/srng"
)

// handleTxDescriptor copies the buffer named by a transmit descriptor out
// of guest memory and queues it for the peer.
func (d *Device) handleTxDescriptor(_ context.Context, r *srng.Ring, desc []byte) error {
	td, err := ce.ParseTxDesc(desc)
	if err != nil {
		return err
	}
	if td.Length == 0 {
		return nil
	}
	if td.Length > bridge.MaxFrameSize {
		return fmt.Errorf("%w: ring %d descriptor of %d bytes", bridge.ErrFrameTooLarge, r.ID(), td.Length)
	}
	payload := make([]byte, td.Length)
	if err := guestmem.Read(d.mem, td.Addr, payload); err != nil {
		return err
	}
	return d.Transmit(payload)
}

// Transmit stores payload in a DMA node and wakes the transmit worker.
func (d *Device) Transmit(payload []byte) error {
	if _, err := d.dma.Add(payload, 0); err != nil {
		d.txErrors.Inc(1)
		return err
	}
	select {
	case d.txNotify <- struct{}{}:
	default:
	}
	return nil
}

// txLoop forwards queued DMA nodes to the peer in arrival order. A node is
// marked in use while it is being sent so budget enforcement skips it.
func (d *Device) txLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.txNotify:
		}
		for ctx.Err() == nil {
			h, payload, ok := d.dma.Claim()
			if !ok {
				break
			}
			if err := d.peer.Send(payload); err != nil {
				d.txErrors.Inc(1)
				d.l.WithError(err).WithField("size", len(payload)).Warn("failed to forward frame")
			} else {
				d.txFrames.Inc(1)
			}
			d.dma.Remove(h)
		}
	}
}
