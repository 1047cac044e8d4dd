package bridge

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinyrange/wlsim/internal/pcap"
)

// Capture records carry one leading byte giving the direction.
const (
	CaptureTx byte = 0
	CaptureRx byte = 1
)

// CaptureSnapLen is the snap length of capture files, large enough for
// any frame plus the direction byte.
const CaptureSnapLen = MaxFrameSize + 1

type capturePeer struct {
	Peer
	w *pcap.Writer
	l logrus.FieldLogger
}

// WithCapture wraps p so every frame sent or received is appended to w.
// w must have been created with link type pcap.LinkTypeUser0.
func WithCapture(p Peer, w *pcap.Writer, l logrus.FieldLogger) Peer {
	return &capturePeer{Peer: p, w: w, l: l}
}

func (c *capturePeer) record(dir byte, frame []byte) {
	rec := make([]byte, 0, len(frame)+1)
	rec = append(rec, dir)
	rec = append(rec, frame...)
	if err := c.w.WritePacket(time.Now(), rec); err != nil {
		c.l.WithError(err).Warn("capture write failed")
	}
}

func (c *capturePeer) Send(frame []byte) error {
	if err := c.Peer.Send(frame); err != nil {
		return err
	}
	c.record(CaptureTx, frame)
	return nil
}

func (c *capturePeer) OnReceive(fn func(frame []byte)) {
	if fn == nil {
		c.Peer.OnReceive(nil)
		return
	}
	c.Peer.OnReceive(func(frame []byte) {
		c.record(CaptureRx, frame)
		fn(frame)
	})
}
