package bridge

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

const udpBatch = 8

// UDPConfig selects the local and remote endpoints. When Listen and Peer
// are empty the pair of ports on Host is tried: bind the first and talk to
// the second, or the reverse when the first is already taken. This lets the
// device and a test peer start in either order with the same settings.
type UDPConfig struct {
	Listen      string
	Peer        string
	Host        string
	Ports       [2]int
	SendRetries int
}

// UDP is a Peer over a pair of UDP sockets on the loopback interface.
type UDP struct {
	conn    *net.UDPConn
	peer    *net.UDPAddr
	l       logrus.FieldLogger
	retries int

	receiver
	tx       metrics.Counter
	txErrors metrics.Counter

	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ Peer = (*UDP)(nil)

// ListenUDP binds the local socket and starts the delivery goroutine.
func ListenUDP(cfg UDPConfig, l logrus.FieldLogger, reg metrics.Registry) (*UDP, error) {
	conn, peer, err := bindUDP(cfg)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	u := &UDP{
		conn:     conn,
		peer:     peer,
		l:        l.WithField("local", conn.LocalAddr().String()).WithField("peer", peer.String()),
		retries:  cfg.SendRetries,
		tx:       metrics.GetOrRegisterCounter("bridge.tx.frames", reg),
		txErrors: metrics.GetOrRegisterCounter("bridge.tx.errors", reg),
	}
	u.receiver.init("bridge", reg)
	u.l.Info("bridge connected")
	u.wg.Add(1)
	go u.readLoop()
	return u, nil
}

func bindUDP(cfg UDPConfig) (*net.UDPConn, *net.UDPAddr, error) {
	if cfg.Listen != "" || cfg.Peer != "" {
		laddr, err := net.ResolveUDPAddr("udp4", cfg.Listen)
		if err != nil {
			return nil, nil, fmt.Errorf("bridge: listen address: %w", err)
		}
		raddr, err := net.ResolveUDPAddr("udp4", cfg.Peer)
		if err != nil {
			return nil, nil, fmt.Errorf("bridge: peer address: %w", err)
		}
		conn, err := net.ListenUDP("udp4", laddr)
		if err != nil {
			return nil, nil, fmt.Errorf("bridge: %w", err)
		}
		return conn, raddr, nil
	}

	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, nil, fmt.Errorf("bridge: invalid host %q", host)
	}
	first := &net.UDPAddr{IP: ip, Port: cfg.Ports[0]}
	second := &net.UDPAddr{IP: ip, Port: cfg.Ports[1]}

	conn, err := net.ListenUDP("udp4", first)
	if err == nil {
		return conn, second, nil
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		return nil, nil, fmt.Errorf("bridge: %w", err)
	}
	conn, err = net.ListenUDP("udp4", second)
	if err != nil {
		return nil, nil, fmt.Errorf("bridge: both ports of %d/%d unavailable: %w", cfg.Ports[0], cfg.Ports[1], err)
	}
	return conn, first, nil
}

// LocalAddr returns the bound local address.
func (u *UDP) LocalAddr() *net.UDPAddr { return u.conn.LocalAddr().(*net.UDPAddr) }

// PeerAddr returns the address frames are sent to.
func (u *UDP) PeerAddr() *net.UDPAddr { return u.peer }

// OnReceive implements Peer.
func (u *UDP) OnReceive(fn func(frame []byte)) { u.set(fn) }

// Send implements Peer. Transient socket errors are retried with
// exponential backoff.
func (u *UDP) Send(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	op := func() error {
		_, err := u.conn.WriteToUDP(frame, u.peer)
		if errors.Is(err, net.ErrClosed) {
			return backoff.Permanent(ErrClosed)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(b, uint64(u.retries))); err != nil {
		u.txErrors.Inc(1)
		return fmt.Errorf("bridge: send: %w", err)
	}
	u.tx.Inc(1)
	return nil
}

func (u *UDP) readLoop() {
	defer u.wg.Done()

	pc := ipv4.NewPacketConn(u.conn)
	msgs := make([]ipv4.Message, udpBatch)
	for i := range msgs {
		// One spare byte detects oversized datagrams.
		msgs[i].Buffers = [][]byte{make([]byte, MaxFrameSize+1)}
	}

	for {
		n, err := pc.ReadBatch(msgs, 0)
		if err != nil {
			if u.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			u.l.WithError(err).Warn("bridge read failed")
			time.Sleep(time.Millisecond)
			continue
		}
		for i := 0; i < n; i++ {
			size := msgs[i].N
			if size > MaxFrameSize {
				u.dropped.Inc(1)
				u.l.WithField("size", size).Warn("dropping oversized frame")
				continue
			}
			frame := make([]byte, size)
			copy(frame, msgs[i].Buffers[0][:size])
			u.deliver(frame)
		}
	}
}

// Close shuts the socket and waits for the delivery goroutine.
func (u *UDP) Close() error {
	var err error
	u.closeOnce.Do(func() {
		u.closed.Store(true)
		err = u.conn.Close()
		u.wg.Wait()
	})
	return err
}
