package ipc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// Handler handles a request and returns a response payload.
type Handler func(msgType uint16, payload []byte) ([]byte, error)

// Server accepts control connections on a Unix socket.
type Server struct {
	listener   net.Listener
	socketPath string
	handler    Handler
	l          logrus.FieldLogger
	closed     atomic.Bool
	wg         sync.WaitGroup
	conns      map[net.Conn]struct{}
	connsMu    sync.Mutex
}

// NewServer listens on socketPath, replacing any stale socket file.
func NewServer(socketPath string, handler Handler, l logrus.FieldLogger) (*Server, error) {
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket %s: %w", socketPath, err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", socketPath, err)
	}

	return &Server{
		listener:   listener,
		socketPath: socketPath,
		handler:    handler,
		l:          l.WithField("socket", socketPath),
		conns:      make(map[net.Conn]struct{}),
	}, nil
}

// SocketPath returns the path to the Unix socket.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Serve accepts connections and handles requests until Close is called.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.connsMu.Lock()
		s.conns[conn] = struct{}{}
		s.connsMu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
	}()
	s.l.Debug("control client connected")

	for {
		header, err := ReadHeader(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || s.closed.Load() {
				return
			}
			s.sendError(conn, ErrCodeIO, fmt.Sprintf("read header: %v", err), "")
			return
		}

		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			s.sendError(conn, ErrCodeIO, fmt.Sprintf("read payload: %v", err), "")
			return
		}

		resp, err := s.handler(header.Type, payload)
		if err != nil {
			s.l.WithError(err).WithField("type", fmt.Sprintf("0x%04x", header.Type)).Debug("request failed")
			s.sendErrorFromGoError(conn, err)
			continue
		}
		if err := writeMessage(conn, MsgResponse, resp); err != nil {
			return
		}
	}
}

func (s *Server) sendError(conn net.Conn, code uint8, message, op string) {
	enc := NewEncoder()
	EncodeError(enc, code, message, op)
	writeMessage(conn, MsgError, enc.Bytes())
}

func (s *Server) sendErrorFromGoError(conn net.Conn, err error) {
	var ipcErr *IPCError
	if errors.As(err, &ipcErr) {
		s.sendError(conn, ipcErr.Code, ipcErr.Message, ipcErr.Op)
		return
	}
	s.sendError(conn, ErrCodeUnknown, err.Error(), "")
}

// Close stops accepting, closes live connections and removes the socket.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.listener.Close()

	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()
	os.Remove(s.socketPath)
	return nil
}

// RouteHandler serves one message type. The status byte has already been
// written to resp when it is called.
type RouteHandler func(dec *Decoder, resp *Encoder) error

type route struct {
	op      string
	handler RouteHandler
}

// Router dispatches requests by message type and reports failures tagged
// with the operation name.
type Router struct {
	routes   map[uint16]route
	requests metrics.Counter
	failures metrics.Counter
}

// NewRouter returns an empty router counting requests in reg.
func NewRouter(reg metrics.Registry) *Router {
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Router{
		routes:   make(map[uint16]route),
		requests: metrics.GetOrRegisterCounter("ipc.requests", reg),
		failures: metrics.GetOrRegisterCounter("ipc.failures", reg),
	}
}

// Handle registers h for msgType. Routes must be registered before the
// router is served.
func (r *Router) Handle(msgType uint16, op string, h RouteHandler) {
	r.routes[msgType] = route{op: op, handler: h}
}

// Handler returns a Handler for use with Server.
func (r *Router) Handler() Handler {
	return func(msgType uint16, payload []byte) ([]byte, error) {
		r.requests.Inc(1)
		rt, ok := r.routes[msgType]
		if !ok {
			r.failures.Inc(1)
			return nil, &IPCError{
				Code:    ErrCodeInvalidArgument,
				Message: fmt.Sprintf("unknown message type: 0x%04x", msgType),
			}
		}

		dec := NewDecoder(payload)
		resp := NewEncoder()
		resp.Uint8(ErrCodeOK)
		err := rt.handler(dec, resp)
		if err == nil && dec.Remaining() != 0 {
			err = &IPCError{Code: ErrCodeInvalidArgument, Message: fmt.Sprintf("%d trailing bytes", dec.Remaining())}
		}
		if err != nil {
			r.failures.Inc(1)
			var ipcErr *IPCError
			if !errors.As(err, &ipcErr) {
				ipcErr = &IPCError{Code: ErrCodeIO, Message: err.Error()}
			}
			if ipcErr.Op == "" {
				ipcErr.Op = rt.op
			}
			return nil, ipcErr
		}
		return resp.Bytes(), nil
	}
}
