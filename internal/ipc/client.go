package ipc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Client is a connection to a control socket.
type Client struct {
	conn   net.Conn
	mu     sync.Mutex
	closed atomic.Bool
}

// ConnectTo dials the control socket at socketPath.
func ConnectTo(socketPath string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close shuts down the connection.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// Call sends a request and waits for its response. A server error is
// returned as *IPCError; on success the leading status byte has been
// consumed from the returned decoder.
func (c *Client) Call(msgType uint16, payload []byte) (*Decoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil, errors.New("client closed")
	}
	if err := writeMessage(c.conn, msgType, payload); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	respHeader, err := ReadHeader(c.conn)
	if err != nil {
		return nil, fmt.Errorf("read response header: %w", err)
	}
	respPayload := make([]byte, respHeader.Length)
	if _, err := io.ReadFull(c.conn, respPayload); err != nil {
		return nil, fmt.Errorf("read response payload: %w", err)
	}

	dec := NewDecoder(respPayload)
	ipcErr, err := DecodeError(dec)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if ipcErr != nil {
		return nil, ipcErr
	}
	if respHeader.Type != MsgResponse {
		return nil, fmt.Errorf("unexpected response type 0x%04x", respHeader.Type)
	}
	return dec, nil
}

// CallWithEncoder is a convenience method that uses an encoder for the request.
func (c *Client) CallWithEncoder(msgType uint16, encode func(*Encoder)) (*Decoder, error) {
	enc := NewEncoder()
	encode(enc)
	return c.Call(msgType, enc.Bytes())
}

// ReadMMIO performs a 32-bit register read.
func (c *Client) ReadMMIO(addr uint64) (uint32, error) {
	dec, err := c.CallWithEncoder(MsgMMIORead, func(e *Encoder) {
		e.Uint64(addr)
		e.Uint32(4)
	})
	if err != nil {
		return 0, err
	}
	return dec.Uint32()
}

// WriteMMIO performs a 32-bit register write.
func (c *Client) WriteMMIO(addr uint64, value uint32) error {
	_, err := c.CallWithEncoder(MsgMMIOWrite, func(e *Encoder) {
		e.Uint64(addr)
		e.Uint32(value)
	})
	return err
}

// ReadMemory reads length bytes of guest memory at addr.
func (c *Client) ReadMemory(addr uint64, length uint32) ([]byte, error) {
	dec, err := c.CallWithEncoder(MsgMemRead, func(e *Encoder) {
		e.Uint64(addr)
		e.Uint32(length)
	})
	if err != nil {
		return nil, err
	}
	return dec.Bytes()
}

// WriteMemory writes data to guest memory at addr.
func (c *Client) WriteMemory(addr uint64, data []byte) error {
	_, err := c.CallWithEncoder(MsgMemWrite, func(e *Encoder) {
		e.Uint64(addr)
		e.WriteBytes(data)
	})
	return err
}

// IRQLevel reports whether the device interrupt line is asserted.
func (c *Client) IRQLevel() (bool, error) {
	dec, err := c.Call(MsgIRQLevel, nil)
	if err != nil {
		return false, err
	}
	return dec.Bool()
}

// Reset returns every device on the bus to its power-on state.
func (c *Client) Reset() error {
	_, err := c.Call(MsgReset, nil)
	return err
}
