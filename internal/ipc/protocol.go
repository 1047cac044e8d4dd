// Package ipc implements the control socket of the device simulator. A
// client on the same host can issue MMIO accesses, read and write guest
// memory, and sample the interrupt line as if it were the guest.
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Message types, grouped by a category prefix byte.
const (
	// MMIO (0x01xx)
	MsgMMIORead  uint16 = 0x0100
	MsgMMIOWrite uint16 = 0x0101

	// Guest memory (0x02xx)
	MsgMemRead  uint16 = 0x0200
	MsgMemWrite uint16 = 0x0201

	// Interrupts (0x03xx)
	MsgIRQLevel uint16 = 0x0300

	// Device control (0x04xx)
	MsgReset uint16 = 0x0400

	// Responses (0xFFxx)
	MsgResponse uint16 = 0xFF00
	MsgError    uint16 = 0xFF01
)

// MaxPayload bounds a single request or response body.
const MaxPayload = 1 << 20

// Wire format:
// [2 bytes: msg_type (big endian)]
// [4 bytes: payload_len (big endian)]
// [payload_len bytes: payload]

// Header is a message header.
type Header struct {
	Type   uint16
	Length uint32
}

// HeaderSize is the size of the header in bytes.
const HeaderSize = 6

// ReadHeader reads a message header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	h := Header{
		Type:   binary.BigEndian.Uint16(buf[0:2]),
		Length: binary.BigEndian.Uint32(buf[2:6]),
	}
	if h.Length > MaxPayload {
		return h, fmt.Errorf("payload of %d bytes exceeds %d", h.Length, MaxPayload)
	}
	return h, nil
}

// WriteHeader writes a message header to w.
func WriteHeader(w io.Writer, h Header) error {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Type)
	binary.BigEndian.PutUint32(buf[2:6], h.Length)
	_, err := w.Write(buf[:])
	return err
}

// writeMessage writes a header and payload as one write.
func writeMessage(w io.Writer, msgType uint16, payload []byte) error {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], msgType)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// Encoder writes message payloads.
type Encoder struct {
	buf []byte
}

// NewEncoder creates a new encoder.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 64)}
}

// Bytes returns the encoded bytes.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) Uint8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) Uint32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) Uint64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

func (e *Encoder) Bool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

// String appends a length-prefixed string.
func (e *Encoder) String(s string) {
	e.Uint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteBytes appends a length-prefixed byte slice.
func (e *Encoder) WriteBytes(b []byte) {
	e.Uint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// Decoder reads message payloads.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder creates a new decoder for buf.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

func (d *Decoder) take(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *Decoder) Uint8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Decoder) Uint32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *Decoder) Uint64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (d *Decoder) Bool() (bool, error) {
	v, err := d.Uint8()
	return v != 0, err
}

// String reads a length-prefixed string.
func (d *Decoder) String() (string, error) {
	b, err := d.Bytes()
	return string(b), err
}

// Bytes reads a length-prefixed byte slice. The result is a copy.
func (d *Decoder) Bytes() ([]byte, error) {
	length, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	b, err := d.take(int(length))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// Error codes carried in the first byte of every response.
const (
	ErrCodeOK              = 0
	ErrCodeInvalidArgument = 2
	ErrCodeIO              = 7
	ErrCodeUnknown         = 99
)

// IPCError is an error reported by the server.
type IPCError struct {
	Code    uint8
	Message string
	Op      string
}

func (e *IPCError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// EncodeError encodes an error response.
func EncodeError(enc *Encoder, code uint8, message, op string) {
	enc.Uint8(code)
	enc.String(message)
	enc.String(op)
}

// DecodeError decodes an error response. It returns nil for ErrCodeOK.
func DecodeError(dec *Decoder) (*IPCError, error) {
	code, err := dec.Uint8()
	if err != nil {
		return nil, err
	}
	if code == ErrCodeOK {
		return nil, nil
	}
	message, err := dec.String()
	if err != nil {
		return nil, err
	}
	op, err := dec.String()
	if err != nil {
		return nil, err
	}
	return &IPCError{Code: code, Message: message, Op: op}, nil
}
