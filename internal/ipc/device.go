package ipc

import (
	"encoding/binary"
	"fmt"

	"github.com/rcrowley/go-metrics"

	"github.com/tinyrange/wlsim/internal/guestmem"
)

// Bus routes MMIO accesses to devices. *chipset.Chipset satisfies it.
type Bus interface {
	HandleMMIO(addr uint64, data []byte, isWrite bool) error
	Reset() error
}

// NewDeviceRouter serves MMIO, guest memory, interrupt line and reset
// requests.
// level samples the interrupt line.
func NewDeviceRouter(bus Bus, mem guestmem.Memory, level func() bool, reg metrics.Registry) *Router {
	r := NewRouter(reg)

	r.Handle(MsgMMIORead, "mmio read", func(dec *Decoder, resp *Encoder) error {
		addr, err := dec.Uint64()
		if err != nil {
			return badRequest(err)
		}
		size, err := dec.Uint32()
		if err != nil {
			return badRequest(err)
		}
		if size != 4 {
			return &IPCError{Code: ErrCodeInvalidArgument, Message: fmt.Sprintf("unsupported access size %d", size)}
		}
		var buf [4]byte
		if err := bus.HandleMMIO(addr, buf[:], false); err != nil {
			return err
		}
		resp.Uint32(binary.LittleEndian.Uint32(buf[:]))
		return nil
	})

	r.Handle(MsgMMIOWrite, "mmio write", func(dec *Decoder, _ *Encoder) error {
		addr, err := dec.Uint64()
		if err != nil {
			return badRequest(err)
		}
		value, err := dec.Uint32()
		if err != nil {
			return badRequest(err)
		}
		return bus.HandleMMIO(addr, binary.LittleEndian.AppendUint32(nil, value), true)
	})

	r.Handle(MsgMemRead, "memory read", func(dec *Decoder, resp *Encoder) error {
		addr, err := dec.Uint64()
		if err != nil {
			return badRequest(err)
		}
		length, err := dec.Uint32()
		if err != nil {
			return badRequest(err)
		}
		if length > MaxPayload-16 {
			return &IPCError{Code: ErrCodeInvalidArgument, Message: fmt.Sprintf("read of %d bytes too large", length)}
		}
		buf := make([]byte, length)
		if err := guestmem.Read(mem, addr, buf); err != nil {
			return err
		}
		resp.WriteBytes(buf)
		return nil
	})

	r.Handle(MsgMemWrite, "memory write", func(dec *Decoder, _ *Encoder) error {
		addr, err := dec.Uint64()
		if err != nil {
			return badRequest(err)
		}
		data, err := dec.Bytes()
		if err != nil {
			return badRequest(err)
		}
		return guestmem.Write(mem, addr, data)
	})

	r.Handle(MsgIRQLevel, "irq level", func(_ *Decoder, resp *Encoder) error {
		resp.Bool(level())
		return nil
	})

	r.Handle(MsgReset, "reset", func(*Decoder, *Encoder) error {
		return bus.Reset()
	})

	return r
}

func badRequest(err error) error {
	return &IPCError{Code: ErrCodeInvalidArgument, Message: fmt.Sprintf("malformed request: %v", err)}
}
