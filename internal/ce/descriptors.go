package ce

import (
	"encoding/binary"
	"fmt"
)

// Descriptor sizes in bytes.
const (
	DstDescSize    = 12
	CompletionSize = 8
	TxDescSize     = 20
)

const (
	dstFlagSend        = 1 << 0
	completionRecvFlag = 1 << 8
)

func splitAddr(addr uint64) (lo, hi uint32) {
	return uint32(addr), uint32(addr>>32) & 0xff
}

func joinAddr(lo, info uint32) uint64 {
	return uint64(info&0xff)<<32 | uint64(lo)
}

// DstDesc is an entry of a copy engine destination ring: a guest buffer
// posted either for transmission or as a receive slot.
type DstDesc struct {
	Addr   uint64
	Length uint32
	Send   bool
}

// ParseDstDesc decodes a destination ring entry.
func ParseDstDesc(b []byte) (DstDesc, error) {
	if len(b) < DstDescSize {
		return DstDesc{}, fmt.Errorf("ce: destination descriptor of %d bytes, want %d", len(b), DstDescSize)
	}
	lo := binary.LittleEndian.Uint32(b[0:4])
	info := binary.LittleEndian.Uint32(b[4:8])
	flags := binary.LittleEndian.Uint32(b[8:12])
	return DstDesc{
		Addr:   joinAddr(lo, info),
		Length: info >> 16,
		Send:   flags&dstFlagSend != 0,
	}, nil
}

// Encode returns the wire form of d.
func (d DstDesc) Encode() []byte {
	b := make([]byte, DstDescSize)
	lo, hi := splitAddr(d.Addr)
	binary.LittleEndian.PutUint32(b[0:4], lo)
	binary.LittleEndian.PutUint32(b[4:8], hi|(d.Length&0xffff)<<16)
	if d.Send {
		binary.LittleEndian.PutUint32(b[8:12], dstFlagSend)
	}
	return b
}

// Completion is an entry the device writes into a status ring.
type Completion struct {
	Addr    uint64
	Slot    uint32
	Receive bool
	Length  uint32
}

// ParseCompletion decodes a status ring entry.
func ParseCompletion(b []byte) (Completion, error) {
	if len(b) < CompletionSize {
		return Completion{}, fmt.Errorf("ce: completion of %d bytes, want %d", len(b), CompletionSize)
	}
	info := binary.LittleEndian.Uint32(b[0:4])
	return Completion{
		Addr:    uint64(info&0xff) << 32,
		Slot:    info >> 16,
		Receive: info&completionRecvFlag != 0,
		Length:  binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// Encode returns the wire form of c. Only the high address bits are
// carried; the guest matches on the slot index.
func (c Completion) Encode() []byte {
	b := make([]byte, CompletionSize)
	_, hi := splitAddr(c.Addr)
	info := hi | (c.Slot&0xffff)<<16
	if c.Receive {
		info |= completionRecvFlag
	}
	binary.LittleEndian.PutUint32(b[0:4], info)
	binary.LittleEndian.PutUint32(b[4:8], c.Length)
	return b
}

// TxDesc is a transmit descriptor from a source ring.
type TxDesc struct {
	Addr       uint64
	Length     uint32
	Meta       uint32
	WriteIndex uint32
	Flags      uint32
}

// ParseTxDesc decodes a transmit descriptor. Only the buffer address words
// are mandatory; rings with shorter entries leave the rest zero.
func ParseTxDesc(b []byte) (TxDesc, error) {
	if len(b) < 8 {
		return TxDesc{}, fmt.Errorf("ce: transmit descriptor of %d bytes, want at least 8", len(b))
	}
	lo := binary.LittleEndian.Uint32(b[0:4])
	info := binary.LittleEndian.Uint32(b[4:8])
	d := TxDesc{Addr: joinAddr(lo, info), Length: info >> 16}
	words := []*uint32{&d.Meta, &d.WriteIndex, &d.Flags}
	for i, w := range words {
		off := 8 + 4*i
		if len(b) < off+4 {
			break
		}
		*w = binary.LittleEndian.Uint32(b[off : off+4])
	}
	return d, nil
}

// Encode returns the wire form of d.
func (d TxDesc) Encode() []byte {
	b := make([]byte, TxDescSize)
	lo, hi := splitAddr(d.Addr)
	binary.LittleEndian.PutUint32(b[0:4], lo)
	binary.LittleEndian.PutUint32(b[4:8], hi|(d.Length&0xffff)<<16)
	binary.LittleEndian.PutUint32(b[8:12], d.Meta)
	binary.LittleEndian.PutUint32(b[12:16], d.WriteIndex)
	binary.LittleEndian.PutUint32(b[16:20], d.Flags)
	return b
}
