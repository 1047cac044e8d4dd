// Package guestmem provides access to guest physical memory for device
// models. Devices only ever see the Memory interface; the platform shell
// decides what backs it.
package guestmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrIO reports a failed or short guest memory transfer.
var ErrIO = errors.New("guestmem: i/o error")

// Memory is guest physical memory addressed by guest physical address.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

func guestOffset(addr uint64, length int) (int64, error) {
	if addr > math.MaxInt64 {
		return 0, fmt.Errorf("%w: address 0x%x out of range", ErrIO, addr)
	}
	if length > 0 && addr+uint64(length)-1 < addr {
		return 0, fmt.Errorf("%w: range 0x%x+%d wraps", ErrIO, addr, length)
	}
	return int64(addr), nil
}

// Read fills buf from guest memory at addr.
func Read(mem Memory, addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(buf))
	if err != nil {
		return err
	}
	n, err := mem.ReadAt(buf, off)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
		return fmt.Errorf("%w: read 0x%x+%d: %v", ErrIO, addr, len(buf), err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: short read at 0x%x (want %d, got %d)", ErrIO, addr, len(buf), n)
	}
	return nil
}

// Write copies data into guest memory at addr.
func Write(mem Memory, addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(data))
	if err != nil {
		return err
	}
	n, err := mem.WriteAt(data, off)
	if err != nil {
		return fmt.Errorf("%w: write 0x%x+%d: %v", ErrIO, addr, len(data), err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: short write at 0x%x (want %d, got %d)", ErrIO, addr, len(data), n)
	}
	return nil
}

// ReadUint32 reads a little-endian 32-bit value.
func ReadUint32(mem Memory, addr uint64) (uint32, error) {
	var buf [4]byte
	if err := Read(mem, addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteUint32 writes a little-endian 32-bit value.
func WriteUint32(mem Memory, addr uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return Write(mem, addr, buf[:])
}
