package guestmem

import (
	"fmt"
	"io"
	"sync"
)

// RAM is a flat region of guest memory starting at guest physical
// address zero.
type RAM struct {
	mu     sync.RWMutex
	data   []byte
	mapped bool
}

var _ Memory = (*RAM)(nil)

// NewBuffer returns heap-backed RAM of the given size.
func NewBuffer(size int) *RAM {
	return &RAM{data: make([]byte, size)}
}

// NewRAM returns RAM backed by an anonymous mapping where the platform
// supports it.
func NewRAM(size int) (*RAM, error) {
	if size <= 0 {
		return nil, fmt.Errorf("guestmem: invalid ram size %d", size)
	}
	data, mapped, err := allocate(size)
	if err != nil {
		return nil, fmt.Errorf("guestmem: allocate %d bytes: %w", size, err)
	}
	return &RAM{data: data, mapped: mapped}, nil
}

// Size returns the size of the region in bytes.
func (r *RAM) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// ReadAt implements io.ReaderAt.
func (r *RAM) ReadAt(p []byte, off int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if off < 0 || off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (r *RAM) WriteAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(r.data)) {
		return 0, fmt.Errorf("guestmem: write 0x%x+%d outside ram (size 0x%x)", off, len(p), len(r.data))
	}
	return copy(r.data[off:], p), nil
}

// Close releases the backing memory. The RAM must not be used afterwards.
func (r *RAM) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, mapped := r.data, r.mapped
	r.data, r.mapped = nil, false
	if mapped {
		return release(data)
	}
	return nil
}
