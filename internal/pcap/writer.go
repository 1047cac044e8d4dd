// Package pcap reads and writes classic libpcap capture streams.
package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"
)

// Link-layer identifiers. The values match the tcpdump/libpcap definitions.
const (
	LinkTypeEthernet  uint32 = 1
	LinkTypeIEEE80211 uint32 = 105
	// LinkTypeUser0 is reserved for private encapsulations.
	LinkTypeUser0     uint32 = 147
)

const (
	magicMicros   = 0xa1b2c3d4
	fileHeaderLen = 24
	recordHdrLen  = 16
)

var (
	// ErrBadMagic is returned by NewReader for streams that are not pcap.
	ErrBadMagic = errors.New("pcap: bad magic number")
	// ErrRecordTooLarge is returned for a record larger than the snap length.
	ErrRecordTooLarge = errors.New("pcap: record exceeds snap length")
)

// Record is one captured frame.
type Record struct {
	Timestamp time.Time
	// Length is the original frame length; Data may be shorter.
	Length int
	Data   []byte
}

// Writer emits a pcap stream. It is safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	snapLen uint32
}

// NewWriter writes the global header to out and returns a Writer for it.
// Frames longer than snapLen are truncated.
func NewWriter(out io.Writer, snapLen, linkType uint32) (*Writer, error) {
	if snapLen == 0 {
		return nil, fmt.Errorf("pcap: snap length must be positive")
	}
	var hdr [fileHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magicMicros)
	binary.LittleEndian.PutUint16(hdr[4:6], 2) // major version
	binary.LittleEndian.PutUint16(hdr[6:8], 4) // minor version
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], linkType)
	if _, err := out.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: write header: %w", err)
	}
	return &Writer{w: out, snapLen: snapLen}, nil
}

// WritePacket appends one frame captured at ts.
func (w *Writer) WritePacket(ts time.Time, data []byte) error {
	if len(data) > math.MaxUint32 {
		return fmt.Errorf("pcap: frame length %d overflows uint32", len(data))
	}
	captured := data
	if uint32(len(captured)) > w.snapLen {
		captured = captured[:w.snapLen]
	}

	var tsSec, tsUsec uint32
	if !ts.IsZero() {
		sec := ts.Unix()
		if sec < 0 || sec > math.MaxUint32 {
			return fmt.Errorf("pcap: timestamp seconds %d out of range", sec)
		}
		tsSec = uint32(sec)
		tsUsec = uint32(ts.Nanosecond() / 1_000)
	}

	var rec [recordHdrLen]byte
	binary.LittleEndian.PutUint32(rec[0:4], tsSec)
	binary.LittleEndian.PutUint32(rec[4:8], tsUsec)
	binary.LittleEndian.PutUint32(rec[8:12], uint32(len(captured)))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(len(data)))

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(rec[:]); err != nil {
		return fmt.Errorf("pcap: write record header: %w", err)
	}
	if len(captured) == 0 {
		return nil
	}
	if _, err := w.w.Write(captured); err != nil {
		return fmt.Errorf("pcap: write packet data: %w", err)
	}
	return nil
}

// Reader parses a pcap stream written in little-endian microsecond format.
type Reader struct {
	r        io.Reader
	snapLen  uint32
	linkType uint32
}

// NewReader consumes the global header from r.
func NewReader(r io.Reader) (*Reader, error) {
	var hdr [fileHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: read header: %w", err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != magicMicros {
		return nil, ErrBadMagic
	}
	return &Reader{
		r:        r,
		snapLen:  binary.LittleEndian.Uint32(hdr[16:20]),
		linkType: binary.LittleEndian.Uint32(hdr[20:24]),
	}, nil
}

// LinkType returns the link type from the global header.
func (r *Reader) LinkType() uint32 { return r.linkType }

// SnapLen returns the snap length from the global header.
func (r *Reader) SnapLen() uint32 { return r.snapLen }

// Next returns the next record, or io.EOF at a clean end of stream.
func (r *Reader) Next() (Record, error) {
	var rec [recordHdrLen]byte
	if _, err := io.ReadFull(r.r, rec[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, fmt.Errorf("pcap: truncated record header: %w", err)
		}
		return Record{}, err
	}
	capLen := binary.LittleEndian.Uint32(rec[8:12])
	if capLen > r.snapLen {
		return Record{}, fmt.Errorf("%w: %d > %d", ErrRecordTooLarge, capLen, r.snapLen)
	}
	data := make([]byte, capLen)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return Record{}, fmt.Errorf("pcap: truncated record: %w", err)
	}
	sec := binary.LittleEndian.Uint32(rec[0:4])
	usec := binary.LittleEndian.Uint32(rec[4:8])
	return Record{
		Timestamp: time.Unix(int64(sec), int64(usec)*1_000),
		Length:    int(binary.LittleEndian.Uint32(rec[12:16])),
		Data:      data,
	}, nil
}
