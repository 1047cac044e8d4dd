package ce

import (
	"sync"

	"github.com/tinyrange/wlsim/internal/srng"
)

// Interrupt status codes.
const (
	sendStatusBase uint32 = 0x0100
	recvStatusBase uint32 = 0x0200
)

// SendStatus is the interrupt status raised when a pipe completes a send.
func SendStatus(pipe int) uint32 { return sendStatusBase | uint32(pipe) }

// RecvStatus is the interrupt status raised when a pipe fills a receive slot.
func RecvStatus(pipe int) uint32 { return recvStatusBase | uint32(pipe) }

type sendSlot struct {
	addr   uint64
	length uint32
}

type recvSlot struct {
	addr   uint64
	maxLen uint32
	armed  bool
}

// Pipe is one copy engine channel: a destination ring the guest posts
// buffers on and a status ring the device reports completions on.
type Pipe struct {
	num    int
	dst    *srng.Ring
	status *srng.Ring
	bufMax uint32
	mask   uint32

	mu sync.Mutex

	// writeIndex and swIndex are free running; slots are indexed by mask.
	writeIndex uint32
	swIndex    uint32
	sends      []sendSlot
	recvs      []recvSlot
}

// PipeState is a snapshot of a pipe's bookkeeping.
type PipeState struct {
	Num        int
	Capacity   int
	WriteIndex uint32
	SwIndex    uint32
	ArmedSlots int
}

func roundupPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// maxPipeEntries is the most slots a completion's 16-bit slot field can name.
const maxPipeEntries = 1 << 16

func newPipe(num int, dst, status *srng.Ring, entries int, bufMax uint32) *Pipe {
	capacity := roundupPow2(entries)
	return &Pipe{
		num:    num,
		dst:    dst,
		status: status,
		bufMax: bufMax,
		mask:   uint32(capacity - 1),
		sends:  make([]sendSlot, capacity),
		recvs:  make([]recvSlot, capacity),
	}
}

// Num returns the pipe number.
func (p *Pipe) Num() int { return p.num }

// StatusRing returns the ring completions are written to.
func (p *Pipe) StatusRing() *srng.Ring { return p.status }

// State returns a snapshot of the pipe.
func (p *Pipe) State() PipeState {
	p.mu.Lock()
	defer p.mu.Unlock()
	armed := 0
	for _, s := range p.recvs {
		if s.armed {
			armed++
		}
	}
	return PipeState{
		Num:        p.num,
		Capacity:   len(p.sends),
		WriteIndex: p.writeIndex,
		SwIndex:    p.swIndex,
		ArmedSlots: armed,
	}
}

// findRecvSlot returns the first armed slot that fits length bytes. p.mu
// must be held.
func (p *Pipe) findRecvSlot(length int) (uint32, bool) {
	for i, s := range p.recvs {
		if s.armed && int(s.maxLen) >= length {
			return uint32(i), true
		}
	}
	return 0, false
}

// ensureCapacity grows both tables to at least n slots. Queued sends keep
// their order and armed receive slots keep their index.
func (p *Pipe) ensureCapacity(n int) {
	n = min(n, maxPipeEntries)
	p.mu.Lock()
	defer p.mu.Unlock()
	if n <= len(p.sends) {
		return
	}
	capacity := roundupPow2(n)
	mask := uint32(capacity - 1)
	sends := make([]sendSlot, capacity)
	for i := p.swIndex; i != p.writeIndex; i++ {
		sends[i&mask] = p.sends[i&p.mask]
	}
	recvs := make([]recvSlot, capacity)
	copy(recvs, p.recvs)
	p.sends, p.recvs, p.mask = sends, recvs, mask
}

func (p *Pipe) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeIndex, p.swIndex = 0, 0
	clear(p.sends)
	clear(p.recvs)
}
