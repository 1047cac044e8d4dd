package ce

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/wlsim/internal/dmanode"
	"github.com/tinyrange/wlsim/internal/guestmem"
	"github.com/tinyrange/wlsim/internal/irq"
	"github.com/tinyrange/wlsim/internal/logging"
	"github.com/tinyrange/wlsim/internal/srng"
)

const (
	dstBase      = 0x1000
	statusBase   = 0x2000
	dstShadow    = 0x3000
	statusShadow = 0x3010
	bufBase      = 0x4000
)

type fakeIRQ struct {
	mu    sync.Mutex
	codes []uint32
}

func (f *fakeIRQ) Raise(_ context.Context, code uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes = append(f.codes, code)
	return nil
}

func (f *fakeIRQ) raised() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.codes...)
}

type fakeTx struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (f *fakeTx) Transmit(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return nil
}

// flakyMemory fails the next fail writes.
type flakyMemory struct {
	guestmem.Memory
	fail atomic.Int32
}

func (m *flakyMemory) WriteAt(p []byte, off int64) (int, error) {
	if m.fail.Add(-1) >= 0 {
		return 0, errors.New("bus error")
	}
	return m.Memory.WriteAt(p, off)
}

type fixture struct {
	mem *guestmem.RAM
	reg *srng.Registry
	irq *fakeIRQ
	tx  *fakeTx
	e   *Engine
}

func configure(t *testing.T, reg *srng.Registry, id uint8, base uint64, entries, entry uint32, shadow uint64) {
	t.Helper()
	require.NoError(t, reg.Configure(id, srng.GroupConfig, srng.RegBaseLo, uint32(base)))
	require.NoError(t, reg.Configure(id, srng.GroupConfig, srng.RegBaseHiSize, (entries*entry)<<8))
	require.NoError(t, reg.Configure(id, srng.GroupConfig, srng.RegEntrySize, entry))
	require.NoError(t, reg.Configure(id, srng.GroupConfig, srng.RegShadowLo, uint32(shadow)))
	require.NoError(t, reg.Configure(id, srng.GroupConfig, srng.RegShadowHi, 0))
}

func newFixture(t *testing.T, statusEntries uint32, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		mem: guestmem.NewBuffer(1 << 20),
		reg: srng.NewRegistry(),
		irq: &fakeIRQ{},
		tx:  &fakeTx{},
	}
	configure(t, f.reg, srng.RingCEDst0, dstBase, 16, DstDescSize, dstShadow)
	configure(t, f.reg, srng.RingCEDstStatus0, statusBase, statusEntries, CompletionSize, statusShadow)
	if cfg.Pipes == 0 {
		cfg = Config{Pipes: 1, Entries: 32, BufferSize: 2048, PendingLimit: 64}
	}
	e, err := New(f.reg, f.mem, cfg, f.irq, f.tx, logging.NewTestLogger(), nil)
	require.NoError(t, err)
	f.e = e
	return f
}

func (f *fixture) completion(t *testing.T, index int) Completion {
	t.Helper()
	buf := make([]byte, CompletionSize)
	require.NoError(t, guestmem.Read(f.mem, statusBase+uint64(index*CompletionSize), buf))
	c, err := ParseCompletion(buf)
	require.NoError(t, err)
	return c
}

func statusHead(t *testing.T, f *fixture) uint32 {
	t.Helper()
	v, err := guestmem.ReadUint32(f.mem, statusShadow)
	require.NoError(t, err)
	return v
}

func TestSendCompletes(t *testing.T) {
	f := newFixture(t, 16, Config{})
	payload := bytes.Repeat([]byte{0xab}, 100)
	require.NoError(t, guestmem.Write(f.mem, bufBase, payload))

	require.NoError(t, f.e.PostSend(0, bufBase, 100))
	require.NoError(t, f.e.Process(context.Background()))

	assert.Equal(t, []uint32{0x100}, f.irq.raised())
	require.Len(t, f.tx.payloads, 1)
	assert.Equal(t, payload, f.tx.payloads[0])
	assert.Equal(t, Completion{Slot: 0, Length: 100}, f.completion(t, 0))
	assert.Equal(t, uint32(CompletionSize), statusHead(t, f))

	p, _ := f.e.Pipe(0)
	st := p.State()
	assert.Equal(t, uint32(1), st.WriteIndex)
	assert.Equal(t, uint32(1), st.SwIndex)
}

func TestEveryCompletedSendRaisesOnce(t *testing.T) {
	f := newFixture(t, 16, Config{})
	for i := 0; i < 10; i++ {
		require.NoError(t, f.e.PostSend(0, bufBase+uint64(i*64), 64))
	}
	require.NoError(t, f.e.Process(context.Background()))
	assert.Len(t, f.irq.raised(), 10)
	assert.Len(t, f.tx.payloads, 10)

	p, _ := f.e.Pipe(0)
	st := p.State()
	assert.Equal(t, st.WriteIndex, st.SwIndex)
	for i := 0; i < 10; i++ {
		assert.Equal(t, uint32(i), f.completion(t, i).Slot)
	}
}

func TestSendTableLimits(t *testing.T) {
	f := newFixture(t, 16, Config{Pipes: 1, Entries: 20, BufferSize: 2048, PendingLimit: 4})
	p, _ := f.e.Pipe(0)
	assert.Equal(t, 32, p.State().Capacity, "capacity rounds up to a power of two")

	for i := 0; i < 32; i++ {
		require.NoError(t, f.e.PostSend(0, bufBase, 16))
	}
	assert.ErrorIs(t, f.e.PostSend(0, bufBase, 16), ErrNoFreeSlot)
	assert.ErrorIs(t, f.e.PostSend(0, bufBase, 2049), dmanode.ErrBudgetExceeded)
	assert.Error(t, f.e.PostSend(3, bufBase, 16), "no such pipe")
}

func TestFullStatusRingDefersCompletions(t *testing.T) {
	f := newFixture(t, 4, Config{})
	for i := 0; i < 5; i++ {
		require.NoError(t, f.e.PostSend(0, bufBase, 8))
	}
	require.NoError(t, f.e.Process(context.Background()))
	assert.Len(t, f.irq.raised(), 3, "a four entry ring holds three completions")

	// Guest consumes two completions.
	require.NoError(t, f.reg.Configure(srng.RingCEDstStatus0, srng.GroupPointer, srng.RegDriverPtr, 2))
	require.NoError(t, f.e.Process(context.Background()))
	assert.Len(t, f.irq.raised(), 5)

	p, _ := f.e.Pipe(0)
	st := p.State()
	assert.Equal(t, st.WriteIndex, st.SwIndex)
}

func TestReceiveWaitsForSlot(t *testing.T) {
	f := newFixture(t, 16, Config{})
	frame := bytes.Repeat([]byte{0x5a}, 50)

	require.NoError(t, f.e.Deliver(frame))
	require.NoError(t, f.e.Process(context.Background()))
	assert.Empty(t, f.irq.raised())
	assert.Equal(t, 1, f.e.PendingLen())

	require.NoError(t, f.e.PostReceiveSlot(0, bufBase, 64))
	select {
	case <-f.e.Kicks():
	default:
		t.Fatal("arming a slot did not kick the engine")
	}
	require.NoError(t, f.e.Process(context.Background()))

	assert.Equal(t, []uint32{0x200}, f.irq.raised())
	assert.Zero(t, f.e.PendingLen())
	got := make([]byte, 50)
	require.NoError(t, guestmem.Read(f.mem, bufBase, got))
	assert.Equal(t, frame, got)
	assert.Equal(t, Completion{Slot: 0, Receive: true, Length: 50}, f.completion(t, 0))

	p, _ := f.e.Pipe(0)
	assert.Zero(t, p.State().ArmedSlots, "slot consumed")
}

func TestReceiveRetriesAfterWriteFailure(t *testing.T) {
	f := newFixture(t, 16, Config{})
	mem := &flakyMemory{Memory: f.mem}
	e, err := New(f.reg, mem, Config{Pipes: 1, Entries: 4, BufferSize: 2048, PendingLimit: 4}, f.irq, f.tx, logging.NewTestLogger(), nil)
	require.NoError(t, err)

	require.NoError(t, e.PostReceiveSlot(0, bufBase, 64))
	frame := bytes.Repeat([]byte{0x77}, 40)
	require.NoError(t, e.Deliver(frame))

	mem.fail.Store(1)
	require.NoError(t, e.Process(context.Background()))
	assert.Empty(t, f.irq.raised())
	assert.Equal(t, 1, e.PendingLen(), "frame stays queued")
	p, _ := e.Pipe(0)
	assert.Equal(t, 1, p.State().ArmedSlots, "slot stays armed")

	require.NoError(t, e.Process(context.Background()))
	assert.Equal(t, []uint32{0x200}, f.irq.raised())
	assert.Zero(t, e.PendingLen())
	got := make([]byte, len(frame))
	require.NoError(t, guestmem.Read(f.mem, bufBase, got))
	assert.Equal(t, frame, got)
	assert.Equal(t, Completion{Slot: 0, Receive: true, Length: 40}, f.completion(t, 0))
}

func TestReceiveFirstFit(t *testing.T) {
	f := newFixture(t, 16, Config{})
	require.NoError(t, f.e.PostReceiveSlot(0, bufBase, 32))
	require.NoError(t, f.e.PostReceiveSlot(0, bufBase+0x1000, 128))
	require.NoError(t, f.e.PostReceiveSlot(0, bufBase+0x2000, 256))

	require.NoError(t, f.e.Deliver(make([]byte, 100)))
	require.NoError(t, f.e.Deliver(make([]byte, 20)))
	require.NoError(t, f.e.Process(context.Background()))

	assert.Equal(t, uint32(1), f.completion(t, 0).Slot)
	assert.Equal(t, uint32(0), f.completion(t, 1).Slot)
	p, _ := f.e.Pipe(0)
	assert.Equal(t, 1, p.State().ArmedSlots)
}

func TestReceiveKeepsFIFOOrder(t *testing.T) {
	f := newFixture(t, 16, Config{})
	require.NoError(t, f.e.PostReceiveSlot(0, bufBase, 64))

	require.NoError(t, f.e.Deliver(make([]byte, 200)))
	require.NoError(t, f.e.Deliver(make([]byte, 10)))
	require.NoError(t, f.e.Process(context.Background()))
	assert.Empty(t, f.irq.raised(), "large head frame blocks the queue")
	assert.Equal(t, 2, f.e.PendingLen())

	require.NoError(t, f.e.PostReceiveSlot(0, bufBase+0x1000, 0))
	require.NoError(t, f.e.Process(context.Background()))
	assert.Len(t, f.irq.raised(), 2)
	assert.Equal(t, uint32(200), f.completion(t, 0).Length)
	assert.Equal(t, uint32(10), f.completion(t, 1).Length)
}

func TestPendingQueueDropsOldest(t *testing.T) {
	f := newFixture(t, 16, Config{Pipes: 1, Entries: 4, BufferSize: 2048, PendingLimit: 2})
	require.NoError(t, f.e.Deliver([]byte{1}))
	require.NoError(t, f.e.Deliver([]byte{2}))
	assert.ErrorIs(t, f.e.Deliver([]byte{3}), ErrNoFreeSlot)
	assert.Equal(t, 2, f.e.PendingLen())

	require.NoError(t, f.e.PostReceiveSlot(0, bufBase, 0))
	require.NoError(t, f.e.Process(context.Background()))
	got := make([]byte, 1)
	require.NoError(t, guestmem.Read(f.mem, bufBase, got))
	assert.Equal(t, []byte{2}, got, "frame 1 was dropped")
}

func TestReceiveTableFull(t *testing.T) {
	f := newFixture(t, 16, Config{Pipes: 1, Entries: 2, BufferSize: 2048, PendingLimit: 2})
	require.NoError(t, f.e.PostReceiveSlot(0, bufBase, 0))
	require.NoError(t, f.e.PostReceiveSlot(0, bufBase, 0))
	assert.ErrorIs(t, f.e.PostReceiveSlot(0, bufBase, 0), ErrNoFreeSlot)
}

func TestDrainedDescriptorsReachPipe(t *testing.T) {
	f := newFixture(t, 16, Config{})
	f.reg.Bind(srng.KindCEDst, f.e)
	d := srng.NewDrainer(f.reg, f.mem, 1, logging.NewTestLogger(), nil)

	payload := []byte("management frame")
	require.NoError(t, guestmem.Write(f.mem, bufBase, payload))
	descs := []DstDesc{
		{Addr: bufBase, Length: uint32(len(payload)), Send: true},
		{Addr: bufBase + 0x1000, Length: 512},
	}
	for i, desc := range descs {
		require.NoError(t, guestmem.Write(f.mem, dstBase+uint64(i*DstDescSize), desc.Encode()))
	}
	require.NoError(t, f.reg.Configure(srng.RingCEDst0, srng.GroupPointer, srng.RegDriverPtr, 2))
	r, _ := f.reg.Ring(srng.RingCEDst0)
	d.Drain(context.Background(), r)

	p, _ := f.e.Pipe(0)
	st := p.State()
	assert.Equal(t, uint32(1), st.WriteIndex)
	assert.Equal(t, 1, st.ArmedSlots)

	require.NoError(t, f.e.Process(context.Background()))
	require.Len(t, f.tx.payloads, 1)
	assert.Equal(t, payload, f.tx.payloads[0])

	dstTail, err := guestmem.ReadUint32(f.mem, dstShadow)
	require.NoError(t, err)
	assert.Equal(t, uint32(2*DstDescSize), dstTail)
}

func TestTablesGrowToDestinationRing(t *testing.T) {
	f := newFixture(t, 32, Config{Pipes: 1, Entries: 4, BufferSize: 2048, PendingLimit: 4})
	f.reg.Bind(srng.KindCEDst, f.e)
	d := srng.NewDrainer(f.reg, f.mem, 1, logging.NewTestLogger(), nil)

	require.NoError(t, f.e.PostSend(0, bufBase, 1))
	require.NoError(t, f.e.PostSend(0, bufBase, 2))
	require.NoError(t, f.e.PostReceiveSlot(0, bufBase+0x1000, 512))

	// More sends than the configured table holds, all within the ring.
	want := []int{1, 2}
	for i := 0; i < 10; i++ {
		desc := DstDesc{Addr: bufBase, Length: uint32(10 + i), Send: true}
		require.NoError(t, guestmem.Write(f.mem, dstBase+uint64(i*DstDescSize), desc.Encode()))
		want = append(want, 10+i)
	}
	require.NoError(t, f.reg.Configure(srng.RingCEDst0, srng.GroupPointer, srng.RegDriverPtr, 10))
	r, _ := f.reg.Ring(srng.RingCEDst0)
	d.Drain(context.Background(), r)

	p, _ := f.e.Pipe(0)
	st := p.State()
	assert.Equal(t, 16, st.Capacity)
	assert.Equal(t, uint32(12), st.WriteIndex)
	assert.Equal(t, 1, st.ArmedSlots, "armed slot survives the resize")

	require.NoError(t, f.e.Process(context.Background()))
	var lengths []int
	for _, payload := range f.tx.payloads {
		lengths = append(lengths, len(payload))
	}
	assert.Equal(t, want, lengths, "no sends lost and order kept")
	assert.Equal(t, uint32(2), f.completion(t, 2).Slot)
}

func TestProcessWaitsForInterruptAck(t *testing.T) {
	f := newFixture(t, 16, Config{})
	ctl := irq.New(nil, nil)
	e, err := New(f.reg, f.mem, Config{Pipes: 1, Entries: 4, BufferSize: 2048, PendingLimit: 4}, ctl, f.tx, logging.NewTestLogger(), nil)
	require.NoError(t, err)

	require.NoError(t, e.PostSend(0, bufBase, 8))
	require.NoError(t, e.PostSend(0, bufBase, 8))

	done := make(chan error, 1)
	go func() { done <- e.Process(context.Background()) }()

	require.Eventually(t, ctl.Asserted, time.Second, time.Millisecond)
	assert.Equal(t, SendStatus(0), ctl.Status())
	select {
	case <-done:
		t.Fatal("process finished without the second interrupt being acknowledged")
	case <-time.After(20 * time.Millisecond):
	}

	ctl.Lower()
	require.Eventually(t, func() bool {
		p, _ := e.Pipe(0)
		return p.State().SwIndex == 2
	}, time.Second, time.Millisecond)
	require.NoError(t, <-done)
	assert.True(t, ctl.Asserted())
	ctl.Lower()
}

func TestProcessStopsWithContext(t *testing.T) {
	f := newFixture(t, 16, Config{})
	ctl := irq.New(nil, nil)
	e, err := New(f.reg, f.mem, Config{Pipes: 1, Entries: 4, BufferSize: 2048, PendingLimit: 4}, ctl, f.tx, logging.NewTestLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, ctl.Raise(context.Background(), 0xdead))
	require.NoError(t, e.PostSend(0, bufBase, 8))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Process(ctx), context.DeadlineExceeded)
}

func TestNewValidatesConfig(t *testing.T) {
	reg := srng.NewRegistry()
	mem := guestmem.NewBuffer(16)
	l := logging.NewTestLogger()
	_, err := New(reg, mem, Config{Pipes: 13, Entries: 1, BufferSize: 1, PendingLimit: 1}, &fakeIRQ{}, &fakeTx{}, l, nil)
	assert.Error(t, err)
	_, err = New(reg, mem, Config{Pipes: 1}, &fakeIRQ{}, &fakeTx{}, l, nil)
	assert.Error(t, err)
}

func TestReset(t *testing.T) {
	f := newFixture(t, 16, Config{})
	require.NoError(t, f.e.PostSend(0, bufBase, 8))
	require.NoError(t, f.e.PostReceiveSlot(0, bufBase, 8))
	require.NoError(t, f.e.Deliver([]byte{1}))
	f.e.Reset()

	p, _ := f.e.Pipe(0)
	assert.Equal(t, PipeState{Num: 0, Capacity: 32}, p.State())
	assert.Zero(t, f.e.PendingLen())
}
