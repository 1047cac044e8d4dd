package irq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/wlsim/internal/chipset"
)

type recordingLine struct {
	mu     sync.Mutex
	levels []bool
}

func (l *recordingLine) SetLevel(high bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.levels = append(l.levels, high)
}

func (l *recordingLine) PulseInterrupt() {}

func (l *recordingLine) history() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.levels...)
}

func TestRaiseLower(t *testing.T) {
	line := &recordingLine{}
	c := New(line, nil)

	require.NoError(t, c.Raise(context.Background(), 0x101))
	assert.True(t, c.Asserted())
	assert.Equal(t, uint32(0x101), c.Status())

	c.Lower()
	assert.False(t, c.Asserted())
	assert.Zero(t, c.Status())
	assert.Equal(t, []bool{true, false}, line.history())

	// Unmatched lowers are harmless.
	c.Lower()
	assert.Equal(t, []bool{true, false}, line.history())
}

func TestSecondRaiseWaitsForLower(t *testing.T) {
	c := New(nil, nil)
	require.NoError(t, c.Raise(context.Background(), 1))

	done := make(chan error, 1)
	go func() { done <- c.Raise(context.Background(), 2) }()

	select {
	case <-done:
		t.Fatal("second raise completed while first was outstanding")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, uint32(1), c.Status())

	c.Lower()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second raise never completed")
	}
	assert.Equal(t, uint32(2), c.Status())
}

func TestRaiseHonoursContext(t *testing.T) {
	c := New(nil, nil)
	require.NoError(t, c.Raise(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Raise(ctx, 2), context.DeadlineExceeded)
	assert.Equal(t, uint32(1), c.Status())
}

func TestDisabledIsNoop(t *testing.T) {
	line := &recordingLine{}
	c := New(line, nil)
	c.SetEnabled(false)

	require.NoError(t, c.Raise(context.Background(), 1))
	require.NoError(t, c.Raise(context.Background(), 2), "never blocks while disabled")
	assert.False(t, c.Asserted())
	assert.Zero(t, c.Status())
	c.Lower()
	assert.Empty(t, line.history())
}

func TestDisableWhileAssertedLowers(t *testing.T) {
	line := &recordingLine{}
	c := New(line, nil)
	require.NoError(t, c.Raise(context.Background(), 7))

	c.SetEnabled(false)
	assert.False(t, c.Asserted())
	assert.Equal(t, []bool{true, false}, line.history())

	c.SetEnabled(true)
	require.NoError(t, c.Raise(context.Background(), 8))
	assert.Equal(t, uint32(8), c.Status())
}

func TestCloseWakesWaiters(t *testing.T) {
	c := New(nil, nil)
	require.NoError(t, c.Raise(context.Background(), 1))

	done := make(chan error, 1)
	go func() { done <- c.Raise(context.Background(), 2) }()
	time.Sleep(10 * time.Millisecond)

	c.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("raise not woken by close")
	}
	assert.False(t, c.Asserted())
	assert.ErrorIs(t, c.Raise(context.Background(), 3), ErrClosed)
}

func TestDrivesLineSet(t *testing.T) {
	ls := chipset.NewLineSet(nil)
	c := New(ls.AllocateLine(3), nil)

	require.NoError(t, c.Raise(context.Background(), 0x200))
	assert.True(t, ls.Level(3))
	c.Lower()
	assert.False(t, ls.Level(3))
}
