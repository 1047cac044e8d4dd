package dmanode

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(n int) []byte { return make([]byte, n) }

func TestAddRemove(t *testing.T) {
	l := New(1000)

	a, err := l.Add(payload(100), 0)
	require.NoError(t, err)
	b, err := l.Add(payload(200), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, 300, l.Total())

	na, ok := l.Get(a)
	require.True(t, ok)
	nb, ok := l.Get(b)
	require.True(t, ok)
	assert.Less(t, na.ID, nb.ID, "ids are monotonic")

	assert.True(t, l.Remove(a))
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 200, l.Total())

	// Stale and zero handles are inert.
	assert.False(t, l.Remove(a))
	assert.False(t, l.Remove(Handle{}))
	assert.Equal(t, 1, l.Len())
}

func TestStaleHandleAfterReuse(t *testing.T) {
	l := New(1000)
	a, err := l.Add(payload(10), 0)
	require.NoError(t, err)
	require.True(t, l.Remove(a))

	b, err := l.Add(payload(20), 0)
	require.NoError(t, err)
	assert.Equal(t, a.index, b.index, "slot is reused")

	assert.False(t, l.Remove(a))
	n, ok := l.Get(b)
	require.True(t, ok)
	assert.Equal(t, 20, n.Length)
}

func TestBudgetExceeded(t *testing.T) {
	l := New(100)
	_, err := l.Add(payload(101), 0)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Equal(t, 0, l.Len())

	_, err = l.Add(payload(100), 0)
	assert.NoError(t, err)
}

func TestEnforceBudgetSkipsInUse(t *testing.T) {
	l := New(1_000_000)

	inUse, err := l.Add(payload(400_000), FlagInUse)
	require.NoError(t, err)
	free, err := l.Add(payload(500_000), 0)
	require.NoError(t, err)
	_, err = l.Add(payload(200_000), 0)
	require.NoError(t, err)
	require.Equal(t, 1_100_000, l.Total())

	assert.Equal(t, 1, l.EnforceBudget())
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, 600_000, l.Total())

	_, ok := l.Get(inUse)
	assert.True(t, ok, "in-use node survives")
	_, ok = l.Get(free)
	assert.False(t, ok, "oldest reclaimable node removed")

	assert.Equal(t, 0, l.EnforceBudget(), "already within budget")
}

func TestEnforceBudgetExhausted(t *testing.T) {
	l := New(100)
	_, err := l.Add(payload(80), FlagInUse)
	require.NoError(t, err)
	_, err = l.Add(payload(80), FlagInUse)
	require.NoError(t, err)

	assert.Equal(t, 0, l.EnforceBudget())
	assert.Equal(t, 160, l.Total())
}

func TestClaimRelease(t *testing.T) {
	l := New(1000)
	a, _ := l.Add([]byte("first"), 0)
	b, _ := l.Add([]byte("second"), 0)

	h, data, ok := l.Claim()
	require.True(t, ok)
	assert.Equal(t, a, h)
	assert.Equal(t, []byte("first"), data)

	h, data, ok = l.Claim()
	require.True(t, ok)
	assert.Equal(t, b, h)
	assert.Equal(t, []byte("second"), data)

	_, _, ok = l.Claim()
	assert.False(t, ok)

	l.Release(a)
	n, _ := l.Get(a)
	assert.Zero(t, n.Flags&FlagInUse)

	h, _, ok = l.Claim()
	require.True(t, ok)
	assert.Equal(t, a, h)
}

func TestClearAll(t *testing.T) {
	l := New(1000)
	hs := make([]Handle, 0, 5)
	for i := 0; i < 5; i++ {
		h, err := l.Add(payload(10), 0)
		require.NoError(t, err)
		hs = append(hs, h)
	}
	l.ClearAll()
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, 0, l.Total())
	for _, h := range hs {
		assert.False(t, l.Remove(h))
	}
	_, _, ok := l.Claim()
	assert.False(t, ok)
}

// The byte total always equals the sum of live node lengths.
func TestTotalMatchesLiveNodes(t *testing.T) {
	l := New(1 << 20)
	rng := rand.New(rand.NewSource(1))
	live := map[Handle]int{}

	for i := 0; i < 2000; i++ {
		switch rng.Intn(4) {
		case 0, 1:
			n := rng.Intn(4096)
			h, err := l.Add(payload(n), 0)
			require.NoError(t, err)
			live[h] = n
		case 2:
			for h := range live {
				require.True(t, l.Remove(h))
				delete(live, h)
				break
			}
		case 3:
			l.SetBudget(rng.Intn(1 << 16))
			l.EnforceBudget()
			for h := range live {
				if _, ok := l.Get(h); !ok {
					delete(live, h)
				}
			}
			l.SetBudget(1 << 20)
		}

		sum := 0
		for _, n := range live {
			sum += n
		}
		require.Equal(t, sum, l.Total())
		require.Equal(t, len(live), l.Len())
	}
}

func TestConcurrentAddRemove(t *testing.T) {
	l := New(1 << 30)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				h, err := l.Add(payload(16), 0)
				if err != nil {
					t.Error(err)
					return
				}
				l.Remove(h)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, 0, l.Total())
}
