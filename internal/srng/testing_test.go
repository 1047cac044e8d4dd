package srng

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type ringLayout struct {
	base   uint64
	size   uint32
	entry  uint32
	shadow uint64
}

func setupRing(t *testing.T, reg *Registry, id uint8, layout ringLayout) *Ring {
	t.Helper()
	require.NoError(t, reg.Configure(id, GroupConfig, RegBaseLo, uint32(layout.base)))
	require.NoError(t, reg.Configure(id, GroupConfig, RegBaseHiSize, uint32(layout.base>>32)&0xff|layout.size<<8))
	require.NoError(t, reg.Configure(id, GroupConfig, RegEntrySize, layout.entry))
	if layout.shadow != 0 {
		require.NoError(t, reg.Configure(id, GroupConfig, RegShadowLo, uint32(layout.shadow)))
		require.NoError(t, reg.Configure(id, GroupConfig, RegShadowHi, uint32(layout.shadow>>32)))
	}
	r, err := reg.Ring(id)
	require.NoError(t, err)
	return r
}
