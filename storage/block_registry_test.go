package storage

import (
	"testing"

	"github.com/colorfulnotion/dynarec/jit"
	"github.com/colorfulnotion/dynarec/jiterrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finalize(t *testing.T, c *jit.BlockCache, address uint32, size uint32) *jit.JitBlock {
	t.Helper()
	b := c.AllocateBlock(address, 0)
	require.NotNil(t, b)
	b.PhysicalAddress = address
	b.OriginalSize = size
	b.CodeSize = size
	b.Cycles = size
	b.Fingerprint = jit.Fingerprint(make([]uint32, size))
	c.FinalizeBlock(b, func() jit.Exit { return jit.ExitNoCheck })
	return b
}

func TestBlockRegistryRegisterAndList(t *testing.T) {
	reg, err := NewBlockRegistry("")
	require.NoError(t, err)
	defer reg.Close()

	cache, err := jit.NewBlockCache(8, 16, 0x30)
	require.NoError(t, err)
	cache.SetOnFinalize(func(b *jit.JitBlock) {
		require.NoError(t, reg.Register(b))
	})

	finalize(t, cache, 0x200, 3)
	finalize(t, cache, 0x100, 2)

	recs, err := reg.List()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint32(0x100), recs[0].EffectiveAddress, "records are ordered by tag")
	assert.Equal(t, uint32(2), recs[0].Instructions)
	assert.Equal(t, uint64(1), recs[0].Compiles)
	assert.Len(t, recs[1].Fingerprint, 64)
}

func TestBlockRegistryAccumulatesAcrossClears(t *testing.T) {
	reg, err := NewBlockRegistry("")
	require.NoError(t, err)
	defer reg.Close()

	cache, err := jit.NewBlockCache(8, 16, 0x30)
	require.NoError(t, err)
	cache.SetOnFinalize(func(b *jit.JitBlock) {
		require.NoError(t, reg.Register(b))
	})

	b := finalize(t, cache, 0x100, 1)
	b.RunCount = 5
	require.NoError(t, reg.RecordRuns(cache))
	assert.Zero(t, b.RunCount)
	cache.Clear()

	b = finalize(t, cache, 0x100, 1)
	b.RunCount = 2
	require.NoError(t, reg.RecordRuns(cache))

	recs, err := reg.List()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(7), recs[0].RunCount)
	assert.Equal(t, uint64(2), recs[0].Compiles)
}

func TestBlockRegistryPersists(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewBlockRegistry(dir)
	require.NoError(t, err)
	cache, err := jit.NewBlockCache(8, 16, 0x30)
	require.NoError(t, err)
	require.NoError(t, reg.Register(finalize(t, cache, 0x80000100, 4)))
	require.NoError(t, reg.Close())
	require.NoError(t, reg.Close())

	_, err = reg.List()
	assert.ErrorIs(t, err, jiterrors.ErrRRegistryClosed)

	reg, err = NewBlockRegistry(dir)
	require.NoError(t, err)
	defer reg.Close()
	recs, err := reg.List()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint32(0x80000100), recs[0].EffectiveAddress)
}

func TestBlockRegistryReadOnly(t *testing.T) {
	dir := t.TempDir()
	_, err := OpenBlockRegistryReadOnly(dir + "/missing")
	require.Error(t, err)

	reg, err := NewBlockRegistry(dir)
	require.NoError(t, err)
	cache, err := jit.NewBlockCache(8, 16, 0x30)
	require.NoError(t, err)
	b := finalize(t, cache, 0x100, 2)
	require.NoError(t, reg.Register(b))
	require.NoError(t, reg.Close())

	ro, err := OpenBlockRegistryReadOnly(dir)
	require.NoError(t, err)
	defer ro.Close()
	recs, err := ro.List()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(1), recs[0].Compiles)

	assert.Error(t, ro.Register(b))
}
