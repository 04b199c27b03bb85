package memory

import (
	"testing"

	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/jiterrors"
	"github.com/colorfulnotion/dynarec/powerpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViewsAliasRAM(t *testing.T) {
	m := New(0x10000)
	require.True(t, m.FastWrite32(m.PhysicalBase(), 0x1000, 0xCAFEBABE))

	v, ok := m.FastRead32(m.LogicalBase(), CachedStart+0x1000)
	require.True(t, ok)
	assert.Equal(t, uint32(0xCAFEBABE), v)

	v, ok = m.FastRead32(m.LogicalBase(), UncachedStart+0x1000)
	require.True(t, ok)
	assert.Equal(t, uint32(0xCAFEBABE), v)

	_, ok = m.FastRead32(m.LogicalBase(), 0x1000)
	assert.False(t, ok, "low effective addresses are unmapped in the logical view")

	b, ok := m.FastRead8(m.PhysicalBase(), 0x1003)
	require.True(t, ok)
	assert.Equal(t, uint8(0xBE), b)
}

func TestBaseFor(t *testing.T) {
	m := New(0)
	assert.Equal(t, uint32(DefaultRAMSize), m.RAMSize())
	assert.Equal(t, m.PhysicalBase(), m.BaseFor(0))
	assert.Equal(t, m.LogicalBase(), m.BaseFor(powerpc.MSR_DR))
	assert.Equal(t, m.PhysicalBase(), m.BaseFor(powerpc.MSR_IR), "only DR selects the data view")
}

func TestCheckedAccessRaisesDSI(t *testing.T) {
	m := New(0x10000)
	st := powerpc.NewState()
	st.MSR = powerpc.MSR_DR

	_, ok := m.Read32(st, 0x00002000)
	assert.False(t, ok)
	assert.NotZero(t, st.Exceptions&powerpc.ExceptionDSI)
	assert.Equal(t, uint32(0x00002000), st.DAR)

	st.Exceptions = 0
	require.True(t, m.Write16(st, CachedStart+0x10, 0xBEEF))
	h, ok := m.Read16(st, CachedStart+0x10)
	require.True(t, ok)
	assert.Equal(t, uint16(0xBEEF), h)
	assert.Zero(t, st.Exceptions)
}

func TestCheckedAccessConsultsWatchpoints(t *testing.T) {
	ctl := cpu.NewControl(cpu.Running)
	checks := powerpc.NewMemChecks(ctl)
	m := New(0x10000)
	m.SetWatchpoints(checks)
	checks.Add(powerpc.MemCheck{Start: 0x100, End: 0x103, OnWrite: true, Break: true})

	st := powerpc.NewState()
	require.True(t, m.Write32(st, 0x100, 7))
	assert.Equal(t, cpu.Stepping, ctl.State())
	assert.Equal(t, 1, checks.List()[0].HitCount)
}

func TestPhysicalCopyBounds(t *testing.T) {
	m := New(0x1000)
	require.NoError(t, m.WritePhysical(0xFFC, []byte{1, 2, 3, 4}))
	err := m.WritePhysical(0xFFE, []byte{1, 2, 3, 4})
	require.ErrorIs(t, err, jiterrors.ErrIImageOutOfRange)

	w, ok := m.ReadPhysicalWord(0xFFC)
	require.True(t, ok)
	assert.Equal(t, uint32(0x01020304), w)

	data, err := m.ReadPhysical(0xFFC, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)

	ins, ok := m.FetchInstruction(powerpc.MSR_IR, CachedStart+0xFFC)
	require.True(t, ok)
	assert.Equal(t, uint32(0x01020304), ins)
}
