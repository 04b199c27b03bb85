package compiler

import (
	"encoding/binary"
	"testing"

	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/jit"
	"github.com/colorfulnotion/dynarec/memory"
	"github.com/colorfulnotion/dynarec/powerpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encoders for the handful of forms the tests use

func dForm(opcd, rd, ra uint32, imm int32) uint32 {
	return opcd<<26 | rd<<21 | ra<<16 | uint32(imm)&0xFFFF
}

func x31(d, a, b, xo uint32, rc bool) uint32 {
	w := 31<<26 | d<<21 | a<<16 | b<<11 | xo<<1
	if rc {
		w |= 1
	}
	return w
}

func addi(rd, ra uint32, imm int32) uint32 { return dForm(14, rd, ra, imm) }
func lwz(rd, ra uint32, d int32) uint32    { return dForm(32, rd, ra, d) }
func lbz(rd, ra uint32, d int32) uint32    { return dForm(34, rd, ra, d) }
func lha(rd, ra uint32, d int32) uint32    { return dForm(42, rd, ra, d) }
func stw(rs, ra uint32, d int32) uint32    { return dForm(36, rs, ra, d) }
func stb(rs, ra uint32, d int32) uint32    { return dForm(38, rs, ra, d) }
func sth(rs, ra uint32, d int32) uint32    { return dForm(44, rs, ra, d) }
func stwu(rs, ra uint32, d int32) uint32   { return dForm(37, rs, ra, d) }
func cmpwi(crf, ra uint32, imm int32) uint32 {
	return dForm(11, crf<<2, ra, imm)
}
func cmpw(crf, ra, rb uint32) uint32 { return x31(crf<<2, ra, rb, 0, false) }
func bc(bo, bi uint32, disp int32) uint32 {
	return 16<<26 | bo<<21 | bi<<16 | uint32(disp)&0xFFFC
}
func b(disp int32) uint32  { return 18<<26 | uint32(disp)&0x03FFFFFC }
func bl(disp int32) uint32 { return b(disp) | 1 }
func mtspr(spr, rs uint32) uint32 {
	return 31<<26 | rs<<21 | (spr&31)<<16 | (spr>>5)<<11 | 467<<1
}
func mfspr(rd, spr uint32) uint32 {
	return 31<<26 | rd<<21 | (spr&31)<<16 | (spr>>5)<<11 | 339<<1
}

const (
	blr     = 0x4E800020
	sc      = 0x44000002
	rfi     = rfiWord
	spin    = 0x48000000 // b .
	ramSize = 0x100000
)

// stopTimer grants one full slice, then stops the run at the next slice
// boundary.
type stopTimer struct {
	budget int32
	ctl    *cpu.Control
	slices int
}

func (t *stopTimer) Advance() int32 {
	t.slices++
	if t.slices > 1 {
		t.ctl.SetState(cpu.Stopped)
	}
	return t.budget
}

type harness struct {
	st     *powerpc.State
	mem    *memory.Memory
	ctl    *cpu.Control
	bps    *powerpc.BreakPoints
	checks *powerpc.MemChecks
	base   *jit.Base
	comp   *Compiler
	d      *jit.Dispatcher
}

func newHarness(t *testing.T, mutate func(*jit.Config)) *harness {
	t.Helper()
	cfg := jit.DefaultConfig()
	cfg.StackSize = 0
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		st:  powerpc.NewState(),
		mem: memory.New(ramSize),
		ctl: cpu.NewControl(cpu.Running),
	}
	h.bps = powerpc.NewBreakPoints(h.ctl, h.st)
	h.checks = powerpc.NewMemChecks(h.ctl)
	h.mem.SetWatchpoints(h.checks)

	base, err := jit.NewBase(cfg, h.st, h.ctl, h.bps, h.checks)
	require.NoError(t, err)
	h.checks.SetOnChange(func() { base.UpdateMemoryOptions() })
	h.base = base
	h.comp, err = New(base, h.mem)
	require.NoError(t, err)
	h.d, err = jit.NewDispatcher(base, h.comp, &stopTimer{budget: 2000, ctl: h.ctl}, h.mem)
	require.NoError(t, err)
	t.Cleanup(func() { base.Close() })
	return h
}

func (h *harness) load(t *testing.T, address uint32, words ...uint32) {
	t.Helper()
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.BigEndian.PutUint32(buf[4*i:], w)
	}
	require.NoError(t, h.mem.WritePhysical(address, buf))
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	require.NoError(t, h.d.Run())
}

func TestCountingLoop(t *testing.T) {
	h := newHarness(t, nil)
	h.load(t, 0x100,
		addi(3, 0, 0),
		addi(4, 0, 10),
		addi(3, 3, 1),
		cmpw(0, 3, 4),
		bc(12, 0, -8), // blt 0x108
		spin,
	)
	h.run(t)

	assert.Equal(t, uint32(10), h.st.GPR[3])
	assert.Equal(t, uint32(0x114), h.st.PC)
	stats := h.comp.Stats()
	assert.Equal(t, uint64(3), stats.Compiles)
	assert.Equal(t, uint64(2), stats.Fused, "cmpw+blt fused in both loop blocks")
	assert.Equal(t, 3, h.base.Cache.NumBlocks())

	blk := h.base.Cache.Lookup(0x100, 0)
	require.NotNil(t, blk)
	assert.Equal(t, uint32(5), blk.OriginalSize)
	assert.Equal(t, uint32(4), blk.CodeSize)
	assert.Equal(t, uint64(1), blk.RunCount)
}

func TestLoopNotFusedAcrossBranchTarget(t *testing.T) {
	h := newHarness(t, nil)
	// the blt targets the bc itself, so the compare cannot absorb it
	h.load(t, 0x100,
		addi(4, 0, 3),
		addi(3, 3, 1),
		cmpw(0, 3, 4),
		bc(12, 0, 0), // blt .
		spin,
	)
	h.st.GPR[3] = 5
	h.run(t)
	assert.Zero(t, h.comp.Stats().Fused)
	assert.Equal(t, uint32(0x110), h.st.PC)
}

func TestLoadsAndStores(t *testing.T) {
	for _, fastmem := range []bool{true, false} {
		name := "helpers"
		if fastmem {
			name = "fastmem"
		}
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, func(c *jit.Config) { c.Fastmem = fastmem })
			assert.Equal(t, fastmem, h.base.MemoryOptions().Fastmem)
			h.load(t, 0x100,
				addi(5, 0, 0x2000),
				addi(6, 0, -2), // 0xFFFFFFFE
				stw(6, 5, 0),
				lwz(7, 5, 0),
				stb(6, 5, 5),
				lbz(8, 5, 5),
				sth(6, 5, 8),
				lha(9, 5, 8),
				stwu(6, 5, 16),
				spin,
			)
			h.run(t)

			assert.Equal(t, uint32(0xFFFFFFFE), h.st.GPR[7])
			assert.Equal(t, uint32(0xFE), h.st.GPR[8])
			assert.Equal(t, uint32(0xFFFFFFFE), h.st.GPR[9], "lha sign-extends")
			assert.Equal(t, uint32(0x2010), h.st.GPR[5], "stwu updates the base register")
			w, ok := h.mem.ReadPhysicalWord(0x2010)
			require.True(t, ok)
			assert.Equal(t, uint32(0xFFFFFFFE), w)
		})
	}
}

func TestDataStorageException(t *testing.T) {
	h := newHarness(t, nil)
	h.load(t, 0x100,
		dForm(15, 5, 0, 0x20), // lis r5, 0x20
		addi(3, 0, 1),
		lwz(7, 5, 0),
		addi(3, 0, 2),
	)
	h.load(t, powerpc.VectorDSI, spin)
	h.run(t)

	assert.Equal(t, powerpc.VectorDSI, h.st.PC)
	assert.Equal(t, uint32(0x108), h.st.SRR0)
	assert.Equal(t, uint32(0x200000), h.st.DAR)
	assert.Equal(t, uint32(1), h.st.GPR[3], "instructions after the fault do not run")
}

func TestSystemCallAndReturn(t *testing.T) {
	h := newHarness(t, nil)
	h.load(t, 0x100, addi(3, 0, 0), sc, spin)
	h.load(t, powerpc.VectorSyscall, addi(3, 3, 1), rfi)
	h.run(t)

	assert.Equal(t, uint32(1), h.st.GPR[3])
	assert.Equal(t, uint32(0x108), h.st.SRR0)
	assert.Equal(t, uint32(0x108), h.st.PC)
}

func TestIllegalInstruction(t *testing.T) {
	h := newHarness(t, nil)
	h.load(t, 0x100, 0x00000000)
	h.load(t, powerpc.VectorProgram, spin)
	h.run(t)

	assert.Equal(t, powerpc.VectorProgram, h.st.PC)
	assert.Equal(t, uint32(0x100), h.st.SRR0)
	assert.NotZero(t, h.st.SRR1&powerpc.ProgramIllegal)
}

func TestPrivilegedInProblemState(t *testing.T) {
	h := newHarness(t, nil)
	h.st.MSR = powerpc.MSR_PR
	h.load(t, 0x100, x31(3, 0, 0, 83, false)) // mfmsr r3
	h.load(t, powerpc.VectorProgram, spin)
	h.run(t)

	assert.Equal(t, powerpc.VectorProgram, h.st.PC)
	assert.NotZero(t, h.st.SRR1&powerpc.ProgramPrivileged)
}

func TestInstructionFetchFault(t *testing.T) {
	h := newHarness(t, nil)
	h.st.MSR = powerpc.MSR_IR
	h.load(t, powerpc.VectorISI, spin)
	h.run(t)

	assert.Equal(t, powerpc.VectorISI, h.st.PC)
	assert.Equal(t, uint32(0x100), h.st.SRR0)
	assert.Zero(t, h.st.MSR&powerpc.MSR_IR)
	assert.Equal(t, uint64(1), h.comp.Stats().FetchFaults)
}

func TestTranslatedExecution(t *testing.T) {
	h := newHarness(t, nil)
	h.st.MSR = powerpc.MSR_IR | powerpc.MSR_DR
	h.st.PC = memory.CachedStart + 0x100
	h.load(t, 0x100,
		dForm(15, 5, 0, -0x8000), // lis r5, 0x8000
		addi(6, 0, 42),
		stw(6, 5, 0x3000),
		spin,
	)
	h.run(t)

	w, ok := h.mem.ReadPhysicalWord(0x3000)
	require.True(t, ok)
	assert.Equal(t, uint32(42), w)
	assert.Equal(t, memory.CachedStart+0x10C, h.st.PC)
	assert.Equal(t, h.mem.LogicalBase(), h.st.MemBase)
}

func TestReturnPrediction(t *testing.T) {
	t.Run("predicted", func(t *testing.T) {
		h := newHarness(t, nil)
		h.load(t, 0x100, bl(0x100), addi(4, 4, 1), spin)
		h.load(t, 0x200, addi(3, 3, 1), blr)
		h.run(t)
		assert.Equal(t, uint32(1), h.st.GPR[3])
		assert.Equal(t, uint32(1), h.st.GPR[4])
		assert.Zero(t, h.d.Stats().Mispredicts)
	})
	t.Run("mispredicted", func(t *testing.T) {
		h := newHarness(t, nil)
		h.st.GPR[9] = 0x10B
		h.load(t, 0x100, bl(0x100), addi(4, 4, 1), spin)
		h.load(t, 0x200, mtspr(powerpc.SPR_LR, 9), blr)
		h.run(t)
		assert.Zero(t, h.st.GPR[4])
		assert.Equal(t, uint32(0x108), h.st.PC)
		assert.Equal(t, uint64(1), h.d.Stats().Mispredicts)
	})
	t.Run("disabled", func(t *testing.T) {
		h := newHarness(t, func(c *jit.Config) { c.EnableBLROptimization = false })
		h.load(t, 0x100, bl(0x100), addi(4, 4, 1), spin)
		h.load(t, 0x200, mfspr(5, powerpc.SPR_LR), blr)
		h.run(t)
		assert.Equal(t, uint32(0x104), h.st.GPR[5])
		assert.Equal(t, uint32(1), h.st.GPR[4])
		assert.Zero(t, h.d.Stats().Mispredicts)
	})
}

func TestSingleStepCompilesOneInstruction(t *testing.T) {
	h := newHarness(t, nil)
	h.load(t, 0x100, addi(3, 0, 5), addi(3, 3, 1), spin)
	h.ctl.SetState(cpu.Stepping)

	require.NoError(t, h.d.SingleStep())
	assert.Equal(t, uint32(5), h.st.GPR[3])
	assert.Equal(t, uint32(0x104), h.st.PC)
	require.NoError(t, h.d.SingleStep())
	assert.Equal(t, uint32(6), h.st.GPR[3])
	assert.Equal(t, uint32(0x108), h.st.PC)

	h.base.Cache.ForEach(func(b *jit.JitBlock) {
		assert.Equal(t, uint32(1), b.OriginalSize)
	})
	assert.Equal(t, 2, h.base.Cache.NumBlocks())
}

func TestInlineBreakpointStopsBeforeInstruction(t *testing.T) {
	h := newHarness(t, func(c *jit.Config) { c.EnableDebugging = true })
	h.load(t, 0x100, addi(3, 0, 1), addi(4, 0, 2), addi(3, 3, 1), spin)
	h.bps.Add(0x108, false)
	h.run(t)

	assert.Equal(t, cpu.Stepping, h.ctl.State())
	assert.Equal(t, uint32(0x108), h.st.PC)
	assert.Equal(t, uint32(1), h.st.GPR[3])
	assert.Equal(t, uint32(2), h.st.GPR[4])
}

func TestWatchpointBreaksAfterStore(t *testing.T) {
	h := newHarness(t, func(c *jit.Config) { c.EnableDebugging = true })
	h.checks.Add(powerpc.MemCheck{Start: 0x2000, End: 0x2003, OnWrite: true, Break: true})
	assert.True(t, h.base.MemoryOptions().AlwaysUseMemFuncs)

	h.load(t, 0x100, addi(5, 0, 0x2000), addi(6, 0, 7), stw(6, 5, 0), addi(3, 3, 1), spin)
	h.run(t)

	assert.Equal(t, cpu.Stepping, h.ctl.State())
	assert.Equal(t, uint32(0x10C), h.st.PC)
	assert.Zero(t, h.st.GPR[3])
	w, _ := h.mem.ReadPhysicalWord(0x2000)
	assert.Equal(t, uint32(7), w)
}

func TestAliasedBlocksAreRelinked(t *testing.T) {
	h := newHarness(t, func(c *jit.Config) { c.ICacheBits = 4 })
	h.load(t, 0x100, addi(3, 3, 1), b(0x40))
	h.load(t, 0x140,
		addi(4, 4, 1),
		cmpwi(0, 4, 3),
		bc(12, 0, -0x48), // blt 0x100
		spin,
	)
	h.run(t)

	assert.Equal(t, uint32(3), h.st.GPR[3])
	assert.Equal(t, uint32(3), h.st.GPR[4])
	stats := h.comp.Stats()
	assert.Equal(t, uint64(3), stats.Compiles)
	assert.Equal(t, uint64(4), stats.Relinks)
}

func TestCacheFullClears(t *testing.T) {
	h := newHarness(t, func(c *jit.Config) { c.MaxBlocks = 3 })
	h.load(t, 0x100, b(0x10))
	h.load(t, 0x110, b(0x10))
	h.load(t, 0x120, b(0x10))
	h.load(t, 0x130, spin)
	h.run(t)

	assert.Equal(t, uint32(0x130), h.st.PC)
	assert.Equal(t, uint64(1), h.comp.Stats().CacheFull)
	assert.Equal(t, uint64(1), h.base.Cache.Stats().Clears)
}

func TestSelfModifyingCodeInvalidation(t *testing.T) {
	h := newHarness(t, nil)
	h.load(t, 0x100, addi(3, 0, 1), spin)
	h.run(t)
	require.Equal(t, uint32(1), h.st.GPR[3])

	h.load(t, 0x100, addi(3, 0, 9), spin)
	assert.False(t, h.base.Cache.Validate(h.mem.FetchInstruction))

	h.st.PC = 0x100
	h.ctl.SetState(cpu.Running)
	h.run(t)
	assert.Equal(t, uint32(9), h.st.GPR[3])
}

func TestIntegerArithmetic(t *testing.T) {
	h := newHarness(t, nil)
	h.st.GPR[1] = 0xFFFFFFFF
	h.st.GPR[2] = 1
	h.st.GPR[10] = 0x80000000
	h.st.GPR[12] = 7
	h.st.GPR[13] = 0xFFFFFFEC // -20
	h.st.GPR[19] = 0x80
	h.load(t, 0x100,
		x31(3, 1, 2, 10, false),                // addc r3,r1,r2
		x31(4, 2, 2, 138, false),               // adde r4,r2,r2
		x31(5, 2, 12, 8, false),                // subfc r5,r2,r12
		x31(6, 12, 0, 104, false),              // neg r6,r12
		x31(7, 12, 13, 235, false),             // mullw r7,r12,r13
		x31(8, 13, 12, 491, false),             // divw r8,r13,r12
		x31(9, 12, 2, 459, false),              // divwu r9,r12,r2
		21<<26|12<<21|16<<16|4<<11|24<<6|27<<1, // rlwinm r16,r12,4,24,27
		x31(2, 17, 0, 26, false),               // cntlzw r17,r2
		x31(19, 18, 0, 954, false),             // extsb r18,r19
		dForm(25, 2, 20, 0x1234),               // oris r20,r2,0x1234
		x31(12, 22, 2, 24, false),              // slw r22,r12,r2
		dForm(28, 12, 21, 2),                   // andi. r21,r12,2
		x31(15, 10, 10, 266|512, true),         // addo. r15,r10,r10
		x31(13, 14, 3, 824, false),             // srawi r14,r13,3
		spin,
	)
	h.run(t)

	g := h.st.GPR
	assert.Equal(t, uint32(0), g[3])
	assert.Equal(t, uint32(3), g[4])
	assert.Equal(t, uint32(6), g[5])
	assert.Equal(t, uint32(0xFFFFFFF9), g[6])
	assert.Equal(t, uint32(0xFFFFFF74), g[7])
	assert.Equal(t, uint32(0xFFFFFFFE), g[8])
	assert.Equal(t, uint32(7), g[9])
	assert.Equal(t, uint32(0x70), g[16])
	assert.Equal(t, uint32(31), g[17])
	assert.Equal(t, uint32(0xFFFFFF80), g[18])
	assert.Equal(t, uint32(0x12340001), g[20])
	assert.Equal(t, uint32(14), g[22])
	assert.Equal(t, uint32(2), g[21])
	assert.Equal(t, uint32(0), g[15])
	assert.Equal(t, uint32(0xFFFFFFFD), g[14])
	assert.Equal(t, powerpc.CR_EQ|powerpc.CR_SO, h.st.CR[0])
	assert.Equal(t, powerpc.XER_SO|powerpc.XER_OV|powerpc.XER_CA, h.st.XER)
}

func TestConditionRegisterMoves(t *testing.T) {
	h := newHarness(t, nil)
	h.st.GPR[3] = 0x12345678
	h.load(t, 0x100,
		31<<26|3<<21|0xFF<<12|144<<1,    // mtcrf 0xff,r3
		x31(4, 0, 0, 19, false),         // mfcr r4
		19<<26|7<<23|0<<18,              // mcrf cr7,cr0
		19<<26|0<<21|3<<16|2<<11|193<<1, // crxor 0,3,2
		spin,
	)
	h.run(t)

	assert.Equal(t, uint32(0x12345678), h.st.GPR[4])
	assert.Equal(t, uint8(0x1), h.st.CR[7])
	// cr0 was 0001; LT = SO ^ EQ
	assert.Equal(t, uint8(0x9), h.st.CR[0])
}

func TestTimeBase(t *testing.T) {
	h := newHarness(t, nil)
	h.comp.SetTimeBase(func() uint64 { return 0x1_0000_0002 })
	h.load(t, 0x100,
		x31(3, 268&31, 268>>5, 371, false), // mftb r3
		x31(4, 269&31, 269>>5, 371, false), // mftbu r4
		spin,
	)
	h.run(t)
	assert.Equal(t, uint32(2), h.st.GPR[3])
	assert.Equal(t, uint32(1), h.st.GPR[4])
}

func TestDisassemble(t *testing.T) {
	assert.Equal(t, "lbz r5,2(r7)", Disassemble(0x88a70002, 0))
	assert.Equal(t, "rfi", Disassemble(rfiWord, 0))
	assert.Equal(t, ".long 0x00000000", Disassemble(0, 0))
}

func TestFieldDecoding(t *testing.T) {
	w := insn(bc(12, 0, -8))
	assert.Equal(t, uint32(16), w.OPCD())
	assert.Equal(t, uint32(12), w.BO())
	assert.Equal(t, int32(-8), w.BD())
	target, ok := branchTarget(w, 0x110)
	require.True(t, ok)
	assert.Equal(t, uint32(0x108), target)

	w = insn(b(-0x100))
	assert.Equal(t, int32(-0x100), w.LI())
	assert.Equal(t, uint32(powerpc.SPR_LR), insn(mtspr(powerpc.SPR_LR, 9)).SPR())
	assert.True(t, endsBlock(insn(blr)))
	assert.False(t, endsBlock(insn(addi(3, 3, 1))))
	assert.True(t, isCompare(insn(cmpwi(0, 3, 1))))
}
