// Package memory implements guest memory as two views over the same RAM:
// a physical view used while MSR.DR is clear and a logical (translated) view
// used while it is set. Both live in one 33-bit view space so generated code
// can address memory as base+effectiveAddress.
package memory

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/dynarec/jiterrors"
	"github.com/colorfulnotion/dynarec/powerpc"
)

const (
	DefaultRAMSize = 32 * 1024 * 1024

	// Logical windows mapped onto RAM, as the console BAT setup does.
	CachedStart   uint32 = 0x80000000
	UncachedStart uint32 = 0xC0000000

	physicalBase uint64 = 0
	logicalBase  uint64 = 1 << 32
)

// Watchpoints is the subset of the watchpoint registry the checked
// helpers need.
type Watchpoints interface {
	HasAny() bool
	Check(address uint32, size uint32, value uint32, write bool, pc uint32) bool
}

type Memory struct {
	ram         []byte
	ramSize     uint32
	watchpoints Watchpoints
}

// New allocates ramSize bytes of guest RAM. ramSize is rounded up to a
// multiple of 4 KiB.
func New(ramSize uint32) *Memory {
	if ramSize == 0 {
		ramSize = DefaultRAMSize
	}
	ramSize = (ramSize + 0xFFF) &^ 0xFFF
	return &Memory{
		ram:     make([]byte, ramSize),
		ramSize: ramSize,
	}
}

func (m *Memory) SetWatchpoints(w Watchpoints) {
	m.watchpoints = w
}

func (m *Memory) RAMSize() uint32 {
	return m.ramSize
}

// PhysicalBase is the view base used while data translation is off.
func (m *Memory) PhysicalBase() uint64 {
	return physicalBase
}

// LogicalBase is the view base used while data translation is on.
func (m *Memory) LogicalBase() uint64 {
	return logicalBase
}

// BaseFor returns the view base selected by msr.
func (m *Memory) BaseFor(msr uint32) uint64 {
	if msr&powerpc.MSR_DR != 0 {
		return logicalBase
	}
	return physicalBase
}

// translate maps a view-space address to a RAM offset.
func (m *Memory) translate(addr uint64, size uint32) (uint32, bool) {
	var off uint32
	if addr < logicalBase {
		off = uint32(addr)
	} else {
		ea := uint32(addr - logicalBase)
		switch {
		case ea >= CachedStart && ea-CachedStart < m.ramSize:
			off = ea - CachedStart
		case ea >= UncachedStart && ea-UncachedStart < m.ramSize:
			off = ea - UncachedStart
		default:
			return 0, false
		}
	}
	if uint64(off)+uint64(size) > uint64(m.ramSize) {
		return 0, false
	}
	return off, true
}

// Fast accessors index base+ea directly with no watchpoint checks and no
// exception delivery. A false result means the access must be replayed
// through the checked helpers.

func (m *Memory) FastRead8(base uint64, ea uint32) (uint8, bool) {
	off, ok := m.translate(base+uint64(ea), 1)
	if !ok {
		return 0, false
	}
	return m.ram[off], true
}

func (m *Memory) FastRead16(base uint64, ea uint32) (uint16, bool) {
	off, ok := m.translate(base+uint64(ea), 2)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint16(m.ram[off:]), true
}

func (m *Memory) FastRead32(base uint64, ea uint32) (uint32, bool) {
	off, ok := m.translate(base+uint64(ea), 4)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.ram[off:]), true
}

func (m *Memory) FastWrite8(base uint64, ea uint32, v uint8) bool {
	off, ok := m.translate(base+uint64(ea), 1)
	if !ok {
		return false
	}
	m.ram[off] = v
	return true
}

func (m *Memory) FastWrite16(base uint64, ea uint32, v uint16) bool {
	off, ok := m.translate(base+uint64(ea), 2)
	if !ok {
		return false
	}
	binary.BigEndian.PutUint16(m.ram[off:], v)
	return true
}

func (m *Memory) FastWrite32(base uint64, ea uint32, v uint32) bool {
	off, ok := m.translate(base+uint64(ea), 4)
	if !ok {
		return false
	}
	binary.BigEndian.PutUint32(m.ram[off:], v)
	return true
}

// checked performs the translation for a helper access: watchpoints are
// consulted first, then a failed translation raises a DSI.
func (m *Memory) checked(st *powerpc.State, ea uint32, size uint32, value uint32, write bool) (uint32, bool) {
	if m.watchpoints != nil && m.watchpoints.HasAny() {
		m.watchpoints.Check(ea, size, value, write, st.PC)
	}
	off, ok := m.translate(m.BaseFor(st.MSR)+uint64(ea), size)
	if !ok {
		st.RaiseDSI(ea, write)
		return 0, false
	}
	return off, true
}

func (m *Memory) Read8(st *powerpc.State, ea uint32) (uint8, bool) {
	off, ok := m.checked(st, ea, 1, 0, false)
	if !ok {
		return 0, false
	}
	return m.ram[off], true
}

func (m *Memory) Read16(st *powerpc.State, ea uint32) (uint16, bool) {
	off, ok := m.checked(st, ea, 2, 0, false)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint16(m.ram[off:]), true
}

func (m *Memory) Read32(st *powerpc.State, ea uint32) (uint32, bool) {
	off, ok := m.checked(st, ea, 4, 0, false)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.ram[off:]), true
}

func (m *Memory) Write8(st *powerpc.State, ea uint32, v uint8) bool {
	off, ok := m.checked(st, ea, 1, uint32(v), true)
	if !ok {
		return false
	}
	m.ram[off] = v
	return true
}

func (m *Memory) Write16(st *powerpc.State, ea uint32, v uint16) bool {
	off, ok := m.checked(st, ea, 2, uint32(v), true)
	if !ok {
		return false
	}
	binary.BigEndian.PutUint16(m.ram[off:], v)
	return true
}

func (m *Memory) Write32(st *powerpc.State, ea uint32, v uint32) bool {
	off, ok := m.checked(st, ea, 4, v, true)
	if !ok {
		return false
	}
	binary.BigEndian.PutUint32(m.ram[off:], v)
	return true
}

// TranslateInstruction maps an instruction address through MSR.IR.
func (m *Memory) TranslateInstruction(msr uint32, pc uint32) (uint32, bool) {
	base := physicalBase
	if msr&powerpc.MSR_IR != 0 {
		base = logicalBase
	}
	return m.translate(base+uint64(pc), 4)
}

// TranslateData maps a data address through MSR.DR to a RAM offset.
func (m *Memory) TranslateData(msr uint32, ea uint32) (uint32, bool) {
	return m.translate(m.BaseFor(msr)+uint64(ea), 1)
}

// FetchInstruction reads the instruction word at pc without side effects.
func (m *Memory) FetchInstruction(msr uint32, pc uint32) (uint32, bool) {
	off, ok := m.TranslateInstruction(msr, pc)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.ram[off:]), true
}

// ReadPhysicalWord reads a word from RAM, used by cache validation.
func (m *Memory) ReadPhysicalWord(pa uint32) (uint32, bool) {
	if uint64(pa)+4 > uint64(m.ramSize) {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.ram[pa:]), true
}

// WritePhysical copies data into RAM at pa.
func (m *Memory) WritePhysical(pa uint32, data []byte) error {
	if uint64(pa)+uint64(len(data)) > uint64(m.ramSize) {
		return fmt.Errorf("write %d bytes at %08x: %w", len(data), pa, jiterrors.ErrIImageOutOfRange)
	}
	copy(m.ram[pa:], data)
	return nil
}

// ReadPhysical copies length bytes of RAM at pa.
func (m *Memory) ReadPhysical(pa uint32, length uint32) ([]byte, error) {
	if uint64(pa)+uint64(length) > uint64(m.ramSize) {
		return nil, fmt.Errorf("read %d bytes at %08x: %w", length, pa, jiterrors.ErrIImageOutOfRange)
	}
	out := make([]byte, length)
	copy(out, m.ram[pa:])
	return out, nil
}
