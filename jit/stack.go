package jit

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/dynarec/jiterrors"
	"github.com/colorfulnotion/dynarec/log"
)

const (
	slotSize = 4
	// startSlots is the headroom left above the start slot.
	startSlots    = 4
	hostModeSlots = 256

	MinStackSize = 4096

	// Sentinel is stored at the start slot. It is never a word-aligned
	// address, so popping it never matches LR.
	Sentinel uint32 = 0xFFFFFFFF
)

// StackGuard owns the slot buffer the dispatch loop runs on. Generated
// code pushes predicted return addresses on bl and pops them on blr.
// Frames grow downward from the start slot; Reset restores the start
// offset in O(1) without unwinding anything.
type StackGuard struct {
	slots     []byte
	dedicated bool
	release   func() error

	start   int
	sp      int
	savedSP int
	entered bool

	overflows uint64
}

// NewStackGuard returns a guard over a dedicated region of size bytes, or
// over a small heap buffer when size is 0.
func NewStackGuard(size int) (*StackGuard, error) {
	s := &StackGuard{}
	switch {
	case size == 0:
		s.slots = make([]byte, hostModeSlots*slotSize)
	case size < MinStackSize:
		return nil, fmt.Errorf("size=%d: %w", size, jiterrors.ErrSStackRegionTooSmall)
	default:
		slots, release, err := mapStackRegion(size)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", jiterrors.ErrSStackMapFailed, err)
		}
		s.slots = slots
		s.release = release
		s.dedicated = true
	}
	s.start = len(s.slots)/slotSize - startSlots
	s.sp = s.start
	s.savedSP = s.start
	s.writeSlot(s.start, Sentinel)
	log.Debug(log.DispatchMonitoring, "StackGuard", "dedicated", s.dedicated, "slots", len(s.slots)/slotSize)
	return s, nil
}

func (s *StackGuard) readSlot(i int) uint32 {
	return binary.LittleEndian.Uint32(s.slots[i*slotSize:])
}

func (s *StackGuard) writeSlot(i int, v uint32) {
	binary.LittleEndian.PutUint32(s.slots[i*slotSize:], v)
}

// Enter saves the caller's mark and pivots to the start slot.
func (s *StackGuard) Enter() error {
	if s.entered {
		return jiterrors.ErrSStackReentered
	}
	s.savedSP = s.sp
	s.entered = true
	s.Reset()
	return nil
}

// Reset discards every prediction frame.
func (s *StackGuard) Reset() {
	s.sp = s.start
	s.writeSlot(s.start, Sentinel)
}

// Push records a predicted return address. A full stack is reset instead
// of overflowing; the pushed frame is dropped and false is returned.
func (s *StackGuard) Push(returnAddress uint32) bool {
	if s.sp == 0 {
		s.overflows++
		s.Reset()
		return false
	}
	s.sp--
	s.writeSlot(s.sp, returnAddress)
	return true
}

// Pop returns the most recent prediction, or Sentinel when none is left.
func (s *StackGuard) Pop() uint32 {
	v := s.readSlot(s.sp)
	if s.sp < s.start {
		s.sp++
	}
	return v
}

// Depth is the number of live prediction frames.
func (s *StackGuard) Depth() int {
	return s.start - s.sp
}

// Capacity is the number of frames that fit before an overflow reset.
func (s *StackGuard) Capacity() int {
	return s.start
}

func (s *StackGuard) Overflows() uint64 {
	return s.overflows
}

func (s *StackGuard) Entered() bool {
	return s.entered
}

func (s *StackGuard) Dedicated() bool {
	return s.dedicated
}

// Exit restores the mark saved by Enter.
func (s *StackGuard) Exit() error {
	if !s.entered {
		return jiterrors.ErrSStackNotEntered
	}
	s.sp = s.savedSP
	s.entered = false
	return nil
}

// Free releases a dedicated region. The guard must not be used afterwards.
func (s *StackGuard) Free() error {
	if s.release == nil {
		return nil
	}
	err := s.release()
	s.release = nil
	s.slots = nil
	return err
}
