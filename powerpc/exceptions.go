package powerpc

// Pending exception bits.
const (
	ExceptionDecrementer uint32 = 1 << 0
	ExceptionSyscall     uint32 = 1 << 1
	ExceptionExternalInt uint32 = 1 << 2
	ExceptionDSI         uint32 = 1 << 3
	ExceptionISI         uint32 = 1 << 4
	ExceptionAlignment   uint32 = 1 << 5
	ExceptionProgram     uint32 = 1 << 7
)

// Exception vectors (physical, MSR.IP clear).
const (
	VectorDSI         uint32 = 0x300
	VectorISI         uint32 = 0x400
	VectorExternalInt uint32 = 0x500
	VectorAlignment   uint32 = 0x600
	VectorProgram     uint32 = 0x700
	VectorDecrementer uint32 = 0x900
	VectorSyscall     uint32 = 0xC00
)

// SRR1 program exception reasons.
const (
	ProgramIllegal    uint32 = 1 << 19
	ProgramPrivileged uint32 = 1 << 18
	ProgramTrap       uint32 = 1 << 17
)

const (
	srr1Mask     uint32 = 0x87C0FFFF
	msrClearMask uint32 = 0x04EF36
)

func (s *State) takeException(vector uint32, srr0 uint32, srr1Extra uint32) {
	s.SRR0 = srr0
	s.SRR1 = (s.MSR & srr1Mask) | srr1Extra
	s.MSR &^= msrClearMask
	if s.MSR&MSR_ILE != 0 {
		s.MSR |= MSR_LE
	}
	if s.MSR&MSR_IP != 0 {
		vector |= 0xFFF00000
	}
	s.PC = vector
	s.NPC = vector
}

// CheckExceptions delivers the highest priority synchronous exception, and
// external exceptions when MSR.EE allows them. It reports whether the PC was
// redirected.
func (s *State) CheckExceptions() bool {
	ex := s.Exceptions
	switch {
	case ex&ExceptionISI != 0:
		s.Exceptions &^= ExceptionISI
		s.takeException(VectorISI, s.PC, 0x40000000)
	case ex&ExceptionProgram != 0:
		s.Exceptions &^= ExceptionProgram
		s.takeException(VectorProgram, s.PC, s.programReason)
		s.programReason = 0
	case ex&ExceptionSyscall != 0:
		s.Exceptions &^= ExceptionSyscall
		s.takeException(VectorSyscall, s.NPC, 0)
	case ex&ExceptionDSI != 0:
		s.Exceptions &^= ExceptionDSI
		s.takeException(VectorDSI, s.PC, 0)
	case ex&ExceptionAlignment != 0:
		s.Exceptions &^= ExceptionAlignment
		s.takeException(VectorAlignment, s.PC, 0)
	default:
		return s.CheckExternalExceptions()
	}
	return true
}

// CheckExternalExceptions delivers asynchronous exceptions, which are only
// taken at instruction boundaries with MSR.EE set.
func (s *State) CheckExternalExceptions() bool {
	if s.MSR&MSR_EE == 0 {
		return false
	}
	ex := s.Exceptions
	switch {
	case ex&ExceptionExternalInt != 0:
		s.Exceptions &^= ExceptionExternalInt
		s.takeException(VectorExternalInt, s.NPC, 0)
	case ex&ExceptionDecrementer != 0:
		s.Exceptions &^= ExceptionDecrementer
		s.takeException(VectorDecrementer, s.NPC, 0)
	default:
		return false
	}
	return true
}

// RaiseProgram marks a program exception for the instruction at PC.
func (s *State) RaiseProgram(reason uint32) {
	s.programReason = reason
	s.Exceptions |= ExceptionProgram
}

// RaiseDSI marks a data storage exception for address ea.
func (s *State) RaiseDSI(ea uint32, write bool) {
	s.DAR = ea
	s.DSISR = 0x40000000
	if write {
		s.DSISR |= 0x02000000
	}
	s.Exceptions |= ExceptionDSI
}
