package core

import (
	"github.com/colorfulnotion/dynarec/log"
	"github.com/colorfulnotion/dynarec/powerpc"
)

// decrementerPeriod is how often, in cycles, DEC is brought up to date.
// DEC counts down one per cycle.
const decrementerPeriod = 1000

// decrementerTick advances DEC by the elapsed cycles and raises the
// decrementer exception when it crosses from non-negative to negative.
func (s *System) decrementerTick(_ uint64, cyclesLate int64) {
	st := s.State
	old := st.DEC
	st.DEC = old - uint32(decrementerPeriod+cyclesLate)
	if int32(old) >= 0 && int32(st.DEC) < 0 {
		st.Exceptions |= powerpc.ExceptionDecrementer
		log.Trace(log.TimingMonitoring, "decrementer underflow", "dec", st.DEC)
	}
	s.Scheduler.ScheduleEvent(decrementerPeriod, s.decrementer, 0)
}
