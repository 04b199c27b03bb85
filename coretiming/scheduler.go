// Package coretiming schedules guest events against the emulated cycle
// counter and hands the dispatcher its per-slice cycle budget.
package coretiming

import (
	"fmt"
	"sort"

	"github.com/colorfulnotion/dynarec/log"
)

// MaxSliceLength bounds a slice when no event is due sooner.
const MaxSliceLength int32 = 20000

// Callback runs when an event comes due. cyclesLate is how far past the
// scheduled time the event actually ran.
type Callback func(userdata uint64, cyclesLate int64)

type EventType int

type eventType struct {
	name     string
	callback Callback
}

type event struct {
	time     int64
	fifo     uint64
	typ      EventType
	userdata uint64
}

// Scheduler is driven from the dispatch goroutine only.
type Scheduler struct {
	types []eventType
	queue []event // ordered by (time, fifo)

	downcount   *int32
	sliceLength int32
	globalTimer int64
	idledCycles int64
	fifoID      uint64
	inAdvance   bool
}

// NewScheduler binds the scheduler to the downcount register that blocks
// decrement.
func NewScheduler(downcount *int32) *Scheduler {
	return &Scheduler{downcount: downcount}
}

func (s *Scheduler) RegisterEvent(name string, cb Callback) EventType {
	s.types = append(s.types, eventType{name: name, callback: cb})
	return EventType(len(s.types) - 1)
}

func (s *Scheduler) EventName(t EventType) string {
	if int(t) < 0 || int(t) >= len(s.types) {
		return fmt.Sprintf("event#%d", t)
	}
	return s.types[t].name
}

// GetTicks returns the current cycle count including the part of the
// running slice already consumed.
func (s *Scheduler) GetTicks() int64 {
	return s.globalTimer + int64(s.sliceLength-*s.downcount)
}

func (s *Scheduler) IdledCycles() int64 {
	return s.idledCycles
}

// ScheduleEvent queues typ to run cyclesIntoFuture cycles from now. An event
// due before the end of the running slice shortens the slice.
func (s *Scheduler) ScheduleEvent(cyclesIntoFuture int64, typ EventType, userdata uint64) {
	t := s.GetTicks() + cyclesIntoFuture
	ev := event{time: t, fifo: s.fifoID, typ: typ, userdata: userdata}
	s.fifoID++

	i := sort.Search(len(s.queue), func(i int) bool {
		q := s.queue[i]
		return q.time > t || (q.time == t && q.fifo > ev.fifo)
	})
	s.queue = append(s.queue, event{})
	copy(s.queue[i+1:], s.queue[i:])
	s.queue[i] = ev

	if !s.inAdvance {
		sliceEnd := s.globalTimer + int64(s.sliceLength)
		if t < sliceEnd {
			diff := int32(sliceEnd - t)
			*s.downcount -= diff
			s.sliceLength -= diff
		}
	}
	log.Trace(log.TimingMonitoring, "ScheduleEvent", "event", s.EventName(typ), "at", t)
}

// RemoveEvent drops every queued instance of typ.
func (s *Scheduler) RemoveEvent(typ EventType) {
	kept := s.queue[:0]
	for _, ev := range s.queue {
		if ev.typ != typ {
			kept = append(kept, ev)
		}
	}
	s.queue = kept
}

func (s *Scheduler) Pending() int {
	return len(s.queue)
}

// Advance accounts the cycles consumed by the finished slice, runs every
// event that is due, and returns the budget of the next slice.
func (s *Scheduler) Advance() int32 {
	executed := s.sliceLength - *s.downcount
	s.globalTimer += int64(executed)
	s.sliceLength = 0
	*s.downcount = 0

	s.inAdvance = true
	for len(s.queue) > 0 && s.queue[0].time <= s.globalTimer {
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.types[ev.typ].callback(ev.userdata, s.globalTimer-ev.time)
	}
	s.inAdvance = false

	slice := MaxSliceLength
	if len(s.queue) > 0 {
		if d := s.queue[0].time - s.globalTimer; d < int64(slice) {
			slice = int32(d)
		}
	}
	s.sliceLength = slice
	*s.downcount = slice
	return slice
}

// Idle gives up the rest of the current slice.
func (s *Scheduler) Idle() {
	s.idledCycles += int64(*s.downcount)
	*s.downcount = 0
}
