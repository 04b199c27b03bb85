// Package cpu holds the host run-state shared between the dispatch loop and
// whoever drives it (debugger, CLI, timers).
package cpu

import (
	"sync/atomic"
)

// State is the process-wide run-state of the emulated CPU.
type State int32

const (
	Running State = iota
	Stepping
	Stopped
	PowerDown
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stepping:
		return "stepping"
	case Stopped:
		return "stopped"
	case PowerDown:
		return "powerdown"
	default:
		return "unknown"
	}
}

// Control is the single owner of the run-state. Reads and writes are
// atomic so a different goroutine may stop the core; the dispatch loop only
// polls it at slice boundaries and in the debug hook.
type Control struct {
	state atomic.Int32
}

// NewControl returns a control block initialised to state.
func NewControl(state State) *Control {
	c := &Control{}
	c.state.Store(int32(state))
	return c
}

func (c *Control) State() State {
	return State(c.state.Load())
}

func (c *Control) SetState(s State) {
	c.state.Store(int32(s))
}

func (c *Control) IsStepping() bool {
	return c.State() == Stepping
}

// Break moves a running CPU into stepping; other states are left alone.
func (c *Control) Break() bool {
	return c.state.CompareAndSwap(int32(Running), int32(Stepping))
}
