package powerpc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/log"
)

// MemCheck is a watchpoint over [Start, End].
type MemCheck struct {
	Start    uint32
	End      uint32
	OnRead   bool
	OnWrite  bool
	Break    bool
	Log      bool
	HitCount int
}

func (mc *MemCheck) matches(address uint32, size uint32, write bool) bool {
	if write && !mc.OnWrite || !write && !mc.OnRead {
		return false
	}
	last := address + size - 1
	return last >= mc.Start && address <= mc.End
}

// MemChecks is the watchpoint registry. Every change runs the OnChange hook
// so the owner can recompute how memory accesses are generated.
type MemChecks struct {
	mu       sync.RWMutex
	checks   []*MemCheck
	ctl      *cpu.Control
	onChange func()
}

func NewMemChecks(ctl *cpu.Control) *MemChecks {
	return &MemChecks{ctl: ctl}
}

func (m *MemChecks) SetOnChange(fn func()) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

func (m *MemChecks) notify() {
	m.mu.RLock()
	fn := m.onChange
	m.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Add registers mc, replacing any watchpoint with the same start address.
func (m *MemChecks) Add(mc MemCheck) {
	if mc.End < mc.Start {
		mc.End = mc.Start
	}
	m.mu.Lock()
	replaced := false
	for i, c := range m.checks {
		if c.Start == mc.Start {
			m.checks[i] = &mc
			replaced = true
			break
		}
	}
	if !replaced {
		m.checks = append(m.checks, &mc)
	}
	m.mu.Unlock()
	m.notify()
}

func (m *MemChecks) Remove(start uint32) bool {
	m.mu.Lock()
	removed := false
	for i, c := range m.checks {
		if c.Start == start {
			m.checks = append(m.checks[:i], m.checks[i+1:]...)
			removed = true
			break
		}
	}
	m.mu.Unlock()
	if removed {
		m.notify()
	}
	return removed
}

func (m *MemChecks) Clear() {
	m.mu.Lock()
	had := len(m.checks) > 0
	m.checks = nil
	m.mu.Unlock()
	if had {
		m.notify()
	}
}

func (m *MemChecks) HasAny() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.checks) > 0
}

func (m *MemChecks) List() []MemCheck {
	m.mu.RLock()
	out := make([]MemCheck, 0, len(m.checks))
	for _, c := range m.checks {
		out = append(out, *c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Check is called by the memory helpers for every access. It reports
// whether a watchpoint matched; a matching break watchpoint moves the CPU
// into stepping.
func (m *MemChecks) Check(address uint32, size uint32, value uint32, write bool, pc uint32) bool {
	m.mu.Lock()
	var hit *MemCheck
	for _, c := range m.checks {
		if c.matches(address, size, write) {
			c.HitCount++
			hit = c
			break
		}
	}
	var mc MemCheck
	if hit != nil {
		mc = *hit
	}
	m.mu.Unlock()
	if hit == nil {
		return false
	}
	if mc.Log {
		kind := "read"
		if write {
			kind = "write"
		}
		log.Info(log.DebuggerMonitoring, "watchpoint hit", "kind", kind, "addr", hexAddr(address),
			"size", size, "value", hexAddr(value), "pc", hexAddr(pc))
	}
	if mc.Break && m.ctl != nil {
		m.ctl.SetState(cpu.Stepping)
	}
	return true
}

func hexAddr(v uint32) string {
	return fmt.Sprintf("%08x", v)
}
