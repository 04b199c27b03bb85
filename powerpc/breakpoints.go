package powerpc

import (
	"sort"
	"sync"

	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/log"
)

type BreakPoint struct {
	Address   uint32
	Temporary bool
	LogOnHit  bool
	Hits      int
}

// BreakPoints is the instruction breakpoint registry. CheckBreakPoints is
// called by the dispatcher's debug hook and by blocks compiled while
// debugging is enabled.
type BreakPoints struct {
	mu     sync.RWMutex
	points map[uint32]*BreakPoint
	ctl    *cpu.Control
	state  *State
	onHit  func(bp BreakPoint)
}

func NewBreakPoints(ctl *cpu.Control, state *State) *BreakPoints {
	return &BreakPoints{
		points: make(map[uint32]*BreakPoint),
		ctl:    ctl,
		state:  state,
	}
}

// SetOnHit installs a callback run after a breakpoint stops the CPU.
func (b *BreakPoints) SetOnHit(fn func(bp BreakPoint)) {
	b.mu.Lock()
	b.onHit = fn
	b.mu.Unlock()
}

func (b *BreakPoints) Add(address uint32, temporary bool) {
	b.mu.Lock()
	b.points[address] = &BreakPoint{Address: address, Temporary: temporary, LogOnHit: true}
	b.mu.Unlock()
}

func (b *BreakPoints) Remove(address uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.points[address]; !ok {
		return false
	}
	delete(b.points, address)
	return true
}

func (b *BreakPoints) Clear() {
	b.mu.Lock()
	b.points = make(map[uint32]*BreakPoint)
	b.mu.Unlock()
}

func (b *BreakPoints) IsAddressBreakPoint(address uint32) bool {
	b.mu.RLock()
	_, ok := b.points[address]
	b.mu.RUnlock()
	return ok
}

// List returns the registered breakpoints ordered by address.
func (b *BreakPoints) List() []BreakPoint {
	b.mu.RLock()
	out := make([]BreakPoint, 0, len(b.points))
	for _, bp := range b.points {
		out = append(out, *bp)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// CheckBreakPoints stops the CPU when the current PC carries a breakpoint.
// Temporary breakpoints are removed on hit.
func (b *BreakPoints) CheckBreakPoints() {
	pc := b.state.PC
	b.mu.Lock()
	bp, ok := b.points[pc]
	if !ok {
		b.mu.Unlock()
		return
	}
	bp.Hits++
	hit := *bp
	if bp.Temporary {
		delete(b.points, pc)
	}
	onHit := b.onHit
	b.mu.Unlock()

	b.ctl.SetState(cpu.Stepping)
	if hit.LogOnHit {
		log.Info(log.DebuggerMonitoring, "breakpoint hit", "pc", hexAddr(pc), "hits", hit.Hits)
	}
	if onHit != nil {
		onHit(hit)
	}
}
