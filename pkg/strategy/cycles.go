package strategy

import (
	"github.com/opencbp/opencbp/pkg/types"
)

// initialCycleLogCapacity sizes the rainflow log for years of daily cycling
// up front; the log grows geometrically from there.
const initialCycleLogCapacity = 1000

// CycleAccumulator records rainflow cycles and maintains the
// equivalent-full-cycle counter (sum of recorded depths). It is not
// synchronized; the owner serializes access.
type CycleAccumulator struct {
	log                  []types.RainflowCycle
	equivalentFullCycles float64

	// maxEntries bounds the log for memory-constrained targets; 0 means
	// unbounded. When bounded, discardOldest selects ring-buffer eviction
	// instead of failing the append.
	maxEntries    int
	discardOldest bool
}

// NewCycleAccumulator returns an unbounded accumulator.
func NewCycleAccumulator() *CycleAccumulator {
	return &CycleAccumulator{
		log: make([]types.RainflowCycle, 0, initialCycleLogCapacity),
	}
}

// NewBoundedCycleAccumulator returns an accumulator that holds at most
// maxEntries cycle records. With discardOldest the oldest record is evicted
// on overflow; otherwise Add returns ErrCycleLogFull. Either way the
// equivalent-full-cycle counter stays accurate.
func NewBoundedCycleAccumulator(maxEntries int, discardOldest bool) *CycleAccumulator {
	capacity := initialCycleLogCapacity
	if maxEntries > 0 && maxEntries < capacity {
		capacity = maxEntries
	}
	return &CycleAccumulator{
		log:           make([]types.RainflowCycle, 0, capacity),
		maxEntries:    maxEntries,
		discardOldest: discardOldest,
	}
}

// Add records a cycle and advances the counter. The counter is updated even
// when the bounded log cannot take the record; that failure is reported as
// ErrCycleLogFull.
func (a *CycleAccumulator) Add(c types.RainflowCycle) error {
	a.equivalentFullCycles += c.Depth

	if a.maxEntries > 0 && len(a.log) >= a.maxEntries {
		if !a.discardOldest {
			return ErrCycleLogFull
		}
		copy(a.log, a.log[1:])
		a.log[len(a.log)-1] = c
		return nil
	}

	a.log = append(a.log, c)
	return nil
}

// EquivalentFullCycles returns the accumulated sum of cycle depths; 1.0
// equals one full 0->100% swing. Monotone non-decreasing.
func (a *CycleAccumulator) EquivalentFullCycles() float64 {
	return a.equivalentFullCycles
}

// Len returns the number of retained cycle records.
func (a *CycleAccumulator) Len() int {
	return len(a.log)
}

// Each calls fn for every retained cycle in append order, stopping early if
// fn returns false.
func (a *CycleAccumulator) Each(fn func(types.RainflowCycle) bool) {
	for _, c := range a.log {
		if !fn(c) {
			return
		}
	}
}

// Log returns a copy of the retained cycle records.
func (a *CycleAccumulator) Log() []types.RainflowCycle {
	out := make([]types.RainflowCycle, len(a.log))
	copy(out, a.log)
	return out
}

// restore replaces the accumulator contents from a snapshot.
func (a *CycleAccumulator) restore(equivalentFullCycles float64, log []types.RainflowCycle) {
	a.equivalentFullCycles = equivalentFullCycles
	a.log = a.log[:0]
	for _, c := range log {
		if a.maxEntries > 0 && len(a.log) >= a.maxEntries {
			if !a.discardOldest {
				break
			}
			copy(a.log, a.log[1:])
			a.log = a.log[:len(a.log)-1]
		}
		a.log = append(a.log, c)
	}
}
