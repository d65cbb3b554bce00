package gc

import (
	"errors"
	"fmt"
)

// Collector strategies.
const (
	// StrategyGenCGC evacuates each collected generation by copying.
	StrategyGenCGC = "gencgc"
	// StrategyMarkSweep marks in place and overwrites the dead with fillers.
	StrategyMarkSweep = "marksweep"
)

// ErrUnknownStrategy is returned by NewCollector for an unknown name.
var ErrUnknownStrategy = errors.New("unknown collector strategy")

// Collector runs stop-the-world collection cycles over a heap. The heap
// holds the world lock for the duration of Collect.
type Collector interface {
	Name() string
	// Collect collects generations 0 through last and applies the aging
	// policy. A cycle always runs to completion; invariant violations are
	// reported through the installed Reporter.
	Collect(last Generation) *CycleStats
}

// Strategies lists the collector names NewCollector accepts.
func Strategies() []string {
	return []string{StrategyGenCGC, StrategyMarkSweep}
}

// NewCollector creates the collector named by strategy for h.
func NewCollector(strategy string, h *Heap) (Collector, error) {
	switch strategy {
	case StrategyGenCGC, "":
		return &genCollector{heap: h}, nil
	case StrategyMarkSweep:
		return &markSweepCollector{heap: h}, nil
	}
	return nil, fmt.Errorf("%q: %w", strategy, ErrUnknownStrategy)
}

// hasGeneration reports whether any dynamic block or immobile object
// belongs to gen.
func (h *Heap) hasGeneration(gen Generation) bool {
	found := false
	h.pages.Blocks(func(b Block) bool {
		found = b.Gen == gen
		return !found
	})
	return found || h.immobile.HasGeneration(gen)
}
