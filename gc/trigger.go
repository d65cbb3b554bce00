package gc

import (
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Trigger: periodic nursery collection
// ---------------------------------------------------------------------------

// DefaultTriggerInterval is how often the trigger checks the nursery.
const DefaultTriggerInterval = 100 * time.Millisecond

// Trigger polls a heap and collects the nursery each time the mutator has
// allocated another Options.NurseryBytes since the previous cycle.
type Trigger struct {
	heap     *Heap
	interval time.Duration
	enabled  atomic.Bool
	stop     chan struct{}
	stopped  chan struct{}
	mu       sync.Mutex // protects start/stop lifecycle

	cycleCount    atomic.Uint64
	lastStats     atomic.Value // *CycleStats
	lastAllocated atomic.Int64

	// OnCycle, if set, is called after every cycle the trigger runs.
	OnCycle func(*CycleStats)
}

// NewTrigger creates a stopped trigger for h.
func NewTrigger(h *Heap, interval time.Duration) *Trigger {
	if interval <= 0 {
		interval = DefaultTriggerInterval
	}
	t := &Trigger{
		heap:     h,
		interval: interval,
	}
	t.enabled.Store(true)
	return t
}

// Start begins polling. Calling Start on a running trigger does nothing.
func (t *Trigger) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stop != nil {
		return
	}
	t.stop = make(chan struct{})
	t.stopped = make(chan struct{})

	stopCh := t.stop
	stoppedCh := t.stopped
	go t.loop(stopCh, stoppedCh)
}

// Stop halts polling and waits for an in-flight cycle to finish. It is
// safe to call on a trigger that was never started.
func (t *Trigger) Stop() {
	t.mu.Lock()
	stopCh := t.stop
	stoppedCh := t.stopped
	t.stop = nil
	t.stopped = nil
	t.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-stoppedCh
	}
}

// SetEnabled turns automatic collection on or off without stopping the
// polling goroutine.
func (t *Trigger) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// IsEnabled reports whether automatic collection is on.
func (t *Trigger) IsEnabled() bool {
	return t.enabled.Load()
}

// Interval returns the polling interval.
func (t *Trigger) Interval() time.Duration {
	return t.interval
}

// CycleCount returns the number of cycles the trigger has run.
func (t *Trigger) CycleCount() uint64 {
	return t.cycleCount.Load()
}

// LastStats returns the statistics of the trigger's most recent cycle, or
// nil.
func (t *Trigger) LastStats() *CycleStats {
	v := t.lastStats.Load()
	if v == nil {
		return nil
	}
	return v.(*CycleStats)
}

// CollectNow runs a cycle up to last regardless of the allocation
// threshold.
func (t *Trigger) CollectNow(last Generation) (*CycleStats, error) {
	return t.collect(last)
}

// Due reports whether enough has been allocated since the last cycle.
func (t *Trigger) Due() bool {
	threshold := int64(t.heap.Options().NurseryBytes)
	return threshold > 0 && t.heap.BytesAllocated()-t.lastAllocated.Load() >= threshold
}

func (t *Trigger) loop(stopCh <-chan struct{}, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if t.enabled.Load() && t.Due() {
				if _, err := t.collect(Nursery); err != nil {
					log.Errorf("triggered collection: %s", err)
				}
			}
		}
	}
}

func (t *Trigger) collect(last Generation) (*CycleStats, error) {
	// BytesAllocated and Collect each take the world lock.
	allocated := t.heap.BytesAllocated()
	st, err := t.heap.Collect(last)
	if err != nil {
		return nil, err
	}
	t.lastAllocated.Store(allocated)
	t.cycleCount.Add(1)
	t.lastStats.Store(st)
	if t.OnCycle != nil {
		t.OnCycle(st)
	}
	return st, nil
}
