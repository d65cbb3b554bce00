package gc

import (
	"sync/atomic"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Trigger Unit Tests
// ---------------------------------------------------------------------------

func newTriggerHeap(t *testing.T) *Heap {
	return newTestHeap(t, func(o *Options) { o.NurseryBytes = 4096 })
}

func TestTriggerDue(t *testing.T) {
	h := newTriggerHeap(t)
	tr := NewTrigger(h, time.Hour)

	if tr.Due() {
		t.Errorf("Expected a fresh heap not to be due")
	}
	garbage(h.Builder, 300)
	if !tr.Due() {
		t.Errorf("Expected %d allocated bytes to make the trigger due", h.BytesAllocated())
	}

	st, err := tr.CollectNow(Nursery)
	if err != nil {
		t.Fatalf("CollectNow failed: %v", err)
	}
	if tr.Due() {
		t.Errorf("Expected the trigger not to be due right after a cycle")
	}
	if tr.CycleCount() != 1 {
		t.Errorf("Expected 1 cycle, got %d", tr.CycleCount())
	}
	if tr.LastStats() != st {
		t.Errorf("Expected LastStats to return the cycle just run")
	}
}

func TestTriggerDefaults(t *testing.T) {
	h := newTriggerHeap(t)
	tr := NewTrigger(h, 0)
	if tr.Interval() != DefaultTriggerInterval {
		t.Errorf("Expected interval %s, got %s", DefaultTriggerInterval, tr.Interval())
	}
	if !tr.IsEnabled() {
		t.Errorf("Expected a new trigger to be enabled")
	}
	if tr.LastStats() != nil {
		t.Errorf("Expected no stats before the first cycle")
	}
	// Stop on a trigger that never started is a no-op.
	tr.Stop()
}

func TestTriggerStartStop(t *testing.T) {
	h := newTriggerHeap(t)
	h.SetRoot(0, list(h.Builder, 1, 2, 3))
	garbage(h.Builder, 300)

	tr := NewTrigger(h, 5*time.Millisecond)
	var cycles atomic.Int32
	tr.OnCycle = func(*CycleStats) { cycles.Add(1) }
	tr.Start()
	tr.Start()
	defer tr.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for tr.CycleCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if tr.CycleCount() == 0 {
		t.Fatalf("Expected the trigger to collect within 2s")
	}
	tr.Stop()

	if int(cycles.Load()) != int(tr.CycleCount()) {
		t.Errorf("Expected OnCycle once per cycle, got %d for %d", cycles.Load(), tr.CycleCount())
	}
	h.Lock()
	got := listValues(h, h.Root(0))
	h.Unlock()
	if len(got) != 3 {
		t.Errorf("Expected the rooted list to survive triggered cycles, got %v", got)
	}
}

func TestTriggerWithConcurrentMutator(t *testing.T) {
	h := newTriggerHeap(t)
	h.SetRoot(0, list(h.Builder, 1, 2, 3))

	tr := NewTrigger(h, time.Millisecond)
	tr.Start()
	defer tr.Stop()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		h.Lock()
		garbage(h.Builder, 50)
		h.Unlock()
		time.Sleep(100 * time.Microsecond)
	}
	tr.Stop()

	if tr.CycleCount() == 0 {
		t.Errorf("Expected the trigger to collect while the mutator allocated")
	}
	h.Lock()
	got := listValues(h, h.Root(0))
	h.Unlock()
	if len(got) != 3 {
		t.Errorf("Expected the rooted list to survive, got %v", got)
	}
}

func TestTriggerDisabled(t *testing.T) {
	h := newTriggerHeap(t)
	garbage(h.Builder, 300)

	tr := NewTrigger(h, 2*time.Millisecond)
	tr.SetEnabled(false)
	tr.Start()
	time.Sleep(30 * time.Millisecond)
	tr.Stop()

	if tr.CycleCount() != 0 {
		t.Errorf("Expected a disabled trigger not to collect, got %d cycles", tr.CycleCount())
	}
	if h.Cycles() != 0 {
		t.Errorf("Expected no heap cycles, got %d", h.Cycles())
	}
	if !tr.Due() {
		t.Errorf("Expected the trigger to still be due")
	}
}
