package gc

import (
	"github.com/chazu/scavenger/layout"
)

// markSweepCollector collects without moving anything. Reachable objects
// are marked out of band, dead ones are overwritten with fillers, and
// blocks left without a live object are returned to the page table.
type markSweepCollector struct {
	heap *Heap
}

func (c *markSweepCollector) Name() string { return StrategyMarkSweep }

// marker is the tracer of the mark-sweep collector.
type marker struct {
	heap   *Heap
	mem    *Memory
	last   Generation
	marked map[Addr]bool
	stack  []Addr
	count  int64
}

func (mk *marker) Memory() *Memory { return mk.mem }

func (mk *marker) Weak() *WeakTracker { return mk.heap.weak }

func (mk *marker) collected(g Generation) bool { return g <= mk.last }

func (mk *marker) Fix(r Ref) Ref {
	if !r.IsPointer() {
		return r
	}
	h := mk.heap
	a := r.Native()
	if i, ok := h.pages.PageIndex(a); ok {
		p := h.pages.Page(i)
		if p.Type == PageFree || !mk.collected(p.Gen) {
			return r
		}
		start := objectStart(mk.mem, r)
		if !mk.marked[start] {
			mk.marked[start] = true
			mk.stack = append(mk.stack, start)
			mk.count++
		}
		return r
	}
	if h.immobile.Contains(a) {
		obj := h.immobile.ObjectOf(r)
		if h.immobile.IsFiller(obj) {
			lose("filler", "%#x points into the filler at %#x", r, obj)
		}
		g := h.immobile.GenerationOf(obj)
		if mk.collected(g) && !h.immobile.Visited(obj) {
			h.immobile.Promote(obj, g, true)
			mk.stack = append(mk.stack, obj)
			mk.count++
		}
	}
	return r
}

func (mk *marker) Alive(r Ref) (Ref, bool) {
	if !r.IsPointer() {
		return r, true
	}
	h := mk.heap
	a := r.Native()
	if i, ok := h.pages.PageIndex(a); ok {
		p := h.pages.Page(i)
		if p.Type == PageFree || !mk.collected(p.Gen) {
			return r, true
		}
		return r, mk.marked[objectStart(mk.mem, r)]
	}
	if h.immobile.Contains(a) {
		obj := h.immobile.ObjectOf(r)
		if mk.collected(h.immobile.GenerationOf(obj)) {
			return r, h.immobile.Visited(obj)
		}
	}
	return r, true
}

func (mk *marker) drain() bool {
	progress := false
	for len(mk.stack) > 0 {
		obj := mk.stack[len(mk.stack)-1]
		mk.stack = mk.stack[:len(mk.stack)-1]
		ScavengeObject(mk, obj)
		progress = true
	}
	return progress
}

func (c *markSweepCollector) Collect(last Generation) *CycleStats {
	h := c.heap
	st := &CycleStats{}
	h.closeAllocators()
	h.weak.Reset()

	raise := make(map[Generation]bool)
	for g := Nursery; g <= last; g++ {
		raise[g] = h.shouldRaise(g, last)
	}

	mk := &marker{heap: h, mem: h.mem, last: last, marked: make(map[Addr]bool)}
	var swept []Block
	h.pages.Blocks(func(b Block) bool {
		if mk.collected(b.Gen) {
			swept = append(swept, b)
		} else if b.Type.Base() != PageUnboxed {
			ScavengeRange(mk, b.Start, b.End())
		}
		return true
	})
	scavengeThreads(mk, h.threads)
	scavengeSpace(mk, h.static)
	h.immobile.ScavengeRoots(mk, func(g Generation) bool { return !mk.collected(g) })

	for {
		mk.drain()
		if !h.weak.ScavengeWeakTables(mk) {
			break
		}
	}
	h.weak.FinishTracing()
	h.weak.ResolveWeakTables(mk)
	h.weak.ResolveWeakPointers(mk)

	for _, b := range swept {
		st.BytesFreed += c.sweepBlock(mk, b, raise[b.Gen])
	}
	sweep := h.immobile.Sweep(mk.collected, func(g Generation) Generation {
		if raise[g] {
			return g + 1
		}
		return g
	})

	for g := Nursery; g <= last; g++ {
		h.raiseOrAge(g, raise[g])
		if raise[g] {
			st.Raised = append(st.Raised, int(g))
		}
	}
	st.ObjectsMarked = mk.count
	st.addWeak(h.weak.Stats())
	st.addSweep(sweep)
	return st
}

// sweepBlock fills the dead objects of b and returns the bytes reclaimed.
// A block with no survivor is revoked; a dead tail is trimmed.
func (c *markSweepCollector) sweepBlock(mk *marker, b Block, raise bool) int64 {
	h := c.heap
	m := h.mem
	var freed int64
	live := 0

	var runStart Addr
	runWords := 0
	flush := func() {
		if runWords > 0 {
			writeFiller(m, runStart, runWords)
		}
		runWords = 0
	}
	for p := b.Start; p < b.End(); {
		n := SizeOf(m, p)
		w := m.Load(p)
		dead := layout.IsHeader(w) && layout.IsFillerHeader(layout.Header(w))
		if !dead && !mk.marked[p] {
			dead = true
			freed += int64(n * layout.WordBytes)
		}
		if dead {
			if runWords == 0 {
				runStart = p
			}
			runWords += n
		} else {
			flush()
			live++
		}
		p += Addr(n * layout.WordBytes)
	}

	if live == 0 {
		h.pages.Revoke(b.Start)
		return freed
	}
	if runWords > 0 && runStart+Addr(runWords*layout.WordBytes) == b.End() {
		m.ZeroWords(runStart, runWords)
		h.pages.SetUsed(b.Start, int(runStart-b.Start))
		h.pages.Close(b.Start, b.Large)
		runWords = 0
	}
	flush()
	if raise {
		h.pages.Relabel(b.Start, b.Gen+1)
	}
	return freed
}
