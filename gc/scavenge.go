package gc

import (
	"github.com/chazu/scavenger/layout"
)

// Tracer is the part of a collector the per-type scan functions drive.
// The copying collector relocates from-space referents; the mark-sweep
// collector only marks them.
type Tracer interface {
	Memory() *Memory
	// Fix traces one reference and returns its current value, which
	// differs from r only if the referent moved. Immediates come back
	// unchanged.
	Fix(r Ref) Ref
	// Alive reports whether the referent of r has been reached in this
	// cycle, along with its current reference. Immediates are alive.
	Alive(r Ref) (Ref, bool)
	// Weak returns the tracker that weak objects register with.
	Weak() *WeakTracker
}

// traceSlot fixes the reference stored at a in place.
func traceSlot(t Tracer, a Addr) {
	m := t.Memory()
	r := m.LoadRef(a)
	if !r.IsPointer() {
		return
	}
	if DebugChecks() {
		checkTagged(m, r)
	}
	if nr := t.Fix(r); nr != r {
		m.StoreRef(a, nr)
	}
}

// checkTagged loses if r's lowtag disagrees with its referent's header.
func checkTagged(m *Memory, r Ref) {
	if m.SpaceOf(r.Native()) == nil {
		lose("tag consistency", "%#x points outside every space", r)
	}
	c := m.Classify(r)
	if !c.Consistent() {
		lose("tag consistency", "%#x (lowtag %#x) points at a %s", r, r.Lowtag(), layout.WidetagName(c.Widetag))
	}
}

// ScavengeWords treats each of the n words at start as a possible
// reference and fixes it. No sizes are consulted, so this suits stacks
// and other unstructured areas.
func ScavengeWords(t Tracer, start Addr, n int) {
	for i := 0; i < n; i++ {
		traceSlot(t, start+Addr(i*layout.WordBytes))
	}
}

// ScavengeRange walks the objects packed in [start, end), scanning each
// through its category. Fillers are stepped over without being scanned.
func ScavengeRange(t Tracer, start, end Addr) {
	m := t.Memory()
	dcheck(start%layout.DualWordBytes == 0, "alignment", "scavenge range starts at %#x", start)
	p := start
	for p < end {
		w := m.Load(p)
		var n int
		if layout.IsHeader(w) && layout.IsFillerHeader(layout.Header(w)) {
			n = fillerWords(m, p)
		} else {
			n = categoryOf(w).Scan(t, p)
		}
		assert(n > 0 && n%2 == 0, "object size", "object at %#x has size %d words", p, n)
		p += Addr(n * layout.WordBytes)
	}
	assert(p == end, "scavenge range", "last object overruns %#x by %d bytes", end, p-end)
}

// scavengeContext fixes the registers of a saved context. The program
// counter is a raw address inside the code object held in the code
// register, so it is moved by the same distance as that object.
func scavengeContext(t Tracer, ctx *InterruptContext) {
	var offset int64
	cr := ctx.CodeRegister
	hasCode := cr >= 0 && cr < len(ctx.Registers) && ctx.Registers[cr].IsPointer()
	if hasCode {
		offset = int64(ctx.PC) - int64(ctx.Registers[cr].Native())
	}
	for i, r := range ctx.Registers {
		if r.IsPointer() {
			ctx.Registers[i] = t.Fix(r)
		}
	}
	if hasCode {
		ctx.PC = Word(int64(ctx.Registers[cr].Native()) + offset)
	}
}

// scavengeThreads feeds every thread's control stack and saved contexts
// through the tracer.
func scavengeThreads(t Tracer, threads []*Thread) {
	for _, th := range threads {
		for _, ctx := range th.contexts {
			scavengeContext(t, ctx)
		}
		ScavengeWords(t, th.stackStart, th.Depth())
	}
}

// scavengeSpace walks the linearly allocated part of a space.
func scavengeSpace(t Tracer, s *Space) {
	if s != nil && s.Free > s.Start {
		ScavengeRange(t, s.Start, s.Free)
	}
}
