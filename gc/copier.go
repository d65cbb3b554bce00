package gc

import (
	"github.com/chazu/scavenger/layout"
)

// CopyStats counts the work of one Copier.
type CopyStats struct {
	Objects       int64
	Bytes         int64
	LargePromoted int64
	CodeObjects   int64
}

// Copier evacuates one generation of the dynamic space. Relocations are
// recorded out of band, keyed by the old object start, so an object
// reached through any number of slots is copied once.
//
// A Copier is the tracer of the copying collector.
type Copier struct {
	mem        *Memory
	pages      *PageTable
	alloc      *Allocator
	imm        *ImmobileSpace
	weak       *WeakTracker
	largeBytes int

	from Generation
	to   Generation

	forward  map[Addr]Addr
	immQueue []Addr
	stats    CopyStats
}

// NewCopier prepares to evacuate generation from into generation to of
// the heap's dynamic space.
func NewCopier(h *Heap, from, to Generation) *Copier {
	assert(from != to, "copier", "from and to are both %s", from)
	alloc := NewAllocator(h.pages, to, h.opts.RegionBytes, h.opts.LargeObjectBytes)
	alloc.TrackSpans()
	return &Copier{
		mem:        h.mem,
		pages:      h.pages,
		alloc:      alloc,
		imm:        h.immobile,
		weak:       h.weak,
		largeBytes: h.opts.LargeObjectBytes,
		from:       from,
		to:         to,
		forward:    make(map[Addr]Addr),
	}
}

// Memory implements Tracer.
func (c *Copier) Memory() *Memory { return c.mem }

// Weak implements Tracer.
func (c *Copier) Weak() *WeakTracker { return c.weak }

// Allocator returns the allocator that receives the copies.
func (c *Copier) Allocator() *Allocator { return c.alloc }

// Stats returns the copy counters.
func (c *Copier) Stats() CopyStats { return c.stats }

// InFromSpace reports whether a lies on a page of the generation being
// evacuated.
func (c *Copier) InFromSpace(a Addr) bool {
	i, ok := c.pages.PageIndex(a)
	if !ok {
		return false
	}
	p := c.pages.Page(i)
	return p.Type != PageFree && p.Gen == c.from
}

// Forwarded returns the new start of the object that started at old.
func (c *Copier) Forwarded(old Addr) (Addr, bool) {
	dst, ok := c.forward[old]
	return dst, ok
}

// Fix implements Tracer.
func (c *Copier) Fix(r Ref) Ref {
	if !r.IsPointer() {
		return r
	}
	a := r.Native()
	if c.InFromSpace(a) {
		start := objectStart(c.mem, r)
		if dst, ok := c.forward[start]; ok {
			return r.Offset(int64(dst) - int64(start))
		}
		return categoryOf(c.mem.Load(a)).Transport(c, r)
	}
	if c.imm != nil && c.imm.Contains(a) {
		c.reachImmobile(r)
	}
	return r
}

// Alive implements Tracer.
func (c *Copier) Alive(r Ref) (Ref, bool) {
	if !r.IsPointer() {
		return r, true
	}
	a := r.Native()
	if c.InFromSpace(a) {
		start := objectStart(c.mem, r)
		if dst, ok := c.forward[start]; ok {
			return r.Offset(int64(dst) - int64(start)), true
		}
		return r, false
	}
	if c.imm != nil && c.imm.Contains(a) {
		obj := c.imm.ObjectOf(r)
		if c.imm.GenerationOf(obj) == c.from && !c.imm.Visited(obj) {
			return r, false
		}
	}
	return r, true
}

func (c *Copier) reachImmobile(r Ref) {
	obj := c.imm.ObjectOf(r)
	if c.imm.IsFiller(obj) {
		lose("filler", "%#x points into the filler at %#x", r, obj)
	}
	if c.imm.GenerationOf(obj) != c.from || c.imm.Visited(obj) {
		return
	}
	c.imm.Promote(obj, c.from, true)
	c.immQueue = append(c.immQueue, obj)
}

// drainImmobile scans immobile objects reached since the last call.
func (c *Copier) drainImmobile() bool {
	progress := false
	for len(c.immQueue) > 0 {
		obj := c.immQueue[len(c.immQueue)-1]
		c.immQueue = c.immQueue[:len(c.immQueue)-1]
		ScavengeObject(c, obj)
		progress = true
	}
	return progress
}

// scavengeNewSpace scans everything copied since the last call, including
// what gets copied while scanning, until the scan cursor of every span
// meets its allocation cursor. Unboxed spans hold no references.
func (c *Copier) scavengeNewSpace() bool {
	progress := false
	for i := 0; i < len(c.alloc.spans); i++ {
		s := c.alloc.spans[i]
		for s.Scanned < s.End {
			end := s.End
			if s.Type != PageUnboxed {
				ScavengeRange(c, s.Scanned, end)
				progress = true
			}
			s.Scanned = end
		}
	}
	return progress
}

// ---------------------------------------------------------------------------
// Promotion
// ---------------------------------------------------------------------------

// Copy relocates the from-space object obj of nwords words onto pages of
// type t in the destination generation and returns the new reference,
// tagged like obj. An object that was already copied is not copied again.
func (c *Copier) Copy(obj Ref, nwords int, t PageType) Ref {
	assert(obj.IsPointer(), "copy", "%#x is not a heap pointer", obj)
	assert(nwords > 0 && nwords%2 == 0, "copy", "%#x: word count %d is not even", obj, nwords)
	start := obj.Native()
	assert(c.InFromSpace(start), "copy", "%#x is not in from-space (%s)", obj, c.from)
	if dst, ok := c.forward[start]; ok {
		return obj.Retag(dst)
	}

	nbytes := nwords * layout.WordBytes
	dst := c.alloc.Allocate(nbytes, t, true)
	c.mem.CopyWords(dst, start, nwords)
	c.forward[start] = dst
	c.stats.Objects++
	c.stats.Bytes += int64(nbytes)

	moved := obj.Retag(dst)
	dcheck(moved.Lowtag() == obj.Lowtag(), "copy", "lowtag changed from %#x to %#x", obj.Lowtag(), moved.Lowtag())
	dcheck(!c.InFromSpace(dst), "copy", "copy of %#x landed in from-space at %#x", obj, dst)
	return moved
}

// CopyObject copies a small boxed object.
func (c *Copier) CopyObject(obj Ref, nwords int) Ref {
	return c.Copy(obj, nwords, PageBoxed)
}

// CopyUnboxedObject copies a small raw-data object.
func (c *Copier) CopyUnboxedObject(obj Ref, nwords int) Ref {
	return c.Copy(obj, nwords, PageUnboxed)
}

// CopyLargeObject promotes a large boxed object.
func (c *Copier) CopyLargeObject(obj Ref, nwords int) Ref {
	return c.copyLarge(obj, nwords, PageBoxed)
}

// CopyLargeUnboxedObject promotes a large raw-data object.
func (c *Copier) CopyLargeUnboxedObject(obj Ref, nwords int) Ref {
	return c.copyLarge(obj, nwords, PageUnboxed)
}

// copyLarge moves an object that owns a whole block by relabelling the
// block's pages; the object stays where it is. Anything else is copied.
func (c *Copier) copyLarge(obj Ref, nwords int, t PageType) Ref {
	assert(obj.IsPointer(), "copy", "%#x is not a heap pointer", obj)
	assert(nwords > 0 && nwords%2 == 0, "copy", "%#x: word count %d is not even", obj, nwords)
	start := obj.Native()
	if dst, ok := c.forward[start]; ok {
		return obj.Retag(dst)
	}
	b, ok := c.pages.BlockOf(start)
	if ok && b.Large && b.Start == start && b.Gen == c.from {
		assert(b.Used == nwords*layout.WordBytes, "copy", "large block %#x holds %d bytes, object is %d words", start, b.Used, nwords)
		c.pages.Relabel(start, c.to)
		c.alloc.AddSpan(start, b.End(), b.Type)
		c.forward[start] = start
		c.stats.LargePromoted++
		return obj
	}
	return c.Copy(obj, nwords, t)
}

// CopyCodeObject copies a code object and points the entry address of
// each embedded simple-fun at its new location.
func (c *Copier) CopyCodeObject(obj Ref, nwords int) Ref {
	assert(obj.Lowtag() == layout.OtherPointerLowtag, "copy", "code object %#x without an other-pointer lowtag", obj)
	start := obj.Native()
	if dst, ok := c.forward[start]; ok {
		return obj.Retag(dst)
	}
	var moved Ref
	if nwords*layout.WordBytes >= c.largeBytes {
		moved = c.copyLarge(obj, nwords, PageCode)
	} else {
		moved = c.Copy(obj, nwords, PageCode)
	}
	c.stats.CodeObjects++
	if moved.Native() != start {
		forEachSimpleFun(c.mem, moved.Native(), func(_ int, fun Addr) {
			c.mem.Store(slotAddr(fun, layout.SimpleFunSelfSlot), Word(fun+layout.SimpleFunEntryBytes))
		})
	}
	return moved
}

// transportBoxed picks between the small and large boxed paths.
func (c *Copier) transportBoxed(ref Ref, nwords int) Ref {
	if nwords*layout.WordBytes >= c.largeBytes {
		return c.CopyLargeObject(ref, nwords)
	}
	return c.CopyObject(ref, nwords)
}
