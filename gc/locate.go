package gc

import (
	"github.com/chazu/scavenger/layout"
)

// Locator maps arbitrary addresses to the objects containing them. It
// never mutates the heap.
type Locator struct {
	heap *Heap
}

// BoundedScan walks the objects packed from start and returns the one
// containing a. It gives up once the walk reaches limit. An address
// inside a filler is not found.
func BoundedScan(m *Memory, a, start, limit Addr) (Addr, bool) {
	if a < start || a >= limit {
		return 0, false
	}
	for p := start; p < limit; {
		n := SizeOf(m, p)
		if n <= 0 {
			return 0, false
		}
		next := p + Addr(n*layout.WordBytes)
		if a < next {
			if layout.IsHeader(m.Load(p)) && layout.IsFillerHeader(m.LoadHeader(p)) {
				return 0, false
			}
			return p, true
		}
		p = next
	}
	return 0, false
}

// FindContainingObject returns the start of the object in space that
// contains a. Each space is walked according to how it is allocated:
// linear spaces from their base, the dynamic space from the start of the
// block holding a.
func (l *Locator) FindContainingObject(space SpaceID, a Addr) (Addr, bool) {
	h := l.heap
	switch space {
	case SpaceReadOnly, SpaceStatic, SpaceImmobile:
		s := h.Space(space)
		if !s.Contains(a) {
			return 0, false
		}
		return BoundedScan(h.mem, a, s.Start, s.Free)
	case SpaceDynamic:
		b, ok := h.pages.BlockOf(a)
		if !ok {
			return 0, false
		}
		return BoundedScan(h.mem, a, b.Start, b.End())
	}
	return 0, false
}

// Location is the result of SearchAll.
type Location struct {
	Space SpaceID
	Start Addr
	// Ref is the object's properly tagged reference.
	Ref Ref
}

// SearchAll looks for the object containing a in every object space.
func (l *Locator) SearchAll(a Addr) (Location, bool) {
	for _, id := range []SpaceID{SpaceDynamic, SpaceImmobile, SpaceStatic, SpaceReadOnly} {
		if start, ok := l.FindContainingObject(id, a); ok {
			return Location{Space: id, Start: start, Ref: l.TaggedRef(start)}, true
		}
	}
	return Location{}, false
}

// TaggedRef returns the reference to the object at start, tagged with the
// lowtag its header calls for.
func (l *Locator) TaggedRef(start Addr) Ref {
	m := l.heap.mem
	w := m.Load(start)
	if !layout.IsHeader(w) {
		return layout.MakeRef(start, layout.ListPointerLowtag)
	}
	lt, ok := layout.ExpectedLowtag(layout.Header(w).Widetag())
	assert(ok, "locate", "object at %#x has no lowtag", start)
	return layout.MakeRef(start, lt)
}

// ValidPointer reports whether r is a properly tagged reference to the
// start of a live object (or one of a code object's simple-funs).
func (l *Locator) ValidPointer(r Ref) bool {
	if !r.IsPointer() {
		return false
	}
	loc, ok := l.SearchAll(r.Native())
	if !ok {
		return false
	}
	return l.heap.mem.ProperlyTagged(r, loc.Start)
}
