package gc

import (
	"fmt"

	"github.com/chazu/scavenger/layout"
)

// ImmobileSpace holds objects that are never moved. Their age lives in the
// generation byte of their header, and the space keeps a per-card mask of
// the generations that start objects on each card.
//
// Reclaimed objects are overwritten with fillers: code headers with two
// header words and a clear generation byte, sized by the fixnum in word 1.
type ImmobileSpace struct {
	mem       *Memory
	space     *Space
	cardBytes int
	cardGens  []uint8
}

// NewImmobileSpace manages space in cards of cardBytes.
func NewImmobileSpace(m *Memory, space *Space, cardBytes int) (*ImmobileSpace, error) {
	if cardBytes < layout.DualWordBytes || cardBytes&(cardBytes-1) != 0 {
		return nil, fmt.Errorf("immobile card size %d is not a power of two", cardBytes)
	}
	if space.Bytes()%cardBytes != 0 {
		return nil, fmt.Errorf("immobile space size %d is not a multiple of the card size %d", space.Bytes(), cardBytes)
	}
	return &ImmobileSpace{
		mem:       m,
		space:     space,
		cardBytes: cardBytes,
		cardGens:  make([]uint8, space.Bytes()/cardBytes),
	}, nil
}

// Space returns the underlying mapping.
func (s *ImmobileSpace) Space() *Space { return s.space }

// Contains reports whether a lies in the immobile space.
func (s *ImmobileSpace) Contains(a Addr) bool { return s.space.Contains(a) }

// PageIndexOf returns the card holding a. Addresses outside the space,
// including its end address, are not found.
func (s *ImmobileSpace) PageIndexOf(a Addr) (int, bool) {
	if a < s.space.Start || a >= s.space.End {
		return 0, false
	}
	return int(a-s.space.Start) / s.cardBytes, true
}

// NumCards returns the number of cards.
func (s *ImmobileSpace) NumCards() int { return len(s.cardGens) }

// CardGenerations returns the mask of generations with objects starting
// on card i.
func (s *ImmobileSpace) CardGenerations(i int) uint8 { return s.cardGens[i] }

// HasGeneration reports whether any card holds an object of gen.
func (s *ImmobileSpace) HasGeneration(gen Generation) bool {
	bit := uint8(1) << gen
	for _, m := range s.cardGens {
		if m&bit != 0 {
			return true
		}
	}
	return false
}

func (s *ImmobileSpace) markCard(obj Addr, gen Generation) {
	if i, ok := s.PageIndexOf(obj); ok {
		s.cardGens[i] |= 1 << gen
	}
}

// Allocate carves nwords off the end of the space. The caller writes the
// header and then calls SetGeneration.
func (s *ImmobileSpace) Allocate(nwords int) (Addr, error) {
	return s.space.Bump(nwords)
}

// ObjectOf returns the object a reference designates. Simple-funs have no
// generation byte of their own and resolve to their code object.
func (s *ImmobileSpace) ObjectOf(r Ref) Addr {
	return objectStart(s.mem, r)
}

func (s *ImmobileSpace) owner(obj Addr) Addr {
	h := s.mem.LoadHeader(obj)
	if h.Widetag() == layout.SimpleFunWidetag {
		return funCodeStart(h, obj)
	}
	dcheck(layout.IsHeader(Word(h)), "immobile", "object at %#x has no header", obj)
	return obj
}

// GenerationOf returns the generation recorded in obj's header.
func (s *ImmobileSpace) GenerationOf(obj Addr) Generation {
	obj = s.owner(obj)
	return Generation(s.mem.LoadHeader(obj).GenBits() & layout.GenerationMask)
}

// Visited reports whether obj was reached in the current cycle.
func (s *ImmobileSpace) Visited(obj Addr) bool {
	obj = s.owner(obj)
	return s.mem.LoadHeader(obj).GenBits()&layout.VisitedFlag != 0
}

// SetGeneration records gen unconditionally. It is for newly allocated
// objects; collectors use Promote.
func (s *ImmobileSpace) SetGeneration(obj Addr, gen Generation) {
	obj = s.owner(obj)
	h := s.mem.LoadHeader(obj)
	s.mem.StoreHeader(obj, h.WithGenBits(uint8(gen)|h.GenBits()&layout.VisitedFlag))
	s.markCard(obj, gen)
}

// Promote raises obj to generation gen, or leaves it where it is if it is
// already older. With markVisited the object is also flagged as reached.
// Only header metadata changes.
func (s *ImmobileSpace) Promote(obj Addr, gen Generation, markVisited bool) {
	assert(gen >= 0 && gen < NumGenerations, "promote", "generation %d out of range", gen)
	obj = s.owner(obj)
	h := s.mem.LoadHeader(obj)
	assert(!layout.IsFillerHeader(h), "promote", "promoting the filler at %#x", obj)
	bits := h.GenBits()
	cur := Generation(bits & layout.GenerationMask)
	next := max(cur, gen)
	newBits := uint8(next) | bits&layout.VisitedFlag
	if markVisited {
		newBits |= layout.VisitedFlag
	}
	s.mem.StoreHeader(obj, h.WithGenBits(newBits))
	s.markCard(obj, next)
}

func (s *ImmobileSpace) clearVisited(obj Addr) {
	h := s.mem.LoadHeader(obj)
	s.mem.StoreHeader(obj, h.WithGenBits(h.GenBits()&^layout.VisitedFlag))
}

// IsFiller reports whether obj carries the filler pattern.
func (s *ImmobileSpace) IsFiller(obj Addr) bool {
	return layout.IsFillerHeader(s.mem.LoadHeader(obj))
}

// WriteFiller turns the nwords at obj into a filler.
func (s *ImmobileSpace) WriteFiller(obj Addr, nwords int) {
	writeFiller(s.mem, obj, nwords)
}

func writeFiller(m *Memory, obj Addr, nwords int) {
	assert(nwords >= 2 && nwords%2 == 0, "filler", "filler of %d words at %#x", nwords, obj)
	m.ZeroWords(obj, nwords)
	m.StoreHeader(obj, layout.MakeHeader(layout.CodeHeaderWidetag, 2))
	m.StoreRef(slotAddr(obj, layout.CodeSizeSlot), layout.Fixnum(int64((nwords-2)*layout.WordBytes)))
}

// SetLayout replaces the layout half of an instance header, keeping the
// widetag, payload and generation byte.
func (s *ImmobileSpace) SetLayout(inst Addr, l Ref) {
	setLayout(s.mem, inst, l)
}

func setLayout(m *Memory, inst Addr, l Ref) {
	h := m.LoadHeader(inst)
	assert(h.Widetag() == layout.InstanceWidetag, "set layout", "%#x is a %s", inst, layout.WidetagName(h.Widetag()))
	m.StoreHeader(inst, h.WithLayout(l))
}

// Walk calls fn for every object, fillers included, in address order.
func (s *ImmobileSpace) Walk(fn func(obj Addr, nwords int) bool) {
	for p := s.space.Start; p < s.space.Free; {
		n := SizeOf(s.mem, p)
		assert(n > 0 && n%2 == 0, "object size", "immobile object at %#x has size %d", p, n)
		if !fn(p, n) {
			return
		}
		p += Addr(n * layout.WordBytes)
	}
}

// ScavengeRoots scans every live object for which root returns true.
func (s *ImmobileSpace) ScavengeRoots(t Tracer, root func(Generation) bool) {
	s.Walk(func(obj Addr, _ int) bool {
		if !s.IsFiller(obj) && root(s.GenerationOf(obj)) {
			ScavengeObject(t, obj)
		}
		return true
	})
}

// SweepStats reports one sweep.
type SweepStats struct {
	Survivors  int
	Freed      int
	FreedBytes int64
}

// Sweep ends a cycle. Objects of a collected generation that were visited
// are promoted and unflagged; unvisited ones become fillers. Adjacent
// fillers are merged, and a filler at the end of the space is returned to
// the free pointer.
func (s *ImmobileSpace) Sweep(collected func(Generation) bool, promote func(Generation) Generation) SweepStats {
	var st SweepStats
	clear(s.cardGens)

	var runStart Addr
	runWords := 0
	flush := func() {
		if runWords > 0 {
			writeFiller(s.mem, runStart, runWords)
		}
		runWords = 0
	}

	s.Walk(func(obj Addr, n int) bool {
		dead := s.IsFiller(obj)
		if !dead {
			gen := s.GenerationOf(obj)
			switch {
			case !collected(gen):
				dcheck(!s.Visited(obj), "immobile sweep", "%#x of uncollected %s is flagged visited", obj, gen)
				s.markCard(obj, gen)
			case s.Visited(obj):
				s.clearVisited(obj)
				s.Promote(obj, promote(gen), false)
				st.Survivors++
			default:
				dead = true
				st.Freed++
				st.FreedBytes += int64(n * layout.WordBytes)
			}
		}
		if !dead {
			flush()
			return true
		}
		if runWords == 0 {
			runStart = obj
		}
		runWords += n
		return true
	})

	if runWords > 0 && runStart+Addr(runWords*layout.WordBytes) == s.space.Free {
		s.mem.ZeroWords(runStart, runWords)
		s.space.Free = runStart
		runWords = 0
	}
	flush()
	return st
}
