package gc

import (
	"errors"
	"fmt"

	"github.com/chazu/scavenger/layout"
)

// Short aliases for the layout types used on every line of this package.
type (
	Addr = layout.Addr
	Ref  = layout.Ref
	Word = layout.Word
)

// SpaceID names a mapped heap region.
type SpaceID uint8

const (
	SpaceReadOnly SpaceID = iota + 1
	SpaceStatic
	SpaceImmobile
	SpaceDynamic
	SpaceControlStack
)

// String returns the conventional name of the space.
func (id SpaceID) String() string {
	switch id {
	case SpaceReadOnly:
		return "read-only"
	case SpaceStatic:
		return "static"
	case SpaceImmobile:
		return "immobile"
	case SpaceDynamic:
		return "dynamic"
	case SpaceControlStack:
		return "control-stack"
	default:
		return fmt.Sprintf("space-%d", uint8(id))
	}
}

var (
	// ErrSpaceOverlap is returned when a new mapping intersects an old one.
	ErrSpaceOverlap = errors.New("space overlaps an existing mapping")
	// ErrSpaceFull is returned when a linearly allocated space is exhausted.
	ErrSpaceFull = errors.New("space full")
)

// Space is one contiguous mapped region of simulated memory.
type Space struct {
	ID    SpaceID
	Start Addr
	End   Addr

	// Free is the bump pointer for spaces that are filled linearly
	// (read-only, static, immobile, control stacks). The dynamic space
	// is managed by its page table instead.
	Free Addr

	words []Word
}

// Contains returns true if a lies inside the space.
func (s *Space) Contains(a Addr) bool {
	return a >= s.Start && a < s.End
}

// Bytes returns the mapped size of the space.
func (s *Space) Bytes() int {
	return int(s.End - s.Start)
}

// Bump carves nwords (rounded up to an even count) off the space's free
// pointer and returns the start address.
func (s *Space) Bump(nwords int) (Addr, error) {
	nbytes := layout.Ceiling(nwords, 2) * layout.WordBytes
	if nbytes <= 0 {
		return 0, fmt.Errorf("%s space: bad allocation size %d words", s.ID, nwords)
	}
	if s.Free+Addr(nbytes) > s.End {
		return 0, fmt.Errorf("%s space: %w", s.ID, ErrSpaceFull)
	}
	a := s.Free
	s.Free += Addr(nbytes)
	return a, nil
}

func (s *Space) zero(a Addr, nwords int) {
	i := (a - s.Start) >> layout.WordShift
	clear(s.words[i : i+Addr(nwords)])
}

// Memory is the simulated address space: a set of non-overlapping word
// arrays, each mapped at a fixed base address.
type Memory struct {
	spaces []*Space
	last   *Space
}

// NewMemory creates an empty address space.
func NewMemory() *Memory {
	return &Memory{}
}

// Map creates a zero-filled space of nbytes at start. Both must be
// multiples of the dual-word granule.
func (m *Memory) Map(id SpaceID, start Addr, nbytes int) (*Space, error) {
	if start%layout.DualWordBytes != 0 || nbytes <= 0 || nbytes%layout.DualWordBytes != 0 {
		return nil, fmt.Errorf("map %s space at %#x (%d bytes): misaligned", id, start, nbytes)
	}
	end := start + Addr(nbytes)
	for _, s := range m.spaces {
		if start < s.End && s.Start < end {
			return nil, fmt.Errorf("map %s space at %#x: %w (%s)", id, start, ErrSpaceOverlap, s.ID)
		}
	}
	s := &Space{
		ID:    id,
		Start: start,
		End:   end,
		Free:  start,
		words: make([]Word, nbytes/layout.WordBytes),
	}
	m.spaces = append(m.spaces, s)
	return s, nil
}

// Spaces returns every mapped space in mapping order.
func (m *Memory) Spaces() []*Space {
	return m.spaces
}

// SpaceOf returns the space containing a, or nil.
func (m *Memory) SpaceOf(a Addr) *Space {
	if s := m.last; s != nil && s.Contains(a) {
		return s
	}
	for _, s := range m.spaces {
		if s.Contains(a) {
			m.last = s
			return s
		}
	}
	return nil
}

func (m *Memory) slot(a Addr) *Word {
	s := m.SpaceOf(a)
	if s == nil {
		lose("memory", "access to unmapped address %#x", a)
	}
	if a%layout.WordBytes != 0 {
		lose("memory", "unaligned word access at %#x", a)
	}
	return &s.words[(a-s.Start)>>layout.WordShift]
}

// Load reads the word at a.
func (m *Memory) Load(a Addr) Word {
	return *m.slot(a)
}

// Store writes the word at a.
func (m *Memory) Store(a Addr, w Word) {
	*m.slot(a) = w
}

// LoadRef reads the word at a as a tagged reference.
func (m *Memory) LoadRef(a Addr) Ref {
	return Ref(m.Load(a))
}

// StoreRef writes a tagged reference at a.
func (m *Memory) StoreRef(a Addr, r Ref) {
	m.Store(a, Word(r))
}

// LoadHeader reads the header word of the object at a.
func (m *Memory) LoadHeader(a Addr) layout.Header {
	return layout.Header(m.Load(a))
}

// StoreHeader writes the header word of the object at a.
func (m *Memory) StoreHeader(a Addr, h layout.Header) {
	m.Store(a, Word(h))
}

// LoadUint32 reads a little-endian 32-bit value at a 4-byte aligned a.
func (m *Memory) LoadUint32(a Addr) uint32 {
	if a%4 != 0 {
		lose("memory", "unaligned 32-bit access at %#x", a)
	}
	w := m.Load(a &^ (layout.WordBytes - 1))
	return uint32(w >> ((a % layout.WordBytes) * 8))
}

// StoreUint32 writes a little-endian 32-bit value at a 4-byte aligned a.
func (m *Memory) StoreUint32(a Addr, v uint32) {
	if a%4 != 0 {
		lose("memory", "unaligned 32-bit access at %#x", a)
	}
	base := a &^ (layout.WordBytes - 1)
	shift := (a % layout.WordBytes) * 8
	w := m.Load(base)
	w = w&^(Word(0xFFFFFFFF)<<shift) | Word(v)<<shift
	m.Store(base, w)
}

// CopyWords copies n words from src to dst. The ranges must not overlap
// and must each lie inside a single space.
func (m *Memory) CopyWords(dst, src Addr, n int) {
	if n == 0 {
		return
	}
	ds, ss := m.SpaceOf(dst), m.SpaceOf(src)
	if ds == nil || ss == nil || !ds.Contains(dst+Addr(n*layout.WordBytes)-1) || !ss.Contains(src+Addr(n*layout.WordBytes)-1) {
		lose("memory", "copy of %d words from %#x to %#x leaves mapped space", n, src, dst)
	}
	di := (dst - ds.Start) >> layout.WordShift
	si := (src - ss.Start) >> layout.WordShift
	copy(ds.words[di:di+Addr(n)], ss.words[si:si+Addr(n)])
}

// ZeroWords clears n words starting at a.
func (m *Memory) ZeroWords(a Addr, n int) {
	if n == 0 {
		return
	}
	s := m.SpaceOf(a)
	if s == nil || !s.Contains(a+Addr(n*layout.WordBytes)-1) {
		lose("memory", "zeroing %d words at %#x leaves mapped space", n, a)
	}
	i := (a - s.Start) >> layout.WordShift
	clear(s.words[i : i+Addr(n)])
}

// ---------------------------------------------------------------------------
// Layout decoding against memory
// ---------------------------------------------------------------------------

// Classify decodes ref, reading its referent's first word if it is a
// pointer.
func (m *Memory) Classify(ref Ref) layout.Classification {
	if !ref.IsPointer() {
		return layout.Classify(ref, 0)
	}
	return layout.Classify(ref, m.Load(ref.Native()))
}

// ProperlyTagged reports whether candidate is a correctly tagged reference
// to the object starting at start. A fun pointer into a code object must
// address one of its embedded simple-funs.
func (m *Memory) ProperlyTagged(candidate Ref, start Addr) bool {
	if !candidate.IsPointer() {
		return false
	}
	first := m.Load(start)
	if !layout.IsHeader(first) {
		return candidate.Lowtag() == layout.ListPointerLowtag && candidate.Native() == start
	}
	h := layout.Header(first)
	if h.Widetag() == layout.CodeHeaderWidetag && candidate.Lowtag() == layout.FunPointerLowtag {
		found := false
		forEachSimpleFun(m, start, func(_ int, fun Addr) {
			if fun == candidate.Native() {
				found = true
			}
		})
		return found
	}
	want, ok := layout.ExpectedLowtag(h.Widetag())
	return ok && want == candidate.Lowtag() && candidate.Native() == start
}

// InstructionRegion returns the [start, end) byte range of a code object's
// instruction area, which begins right after its header words.
func (m *Memory) InstructionRegion(code Addr) (Addr, Addr) {
	h := m.LoadHeader(code)
	assert(h.Widetag() == layout.CodeHeaderWidetag, "instruction region", "%#x is a %s, not code", code, layout.WidetagName(h.Widetag()))
	start := code + Addr(layout.CodeHeaderWords(h)*layout.WordBytes)
	nbytes := m.LoadRef(code + layout.CodeSizeSlot*layout.WordBytes).FixnumValue()
	return start, start + Addr(nbytes)
}

// objectStart returns the start of the object ref points into. Fun
// pointers to embedded simple-funs resolve to their code object.
func objectStart(m *Memory, ref Ref) Addr {
	a := ref.Native()
	if ref.Lowtag() == layout.FunPointerLowtag {
		h := m.LoadHeader(a)
		if h.Widetag() == layout.SimpleFunWidetag {
			return funCodeStart(h, a)
		}
	}
	return a
}

// funCodeStart follows a simple-fun's back offset to its code object.
func funCodeStart(h layout.Header, fun Addr) Addr {
	return fun - Addr(h.Payload()*layout.WordBytes)
}

// forEachSimpleFun calls fn with the address of every simple-fun embedded
// in the code object at code. Function 0's offset lives in the header;
// the offsets of the others sit in a uint32 table at the start of the
// instruction area.
func forEachSimpleFun(m *Memory, code Addr, fn func(i int, fun Addr)) {
	h := m.LoadHeader(code)
	n := layout.CodeFunCount(h)
	if n == 0 {
		return
	}
	insts := code + Addr(layout.CodeHeaderWords(h)*layout.WordBytes)
	offset := layout.CodeFirstFunOffset(h)
	for i := 0; i < n; i++ {
		fun := insts + Addr(offset)
		dcheck(m.LoadHeader(fun).Widetag() == layout.SimpleFunWidetag,
			"simple-fun table", "code %#x function %d at %#x is not a simple-fun", code, i, fun)
		fn(i, fun)
		if i+1 < n {
			offset = int(m.LoadUint32(insts + Addr(i*4)))
		}
	}
}
