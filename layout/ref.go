package layout

// Word is one machine word of the simulated heap.
type Word uint64

// Addr is a native byte address inside one of the mapped spaces.
type Addr uint64

// Ref represents a tagged reference.
//
// The low four bits (the lowtag) tell what kind of reference a word is:
//
//	xxx0  fixnum, value shifted left by one
//	xx01  other-immediate (characters, markers) and object headers
//	0011  instance pointer
//	0111  list pointer (cons, no header)
//	1011  fun pointer (simple-fun or closure)
//	1111  other pointer
//
// Heap objects start on dual-word boundaries, so the lowtag of a pointer
// never overlaps address bits.
type Ref Word

// Word geometry
const (
	WordBytes = 8
	WordShift = 3
	WordBits  = 64

	// DualWordBytes is the allocation granule; every object occupies an
	// even number of words.
	DualWordBytes = 2 * WordBytes

	LowtagBits = 4
	LowtagMask = 1<<LowtagBits - 1

	WidetagBits = 8
	WidetagMask = 1<<WidetagBits - 1
)

// Pointer lowtags
const (
	InstancePointerLowtag uint8 = 0x3
	ListPointerLowtag     uint8 = 0x7
	FunPointerLowtag      uint8 = 0xB
	OtherPointerLowtag    uint8 = 0xF

	// pointerTagMask selects the two bits that are both set for every
	// pointer lowtag.
	pointerTagMask = 0x3

	fixnumTagMask = 0x1
	fixnumShift   = 1
)

// Fixnum range (63-bit signed)
const (
	MaxFixnum int64 = 1<<62 - 1
	MinFixnum int64 = -(1 << 62)
)

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsPointer returns true if r is a heap pointer of any lowtag.
func (r Ref) IsPointer() bool {
	return r&pointerTagMask == pointerTagMask
}

// IsFixnum returns true if r is an immediate integer.
func (r Ref) IsFixnum() bool {
	return r&fixnumTagMask == 0
}

// IsImmediate returns true if r carries its value in the word itself
// (fixnums, characters and markers).
func (r Ref) IsImmediate() bool {
	return !r.IsPointer()
}

// Lowtag returns the low four bits of r.
func (r Ref) Lowtag() uint8 {
	return uint8(r & LowtagMask)
}

// Native strips the lowtag and returns the address r points at.
// Panics if r is not a pointer.
func (r Ref) Native() Addr {
	if !r.IsPointer() {
		panic("Ref.Native: not a pointer")
	}
	return Addr(r &^ LowtagMask)
}

// MakeRef tags an object address with a pointer lowtag.
// Panics if addr is not dual-word aligned or lowtag is not a pointer lowtag.
func MakeRef(addr Addr, lowtag uint8) Ref {
	if addr&(DualWordBytes-1) != 0 {
		panic("MakeRef: address not dual-word aligned")
	}
	if lowtag&pointerTagMask != pointerTagMask || lowtag > LowtagMask {
		panic("MakeRef: not a pointer lowtag")
	}
	return Ref(Word(addr) | Word(lowtag))
}

// Retag returns a pointer with the same lowtag as r but pointing at addr.
func (r Ref) Retag(addr Addr) Ref {
	return MakeRef(addr, r.Lowtag())
}

// Offset returns r displaced by delta bytes, keeping its lowtag.
func (r Ref) Offset(delta int64) Ref {
	return r.Retag(Addr(int64(r.Native()) + delta))
}

// ---------------------------------------------------------------------------
// Fixnums
// ---------------------------------------------------------------------------

// Fixnum creates an immediate integer reference.
// Panics if n is outside the fixnum range.
func Fixnum(n int64) Ref {
	if n > MaxFixnum || n < MinFixnum {
		panic("Fixnum: value out of range")
	}
	return Ref(uint64(n) << fixnumShift)
}

// FixnumValue returns the integer carried by r.
// Panics if r is not a fixnum.
func (r Ref) FixnumValue() int64 {
	if !r.IsFixnum() {
		panic("Ref.FixnumValue: not a fixnum")
	}
	return int64(r) >> fixnumShift
}

// ---------------------------------------------------------------------------
// Other immediates
// ---------------------------------------------------------------------------

// Pre-defined marker values
const (
	// UnboundMarker is what a broken weak pointer reads as.
	UnboundMarker Ref = Ref(UnboundMarkerWidetag)

	// EmptySlot fills both halves of an unused weak table pair.
	EmptySlot Ref = Ref(EmptySlotWidetag)
)

// Character creates an immediate character reference.
func Character(c rune) Ref {
	return Ref(Word(c)<<WidetagBits | Word(CharacterWidetag))
}

// IsCharacter returns true if r is an immediate character.
func (r Ref) IsCharacter() bool {
	return uint8(r&WidetagMask) == CharacterWidetag
}

// CharacterValue returns the rune carried by r.
// Panics if r is not a character.
func (r Ref) CharacterValue() rune {
	if !r.IsCharacter() {
		panic("Ref.CharacterValue: not a character")
	}
	return rune(r >> WidetagBits)
}

// IsUnbound returns true if r is the unbound marker.
func (r Ref) IsUnbound() bool {
	return r == UnboundMarker
}

// ---------------------------------------------------------------------------
// Size arithmetic
// ---------------------------------------------------------------------------

// Ceiling rounds x up to a multiple of y, which must be a power of two.
func Ceiling(x, y int) int {
	return (x + y - 1) &^ (y - 1)
}

// NWords returns how many words hold n elements of nBits bits each.
func NWords(n, nBits int) int {
	if nBits <= WordBits {
		perWord := WordBits / nBits
		return Ceiling(n, perWord) / perWord
	}
	return n * (nBits / WordBits)
}

// BytesToWords converts a byte count to words, rounding up.
func BytesToWords(n int) int {
	return (n + WordBytes - 1) >> WordShift
}
