package gc

import (
	"errors"
	"fmt"
	"math"

	"github.com/chazu/scavenger/layout"
)

// ---------------------------------------------------------------------------
// Mutator-side construction
// ---------------------------------------------------------------------------

// Builder allocates and initializes objects in one space. Dynamic-space
// builders also name the generation the objects start in.
type Builder struct {
	heap  *Heap
	space SpaceID
	gen   Generation
}

// In returns a builder for space, starting objects in the nursery.
func (h *Heap) In(space SpaceID) *Builder {
	switch space {
	case SpaceDynamic, SpaceStatic, SpaceReadOnly, SpaceImmobile:
	default:
		lose("builder", "objects cannot be allocated in the %s space", space)
	}
	return &Builder{heap: h, space: space, gen: Nursery}
}

// InGeneration returns a dynamic-space builder for generation gen.
func (h *Heap) InGeneration(gen Generation) *Builder {
	return &Builder{heap: h, space: SpaceDynamic, gen: gen}
}

// At returns a copy of b that starts objects in gen.
func (b *Builder) At(gen Generation) *Builder {
	c := *b
	c.gen = gen
	return &c
}

func (b *Builder) allocate(nwords int, st layout.Storage) Addr {
	nwords = layout.Ceiling(nwords, 2)
	h := b.heap
	switch b.space {
	case SpaceDynamic:
		a, err := h.allocator(b.gen).TryAllocate(nwords*layout.WordBytes, pageTypeFor(st))
		if err != nil {
			lose("heap exhausted", "%d words for the mutator: %v", nwords, err)
		}
		return a
	case SpaceImmobile:
		a, err := h.immobile.Allocate(nwords)
		if err != nil {
			lose("heap exhausted", "%d words in immobile space: %v", nwords, err)
		}
		return a
	default:
		a, err := h.Space(b.space).Bump(nwords)
		if err != nil {
			lose("heap exhausted", "%d words: %v", nwords, err)
		}
		return a
	}
}

// finish records the generation of an immobile object once its header
// is in place.
func (b *Builder) finish(obj Addr) {
	if b.space == SpaceImmobile {
		b.heap.immobile.SetGeneration(obj, b.gen)
	}
}

func (b *Builder) headerObject(wt uint8, payload int, slots []Ref, lowtag uint8) Ref {
	m := b.heap.mem
	obj := b.allocate(1+len(slots), layout.StorageOf(wt))
	m.StoreHeader(obj, layout.MakeHeader(wt, payload))
	for i, s := range slots {
		m.StoreRef(slotAddr(obj, 1+i), s)
	}
	b.finish(obj)
	return layout.MakeRef(obj, lowtag)
}

// Cons allocates a two-word pair.
func (b *Builder) Cons(car, cdr Ref) Ref {
	if b.space == SpaceImmobile {
		lose("builder", "conses have no header and cannot be immobile")
	}
	m := b.heap.mem
	obj := b.allocate(2, layout.StorageBoxed)
	m.StoreRef(obj, car)
	m.StoreRef(obj+layout.WordBytes, cdr)
	return layout.MakeRef(obj, layout.ListPointerLowtag)
}

// Symbol slots, in words from the header.
const (
	SymbolValueSlot = 1
	SymbolNameSlot  = 2
	SymbolInfoSlot  = 3
)

// NewSymbol allocates a symbol with the given name and value.
func (b *Builder) NewSymbol(name, value Ref) Ref {
	return b.headerObject(layout.SymbolWidetag, 3, []Ref{value, name, layout.Fixnum(0)}, layout.OtherPointerLowtag)
}

// NewValueCell allocates a one-slot box.
func (b *Builder) NewValueCell(v Ref) Ref {
	return b.headerObject(layout.ValueCellWidetag, 1, []Ref{v}, layout.OtherPointerLowtag)
}

// NewRatio allocates a ratio of two integers.
func (b *Builder) NewRatio(num, den Ref) Ref {
	return b.headerObject(layout.RatioWidetag, 2, []Ref{num, den}, layout.OtherPointerLowtag)
}

// NewInstance allocates an instance with nslots slots set to fixnum zero.
func (b *Builder) NewInstance(l Ref, nslots int) Ref {
	slots := make([]Ref, nslots)
	for i := range slots {
		slots[i] = layout.Fixnum(0)
	}
	r := b.headerObject(layout.InstanceWidetag, nslots, slots, layout.InstancePointerLowtag)
	setLayout(b.heap.mem, r.Native(), l)
	return r
}

// NewClosure allocates a closure over fun.
func (b *Builder) NewClosure(fun Ref, values ...Ref) Ref {
	slots := append([]Ref{fun}, values...)
	return b.headerObject(layout.ClosureWidetag, len(slots), slots, layout.FunPointerLowtag)
}

// NewVector allocates a simple-vector of n elements set to fill.
func (b *Builder) NewVector(n int, fill Ref) Ref {
	m := b.heap.mem
	obj := b.allocate(VectorDataSlot+n, layout.StorageBoxed)
	m.StoreHeader(obj, layout.MakeHeader(layout.SimpleVectorWidetag, 0))
	m.StoreRef(slotAddr(obj, VectorLengthSlot), layout.Fixnum(int64(n)))
	for i := 0; i < n; i++ {
		m.StoreRef(slotAddr(obj, VectorDataSlot+i), fill)
	}
	b.finish(obj)
	return layout.MakeRef(obj, layout.OtherPointerLowtag)
}

// NewBignum allocates a bignum from its little-endian digits.
func (b *Builder) NewBignum(digits []uint64) Ref {
	m := b.heap.mem
	obj := b.allocate(1+len(digits), layout.StorageUnboxed)
	m.StoreHeader(obj, layout.MakeHeader(layout.BignumWidetag, len(digits)))
	for i, d := range digits {
		m.Store(slotAddr(obj, 1+i), Word(d))
	}
	b.finish(obj)
	return layout.MakeRef(obj, layout.OtherPointerLowtag)
}

// NewDoubleFloat allocates a boxed double.
func (b *Builder) NewDoubleFloat(f float64) Ref {
	m := b.heap.mem
	obj := b.allocate(2, layout.StorageUnboxed)
	m.StoreHeader(obj, layout.MakeHeader(layout.DoubleFloatWidetag, 1))
	m.Store(slotAddr(obj, 1), Word(math.Float64bits(f)))
	b.finish(obj)
	return layout.MakeRef(obj, layout.OtherPointerLowtag)
}

func (b *Builder) rawVector(wt uint8, n, bits int, fill func(m *Memory, data Addr)) Ref {
	m := b.heap.mem
	obj := b.allocate(VectorDataSlot+layout.NWords(n, bits), layout.StorageUnboxed)
	m.StoreHeader(obj, layout.MakeHeader(wt, 0))
	m.StoreRef(slotAddr(obj, VectorLengthSlot), layout.Fixnum(int64(n)))
	fill(m, slotAddr(obj, VectorDataSlot))
	b.finish(obj)
	return layout.MakeRef(obj, layout.OtherPointerLowtag)
}

// NewByteVector allocates a (simple-array (unsigned-byte 8)) holding data.
func (b *Builder) NewByteVector(data []byte) Ref {
	return b.rawVector(layout.SimpleArrayUB8Widetag, len(data), 8, func(m *Memory, at Addr) {
		for i := 0; i < len(data); i += layout.WordBytes {
			var w Word
			for j := 0; j < layout.WordBytes && i+j < len(data); j++ {
				w |= Word(data[i+j]) << (8 * j)
			}
			m.Store(at+Addr(i), w)
		}
	})
}

// NewWordVector allocates a vector of raw words.
func (b *Builder) NewWordVector(data []uint64) Ref {
	return b.rawVector(layout.SimpleArrayWordWidetag, len(data), 64, func(m *Memory, at Addr) {
		for i, d := range data {
			m.Store(at+Addr(i*layout.WordBytes), Word(d))
		}
	})
}

// NewString allocates a character string of 32-bit code points.
func (b *Builder) NewString(s string) Ref {
	runes := []rune(s)
	return b.rawVector(layout.SimpleCharacterStringWidetag, len(runes), 32, func(m *Memory, at Addr) {
		for i, r := range runes {
			m.StoreUint32(at+Addr(i*4), uint32(r))
		}
	})
}

// NewWeakPointer allocates a weak pointer to v.
func (b *Builder) NewWeakPointer(v Ref) Ref {
	return b.headerObject(layout.WeakPointerWidetag, weakPointerWords-1,
		[]Ref{v, layout.Fixnum(0), layout.Fixnum(0)}, layout.OtherPointerLowtag)
}

// NewWeakTable allocates an empty weak table with room for capacity entries.
func (b *Builder) NewWeakTable(w Weakness, capacity int) Ref {
	if w < WeakKey || w > WeakKeyOrValue {
		lose("builder", "unknown weakness %d", w)
	}
	m := b.heap.mem
	obj := b.allocate(WeakTableDataSlot+2*capacity, layout.StorageBoxed)
	m.StoreHeader(obj, layout.MakeHeader(layout.WeakTableWidetag, int(w)))
	m.StoreRef(slotAddr(obj, WeakTableCapacitySlot), layout.Fixnum(int64(capacity)))
	m.StoreRef(slotAddr(obj, WeakTableCountSlot), layout.Fixnum(0))
	for i := 0; i < 2*capacity; i++ {
		m.StoreRef(slotAddr(obj, WeakTableDataSlot+i), layout.EmptySlot)
	}
	b.finish(obj)
	return layout.MakeRef(obj, layout.OtherPointerLowtag)
}

// FunSpec describes one simple-fun of a code object.
type FunSpec struct {
	Name    Ref
	Arglist Ref
	Type    Ref
	Info    Ref
	// InstructionBytes is the length of the function's body.
	InstructionBytes int
}

// CodeSpec describes a code object.
type CodeSpec struct {
	DebugInfo Ref
	Constants []Ref
	Funs      []FunSpec
}

// NewCode allocates a code object. The instruction area starts with the
// offset table of functions 1..N-1, followed by the functions themselves,
// each a six-word header and its body.
func (b *Builder) NewCode(spec CodeSpec) Ref {
	m := b.heap.mem
	headerWords := layout.Ceiling(layout.CodeConstantsSlot+len(spec.Constants), 2)
	nfuns := len(spec.Funs)

	offsets := make([]int, nfuns)
	off := layout.Ceiling(4*max(nfuns-1, 0), layout.DualWordBytes)
	for i, f := range spec.Funs {
		offsets[i] = off
		off += layout.SimpleFunEntryBytes + layout.Ceiling(f.InstructionBytes, layout.DualWordBytes)
	}
	codeBytes := off
	first := 0
	if nfuns > 0 {
		first = offsets[0]
	}

	obj := b.allocate(headerWords+codeBytes/layout.WordBytes, layout.StorageCode)
	m.StoreHeader(obj, layout.MakeCodeHeader(headerWords, nfuns, first))
	m.StoreRef(slotAddr(obj, layout.CodeSizeSlot), layout.Fixnum(int64(codeBytes)))
	debug := spec.DebugInfo
	if debug == 0 {
		debug = layout.Fixnum(0)
	}
	m.StoreRef(slotAddr(obj, layout.CodeDebugInfoSlot), debug)
	m.StoreRef(slotAddr(obj, layout.CodeFixupsSlot), layout.Fixnum(0))
	for i, c := range spec.Constants {
		m.StoreRef(slotAddr(obj, layout.CodeConstantsSlot+i), c)
	}

	insts := slotAddr(obj, headerWords)
	for i, f := range spec.Funs {
		if i > 0 {
			m.StoreUint32(insts+Addr(4*(i-1)), uint32(offsets[i]))
		}
		fun := insts + Addr(offsets[i])
		back := int(fun-obj) / layout.WordBytes
		if back > layout.MaxPayload {
			lose("builder", "function %d sits %d words into its code object", i, back)
		}
		m.StoreHeader(fun, layout.MakeHeader(layout.SimpleFunWidetag, back))
		m.Store(slotAddr(fun, layout.SimpleFunSelfSlot), Word(fun+layout.SimpleFunEntryBytes))
		m.StoreRef(slotAddr(fun, layout.SimpleFunNameSlot), f.Name)
		m.StoreRef(slotAddr(fun, layout.SimpleFunArglistSlot), f.Arglist)
		m.StoreRef(slotAddr(fun, layout.SimpleFunTypeSlot), f.Type)
		m.StoreRef(slotAddr(fun, layout.SimpleFunInfoSlot), f.Info)
	}
	b.finish(obj)
	return layout.MakeRef(obj, layout.OtherPointerLowtag)
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// ErrWeakTableFull is returned when a weak table has no empty pair left.
var ErrWeakTableFull = errors.New("weak table full")

// ErrReservedKey is returned when a weak table key is one of the markers the
// table uses for its own bookkeeping.
var ErrReservedKey = errors.New("reserved weak table key")

func (h *Heap) expect(r Ref, wt uint8, op string) Addr {
	c := h.mem.Classify(r)
	if !c.IsPointer || c.IsCons || c.Widetag != wt {
		lose("type", "%s: %#x is not a %s", op, r, layout.WidetagName(wt))
	}
	return r.Native()
}

func (h *Heap) expectCons(r Ref, op string) Addr {
	if !r.IsPointer() || r.Lowtag() != layout.ListPointerLowtag {
		lose("type", "%s: %#x is not a cons", op, r)
	}
	return r.Native()
}

// Car returns the first half of a cons.
func (h *Heap) Car(r Ref) Ref { return h.mem.LoadRef(h.expectCons(r, "car")) }

// Cdr returns the second half of a cons.
func (h *Heap) Cdr(r Ref) Ref { return h.mem.LoadRef(h.expectCons(r, "cdr") + layout.WordBytes) }

// SetCar replaces the first half of a cons.
func (h *Heap) SetCar(r, v Ref) { h.mem.StoreRef(h.expectCons(r, "set car"), v) }

// SetCdr replaces the second half of a cons.
func (h *Heap) SetCdr(r, v Ref) { h.mem.StoreRef(h.expectCons(r, "set cdr")+layout.WordBytes, v) }

// Slot returns boxed slot i (1-based, after the header) of a header
// object.
func (h *Heap) Slot(r Ref, i int) Ref {
	obj := r.Native()
	n := h.mem.LoadHeader(obj).Payload()
	assert(i >= 1 && i <= n, "slot", "index %d out of %d in %#x", i, n, r)
	return h.mem.LoadRef(slotAddr(obj, i))
}

// SetSlot replaces boxed slot i of a header object.
func (h *Heap) SetSlot(r Ref, i int, v Ref) {
	obj := r.Native()
	n := h.mem.LoadHeader(obj).Payload()
	assert(i >= 1 && i <= n, "slot", "index %d out of %d in %#x", i, n, r)
	h.mem.StoreRef(slotAddr(obj, i), v)
}

// Widetag returns the widetag of the object r points at; conses report 0.
func (h *Heap) Widetag(r Ref) uint8 {
	c := h.mem.Classify(r)
	if c.IsCons || !c.IsPointer {
		return 0
	}
	return c.Widetag
}

// VectorLength returns the length of any vector.
func (h *Heap) VectorLength(v Ref) int {
	return int(h.mem.LoadRef(slotAddr(v.Native(), VectorLengthSlot)).FixnumValue())
}

// VectorRef returns element i of a simple-vector.
func (h *Heap) VectorRef(v Ref, i int) Ref {
	obj := h.expect(v, layout.SimpleVectorWidetag, "vector ref")
	assert(i >= 0 && i < h.VectorLength(v), "vector ref", "index %d out of %d", i, h.VectorLength(v))
	return h.mem.LoadRef(slotAddr(obj, VectorDataSlot+i))
}

// SetVectorRef replaces element i of a simple-vector.
func (h *Heap) SetVectorRef(v Ref, i int, x Ref) {
	obj := h.expect(v, layout.SimpleVectorWidetag, "set vector ref")
	assert(i >= 0 && i < h.VectorLength(v), "vector ref", "index %d out of %d", i, h.VectorLength(v))
	h.mem.StoreRef(slotAddr(obj, VectorDataSlot+i), x)
}

// BytesOf returns the contents of a byte vector.
func (h *Heap) BytesOf(v Ref) []byte {
	obj := h.expect(v, layout.SimpleArrayUB8Widetag, "bytes")
	n := h.VectorLength(v)
	out := make([]byte, n)
	for i := range out {
		w := h.mem.Load(slotAddr(obj, VectorDataSlot) + Addr(i&^(layout.WordBytes-1)))
		out[i] = byte(w >> (8 * (i % layout.WordBytes)))
	}
	return out
}

// StringOf returns the contents of a character string.
func (h *Heap) StringOf(v Ref) string {
	obj := h.expect(v, layout.SimpleCharacterStringWidetag, "string")
	n := h.VectorLength(v)
	runes := make([]rune, n)
	for i := range runes {
		runes[i] = rune(h.mem.LoadUint32(slotAddr(obj, VectorDataSlot) + Addr(i*4)))
	}
	return string(runes)
}

// DoubleFloat returns the value of a boxed double.
func (h *Heap) DoubleFloat(r Ref) float64 {
	obj := h.expect(r, layout.DoubleFloatWidetag, "double-float")
	return math.Float64frombits(uint64(h.mem.Load(slotAddr(obj, 1))))
}

// InstanceLayout returns the layout of an instance.
func (h *Heap) InstanceLayout(r Ref) Ref {
	return h.mem.LoadHeader(h.expect(r, layout.InstanceWidetag, "instance layout")).Layout()
}

// SetInstanceLayout replaces the layout of an instance.
func (h *Heap) SetInstanceLayout(r, l Ref) {
	setLayout(h.mem, h.expect(r, layout.InstanceWidetag, "set instance layout"), l)
}

// WeakPointerValue returns the referent of a weak pointer and whether it
// has been broken.
func (h *Heap) WeakPointerValue(wp Ref) (Ref, bool) {
	obj := h.expect(wp, layout.WeakPointerWidetag, "weak pointer value")
	v := h.mem.LoadRef(slotAddr(obj, WeakPointerValueSlot))
	broken := h.mem.LoadRef(slotAddr(obj, WeakPointerBrokenSlot)) != layout.Fixnum(0)
	return v, broken
}

// WeakTablePut adds or replaces the entry for key.
func (h *Heap) WeakTablePut(t, key, value Ref) error {
	obj := h.expect(t, layout.WeakTableWidetag, "weak table put")
	if key == layout.EmptySlot || key == layout.UnboundMarker {
		return fmt.Errorf("weak table put %#x: %w", uint64(key), ErrReservedKey)
	}
	capacity := int(h.mem.LoadRef(slotAddr(obj, WeakTableCapacitySlot)).FixnumValue())
	empty := -1
	for i := 0; i < capacity; i++ {
		k := h.mem.LoadRef(pairAddr(obj, i))
		if k == key {
			h.mem.StoreRef(pairAddr(obj, i)+layout.WordBytes, value)
			return nil
		}
		if k == layout.EmptySlot && empty < 0 {
			empty = i
		}
	}
	if empty < 0 {
		return ErrWeakTableFull
	}
	h.mem.StoreRef(pairAddr(obj, empty), key)
	h.mem.StoreRef(pairAddr(obj, empty)+layout.WordBytes, value)
	countAddr := slotAddr(obj, WeakTableCountSlot)
	h.mem.StoreRef(countAddr, layout.Fixnum(h.mem.LoadRef(countAddr).FixnumValue()+1))
	return nil
}

// WeakTableGet looks key up.
func (h *Heap) WeakTableGet(t, key Ref) (Ref, bool) {
	obj := h.expect(t, layout.WeakTableWidetag, "weak table get")
	if key == layout.EmptySlot || key == layout.UnboundMarker {
		return 0, false
	}
	capacity := int(h.mem.LoadRef(slotAddr(obj, WeakTableCapacitySlot)).FixnumValue())
	for i := 0; i < capacity; i++ {
		if h.mem.LoadRef(pairAddr(obj, i)) == key {
			return h.mem.LoadRef(pairAddr(obj, i) + layout.WordBytes), true
		}
	}
	return 0, false
}

// WeakTableCount returns the number of entries in a weak table.
func (h *Heap) WeakTableCount(t Ref) int {
	obj := h.expect(t, layout.WeakTableWidetag, "weak table count")
	return int(h.mem.LoadRef(slotAddr(obj, WeakTableCountSlot)).FixnumValue())
}

// WeakTableEntries returns the live pairs of a weak table.
func (h *Heap) WeakTableEntries(t Ref) [][2]Ref {
	obj := h.expect(t, layout.WeakTableWidetag, "weak table entries")
	capacity := int(h.mem.LoadRef(slotAddr(obj, WeakTableCapacitySlot)).FixnumValue())
	var out [][2]Ref
	for i := 0; i < capacity; i++ {
		k := h.mem.LoadRef(pairAddr(obj, i))
		if k != layout.EmptySlot {
			out = append(out, [2]Ref{k, h.mem.LoadRef(pairAddr(obj, i) + layout.WordBytes)})
		}
	}
	return out
}

// CodeFuns returns fun pointers to every simple-fun of a code object.
func (h *Heap) CodeFuns(code Ref) []Ref {
	obj := h.expect(code, layout.CodeHeaderWidetag, "code funs")
	var out []Ref
	forEachSimpleFun(h.mem, obj, func(_ int, fun Addr) {
		out = append(out, layout.MakeRef(fun, layout.FunPointerLowtag))
	})
	return out
}

// CodeConstant returns constant i of a code object.
func (h *Heap) CodeConstant(code Ref, i int) Ref {
	obj := h.expect(code, layout.CodeHeaderWidetag, "code constant")
	return h.mem.LoadRef(slotAddr(obj, layout.CodeConstantsSlot+i))
}

// SetCodeConstant replaces constant i of a code object.
func (h *Heap) SetCodeConstant(code Ref, i int, v Ref) {
	obj := h.expect(code, layout.CodeHeaderWidetag, "set code constant")
	h.mem.StoreRef(slotAddr(obj, layout.CodeConstantsSlot+i), v)
}

// FunCode returns the code object owning a simple-fun.
func (h *Heap) FunCode(fun Ref) Ref {
	obj := h.expect(fun, layout.SimpleFunWidetag, "fun code")
	return layout.MakeRef(funCodeStart(h.mem.LoadHeader(obj), obj), layout.OtherPointerLowtag)
}

// FunEntry returns the raw entry address stored in a simple-fun.
func (h *Heap) FunEntry(fun Ref) Addr {
	obj := h.expect(fun, layout.SimpleFunWidetag, "fun entry")
	return Addr(h.mem.Load(slotAddr(obj, layout.SimpleFunSelfSlot)))
}
