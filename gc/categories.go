package gc

import (
	"github.com/chazu/scavenger/layout"
)

func registerCategories() {
	for _, wt := range []uint8{
		layout.SymbolWidetag,
		layout.ValueCellWidetag,
		layout.RatioWidetag,
		layout.ClosureWidetag,
	} {
		register(wt, boxedCategory{})
	}
	register(layout.InstanceWidetag, instanceCategory{})
	register(layout.SimpleVectorWidetag, vectorCategory{})

	register(layout.BignumWidetag, unboxedCategory{size: payloadWords})
	register(layout.DoubleFloatWidetag, unboxedCategory{size: payloadWords})
	register(layout.SimpleArrayUB8Widetag, unboxedCategory{size: vectorWords(8)})
	register(layout.SimpleArrayWordWidetag, unboxedCategory{size: vectorWords(64)})
	register(layout.SimpleCharacterStringWidetag, unboxedCategory{size: vectorWords(32)})

	register(layout.CodeHeaderWidetag, codeCategory{})
	register(layout.SimpleFunWidetag, simpleFunCategory{})
	register(layout.WeakPointerWidetag, weakPointerCategory{})
	register(layout.WeakTableWidetag, weakTableCategory{})
}

// ---------------------------------------------------------------------------
// Size helpers
// ---------------------------------------------------------------------------

// Vector slots, in words from the header.
const (
	VectorLengthSlot = 1
	VectorDataSlot   = 2
)

// payloadWords sizes objects whose payload counts the words after the
// header.
func payloadWords(m *Memory, obj Addr) int {
	return layout.Ceiling(1+m.LoadHeader(obj).Payload(), 2)
}

// vectorWords sizes vectors of elements of bits bits each.
func vectorWords(bits int) func(*Memory, Addr) int {
	return func(m *Memory, obj Addr) int {
		n := int(m.LoadRef(obj + VectorLengthSlot*layout.WordBytes).FixnumValue())
		return layout.Ceiling(VectorDataSlot+layout.NWords(n, bits), 2)
	}
}

// codeWords sizes a code object or a filler: header words plus the
// instruction area.
func codeWords(m *Memory, obj Addr) int {
	h := m.LoadHeader(obj)
	nbytes := int(m.LoadRef(obj + layout.CodeSizeSlot*layout.WordBytes).FixnumValue())
	return layout.Ceiling(layout.CodeHeaderWords(h)+layout.BytesToWords(nbytes), 2)
}

// fillerWords sizes a filler.
func fillerWords(m *Memory, obj Addr) int {
	return codeWords(m, obj)
}

func traceSlots(t Tracer, start Addr, n int) {
	for i := 0; i < n; i++ {
		traceSlot(t, start+Addr(i*layout.WordBytes))
	}
}

func slotAddr(obj Addr, slot int) Addr {
	return obj + Addr(slot*layout.WordBytes)
}

// ---------------------------------------------------------------------------
// Conses
// ---------------------------------------------------------------------------

type consCategory struct{}

func (consCategory) Size(*Memory, Addr) int { return 2 }

func (consCategory) Scan(t Tracer, obj Addr) int {
	traceSlots(t, obj, 2)
	return 2
}

func (consCategory) Transport(c *Copier, ref Ref) Ref {
	assert(ref.Lowtag() == layout.ListPointerLowtag, "tag consistency",
		"%#x points at a cons without a list lowtag", ref)
	return c.CopyObject(ref, 2)
}

// ---------------------------------------------------------------------------
// Boxed objects
// ---------------------------------------------------------------------------

// boxedCategory covers objects whose payload counts boxed slots.
type boxedCategory struct{}

func (boxedCategory) Size(m *Memory, obj Addr) int { return payloadWords(m, obj) }

func (boxedCategory) Scan(t Tracer, obj Addr) int {
	m := t.Memory()
	traceSlots(t, slotAddr(obj, 1), m.LoadHeader(obj).Payload())
	return payloadWords(m, obj)
}

func (boxedCategory) Transport(c *Copier, ref Ref) Ref {
	return c.transportBoxed(ref, payloadWords(c.mem, ref.Native()))
}

// instanceCategory also traces the layout packed in the header.
type instanceCategory struct{}

func (instanceCategory) Size(m *Memory, obj Addr) int { return payloadWords(m, obj) }

func (instanceCategory) Scan(t Tracer, obj Addr) int {
	m := t.Memory()
	h := m.LoadHeader(obj)
	if l := h.Layout(); l.IsPointer() {
		if nl := t.Fix(l); nl != l {
			m.StoreHeader(obj, h.WithLayout(nl))
		}
	}
	traceSlots(t, slotAddr(obj, 1), h.Payload())
	return payloadWords(m, obj)
}

func (instanceCategory) Transport(c *Copier, ref Ref) Ref {
	return c.transportBoxed(ref, payloadWords(c.mem, ref.Native()))
}

type vectorCategory struct{}

var boxedVectorWords = vectorWords(layout.WordBits)

func (vectorCategory) Size(m *Memory, obj Addr) int { return boxedVectorWords(m, obj) }

func (vectorCategory) Scan(t Tracer, obj Addr) int {
	m := t.Memory()
	n := int(m.LoadRef(slotAddr(obj, VectorLengthSlot)).FixnumValue())
	traceSlots(t, slotAddr(obj, VectorDataSlot), n)
	return boxedVectorWords(m, obj)
}

func (vectorCategory) Transport(c *Copier, ref Ref) Ref {
	return c.transportBoxed(ref, boxedVectorWords(c.mem, ref.Native()))
}

// ---------------------------------------------------------------------------
// Unboxed objects
// ---------------------------------------------------------------------------

// unboxedCategory covers raw data: sized, never scanned for references.
type unboxedCategory struct {
	size func(*Memory, Addr) int
}

func (u unboxedCategory) Size(m *Memory, obj Addr) int { return u.size(m, obj) }

func (u unboxedCategory) Scan(t Tracer, obj Addr) int { return u.size(t.Memory(), obj) }

func (u unboxedCategory) Transport(c *Copier, ref Ref) Ref {
	n := u.size(c.mem, ref.Native())
	if n*layout.WordBytes >= c.largeBytes {
		return c.CopyLargeUnboxedObject(ref, n)
	}
	return c.CopyUnboxedObject(ref, n)
}

// ---------------------------------------------------------------------------
// Code
// ---------------------------------------------------------------------------

type codeCategory struct{}

func (codeCategory) Size(m *Memory, obj Addr) int { return codeWords(m, obj) }

func (codeCategory) Scan(t Tracer, obj Addr) int {
	m := t.Memory()
	h := m.LoadHeader(obj)
	if layout.IsFillerHeader(h) {
		lose("filler", "filler at %#x dispatched as a live code object", obj)
	}
	// Slot 1 is the raw instruction size; everything after it up to the
	// instruction area is boxed.
	traceSlots(t, slotAddr(obj, layout.CodeDebugInfoSlot), layout.CodeHeaderWords(h)-layout.CodeDebugInfoSlot)
	forEachSimpleFun(m, obj, func(_ int, fun Addr) {
		traceSlots(t, slotAddr(fun, layout.SimpleFunNameSlot), layout.SimpleFunCodeOffset-layout.SimpleFunNameSlot)
	})
	return codeWords(m, obj)
}

func (codeCategory) Transport(c *Copier, ref Ref) Ref {
	return c.CopyCodeObject(ref, codeWords(c.mem, ref.Native()))
}

// simpleFunCategory handles fun pointers to functions embedded in code.
// A simple-fun is never walked on its own; its code object is.
type simpleFunCategory struct{}

func (simpleFunCategory) Size(_ *Memory, obj Addr) int {
	lose("dispatch", "simple-fun at %#x sized as a top-level object", obj)
	return 0
}

func (simpleFunCategory) Scan(_ Tracer, obj Addr) int {
	lose("dispatch", "simple-fun at %#x scanned as a top-level object", obj)
	return 0
}

func (simpleFunCategory) Transport(c *Copier, ref Ref) Ref {
	fun := ref.Native()
	code := funCodeStart(c.mem.LoadHeader(fun), fun)
	codeRef := layout.MakeRef(code, layout.OtherPointerLowtag)
	moved := c.CopyCodeObject(codeRef, codeWords(c.mem, code))
	return ref.Offset(int64(moved.Native()) - int64(code))
}

// ---------------------------------------------------------------------------
// Weak objects
// ---------------------------------------------------------------------------

// Weak pointer slots.
const (
	WeakPointerValueSlot  = 1
	WeakPointerBrokenSlot = 2
	weakPointerWords      = 4
)

type weakPointerCategory struct{}

func (weakPointerCategory) Size(*Memory, Addr) int { return weakPointerWords }

func (weakPointerCategory) Scan(t Tracer, obj Addr) int {
	t.Weak().RegisterWeakPointer(obj)
	return weakPointerWords
}

func (weakPointerCategory) Transport(c *Copier, ref Ref) Ref {
	return c.CopyObject(ref, weakPointerWords)
}

// Weak table slots.
const (
	WeakTableCapacitySlot = 1
	WeakTableCountSlot    = 2
	WeakTableDataSlot     = 3
)

func weakTableWords(m *Memory, obj Addr) int {
	capacity := int(m.LoadRef(slotAddr(obj, WeakTableCapacitySlot)).FixnumValue())
	return layout.Ceiling(WeakTableDataSlot+2*capacity, 2)
}

type weakTableCategory struct{}

func (weakTableCategory) Size(m *Memory, obj Addr) int { return weakTableWords(m, obj) }

func (weakTableCategory) Scan(t Tracer, obj Addr) int {
	t.Weak().RegisterWeakTable(obj)
	return weakTableWords(t.Memory(), obj)
}

func (weakTableCategory) Transport(c *Copier, ref Ref) Ref {
	return c.transportBoxed(ref, weakTableWords(c.mem, ref.Native()))
}
