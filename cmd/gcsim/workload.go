package main

import (
	"fmt"
	"math/rand/v2"

	"github.com/chazu/scavenger/gc"
	"github.com/chazu/scavenger/layout"
)

// Root slots reserved by the workload; the rest hold random survivors.
const (
	tableSlot   = 0
	symbolSlot  = 1
	firstRandom = 2
)

// workload is a synthetic mutator. Each step allocates a mix of object
// kinds and roots a fraction of them in random global root slots,
// dropping whatever those slots held before.
type workload struct {
	rng    *rand.Rand
	slots  int
	recent []gc.Ref
	steps  int
}

func newWorkload(h *gc.Heap, seed uint64) *workload {
	w := &workload{
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		slots: h.Options().RootSlots,
	}
	h.SetRoot(tableSlot, h.NewWeakTable(gc.WeakKey, 256))
	imm := h.In(gc.SpaceImmobile)
	h.SetRoot(symbolSlot, imm.NewSymbol(h.NewString("gcsim"), layout.Fixnum(0)))
	return w
}

// run allocates n objects. The caller holds the heap lock.
func (w *workload) run(h *gc.Heap, n int) {
	w.recent = w.recent[:0]
	for i := 0; i < n; i++ {
		obj := w.allocate(h)
		w.recent = append(w.recent, obj)
		if w.rng.IntN(4) == 0 && w.slots > firstRandom {
			h.SetRoot(firstRandom+w.rng.IntN(w.slots-firstRandom), obj)
		}
	}
	w.steps++
}

func (w *workload) pick() gc.Ref {
	if len(w.recent) == 0 {
		return layout.Fixnum(0)
	}
	return w.recent[w.rng.IntN(len(w.recent))]
}

func (w *workload) allocate(h *gc.Heap) gc.Ref {
	switch k := w.rng.IntN(100); {
	case k < 40:
		l := layout.Fixnum(0)
		for j := w.rng.IntN(8); j >= 0; j-- {
			l = h.Cons(layout.Fixnum(int64(j)), l)
		}
		return l
	case k < 55:
		v := h.NewVector(1+w.rng.IntN(8), layout.Fixnum(0))
		for j := 0; j < h.VectorLength(v); j++ {
			h.SetVectorRef(v, j, w.pick())
		}
		return v
	case k < 65:
		return h.NewString(fmt.Sprintf("object-%d-%d", w.steps, k))
	case k < 72:
		return h.NewDoubleFloat(w.rng.Float64())
	case k < 80:
		return h.NewWeakPointer(w.pick())
	case k < 90:
		key := h.NewValueCell(layout.Fixnum(int64(k)))
		if err := h.WeakTablePut(h.Root(tableSlot), key, w.pick()); err != nil {
			log.Debugf("weak table: %v", err)
		}
		return key
	case k < 95:
		return h.NewByteVector([]byte(fmt.Sprintf("bytes-%d", w.steps)))
	case k < 99:
		return h.In(gc.SpaceImmobile).NewValueCell(w.pick())
	default:
		return h.NewVector(h.Options().LargeObjectBytes/layout.WordBytes, layout.Fixnum(1))
	}
}

// rooted counts the root slots holding a pointer.
func (w *workload) rooted(h *gc.Heap) int {
	n := 0
	for i := 0; i < w.slots; i++ {
		if h.Root(i).IsPointer() {
			n++
		}
	}
	return n
}
