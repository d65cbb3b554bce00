package gc

import (
	"testing"

	"github.com/chazu/scavenger/layout"
)

func TestImmobilePageIndexBoundaries(t *testing.T) {
	h := newTestHeap(t)
	imm := h.Immobile()
	s := imm.Space()
	card := Addr(h.Options().ImmobileCardBytes)

	tests := []struct {
		addr  Addr
		index int
		found bool
	}{
		{s.Start, 0, true},
		{s.Start + card - 1, 0, true},
		{s.Start + card, 1, true},
		{s.End - 1, imm.NumCards() - 1, true},
		{s.End, 0, false},
		{s.Start - 1, 0, false},
	}
	for _, tt := range tests {
		i, ok := imm.PageIndexOf(tt.addr)
		if ok != tt.found || (ok && i != tt.index) {
			t.Errorf("PageIndexOf(%#x) = %d, %v; expected %d, %v", tt.addr, i, ok, tt.index, tt.found)
		}
	}
}

func TestImmobilePromotionNeverLowersGeneration(t *testing.T) {
	h := newTestHeap(t)
	imm := h.Immobile()
	obj := h.In(SpaceImmobile).At(3).NewValueCell(layout.Fixnum(1)).Native()

	imm.Promote(obj, 1, false)
	if g := imm.GenerationOf(obj); g != 3 {
		t.Errorf("Expected promotion to 1 to leave generation 3, got %s", g)
	}
	if imm.Visited(obj) {
		t.Errorf("Expected the object not to be flagged visited")
	}

	imm.Promote(obj, 4, true)
	if g := imm.GenerationOf(obj); g != 4 {
		t.Errorf("Expected generation 4, got %s", g)
	}
	if !imm.Visited(obj) {
		t.Errorf("Expected the object to be flagged visited")
	}
	i, _ := imm.PageIndexOf(obj)
	if imm.CardGenerations(i)&(1<<4) == 0 {
		t.Errorf("Expected card %d to record generation 4, mask %#b", i, imm.CardGenerations(i))
	}
	if h.Widetag(layout.MakeRef(obj, layout.OtherPointerLowtag)) != layout.ValueCellWidetag {
		t.Errorf("Expected promotion to keep the widetag")
	}
}

func TestImmobilePromotionRejectsFiller(t *testing.T) {
	h := newTestHeap(t)
	imm := h.Immobile()
	obj, err := imm.Allocate(4)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	imm.WriteFiller(obj, 4)
	expectLose(t, "promote", func() { imm.Promote(obj, 2, false) })
}

func TestImmobileObjectsDoNotMove(t *testing.T) {
	h := newTestHeap(t)
	b := h.In(SpaceImmobile)

	kept := b.NewVector(1, layout.Fixnum(0))
	dead := b.NewVector(3, layout.Fixnum(0))
	tail := b.NewVector(1, layout.Fixnum(0))
	young := list(h.Builder, 7)
	h.SetVectorRef(kept, 0, young)
	h.SetVectorRef(tail, 0, kept)
	h.SetRoot(0, kept)
	h.SetRoot(1, tail)

	st := mustCollect(t, h, Nursery)

	imm := h.Immobile()
	if h.Root(0) != kept || h.Root(1) != tail {
		t.Errorf("Expected immobile objects to stay put")
	}
	if got := listValues(h, h.VectorRef(kept, 0)); len(got) != 1 || got[0] != 7 {
		t.Errorf("Expected the dynamic list to be reachable through the immobile vector, got %v", got)
	}
	if !imm.IsFiller(dead.Native()) {
		t.Errorf("Expected the unreachable vector to become a filler")
	}
	if imm.Visited(kept.Native()) {
		t.Errorf("Expected the visited flag to be cleared by the sweep")
	}
	if st.ImmobileFreed != 1 || st.ImmobileSurvivors != 2 {
		t.Errorf("Expected 1 freed and 2 survivors, got %d and %d", st.ImmobileFreed, st.ImmobileSurvivors)
	}
	if _, ok := h.Locator().FindContainingObject(SpaceImmobile, dead.Native()+8); ok {
		t.Errorf("Expected an address inside a filler not to be found")
	}

	mustCollect(t, h, Nursery)
	if g := imm.GenerationOf(kept.Native()); g != 1 {
		t.Errorf("Expected the second cycle to raise the vector to generation 1, got %s", g)
	}
}

func TestImmobileTrailingGarbageIsReturned(t *testing.T) {
	h := newTestHeap(t)
	b := h.In(SpaceImmobile)
	imm := h.Immobile()

	kept := b.NewVector(1, layout.Fixnum(0))
	h.SetRoot(0, kept)
	free := imm.Space().Free
	b.NewVector(5, layout.Fixnum(0))
	b.NewSymbol(layout.Fixnum(0), layout.Fixnum(0))

	mustCollect(t, h, Nursery)

	if imm.Space().Free != free {
		t.Errorf("Expected the free pointer to fall back to %#x, got %#x", free, imm.Space().Free)
	}
}

func TestImmobileFillersCoalesce(t *testing.T) {
	h := newTestHeap(t)
	b := h.In(SpaceImmobile)
	imm := h.Immobile()

	first := b.NewVector(1, layout.Fixnum(0))
	b.NewVector(1, layout.Fixnum(0))
	b.NewValueCell(layout.Fixnum(0))
	last := b.NewVector(1, layout.Fixnum(0))
	h.SetRoot(0, first)
	h.SetRoot(1, last)

	mustCollect(t, h, Nursery)

	var objects, fillers int
	imm.Walk(func(obj Addr, n int) bool {
		objects++
		if imm.IsFiller(obj) {
			fillers++
			if n != 6 {
				t.Errorf("Expected one 6-word filler, got %d words", n)
			}
		}
		return true
	})
	if objects != 3 || fillers != 1 {
		t.Errorf("Expected 3 objects with 1 filler, got %d with %d", objects, fillers)
	}
}

func TestFillerContentsAreNeverScanned(t *testing.T) {
	h := newTestHeap(t)
	imm := h.Immobile()

	young := h.NewVector(2, layout.Fixnum(0))
	h.closeAllocators()
	obj, err := imm.Allocate(6)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	imm.WriteFiller(obj, 6)
	m := h.Memory()
	m.StoreRef(obj+4*layout.WordBytes, young)

	cp := NewCopier(h, Nursery, Nursery+1)
	ScavengeRange(cp, obj, obj+6*layout.WordBytes)

	if got := m.LoadRef(obj + 4*layout.WordBytes); got != young {
		t.Errorf("Expected the word inside the filler to be left alone, got %#x", got)
	}
	if n := cp.Stats().Objects; n != 0 {
		t.Errorf("Expected nothing copied, got %d", n)
	}
}

func TestFillerDispatchedAsCodeLoses(t *testing.T) {
	h := newTestHeap(t)
	imm := h.Immobile()
	obj, err := imm.Allocate(4)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	imm.WriteFiller(obj, 4)
	cp := NewCopier(h, Nursery, Nursery+1)
	expectLose(t, "filler", func() { ScavengeObject(cp, obj) })
}
