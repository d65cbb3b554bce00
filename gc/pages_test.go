package gc

import (
	"errors"
	"testing"

	"github.com/chazu/scavenger/layout"
)

const testPageBytes = 4096

func newTestPageTable(t *testing.T, npages int) (*Memory, *PageTable) {
	t.Helper()
	m := NewMemory()
	s, err := m.Map(SpaceDynamic, DynamicSpaceStart, npages*testPageBytes)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	pt, err := NewPageTable(s, testPageBytes)
	if err != nil {
		t.Fatalf("NewPageTable failed: %v", err)
	}
	return m, pt
}

// ---------------------------------------------------------------------------
// Page table
// ---------------------------------------------------------------------------

func TestPageTableGrantAndRevoke(t *testing.T) {
	m, pt := newTestPageTable(t, 8)

	a, err := pt.Grant(3*testPageBytes-8, PageBoxed, 2)
	if err != nil {
		t.Fatalf("Grant failed: %v", err)
	}
	if a != DynamicSpaceStart {
		t.Errorf("Expected the first block at %#x, got %#x", DynamicSpaceStart, a)
	}
	if pt.FreePages() != 5 {
		t.Errorf("Expected 5 free pages, got %d", pt.FreePages())
	}
	pt.SetUsed(a, 100)
	m.Store(a+64, 0xdead)

	b, ok := pt.BlockOf(a + 2*testPageBytes + 5)
	if !ok || b.Start != a || b.Pages != 3 || b.Used != 100 || b.Gen != 2 || b.Type != PageBoxed {
		t.Errorf("Unexpected block %+v", b)
	}

	pt.Revoke(a)
	if pt.FreePages() != 8 {
		t.Errorf("Expected every page free, got %d", pt.FreePages())
	}
	if m.Load(a+64) != 0 {
		t.Errorf("Expected revoked pages to be zeroed")
	}
	if _, ok := pt.BlockOf(a); ok {
		t.Errorf("Expected no block after Revoke")
	}
}

func TestPageTableCloseTrimsUnusedPages(t *testing.T) {
	_, pt := newTestPageTable(t, 8)

	a, _ := pt.Grant(4*testPageBytes, PageUnboxed|PageOpenRegion, Nursery)
	if p := pt.Page(0); !p.Type.Open() {
		t.Errorf("Expected an open region, got %s", p.Type)
	}
	pt.SetUsed(a, testPageBytes+16)
	pt.Close(a, false)

	b, _ := pt.BlockOf(a)
	if b.Pages != 2 || b.Type != PageUnboxed {
		t.Errorf("Expected a closed 2-page unboxed block, got %+v", b)
	}
	if pt.FreePages() != 6 {
		t.Errorf("Expected 6 free pages, got %d", pt.FreePages())
	}

	c, _ := pt.Grant(testPageBytes, PageCode, Nursery)
	pt.Close(c, false)
	if _, ok := pt.BlockOf(c); ok {
		t.Errorf("Expected an empty block to be revoked on close")
	}
}

func TestPageTableExhaustion(t *testing.T) {
	_, pt := newTestPageTable(t, 4)
	if _, err := pt.Grant(2*testPageBytes, PageBoxed, Nursery); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}
	if _, err := pt.Grant(3*testPageBytes, PageBoxed, Nursery); !errors.Is(err, ErrNoPages) {
		t.Errorf("Expected ErrNoPages, got %v", err)
	}
}

func TestPageTableRejectsInvalidType(t *testing.T) {
	_, pt := newTestPageTable(t, 4)
	expectLose(t, "page type", func() { pt.Grant(16, PageFree, Nursery) })
	expectLose(t, "page type", func() { pt.Grant(16, PageOpenRegion, Nursery) })
	expectLose(t, "page type", func() { pt.Grant(16, PageType(9), Nursery) })
}

func TestPageTableGenerations(t *testing.T) {
	_, pt := newTestPageTable(t, 8)
	for i := 0; i < 3; i++ {
		a, _ := pt.Grant(testPageBytes, PageBoxed, Generation(i%2))
		pt.SetUsed(a, 32)
	}
	if bytes, blocks := pt.GenerationBytes(0); bytes != 64 || blocks != 2 {
		t.Errorf("Expected 64 bytes in 2 blocks, got %d in %d", bytes, blocks)
	}
	pt.RelabelGeneration(1, Scratch)
	if len(pt.GenerationBlocks(Scratch)) != 1 {
		t.Errorf("Expected 1 scratch block")
	}
	if freed := pt.FreeGeneration(0); freed != 64 {
		t.Errorf("Expected 64 bytes freed, got %d", freed)
	}
	if pt.FreePages() != 7 {
		t.Errorf("Expected 7 free pages, got %d", pt.FreePages())
	}
}

// ---------------------------------------------------------------------------
// Allocator
// ---------------------------------------------------------------------------

func TestAllocatorBumpsWithinRegion(t *testing.T) {
	_, pt := newTestPageTable(t, 16)
	a := NewAllocator(pt, Nursery, testPageBytes, 4*testPageBytes)

	x := a.Allocate(24, PageBoxed, false)
	y := a.Allocate(16, PageBoxed, false)
	if y != x+32 {
		t.Errorf("Expected 24 bytes to round up to 32, got %#x then %#x", x, y)
	}
	z := a.Allocate(16, PageUnboxed, false)
	if zb, _ := pt.BlockOf(z); zb.Start == x {
		t.Errorf("Expected unboxed data on its own region")
	}
	if b, _ := pt.BlockOf(x); b.Used != 48 || !b.Type.Open() {
		t.Errorf("Expected an open region with 48 used bytes, got %+v", b)
	}
	if n := len(a.OpenRegions()); n != 2 {
		t.Errorf("Expected 2 open regions, got %d", n)
	}

	a.CloseAll()
	if b, _ := pt.BlockOf(x); b.Type != PageBoxed {
		t.Errorf("Expected CloseAll to close the region, got %s", b.Type)
	}
	st := a.Stats()
	if st.Bytes != 64 || st.Objects != 3 || st.Regions != 2 {
		t.Errorf("Unexpected stats %+v", st)
	}
}

func TestAllocatorOpensNewRegionWhenFull(t *testing.T) {
	_, pt := newTestPageTable(t, 16)
	a := NewAllocator(pt, Nursery, testPageBytes, 4*testPageBytes)

	first := a.Allocate(testPageBytes-16, PageBoxed, false)
	second := a.Allocate(32, PageBoxed, false)
	b1, _ := pt.BlockOf(first)
	b2, _ := pt.BlockOf(second)
	if b1.Start == b2.Start {
		t.Errorf("Expected the second object in a new region")
	}
	if b1.Type.Open() {
		t.Errorf("Expected the full region to be closed")
	}
}

func TestAllocatorLargeObjects(t *testing.T) {
	_, pt := newTestPageTable(t, 16)
	a := NewAllocator(pt, 2, testPageBytes, 2*testPageBytes)

	big := a.Allocate(2*testPageBytes+8, PageCode, false)
	b, ok := pt.BlockOf(big)
	if !ok || !b.Large || b.Start != big || b.Pages != 3 || b.Gen != 2 || b.Type != PageCode {
		t.Errorf("Unexpected large block %+v", b)
	}
	if b.Used != 2*testPageBytes+16 {
		t.Errorf("Expected %d used bytes, got %d", 2*testPageBytes+16, b.Used)
	}
	if a.Stats().LargeObjects != 1 {
		t.Errorf("Expected 1 large object, got %d", a.Stats().LargeObjects)
	}
}

func TestAllocatorExhaustion(t *testing.T) {
	_, pt := newTestPageTable(t, 2)
	a := NewAllocator(pt, Nursery, testPageBytes, 4*testPageBytes)

	if _, err := a.TryAllocate(3*testPageBytes, PageBoxed); !errors.Is(err, ErrHeapExhausted) {
		t.Errorf("Expected ErrHeapExhausted, got %v", err)
	}
	expectLose(t, "allocate", func() { a.Allocate(3*testPageBytes, PageBoxed, true) })
	expectLose(t, "page type", func() { a.Allocate(16, PageOpenRegion, true) })
}

func TestAllocatorTracksSpans(t *testing.T) {
	_, pt := newTestPageTable(t, 16)
	a := NewAllocator(pt, 1, testPageBytes, 2*testPageBytes)
	a.TrackSpans()

	x := a.Allocate(32, PageBoxed, true)
	a.Allocate(48, PageBoxed, true)
	a.Allocate(3*testPageBytes, PageUnboxed, true)

	spans := a.Spans()
	if len(spans) != 2 {
		t.Fatalf("Expected 2 spans, got %d", len(spans))
	}
	if spans[0].Start != x || spans[0].End != x+80 || spans[0].Scanned != x {
		t.Errorf("Unexpected region span %+v", *spans[0])
	}
	if spans[1].Type != PageUnboxed || spans[1].End-spans[1].Start != 3*testPageBytes {
		t.Errorf("Unexpected large span %+v", *spans[1])
	}
	if a.Stats().Bytes != 0 {
		t.Errorf("Expected quick allocations to skip the statistics")
	}
}

func TestSpaceBumpRoundsToDualWords(t *testing.T) {
	m := NewMemory()
	s, err := m.Map(SpaceStatic, StaticSpaceStart, 64)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	a, _ := s.Bump(3)
	b, _ := s.Bump(1)
	if b-a != 4*layout.WordBytes {
		t.Errorf("Expected 3 words to occupy 4, got %d bytes", b-a)
	}
	if _, err := s.Bump(4); !errors.Is(err, ErrSpaceFull) {
		t.Errorf("Expected ErrSpaceFull, got %v", err)
	}
	if _, err := m.Map(SpaceReadOnly, StaticSpaceStart+32, 64); !errors.Is(err, ErrSpaceOverlap) {
		t.Errorf("Expected ErrSpaceOverlap, got %v", err)
	}
}
