package gc

import (
	"testing"

	"github.com/chazu/scavenger/layout"
)

func findCensus(c *Census, space SpaceID, gen Generation, typ string) (CensusEntry, bool) {
	for _, e := range c.Entries {
		if e.Space == space.String() && e.Generation == int(gen) && e.Type == typ {
			return e, true
		}
	}
	return CensusEntry{}, false
}

func TestCensus(t *testing.T) {
	h := newTestHeap(t)
	garbage(h.Builder, 7)
	h.InGeneration(2).NewString("old")
	h.In(SpaceImmobile).At(1).NewSymbol(layout.Fixnum(0), layout.Fixnum(0))

	c := h.Census()
	if c.Taken.IsZero() {
		t.Errorf("Expected a census time")
	}

	tests := []struct {
		space   SpaceID
		gen     Generation
		typ     string
		objects int
		bytes   int64
	}{
		{SpaceDynamic, Nursery, "cons", 7, 7 * 16},
		{SpaceDynamic, 2, "simple-character-string", 1, 4 * 8},
		{SpaceImmobile, 1, "symbol", 1, 4 * 8},
		{SpaceStatic, PseudoStatic, "simple-vector", 1, int64((2 + h.Options().RootSlots) * 8)},
	}
	for _, tt := range tests {
		e, ok := findCensus(c, tt.space, tt.gen, tt.typ)
		if !ok {
			t.Errorf("Expected a census entry for %s %s %s", tt.space, tt.gen, tt.typ)
			continue
		}
		if e.Objects != tt.objects || e.Bytes != tt.bytes {
			t.Errorf("%s %s %s: expected %d objects in %d bytes, got %d in %d",
				tt.space, tt.gen, tt.typ, tt.objects, tt.bytes, e.Objects, e.Bytes)
		}
	}

	for i := 1; i < len(c.Entries); i++ {
		a, b := c.Entries[i-1], c.Entries[i]
		if a.Space > b.Space || (a.Space == b.Space && a.Generation > b.Generation) {
			t.Errorf("Expected entries sorted by space and generation, got %+v before %+v", a, b)
		}
	}
}

func TestCensusCountsFillers(t *testing.T) {
	h := newTestHeap(t)
	b := h.In(SpaceImmobile)
	b.NewValueCell(layout.Fixnum(0))
	h.SetRoot(0, b.NewValueCell(layout.Fixnum(0)))

	mustCollect(t, h, Nursery)

	c := h.Census()
	if e, ok := findCensus(c, SpaceImmobile, Nursery, "filler"); !ok || e.Objects != 1 {
		t.Errorf("Expected one immobile filler, got %+v", e)
	}
}
