package gc

import (
	"sort"
	"time"

	"github.com/chazu/scavenger/layout"
)

// CycleStats describes one completed collection cycle.
type CycleStats struct {
	ID        string        `cbor:"id" json:"id"`
	Strategy  string        `cbor:"strategy" json:"strategy"`
	Last      int           `cbor:"last" json:"last"`
	StartedAt time.Time     `cbor:"started_at" json:"started_at"`
	Duration  time.Duration `cbor:"duration" json:"duration"`

	// Raised lists the generations whose survivors moved up.
	Raised []int `cbor:"raised,omitempty" json:"raised,omitempty"`

	ObjectsCopied      int64 `cbor:"objects_copied" json:"objects_copied"`
	BytesCopied        int64 `cbor:"bytes_copied" json:"bytes_copied"`
	LargePromoted      int64 `cbor:"large_promoted" json:"large_promoted"`
	ObjectsMarked      int64 `cbor:"objects_marked" json:"objects_marked"`
	BytesFreed         int64 `cbor:"bytes_freed" json:"bytes_freed"`
	ImmobileFreed      int   `cbor:"immobile_freed" json:"immobile_freed"`
	ImmobileSurvivors  int   `cbor:"immobile_survivors" json:"immobile_survivors"`
	WeakPointers       int   `cbor:"weak_pointers" json:"weak_pointers"`
	WeakPointersBroken int   `cbor:"weak_pointers_broken" json:"weak_pointers_broken"`
	WeakEntriesRemoved int   `cbor:"weak_entries_removed" json:"weak_entries_removed"`

	Generations []GenerationStats `cbor:"generations" json:"generations"`
}

// GenerationStats is the state of one generation after a cycle.
type GenerationStats struct {
	Generation int   `cbor:"generation" json:"generation"`
	Bytes      int64 `cbor:"bytes" json:"bytes"`
	Blocks     int   `cbor:"blocks" json:"blocks"`
	NumGC      int   `cbor:"num_gc" json:"num_gc"`
}

func (st *CycleStats) addWeak(w WeakStats) {
	st.WeakPointers += w.Pointers
	st.WeakPointersBroken += w.PointersBroken
	st.WeakEntriesRemoved += w.EntriesRemoved
}

func (st *CycleStats) addSweep(s SweepStats) {
	st.ImmobileFreed += s.Freed
	st.ImmobileSurvivors += s.Survivors
}

func (h *Heap) generationStats() []GenerationStats {
	out := make([]GenerationStats, 0, NumGenerations)
	for g := Nursery; g < NumGenerations; g++ {
		bytes, blocks := h.pages.GenerationBytes(g)
		if g == Scratch && blocks == 0 {
			continue
		}
		out = append(out, GenerationStats{
			Generation: int(g),
			Bytes:      bytes,
			Blocks:     blocks,
			NumGC:      h.gens[g].NumGC,
		})
	}
	return out
}

// ---------------------------------------------------------------------------
// Census
// ---------------------------------------------------------------------------

// CensusEntry counts the objects of one type in one space and generation.
type CensusEntry struct {
	Space      string `cbor:"space" json:"space"`
	Generation int    `cbor:"generation" json:"generation"`
	Type       string `cbor:"type" json:"type"`
	Objects    int    `cbor:"objects" json:"objects"`
	Bytes      int64  `cbor:"bytes" json:"bytes"`
}

// Census is a snapshot of every object in the heap, grouped by type.
type Census struct {
	Taken   time.Time     `cbor:"taken" json:"taken"`
	Entries []CensusEntry `cbor:"entries" json:"entries"`
}

type censusKey struct {
	space SpaceID
	gen   Generation
	typ   string
}

// Census walks every object space. The caller must not hold the world
// lock.
func (h *Heap) Census() *Census {
	h.world.Lock()
	defer h.world.Unlock()
	h.closeAllocators()

	counts := make(map[censusKey]*CensusEntry)
	add := func(space SpaceID, gen Generation, obj Addr, nwords int) {
		w := h.mem.Load(obj)
		typ := "cons"
		if layout.IsHeader(w) {
			hd := layout.Header(w)
			typ = layout.WidetagName(hd.Widetag())
			if layout.IsFillerHeader(hd) {
				typ = "filler"
			}
		}
		k := censusKey{space, gen, typ}
		e := counts[k]
		if e == nil {
			e = &CensusEntry{Space: space.String(), Generation: int(gen), Type: typ}
			counts[k] = e
		}
		e.Objects++
		e.Bytes += int64(nwords * layout.WordBytes)
	}
	walk := func(space SpaceID, gen Generation, start, end Addr) {
		for p := start; p < end; {
			n := SizeOf(h.mem, p)
			add(space, gen, p, n)
			p += Addr(n * layout.WordBytes)
		}
	}

	walk(SpaceStatic, PseudoStatic, h.static.Start, h.static.Free)
	walk(SpaceReadOnly, PseudoStatic, h.readOnly.Start, h.readOnly.Free)
	h.pages.Blocks(func(b Block) bool {
		walk(SpaceDynamic, b.Gen, b.Start, b.End())
		return true
	})
	h.immobile.Walk(func(obj Addr, n int) bool {
		gen := Generation(0)
		if !h.immobile.IsFiller(obj) {
			gen = h.immobile.GenerationOf(obj)
		}
		add(SpaceImmobile, gen, obj, n)
		return true
	})

	c := &Census{Taken: time.Now()}
	for _, e := range counts {
		c.Entries = append(c.Entries, *e)
	}
	sort.Slice(c.Entries, func(i, j int) bool {
		a, b := c.Entries[i], c.Entries[j]
		if a.Space != b.Space {
			return a.Space < b.Space
		}
		if a.Generation != b.Generation {
			return a.Generation < b.Generation
		}
		return a.Type < b.Type
	})
	return c
}
