package gc

import (
	"fmt"

	"github.com/chazu/scavenger/layout"
)

// Weakness says which side of a weak table entry is held weakly.
type Weakness uint8

const (
	// WeakKey entries live as long as their key is reachable.
	WeakKey Weakness = iota + 1
	// WeakValue entries live as long as their value is reachable.
	WeakValue
	// WeakKeyAndValue entries need both sides reachable.
	WeakKeyAndValue
	// WeakKeyOrValue entries need either side reachable.
	WeakKeyOrValue
)

func (w Weakness) String() string {
	switch w {
	case WeakKey:
		return "key"
	case WeakValue:
		return "value"
	case WeakKeyAndValue:
		return "key-and-value"
	case WeakKeyOrValue:
		return "key-or-value"
	default:
		return fmt.Sprintf("weakness-%d", uint8(w))
	}
}

type weakPhase uint8

const (
	phaseTracing weakPhase = iota
	phaseTraced
)

func (p weakPhase) String() string {
	switch p {
	case phaseTracing:
		return "tracing"
	default:
		return "traced"
	}
}

// WeakStats counts what the tracker saw in one cycle.
type WeakStats struct {
	Pointers       int
	Tables         int
	PointersBroken int
	EntriesRemoved int
}

type weakTable struct {
	obj Addr
	// strong marks entries whose surviving side has already been traced.
	strong []bool
}

// WeakTracker defers weak pointers and weak tables found while tracing
// and resolves them once strong tracing has reached its fixpoint.
//
// The protocol is strict: Register* during tracing, FinishTracing once
// nothing more is reachable, then Resolve*. Anything out of order is
// fatal, since resolving early breaks references that a later path
// would still have reached.
type WeakTracker struct {
	mem   *Memory
	phase weakPhase

	pointers     []Addr
	seenPointers map[Addr]bool
	tables       []*weakTable
	seenTables   map[Addr]bool

	stats WeakStats
}

// NewWeakTracker creates a tracker in the tracing phase.
func NewWeakTracker(m *Memory) *WeakTracker {
	w := &WeakTracker{mem: m}
	w.Reset()
	return w
}

// Reset forgets every registration and starts a new tracing phase.
func (w *WeakTracker) Reset() {
	w.phase = phaseTracing
	w.pointers = w.pointers[:0]
	w.tables = w.tables[:0]
	w.seenPointers = make(map[Addr]bool)
	w.seenTables = make(map[Addr]bool)
	w.stats = WeakStats{}
}

// Stats returns the counters of the current cycle.
func (w *WeakTracker) Stats() WeakStats { return w.stats }

func (w *WeakTracker) requirePhase(want weakPhase, op string) {
	if w.phase != want {
		lose("weak ordering", "%s during the %s phase", op, w.phase)
	}
}

// RegisterWeakPointer defers the weak pointer at obj. Its value is not
// traced.
func (w *WeakTracker) RegisterWeakPointer(obj Addr) {
	w.requirePhase(phaseTracing, "weak pointer registration")
	if w.seenPointers[obj] {
		return
	}
	w.seenPointers[obj] = true
	w.pointers = append(w.pointers, obj)
	w.stats.Pointers++
}

// RegisterWeakTable defers the weak table at obj. None of its entries
// are traced until ScavengeWeakTables finds their weak side alive.
func (w *WeakTracker) RegisterWeakTable(obj Addr) {
	w.requirePhase(phaseTracing, "weak table registration")
	if w.seenTables[obj] {
		return
	}
	w.seenTables[obj] = true
	capacity := int(w.mem.LoadRef(slotAddr(obj, WeakTableCapacitySlot)).FixnumValue())
	w.tables = append(w.tables, &weakTable{obj: obj, strong: make([]bool, capacity)})
	w.stats.Tables++
}

func pairAddr(table Addr, i int) Addr {
	return slotAddr(table, WeakTableDataSlot+2*i)
}

func tableWeakness(m *Memory, table Addr) Weakness {
	return Weakness(m.LoadHeader(table).Payload())
}

// ScavengeWeakTables traces the strong side of every entry whose weak side
// has been reached. It returns true if it traced anything, in which case
// the caller must trace again before calling it once more.
func (w *WeakTracker) ScavengeWeakTables(t Tracer) bool {
	w.requirePhase(phaseTracing, "weak table scavenging")
	progress := false
	for i := 0; i < len(w.tables); i++ {
		wt := w.tables[i]
		weakness := tableWeakness(w.mem, wt.obj)
		for j := range wt.strong {
			if wt.strong[j] {
				continue
			}
			ka := pairAddr(wt.obj, j)
			k := w.mem.LoadRef(ka)
			if k == layout.EmptySlot {
				continue
			}
			_, kAlive := t.Alive(k)
			_, vAlive := t.Alive(w.mem.LoadRef(ka + layout.WordBytes))
			var trace bool
			switch weakness {
			case WeakKey:
				trace = kAlive
			case WeakValue:
				trace = vAlive
			case WeakKeyOrValue:
				trace = kAlive || vAlive
			case WeakKeyAndValue:
				// Neither side is ever held strongly.
			default:
				lose("weak table", "table at %#x has unknown weakness %d", wt.obj, weakness)
			}
			if trace {
				wt.strong[j] = true
				traceSlots(t, ka, 2)
				progress = true
			}
		}
	}
	return progress
}

// FinishTracing ends the tracing phase.
func (w *WeakTracker) FinishTracing() {
	w.requirePhase(phaseTracing, "finish tracing")
	w.phase = phaseTraced
}

// ResolveWeakTables deletes every entry whose weak side was not reached
// and rewrites the survivors to their current references.
func (w *WeakTracker) ResolveWeakTables(t Tracer) {
	w.requirePhase(phaseTraced, "weak table resolution")
	for _, wt := range w.tables {
		weakness := tableWeakness(w.mem, wt.obj)
		removed := 0
		for j := range wt.strong {
			ka := pairAddr(wt.obj, j)
			va := ka + layout.WordBytes
			k := w.mem.LoadRef(ka)
			if k == layout.EmptySlot {
				continue
			}
			nk, kAlive := t.Alive(k)
			nv, vAlive := t.Alive(w.mem.LoadRef(va))
			var keep bool
			switch weakness {
			case WeakKey:
				keep = kAlive
			case WeakValue:
				keep = vAlive
			case WeakKeyAndValue:
				keep = kAlive && vAlive
			case WeakKeyOrValue:
				keep = kAlive || vAlive
			}
			if keep {
				dcheck(kAlive && vAlive, "weak table", "entry %d of %#x kept with a dead side", j, wt.obj)
				w.mem.StoreRef(ka, nk)
				w.mem.StoreRef(va, nv)
				continue
			}
			w.mem.StoreRef(ka, layout.EmptySlot)
			w.mem.StoreRef(va, layout.EmptySlot)
			removed++
		}
		if removed > 0 {
			countAddr := slotAddr(wt.obj, WeakTableCountSlot)
			count := w.mem.LoadRef(countAddr).FixnumValue() - int64(removed)
			assert(count >= 0, "weak table", "table at %#x count went negative", wt.obj)
			w.mem.StoreRef(countAddr, layout.Fixnum(count))
			w.stats.EntriesRemoved += removed
		}
	}
}

// ResolveWeakPointers breaks every weak pointer whose referent was not
// reached and updates the rest to the referent's current reference.
func (w *WeakTracker) ResolveWeakPointers(t Tracer) {
	w.requirePhase(phaseTraced, "weak pointer resolution")
	for _, wp := range w.pointers {
		va := slotAddr(wp, WeakPointerValueSlot)
		v := w.mem.LoadRef(va)
		if !v.IsPointer() {
			continue
		}
		nv, alive := t.Alive(v)
		if alive {
			if nv != v {
				w.mem.StoreRef(va, nv)
			}
			continue
		}
		w.mem.StoreRef(va, layout.UnboundMarker)
		w.mem.StoreRef(slotAddr(wp, WeakPointerBrokenSlot), layout.Fixnum(1))
		w.stats.PointersBroken++
	}
}
