package layout

import "fmt"

// ---------------------------------------------------------------------------
// Centralized widetag allocation table
// ---------------------------------------------------------------------------
//
// Every header word and every non-fixnum immediate carries a widetag in its
// low byte. All widetags have their two low bits set to 01, so a header can
// never be mistaken for a fixnum or a pointer.
//
// To add a new widetag:
//   1. Pick the next free value below (must be 1 mod 4).
//   2. Add it to widetagInfo with its name, lowtag and storage kind.
//   3. Register a Category for it in the gc package dispatch table.
//
// Values are part of the heap layout; changing one invalidates every heap.

const (
	BignumWidetag                uint8 = 0x11
	DoubleFloatWidetag           uint8 = 0x15
	RatioWidetag                 uint8 = 0x19
	SymbolWidetag                uint8 = 0x1D
	ValueCellWidetag             uint8 = 0x21
	WeakPointerWidetag           uint8 = 0x25
	InstanceWidetag              uint8 = 0x29
	SimpleVectorWidetag          uint8 = 0x2D
	WeakTableWidetag             uint8 = 0x31
	SimpleArrayUB8Widetag        uint8 = 0x35
	SimpleArrayWordWidetag       uint8 = 0x39
	SimpleCharacterStringWidetag uint8 = 0x3D
	CodeHeaderWidetag            uint8 = 0x41
	SimpleFunWidetag             uint8 = 0x45
	ClosureWidetag               uint8 = 0x49

	// Immediates, never found in a header.
	CharacterWidetag     uint8 = 0x61
	UnboundMarkerWidetag uint8 = 0x65
	EmptySlotWidetag     uint8 = 0x69
)

// Storage says which page type an object of a widetag lives on.
type Storage uint8

const (
	// StorageNone marks immediates; they are never allocated.
	StorageNone Storage = iota
	StorageBoxed
	StorageUnboxed
	StorageCode
)

// String returns a short name for s.
func (s Storage) String() string {
	switch s {
	case StorageBoxed:
		return "boxed"
	case StorageUnboxed:
		return "unboxed"
	case StorageCode:
		return "code"
	default:
		return "none"
	}
}

type widetagEntry struct {
	name    string
	lowtag  uint8
	storage Storage
	header  bool
}

var widetagInfo = map[uint8]widetagEntry{
	BignumWidetag:                {"bignum", OtherPointerLowtag, StorageUnboxed, true},
	DoubleFloatWidetag:           {"double-float", OtherPointerLowtag, StorageUnboxed, true},
	RatioWidetag:                 {"ratio", OtherPointerLowtag, StorageBoxed, true},
	SymbolWidetag:                {"symbol", OtherPointerLowtag, StorageBoxed, true},
	ValueCellWidetag:             {"value-cell", OtherPointerLowtag, StorageBoxed, true},
	WeakPointerWidetag:           {"weak-pointer", OtherPointerLowtag, StorageBoxed, true},
	InstanceWidetag:              {"instance", InstancePointerLowtag, StorageBoxed, true},
	SimpleVectorWidetag:          {"simple-vector", OtherPointerLowtag, StorageBoxed, true},
	WeakTableWidetag:             {"weak-table", OtherPointerLowtag, StorageBoxed, true},
	SimpleArrayUB8Widetag:        {"simple-array-ub8", OtherPointerLowtag, StorageUnboxed, true},
	SimpleArrayWordWidetag:       {"simple-array-word", OtherPointerLowtag, StorageUnboxed, true},
	SimpleCharacterStringWidetag: {"simple-character-string", OtherPointerLowtag, StorageUnboxed, true},
	CodeHeaderWidetag:            {"code", OtherPointerLowtag, StorageCode, true},
	SimpleFunWidetag:             {"simple-fun", FunPointerLowtag, StorageCode, true},
	ClosureWidetag:               {"closure", FunPointerLowtag, StorageBoxed, true},
	CharacterWidetag:             {"character", 0, StorageNone, false},
	UnboundMarkerWidetag:         {"unbound-marker", 0, StorageNone, false},
	EmptySlotWidetag:             {"empty-slot", 0, StorageNone, false},
}

// HeaderWidetags lists every widetag that can start a heap object, in
// ascending order.
func HeaderWidetags() []uint8 {
	var out []uint8
	for wt := 0; wt <= WidetagMask; wt++ {
		if e, ok := widetagInfo[uint8(wt)]; ok && e.header {
			out = append(out, uint8(wt))
		}
	}
	return out
}

// ImmediateWidetags lists the widetags of non-fixnum immediates.
func ImmediateWidetags() []uint8 {
	var out []uint8
	for wt := 0; wt <= WidetagMask; wt++ {
		if e, ok := widetagInfo[uint8(wt)]; ok && !e.header {
			out = append(out, uint8(wt))
		}
	}
	return out
}

// WidetagName returns a printable name for wt.
func WidetagName(wt uint8) string {
	if e, ok := widetagInfo[wt]; ok {
		return e.name
	}
	return fmt.Sprintf("widetag-%#02x", wt)
}

// IsHeaderWidetag returns true if wt can start a heap object.
func IsHeaderWidetag(wt uint8) bool {
	e, ok := widetagInfo[wt]
	return ok && e.header
}

// ExpectedLowtag returns the lowtag every reference to an object with
// header widetag wt must carry.
func ExpectedLowtag(wt uint8) (uint8, bool) {
	e, ok := widetagInfo[wt]
	if !ok || !e.header {
		return 0, false
	}
	return e.lowtag, true
}

// StorageOf returns the page storage kind objects of widetag wt need.
func StorageOf(wt uint8) Storage {
	return widetagInfo[wt].storage
}
