package gc

import (
	"github.com/chazu/scavenger/layout"
)

// ---------------------------------------------------------------------------
// Per-type dispatch
// ---------------------------------------------------------------------------
//
// Every heap object is handled through the Category registered for the low
// byte of its first word. For header objects that byte is the widetag. A
// cons has no header, so every byte that cannot start a header (fixnum,
// pointer and immediate tags in the car) maps to the cons category.
//
// Header widetags with no registered category are fatal.

// Category bundles the three per-type operations.
type Category interface {
	// Size returns the object's length in words, header included.
	Size(m *Memory, obj Addr) int
	// Scan traces every reference held by the live object at obj and
	// returns its size in words.
	Scan(t Tracer, obj Addr) int
	// Transport relocates the from-space object ref points at and returns
	// the new reference.
	Transport(c *Copier, ref Ref) Ref
}

var categories [layout.WidetagMask + 1]Category

func register(wt uint8, c Category) {
	if !layout.IsHeaderWidetag(wt) {
		panic("gc: register: not a header widetag")
	}
	if categories[wt] != nil {
		panic("gc: register: duplicate category for " + layout.WidetagName(wt))
	}
	categories[wt] = c
}

func init() {
	registerCategories()
	for b := range categories {
		if categories[b] != nil {
			continue
		}
		if headerShaped(uint8(b)) {
			categories[b] = unknownCategory{widetag: uint8(b)}
		} else {
			categories[b] = consCategory{}
		}
	}
}

// headerShaped reports whether b carries the 01 tag bits of a header and
// is not one of the immediates that may sit in a car.
func headerShaped(b uint8) bool {
	if b&0x3 != 0x1 {
		return false
	}
	for _, wt := range layout.ImmediateWidetags() {
		if wt == b {
			return false
		}
	}
	return true
}

// categoryOf returns the category for an object whose first word is w.
func categoryOf(w Word) Category {
	return categories[w&layout.WidetagMask]
}

// SizeOf returns the size in words of the object at obj.
func SizeOf(m *Memory, obj Addr) int {
	return categoryOf(m.Load(obj)).Size(m, obj)
}

// ScavengeObject scans the single object at obj.
func ScavengeObject(t Tracer, obj Addr) int {
	return categoryOf(t.Memory().Load(obj)).Scan(t, obj)
}

// unknownCategory fills the slots of header-shaped bytes that no object
// type owns.
type unknownCategory struct {
	widetag uint8
}

func (u unknownCategory) Size(_ *Memory, obj Addr) int {
	lose("dispatch", "size of object at %#x with unregistered widetag %#02x", obj, u.widetag)
	return 0
}

func (u unknownCategory) Scan(_ Tracer, obj Addr) int {
	lose("dispatch", "scan of object at %#x with unregistered widetag %#02x", obj, u.widetag)
	return 0
}

func (u unknownCategory) Transport(_ *Copier, ref Ref) Ref {
	lose("dispatch", "transport of %#x with unregistered widetag %#02x", ref, u.widetag)
	return 0
}
