package gc

import (
	"errors"
	"fmt"

	"github.com/chazu/scavenger/layout"
)

// ErrHeapExhausted is returned by TryAllocate when the page supplier has
// no room left for the request.
var ErrHeapExhausted = errors.New("heap exhausted")

// Region is an open allocation region: a bump pointer inside a block
// granted for one page type.
type Region struct {
	Start Addr
	Free  Addr
	End   Addr
	Type  PageType

	span *Span
}

// Span is a range of memory filled by one allocator during a collection.
// The tracer scans it from Scanned up to End while End keeps growing.
type Span struct {
	Start   Addr
	End     Addr
	Scanned Addr
	Type    PageType
}

// AllocStats counts mutator allocations. Quick allocations are not counted.
type AllocStats struct {
	Bytes        int64
	Objects      int64
	Regions      int64
	LargeObjects int64
}

// Allocator is a per page-type bump allocator backed by a PageSupplier.
// It is not safe for concurrent use.
type Allocator struct {
	pages       PageSupplier
	gen         Generation
	regionBytes int
	largeBytes  int

	regions [pageBaseMask + 1]Region
	stats   AllocStats

	tracking bool
	spans    []*Span
}

// NewAllocator creates an allocator that fills blocks of generation gen.
// Requests of at least largeBytes get a block of their own.
func NewAllocator(pages PageSupplier, gen Generation, regionBytes, largeBytes int) *Allocator {
	if regionBytes < pages.PageBytes() {
		regionBytes = pages.PageBytes()
	}
	return &Allocator{
		pages:       pages,
		gen:         gen,
		regionBytes: regionBytes,
		largeBytes:  largeBytes,
	}
}

// Generation returns the generation new blocks are labelled with.
func (a *Allocator) Generation() Generation { return a.gen }

// Stats returns the mutator allocation counters.
func (a *Allocator) Stats() AllocStats { return a.stats }

// TrackSpans makes the allocator record every range it fills so a tracer
// can scan newly copied objects.
func (a *Allocator) TrackSpans() {
	a.tracking = true
}

// Spans returns the recorded spans. The slice grows as allocation goes on.
func (a *Allocator) Spans() []*Span {
	return a.spans
}

// AddSpan records memory that became new space without being allocated
// here, such as a large block promoted in place.
func (a *Allocator) AddSpan(start, end Addr, t PageType) {
	if a.tracking {
		a.spans = append(a.spans, &Span{Start: start, End: end, Scanned: start, Type: t.Base()})
	}
}

// Allocate returns nbytes of zeroed memory on pages of type t. Quick
// allocations come from the collector and skip the statistics. Running
// out of pages is fatal.
func (a *Allocator) Allocate(nbytes int, t PageType, quick bool) Addr {
	addr, err := a.allocate(nbytes, t, quick)
	if err != nil {
		lose("allocate", "%d bytes of %s in %s: %v", nbytes, t, a.gen, err)
	}
	return addr
}

// TryAllocate is Allocate for the mutator path: exhaustion is reported as
// ErrHeapExhausted so the caller can collect and retry.
func (a *Allocator) TryAllocate(nbytes int, t PageType) (Addr, error) {
	return a.allocate(nbytes, t, false)
}

func (a *Allocator) allocate(nbytes int, t PageType, quick bool) (Addr, error) {
	if !t.valid() {
		lose("page type", "allocate with unknown page type %#x", uint8(t))
	}
	assert(nbytes > 0, "allocate", "non-positive request of %d bytes", nbytes)
	base := t.Base()
	nbytes = layout.Ceiling(nbytes, layout.DualWordBytes)

	if nbytes >= a.largeBytes {
		return a.allocateLarge(nbytes, base, quick)
	}

	r := &a.regions[base]
	if r.Start == 0 || r.Free+Addr(nbytes) > r.End {
		a.closeRegion(r)
		if err := a.openRegion(r, nbytes, base); err != nil {
			return 0, err
		}
	}
	addr := r.Free
	r.Free += Addr(nbytes)
	a.pages.SetUsed(r.Start, int(r.Free-r.Start))
	if r.span != nil {
		r.span.End = r.Free
	}
	if !quick {
		a.stats.Bytes += int64(nbytes)
		a.stats.Objects++
	}
	return addr, nil
}

func (a *Allocator) allocateLarge(nbytes int, base PageType, quick bool) (Addr, error) {
	start, err := a.pages.Grant(nbytes, base, a.gen)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrHeapExhausted, err)
	}
	a.pages.SetUsed(start, nbytes)
	a.pages.Close(start, true)
	a.AddSpan(start, start+Addr(nbytes), base)
	if !quick {
		a.stats.Bytes += int64(nbytes)
		a.stats.Objects++
		a.stats.LargeObjects++
	}
	return start, nil
}

func (a *Allocator) openRegion(r *Region, nbytes int, base PageType) error {
	size := max(a.regionBytes, nbytes)
	start, err := a.pages.Grant(size, base|PageOpenRegion, a.gen)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHeapExhausted, err)
	}
	*r = Region{
		Start: start,
		Free:  start,
		End:   start + Addr(layout.Ceiling(size, a.pages.PageBytes())),
		Type:  base | PageOpenRegion,
	}
	if a.tracking {
		r.span = &Span{Start: start, End: start, Scanned: start, Type: base}
		a.spans = append(a.spans, r.span)
	}
	a.stats.Regions++
	return nil
}

func (a *Allocator) closeRegion(r *Region) {
	if r.Start == 0 {
		return
	}
	a.pages.Close(r.Start, false)
	*r = Region{}
}

// CloseAll closes every open region so that the page table describes
// exactly the objects allocated so far.
func (a *Allocator) CloseAll() {
	for i := range a.regions {
		a.closeRegion(&a.regions[i])
	}
}

// OpenRegions returns the regions currently open, by page type.
func (a *Allocator) OpenRegions() []Region {
	var out []Region
	for _, r := range a.regions {
		if r.Start != 0 {
			out = append(out, r)
		}
	}
	return out
}
