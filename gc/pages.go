package gc

import (
	"errors"
	"fmt"

	"github.com/chazu/scavenger/layout"
)

// PageType is the storage tag of a dynamic-space page. The values are
// shared with the page supplier's own bookkeeping and must not change.
type PageType uint8

const (
	PageFree       PageType = 0
	PageBoxed      PageType = 1
	PageUnboxed    PageType = 2
	PageCode       PageType = PageBoxed | PageUnboxed
	PageOpenRegion PageType = 4

	pageBaseMask PageType = PageCode
)

// Base strips the open-region bit.
func (t PageType) Base() PageType {
	return t & pageBaseMask
}

// Open reports whether the page belongs to a region still being filled.
func (t PageType) Open() bool {
	return t&PageOpenRegion != 0
}

// valid reports whether t is one of the defined allocation types, with or
// without the open-region bit.
func (t PageType) valid() bool {
	return t&^(pageBaseMask|PageOpenRegion) == 0 && t.Base() != PageFree
}

func (t PageType) String() string {
	var s string
	switch t.Base() {
	case PageFree:
		s = "free"
	case PageBoxed:
		s = "boxed"
	case PageUnboxed:
		s = "unboxed"
	case PageCode:
		s = "code"
	}
	if t.Open() {
		s += "+open"
	}
	return s
}

// pageTypeFor maps an object's storage kind to the page type it lives on.
func pageTypeFor(s layout.Storage) PageType {
	switch s {
	case layout.StorageUnboxed:
		return PageUnboxed
	case layout.StorageCode:
		return PageCode
	default:
		return PageBoxed
	}
}

// Generation is an age tier of the dynamic and immobile spaces.
type Generation int8

const (
	Nursery Generation = 0
	// HighestNormal is the oldest generation that is ever collected.
	HighestNormal Generation = 5
	// PseudoStatic holds objects that are never collected.
	PseudoStatic Generation = 6
	// Scratch receives survivors of a generation that is collected in
	// place; they are relabelled back once the cycle completes.
	Scratch Generation = 7

	NumGenerations = 8
)

func (g Generation) String() string {
	switch g {
	case PseudoStatic:
		return "pseudo-static"
	case Scratch:
		return "scratch"
	default:
		return fmt.Sprintf("gen%d", int(g))
	}
}

// ErrNoPages is returned by Grant when no free page run is large enough.
var ErrNoPages = errors.New("no free pages")

// PageSupplier grants and revokes page-aligned ranges of dynamic space,
// tagged with a page type and generation.
type PageSupplier interface {
	PageBytes() int
	// Grant returns the start of a fresh zeroed block of at least nbytes.
	Grant(nbytes int, t PageType, gen Generation) (Addr, error)
	// SetUsed records how many bytes of the block at start hold objects.
	SetUsed(start Addr, used int)
	// Close clears the open-region bit of a block and returns the pages
	// beyond its used bytes. Large marks a block owned by one object.
	Close(start Addr, large bool)
	// Revoke returns every page of the block at start.
	Revoke(start Addr)
}

// Page is one entry of the page table.
type Page struct {
	Type  PageType
	Gen   Generation
	Large bool

	head   int // index of the first page of the block
	npages int // head page only
	used   int // head page only, bytes
}

// Block is a run of pages granted together. Objects never straddle blocks
// and are packed from Start up to Start+Used.
type Block struct {
	Start Addr
	Pages int
	Used  int
	Type  PageType
	Gen   Generation
	Large bool
}

// End returns the address just past the last object in the block.
func (b Block) End() Addr {
	return b.Start + Addr(b.Used)
}

// PageTable is the page supplier for the dynamic space.
type PageTable struct {
	space     *Space
	pageBytes int
	pages     []Page
	free      int
}

// NewPageTable divides space into pages of pageBytes each.
func NewPageTable(space *Space, pageBytes int) (*PageTable, error) {
	if pageBytes < layout.DualWordBytes || pageBytes&(pageBytes-1) != 0 {
		return nil, fmt.Errorf("page size %d is not a power of two", pageBytes)
	}
	if space.Bytes()%pageBytes != 0 {
		return nil, fmt.Errorf("%s space size %d is not a multiple of the page size %d", space.ID, space.Bytes(), pageBytes)
	}
	n := space.Bytes() / pageBytes
	pt := &PageTable{
		space:     space,
		pageBytes: pageBytes,
		pages:     make([]Page, n),
		free:      n,
	}
	for i := range pt.pages {
		pt.pages[i].head = i
	}
	return pt, nil
}

// PageBytes implements PageSupplier.
func (pt *PageTable) PageBytes() int { return pt.pageBytes }

// NumPages returns the number of pages in the table.
func (pt *PageTable) NumPages() int { return len(pt.pages) }

// FreePages returns the number of pages not granted to any block.
func (pt *PageTable) FreePages() int { return pt.free }

// PageIndex returns the page holding a.
func (pt *PageTable) PageIndex(a Addr) (int, bool) {
	if !pt.space.Contains(a) {
		return 0, false
	}
	return int(a-pt.space.Start) / pt.pageBytes, true
}

// PageAddr returns the first address of page i.
func (pt *PageTable) PageAddr(i int) Addr {
	return pt.space.Start + Addr(i*pt.pageBytes)
}

// Page returns a copy of entry i.
func (pt *PageTable) Page(i int) Page {
	return pt.pages[i]
}

func (pt *PageTable) headOf(start Addr) int {
	i, ok := pt.PageIndex(start)
	assert(ok, "page table", "address %#x outside dynamic space", start)
	p := &pt.pages[i]
	assert(p.Type != PageFree && p.head == i && pt.PageAddr(i) == start,
		"page table", "%#x does not start a block", start)
	return i
}

func (pt *PageTable) block(head int) Block {
	p := pt.pages[head]
	return Block{
		Start: pt.PageAddr(head),
		Pages: p.npages,
		Used:  p.used,
		Type:  p.Type,
		Gen:   p.Gen,
		Large: p.Large,
	}
}

// Grant implements PageSupplier with a first-fit search for a run of
// free pages.
func (pt *PageTable) Grant(nbytes int, t PageType, gen Generation) (Addr, error) {
	if !t.valid() {
		lose("page type", "grant with unknown page type %#x", uint8(t))
	}
	n := layout.Ceiling(nbytes, pt.pageBytes) / pt.pageBytes
	if n == 0 {
		n = 1
	}
	run := 0
	for i := range pt.pages {
		if pt.pages[i].Type != PageFree {
			run = 0
			continue
		}
		run++
		if run < n {
			continue
		}
		head := i - n + 1
		for j := head; j <= i; j++ {
			pt.pages[j] = Page{Type: t, Gen: gen, head: head}
		}
		pt.pages[head].npages = n
		pt.free -= n
		return pt.PageAddr(head), nil
	}
	return 0, fmt.Errorf("grant %d pages of %s: %w", n, t, ErrNoPages)
}

// SetUsed implements PageSupplier.
func (pt *PageTable) SetUsed(start Addr, used int) {
	i := pt.headOf(start)
	p := &pt.pages[i]
	assert(used >= 0 && used <= p.npages*pt.pageBytes, "page table",
		"block %#x: %d used bytes in %d pages", start, used, p.npages)
	p.used = used
}

// Close implements PageSupplier.
func (pt *PageTable) Close(start Addr, large bool) {
	i := pt.headOf(start)
	p := &pt.pages[i]
	if p.used == 0 {
		pt.Revoke(start)
		return
	}
	keep := layout.Ceiling(p.used, pt.pageBytes) / pt.pageBytes
	for j := i + keep; j < i+p.npages; j++ {
		pt.release(j)
	}
	p.npages = keep
	t := p.Type &^ PageOpenRegion
	for j := i; j < i+keep; j++ {
		pt.pages[j].Type = t
		pt.pages[j].Large = large
	}
}

// Revoke implements PageSupplier. The pages are zeroed.
func (pt *PageTable) Revoke(start Addr) {
	i := pt.headOf(start)
	for j, n := i, pt.pages[i].npages; j < i+n; j++ {
		pt.release(j)
	}
}

func (pt *PageTable) release(i int) {
	pt.space.zero(pt.PageAddr(i), pt.pageBytes/layout.WordBytes)
	pt.pages[i] = Page{head: i}
	pt.free++
}

// Relabel moves the block at start into generation gen.
func (pt *PageTable) Relabel(start Addr, gen Generation) {
	i := pt.headOf(start)
	for j, n := i, pt.pages[i].npages; j < i+n; j++ {
		pt.pages[j].Gen = gen
	}
}

// BlockOf returns the block containing a.
func (pt *PageTable) BlockOf(a Addr) (Block, bool) {
	i, ok := pt.PageIndex(a)
	if !ok || pt.pages[i].Type == PageFree {
		return Block{}, false
	}
	return pt.block(pt.pages[i].head), true
}

// Blocks calls fn for every granted block in address order until fn
// returns false.
func (pt *PageTable) Blocks(fn func(Block) bool) {
	for i := 0; i < len(pt.pages); {
		p := pt.pages[i]
		if p.Type == PageFree {
			i++
			continue
		}
		if !fn(pt.block(i)) {
			return
		}
		i += p.npages
	}
}

// GenerationBlocks returns a snapshot of the blocks of generation gen.
func (pt *PageTable) GenerationBlocks(gen Generation) []Block {
	var out []Block
	pt.Blocks(func(b Block) bool {
		if b.Gen == gen {
			out = append(out, b)
		}
		return true
	})
	return out
}

// FreeGeneration revokes every block of generation gen and returns the
// number of object bytes released.
func (pt *PageTable) FreeGeneration(gen Generation) int64 {
	var freed int64
	for _, b := range pt.GenerationBlocks(gen) {
		freed += int64(b.Used)
		pt.Revoke(b.Start)
	}
	return freed
}

// RelabelGeneration moves every block of generation from into to.
func (pt *PageTable) RelabelGeneration(from, to Generation) {
	for _, b := range pt.GenerationBlocks(from) {
		pt.Relabel(b.Start, to)
	}
}

// GenerationBytes returns the object bytes held by generation gen.
func (pt *PageTable) GenerationBytes(gen Generation) (bytes int64, blocks int) {
	pt.Blocks(func(b Block) bool {
		if b.Gen == gen {
			bytes += int64(b.Used)
			blocks++
		}
		return true
	})
	return bytes, blocks
}
