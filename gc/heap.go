package gc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/scavenger/layout"
)

// Fixed base addresses of the spaces. Every space ends below 4GB so that
// any reference fits the 32-bit layout half of an instance header.
const (
	StaticSpaceStart   Addr = 0x0010_0000
	ReadOnlySpaceStart Addr = 0x0050_0000
	ControlStackStart  Addr = 0x0800_0000
	DynamicSpaceStart  Addr = 0x1000_0000
	ImmobileSpaceStart Addr = 0x4000_0000
)

// Options configures a heap. Sizes are in bytes.
type Options struct {
	// Strategy selects the collector: "gencgc" or "marksweep".
	Strategy string

	PageBytes          int
	DynamicSpaceBytes  int
	StaticSpaceBytes   int
	ReadOnlySpaceBytes int
	ImmobileSpaceBytes int
	ImmobileCardBytes  int

	ThreadStackBytes int
	MaxThreads       int

	// RegionBytes is the minimum size of an allocation region.
	RegionBytes int
	// LargeObjectBytes is the size from which an object gets a block of
	// its own and is promoted by relabelling instead of copying.
	LargeObjectBytes int

	// GCsBeforePromotion is how many times a generation is collected in
	// place before its survivors are raised to the next generation.
	GCsBeforePromotion int

	// NurseryBytes is how much mutator allocation the trigger lets pass
	// between nursery collections.
	NurseryBytes int

	// RootSlots is the length of the global roots vector in static space.
	RootSlots int

	DebugChecks bool
}

// DefaultOptions returns a small heap suitable for simulations and tests.
func DefaultOptions() Options {
	return Options{
		Strategy:           StrategyGenCGC,
		PageBytes:          4096,
		DynamicSpaceBytes:  16 << 20,
		StaticSpaceBytes:   64 << 10,
		ReadOnlySpaceBytes: 64 << 10,
		ImmobileSpaceBytes: 1 << 20,
		ImmobileCardBytes:  4096,
		ThreadStackBytes:   64 << 10,
		MaxThreads:         8,
		RegionBytes:        16 << 10,
		LargeObjectBytes:   4 * 4096,
		GCsBeforePromotion: 1,
		NurseryBytes:       1 << 20,
		RootSlots:          256,
	}
}

// Validate checks that the options describe a heap that can be mapped.
func (o Options) Validate() error {
	pow2 := func(name string, v int) error {
		if v < layout.DualWordBytes || v&(v-1) != 0 {
			return fmt.Errorf("%s %d is not a power of two of at least %d", name, v, layout.DualWordBytes)
		}
		return nil
	}
	if err := pow2("page size", o.PageBytes); err != nil {
		return err
	}
	if err := pow2("immobile card size", o.ImmobileCardBytes); err != nil {
		return err
	}
	checks := []struct {
		name  string
		bytes int
		align int
		limit Addr
	}{
		{"static space", o.StaticSpaceBytes, layout.DualWordBytes, ReadOnlySpaceStart - StaticSpaceStart},
		{"read-only space", o.ReadOnlySpaceBytes, layout.DualWordBytes, ControlStackStart - ReadOnlySpaceStart},
		{"control stacks", o.ThreadStackBytes * o.MaxThreads, layout.DualWordBytes, DynamicSpaceStart - ControlStackStart},
		{"dynamic space", o.DynamicSpaceBytes, o.PageBytes, ImmobileSpaceStart - DynamicSpaceStart},
		{"immobile space", o.ImmobileSpaceBytes, o.ImmobileCardBytes, 1<<32 - ImmobileSpaceStart},
	}
	for _, c := range checks {
		if c.bytes <= 0 || c.bytes%c.align != 0 {
			return fmt.Errorf("%s size %d is not a positive multiple of %d", c.name, c.bytes, c.align)
		}
		if Addr(c.bytes) > c.limit {
			return fmt.Errorf("%s size %d exceeds %d", c.name, c.bytes, c.limit)
		}
	}
	if o.RegionBytes <= 0 || o.LargeObjectBytes <= layout.DualWordBytes {
		return fmt.Errorf("region size %d and large object size %d must be positive", o.RegionBytes, o.LargeObjectBytes)
	}
	if o.GCsBeforePromotion < 0 {
		return fmt.Errorf("gcs before promotion %d is negative", o.GCsBeforePromotion)
	}
	if o.RootSlots <= 0 {
		return fmt.Errorf("root slots %d must be positive", o.RootSlots)
	}
	return nil
}

var (
	// ErrBadGeneration is returned for a collection request outside the
	// collectable generations.
	ErrBadGeneration = errors.New("generation cannot be collected")
	// ErrTooManyThreads is returned when every control stack is in use.
	ErrTooManyThreads = errors.New("too many threads")
)

// GenerationInfo is the policy state of one generation.
type GenerationInfo struct {
	// NumGC counts collections of the generation since its survivors
	// were last raised.
	NumGC int
	// GCsBeforePromotion is the NumGC at which the next collection raises.
	GCsBeforePromotion int
}

// Heap is a simulated managed heap together with its collector.
//
// Mutators hold the world lock (Lock/Unlock) while they touch the heap;
// Collect takes it for the whole cycle, so a cycle never overlaps a
// mutator.
type Heap struct {
	*Builder

	opts Options
	mem  *Memory

	static   *Space
	readOnly *Space
	stacks   *Space
	dynamic  *Space

	pages      *PageTable
	allocators [NumGenerations]*Allocator
	immobile   *ImmobileSpace
	weak       *WeakTracker
	locator    *Locator
	collector  Collector

	roots   Ref
	threads []*Thread
	nextID  int
	gens    [NumGenerations]GenerationInfo

	world     sync.Mutex
	cycles    int
	lastCycle *CycleStats
}

// NewHeap maps the spaces described by opts and installs the collector it
// names.
func NewHeap(opts Options) (*Heap, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("heap options: %w", err)
	}
	if opts.DebugChecks {
		SetDebugChecks(true)
	}

	h := &Heap{opts: opts, mem: NewMemory()}
	var err error
	maps := []struct {
		dst   **Space
		id    SpaceID
		start Addr
		bytes int
	}{
		{&h.static, SpaceStatic, StaticSpaceStart, opts.StaticSpaceBytes},
		{&h.readOnly, SpaceReadOnly, ReadOnlySpaceStart, opts.ReadOnlySpaceBytes},
		{&h.stacks, SpaceControlStack, ControlStackStart, opts.ThreadStackBytes * opts.MaxThreads},
		{&h.dynamic, SpaceDynamic, DynamicSpaceStart, opts.DynamicSpaceBytes},
	}
	for _, m := range maps {
		if *m.dst, err = h.mem.Map(m.id, m.start, m.bytes); err != nil {
			return nil, err
		}
	}
	immSpace, err := h.mem.Map(SpaceImmobile, ImmobileSpaceStart, opts.ImmobileSpaceBytes)
	if err != nil {
		return nil, err
	}
	if h.immobile, err = NewImmobileSpace(h.mem, immSpace, opts.ImmobileCardBytes); err != nil {
		return nil, err
	}
	if h.pages, err = NewPageTable(h.dynamic, opts.PageBytes); err != nil {
		return nil, err
	}
	h.weak = NewWeakTracker(h.mem)
	h.locator = &Locator{heap: h}
	for g := range h.gens {
		h.gens[g].GCsBeforePromotion = opts.GCsBeforePromotion
	}
	h.Builder = &Builder{heap: h, space: SpaceDynamic, gen: Nursery}

	if h.collector, err = NewCollector(opts.Strategy, h); err != nil {
		return nil, err
	}

	static := h.In(SpaceStatic)
	h.roots = static.NewVector(opts.RootSlots, layout.Fixnum(0))

	log.Debugf("heap mapped: dynamic %d bytes in %d pages, immobile %d bytes, strategy %s",
		opts.DynamicSpaceBytes, h.pages.NumPages(), opts.ImmobileSpaceBytes, h.collector.Name())
	return h, nil
}

// Options returns the options the heap was built with.
func (h *Heap) Options() Options { return h.opts }

// Memory returns the simulated address space.
func (h *Heap) Memory() *Memory { return h.mem }

// Pages returns the dynamic-space page table.
func (h *Heap) Pages() *PageTable { return h.pages }

// Immobile returns the immobile space manager.
func (h *Heap) Immobile() *ImmobileSpace { return h.immobile }

// Locator returns the space locator.
func (h *Heap) Locator() *Locator { return h.locator }

// Collector returns the installed collector.
func (h *Heap) Collector() Collector { return h.collector }

// Space returns the mapping for id, or nil.
func (h *Heap) Space(id SpaceID) *Space {
	switch id {
	case SpaceStatic:
		return h.static
	case SpaceReadOnly:
		return h.readOnly
	case SpaceControlStack:
		return h.stacks
	case SpaceDynamic:
		return h.dynamic
	case SpaceImmobile:
		return h.immobile.Space()
	}
	return nil
}

// Lock stops the world for a mutator.
func (h *Heap) Lock() { h.world.Lock() }

// Unlock releases the world.
func (h *Heap) Unlock() { h.world.Unlock() }

// allocator returns the mutator allocator for generation gen.
func (h *Heap) allocator(gen Generation) *Allocator {
	if h.allocators[gen] == nil {
		h.allocators[gen] = NewAllocator(h.pages, gen, h.opts.RegionBytes, h.opts.LargeObjectBytes)
	}
	return h.allocators[gen]
}

// closeAllocators closes every mutator region before a cycle.
func (h *Heap) closeAllocators() {
	for _, a := range h.allocators {
		if a != nil {
			a.CloseAll()
		}
	}
}

// BytesAllocated returns the mutator allocation total of every generation.
// It takes the world lock, so callers must not hold it.
func (h *Heap) BytesAllocated() int64 {
	h.world.Lock()
	defer h.world.Unlock()
	return h.bytesAllocated()
}

func (h *Heap) bytesAllocated() int64 {
	var n int64
	for _, a := range h.allocators {
		if a != nil {
			n += a.Stats().Bytes
		}
	}
	return n
}

// NurseryBytes returns the object bytes currently in the nursery.
func (h *Heap) NurseryBytes() int64 {
	b, _ := h.pages.GenerationBytes(Nursery)
	return b
}

// Generation returns the policy state of gen.
func (h *Heap) Generation(gen Generation) GenerationInfo { return h.gens[gen] }

// SetGCsBeforePromotion changes the promotion threshold of gen.
func (h *Heap) SetGCsBeforePromotion(gen Generation, n int) {
	h.gens[gen].GCsBeforePromotion = n
}

// GenerationOf returns the generation of the object r points at.
func (h *Heap) GenerationOf(r Ref) (Generation, bool) {
	if !r.IsPointer() {
		return 0, false
	}
	a := r.Native()
	if i, ok := h.pages.PageIndex(a); ok {
		p := h.pages.Page(i)
		return p.Gen, p.Type != PageFree
	}
	if h.immobile.Contains(a) {
		return h.immobile.GenerationOf(h.immobile.ObjectOf(r)), true
	}
	if h.static.Contains(a) || h.readOnly.Contains(a) {
		return PseudoStatic, true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Global roots
// ---------------------------------------------------------------------------

// Root returns global root slot i.
func (h *Heap) Root(i int) Ref {
	return h.VectorRef(h.roots, i)
}

// SetRoot stores r in global root slot i.
func (h *Heap) SetRoot(i int, r Ref) {
	h.SetVectorRef(h.roots, i, r)
}

// ---------------------------------------------------------------------------
// Collection
// ---------------------------------------------------------------------------

// Collect runs one cycle that collects generations 0 through last. The
// caller must not hold the world lock.
func (h *Heap) Collect(last Generation) (*CycleStats, error) {
	if last < Nursery || last > HighestNormal {
		return nil, fmt.Errorf("collect %s: %w", last, ErrBadGeneration)
	}
	h.world.Lock()
	defer h.world.Unlock()

	id := uuid.New()
	start := time.Now()
	log.Infof("cycle %s: %s collecting up to %s", id, h.collector.Name(), last)

	st := h.collector.Collect(last)
	st.ID = id.String()
	st.Strategy = h.collector.Name()
	st.Last = int(last)
	st.StartedAt = start
	st.Duration = time.Since(start)
	st.Generations = h.generationStats()

	h.cycles++
	h.lastCycle = st
	log.Infof("cycle %s: copied %d bytes, freed %d bytes, broke %d weak pointers in %s",
		id, st.BytesCopied, st.BytesFreed, st.WeakPointersBroken, st.Duration)
	return st, nil
}

// Cycles returns the number of completed cycles.
func (h *Heap) Cycles() int {
	h.world.Lock()
	defer h.world.Unlock()
	return h.cycles
}

// LastCycle returns the statistics of the most recent cycle, or nil.
func (h *Heap) LastCycle() *CycleStats {
	h.world.Lock()
	defer h.world.Unlock()
	return h.lastCycle
}

// raiseOrAge applies the aging policy after generation gen was collected.
func (h *Heap) raiseOrAge(gen Generation, raised bool) {
	if raised {
		h.gens[gen].NumGC = 0
		if gen+1 <= HighestNormal {
			h.gens[gen+1].NumGC++
		}
		return
	}
	h.gens[gen].NumGC++
}

// shouldRaise decides whether collecting gen as part of a request up to
// last moves its survivors to gen+1. Younger generations of a larger
// request always raise; the requested generation raises once it has been
// collected GCsBeforePromotion times. The highest normal generation never
// raises.
func (h *Heap) shouldRaise(gen, last Generation) bool {
	if gen >= HighestNormal {
		return false
	}
	return gen < last || h.gens[gen].NumGC >= h.gens[gen].GCsBeforePromotion
}

// ---------------------------------------------------------------------------
// Threads
// ---------------------------------------------------------------------------

// ErrStackOverflow is returned when a thread's control stack is full.
var ErrStackOverflow = errors.New("control stack exhausted")

// InterruptContext is the register state saved when a thread was stopped
// inside compiled code.
type InterruptContext struct {
	Registers []Ref
	// PC is a raw instruction address.
	PC Word
	// CodeRegister indexes the register holding the code object the PC
	// points into, or -1.
	CodeRegister int
}

// Thread is a mutator thread: a control stack of tagged references and a
// chain of saved interrupt contexts.
type Thread struct {
	ID int

	mem        *Memory
	stackStart Addr
	stackEnd   Addr
	sp         Addr
	contexts   []*InterruptContext
}

// NewThread allocates a control stack for a new mutator thread.
func (h *Heap) NewThread() (*Thread, error) {
	start, err := h.stacks.Bump(h.opts.ThreadStackBytes / layout.WordBytes)
	if err != nil {
		return nil, fmt.Errorf("new thread: %w", ErrTooManyThreads)
	}
	h.nextID++
	th := &Thread{
		ID:         h.nextID,
		mem:        h.mem,
		stackStart: start,
		stackEnd:   start + Addr(h.opts.ThreadStackBytes),
		sp:         start,
	}
	h.threads = append(h.threads, th)
	return th, nil
}

// Threads returns every live thread.
func (h *Heap) Threads() []*Thread { return h.threads }

// Push stores r on top of the stack.
func (t *Thread) Push(r Ref) error {
	if t.sp >= t.stackEnd {
		return ErrStackOverflow
	}
	t.mem.StoreRef(t.sp, r)
	t.sp += layout.WordBytes
	return nil
}

// Pop removes and returns the top of the stack.
func (t *Thread) Pop() Ref {
	assert(t.sp > t.stackStart, "control stack", "pop from the empty stack of thread %d", t.ID)
	t.sp -= layout.WordBytes
	r := t.mem.LoadRef(t.sp)
	t.mem.Store(t.sp, 0)
	return r
}

// Depth returns the number of words on the stack.
func (t *Thread) Depth() int {
	return int(t.sp-t.stackStart) / layout.WordBytes
}

// StackRef returns stack word i, counting from the bottom.
func (t *Thread) StackRef(i int) Ref {
	assert(i >= 0 && i < t.Depth(), "control stack", "index %d out of %d", i, t.Depth())
	return t.mem.LoadRef(t.stackStart + Addr(i*layout.WordBytes))
}

// SetStackRef overwrites stack word i.
func (t *Thread) SetStackRef(i int, r Ref) {
	assert(i >= 0 && i < t.Depth(), "control stack", "index %d out of %d", i, t.Depth())
	t.mem.StoreRef(t.stackStart+Addr(i*layout.WordBytes), r)
}

// PushContext saves an interrupt context.
func (t *Thread) PushContext(ctx *InterruptContext) {
	t.contexts = append(t.contexts, ctx)
}

// PopContext discards the innermost interrupt context.
func (t *Thread) PopContext() *InterruptContext {
	assert(len(t.contexts) > 0, "interrupt context", "thread %d has none", t.ID)
	ctx := t.contexts[len(t.contexts)-1]
	t.contexts = t.contexts[:len(t.contexts)-1]
	return ctx
}
