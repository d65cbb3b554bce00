package gc

// genCollector is the generational copying collector. Each generation is
// evacuated separately, youngest first.
type genCollector struct {
	heap *Heap
}

func (c *genCollector) Name() string { return StrategyGenCGC }

func (c *genCollector) Collect(last Generation) *CycleStats {
	h := c.heap
	st := &CycleStats{}
	h.closeAllocators()
	for gen := Nursery; gen <= last; gen++ {
		raise := h.shouldRaise(gen, last)
		c.collectGeneration(gen, raise, st)
		h.raiseOrAge(gen, raise)
		if raise {
			st.Raised = append(st.Raised, int(gen))
		}
	}
	return st
}

// collectGeneration evacuates from. Survivors go to from+1 when raising;
// otherwise they are copied to the scratch generation and relabelled
// back once from-space has been released.
func (c *genCollector) collectGeneration(from Generation, raise bool, st *CycleStats) {
	h := c.heap
	if !h.hasGeneration(from) {
		log.Debugf("%s is empty", from)
		return
	}
	to := Scratch
	if raise {
		to = from + 1
	}
	log.Debugf("evacuating %s into %s", from, to)

	cp := NewCopier(h, from, to)
	h.weak.Reset()

	// Snapshot the root blocks before anything is copied; blocks created
	// from here on are new space and are scanned by the Cheney loop.
	var roots []Block
	h.pages.Blocks(func(b Block) bool {
		if b.Gen != from && b.Type.Base() != PageUnboxed {
			roots = append(roots, b)
		}
		return true
	})

	scavengeThreads(cp, h.threads)
	scavengeSpace(cp, h.static)
	for _, b := range roots {
		ScavengeRange(cp, b.Start, b.End())
	}
	h.immobile.ScavengeRoots(cp, func(g Generation) bool { return g != from })

	for {
		progress := cp.scavengeNewSpace()
		if cp.drainImmobile() {
			progress = true
		}
		if progress {
			continue
		}
		if !h.weak.ScavengeWeakTables(cp) {
			break
		}
	}

	h.weak.FinishTracing()
	h.weak.ResolveWeakTables(cp)
	h.weak.ResolveWeakPointers(cp)
	cp.alloc.CloseAll()

	sweep := h.immobile.Sweep(
		func(g Generation) bool { return g == from },
		func(g Generation) Generation {
			if raise {
				return to
			}
			return g
		})

	freed := h.pages.FreeGeneration(from)
	if !raise {
		h.pages.RelabelGeneration(Scratch, from)
	}

	cs := cp.Stats()
	st.ObjectsCopied += cs.Objects
	st.BytesCopied += cs.Bytes
	st.LargePromoted += cs.LargePromoted
	st.BytesFreed += freed - cs.Bytes
	st.addWeak(h.weak.Stats())
	st.addSweep(sweep)
	log.Debugf("%s: copied %d objects (%d bytes), promoted %d large, released %d bytes",
		from, cs.Objects, cs.Bytes, cs.LargePromoted, freed)
}
