package slab

// Leak is an allocation still live when the allocator was destroyed.
type Leak struct {
	Slab   Handle
	Offset uint64 // bytes
	Size   uint64 // bytes, rounded up to whole grains
}

// Report summarises a teardown.
type Report struct {
	Leaks []Leak

	// PendingFrees counts runs still waiting on a completion signal. They are
	// not leaks; their deferred frees are acknowledged and dropped later.
	PendingFrees int

	// SlabsReleased counts raw device allocations returned.
	SlabsReleased int
}

// LeakedBytes sums the sizes of all leaks.
func (r Report) LeakedBytes() uint64 {
	var n uint64
	for _, l := range r.Leaks {
		n += l.Size
	}
	return n
}

// destroy releases every slab. Live allocations are reported as leaks; any
// disagreement between a slab's grain states and its run table is fatal.
func (p *pool) destroy() Report {
	var rep Report

	// Check everything before releasing anything.
	for _, s := range p.slabs {
		if err := s.blocks.Verify(); err != nil {
			fatalf(ErrCorrupt, "destroy: slab %d: %v", s.handle, err)
		}
	}

	for _, s := range p.slabs {
		for _, r := range s.blocks.Runs() {
			switch r.State {
			case Allocated:
				leak := Leak{
					Slab:   s.handle,
					Offset: grainBytes(r.Start),
					Size:   grainBytes(r.Length),
				}
				rep.Leaks = append(rep.Leaks, leak)
				p.logger.Error("memory leak detected",
					"slab", leak.Slab, "offset", leak.Offset, "size", leak.Size)
			case PendingFree:
				rep.PendingFrees++
			}
		}
		p.dev.FreeMemory(s.memory)
		rep.SlabsReleased++
		p.counters.slabsDestroyed++
	}

	p.slabs = nil
	p.live = make(map[Handle]*slabEntry)
	p.lastSlab = 0
	p.destroyed = true
	return rep
}
