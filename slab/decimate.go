package slab

// decimate runs once per frame. Slabs in use get their cursor rewound when
// free space is stranded behind it. Fully empty slabs are released, except
// one which is kept as headroom for the next burst.
//
// Slabs are visited newest first, so the spare that survives is the newest
// and therefore the largest.
func (p *pool) decimate() {
	if p.destroyed {
		fatalf(ErrDestroyed, "decimate after destroy")
	}
	keptSpare := false
	for i := len(p.slabs) - 1; i >= 0; i-- {
		s := p.slabs[i]
		if !s.blocks.Empty() {
			if s.blocks.Rewind() {
				p.counters.rewinds++
			}
			continue
		}
		if !keptSpare {
			keptSpare = true
			continue
		}
		p.destroySlab(i)
	}
	if p.lastSlab >= len(p.slabs) {
		p.lastSlab = 0
	}
}

// destroySlab releases the slab at index i. It must be empty.
func (p *pool) destroySlab(i int) {
	s := p.slabs[i]
	p.dev.FreeMemory(s.memory)
	delete(p.live, s.handle)
	p.slabs = append(p.slabs[:i], p.slabs[i+1:]...)
	if i < p.lastSlab {
		p.lastSlab--
	}
	p.counters.slabsDestroyed++
	p.logger.Debug("slab destroyed", "slab", s.handle, "bytes", s.size(), "slabs", len(p.slabs))
}
