package slab

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/joshuapare/slabkit/device"
	"github.com/joshuapare/slabkit/internal/grain"
)

// maxSlabGrains bounds a single slab so its byte size fits in a uint64 and
// its grain count fits in an int.
const maxSlabGrains = min(math.MaxInt>>1, 1<<(63-grain.Shift))

// Handle identifies a slab. Handles are never reused, so a stale handle is
// always caught by the pool's liveness table. Zero is never a valid handle.
type Handle uint32

// slabEntry is one raw device allocation and its block map.
type slabEntry struct {
	handle Handle
	memory device.Memory
	blocks *BlockMap
}

func (s *slabEntry) size() uint64 {
	return grain.Bytes(uint64(s.blocks.Len()))
}

// freeRecord is what a deferred free carries until its signal completes.
type freeRecord struct {
	slab  Handle
	start int
}

// poolCounters are lifetime totals.
type poolCounters struct {
	allocCalls     int
	freeCalls      int
	released       int
	slabsCreated   int
	slabsDestroyed int
	outOfMemory    int
	rewinds        int
}

// pool owns every slab of one memory type and decides where requests land.
type pool struct {
	dev   device.Device
	props device.MemoryProperty

	slabs      []*slabEntry // creation order
	live       map[Handle]*slabEntry
	nextHandle Handle
	lastSlab   int // index in slabs where the next search starts

	minGrains int // current minimum slab size; doubles per new slab
	maxGrains int

	memoryType   uint32
	typeResolved bool
	destroyed    bool

	logger   *slog.Logger
	counters poolCounters
}

func newPool(dev device.Device, cfg Config, logger *slog.Logger) *pool {
	return &pool{
		dev:       dev,
		props:     cfg.Properties,
		live:      make(map[Handle]*slabEntry),
		minGrains: int(grain.Count(cfg.MinSlabSize)),
		maxGrains: int(grain.Count(cfg.MaxSlabSize)),
		logger:    logger,
	}
}

// resolveType binds the pool to a memory type on first use and checks later
// requests against it.
func (p *pool) resolveType(typeBits uint32) error {
	if !p.typeResolved {
		idx, err := p.dev.MemoryTypeIndex(typeBits, p.props)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrIncompatibleMemoryType, err)
		}
		p.memoryType = idx
		p.typeResolved = true
		return nil
	}
	if p.memoryType >= 32 || typeBits&(1<<p.memoryType) == 0 {
		return fmt.Errorf("%w: bound to type %d, request allows 0x%x",
			ErrIncompatibleMemoryType, p.memoryType, typeBits)
	}
	return nil
}

// allocate places size bytes aligned to align bytes and returns the owning
// slab and byte offset.
func (p *pool) allocate(size, align uint64, typeBits uint32) (Handle, uint64, error) {
	if p.destroyed {
		fatalf(ErrDestroyed, "allocate after destroy")
	}
	p.counters.allocCalls++

	if size == 0 {
		return 0, 0, ErrInvalidSize
	}
	if align == 0 {
		align = 1
	}
	if !grain.IsPow2(align) {
		return 0, 0, fmt.Errorf("%w: %d", ErrInvalidAlignment, align)
	}
	if err := p.resolveType(typeBits); err != nil {
		p.logger.Error("memory type mismatch", "bits", typeBits, "error", err)
		return 0, 0, err
	}

	// Past this no slab could ever hold the request, and the grain count
	// would no longer fit.
	if size > grain.Bytes(maxSlabGrains) {
		p.counters.outOfMemory++
		p.logger.Warn("request exceeds largest possible slab", "bytes", size)
		return 0, 0, fmt.Errorf("%w: request of %d bytes exceeds %d byte slab limit",
			ErrOutOfMemory, size, grain.Bytes(maxSlabGrains))
	}

	need := int(grain.Count(size))
	alignG := int(grain.AlignmentGrains(align))

	// Start at the slab that satisfied the last request. This keeps us
	// creeping forward instead of rescanning full slabs every time.
	n := len(p.slabs)
	for i := 0; i < n; i++ {
		idx := (p.lastSlab + i) % n
		s := p.slabs[idx]
		if start, ok := s.blocks.TryReserve(s.blocks.NextFree(), need, alignG); ok {
			s.blocks.Commit(start, need)
			p.lastSlab = idx
			p.traceAllocation(s, start, need)
			return s.handle, grain.Bytes(uint64(start)), nil
		}
	}

	s, err := p.grow(need)
	if err != nil {
		return 0, 0, err
	}
	start, ok := s.blocks.TryReserve(0, need, alignG)
	if !ok {
		fatalf(ErrCorrupt, "new slab %d of %d grains cannot hold %d", s.handle, s.blocks.Len(), need)
	}
	s.blocks.Commit(start, need)
	p.lastSlab = len(p.slabs) - 1
	p.traceAllocation(s, start, need)
	return s.handle, grain.Bytes(uint64(start)), nil
}

// grow creates a slab able to hold need grains.
func (p *pool) grow(need int) (*slabEntry, error) {
	if len(p.slabs) > 0 && p.minGrains < p.maxGrains {
		p.minGrains = min(p.minGrains<<1, p.maxGrains)
	}
	grains := p.minGrains
	for grains < need {
		grains <<= 1
	}
	if grains > maxSlabGrains {
		p.counters.outOfMemory++
		return nil, fmt.Errorf("%w: slab of %d grains exceeds limit", ErrOutOfMemory, grains)
	}
	bytes := grain.Bytes(uint64(grains))

	mem, err := p.dev.AllocateMemory(bytes, p.memoryType)
	if err != nil {
		if device.IsOutOfMemory(err) {
			p.counters.outOfMemory++
			p.logger.Warn("slab allocation failed", "bytes", bytes, "slabs", len(p.slabs), "error", err)
			return nil, fmt.Errorf("%w: slab of %d bytes: %w", ErrOutOfMemory, bytes, err)
		}
		return nil, fmt.Errorf("slab: allocate %d bytes: %w", bytes, err)
	}

	p.nextHandle++
	s := &slabEntry{
		handle: p.nextHandle,
		memory: mem,
		blocks: NewBlockMap(grains),
	}
	p.slabs = append(p.slabs, s)
	p.live[s.handle] = s
	p.counters.slabsCreated++
	p.logger.Debug("slab created", "slab", s.handle, "bytes", bytes, "type", p.memoryType, "slabs", len(p.slabs))
	return s, nil
}

func (p *pool) traceAllocation(s *slabEntry, start, need int) {
	if traceAlloc {
		p.logger.Debug("allocate", "slab", s.handle, "grain", start, "grains", need)
	}
}

// lookup returns the live slab for h or aborts.
func (p *pool) lookup(h Handle) *slabEntry {
	s, ok := p.live[h]
	if !ok {
		fatalf(ErrUnknownSlab, "slab %d is not live (double free?)", h)
	}
	return s
}

// free marks the run at offset pending and returns the record that must be
// handed to release once the GPU is done with it.
func (p *pool) free(h Handle, offset uint64) freeRecord {
	if p.destroyed {
		fatalf(ErrDestroyed, "free after destroy")
	}
	s := p.lookup(h)
	if !grain.IsAligned(offset) || offset >= s.size() {
		fatalf(ErrUnknownOffset, "offset %d in slab %d of %d bytes", offset, h, s.size())
	}
	start := int(offset >> grain.Shift)
	s.blocks.MarkPendingFree(start)
	p.counters.freeCalls++
	return freeRecord{slab: h, start: start}
}

// release executes a deferred free.
func (p *pool) release(rec freeRecord) {
	s, ok := p.live[rec.slab]
	if !ok {
		// A slab with pending runs is never decimated.
		fatalf(ErrCorrupt, "deferred free for missing slab %d", rec.slab)
	}
	s.blocks.Release(rec.start)
	p.counters.released++
	if traceAlloc {
		p.logger.Debug("release", "slab", s.handle, "grain", rec.start)
	}
}

// memory returns the device memory behind a live slab.
func (p *pool) memory(h Handle) device.Memory {
	return p.lookup(h).memory
}
