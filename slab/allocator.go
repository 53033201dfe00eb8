package slab

import (
	"errors"
	"io"
	"log/slog"

	"github.com/joshuapare/slabkit/device"
	"github.com/joshuapare/slabkit/fence"
	"github.com/joshuapare/slabkit/internal/grain"
)

// Requirements describes one allocation request.
type Requirements struct {
	Size      uint64 // bytes
	Alignment uint64 // bytes, power of two; zero means none
	TypeBits  uint32 // memory types the resource can live in
}

// Allocation is a region inside a slab.
type Allocation struct {
	Slab   Handle
	Memory device.Memory // the slab's raw allocation, for binding
	Offset uint64        // bytes from the start of Memory
	Size   uint64        // bytes reserved, rounded up to whole grains
}

// Allocator sub-allocates GPU memory out of a few large slabs.
//
// Frees are deferred: Free marks the region pending and binds it to the
// timeline's pending signal; the region becomes reusable only when
// SignalComplete is called with that signal or a later one.
//
// An Allocator has a single owner and is not safe for concurrent use.
type Allocator struct {
	pool     *pool
	timeline fence.Timeline
	pending  fence.Queue[freeRecord]

	logger  *slog.Logger
	reclaim func() bool

	frames    uint64
	destroyed bool
	dropped   int
	reclaims  int
}

// New creates an allocator over dev. Frees bind to timeline.Pending().
// A nil cfg selects DefaultConfig.
func New(dev device.Device, timeline fence.Timeline, cfg *Config, opts ...Option) (*Allocator, error) {
	if dev == nil || timeline == nil {
		return nil, errors.New("slab: device and timeline are required")
	}
	if cfg == nil {
		cfg = &DefaultConfig
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	a := &Allocator{
		timeline: timeline,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.pool = newPool(dev, *cfg, a.logger)
	return a, nil
}

// Allocate reserves a region satisfying req.
//
// ErrOutOfMemory is recoverable. ErrIncompatibleMemoryType means req cannot
// live in the memory type this allocator was bound to by its first request.
func (a *Allocator) Allocate(req Requirements) (Allocation, error) {
	h, off, err := a.pool.allocate(req.Size, req.Alignment, req.TypeBits)
	if errors.Is(err, ErrOutOfMemory) && a.reclaim != nil {
		a.reclaims++
		if a.reclaim() {
			h, off, err = a.pool.allocate(req.Size, req.Alignment, req.TypeBits)
		}
	}
	if err != nil {
		return Allocation{}, err
	}
	return Allocation{
		Slab:   h,
		Memory: a.pool.memory(h),
		Offset: off,
		Size:   grain.Bytes(grain.Count(req.Size)),
	}, nil
}

// Free releases the region at offset in slab h. It returns immediately; the
// region is reusable once the timeline's current pending signal completes.
// A double free, an unknown handle or an offset that does not start an
// allocation is fatal.
func (a *Allocator) Free(h Handle, offset uint64) {
	rec := a.pool.free(h, offset)
	a.pending.Push(a.timeline.Pending(), rec)
}

// SignalComplete executes every deferred free bound to sig or an earlier
// signal and returns how many ran. It is the only way deferred frees run.
// After Destroy the frees are acknowledged and dropped without touching
// memory.
func (a *Allocator) SignalComplete(sig fence.Signal) int {
	if a.destroyed {
		n := a.pending.Drain(sig, nil)
		a.dropped += n
		return n
	}
	return a.pending.Drain(sig, a.pool.release)
}

// Begin opens a frame and compacts the pool.
func (a *Allocator) Begin() {
	if a.destroyed {
		fatalf(ErrDestroyed, "begin after destroy")
	}
	a.pool.decimate()
}

// End closes a frame.
func (a *Allocator) End() {
	if a.destroyed {
		fatalf(ErrDestroyed, "end after destroy")
	}
	a.frames++
	if traceAlloc {
		st := a.Stats()
		a.logger.Debug("frame end", "frame", a.frames, "slabs", st.Slabs,
			"used", st.UsedBytes, "pending", st.PendingBytes)
	}
}

// Destroy releases every slab. Live allocations are logged and returned as
// leaks rather than aborting; the remaining slabs are still released.
// Deferred frees still queued are dropped when their signal completes.
// Calling Destroy again is a no-op.
func (a *Allocator) Destroy() Report {
	if a.destroyed {
		return Report{}
	}
	rep := a.pool.destroy()
	a.destroyed = true
	a.logger.Debug("allocator destroyed", "slabs", rep.SlabsReleased,
		"leaks", len(rep.Leaks), "pending", rep.PendingFrees)
	return rep
}

// Destroyed reports whether Destroy has run.
func (a *Allocator) Destroyed() bool { return a.destroyed }

// DroppedFrees returns the deferred frees discarded after Destroy.
func (a *Allocator) DroppedFrees() int { return a.dropped }

// PendingFrees returns the number of deferred frees waiting on a signal.
func (a *Allocator) PendingFrees() int { return a.pending.Len() }

// MemoryType returns the bound memory type index, if any request has bound it.
func (a *Allocator) MemoryType() (uint32, bool) {
	return a.pool.memoryType, a.pool.typeResolved
}
