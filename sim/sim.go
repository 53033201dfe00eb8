// Package sim drives a slab allocator through a synthetic frame loop.
//
// Each frame opens with Begin, frees allocations whose lifetime ran out,
// makes new ones, closes with End and submits a batch on the timeline.
// Batches complete Latency frames later, the way a GPU trails the CPU, and
// their completion runs the deferred frees bound to them.
//
// With FillPattern set every allocation is stamped into the backing memory
// and checked again when it is freed, so two allocations handed overlapping
// regions show up as ErrCorruption.
package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"

	"github.com/joshuapare/slabkit/device"
	"github.com/joshuapare/slabkit/fence"
	"github.com/joshuapare/slabkit/internal/grain"
	"github.com/joshuapare/slabkit/slab"
)

var (
	// ErrCorruption reports a pattern mismatch: some other allocation wrote
	// into a region that was still live.
	ErrCorruption = errors.New("sim: allocation contents corrupted")

	// ErrInvalidWorkload reports an unusable Workload.
	ErrInvalidWorkload = errors.New("sim: invalid workload")
)

// Backing exposes device memory to the host for pattern checks.
// *hostmem.Device implements it.
type Backing interface {
	Bytes(mem device.Memory) []byte
}

// Workload shapes the simulated frame loop.
type Workload struct {
	Frames         int
	AllocsPerFrame int

	// Request sizes are drawn uniformly from [MinSize, MaxSize] bytes.
	MinSize uint64
	MaxSize uint64

	// Alignments are drawn uniformly for each request. Empty means none.
	Alignments []uint64

	// Lifetimes in frames are drawn uniformly from [MinLifetime, MaxLifetime].
	// A lifetime of zero frees the allocation at the next frame.
	MinLifetime int
	MaxLifetime int

	// Latency is how many frames a submitted batch stays in flight.
	Latency int

	// TypeBits is passed with every request. Zero means every type.
	TypeBits uint32

	Seed int64

	// Verify runs Allocator.Verify after every frame.
	Verify bool

	// FillPattern stamps and checks allocation contents. Requires a Backing.
	FillPattern bool

	Logger *slog.Logger
}

// DefaultWorkload is a small mixed workload of short and long lived buffers.
func DefaultWorkload() Workload {
	return Workload{
		Frames:         120,
		AllocsPerFrame: 32,
		MinSize:        256,
		MaxSize:        256 << 10,
		Alignments:     []uint64{0, 256, 4 << 10, 64 << 10},
		MinLifetime:    0,
		MaxLifetime:    8,
		Latency:        2,
		Seed:           1,
	}
}

func (w Workload) validate() error {
	switch {
	case w.Frames < 0 || w.AllocsPerFrame < 0:
		return fmt.Errorf("%w: negative frame or allocation count", ErrInvalidWorkload)
	case w.MinSize == 0 || w.MaxSize < w.MinSize:
		return fmt.Errorf("%w: size range [%d, %d]", ErrInvalidWorkload, w.MinSize, w.MaxSize)
	case w.MaxSize-w.MinSize >= math.MaxInt64:
		return fmt.Errorf("%w: size range [%d, %d] is too wide", ErrInvalidWorkload, w.MinSize, w.MaxSize)
	case w.MinLifetime < 0 || w.MaxLifetime < w.MinLifetime:
		return fmt.Errorf("%w: lifetime range [%d, %d]", ErrInvalidWorkload, w.MinLifetime, w.MaxLifetime)
	case w.Latency < 0:
		return fmt.Errorf("%w: negative latency", ErrInvalidWorkload)
	}
	for _, a := range w.Alignments {
		if a != 0 && !grain.IsPow2(a) {
			return fmt.Errorf("%w: alignment %d is not a power of two", ErrInvalidWorkload, a)
		}
	}
	return nil
}

// Result summarises a run.
type Result struct {
	Frames      int
	Allocations int
	Frees       int
	OutOfMemory int
	PeakSlabs   int
	PeakBytes   uint64
	Final       slab.Stats
	Digest      uint64 // layout digest after the last frame, before the drain
}

type liveAlloc struct {
	slab.Allocation
	id     int
	expire int
}

type runner struct {
	alloc   *slab.Allocator
	counter *fence.Counter
	backing Backing
	w       Workload
	rng     *rand.Rand
	logger  *slog.Logger

	live     []liveAlloc
	inflight []fence.Signal
	nextID   int
	res      Result
}

// Run executes w against alloc. Submissions go through counter, which must be
// the timeline alloc was created with. backing may be nil unless
// w.FillPattern is set. The allocator is left holding only its spare slab.
func Run(ctx context.Context, alloc *slab.Allocator, counter *fence.Counter, backing Backing, w Workload) (Result, error) {
	if err := w.validate(); err != nil {
		return Result{}, err
	}
	if w.FillPattern && backing == nil {
		return Result{}, fmt.Errorf("%w: FillPattern needs a backing", ErrInvalidWorkload)
	}
	if w.TypeBits == 0 {
		w.TypeBits = ^uint32(0)
	}
	r := &runner{
		alloc:   alloc,
		counter: counter,
		backing: backing,
		w:       w,
		rng:     rand.New(rand.NewSource(w.Seed)),
		logger:  w.Logger,
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	for f := 0; f < w.Frames; f++ {
		if err := ctx.Err(); err != nil {
			return r.res, err
		}
		if err := r.frame(f); err != nil {
			return r.res, fmt.Errorf("frame %d: %w", f, err)
		}
		r.res.Frames++
	}
	r.res.Digest = alloc.Digest()

	if err := r.drain(); err != nil {
		return r.res, err
	}
	r.res.Final = alloc.Stats()
	return r.res, nil
}

func (r *runner) frame(f int) error {
	r.alloc.Begin()

	// Free expired allocations, keeping the rest in order.
	kept := r.live[:0]
	for _, la := range r.live {
		if la.expire > f {
			kept = append(kept, la)
			continue
		}
		if err := r.free(la); err != nil {
			return err
		}
	}
	r.live = kept

	for range r.w.AllocsPerFrame {
		if err := r.allocate(f); err != nil {
			return err
		}
	}

	if r.w.Verify {
		if err := r.alloc.Verify(); err != nil {
			return err
		}
	}
	st := r.alloc.Stats()
	r.res.PeakSlabs = max(r.res.PeakSlabs, st.Slabs)
	r.res.PeakBytes = max(r.res.PeakBytes, st.TotalBytes)

	r.alloc.End()
	r.inflight = append(r.inflight, r.counter.Submit())
	for len(r.inflight) > r.w.Latency {
		r.complete(r.inflight[0])
		r.inflight = r.inflight[1:]
	}

	r.logger.Debug("frame", "frame", f, "live", len(r.live), "slabs", st.Slabs,
		"used", st.UsedBytes, "pending", st.PendingBytes)
	return nil
}

func (r *runner) allocate(f int) error {
	req := slab.Requirements{
		Size:     r.w.MinSize + uint64(r.rng.Int63n(int64(r.w.MaxSize-r.w.MinSize+1))),
		TypeBits: r.w.TypeBits,
	}
	if len(r.w.Alignments) > 0 {
		req.Alignment = r.w.Alignments[r.rng.Intn(len(r.w.Alignments))]
	}
	lifetime := r.w.MinLifetime + r.rng.Intn(r.w.MaxLifetime-r.w.MinLifetime+1)

	a, err := r.alloc.Allocate(req)
	if errors.Is(err, slab.ErrOutOfMemory) {
		r.res.OutOfMemory++
		r.logger.Debug("allocation failed", "size", req.Size, "err", err)
		return nil
	}
	if err != nil {
		return err
	}
	r.res.Allocations++

	la := liveAlloc{Allocation: a, id: r.nextID, expire: f + 1 + lifetime}
	r.nextID++
	if r.w.FillPattern {
		fill(r.region(la), pattern(la.id))
	}
	r.live = append(r.live, la)
	return nil
}

func (r *runner) free(la liveAlloc) error {
	if r.w.FillPattern {
		if off, ok := check(r.region(la), pattern(la.id)); !ok {
			return fmt.Errorf("%w: allocation %d in slab %d at offset %d, byte %d",
				ErrCorruption, la.id, la.Slab, la.Offset, off)
		}
	}
	r.alloc.Free(la.Slab, la.Offset)
	r.res.Frees++
	return nil
}

func (r *runner) complete(sig fence.Signal) {
	r.counter.Complete(sig)
	r.alloc.SignalComplete(sig)
}

// drain frees everything, completes every batch and compacts the pool.
func (r *runner) drain() error {
	for _, la := range r.live {
		if err := r.free(la); err != nil {
			return err
		}
	}
	r.live = nil
	r.inflight = append(r.inflight, r.counter.Submit())
	for _, sig := range r.inflight {
		r.complete(sig)
	}
	r.inflight = nil
	r.alloc.Begin()
	return nil
}

func (r *runner) region(la liveAlloc) []byte {
	return r.backing.Bytes(la.Memory)[la.Offset : la.Offset+la.Size]
}

func pattern(id int) byte {
	return byte(id%255 + 1)
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// check returns the first offset not holding v.
func check(b []byte, v byte) (int, bool) {
	for i, c := range b {
		if c != v {
			return i, false
		}
	}
	return 0, true
}
