package slab

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"

	"github.com/joshuapare/slabkit/internal/grain"
)

func grainBytes(g int) uint64 {
	return grain.Bytes(uint64(g))
}

// SlabInfo describes one slab.
type SlabInfo struct {
	Handle       Handle
	Size         uint64 // bytes
	UsedBytes    uint64 // allocated + pending
	PendingBytes uint64
	LiveRuns     int
	PendingRuns  int
	Cursor       uint64 // byte offset of the search cursor
}

// Stats is a snapshot of allocator state and lifetime counters.
type Stats struct {
	Slabs        int
	TotalBytes   uint64
	UsedBytes    uint64 // allocated + pending
	PendingBytes uint64

	LiveAllocations int
	PendingFrees    int // deferred frees waiting on a signal

	Frames         uint64
	AllocCalls     int
	FreeCalls      int
	Released       int // deferred frees executed
	SlabsCreated   int
	SlabsDestroyed int
	OutOfMemory    int
	Reclaims       int
	Rewinds        int
	DroppedFrees   int
}

// Utilization returns UsedBytes / TotalBytes in [0, 1].
func (s Stats) Utilization() float64 {
	if s.TotalBytes == 0 {
		return 0
	}
	return float64(s.UsedBytes) / float64(s.TotalBytes)
}

func (s Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "slabs=%d total=%s used=%s (%.1f%%) pending=%s",
		s.Slabs, humanize.IBytes(s.TotalBytes), humanize.IBytes(s.UsedBytes),
		100*s.Utilization(), humanize.IBytes(s.PendingBytes))
	fmt.Fprintf(&b, " live=%d queued=%d created=%d destroyed=%d oom=%d",
		s.LiveAllocations, s.PendingFrees, s.SlabsCreated, s.SlabsDestroyed, s.OutOfMemory)
	return b.String()
}

// Stats returns a snapshot.
func (a *Allocator) Stats() Stats {
	p := a.pool
	st := Stats{
		Slabs:          len(p.slabs),
		PendingFrees:   a.pending.Len(),
		Frames:         a.frames,
		AllocCalls:     p.counters.allocCalls,
		FreeCalls:      p.counters.freeCalls,
		Released:       p.counters.released,
		SlabsCreated:   p.counters.slabsCreated,
		SlabsDestroyed: p.counters.slabsDestroyed,
		OutOfMemory:    p.counters.outOfMemory,
		Reclaims:       a.reclaims,
		Rewinds:        p.counters.rewinds,
		DroppedFrees:   a.dropped,
	}
	for _, s := range p.slabs {
		st.TotalBytes += s.size()
		st.UsedBytes += grainBytes(s.blocks.UsedGrains())
		st.PendingBytes += grainBytes(s.blocks.PendingGrains())
		st.LiveAllocations += s.blocks.LiveRuns()
	}
	return st
}

// Slabs describes every slab in creation order.
func (a *Allocator) Slabs() []SlabInfo {
	out := make([]SlabInfo, 0, len(a.pool.slabs))
	for _, s := range a.pool.slabs {
		out = append(out, SlabInfo{
			Handle:       s.handle,
			Size:         s.size(),
			UsedBytes:    grainBytes(s.blocks.UsedGrains()),
			PendingBytes: grainBytes(s.blocks.PendingGrains()),
			LiveRuns:     s.blocks.LiveRuns(),
			PendingRuns:  s.blocks.PendingRuns(),
			Cursor:       grainBytes(s.blocks.NextFree()),
		})
	}
	return out
}

// Digest hashes the complete slab layout: every slab's handle and size and
// every run with its state. Identical call sequences yield identical digests.
func (a *Allocator) Digest() uint64 {
	d := xxhash.New()
	var buf []byte
	for _, s := range a.pool.slabs {
		buf = buf[:0]
		buf = binary.LittleEndian.AppendUint32(buf, uint32(s.handle))
		buf = binary.LittleEndian.AppendUint64(buf, s.size())
		buf = binary.LittleEndian.AppendUint64(buf, uint64(s.blocks.NextFree()))
		for _, r := range s.blocks.Runs() {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Start))
			buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Length))
			buf = append(buf, byte(r.State))
		}
		_, _ = d.Write(buf)
	}
	return d.Sum64()
}

// Verify checks every slab's block map and that the deferred queue and the
// pending runs agree.
func (a *Allocator) Verify() error {
	p := a.pool
	if len(p.live) != len(p.slabs) {
		return fmt.Errorf("%w: %d live handles for %d slabs", ErrCorrupt, len(p.live), len(p.slabs))
	}
	pendingRuns := 0
	for _, s := range p.slabs {
		if p.live[s.handle] != s {
			return fmt.Errorf("%w: slab %d missing from liveness table", ErrCorrupt, s.handle)
		}
		if err := s.blocks.Verify(); err != nil {
			return fmt.Errorf("slab %d: %w", s.handle, err)
		}
		pendingRuns += s.blocks.PendingRuns()
	}
	if !a.destroyed && pendingRuns != a.pending.Len() {
		return fmt.Errorf("%w: %d pending runs but %d queued frees", ErrCorrupt, pendingRuns, a.pending.Len())
	}
	return nil
}
