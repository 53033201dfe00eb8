// Package slab sub-allocates GPU device memory out of a small number of large
// raw allocations ("slabs").
//
// # Overview
//
// Graphics APIs make raw memory allocations expensive and cap how many may
// exist at once. The Allocator packs many short- and long-lived regions into
// each slab and only asks the device for a new slab when nothing fits.
//
// Each slab is tracked by a BlockMap: one byte per 1 KiB grain plus a table
// mapping the first grain of every allocation to its length. Searches hop
// over whole allocations using that table.
//
// # Deferred Frees
//
// A region handed back with Free may still be read or written by GPU work
// that was already submitted. Free therefore only marks the region
// PendingFree and queues a descriptor tagged with the timeline's pending
// signal. When the submission layer observes that signal complete it calls
// SignalComplete, which returns the region to the free pool:
//
//	alloc, err := slab.New(dev, timeline, nil)
//	if err != nil {
//	    return err
//	}
//
//	a, err := alloc.Allocate(slab.Requirements{Size: 4096, Alignment: 256, TypeBits: bits})
//	if err != nil {
//	    return err
//	}
//
//	alloc.Free(a.Slab, a.Offset) // still reserved
//	sig := timeline.Submit()
//	// ... later, once the GPU has finished sig:
//	alloc.SignalComplete(sig) // reusable
//
// # Frames
//
// Begin runs once per frame. It rewinds search cursors that have left free
// space stranded behind them and releases fully empty slabs, keeping exactly
// one empty slab as headroom.
//
// # Growth
//
// The first slab is Config.MinSlabSize bytes. Each further slab doubles the
// minimum, up to Config.MaxSlabSize, and is enlarged by further doubling when
// a single request needs more.
//
// # Errors
//
// Running out of device memory returns ErrOutOfMemory and is recoverable.
// Contract violations (double free, freeing an unknown offset, use after
// Destroy, broken bookkeeping) panic with an error wrapping ErrDoubleFree,
// ErrUnknownOffset, ErrUnknownSlab, ErrDestroyed or ErrCorrupt.
//
// # Thread Safety
//
// An Allocator has one owner, normally the frame driver. Callers must
// synchronize externally if they share it.
package slab
