// Package hostmem implements device.Device on top of host memory.
//
// Each raw allocation is an anonymous private mapping (or a plain byte slice
// where mmap is unavailable), so tests can write through allocations and
// catch overlapping placements. Heap budgets, an object limit and one-shot
// failure injection let tests drive the allocator's out-of-memory paths
// deterministically.
package hostmem

import (
	"fmt"

	"github.com/joshuapare/slabkit/device"
)

// Options configures a Device.
type Options struct {
	// Types is the memory type table. Index i is memory type i.
	Types []device.MemoryType

	// HeapBudgets caps the bytes live on each heap. A missing entry or zero
	// means unlimited.
	HeapBudgets []uint64

	// MaxAllocations caps the number of live allocations. Zero means unlimited.
	MaxAllocations int
}

// DefaultOptions returns a two-heap layout: a device-local type on heap 0
// and a host-visible coherent type on heap 1, both unlimited.
func DefaultOptions() Options {
	return Options{
		Types: []device.MemoryType{
			{Properties: device.PropertyDeviceLocal, HeapIndex: 0},
			{Properties: device.PropertyHostVisible | device.PropertyHostCoherent, HeapIndex: 1},
		},
	}
}

// Stats holds counters over the device's lifetime.
type Stats struct {
	Allocations int    // successful AllocateMemory calls
	Frees       int    // FreeMemory calls
	Failures    int    // failed AllocateMemory calls
	LiveBytes   uint64 // bytes currently allocated
	PeakBytes   uint64 // high-water mark of LiveBytes
}

type allocation struct {
	size      uint64
	typeIndex uint32
	data      []byte
}

// Device is a fake graphics device backed by host memory.
// It is not safe for concurrent use.
type Device struct {
	opts     Options
	allocs   map[device.Memory]*allocation
	next     device.Memory
	heapUsed map[uint32]uint64
	failNext error
	stats    Stats
}

var _ device.Device = (*Device)(nil)

// New creates a Device. An empty type table gets DefaultOptions().Types.
func New(opts Options) *Device {
	if len(opts.Types) == 0 {
		opts.Types = DefaultOptions().Types
	}
	return &Device{
		opts:     opts,
		allocs:   make(map[device.Memory]*allocation),
		heapUsed: make(map[uint32]uint64),
	}
}

// MemoryTypeIndex implements device.Device.
func (d *Device) MemoryTypeIndex(typeBits uint32, props device.MemoryProperty) (uint32, error) {
	return device.FindMemoryType(d.opts.Types, typeBits, props)
}

// AllTypeBits returns a type mask accepting every memory type of the device.
func (d *Device) AllTypeBits() uint32 {
	if len(d.opts.Types) >= 32 {
		return ^uint32(0)
	}
	return uint32(1)<<uint(len(d.opts.Types)) - 1
}

// FailNext makes the next AllocateMemory call fail with err.
func (d *Device) FailNext(err error) {
	d.failNext = err
}

// AllocateMemory implements device.Device.
func (d *Device) AllocateMemory(size uint64, typeIndex uint32) (device.Memory, error) {
	if err := d.failNext; err != nil {
		d.failNext = nil
		d.stats.Failures++
		return device.NullMemory, err
	}
	if int(typeIndex) >= len(d.opts.Types) {
		d.stats.Failures++
		return device.NullMemory, fmt.Errorf("%w: index %d", device.ErrNoMemoryType, typeIndex)
	}
	if size == 0 {
		d.stats.Failures++
		return device.NullMemory, fmt.Errorf("hostmem: invalid allocation size %d", size)
	}
	mt := d.opts.Types[typeIndex]
	if size > uint64(maxMapping) {
		d.stats.Failures++
		return device.NullMemory, fmt.Errorf("%w: %d bytes exceeds mapping limit", outOfMemory(mt), size)
	}
	if d.opts.MaxAllocations > 0 && len(d.allocs) >= d.opts.MaxAllocations {
		d.stats.Failures++
		return device.NullMemory, device.ErrTooManyObjects
	}

	if budget := d.heapBudget(mt.HeapIndex); budget > 0 && d.heapUsed[mt.HeapIndex]+size > budget {
		d.stats.Failures++
		return device.NullMemory, outOfMemory(mt)
	}

	data, err := mapAnon(int(size))
	if err != nil {
		d.stats.Failures++
		return device.NullMemory, fmt.Errorf("%w: map %d bytes: %v", device.ErrOutOfHostMemory, size, err)
	}

	d.next++
	mem := d.next
	d.allocs[mem] = &allocation{size: size, typeIndex: typeIndex, data: data}
	d.heapUsed[mt.HeapIndex] += size

	d.stats.Allocations++
	d.stats.LiveBytes += size
	if d.stats.LiveBytes > d.stats.PeakBytes {
		d.stats.PeakBytes = d.stats.LiveBytes
	}
	return mem, nil
}

// outOfMemory picks the capacity error a driver reports for mt's heap.
func outOfMemory(mt device.MemoryType) error {
	if mt.Properties.Has(device.PropertyDeviceLocal) {
		return device.ErrOutOfDeviceMemory
	}
	return device.ErrOutOfHostMemory
}

// FreeMemory implements device.Device. Freeing an unknown handle panics.
func (d *Device) FreeMemory(mem device.Memory) {
	a, ok := d.allocs[mem]
	if !ok {
		panic(fmt.Errorf("%w: %d", device.ErrInvalidMemory, mem))
	}
	delete(d.allocs, mem)
	d.heapUsed[d.opts.Types[a.typeIndex].HeapIndex] -= a.size
	d.stats.Frees++
	d.stats.LiveBytes -= a.size
	// Unmapping only fails for a bad range, which would be our own bug.
	if err := unmapAnon(a.data); err != nil {
		panic(fmt.Errorf("hostmem: unmap %d: %w", mem, err))
	}
}

// Bytes returns the backing storage of mem, or nil if mem is not live.
func (d *Device) Bytes(mem device.Memory) []byte {
	if a, ok := d.allocs[mem]; ok {
		return a.data
	}
	return nil
}

// Size returns the size of a live allocation.
func (d *Device) Size(mem device.Memory) (uint64, bool) {
	a, ok := d.allocs[mem]
	if !ok {
		return 0, false
	}
	return a.size, true
}

// Live returns the number of live allocations.
func (d *Device) Live() int {
	return len(d.allocs)
}

// Allocated returns the number of live bytes.
func (d *Device) Allocated() uint64 {
	return d.stats.LiveBytes
}

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats {
	return d.stats
}

func (d *Device) heapBudget(heap uint32) uint64 {
	if int(heap) < len(d.opts.HeapBudgets) {
		return d.opts.HeapBudgets[heap]
	}
	return 0
}
