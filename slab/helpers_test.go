package slab

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/slabkit/device/hostmem"
	"github.com/joshuapare/slabkit/fence"
)

const kib = 1024

// testEnv bundles an allocator with the fake device and timeline behind it.
type testEnv struct {
	alloc    *Allocator
	dev      *hostmem.Device
	timeline *fence.Counter
}

// newTestEnv creates an allocator with the given slab bounds over a default
// host-memory device.
func newTestEnv(t testing.TB, minSlab, maxSlab uint64, opts ...Option) *testEnv {
	t.Helper()
	return newTestEnvWithDevice(t, hostmem.New(hostmem.DefaultOptions()), minSlab, maxSlab, opts...)
}

func newTestEnvWithDevice(t testing.TB, dev *hostmem.Device, minSlab, maxSlab uint64, opts ...Option) *testEnv {
	t.Helper()
	tl := fence.NewCounter()
	cfg := DefaultConfig
	cfg.MinSlabSize = minSlab
	cfg.MaxSlabSize = maxSlab
	a, err := New(dev, tl, &cfg, opts...)
	require.NoError(t, err)
	return &testEnv{alloc: a, dev: dev, timeline: tl}
}

func (e *testEnv) req(size, align uint64) Requirements {
	return Requirements{Size: size, Alignment: align, TypeBits: e.dev.AllTypeBits()}
}

// mustAlloc allocates or fails the test.
func (e *testEnv) mustAlloc(t testing.TB, size, align uint64) Allocation {
	t.Helper()
	a, err := e.alloc.Allocate(e.req(size, align))
	require.NoError(t, err)
	return a
}

// flush submits the current batch and completes it, running its frees.
func (e *testEnv) flush() int {
	sig := e.timeline.Submit()
	e.timeline.Complete(sig)
	return e.alloc.SignalComplete(sig)
}

// requireFatal asserts fn panics with an error wrapping sentinel.
func requireFatal(t *testing.T, sentinel error, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a fatal panic wrapping %v", sentinel)
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		require.ErrorIs(t, err, sentinel)
	}()
	fn()
}

// requireNoOverlap asserts live allocations in the same slab are disjoint.
func requireNoOverlap(t testing.TB, live []Allocation) {
	t.Helper()
	bySlab := make(map[Handle][]Allocation)
	for _, a := range live {
		bySlab[a.Slab] = append(bySlab[a.Slab], a)
	}
	for h, list := range bySlab {
		sort.Slice(list, func(i, j int) bool { return list[i].Offset < list[j].Offset })
		for i := 1; i < len(list); i++ {
			prev := list[i-1]
			require.LessOrEqual(t, prev.Offset+prev.Size, list[i].Offset,
				"slab %d: [%d,+%d) overlaps [%d,+%d)", h, prev.Offset, prev.Size, list[i].Offset, list[i].Size)
		}
	}
}
