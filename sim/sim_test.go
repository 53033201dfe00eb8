package sim

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/slabkit/device"
	"github.com/joshuapare/slabkit/device/hostmem"
	"github.com/joshuapare/slabkit/fence"
	"github.com/joshuapare/slabkit/slab"
)

type harness struct {
	alloc   *slab.Allocator
	counter *fence.Counter
	dev     *hostmem.Device
}

func newHarness(t *testing.T, opts hostmem.Options) *harness {
	t.Helper()
	dev := hostmem.New(opts)
	counter := fence.NewCounter()
	cfg := slab.Config{
		MinSlabSize: 256 << 10,
		MaxSlabSize: 4 << 20,
		Properties:  device.PropertyDeviceLocal,
	}
	a, err := slab.New(dev, counter, &cfg)
	require.NoError(t, err)
	return &harness{alloc: a, counter: counter, dev: dev}
}

func smallWorkload() Workload {
	w := DefaultWorkload()
	w.Frames = 40
	w.AllocsPerFrame = 16
	w.MaxSize = 64 << 10
	w.Verify = true
	w.FillPattern = true
	return w
}

func TestRun_DefaultWorkload(t *testing.T) {
	h := newHarness(t, hostmem.DefaultOptions())

	res, err := Run(context.Background(), h.alloc, h.counter, h.dev, smallWorkload())
	require.NoError(t, err)

	assert.Equal(t, 40, res.Frames)
	assert.Equal(t, 40*16, res.Allocations)
	assert.Equal(t, res.Allocations, res.Frees)
	assert.Zero(t, res.OutOfMemory)
	assert.GreaterOrEqual(t, res.PeakSlabs, 1)
	assert.NotZero(t, res.PeakBytes)

	// Everything drained, only the spare survives.
	assert.Equal(t, 1, res.Final.Slabs)
	assert.Zero(t, res.Final.UsedBytes)
	assert.Zero(t, res.Final.PendingFrees)
	assert.Equal(t, res.Frees, res.Final.Released)

	rep := h.alloc.Destroy()
	assert.Empty(t, rep.Leaks)
	assert.Zero(t, h.dev.Live())
}

func TestRun_Deterministic(t *testing.T) {
	run := func(seed int64) Result {
		h := newHarness(t, hostmem.DefaultOptions())
		w := smallWorkload()
		w.Seed = seed
		res, err := Run(context.Background(), h.alloc, h.counter, h.dev, w)
		require.NoError(t, err)
		return res
	}

	a, b := run(7), run(7)
	assert.Equal(t, a.Digest, b.Digest)
	assert.Equal(t, a.PeakBytes, b.PeakBytes)
	assert.NotEqual(t, a.Digest, run(8).Digest)
}

func TestRun_OutOfMemoryIsCounted(t *testing.T) {
	opts := hostmem.DefaultOptions()
	opts.HeapBudgets = []uint64{1 << 20}
	h := newHarness(t, opts)

	w := smallWorkload()
	w.MinLifetime = 20
	w.MaxLifetime = 30

	res, err := Run(context.Background(), h.alloc, h.counter, h.dev, w)
	require.NoError(t, err)
	assert.Positive(t, res.OutOfMemory)
	assert.Equal(t, res.Allocations, res.Frees)
	assert.LessOrEqual(t, res.PeakBytes, uint64(1<<20))
}

func TestRun_UnmappableSizesAreOutOfMemory(t *testing.T) {
	h := newHarness(t, hostmem.DefaultOptions())

	w := smallWorkload()
	w.Frames = 2
	w.AllocsPerFrame = 3
	w.MinSize = 1 << 50
	w.MaxSize = 1 << 50

	res, err := Run(context.Background(), h.alloc, h.counter, h.dev, w)
	require.NoError(t, err)
	assert.Equal(t, 6, res.OutOfMemory)
	assert.Zero(t, res.Allocations)
	assert.Zero(t, h.dev.Live())
}

func TestRun_ContextCancelled(t *testing.T) {
	h := newHarness(t, hostmem.DefaultOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := Run(ctx, h.alloc, h.counter, h.dev, smallWorkload())
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, res.Frames)
}

// scratchBacking hands out fresh zeroed memory on every call, so nothing
// written survives until the check.
type scratchBacking struct{}

func (scratchBacking) Bytes(mem device.Memory) []byte { return make([]byte, 4<<20) }

func TestRun_DetectsCorruption(t *testing.T) {
	h := newHarness(t, hostmem.DefaultOptions())

	_, err := Run(context.Background(), h.alloc, h.counter, scratchBacking{}, smallWorkload())
	require.ErrorIs(t, err, ErrCorruption)
}

func TestRun_InvalidWorkload(t *testing.T) {
	h := newHarness(t, hostmem.DefaultOptions())

	tests := []struct {
		name string
		edit func(*Workload)
	}{
		{"zero min size", func(w *Workload) { w.MinSize = 0 }},
		{"inverted sizes", func(w *Workload) { w.MaxSize = w.MinSize - 1 }},
		{"inverted lifetimes", func(w *Workload) { w.MinLifetime = 5; w.MaxLifetime = 1 }},
		{"negative latency", func(w *Workload) { w.Latency = -1 }},
		{"bad alignment", func(w *Workload) { w.Alignments = []uint64{3} }},
		{"negative frames", func(w *Workload) { w.Frames = -1 }},
		{"size range too wide", func(w *Workload) { w.MinSize = 1; w.MaxSize = math.MaxUint64 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := smallWorkload()
			tt.edit(&w)
			_, err := Run(context.Background(), h.alloc, h.counter, h.dev, w)
			require.ErrorIs(t, err, ErrInvalidWorkload)
		})
	}

	w := smallWorkload()
	_, err := Run(context.Background(), h.alloc, h.counter, nil, w)
	require.ErrorIs(t, err, ErrInvalidWorkload, "pattern checks need a backing")
}
