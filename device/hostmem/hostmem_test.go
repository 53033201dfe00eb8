package hostmem

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/slabkit/device"
)

func TestDevice_AllocateWriteFree(t *testing.T) {
	d := New(DefaultOptions())

	mem, err := d.AllocateMemory(64<<10, 0)
	require.NoError(t, err)
	require.NotEqual(t, device.NullMemory, mem)
	require.Equal(t, 1, d.Live())
	require.Equal(t, uint64(64<<10), d.Allocated())

	buf := d.Bytes(mem)
	require.Len(t, buf, 64<<10)
	buf[0], buf[len(buf)-1] = 0xAA, 0x55
	require.Equal(t, byte(0xAA), d.Bytes(mem)[0])

	size, ok := d.Size(mem)
	require.True(t, ok)
	require.Equal(t, uint64(64<<10), size)

	d.FreeMemory(mem)
	require.Zero(t, d.Live())
	require.Nil(t, d.Bytes(mem))

	st := d.Stats()
	require.Equal(t, 1, st.Allocations)
	require.Equal(t, 1, st.Frees)
	require.Equal(t, uint64(64<<10), st.PeakBytes)
	require.Zero(t, st.LiveBytes)
}

func TestDevice_HeapBudget(t *testing.T) {
	opts := DefaultOptions()
	opts.HeapBudgets = []uint64{8 << 10, 4 << 10}
	d := New(opts)

	_, err := d.AllocateMemory(8<<10, 0)
	require.NoError(t, err)
	_, err = d.AllocateMemory(1<<10, 0)
	require.ErrorIs(t, err, device.ErrOutOfDeviceMemory)

	// Host-visible heap reports host exhaustion.
	_, err = d.AllocateMemory(8<<10, 1)
	require.ErrorIs(t, err, device.ErrOutOfHostMemory)
	require.True(t, device.IsOutOfMemory(err))

	require.Equal(t, 2, d.Stats().Failures)
}

func TestDevice_MaxAllocations(t *testing.T) {
	d := New(Options{MaxAllocations: 1})
	mem, err := d.AllocateMemory(4096, 0)
	require.NoError(t, err)

	_, err = d.AllocateMemory(4096, 0)
	require.ErrorIs(t, err, device.ErrTooManyObjects)

	d.FreeMemory(mem)
	_, err = d.AllocateMemory(4096, 0)
	require.NoError(t, err)
}

func TestDevice_FailNext(t *testing.T) {
	d := New(DefaultOptions())
	injected := errors.New("boom")
	d.FailNext(injected)

	_, err := d.AllocateMemory(4096, 0)
	require.ErrorIs(t, err, injected)

	// One-shot.
	_, err = d.AllocateMemory(4096, 0)
	require.NoError(t, err)
}

func TestDevice_InvalidRequests(t *testing.T) {
	d := New(DefaultOptions())

	_, err := d.AllocateMemory(4096, 7)
	require.ErrorIs(t, err, device.ErrNoMemoryType)

	_, err = d.AllocateMemory(0, 0)
	require.Error(t, err)
	require.False(t, device.IsOutOfMemory(err))

	require.Panics(t, func() { d.FreeMemory(42) })
}

func TestDevice_MappingLimitIsOutOfMemory(t *testing.T) {
	d := New(DefaultOptions())

	_, err := d.AllocateMemory(maxMapping+1, 0)
	require.ErrorIs(t, err, device.ErrOutOfDeviceMemory)
	require.True(t, device.IsOutOfMemory(err))

	_, err = d.AllocateMemory(maxMapping+1, 1)
	require.ErrorIs(t, err, device.ErrOutOfHostMemory)

	require.Zero(t, d.Live())
	require.Equal(t, 2, d.Stats().Failures)
}

func TestDevice_MemoryTypeIndex(t *testing.T) {
	d := New(DefaultOptions())
	require.Equal(t, uint32(0b11), d.AllTypeBits())

	idx, err := d.MemoryTypeIndex(d.AllTypeBits(), device.PropertyHostVisible)
	require.NoError(t, err)
	require.Equal(t, uint32(1), idx)

	_, err = d.MemoryTypeIndex(0b01, device.PropertyHostVisible)
	require.ErrorIs(t, err, device.ErrNoMemoryType)
}
