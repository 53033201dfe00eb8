package device

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindMemoryType(t *testing.T) {
	types := []MemoryType{
		{Properties: PropertyHostVisible | PropertyHostCoherent, HeapIndex: 1},
		{Properties: PropertyDeviceLocal, HeapIndex: 0},
		{Properties: PropertyDeviceLocal | PropertyHostVisible, HeapIndex: 0},
	}

	idx, err := FindMemoryType(types, 0b111, PropertyDeviceLocal)
	require.NoError(t, err)
	require.Equal(t, uint32(1), idx)

	// Bit 1 masked out: next device-local type wins.
	idx, err = FindMemoryType(types, 0b101, PropertyDeviceLocal)
	require.NoError(t, err)
	require.Equal(t, uint32(2), idx)

	idx, err = FindMemoryType(types, 0b111, PropertyHostVisible)
	require.NoError(t, err)
	require.Equal(t, uint32(0), idx)

	_, err = FindMemoryType(types, 0b001, PropertyDeviceLocal)
	require.ErrorIs(t, err, ErrNoMemoryType)
}

func TestIsOutOfMemory(t *testing.T) {
	require.True(t, IsOutOfMemory(ErrOutOfHostMemory))
	require.True(t, IsOutOfMemory(fmt.Errorf("wrapped: %w", ErrOutOfDeviceMemory)))
	require.True(t, IsOutOfMemory(ErrTooManyObjects))
	require.False(t, IsOutOfMemory(ErrNoMemoryType))
	require.False(t, IsOutOfMemory(errors.New("other")))
	require.False(t, IsOutOfMemory(nil))
}

func TestMemoryPropertyString(t *testing.T) {
	require.Equal(t, "none", MemoryProperty(0).String())
	require.Equal(t, "device-local", PropertyDeviceLocal.String())
	require.Equal(t, "host-visible|host-coherent", (PropertyHostVisible | PropertyHostCoherent).String())
	require.True(t, (PropertyHostVisible | PropertyHostCoherent).Has(PropertyHostVisible))
	require.False(t, PropertyHostVisible.Has(PropertyHostVisible|PropertyHostCoherent))
}
