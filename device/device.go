// Package device describes the graphics device capabilities the slab
// allocator consumes: memory-type resolution and raw memory allocation.
//
// The allocator never talks to a driver directly. A renderer hands it a
// Device, and tests hand it a fake one (see device/hostmem).
package device

import (
	"errors"
	"fmt"
	"strings"
)

// MemoryProperty is a bit set describing a memory type.
type MemoryProperty uint32

const (
	PropertyDeviceLocal MemoryProperty = 1 << iota
	PropertyHostVisible
	PropertyHostCoherent
	PropertyHostCached
	PropertyLazilyAllocated
)

var propertyNames = []struct {
	p    MemoryProperty
	name string
}{
	{PropertyDeviceLocal, "device-local"},
	{PropertyHostVisible, "host-visible"},
	{PropertyHostCoherent, "host-coherent"},
	{PropertyHostCached, "host-cached"},
	{PropertyLazilyAllocated, "lazily-allocated"},
}

// Has reports whether every bit of want is set in p.
func (p MemoryProperty) Has(want MemoryProperty) bool {
	return p&want == want
}

func (p MemoryProperty) String() string {
	if p == 0 {
		return "none"
	}
	var parts []string
	for _, pn := range propertyNames {
		if p&pn.p != 0 {
			parts = append(parts, pn.name)
			p &^= pn.p
		}
	}
	if p != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(p)))
	}
	return strings.Join(parts, "|")
}

// MemoryType is one entry of a device's memory type table.
type MemoryType struct {
	Properties MemoryProperty
	HeapIndex  uint32
}

// Memory is an opaque handle to one raw device allocation.
type Memory uint64

// NullMemory is never returned by a successful allocation.
const NullMemory Memory = 0

// Device is the capability surface the allocator needs.
type Device interface {
	// MemoryTypeIndex resolves the memory type for a resource whose supported
	// types are typeBits (bit i set means type i is allowed) and which needs
	// at least props.
	MemoryTypeIndex(typeBits uint32, props MemoryProperty) (uint32, error)

	// AllocateMemory creates one raw allocation of size bytes.
	// Capacity failures are reported with an error satisfying IsOutOfMemory.
	AllocateMemory(size uint64, typeIndex uint32) (Memory, error)

	// FreeMemory releases an allocation returned by AllocateMemory.
	FreeMemory(mem Memory)
}

var (
	// ErrOutOfHostMemory indicates host memory was exhausted.
	ErrOutOfHostMemory = errors.New("device: out of host memory")

	// ErrOutOfDeviceMemory indicates device memory was exhausted.
	ErrOutOfDeviceMemory = errors.New("device: out of device memory")

	// ErrTooManyObjects indicates the limit on live allocations was reached.
	ErrTooManyObjects = errors.New("device: too many objects")

	// ErrNoMemoryType indicates no memory type satisfies the request.
	ErrNoMemoryType = errors.New("device: no suitable memory type")

	// ErrInvalidMemory indicates an unknown or already released handle.
	ErrInvalidMemory = errors.New("device: invalid memory handle")
)

// IsOutOfMemory reports whether err is a capacity failure, i.e. something a
// caller can recover from by releasing memory and retrying.
func IsOutOfMemory(err error) bool {
	return errors.Is(err, ErrOutOfHostMemory) ||
		errors.Is(err, ErrOutOfDeviceMemory) ||
		errors.Is(err, ErrTooManyObjects)
}

// FindMemoryType returns the lowest index i such that bit i of typeBits is
// set and types[i] has every property in props.
func FindMemoryType(types []MemoryType, typeBits uint32, props MemoryProperty) (uint32, error) {
	for i, mt := range types {
		if i >= 32 {
			break
		}
		if typeBits&(1<<uint(i)) == 0 {
			continue
		}
		if mt.Properties.Has(props) {
			return uint32(i), nil
		}
	}
	return 0, fmt.Errorf("%w: bits=0x%x props=%s", ErrNoMemoryType, typeBits, props)
}
