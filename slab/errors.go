package slab

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfMemory indicates the device could not supply a new slab.
	// It is recoverable: release GPU work and retry, or fall back.
	ErrOutOfMemory = errors.New("slab: out of memory")

	// ErrIncompatibleMemoryType indicates the request cannot live in the
	// memory type this allocator is bound to.
	ErrIncompatibleMemoryType = errors.New("slab: incompatible memory type")

	// ErrInvalidSize indicates a zero-byte request.
	ErrInvalidSize = errors.New("slab: invalid allocation size")

	// ErrInvalidAlignment indicates an alignment that is not a power of two.
	ErrInvalidAlignment = errors.New("slab: alignment must be a power of two")

	// ErrInvalidConfig indicates unusable slab size bounds.
	ErrInvalidConfig = errors.New("slab: invalid config")

	// ErrCorrupt indicates the bitmap and run table disagree.
	ErrCorrupt = errors.New("slab: bookkeeping corrupt")
)

// Contract violations. These are raised with panic, never returned.
var (
	// ErrDoubleFree indicates a free of a run that is already pending release.
	ErrDoubleFree = errors.New("slab: double free")

	// ErrUnknownSlab indicates a free against a handle that is not live.
	ErrUnknownSlab = errors.New("slab: unknown slab handle")

	// ErrUnknownOffset indicates a free of an offset that does not start a run.
	ErrUnknownOffset = errors.New("slab: free of unrecognized offset")

	// ErrDestroyed indicates use of an allocator after Destroy.
	ErrDestroyed = errors.New("slab: allocator destroyed")
)

// fatalf aborts on a broken caller contract or broken internal state.
// The panic value is an error wrapping sentinel.
func fatalf(sentinel error, format string, args ...any) {
	panic(fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...)))
}
