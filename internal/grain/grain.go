// Package grain holds the addressing quantum shared by the slab allocator.
//
// Every offset, size and alignment inside a slab is tracked in grains. Byte
// values coming in from callers are rounded up to whole grains at the edge.
package grain

const (
	// Size is the number of bytes in one grain.
	Size = 1024

	// Shift is log2(Size).
	Shift = 10

	// Mask selects the sub-grain bits of a byte value.
	Mask = Size - 1
)

// Count returns the number of grains needed to hold n bytes.
//
// Example:
//
//	Count(1)    = 1
//	Count(1024) = 1
//	Count(1025) = 2
func Count(n uint64) uint64 {
	return (n + Mask) >> Shift
}

// Bytes converts a grain count (or grain index) to bytes.
func Bytes(g uint64) uint64 {
	return g << Shift
}

// IsAligned reports whether n is a whole number of grains.
func IsAligned(n uint64) bool {
	return n&Mask == 0
}

// AlignmentGrains converts a byte alignment into a grain alignment.
// Anything at or below one grain collapses to 1, since every grain
// boundary already satisfies it.
func AlignmentGrains(align uint64) uint64 {
	if align <= Size {
		return 1
	}
	return align >> Shift
}

// AlignUp rounds g up to the next multiple of align. align must be a power of two.
//
// Example:
//
//	AlignUp(3, 4) = 4
//	AlignUp(4, 4) = 4
//	AlignUp(5, 1) = 5
func AlignUp(g, align uint64) uint64 {
	return (g + align - 1) &^ (align - 1)
}

// IsPow2 reports whether v is a non-zero power of two.
func IsPow2(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}
