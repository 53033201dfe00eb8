package slab

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joshuapare/slabkit/device"
	"github.com/joshuapare/slabkit/internal/grain"
)

// Runtime toggle for per-allocation debug records - controlled by SLABKIT_TRACE_ALLOC.
var traceAlloc = os.Getenv("SLABKIT_TRACE_ALLOC") != ""

// Config bounds slab growth and selects the memory properties requested from
// the device.
type Config struct {
	// MinSlabSize is the size of the first slab. Every additional slab doubles
	// it, up to MaxSlabSize. Must be a power-of-two number of grains.
	MinSlabSize uint64

	// MaxSlabSize caps the doubling of MinSlabSize. A single request larger
	// than this still gets a slab big enough to hold it.
	MaxSlabSize uint64

	// Properties is passed to the device when resolving the memory type.
	Properties device.MemoryProperty
}

// DefaultConfig is used when New is given a nil config.
var DefaultConfig = Config{
	MinSlabSize: 16 << 20,
	MaxSlabSize: 256 << 20,
	Properties:  device.PropertyDeviceLocal,
}

func (c Config) validate() error {
	switch {
	case c.MinSlabSize == 0:
		return fmt.Errorf("%w: MinSlabSize is zero", ErrInvalidConfig)
	case !grain.IsAligned(c.MinSlabSize):
		return fmt.Errorf("%w: MinSlabSize %d is not a multiple of %d", ErrInvalidConfig, c.MinSlabSize, grain.Size)
	case !grain.IsPow2(c.MinSlabSize >> grain.Shift):
		return fmt.Errorf("%w: MinSlabSize %d is not a power-of-two number of grains", ErrInvalidConfig, c.MinSlabSize)
	case c.MaxSlabSize < c.MinSlabSize:
		return fmt.Errorf("%w: MaxSlabSize %d below MinSlabSize %d", ErrInvalidConfig, c.MaxSlabSize, c.MinSlabSize)
	case c.MaxSlabSize > grain.Bytes(maxSlabGrains):
		return fmt.Errorf("%w: MaxSlabSize %d above %d", ErrInvalidConfig, c.MaxSlabSize, grain.Bytes(maxSlabGrains))
	}
	return nil
}

// Option customises an Allocator.
type Option func(*Allocator)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(a *Allocator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithReclaim installs a hook run once when a request fails for lack of
// memory. The hook may wait for outstanding GPU work and call SignalComplete
// from inside. If it returns true the request is retried once.
func WithReclaim(fn func() bool) Option {
	return func(a *Allocator) {
		a.reclaim = fn
	}
}
