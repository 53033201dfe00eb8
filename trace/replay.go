package trace

import (
	"errors"
	"fmt"

	"github.com/joshuapare/slabkit/fence"
	"github.com/joshuapare/slabkit/slab"
)

var (
	ErrUnknownName  = errors.New("trace: unknown allocation name")
	ErrAlreadyFreed = errors.New("trace: allocation already freed")
	ErrNameInUse    = errors.New("trace: allocation name still live")
	ErrUnsubmitted  = errors.New("trace: signal not submitted")
	ErrExpectation  = errors.New("trace: expectation failed")
)

// ReplayError locates the op that failed.
type ReplayError struct {
	Line int
	Kind Kind
	Err  error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("line %d: %s: %v", e.Line, e.Kind, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// Placement records where an alloc op landed.
type Placement struct {
	Line      int
	Name      string
	SlabIndex int
	Slab      slab.Handle
	Offset    uint64
	Size      uint64
}

// Result summarises a replay.
type Result struct {
	Ops         int
	Allocations int
	Frees       int
	Frames      int
	Completed   int // deferred frees executed
	Placements  []Placement
	Final       slab.Stats
	Digest      uint64
}

type named struct {
	alloc slab.Allocation
	freed bool
}

// Replay runs ops against alloc. counter must be the timeline alloc was
// created with. Ops naming an unknown or already-freed allocation fail the
// replay before reaching the allocator. On error the partial result is
// returned with a *ReplayError.
func Replay(alloc *slab.Allocator, counter *fence.Counter, ops []Op) (*Result, error) {
	res := &Result{}
	names := make(map[string]*named)

	for _, op := range ops {
		if err := step(alloc, counter, names, res, op); err != nil {
			res.Final = alloc.Stats()
			res.Digest = alloc.Digest()
			return res, &ReplayError{Line: op.Line, Kind: op.Kind, Err: err}
		}
		res.Ops++
	}
	res.Final = alloc.Stats()
	res.Digest = alloc.Digest()
	return res, nil
}

func step(alloc *slab.Allocator, counter *fence.Counter, names map[string]*named, res *Result, op Op) error {
	switch op.Kind {
	case KindAlloc:
		if n, ok := names[op.Name]; ok && !n.freed {
			return fmt.Errorf("%w: %q", ErrNameInUse, op.Name)
		}
		bits := op.TypeBits
		if bits == 0 {
			bits = ^uint32(0)
		}
		a, err := alloc.Allocate(slab.Requirements{Size: op.Size, Alignment: op.Align, TypeBits: bits})
		if err != nil {
			return err
		}
		names[op.Name] = &named{alloc: a}
		res.Allocations++
		res.Placements = append(res.Placements, Placement{
			Line:      op.Line,
			Name:      op.Name,
			SlabIndex: slabIndex(alloc, a.Slab),
			Slab:      a.Slab,
			Offset:    a.Offset,
			Size:      a.Size,
		})

	case KindFree:
		n, err := lookup(names, op.Name)
		if err != nil {
			return err
		}
		alloc.Free(n.alloc.Slab, n.alloc.Offset)
		n.freed = true
		res.Frees++

	case KindFrame:
		alloc.End()
		counter.Submit()
		alloc.Begin()
		res.Frames++

	case KindComplete:
		sig := op.Signal
		if sig == 0 {
			sig = counter.Submitted()
		}
		if sig > counter.Submitted() {
			return fmt.Errorf("%w: %d (newest is %d)", ErrUnsubmitted, sig, counter.Submitted())
		}
		counter.Complete(sig)
		res.Completed += alloc.SignalComplete(sig)

	case KindDecimate:
		alloc.Begin()

	case KindExpect:
		n, err := lookup(names, op.Name)
		if err != nil {
			return err
		}
		idx := slabIndex(alloc, n.alloc.Slab)
		if idx != op.SlabIndex || n.alloc.Offset != op.Offset {
			return fmt.Errorf("%w: %q is in slab %d at offset %d, want slab %d at offset %d",
				ErrExpectation, op.Name, idx, n.alloc.Offset, op.SlabIndex, op.Offset)
		}

	default:
		return fmt.Errorf("%w: unknown op kind %d", ErrSyntax, op.Kind)
	}
	return nil
}

func lookup(names map[string]*named, name string) (*named, error) {
	n, ok := names[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownName, name)
	}
	if n.freed {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyFreed, name)
	}
	return n, nil
}

// slabIndex returns h's position in creation order, or -1 if it is gone.
func slabIndex(alloc *slab.Allocator, h slab.Handle) int {
	for i, s := range alloc.Slabs() {
		if s.Handle == h {
			return i
		}
	}
	return -1
}
