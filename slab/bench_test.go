package slab

import (
	"math/rand"
	"testing"
)

// Benchmark_Allocate_SteadyState measures a frame-like mix: a burst of small
// allocations, all freed and completed before the next burst.
func Benchmark_Allocate_SteadyState(b *testing.B) {
	env := newTestEnv(b, 1<<20, 16<<20)
	rng := rand.New(rand.NewSource(42))
	sizes := make([]uint64, 256)
	for i := range sizes {
		sizes[i] = uint64(64 + rng.Intn(16*kib))
	}
	live := make([]Allocation, 0, len(sizes))

	b.ReportAllocs()
	for b.Loop() {
		for _, sz := range sizes {
			a, err := env.alloc.Allocate(env.req(sz, 256))
			if err != nil {
				b.Fatal(err)
			}
			live = append(live, a)
		}
		for _, a := range live {
			env.alloc.Free(a.Slab, a.Offset)
		}
		live = live[:0]
		env.flush()
		env.alloc.Begin()
	}
}

// Benchmark_TryReserve_Fragmented measures a search across a slab packed with
// alternating one-grain runs, where only the tail has room.
func Benchmark_TryReserve_Fragmented(b *testing.B) {
	m := NewBlockMap(4096)
	for g := 0; g < 4000; g += 2 {
		m.Commit(g, 1)
	}

	b.ReportAllocs()
	for b.Loop() {
		if _, ok := m.TryReserve(0, 64, 1); !ok {
			b.Fatal("expected a fit in the tail")
		}
	}
}
