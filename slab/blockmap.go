package slab

import (
	"fmt"
	"sort"

	"github.com/joshuapare/slabkit/internal/grain"
)

// State is the per-grain allocation state.
type State uint8

const (
	Free        State = iota // available
	Allocated                // owned by a caller
	PendingFree              // released by the caller, waiting on the GPU
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Allocated:
		return "allocated"
	case PendingFree:
		return "pending-free"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Run is one recorded allocation inside a BlockMap.
type Run struct {
	Start  int // first grain
	Length int // grains
	State  State
}

// BlockMap tracks grain usage for one slab.
//
// usage holds one byte per grain. runs maps the start grain of every live or
// pending-free allocation to its length, which lets scans hop over whole
// allocations instead of walking them grain by grain. Grains only ever return
// to Free as a complete recorded run.
type BlockMap struct {
	usage    []State
	runs     map[int]int
	nextFree int // search cursor, a hint only
	used     int // grains in Allocated or PendingFree runs
	pending  int // grains in PendingFree runs
	nPending int // number of PendingFree runs
}

// NewBlockMap returns an all-free map of n grains.
func NewBlockMap(n int) *BlockMap {
	return &BlockMap{
		usage: make([]State, n),
		runs:  make(map[int]int),
	}
}

// Len returns the number of grains.
func (m *BlockMap) Len() int { return len(m.usage) }

// UsedGrains returns grains in Allocated or PendingFree state.
func (m *BlockMap) UsedGrains() int { return m.used }

// PendingGrains returns grains in PendingFree state.
func (m *BlockMap) PendingGrains() int { return m.pending }

// NextFree returns the search cursor.
func (m *BlockMap) NextFree() int { return m.nextFree }

// Empty reports whether no run is recorded, live or pending.
func (m *BlockMap) Empty() bool { return len(m.runs) == 0 }

// LiveRuns returns the number of Allocated runs.
func (m *BlockMap) LiveRuns() int { return len(m.runs) - m.nPending }

// PendingRuns returns the number of PendingFree runs.
func (m *BlockMap) PendingRuns() int { return m.nPending }

// State returns the state of grain g.
func (m *BlockMap) State(g int) State { return m.usage[g] }

// RunLength returns the length of the run starting at g.
func (m *BlockMap) RunLength(g int) (int, bool) {
	l, ok := m.runs[g]
	return l, ok
}

// TryReserve finds the first aligned window of need free grains at or after
// hint. It does not modify the map. Busy runs are skipped whole using their
// recorded length, so the cost is proportional to the runs touched.
func (m *BlockMap) TryReserve(hint, need, align int) (int, bool) {
	n := len(m.usage)
	if need <= 0 || align <= 0 {
		return 0, false
	}
	start := hint
	for start < n {
		start = int(grain.AlignUp(uint64(start), uint64(align)))
		if start+need > n {
			return 0, false
		}
		next, ok := m.probe(start, need)
		if ok {
			return start, true
		}
		start = next
	}
	return 0, false
}

// probe checks [start, start+need). On a collision it returns the first grain
// worth retrying from.
func (m *BlockMap) probe(start, need int) (int, bool) {
	for i := 0; i < need; i++ {
		g := start + i
		if m.usage[g] == Free {
			continue
		}
		if l, ok := m.runs[g]; ok {
			return g + l, false
		}
		// Alignment landed inside a run; we don't know where it ends.
		return g + 1, false
	}
	return 0, true
}

// Commit marks [start, start+n) Allocated and records the run.
func (m *BlockMap) Commit(start, n int) {
	if start < 0 || n <= 0 || start+n > len(m.usage) {
		fatalf(ErrCorrupt, "commit [%d,+%d) outside %d grains", start, n, len(m.usage))
	}
	for g := start; g < start+n; g++ {
		if m.usage[g] != Free {
			fatalf(ErrCorrupt, "commit over %s grain %d", m.usage[g], g)
		}
		m.usage[g] = Allocated
	}
	m.runs[start] = n
	m.used += n

	m.nextFree = start + n
	if m.nextFree >= len(m.usage) {
		m.nextFree = 0
	}
}

// MarkPendingFree moves the run starting at start to PendingFree and returns
// its length. The run stays recorded, so it cannot be handed out again until
// Release. Freeing a grain that does not start a run, or a run that is
// already pending, is fatal.
func (m *BlockMap) MarkPendingFree(start int) int {
	l, ok := m.runs[start]
	if !ok {
		fatalf(ErrUnknownOffset, "no allocation starts at grain %d (double free?)", start)
	}
	if st := m.usage[start]; st != Allocated {
		fatalf(ErrDoubleFree, "grain %d is %s", start, st)
	}
	for g := start; g < start+l; g++ {
		m.usage[g] = PendingFree
	}
	m.pending += l
	m.nPending++
	return l
}

// Release returns a PendingFree run to the free pool and returns its length.
// The cursor is pulled back to start if that is lower, favouring reuse of low
// addresses.
func (m *BlockMap) Release(start int) int {
	l, ok := m.runs[start]
	if !ok {
		fatalf(ErrCorrupt, "release of unrecorded grain %d", start)
	}
	if st := m.usage[start]; st != PendingFree {
		fatalf(ErrCorrupt, "release of %s run at grain %d", st, start)
	}
	for g := start; g < start+l; g++ {
		m.usage[g] = Free
	}
	delete(m.runs, start)
	m.used -= l
	m.pending -= l
	m.nPending--

	if start < m.nextFree {
		m.nextFree = start
	}
	return l
}

// FirstFreeRun returns the first Free grain, hopping over back-to-back runs
// from grain 0. It returns Len() when the map is fully packed.
func (m *BlockMap) FirstFreeRun() int {
	g := 0
	for g < len(m.usage) && m.usage[g] != Free {
		if l, ok := m.runs[g]; ok {
			g += l
		} else {
			g++
		}
	}
	return g
}

// Rewind moves the cursor back to the first free grain when more space is
// free than lies ahead of the cursor, i.e. when free space is stranded
// behind it. It reports whether the cursor moved. The cursor only ever moves
// backwards, onto a free grain.
func (m *BlockMap) Rewind() bool {
	n := len(m.usage)
	free := n - m.used
	ahead := n - m.nextFree
	if free == 0 || ahead >= free {
		return false
	}
	first := m.FirstFreeRun()
	if first >= m.nextFree {
		return false
	}
	m.nextFree = first
	return true
}

// Runs returns every recorded run ordered by start grain.
func (m *BlockMap) Runs() []Run {
	out := make([]Run, 0, len(m.runs))
	for s, l := range m.runs {
		out = append(out, Run{Start: s, Length: l, State: m.usage[s]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Verify checks the map's invariants:
//   - every recorded run is in bounds and uniformly non-Free
//   - runs do not overlap
//   - grains outside every run are Free
//   - the running totals match the runs
func (m *BlockMap) Verify() error {
	n := len(m.usage)
	covered := make([]bool, n)
	used, pending, nPending := 0, 0, 0

	for _, r := range m.Runs() {
		if r.Length <= 0 || r.Start < 0 || r.Start+r.Length > n {
			return fmt.Errorf("%w: run [%d,+%d) outside %d grains", ErrCorrupt, r.Start, r.Length, n)
		}
		if r.State == Free {
			return fmt.Errorf("%w: run at grain %d is free", ErrCorrupt, r.Start)
		}
		for g := r.Start; g < r.Start+r.Length; g++ {
			if covered[g] {
				return fmt.Errorf("%w: grain %d covered by two runs", ErrCorrupt, g)
			}
			covered[g] = true
			if m.usage[g] != r.State {
				return fmt.Errorf("%w: grain %d is %s inside %s run at %d",
					ErrCorrupt, g, m.usage[g], r.State, r.Start)
			}
		}
		used += r.Length
		if r.State == PendingFree {
			pending += r.Length
			nPending++
		}
	}
	for g, st := range m.usage {
		if !covered[g] && st != Free {
			return fmt.Errorf("%w: stray %s grain %d", ErrCorrupt, st, g)
		}
	}
	if used != m.used || pending != m.pending || nPending != m.nPending {
		return fmt.Errorf("%w: totals used=%d/%d pending=%d/%d runs=%d/%d", ErrCorrupt,
			m.used, used, m.pending, pending, m.nPending, nPending)
	}
	if n > 0 && (m.nextFree < 0 || m.nextFree >= n) {
		return fmt.Errorf("%w: cursor %d outside %d grains", ErrCorrupt, m.nextFree, n)
	}
	return nil
}
