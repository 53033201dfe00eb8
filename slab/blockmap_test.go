package slab

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockMap_ReserveAndCommit(t *testing.T) {
	m := NewBlockMap(8)

	start, ok := m.TryReserve(0, 2, 1)
	require.True(t, ok)
	require.Equal(t, 0, start)

	m.Commit(start, 2)
	require.Equal(t, 2, m.NextFree())
	require.Equal(t, 2, m.UsedGrains())
	require.Equal(t, Allocated, m.State(0))
	require.Equal(t, Allocated, m.State(1))
	require.Equal(t, Free, m.State(2))

	l, ok := m.RunLength(0)
	require.True(t, ok)
	require.Equal(t, 2, l)

	start, ok = m.TryReserve(m.NextFree(), 2, 1)
	require.True(t, ok)
	require.Equal(t, 2, start)
	require.NoError(t, m.Verify())
}

func TestBlockMap_SkipsWholeRuns(t *testing.T) {
	m := NewBlockMap(8)
	m.Commit(0, 3)
	m.Commit(3, 1)

	start, ok := m.TryReserve(0, 2, 1)
	require.True(t, ok)
	require.Equal(t, 4, start)
}

func TestBlockMap_Alignment(t *testing.T) {
	m := NewBlockMap(8)
	m.Commit(0, 3)

	// Candidate 0 collides, skip to 3, align up to 4.
	start, ok := m.TryReserve(0, 2, 4)
	require.True(t, ok)
	require.Equal(t, 4, start)
}

func TestBlockMap_AlignmentInsideRun(t *testing.T) {
	m := NewBlockMap(16)
	m.Commit(2, 4) // grains 2..5

	// Aligned candidate 4 lands in the middle of the run.
	start, ok := m.TryReserve(1, 1, 4)
	require.True(t, ok)
	require.Equal(t, 8, start)
}

func TestBlockMap_TailExhausted(t *testing.T) {
	m := NewBlockMap(8)
	m.Commit(0, 6)

	_, ok := m.TryReserve(6, 3, 1)
	require.False(t, ok)

	start, ok := m.TryReserve(0, 2, 1)
	require.True(t, ok)
	require.Equal(t, 6, start)

	_, ok = m.TryReserve(0, 9, 1)
	require.False(t, ok)
	_, ok = m.TryReserve(0, 0, 1)
	require.False(t, ok)
}

func TestBlockMap_CursorWraps(t *testing.T) {
	m := NewBlockMap(4)
	m.Commit(0, 4)
	require.Equal(t, 0, m.NextFree())
	require.NoError(t, m.Verify())
}

func TestBlockMap_PendingFreeIsReserved(t *testing.T) {
	m := NewBlockMap(4)
	m.Commit(0, 2)

	require.Equal(t, 2, m.MarkPendingFree(0))
	require.Equal(t, PendingFree, m.State(0))
	require.Equal(t, PendingFree, m.State(1))
	require.Equal(t, 2, m.UsedGrains())
	require.Equal(t, 2, m.PendingGrains())
	require.Equal(t, 0, m.LiveRuns())
	require.Equal(t, 1, m.PendingRuns())
	require.False(t, m.Empty())

	// Pending grains are never handed out.
	start, ok := m.TryReserve(0, 2, 1)
	require.True(t, ok)
	require.Equal(t, 2, start)
	_, ok = m.TryReserve(0, 3, 1)
	require.False(t, ok)
	require.NoError(t, m.Verify())
}

func TestBlockMap_ReleaseReturnsRun(t *testing.T) {
	m := NewBlockMap(8)
	m.Commit(0, 2)
	m.Commit(2, 3)
	require.Equal(t, 5, m.NextFree())

	m.MarkPendingFree(2)
	require.Equal(t, 3, m.Release(2))

	require.Equal(t, 2, m.NextFree(), "cursor pulled back to the released run")
	require.Equal(t, 2, m.UsedGrains())
	require.Zero(t, m.PendingGrains())
	_, ok := m.RunLength(2)
	require.False(t, ok)
	for g := 2; g < 5; g++ {
		require.Equal(t, Free, m.State(g))
	}
	require.NoError(t, m.Verify())
}

func TestBlockMap_ReleaseAboveCursorKeepsCursor(t *testing.T) {
	m := NewBlockMap(8)
	m.Commit(4, 2)
	m.Commit(0, 2) // cursor now 2
	m.MarkPendingFree(4)
	m.Release(4)
	require.Equal(t, 2, m.NextFree())
}

func TestBlockMap_Misuse(t *testing.T) {
	m := NewBlockMap(8)
	m.Commit(0, 2)

	requireFatal(t, ErrUnknownOffset, func() { m.MarkPendingFree(1) })
	requireFatal(t, ErrCorrupt, func() { m.Release(0) })

	m.MarkPendingFree(0)
	requireFatal(t, ErrDoubleFree, func() { m.MarkPendingFree(0) })

	m.Release(0)
	requireFatal(t, ErrUnknownOffset, func() { m.MarkPendingFree(0) })
	requireFatal(t, ErrCorrupt, func() { m.Release(0) })

	requireFatal(t, ErrCorrupt, func() { m.Commit(7, 2) })
}

func TestBlockMap_FirstFreeRun(t *testing.T) {
	m := NewBlockMap(8)
	require.Equal(t, 0, m.FirstFreeRun())

	m.Commit(0, 2)
	m.Commit(2, 3)
	require.Equal(t, 5, m.FirstFreeRun())

	m.Commit(5, 3)
	require.Equal(t, 8, m.FirstFreeRun())
}

func TestBlockMap_RewindStrandedCursor(t *testing.T) {
	m := NewBlockMap(16)
	m.Commit(0, 2)
	m.Commit(10, 2) // cursor 12, four grains ahead, twelve free

	require.True(t, m.Rewind())
	require.Equal(t, 2, m.NextFree())

	// Already at the first free grain.
	require.False(t, m.Rewind())
}

func TestBlockMap_RewindLeavesHealthyCursor(t *testing.T) {
	m := NewBlockMap(16)
	m.Commit(0, 4)
	require.False(t, m.Rewind(), "all free space is ahead of the cursor")
	require.Equal(t, 4, m.NextFree())

	full := NewBlockMap(4)
	full.Commit(0, 4)
	require.False(t, full.Rewind())
}

func TestBlockMap_RunsOrdered(t *testing.T) {
	m := NewBlockMap(16)
	m.Commit(8, 2)
	m.Commit(0, 1)
	m.Commit(4, 3)
	m.MarkPendingFree(4)

	require.Equal(t, []Run{
		{Start: 0, Length: 1, State: Allocated},
		{Start: 4, Length: 3, State: PendingFree},
		{Start: 8, Length: 2, State: Allocated},
	}, m.Runs())
}

func TestBlockMap_VerifyDetectsCorruption(t *testing.T) {
	m := NewBlockMap(8)
	m.Commit(0, 2)
	require.NoError(t, m.Verify())

	m.usage[5] = Allocated
	require.ErrorIs(t, m.Verify(), ErrCorrupt)
	m.usage[5] = Free

	m.usage[1] = PendingFree
	require.ErrorIs(t, m.Verify(), ErrCorrupt)
	m.usage[1] = Allocated

	m.used++
	require.ErrorIs(t, m.Verify(), ErrCorrupt)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "free", Free.String())
	require.Equal(t, "allocated", Allocated.String())
	require.Equal(t, "pending-free", PendingFree.String())
	require.Equal(t, "State(9)", State(9).String())
}
