package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/joshuapare/slabkit/slab"
)

// slabReport is the JSON shape of one slab.
type slabReport struct {
	Handle       uint32  `json:"handle"`
	Size         uint64  `json:"size"`
	UsedBytes    uint64  `json:"used_bytes"`
	PendingBytes uint64  `json:"pending_bytes"`
	LiveRuns     int     `json:"live_runs"`
	PendingRuns  int     `json:"pending_runs"`
	Cursor       uint64  `json:"cursor"`
	Utilization  float64 `json:"utilization"`
}

func slabReports(infos []slab.SlabInfo) []slabReport {
	out := make([]slabReport, 0, len(infos))
	for _, s := range infos {
		r := slabReport{
			Handle:       uint32(s.Handle),
			Size:         s.Size,
			UsedBytes:    s.UsedBytes,
			PendingBytes: s.PendingBytes,
			LiveRuns:     s.LiveRuns,
			PendingRuns:  s.PendingRuns,
			Cursor:       s.Cursor,
		}
		if s.Size > 0 {
			r.Utilization = float64(s.UsedBytes) / float64(s.Size)
		}
		out = append(out, r)
	}
	return out
}

// leakReport is the JSON shape of a teardown leak.
type leakReport struct {
	Slab   uint32 `json:"slab"`
	Offset uint64 `json:"offset"`
	Size   uint64 `json:"size"`
}

func leakReports(rep slab.Report) []leakReport {
	out := make([]leakReport, 0, len(rep.Leaks))
	for _, l := range rep.Leaks {
		out = append(out, leakReport{Slab: uint32(l.Slab), Offset: l.Offset, Size: l.Size})
	}
	return out
}

// renderStats renders allocator counters as a boxed key/value block.
func renderStats(title string, st slab.Stats) string {
	rows := [][2]string{
		{"Slabs", formatCount(st.Slabs)},
		{"Total", humanize.IBytes(st.TotalBytes)},
		{"Used", fmt.Sprintf("%s (%.1f%%)", humanize.IBytes(st.UsedBytes), 100*st.Utilization())},
		{"Pending", humanize.IBytes(st.PendingBytes)},
		{"Live allocations", formatCount(st.LiveAllocations)},
		{"Queued frees", formatCount(st.PendingFrees)},
		{"Frames", formatCount(st.Frames)},
		{"Allocate calls", formatCount(st.AllocCalls)},
		{"Free calls", formatCount(st.FreeCalls)},
		{"Frees executed", formatCount(st.Released)},
		{"Slabs created", formatCount(st.SlabsCreated)},
		{"Slabs destroyed", formatCount(st.SlabsDestroyed)},
		{"Cursor rewinds", formatCount(st.Rewinds)},
		{"Out of memory", formatCount(st.OutOfMemory)},
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render(title), renderRows(rows)))
}

func renderRows(rows [][2]string) string {
	width := 0
	for _, r := range rows {
		width = max(width, len(r[0]))
	}
	var b strings.Builder
	for i, r := range rows {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(labelStyle.Render(fmt.Sprintf("%-*s", width, r[0])))
		b.WriteString("  ")
		b.WriteString(r[1])
	}
	return b.String()
}

// renderSlabs renders one line per slab.
func renderSlabs(infos []slab.SlabInfo) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Slabs"))
	b.WriteByte('\n')
	b.WriteString(labelStyle.Render(fmt.Sprintf("  %-6s %10s %10s %10s %6s %10s", "handle", "size", "used", "pending", "runs", "cursor")))
	for _, s := range infos {
		fmt.Fprintf(&b, "\n  %-6d %10s %10s %10s %6d %10s",
			s.Handle, humanize.IBytes(s.Size), humanize.IBytes(s.UsedBytes),
			humanize.IBytes(s.PendingBytes), s.LiveRuns+s.PendingRuns, humanize.IBytes(s.Cursor))
	}
	return b.String()
}

// renderLeaks renders teardown leaks, or nothing when there are none.
func renderLeaks(rep slab.Report) string {
	if len(rep.Leaks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(warnStyle.Render(fmt.Sprintf("%d leaked allocation(s), %s",
		len(rep.Leaks), humanize.IBytes(rep.LeakedBytes()))))
	for _, l := range rep.Leaks {
		fmt.Fprintf(&b, "\n  slab %d offset %s size %s", l.Slab, humanize.IBytes(l.Offset), humanize.IBytes(l.Size))
	}
	return b.String()
}
