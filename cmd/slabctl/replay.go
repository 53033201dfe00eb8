package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/joshuapare/slabkit/trace"
)

var replayFlags struct {
	alloc      allocatorFlags
	placements bool
	keep       bool
}

func init() {
	cmd := newReplayCmd()
	replayFlags.alloc.register(cmd)
	cmd.Flags().BoolVar(&replayFlags.placements, "placements", false, "List where every allocation landed")
	cmd.Flags().BoolVar(&replayFlags.keep, "no-destroy", false, "Skip teardown and leak reporting")
	rootCmd.AddCommand(cmd)
}

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <trace>",
		Short: "Replay an allocation trace",
		Long: `The replay command runs a trace of alloc, free, frame, complete,
decimate and expect commands against a fresh allocator. Names still live at
the end of the trace are reported as leaks.

Example:
  slabctl replay frame.trace
  slabctl replay frame.trace --min-slab 8KiB --max-slab 64KiB --placements
  slabctl replay frame.trace --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(args[0])
		},
	}
	return cmd
}

type placementReport struct {
	Line      int    `json:"line"`
	Name      string `json:"name"`
	SlabIndex int    `json:"slab_index"`
	Offset    uint64 `json:"offset"`
	Size      uint64 `json:"size"`
}

type replayReport struct {
	Trace       string            `json:"trace"`
	Ops         int               `json:"ops"`
	Allocations int               `json:"allocations"`
	Frees       int               `json:"frees"`
	Frames      int               `json:"frames"`
	Completed   int               `json:"completed"`
	Digest      string            `json:"digest"`
	Error       string            `json:"error,omitempty"`
	Placements  []placementReport `json:"placements,omitempty"`
	Slabs       []slabReport      `json:"slabs"`
	Leaks       []leakReport      `json:"leaks,omitempty"`
}

func runReplay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open trace: %w", err)
	}
	ops, err := trace.Parse(f)
	f.Close()
	if err != nil {
		var pe *trace.ParseError
		if errors.As(err, &pe) {
			return fmt.Errorf("%s:%d: %w", path, pe.Line, pe.Err)
		}
		return err
	}
	printVerbose("Parsed %s ops from %s\n", formatCount(len(ops)), path)

	e, err := replayFlags.alloc.build()
	if err != nil {
		return err
	}

	res, replayErr := trace.Replay(e.alloc, e.counter, ops)
	slabs := e.alloc.Slabs()

	report := replayReport{
		Trace:       path,
		Ops:         res.Ops,
		Allocations: res.Allocations,
		Frees:       res.Frees,
		Frames:      res.Frames,
		Completed:   res.Completed,
		Digest:      fmt.Sprintf("%016x", res.Digest),
		Slabs:       slabReports(slabs),
	}
	if replayErr != nil {
		report.Error = replayErr.Error()
	}
	if replayFlags.placements || jsonOut {
		for _, p := range res.Placements {
			report.Placements = append(report.Placements, placementReport{
				Line: p.Line, Name: p.Name, SlabIndex: p.SlabIndex, Offset: p.Offset, Size: p.Size,
			})
		}
	}

	var leaks string
	if !replayFlags.keep {
		rep := e.alloc.Destroy()
		report.Leaks = leakReports(rep)
		leaks = renderLeaks(rep)
	}

	if jsonOut {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		printInfo("%s\n", renderStats("Replay of "+path, res.Final))
		printInfo("%s %s ops   %s %s\n",
			labelStyle.Render("replayed"), formatCount(res.Ops),
			labelStyle.Render("digest"), report.Digest)
		if replayFlags.placements {
			printInfo("%s\n", titleStyle.Render("Placements"))
			for _, p := range report.Placements {
				printInfo("  %4d %-16s slab %-3d offset %-10s size %s\n",
					p.Line, p.Name, p.SlabIndex, humanize.IBytes(p.Offset), humanize.IBytes(p.Size))
			}
		}
		printVerbose("%s\n", renderSlabs(slabs))
		if leaks != "" {
			printInfo("%s\n", leaks)
		}
	}

	if replayErr != nil {
		return fmt.Errorf("%s: %w", path, replayErr)
	}
	return nil
}
