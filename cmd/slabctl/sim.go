package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/joshuapare/slabkit/sim"
)

var simFlags struct {
	alloc    allocatorFlags
	frames   int
	allocs   int
	minSize  string
	maxSize  string
	minLife  int
	maxLife  int
	latency  int
	seed     int64
	verify   bool
	fill     bool
	showSlab bool
}

func init() {
	cmd := newSimCmd()
	simFlags.alloc.register(cmd)
	d := sim.DefaultWorkload()
	cmd.Flags().IntVar(&simFlags.frames, "frames", d.Frames, "Number of frames to simulate")
	cmd.Flags().IntVar(&simFlags.allocs, "allocs", d.AllocsPerFrame, "Allocations per frame")
	cmd.Flags().StringVar(&simFlags.minSize, "min", humanize.IBytes(d.MinSize), "Smallest request")
	cmd.Flags().StringVar(&simFlags.maxSize, "max", humanize.IBytes(d.MaxSize), "Largest request")
	cmd.Flags().IntVar(&simFlags.minLife, "min-life", d.MinLifetime, "Shortest lifetime in frames")
	cmd.Flags().IntVar(&simFlags.maxLife, "max-life", d.MaxLifetime, "Longest lifetime in frames")
	cmd.Flags().IntVar(&simFlags.latency, "latency", d.Latency, "Frames a submitted batch stays in flight")
	cmd.Flags().Int64Var(&simFlags.seed, "seed", d.Seed, "Random seed")
	cmd.Flags().BoolVar(&simFlags.verify, "verify", false, "Check allocator invariants after every frame")
	cmd.Flags().BoolVar(&simFlags.fill, "fill", true, "Write and check allocation contents")
	cmd.Flags().BoolVar(&simFlags.showSlab, "slabs", false, "List the slabs left after the run")
	rootCmd.AddCommand(cmd)
}

func newSimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Run a synthetic frame workload",
		Long: `The sim command drives the allocator through a frame loop: each frame
frees expired allocations, makes new ones and submits a batch that completes
--latency frames later.

Example:
  slabctl sim
  slabctl sim --frames 1000 --allocs 64 --max 4MiB --latency 3
  slabctl sim --budget 64MiB --verify --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSim(cmd)
		},
	}
	return cmd
}

type simReport struct {
	Frames      int          `json:"frames"`
	Allocations int          `json:"allocations"`
	Frees       int          `json:"frees"`
	OutOfMemory int          `json:"out_of_memory"`
	PeakSlabs   int          `json:"peak_slabs"`
	PeakBytes   uint64       `json:"peak_bytes"`
	Digest      string       `json:"digest"`
	Elapsed     string       `json:"elapsed"`
	Slabs       []slabReport `json:"slabs"`
	Leaks       []leakReport `json:"leaks"`
}

func runSim(cmd *cobra.Command) error {
	minSize, err := parseSize("min", simFlags.minSize)
	if err != nil {
		return err
	}
	maxSize, err := parseSize("max", simFlags.maxSize)
	if err != nil {
		return err
	}

	e, err := simFlags.alloc.build()
	if err != nil {
		return err
	}

	w := sim.DefaultWorkload()
	w.Frames = simFlags.frames
	w.AllocsPerFrame = simFlags.allocs
	w.MinSize = minSize
	w.MaxSize = maxSize
	w.MinLifetime = simFlags.minLife
	w.MaxLifetime = simFlags.maxLife
	w.Latency = simFlags.latency
	w.Seed = simFlags.seed
	w.Verify = simFlags.verify
	w.FillPattern = simFlags.fill
	w.Logger = logger

	printVerbose("Simulating %s frames of %s allocations\n", formatCount(w.Frames), formatCount(w.AllocsPerFrame))

	start := time.Now()
	res, err := sim.Run(cmd.Context(), e.alloc, e.counter, e.dev, w)
	elapsed := time.Since(start)
	if err != nil {
		return fmt.Errorf("simulation stopped after %d frames: %w", res.Frames, err)
	}
	slabs := e.alloc.Slabs()
	rep := e.alloc.Destroy()

	if jsonOut {
		return printJSON(simReport{
			Frames:      res.Frames,
			Allocations: res.Allocations,
			Frees:       res.Frees,
			OutOfMemory: res.OutOfMemory,
			PeakSlabs:   res.PeakSlabs,
			PeakBytes:   res.PeakBytes,
			Digest:      fmt.Sprintf("%016x", res.Digest),
			Elapsed:     elapsed.String(),
			Slabs:       slabReports(slabs),
			Leaks:       leakReports(rep),
		})
	}

	printInfo("%s\n", renderStats("Simulation", res.Final))
	printInfo("%s %s   %s %s   %s %016x   %s %s\n",
		labelStyle.Render("peak slabs"), formatCount(res.PeakSlabs),
		labelStyle.Render("peak bytes"), humanize.IBytes(res.PeakBytes),
		labelStyle.Render("digest"), res.Digest,
		labelStyle.Render("elapsed"), elapsed.Round(time.Millisecond))
	if res.OutOfMemory > 0 {
		printInfo("%s\n", warnStyle.Render(fmt.Sprintf("%s requests failed for lack of memory", formatCount(res.OutOfMemory))))
	}
	if simFlags.showSlab {
		printInfo("%s\n", renderSlabs(slabs))
	}
	if s := renderLeaks(rep); s != "" {
		printInfo("%s\n", s)
	}
	return nil
}
