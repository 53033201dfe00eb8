package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/slabkit/device"
	"github.com/joshuapare/slabkit/device/hostmem"
	"github.com/joshuapare/slabkit/fence"
	"github.com/joshuapare/slabkit/slab"
)

var (
	// Global flags
	verbose  bool
	quiet    bool
	jsonOut  bool
	noColor  bool
	logLevel string
)

// logger is configured from the global flags before any command runs.
var logger = slog.New(slog.DiscardHandler)

var rootCmd = &cobra.Command{
	Use:   "slabctl",
	Short: "Exercise the slab GPU memory sub-allocator",
	Long: `slabctl drives the slab sub-allocator against a host-memory device.
It can run synthetic frame workloads and replay allocation traces, reporting
slab growth, utilisation and leaks.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().
		StringVar(&logLevel, "log-level", "warn", "Allocator log level (debug, info, warn, error)")
}

func execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging routes allocator records to stderr. --verbose lowers the level
// to debug and --quiet raises it to error.
func setupLogging() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	switch {
	case quiet:
		level = slog.LevelError
	case verbose:
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	applyColor()
	return nil
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...interface{}) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...interface{}) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

var numbers = message.NewPrinter(language.English)

// formatCount renders n with thousands separators.
func formatCount[T ~int | ~int64 | ~uint64](n T) string {
	return numbers.Sprintf("%d", n)
}

// parseSize accepts plain byte counts or human sizes such as "16MiB".
func parseSize(flag, s string) (uint64, error) {
	v, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid --%s %q: %w", flag, s, err)
	}
	return v, nil
}

// allocatorFlags are shared by every command that builds an allocator.
type allocatorFlags struct {
	minSlab string
	maxSlab string
	budget  string
}

func (f *allocatorFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.minSlab, "min-slab", "1MiB", "Size of the first slab")
	cmd.Flags().StringVar(&f.maxSlab, "max-slab", "16MiB", "Cap on slab size doubling")
	cmd.Flags().StringVar(&f.budget, "budget", "0", "Device-local heap budget (0 = unlimited)")
}

type env struct {
	alloc   *slab.Allocator
	counter *fence.Counter
	dev     *hostmem.Device
}

func (f *allocatorFlags) build() (*env, error) {
	minSlab, err := parseSize("min-slab", f.minSlab)
	if err != nil {
		return nil, err
	}
	maxSlab, err := parseSize("max-slab", f.maxSlab)
	if err != nil {
		return nil, err
	}
	budget, err := parseSize("budget", f.budget)
	if err != nil {
		return nil, err
	}

	opts := hostmem.DefaultOptions()
	if budget > 0 {
		opts.HeapBudgets = []uint64{budget}
	}
	dev := hostmem.New(opts)
	counter := fence.NewCounter()

	cfg := slab.Config{
		MinSlabSize: minSlab,
		MaxSlabSize: maxSlab,
		Properties:  device.PropertyDeviceLocal,
	}
	alloc, err := slab.New(dev, counter, &cfg, slab.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return &env{alloc: alloc, counter: counter, dev: dev}, nil
}
