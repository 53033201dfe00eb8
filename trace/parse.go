// Package trace parses and replays allocation traces.
//
// A trace is a line-oriented script of allocator calls:
//
//	# comment
//	alloc <name> <size> [align] [typebits]
//	free <name>
//	frame
//	complete [signal]
//	decimate
//	expect <name> <slab-index> <offset>
//
// Sizes, alignments and offsets are byte counts with an optional k, m or g
// suffix (binary multiples) or any unit go-humanize understands ("4KiB").
// typebits accepts Go integer syntax ("0b11", "0x3"). frame closes the frame,
// submits a batch and opens the next one. complete without a signal completes
// every submitted batch. expect asserts that a live allocation sits in the
// slab at the given creation-order index and offset.
package trace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/joshuapare/slabkit/fence"
)

const (
	commentPrefix = "#"
	maxLineSize   = 64 * 1024
)

// Kind identifies a trace command.
type Kind uint8

const (
	KindAlloc Kind = iota + 1
	KindFree
	KindFrame
	KindComplete
	KindDecimate
	KindExpect
)

var kindNames = map[string]Kind{
	"alloc":    KindAlloc,
	"free":     KindFree,
	"frame":    KindFrame,
	"complete": KindComplete,
	"decimate": KindDecimate,
	"expect":   KindExpect,
}

var kindStrings = [...]string{"", "alloc", "free", "frame", "complete", "decimate", "expect"}

func (k Kind) String() string {
	if k == 0 || int(k) >= len(kindStrings) {
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
	return kindStrings[k]
}

// Op is one parsed command.
type Op struct {
	Kind Kind
	Line int

	Name      string
	Size      uint64
	Align     uint64
	TypeBits  uint32       // zero means every type
	Signal    fence.Signal // complete; zero means every submitted batch
	SlabIndex int
	Offset    uint64
}

// ErrSyntax is wrapped by every ParseError.
var ErrSyntax = errors.New("trace: syntax error")

// ParseError locates a malformed line.
type ParseError struct {
	Line int
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %v: %q", e.Line, e.Err, e.Text)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse reads a trace. UTF-8 and UTF-16 input with a byte order mark are
// both accepted.
func Parse(r io.Reader) ([]Op, error) {
	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	scanner := bufio.NewScanner(transform.NewReader(r, dec))
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)

	var ops []Op
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if i := strings.Index(text, commentPrefix); i >= 0 {
			text = strings.TrimSpace(text[:i])
		}
		if text == "" {
			continue
		}
		op, err := parseLine(strings.Fields(text))
		if err != nil {
			return nil, &ParseError{Line: line, Text: text, Err: err}
		}
		op.Line = line
		ops = append(ops, op)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning trace: %w", err)
	}
	return ops, nil
}

// ParseString is Parse over a string.
func ParseString(s string) ([]Op, error) {
	return Parse(strings.NewReader(s))
}

func parseLine(f []string) (Op, error) {
	kind, ok := kindNames[strings.ToLower(f[0])]
	if !ok {
		return Op{}, fmt.Errorf("%w: unknown command %q", ErrSyntax, f[0])
	}
	op := Op{Kind: kind}
	args := f[1:]

	var err error
	switch kind {
	case KindAlloc:
		if len(args) < 2 || len(args) > 4 {
			return op, fmt.Errorf("%w: alloc takes <name> <size> [align] [typebits]", ErrSyntax)
		}
		op.Name = args[0]
		if op.Size, err = parseBytes(args[1]); err != nil {
			return op, err
		}
		if len(args) > 2 {
			if op.Align, err = parseBytes(args[2]); err != nil {
				return op, err
			}
		}
		if len(args) > 3 {
			bits, err := strconv.ParseUint(args[3], 0, 32)
			if err != nil {
				return op, fmt.Errorf("%w: typebits %q", ErrSyntax, args[3])
			}
			op.TypeBits = uint32(bits)
		}

	case KindFree:
		if len(args) != 1 {
			return op, fmt.Errorf("%w: free takes <name>", ErrSyntax)
		}
		op.Name = args[0]

	case KindFrame, KindDecimate:
		if len(args) != 0 {
			return op, fmt.Errorf("%w: %s takes no arguments", ErrSyntax, kind)
		}

	case KindComplete:
		if len(args) > 1 {
			return op, fmt.Errorf("%w: complete takes [signal]", ErrSyntax)
		}
		if len(args) == 1 {
			sig, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || sig == 0 {
				return op, fmt.Errorf("%w: signal %q", ErrSyntax, args[0])
			}
			op.Signal = fence.Signal(sig)
		}

	case KindExpect:
		if len(args) != 3 {
			return op, fmt.Errorf("%w: expect takes <name> <slab-index> <offset>", ErrSyntax)
		}
		op.Name = args[0]
		idx, err := strconv.Atoi(args[1])
		if err != nil || idx < 0 {
			return op, fmt.Errorf("%w: slab index %q", ErrSyntax, args[1])
		}
		op.SlabIndex = idx
		if op.Offset, err = parseBytes(args[2]); err != nil {
			return op, err
		}
	}
	return op, nil
}

var suffixes = map[byte]uint64{
	'k': 1 << 10,
	'm': 1 << 20,
	'g': 1 << 30,
}

// parseBytes accepts "4096", "4k", "2M" or anything humanize.ParseBytes does.
func parseBytes(s string) (uint64, error) {
	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		return v, nil
	}
	if n := len(s); n > 1 {
		if mul, ok := suffixes[lower(s[n-1])]; ok {
			if v, err := strconv.ParseUint(s[:n-1], 10, 64); err == nil {
				if v > math.MaxUint64/mul {
					return 0, fmt.Errorf("%w: byte count %q overflows", ErrSyntax, s)
				}
				return v * mul, nil
			}
		}
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: byte count %q", ErrSyntax, s)
	}
	return v, nil
}

func lower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}
