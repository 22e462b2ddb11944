package parallel

import (
	"errors"
	"fmt"
	"strings"
)

// Level selects the concurrency model used to execute items. The level is
// fixed at construction; each value maps to one executor implementation.
type Level int

const (
	// LevelNone runs items sequentially in the calling goroutine. It is the
	// baseline the other levels are measured against.
	LevelNone Level = iota
	// LevelThreads fans items out across a bounded pool of goroutines.
	// Appropriate for I/O-bound or lightly CPU-bound work.
	LevelThreads
	// LevelProcesses targets CPU-bound work: a bounded pool of goroutines
	// pinned to OS threads, capped at GOMAXPROCS so the pool maps onto
	// distinct cores rather than oversubscribing them.
	LevelProcesses
	// LevelHybrid partitions items into chunks dispatched on an outer pool,
	// each chunk fanned out again on an inner pool. Total concurrency stays
	// bounded by the configured worker count.
	LevelHybrid
)

// ErrUnknownLevel is returned when a processor is constructed with a level
// outside the closed enumeration.
var ErrUnknownLevel = errors.New("unknown parallelization level")

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelThreads:
		return "threads"
	case LevelProcesses:
		return "processes"
	case LevelHybrid:
		return "hybrid"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel parses a level name.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(name) {
	case "none", "sequential":
		return LevelNone, nil
	case "threads":
		return LevelThreads, nil
	case "processes":
		return LevelProcesses, nil
	case "hybrid":
		return LevelHybrid, nil
	default:
		return LevelNone, fmt.Errorf("%w: %q", ErrUnknownLevel, name)
	}
}

// communicationOverhead estimates the coordination cost of a level as a
// fraction of run time. The values are fixed estimates, not measurements:
// goroutine handoff is cheap, thread-pinned dispatch costs more, and the
// hybrid model sits between the two.
func (l Level) communicationOverhead() float64 {
	switch l {
	case LevelThreads:
		return 0.05
	case LevelProcesses:
		return 0.15
	case LevelHybrid:
		return 0.10
	default:
		return 0
	}
}
