package optimizer

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Level tunes default resource ceilings without changing any component
// contract. Higher levels trade memory and CPU headroom for throughput.
type Level int

const (
	// Minimal keeps resource usage small enough for constrained hosts.
	Minimal Level = iota
	// Standard sizes the subsystem to the machine. The default.
	Standard
	// Aggressive oversubscribes the CPU for I/O-heavy workloads.
	Aggressive
	// Maximum removes most headroom. For dedicated batch machines.
	Maximum
)

// ErrUnknownLevel is returned when an optimizer is constructed with a level
// outside the closed enumeration.
var ErrUnknownLevel = errors.New("unknown optimization level")

// String returns the level name.
func (l Level) String() string {
	switch l {
	case Minimal:
		return "minimal"
	case Standard:
		return "standard"
	case Aggressive:
		return "aggressive"
	case Maximum:
		return "maximum"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel parses an optimization level name.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(name) {
	case "minimal":
		return Minimal, nil
	case "standard":
		return Standard, nil
	case "aggressive":
		return Aggressive, nil
	case "maximum":
		return Maximum, nil
	default:
		return Standard, fmt.Errorf("%w: %q", ErrUnknownLevel, name)
	}
}

// ResourceLimits are the ceilings a level grants its components.
type ResourceLimits struct {
	MaxWorkers       int     `json:"max_workers"`
	MaxBatchSize     int     `json:"max_batch_size"`
	MaxMemoryMB      float64 `json:"max_memory_mb"`
	TargetCPUPercent float64 `json:"target_cpu_percent"`
}

// Limits returns the resource ceilings for the level.
func (l Level) Limits() (ResourceLimits, error) {
	cpus := runtime.NumCPU()
	switch l {
	case Minimal:
		return ResourceLimits{
			MaxWorkers:       2,
			MaxBatchSize:     100,
			MaxMemoryMB:      512,
			TargetCPUPercent: 50,
		}, nil
	case Standard:
		return ResourceLimits{
			MaxWorkers:       cpus,
			MaxBatchSize:     1000,
			MaxMemoryMB:      1024,
			TargetCPUPercent: 80,
		}, nil
	case Aggressive:
		return ResourceLimits{
			MaxWorkers:       cpus * 2,
			MaxBatchSize:     2000,
			MaxMemoryMB:      2048,
			TargetCPUPercent: 90,
		}, nil
	case Maximum:
		return ResourceLimits{
			MaxWorkers:       cpus * 4,
			MaxBatchSize:     5000,
			MaxMemoryMB:      4096,
			TargetCPUPercent: 95,
		}, nil
	default:
		return ResourceLimits{}, fmt.Errorf("%w: %d", ErrUnknownLevel, int(l))
	}
}
