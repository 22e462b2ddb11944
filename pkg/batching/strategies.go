package batching

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
)

// Strategy selects how batch size evolves between batches. The strategy is
// fixed at construction; each value maps to one sizer implementation.
type Strategy int

const (
	// FixedSize keeps the initial batch size for the processor's lifetime.
	FixedSize Strategy = iota
	// AdaptiveSize grows or shrinks the batch size by bounded multiplicative
	// steps depending on whether throughput improved against the recent
	// baseline.
	AdaptiveSize
	// MemoryBased sizes batches toward a budget derived from available
	// memory and the observed (or estimated) per-item memory cost.
	MemoryBased
	// TimeBased resizes toward a target wall-clock duration per batch.
	TimeBased
)

// ErrUnknownStrategy is returned when a processor is constructed with a
// strategy value outside the closed enumeration.
var ErrUnknownStrategy = errors.New("unknown batch strategy")

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case FixedSize:
		return "fixed_size"
	case AdaptiveSize:
		return "adaptive_size"
	case MemoryBased:
		return "memory_based"
	case TimeBased:
		return "time_based"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy parses a strategy name.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(name) {
	case "fixed", "fixed_size":
		return FixedSize, nil
	case "adaptive", "adaptive_size":
		return AdaptiveSize, nil
	case "memory", "memory_based":
		return MemoryBased, nil
	case "time", "time_based":
		return TimeBased, nil
	default:
		return FixedSize, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}

// sizeBounds clamp every computed batch size.
type sizeBounds struct {
	min int
	max int
}

func (b sizeBounds) clamp(size int) int {
	if size < b.min {
		size = b.min
	}
	if size > b.max {
		size = b.max
	}
	if size < 1 {
		size = 1
	}
	return size
}

// sizerState is the read-only view a sizer decides from.
type sizerState struct {
	optimal int
	bounds  sizeBounds
	recent  []BatchMetrics
}

// batchSizer computes the size of the upcoming batch. One implementation
// exists per Strategy value; the processor picks it once at construction.
type batchSizer interface {
	name() string
	size(state sizerState) int
}

func newSizer(cfg *Config) (batchSizer, error) {
	switch cfg.Strategy {
	case FixedSize:
		return &fixedSizer{fixed: cfg.InitialBatchSize}, nil
	case AdaptiveSize:
		return &adaptiveSizer{
			growthFactor:  cfg.GrowthFactor,
			shrinkFactor:  cfg.ShrinkFactor,
			toleranceBand: cfg.ToleranceBand,
		}, nil
	case MemoryBased:
		return &memorySizer{
			memoryFraction:  cfg.MemoryFraction,
			memoryPerItemMB: cfg.MemoryPerItemMB,
			availableMB:     availableMemoryMB,
		}, nil
	case TimeBased:
		return &timeSizer{target: cfg.TargetBatchDuration}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownStrategy, int(cfg.Strategy))
	}
}

// fixedSizer never changes the batch size.
type fixedSizer struct {
	fixed int
}

func (s *fixedSizer) name() string { return FixedSize.String() }

func (s *fixedSizer) size(state sizerState) int {
	return state.bounds.clamp(s.fixed)
}

// adaptiveSizer compares the latest batch throughput to the baseline of the
// batches before it: improvement grows the size, degradation shrinks it,
// both by bounded multiplicative steps.
type adaptiveSizer struct {
	growthFactor  float64
	shrinkFactor  float64
	toleranceBand float64
}

func (s *adaptiveSizer) name() string { return AdaptiveSize.String() }

func (s *adaptiveSizer) size(state sizerState) int {
	if len(state.recent) < 2 {
		return state.bounds.clamp(state.optimal)
	}

	last := state.recent[len(state.recent)-1].Throughput
	baseline := meanThroughput(state.recent[:len(state.recent)-1])
	if baseline <= 0 {
		return state.bounds.clamp(state.optimal)
	}

	switch {
	case last > baseline*(1+s.toleranceBand):
		return state.bounds.clamp(int(float64(state.optimal) * s.growthFactor))
	case last < baseline*(1-s.toleranceBand):
		return state.bounds.clamp(int(float64(state.optimal) * s.shrinkFactor))
	default:
		return state.bounds.clamp(state.optimal)
	}
}

// memorySizer targets a fraction of available memory, dividing the budget by
// the observed per-item memory cost. With no usable observations it falls
// back to the configured estimate.
type memorySizer struct {
	memoryFraction  float64
	memoryPerItemMB float64
	availableMB     func() float64
}

func (s *memorySizer) name() string { return MemoryBased.String() }

func (s *memorySizer) size(state sizerState) int {
	perItem := observedMemoryPerItemMB(state.recent)
	if perItem <= 0 {
		perItem = s.memoryPerItemMB
	}
	if perItem <= 0 {
		return state.bounds.clamp(state.optimal)
	}

	budget := s.availableMB() * s.memoryFraction
	if budget <= 0 {
		return state.bounds.clamp(state.optimal)
	}

	return state.bounds.clamp(int(budget / perItem))
}

// timeSizer halves the batch when batches run far over the target duration
// and doubles it when they finish far under it.
type timeSizer struct {
	target time.Duration
}

func (s *timeSizer) name() string { return TimeBased.String() }

func (s *timeSizer) size(state sizerState) int {
	window := tailMetrics(state.recent, 5)
	if len(window) == 0 {
		return state.bounds.clamp(state.optimal)
	}

	var total time.Duration
	for _, m := range window {
		total += m.Duration
	}
	avg := total / time.Duration(len(window))

	switch {
	case avg > 2*s.target:
		return state.bounds.clamp(state.optimal / 2)
	case avg < s.target/2:
		return state.bounds.clamp(state.optimal * 2)
	default:
		return state.bounds.clamp(state.optimal)
	}
}

func meanThroughput(metrics []BatchMetrics) float64 {
	if len(metrics) == 0 {
		return 0
	}
	var total float64
	for _, m := range metrics {
		total += m.Throughput
	}
	return total / float64(len(metrics))
}

// observedMemoryPerItemMB averages positive per-item memory deltas from
// recent batches. Negative deltas (GC ran mid-batch) are skipped.
func observedMemoryPerItemMB(metrics []BatchMetrics) float64 {
	var total float64
	count := 0
	for _, m := range metrics {
		if m.MemoryDeltaMB > 0 && m.ItemCount > 0 {
			total += m.MemoryDeltaMB / float64(m.ItemCount)
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

func tailMetrics(metrics []BatchMetrics, n int) []BatchMetrics {
	if len(metrics) > n {
		return metrics[len(metrics)-n:]
	}
	return metrics
}

func availableMemoryMB() float64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return float64(vm.Available) / (1024 * 1024)
}
