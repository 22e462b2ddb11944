// Package autotune tunes collection processing at runtime. It profiles
// operations, adapts batch sizes to observed throughput and memory pressure,
// fans work out across worker pools and measures how workloads scale with
// input size.
//
// Most programs construct an optimizer and wrap their hot operations:
//
//	opt, err := autotune.New()
//	run, err := opt.OptimizeOperation("resize", resizeItem, nil)
//	results, err := run(ctx, items)
//
// The package-level helpers below share one lazily-built optimizer for
// programs that just want the strategies without holding an instance.
package autotune

import (
	"context"
	"sync"

	"github.com/TheEntropyCollective/autotune/pkg/optimizer"
	"github.com/TheEntropyCollective/autotune/pkg/parallel"
	"github.com/TheEntropyCollective/autotune/pkg/scaling"
)

// Level selects the resource ceilings an optimizer runs under.
type Level = optimizer.Level

const (
	Minimal    = optimizer.Minimal
	Standard   = optimizer.Standard
	Aggressive = optimizer.Aggressive
	Maximum    = optimizer.Maximum
)

// ItemFunc processes one collection item.
type ItemFunc = optimizer.ItemFunc

// New returns an optimizer at the standard level.
func New() (*optimizer.Optimizer, error) {
	return optimizer.NewOptimizer(nil)
}

// NewWithLevel returns an optimizer at the given level.
func NewWithLevel(level Level) (*optimizer.Optimizer, error) {
	return optimizer.NewOptimizer(&optimizer.Config{Level: level})
}

var (
	defaultOnce sync.Once
	defaultOpt  *optimizer.Optimizer
	defaultErr  error
)

// Default returns the shared package-level optimizer, building it on first
// use. The helpers below all run through it, so their statistics accumulate
// in one place.
func Default() (*optimizer.Optimizer, error) {
	defaultOnce.Do(func() {
		defaultOpt, defaultErr = optimizer.NewOptimizer(nil)
	})
	return defaultOpt, defaultErr
}

// BatchProcess runs fn over items through the shared adaptive batch
// processor. Repeated calls keep adapting the batch size.
func BatchProcess(ctx context.Context, items []interface{}, fn ItemFunc) ([]interface{}, error) {
	opt, err := Default()
	if err != nil {
		return nil, err
	}
	run, err := opt.OptimizeOperation("autotune.BatchProcess", fn, &optimizer.OperationOptions{
		UseBatching: true,
	})
	if err != nil {
		return nil, err
	}
	return run(ctx, items)
}

// ParallelProcess fans fn out over items across the shared worker pool for
// the given level.
func ParallelProcess(ctx context.Context, items []interface{}, fn ItemFunc, level parallel.Level) ([]interface{}, error) {
	opt, err := Default()
	if err != nil {
		return nil, err
	}
	run, err := opt.OptimizeOperation("autotune.ParallelProcess", fn, &optimizer.OperationOptions{
		UseParallel:   true,
		ParallelLevel: level,
	})
	if err != nil {
		return nil, err
	}
	return run(ctx, items)
}

// ProfileOperation records one execution of fn under the given operation
// name in the shared profiler.
func ProfileOperation(name string, fn func() (interface{}, error)) (interface{}, error) {
	opt, err := Default()
	if err != nil {
		return nil, err
	}
	return opt.Profiler().Profile(name, fn)
}

// RunScalabilityTest measures fn across the given input sizes and reports
// how its throughput scales.
func RunScalabilityTest(ctx context.Context, sizes []int, fn ItemFunc, level parallel.Level) (*scaling.Report, error) {
	opt, err := Default()
	if err != nil {
		return nil, err
	}
	return opt.RunScalabilityTest(ctx, sizes, fn, level)
}

// PerformanceSummary reports the shared optimizer's accumulated statistics.
func PerformanceSummary() (*optimizer.PerformanceSummary, error) {
	opt, err := Default()
	if err != nil {
		return nil, err
	}
	return opt.PerformanceSummary(), nil
}
