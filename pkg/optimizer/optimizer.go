package optimizer

import (
	"context"
	"fmt"

	"github.com/TheEntropyCollective/autotune/pkg/batching"
	"github.com/TheEntropyCollective/autotune/pkg/logging"
	"github.com/TheEntropyCollective/autotune/pkg/parallel"
	"github.com/TheEntropyCollective/autotune/pkg/profiling"
	"github.com/TheEntropyCollective/autotune/pkg/scaling"
)

// ItemFunc transforms one item of a collection.
type ItemFunc func(item interface{}) (interface{}, error)

// OperationFunc is an instrumented collection operation produced by
// OptimizeOperation.
type OperationFunc func(ctx context.Context, items []interface{}) ([]interface{}, error)

// OperationOptions select the strategies applied to one wrapped operation.
// The execution path is chosen once when the operation is wrapped.
type OperationOptions struct {
	// UseBatching processes the collection through the adaptive batch
	// processor. Per-item failures are skipped, not fatal.
	UseBatching bool `json:"use_batching"`

	// UseParallel fans the collection out across workers. Takes precedence
	// over UseBatching; the first per-item failure aborts the call.
	UseParallel bool `json:"use_parallel"`

	// UseProfiling records every invocation of the wrapped operation.
	UseProfiling bool `json:"use_profiling"`

	// BatchSize overrides the initial batch size for this operation. Zero
	// keeps the optimizer's shared sizing.
	BatchSize int `json:"batch_size"`

	// ParallelLevel selects the concurrency model for UseParallel.
	ParallelLevel parallel.Level `json:"parallel_level"`
}

// DefaultOperationOptions enables profiling, batching and threaded
// parallelism.
func DefaultOperationOptions() *OperationOptions {
	return &OperationOptions{
		UseBatching:   true,
		UseParallel:   true,
		UseProfiling:  true,
		ParallelLevel: parallel.LevelThreads,
	}
}

// Config controls an Optimizer.
type Config struct {
	// Level picks the resource ceilings. Default Standard.
	Level Level `json:"level"`

	// Batch overrides the shared batch processor configuration. Nil derives
	// one from the level's ceilings.
	Batch *batching.Config `json:"batch,omitempty"`

	// Profiler overrides the profiler configuration.
	Profiler *profiling.Config `json:"profiler,omitempty"`

	// Monitor overrides the background monitoring configuration.
	Monitor *MonitorConfig `json:"monitor,omitempty"`

	Logger *logging.Logger `json:"-"`
}

// Optimizer composes the profiler, batch processor and parallel pools behind
// one configuration. It holds references to each component and aggregates
// their reports; each component still owns its metric history.
type Optimizer struct {
	level    Level
	limits   ResourceLimits
	batch    *batching.Processor
	pools    map[parallel.Level]*parallel.Processor
	profiler *profiling.Profiler
	monitor  *monitor
	logger   *logging.Logger
}

// NewOptimizer builds the component stack for the configured level. Unknown
// levels fail fast with ErrUnknownLevel.
func NewOptimizer(cfg *Config) (*Optimizer, error) {
	if cfg == nil {
		cfg = &Config{Level: Standard}
	}

	limits, err := cfg.Level.Limits()
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("optimizer")
	}

	batchCfg := cfg.Batch
	if batchCfg == nil {
		batchCfg = batching.DefaultConfig()
		batchCfg.MaxBatchSize = limits.MaxBatchSize
		if batchCfg.InitialBatchSize > limits.MaxBatchSize {
			batchCfg.InitialBatchSize = limits.MaxBatchSize
		}
	}
	if batchCfg.Logger == nil {
		batchCfg.Logger = logger.WithComponent("batching")
	}
	batch, err := batching.NewProcessor(batchCfg)
	if err != nil {
		return nil, fmt.Errorf("optimizer batch processor: %w", err)
	}

	// One pool per parallelization level, each bounded by the level's
	// worker ceiling, so wrapped operations never branch per call.
	pools := make(map[parallel.Level]*parallel.Processor, 4)
	for _, lvl := range []parallel.Level{parallel.LevelNone, parallel.LevelThreads, parallel.LevelProcesses, parallel.LevelHybrid} {
		pool, err := parallel.NewProcessor(&parallel.Config{
			Level:      lvl,
			MaxWorkers: limits.MaxWorkers,
			Logger:     logger.WithComponent("parallel"),
		})
		if err != nil {
			return nil, fmt.Errorf("optimizer %s pool: %w", lvl, err)
		}
		pools[lvl] = pool
	}

	profilerCfg := cfg.Profiler
	if profilerCfg == nil {
		profilerCfg = profiling.DefaultConfig()
	}
	if profilerCfg.Logger == nil {
		profilerCfg.Logger = logger.WithComponent("profiling")
	}

	o := &Optimizer{
		level:    cfg.Level,
		limits:   limits,
		batch:    batch,
		pools:    pools,
		profiler: profiling.NewProfiler(profilerCfg),
		monitor:  newMonitor(cfg.Monitor, logger.WithComponent("monitor")),
		logger:   logger,
	}

	logger.Info("optimizer initialized", map[string]interface{}{
		"level":          cfg.Level.String(),
		"max_workers":    limits.MaxWorkers,
		"max_batch_size": limits.MaxBatchSize,
	})
	return o, nil
}

// OptimizeOperation wraps fn into an instrumented collection operation. The
// strategies and the execution path are fixed here, once; the returned
// function only executes. Nil options enable everything.
func (o *Optimizer) OptimizeOperation(name string, fn ItemFunc, opts *OperationOptions) (OperationFunc, error) {
	if fn == nil {
		return nil, fmt.Errorf("optimize %s: nil item function", name)
	}
	if opts == nil {
		opts = DefaultOperationOptions()
	}

	var run OperationFunc
	switch {
	case opts.UseParallel:
		pool, ok := o.pools[opts.ParallelLevel]
		if !ok {
			return nil, fmt.Errorf("optimize %s: %w: %d", name, parallel.ErrUnknownLevel, int(opts.ParallelLevel))
		}
		run = func(ctx context.Context, items []interface{}) ([]interface{}, error) {
			return pool.ExecuteParallel(ctx, items, parallel.ProcessFunc(fn))
		}

	case opts.UseBatching:
		batch := o.batch
		if opts.BatchSize > 0 {
			cfg := batching.DefaultConfig()
			cfg.InitialBatchSize = opts.BatchSize
			cfg.MaxBatchSize = o.limits.MaxBatchSize
			if cfg.InitialBatchSize > cfg.MaxBatchSize {
				cfg.InitialBatchSize = cfg.MaxBatchSize
			}
			if cfg.InitialBatchSize < cfg.MinBatchSize {
				cfg.MinBatchSize = cfg.InitialBatchSize
			}
			cfg.Logger = o.logger.WithComponent("batching")
			dedicated, err := batching.NewProcessor(cfg)
			if err != nil {
				return nil, fmt.Errorf("optimize %s: %w", name, err)
			}
			batch = dedicated
		}
		run = func(ctx context.Context, items []interface{}) ([]interface{}, error) {
			return batch.ProcessBatches(ctx, items, batching.ProcessFunc(fn))
		}

	default:
		run = func(ctx context.Context, items []interface{}) ([]interface{}, error) {
			results := make([]interface{}, 0, len(items))
			for i, item := range items {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				result, err := fn(item)
				if err != nil {
					return nil, fmt.Errorf("item %d failed: %w", i, err)
				}
				results = append(results, result)
			}
			return results, nil
		}
	}

	if !opts.UseProfiling {
		return run, nil
	}

	profiled := func(ctx context.Context, items []interface{}) ([]interface{}, error) {
		value, err := o.profiler.Profile(name, func() (interface{}, error) {
			return run(ctx, items)
		})
		results, _ := value.([]interface{})
		return results, err
	}
	return profiled, nil
}

// RunScalabilityTest measures fn across the given input sizes under the
// given parallelization level and returns the scaling report. Each call uses
// a fresh analyzer so runs do not contaminate each other.
func (o *Optimizer) RunScalabilityTest(ctx context.Context, sizes []int, fn ItemFunc, level parallel.Level) (*scaling.Report, error) {
	analyzer, err := scaling.NewAnalyzer(&scaling.Config{
		Level:      level,
		MaxWorkers: o.limits.MaxWorkers,
		Thresholds: scaling.DefaultThresholds(),
		Logger:     o.logger.WithComponent("scaling"),
	})
	if err != nil {
		return nil, err
	}
	return analyzer.AnalyzeScalability(ctx, sizes, parallel.ProcessFunc(fn))
}

// StartMonitoring launches the background sampling loop. Starting an
// already-running monitor is a no-op.
func (o *Optimizer) StartMonitoring() {
	o.monitor.start()
}

// StopMonitoring stops the sampling loop and waits for it to exit. Stopping
// a stopped monitor is a no-op.
func (o *Optimizer) StopMonitoring() {
	o.monitor.stopLoop()
}

// MonitoringActive reports whether the sampling loop is running.
func (o *Optimizer) MonitoringActive() bool {
	return o.monitor.isRunning()
}

// MonitorSamples returns a copy of the retained resource samples.
func (o *Optimizer) MonitorSamples() []MonitorSample {
	return o.monitor.snapshot()
}

// PerformanceSummary merges batch statistics, parallel statistics and the
// profiler report into one payload.
type PerformanceSummary struct {
	OptimizationLevel  string              `json:"optimization_level"`
	BatchStatistics    batching.Statistics `json:"batch_statistics"`
	ParallelStatistics parallel.Statistics `json:"parallel_statistics"`
	PerformanceReport  *profiling.Report   `json:"performance_report"`
}

// PerformanceSummary returns the merged component reports.
func (o *Optimizer) PerformanceSummary() *PerformanceSummary {
	return &PerformanceSummary{
		OptimizationLevel:  o.level.String(),
		BatchStatistics:    o.batch.Statistics(),
		ParallelStatistics: o.ParallelStatistics(),
		PerformanceReport:  o.profiler.Report(),
	}
}

// BatchStatistics returns the shared batch processor's statistics.
func (o *Optimizer) BatchStatistics() batching.Statistics {
	return o.batch.Statistics()
}

// ParallelStatistics merges the statistics of all parallel pools, weighting
// averages by each pool's operation count.
func (o *Optimizer) ParallelStatistics() parallel.Statistics {
	merged := parallel.Statistics{MaxWorkers: o.limits.MaxWorkers}

	var efficiency, loadBalance, overhead float64
	for _, pool := range o.pools {
		stats := pool.Statistics()
		if stats.TotalOperations == 0 {
			continue
		}
		n := float64(stats.TotalOperations)
		merged.TotalOperations += stats.TotalOperations
		efficiency += stats.AvgEfficiency * n
		loadBalance += stats.AvgLoadBalance * n
		overhead += stats.AvgCommunicationOverhead * n
	}
	if merged.TotalOperations > 0 {
		total := float64(merged.TotalOperations)
		merged.AvgEfficiency = efficiency / total
		merged.AvgLoadBalance = loadBalance / total
		merged.AvgCommunicationOverhead = overhead / total
	}
	return merged
}

// PerformanceReport returns the profiler's aggregate report.
func (o *Optimizer) PerformanceReport() *profiling.Report {
	return o.profiler.Report()
}

// Profiler exposes the underlying profiler for direct instrumentation.
func (o *Optimizer) Profiler() *profiling.Profiler {
	return o.profiler
}

// Level returns the configured optimization level.
func (o *Optimizer) Level() Level {
	return o.level
}

// Limits returns the resource ceilings granted by the level.
func (o *Optimizer) Limits() ResourceLimits {
	return o.limits
}

// Reset clears every component's metric history.
func (o *Optimizer) Reset() {
	o.batch.Reset()
	for _, pool := range o.pools {
		pool.Reset()
	}
	o.profiler.Reset()
}
