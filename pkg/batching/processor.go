package batching

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/TheEntropyCollective/autotune/pkg/logging"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessFunc handles one item. The processor never inspects item semantics,
// only the outcome.
type ProcessFunc func(item interface{}) (interface{}, error)

// BatchMetrics is the immutable record of one processed batch.
type BatchMetrics struct {
	BatchSize     int           `json:"batch_size"`
	ItemCount     int           `json:"item_count"`
	Duration      time.Duration `json:"duration"`
	Throughput    float64       `json:"throughput"`
	SuccessCount  int           `json:"success_count"`
	FailureCount  int           `json:"failure_count"`
	MemoryDeltaMB float64       `json:"memory_delta_mb"`
	CPUPercent    float64       `json:"cpu_percent"`
	Errors        []string      `json:"errors,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Config holds batch processor configuration. The zero value is unusable;
// start from DefaultConfig.
type Config struct {
	Strategy         Strategy
	InitialBatchSize int
	MinBatchSize     int
	MaxBatchSize     int

	// AdaptiveSize tuning.
	GrowthFactor  float64
	ShrinkFactor  float64
	ToleranceBand float64

	// TimeBased tuning.
	TargetBatchDuration time.Duration

	// MemoryBased tuning.
	MemoryFraction  float64
	MemoryPerItemMB float64

	// SizingWindow bounds how many recent batches sizers consider.
	SizingWindow int

	Logger *logging.Logger
}

// DefaultConfig returns the stock configuration: adaptive sizing starting at
// 100 items, bounded to [10, 1000].
func DefaultConfig() *Config {
	return &Config{
		Strategy:            AdaptiveSize,
		InitialBatchSize:    100,
		MinBatchSize:        10,
		MaxBatchSize:        1000,
		GrowthFactor:        1.2,
		ShrinkFactor:        0.8,
		ToleranceBand:       0.05,
		TargetBatchDuration: 100 * time.Millisecond,
		MemoryFraction:      0.5,
		MemoryPerItemMB:     0.1,
		SizingWindow:        50,
	}
}

func (c *Config) validate() error {
	if c.InitialBatchSize <= 0 {
		return fmt.Errorf("initial batch size must be positive, got %d", c.InitialBatchSize)
	}
	if c.MinBatchSize <= 0 {
		return fmt.Errorf("min batch size must be positive, got %d", c.MinBatchSize)
	}
	if c.MaxBatchSize < c.MinBatchSize {
		return fmt.Errorf("max batch size %d below min %d", c.MaxBatchSize, c.MinBatchSize)
	}
	if c.GrowthFactor <= 1 {
		return fmt.Errorf("growth factor must exceed 1, got %f", c.GrowthFactor)
	}
	if c.ShrinkFactor <= 0 || c.ShrinkFactor >= 1 {
		return fmt.Errorf("shrink factor must be in (0,1), got %f", c.ShrinkFactor)
	}
	return nil
}

// Processor splits item sequences into batches and executes a per-item
// function over each batch. Per-item failures are isolated: the failing item
// is skipped, its error lands in that batch's metrics, and processing
// continues. The processor owns its metric history exclusively.
type Processor struct {
	mu      sync.Mutex
	sizer   batchSizer
	bounds  sizeBounds
	optimal int
	window  int

	metrics []BatchMetrics

	proc   *process.Process
	logger *logging.Logger
}

// NewProcessor creates a batch processor. An unknown strategy or invalid
// bounds fail fast, before any item is dispatched.
func NewProcessor(cfg *Config) (*Processor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	sizer, err := newSizer(cfg)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("batching")
	}

	proc, _ := process.NewProcess(int32(os.Getpid()))

	window := cfg.SizingWindow
	if window <= 0 {
		window = DefaultConfig().SizingWindow
	}

	bounds := sizeBounds{min: cfg.MinBatchSize, max: cfg.MaxBatchSize}

	return &Processor{
		sizer:   sizer,
		bounds:  bounds,
		optimal: bounds.clamp(cfg.InitialBatchSize),
		window:  window,
		proc:    proc,
		logger:  logger,
	}, nil
}

// ProcessBatches splits items into successive batches sized by the current
// optimal batch size and runs fn once per item. The returned slice preserves
// the relative order of successful items and may be shorter than the input
// when items fail. An empty input returns an empty slice with no metrics
// recorded.
func (p *Processor) ProcessBatches(ctx context.Context, items []interface{}, fn ProcessFunc) ([]interface{}, error) {
	if len(items) == 0 {
		return []interface{}{}, nil
	}

	results := make([]interface{}, 0, len(items))
	for start := 0; start < len(items); {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		size := p.nextBatchSize()
		end := start + size
		if end > len(items) {
			end = len(items)
		}

		batchResults := p.processSingleBatch(items[start:end], fn)
		results = append(results, batchResults...)
		start = end
	}

	return results, nil
}

// nextBatchSize consults the sizer and commits the result as the new optimal
// size, all under the processor lock.
func (p *Processor) nextBatchSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	state := sizerState{
		optimal: p.optimal,
		bounds:  p.bounds,
		recent:  tailMetrics(p.metrics, p.window),
	}
	size := p.sizer.size(state)
	if size < 1 {
		size = 1
	}
	p.optimal = size
	return size
}

func (p *Processor) processSingleBatch(batch []interface{}, fn ProcessFunc) []interface{} {
	startTime := time.Now()
	startMemory := procMemoryMB(p.proc)
	startCPU := sysCPUPercent()

	results := make([]interface{}, 0, len(batch))
	var errs []string
	for _, item := range batch {
		value, err := fn(item)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		results = append(results, value)
	}

	duration := time.Since(startTime)
	endMemory := procMemoryMB(p.proc)
	endCPU := sysCPUPercent()

	metrics := BatchMetrics{
		BatchSize:     len(batch),
		ItemCount:     len(batch),
		Duration:      duration,
		SuccessCount:  len(results),
		FailureCount:  len(errs),
		MemoryDeltaMB: endMemory - startMemory,
		CPUPercent:    (startCPU + endCPU) / 2,
		Errors:        errs,
		Timestamp:     startTime,
	}
	if duration > 0 {
		metrics.Throughput = float64(len(batch)) / duration.Seconds()
	}

	p.mu.Lock()
	p.metrics = append(p.metrics, metrics)
	p.mu.Unlock()

	if len(errs) > 0 {
		p.logger.Warn("batch completed with failures", map[string]interface{}{
			"batch_size": len(batch),
			"failures":   len(errs),
		})
	}

	return results
}

// Statistics summarizes the batch history. Idempotent: absent new batch
// activity, repeated calls return identical values.
type Statistics struct {
	TotalBatches        int           `json:"total_batches"`
	OptimalBatchSize    int           `json:"optimal_batch_size"`
	AvgThroughput       float64       `json:"avg_throughput"`
	AvgProcessingTime   time.Duration `json:"avg_processing_time"`
	AvgMemoryDeltaMB    float64       `json:"avg_memory_delta_mb"`
	TotalItemsProcessed int           `json:"total_items_processed"`
	TotalErrors         int           `json:"total_errors"`
	SuccessRate         float64       `json:"success_rate"`
}

// Statistics returns aggregate batch statistics.
func (p *Processor) Statistics() Statistics {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Statistics{
		TotalBatches:     len(p.metrics),
		OptimalBatchSize: p.optimal,
	}
	if len(p.metrics) == 0 {
		return stats
	}

	var totalThroughput, totalMemory float64
	var totalDuration time.Duration
	attempted := 0
	for _, m := range p.metrics {
		totalThroughput += m.Throughput
		totalMemory += m.MemoryDeltaMB
		totalDuration += m.Duration
		stats.TotalItemsProcessed += m.SuccessCount
		stats.TotalErrors += m.FailureCount
		attempted += m.SuccessCount + m.FailureCount
	}

	count := float64(len(p.metrics))
	stats.AvgThroughput = totalThroughput / count
	stats.AvgProcessingTime = totalDuration / time.Duration(len(p.metrics))
	stats.AvgMemoryDeltaMB = totalMemory / count
	if attempted > 0 {
		stats.SuccessRate = float64(stats.TotalItemsProcessed) / float64(attempted)
	}

	return stats
}

// OptimalBatchSize returns the current batch size.
func (p *Processor) OptimalBatchSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.optimal
}

// Metrics returns a copy of the batch metric history.
func (p *Processor) Metrics() []BatchMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]BatchMetrics, len(p.metrics))
	copy(out, p.metrics)
	return out
}

// Reset clears the metric history. The optimal batch size keeps its current
// value; construct a new processor for a fully fresh instance.
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = nil
}

func procMemoryMB(proc *process.Process) float64 {
	if proc == nil {
		return 0
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return float64(info.RSS) / (1024 * 1024)
}

func sysCPUPercent() float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0
	}
	return percents[0]
}
