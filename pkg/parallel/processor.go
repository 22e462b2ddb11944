package parallel

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/TheEntropyCollective/autotune/pkg/logging"
)

// ProcessFunc transforms one item. Executors call it concurrently, so it
// must be safe for concurrent use.
type ProcessFunc func(item interface{}) (interface{}, error)

// ItemError reports which item aborted a parallel run. Unwrap exposes the
// item's own error for errors.Is/As matching.
type ItemError struct {
	Index int
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %d failed: %v", e.Index, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// ParallelMetrics records one ExecuteParallel call. Efficiency and load
// balance are always within [0,1].
type ParallelMetrics struct {
	Level                 string        `json:"parallelization_level"`
	Workers               int           `json:"worker_count"`
	ItemCount             int           `json:"item_count"`
	Duration              time.Duration `json:"duration"`
	Efficiency            float64       `json:"parallel_efficiency"`
	LoadBalance           float64       `json:"load_balance"`
	CommunicationOverhead float64       `json:"communication_overhead"`
	Timestamp             time.Time     `json:"timestamp"`
}

// Config controls a Processor.
type Config struct {
	// Level selects the concurrency model. One executor is built for it at
	// construction.
	Level Level `json:"level"`

	// MaxWorkers bounds concurrency per call. Runs over fewer items use
	// fewer workers. Defaults to the CPU count.
	MaxWorkers int `json:"max_workers"`

	Logger *logging.Logger `json:"-"`
}

// DefaultConfig returns a threads-level configuration sized to the CPU count.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelThreads,
		MaxWorkers: runtime.NumCPU(),
	}
}

// Processor executes functions over item slices under a fixed concurrency
// model and accumulates per-call metrics. Safe for concurrent use.
type Processor struct {
	mu      sync.Mutex
	level   Level
	workers int
	exec    executor
	metrics []ParallelMetrics
	logger  *logging.Logger
}

// NewProcessor builds a processor for the configured level. An unknown
// level fails fast with ErrUnknownLevel.
func NewProcessor(cfg *Config) (*Processor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	exec, err := newExecutor(cfg.Level)
	if err != nil {
		return nil, err
	}

	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("parallel")
	}

	return &Processor{
		level:   cfg.Level,
		workers: workers,
		exec:    exec,
		metrics: make([]ParallelMetrics, 0),
		logger:  logger,
	}, nil
}

// ExecuteParallel runs fn over every item and returns results in item order
// regardless of completion order. The first item failure aborts the call:
// remaining dispatch is cancelled, results from still-running items are
// discarded, and the item's error is returned wrapped in an ItemError.
// Empty input returns an empty slice without recording a metric.
func (p *Processor) ExecuteParallel(ctx context.Context, items []interface{}, fn ProcessFunc) ([]interface{}, error) {
	if len(items) == 0 {
		return []interface{}{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	workers := p.workers
	if workers > len(items) {
		workers = len(items)
	}

	start := time.Now()
	results, busy, err := p.exec.run(ctx, items, fn, workers)
	wall := time.Since(start)

	metric := ParallelMetrics{
		Level:                 p.level.String(),
		Workers:               len(busy),
		ItemCount:             len(items),
		Duration:              wall,
		Efficiency:            efficiencyFrom(busy, wall),
		LoadBalance:           loadBalanceFrom(busy),
		CommunicationOverhead: p.level.communicationOverhead(),
		Timestamp:             time.Now(),
	}

	p.mu.Lock()
	p.metrics = append(p.metrics, metric)
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("parallel execution aborted", map[string]interface{}{
			"level":      metric.Level,
			"item_count": len(items),
			"error":      err.Error(),
		})
		return nil, err
	}

	p.logger.Debug("parallel execution completed", map[string]interface{}{
		"level":        metric.Level,
		"item_count":   len(items),
		"workers":      metric.Workers,
		"duration_ms":  wall.Milliseconds(),
		"efficiency":   metric.Efficiency,
		"load_balance": metric.LoadBalance,
	})
	return results, nil
}

// Level returns the concurrency model the processor was built with.
func (p *Processor) Level() Level {
	return p.level
}

// Statistics summarizes all recorded runs.
type Statistics struct {
	TotalOperations          int     `json:"total_operations"`
	AvgEfficiency            float64 `json:"avg_efficiency"`
	AvgLoadBalance           float64 `json:"avg_load_balance"`
	AvgCommunicationOverhead float64 `json:"avg_communication_overhead"`
	MaxWorkers               int     `json:"max_workers"`
}

// Statistics returns aggregate parallel statistics.
func (p *Processor) Statistics() Statistics {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Statistics{
		TotalOperations: len(p.metrics),
		MaxWorkers:      p.workers,
	}
	if len(p.metrics) == 0 {
		return stats
	}

	for _, m := range p.metrics {
		stats.AvgEfficiency += m.Efficiency
		stats.AvgLoadBalance += m.LoadBalance
		stats.AvgCommunicationOverhead += m.CommunicationOverhead
	}
	count := float64(len(p.metrics))
	stats.AvgEfficiency /= count
	stats.AvgLoadBalance /= count
	stats.AvgCommunicationOverhead /= count
	return stats
}

// Metrics returns a copy of the per-call metric history.
func (p *Processor) Metrics() []ParallelMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ParallelMetrics, len(p.metrics))
	copy(out, p.metrics)
	return out
}

// Reset clears the metric history.
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = p.metrics[:0]
}

// efficiencyFrom compares the ideal wall time of a perfectly balanced run
// (total busy time spread across the worker slots) against the observed wall
// time, clamped to [0,1].
func efficiencyFrom(busy []time.Duration, wall time.Duration) float64 {
	if wall <= 0 || len(busy) == 0 {
		return 1
	}
	var total time.Duration
	for _, b := range busy {
		total += b
	}
	ideal := float64(total) / float64(len(busy))
	return clamp01(ideal / float64(wall))
}

// loadBalanceFrom maps the coefficient of variation among per-worker busy
// times onto (0,1]: 1 means every worker was equally busy.
func loadBalanceFrom(busy []time.Duration) float64 {
	if len(busy) <= 1 {
		return 1
	}

	var total float64
	for _, b := range busy {
		total += float64(b)
	}
	mean := total / float64(len(busy))
	if mean <= 0 {
		return 1
	}

	var variance float64
	for _, b := range busy {
		diff := float64(b) - mean
		variance += diff * diff
	}
	variance /= float64(len(busy))

	cv := math.Sqrt(variance) / mean
	return clamp01(1 / (1 + cv*cv))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
