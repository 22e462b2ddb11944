package scaling

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/TheEntropyCollective/autotune/pkg/logging"
	"github.com/TheEntropyCollective/autotune/pkg/parallel"
)

// ErrInvalidInputSizes is returned when a scalability run is requested with
// an empty or non-increasing size sequence.
var ErrInvalidInputSizes = errors.New("input sizes must be a strictly increasing sequence")

// Thresholds flag per-size bottlenecks. A measurement over any threshold
// tags the step with the matching bottleneck and remedy.
type Thresholds struct {
	// TimePerItem flags compute-bound steps. Default 1ms per item.
	TimePerItem time.Duration `json:"time_per_item"`
	// MemoryPerItemMB flags memory-bound steps. Default 0.1 MB per item.
	MemoryPerItemMB float64 `json:"memory_per_item_mb"`
	// CPUPercent flags CPU saturation. Default 90.
	CPUPercent float64 `json:"cpu_percent"`
}

// DefaultThresholds returns the stock bottleneck thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TimePerItem:     time.Millisecond,
		MemoryPerItemMB: 0.1,
		CPUPercent:      90,
	}
}

// ScalabilityMetrics records one tested input size.
type ScalabilityMetrics struct {
	InputSize       int           `json:"input_size"`
	Duration        time.Duration `json:"processing_time"`
	MemoryDeltaMB   float64       `json:"memory_usage_mb"`
	CPUPercent      float64       `json:"cpu_usage_percent"`
	Throughput      float64       `json:"throughput"`
	Efficiency      float64       `json:"efficiency"`
	Bottlenecks     []string      `json:"bottlenecks"`
	Recommendations []string      `json:"recommendations"`
	Timestamp       time.Time     `json:"timestamp"`
}

// Config controls an Analyzer.
type Config struct {
	// Level is the concurrency model each size is executed under.
	Level parallel.Level `json:"level"`

	// MaxWorkers bounds the parallel fan-out. Defaults to the CPU count.
	MaxWorkers int `json:"max_workers"`

	// InputGenerator synthesizes the input slice for a size. The default
	// produces the integers [0, size).
	InputGenerator func(size int) []interface{} `json:"-"`

	Thresholds Thresholds      `json:"thresholds"`
	Logger     *logging.Logger `json:"-"`
}

// DefaultConfig returns a threads-level analyzer configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      parallel.LevelThreads,
		Thresholds: DefaultThresholds(),
	}
}

// Analyzer measures how processing cost grows with input size and classifies
// the observed scaling law. One analysis runs at a time per Analyzer; the
// metric history accumulates across runs until Reset.
type Analyzer struct {
	mu         sync.Mutex
	executor   *parallel.Processor
	inputGen   func(size int) []interface{}
	thresholds Thresholds
	metrics    []ScalabilityMetrics
	proc       *process.Process
	logger     *logging.Logger
}

// NewAnalyzer builds an analyzer. An unknown parallelization level fails
// fast.
func NewAnalyzer(cfg *Config) (*Analyzer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	executor, err := parallel.NewProcessor(&parallel.Config{
		Level:      cfg.Level,
		MaxWorkers: cfg.MaxWorkers,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("scalability analyzer: %w", err)
	}

	inputGen := cfg.InputGenerator
	if inputGen == nil {
		inputGen = defaultInputGenerator
	}

	thresholds := cfg.Thresholds
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("scaling")
	}

	proc, _ := process.NewProcess(int32(os.Getpid()))

	return &Analyzer{
		executor:   executor,
		inputGen:   inputGen,
		thresholds: thresholds,
		metrics:    make([]ScalabilityMetrics, 0),
		proc:       proc,
		logger:     logger,
	}, nil
}

// AnalyzeScalability runs fn over inputs of each requested size, in order,
// and reports per-size measurements plus the overall scaling classification.
// Sizes must be strictly increasing. The run aborts on the first execution
// error or context cancellation.
func (a *Analyzer) AnalyzeScalability(ctx context.Context, sizes []int, fn parallel.ProcessFunc) (*Report, error) {
	if err := validateSizes(sizes); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	runMetrics := make([]ScalabilityMetrics, 0, len(sizes))
	for _, size := range sizes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		metric, err := a.measureSize(ctx, size, fn)
		if err != nil {
			return nil, fmt.Errorf("scalability test at size %d: %w", size, err)
		}
		runMetrics = append(runMetrics, metric)
		a.metrics = append(a.metrics, metric)

		a.logger.Debug("scalability step completed", map[string]interface{}{
			"input_size":  size,
			"duration_ms": metric.Duration.Milliseconds(),
			"throughput":  metric.Throughput,
			"bottlenecks": len(metric.Bottlenecks),
		})
	}

	report := buildReport(runMetrics)
	a.logger.Info("scalability analysis completed", map[string]interface{}{
		"test_count":   report.TestCount,
		"scaling_type": report.ScalingAnalysis.ScalingType,
	})
	return report, nil
}

// measureSize executes one input size and derives its metrics.
func (a *Analyzer) measureSize(ctx context.Context, size int, fn parallel.ProcessFunc) (ScalabilityMetrics, error) {
	input := a.inputGen(size)

	memBefore := a.memoryMB()
	start := time.Now()
	_, err := a.executor.ExecuteParallel(ctx, input, fn)
	duration := time.Since(start)
	if err != nil {
		return ScalabilityMetrics{}, err
	}

	metric := ScalabilityMetrics{
		InputSize:     size,
		Duration:      duration,
		MemoryDeltaMB: a.memoryMB() - memBefore,
		CPUPercent:    systemCPUPercent(),
		Efficiency:    1,
		Timestamp:     time.Now(),
	}
	if duration > 0 {
		metric.Throughput = float64(size) / duration.Seconds()
	}
	if parallelMetrics := a.executor.Metrics(); len(parallelMetrics) > 0 {
		metric.Efficiency = parallelMetrics[len(parallelMetrics)-1].Efficiency
	}

	metric.Bottlenecks, metric.Recommendations = a.thresholds.inspect(metric)
	return metric, nil
}

// Metrics returns a copy of the accumulated per-size history.
func (a *Analyzer) Metrics() []ScalabilityMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]ScalabilityMetrics, len(a.metrics))
	copy(out, a.metrics)
	return out
}

// Reset clears the accumulated history.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics = a.metrics[:0]
	a.executor.Reset()
}

// inspect tags a measurement with bottlenecks and their remedies.
func (t Thresholds) inspect(m ScalabilityMetrics) ([]string, []string) {
	var bottlenecks, recommendations []string
	if m.InputSize <= 0 {
		return bottlenecks, recommendations
	}

	perItem := m.Duration / time.Duration(m.InputSize)
	if t.TimePerItem > 0 && perItem > t.TimePerItem {
		bottlenecks = append(bottlenecks, "processing_time")
		recommendations = append(recommendations, "optimize the per-item hot path or increase parallelization")
	}
	if t.MemoryPerItemMB > 0 && m.MemoryDeltaMB/float64(m.InputSize) > t.MemoryPerItemMB {
		bottlenecks = append(bottlenecks, "memory_usage")
		recommendations = append(recommendations, "stream the input or reduce per-item memory footprint")
	}
	if t.CPUPercent > 0 && m.CPUPercent > t.CPUPercent {
		bottlenecks = append(bottlenecks, "cpu_usage")
		recommendations = append(recommendations, "reduce per-item computation or add workers on more cores")
	}
	return bottlenecks, recommendations
}

func validateSizes(sizes []int) error {
	if len(sizes) == 0 {
		return fmt.Errorf("%w: no sizes given", ErrInvalidInputSizes)
	}
	prev := 0
	for i, size := range sizes {
		if size <= prev {
			return fmt.Errorf("%w: size %d at position %d", ErrInvalidInputSizes, size, i)
		}
		prev = size
	}
	return nil
}

func defaultInputGenerator(size int) []interface{} {
	items := make([]interface{}, size)
	for i := range items {
		items[i] = i
	}
	return items
}

// SyntheticWorkload is a deterministic CPU-bound item function for
// scalability demos and self-tests. It expects the default generator's
// integer items.
func SyntheticWorkload(item interface{}) (interface{}, error) {
	n, ok := item.(int)
	if !ok {
		return nil, fmt.Errorf("synthetic workload expects int items, got %T", item)
	}

	// xorshift rounds keep the loop busy without allocating.
	x := uint64(n)*2654435761 + 1
	for i := 0; i < 2000; i++ {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
	}
	return x, nil
}

func (a *Analyzer) memoryMB() float64 {
	if a.proc == nil {
		return 0
	}
	info, err := a.proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return float64(info.RSS) / (1024 * 1024)
}

func systemCPUPercent() float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0
	}
	return percents[0]
}
