package profiling

import (
	"math"
	"sync"
	"time"

	"github.com/TheEntropyCollective/autotune/pkg/logging"
	"github.com/shirou/gopsutil/v4/process"
)

// Bottleneck type tags.
const (
	BottleneckSlowOperation = "slow_operation"
	BottleneckHighMemory    = "high_memory"
	BottleneckHighCPU       = "high_cpu"
)

// Thresholds are the tunable limits for bottleneck and alert detection.
type Thresholds struct {
	// SlowOperation flags any call whose duration exceeds this value.
	SlowOperation time.Duration `json:"slow_operation"`
	// HighMemoryMB flags calls whose resident-set growth exceeds this value.
	HighMemoryMB float64 `json:"high_memory_mb"`
	// HighCPUPercent flags calls observed above this system CPU utilization.
	HighCPUPercent float64 `json:"high_cpu_percent"`
	// ErrorRate triggers an alert once the rolling per-operation error rate
	// crosses it.
	ErrorRate float64 `json:"error_rate"`
}

// DefaultThresholds returns the stock detection thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SlowOperation:  1 * time.Second,
		HighMemoryMB:   500,
		HighCPUPercent: 80,
		ErrorRate:      0.1,
	}
}

// Config holds profiler configuration.
type Config struct {
	Thresholds Thresholds
	// CollectDetailed attaches a full system snapshot to every profile.
	CollectDetailed bool
	// ErrorWindow is the number of recent calls per operation considered
	// for the rolling error rate.
	ErrorWindow int
	Logger      *logging.Logger
}

// DefaultConfig returns the stock profiler configuration.
func DefaultConfig() *Config {
	return &Config{
		Thresholds:      DefaultThresholds(),
		CollectDetailed: true,
		ErrorWindow:     20,
	}
}

// OperationProfile is the complete record of one profiled call. A profile is
// appended for every call, on success and on failure alike.
type OperationProfile struct {
	OperationName string         `json:"operation_name"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       time.Time      `json:"end_time"`
	Duration      time.Duration  `json:"duration"`
	MemoryDeltaMB float64        `json:"memory_delta_mb"`
	CPUPercent    float64        `json:"cpu_percent"`
	Errors        []string       `json:"errors,omitempty"`
	System        SystemSnapshot `json:"system,omitempty"`
}

// Bottleneck marks a threshold violation tied to a specific operation.
type Bottleneck struct {
	Type      string    `json:"type"`
	Operation string    `json:"operation"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// errorWindow is a fixed-size ring of recent call outcomes for one
// operation.
type errorWindow struct {
	outcomes []bool
	idx      int
	filled   bool
}

func newErrorWindow(size int) *errorWindow {
	if size <= 0 {
		size = 20
	}
	return &errorWindow{outcomes: make([]bool, size)}
}

func (w *errorWindow) record(failed bool) {
	w.outcomes[w.idx] = failed
	w.idx = (w.idx + 1) % len(w.outcomes)
	if w.idx == 0 {
		w.filled = true
	}
}

func (w *errorWindow) rate() float64 {
	count := w.idx
	if w.filled {
		count = len(w.outcomes)
	}
	if count == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < count; i++ {
		if w.outcomes[i] {
			failures++
		}
	}
	return float64(failures) / float64(count)
}

// Profiler instruments operations by name and owns the resulting metric
// histories. All history mutation happens under the profiler lock so
// concurrent top-level calls stay correct.
type Profiler struct {
	mu              sync.RWMutex
	thresholds      Thresholds
	collectDetailed bool
	errorWindowSize int

	profiles       []OperationProfile
	operationTimes map[string][]time.Duration
	operationErrs  map[string]int
	errorWindows   map[string]*errorWindow
	bottlenecks    []Bottleneck
	alerts         []PerformanceAlert

	proc   *process.Process
	gate   *alertGate
	logger *logging.Logger
}

// NewProfiler creates a profiler. A nil config selects defaults.
func NewProfiler(config *Config) *Profiler {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("profiler")
	}

	proc, err := processHandle()
	if err != nil {
		logger.Warn("process metrics unavailable", map[string]interface{}{"error": err.Error()})
		proc = nil
	}

	windowSize := config.ErrorWindow
	if windowSize <= 0 {
		windowSize = DefaultConfig().ErrorWindow
	}

	return &Profiler{
		thresholds:      config.Thresholds,
		collectDetailed: config.CollectDetailed,
		errorWindowSize: windowSize,
		operationTimes:  make(map[string][]time.Duration),
		operationErrs:   make(map[string]int),
		errorWindows:    make(map[string]*errorWindow),
		proc:            proc,
		gate:            newAlertGate(10*time.Minute, 1, 10),
		logger:          logger,
	}
}

// Instrument wraps fn so that every invocation is profiled under the given
// operation name. The wrapped function has identical behavior: results and
// errors pass through unchanged.
func (p *Profiler) Instrument(operation string, fn func() (interface{}, error)) func() (interface{}, error) {
	return func() (interface{}, error) {
		return p.Profile(operation, fn)
	}
}

// Profile runs fn once and records a complete profile for the call. On
// failure the error is recorded first and then returned unchanged; the
// profiler never swallows or rewrites errors.
func (p *Profiler) Profile(operation string, fn func() (interface{}, error)) (interface{}, error) {
	startTime := time.Now()
	startMemory := processMemoryMB(p.proc)
	startCPU := systemCPUPercent()

	var system SystemSnapshot
	if p.collectDetailed {
		system = CollectSystemSnapshot()
	}

	result, err := fn()

	endTime := time.Now()
	endMemory := processMemoryMB(p.proc)
	endCPU := systemCPUPercent()

	profile := OperationProfile{
		OperationName: operation,
		StartTime:     startTime,
		EndTime:       endTime,
		Duration:      endTime.Sub(startTime),
		MemoryDeltaMB: endMemory - startMemory,
		CPUPercent:    (startCPU + endCPU) / 2,
		System:        system,
	}
	if err != nil {
		profile.Errors = []string{err.Error()}
	}

	p.record(profile)

	return result, err
}

// record appends the profile and updates derived state under the lock.
func (p *Profiler) record(profile OperationProfile) {
	var slow bool
	var alert *PerformanceAlert

	p.mu.Lock()
	p.profiles = append(p.profiles, profile)
	p.operationTimes[profile.OperationName] = append(p.operationTimes[profile.OperationName], profile.Duration)

	failed := len(profile.Errors) > 0
	if failed {
		p.operationErrs[profile.OperationName] += len(profile.Errors)
	}

	window, ok := p.errorWindows[profile.OperationName]
	if !ok {
		window = newErrorWindow(p.errorWindowSize)
		p.errorWindows[profile.OperationName] = window
	}
	window.record(failed)
	errorRate := window.rate()

	now := time.Now()
	if profile.Duration > p.thresholds.SlowOperation {
		slow = true
		p.bottlenecks = append(p.bottlenecks, Bottleneck{
			Type:      BottleneckSlowOperation,
			Operation: profile.OperationName,
			Value:     profile.Duration.Seconds(),
			Threshold: p.thresholds.SlowOperation.Seconds(),
			Timestamp: now,
		})
	}
	if profile.MemoryDeltaMB > p.thresholds.HighMemoryMB {
		p.bottlenecks = append(p.bottlenecks, Bottleneck{
			Type:      BottleneckHighMemory,
			Operation: profile.OperationName,
			Value:     profile.MemoryDeltaMB,
			Threshold: p.thresholds.HighMemoryMB,
			Timestamp: now,
		})
	}
	if profile.CPUPercent > p.thresholds.HighCPUPercent {
		p.bottlenecks = append(p.bottlenecks, Bottleneck{
			Type:      BottleneckHighCPU,
			Operation: profile.OperationName,
			Value:     profile.CPUPercent,
			Threshold: p.thresholds.HighCPUPercent,
			Timestamp: now,
		})
	}

	if failed && errorRate > p.thresholds.ErrorRate && p.gate.allow("high_error_rate", profile.OperationName) {
		a := PerformanceAlert{
			Type:      "high_error_rate",
			Severity:  SeverityWarning,
			Operation: profile.OperationName,
			Message:   "rolling error rate above threshold",
			ErrorRate: errorRate,
			Errors:    profile.Errors,
			Timestamp: now,
		}
		p.alerts = append(p.alerts, a)
		alert = &a
	}
	p.mu.Unlock()

	if slow {
		p.logger.Warn("slow operation detected", map[string]interface{}{
			"operation": profile.OperationName,
			"duration":  profile.Duration.String(),
		})
	}
	if alert != nil {
		p.logger.Warn("performance alert raised", map[string]interface{}{
			"operation":  alert.Operation,
			"error_rate": alert.ErrorRate,
		})
	}
}

// ReportSummary aggregates across every recorded profile.
type ReportSummary struct {
	TotalOperations    int           `json:"total_operations"`
	TotalExecutionTime time.Duration `json:"total_execution_time"`
	TotalMemoryDeltaMB float64       `json:"total_memory_delta_mb"`
	TotalErrors        int           `json:"total_errors"`
	AvgExecutionTime   time.Duration `json:"avg_execution_time"`
}

// OperationStats aggregates the recorded calls of one operation.
type OperationStats struct {
	Count   int           `json:"count"`
	AvgTime time.Duration `json:"avg_time"`
	MinTime time.Duration `json:"min_time"`
	MaxTime time.Duration `json:"max_time"`
	StdDev  time.Duration `json:"std_dev"`
	Errors  int           `json:"errors"`
}

// BottleneckSummary groups detected bottlenecks for reporting.
type BottleneckSummary struct {
	Total  int            `json:"total"`
	ByType map[string]int `json:"by_type"`
	Recent []Bottleneck   `json:"recent"`
}

// AlertSummary groups raised alerts for reporting.
type AlertSummary struct {
	Total  int                `json:"total"`
	Recent []PerformanceAlert `json:"recent"`
}

// Report is the full profiler reporting payload.
type Report struct {
	Summary        ReportSummary             `json:"summary"`
	OperationStats map[string]OperationStats `json:"operation_statistics"`
	Bottlenecks    BottleneckSummary         `json:"bottlenecks"`
	Alerts         AlertSummary              `json:"alerts"`
	RecentProfiles []OperationProfile        `json:"recent_metrics"`
}

const recentTail = 10

// Report builds the reporting payload from the recorded histories. It is a
// read-only aggregation and may be called at any time.
func (p *Profiler) Report() *Report {
	p.mu.RLock()
	defer p.mu.RUnlock()

	report := &Report{
		OperationStats: make(map[string]OperationStats, len(p.operationTimes)),
		Bottlenecks: BottleneckSummary{
			Total:  len(p.bottlenecks),
			ByType: make(map[string]int),
			Recent: tailBottlenecks(p.bottlenecks, recentTail),
		},
		Alerts: AlertSummary{
			Total:  len(p.alerts),
			Recent: tailAlerts(p.alerts, recentTail),
		},
		RecentProfiles: tailProfiles(p.profiles, recentTail),
	}

	var totalTime time.Duration
	var totalMemory float64
	totalErrors := 0
	for _, profile := range p.profiles {
		totalTime += profile.Duration
		totalMemory += profile.MemoryDeltaMB
		totalErrors += len(profile.Errors)
	}

	report.Summary = ReportSummary{
		TotalOperations:    len(p.profiles),
		TotalExecutionTime: totalTime,
		TotalMemoryDeltaMB: totalMemory,
		TotalErrors:        totalErrors,
	}
	if len(p.profiles) > 0 {
		report.Summary.AvgExecutionTime = totalTime / time.Duration(len(p.profiles))
	}

	for operation, times := range p.operationTimes {
		report.OperationStats[operation] = buildOperationStats(times, p.operationErrs[operation])
	}

	for _, bottleneck := range p.bottlenecks {
		report.Bottlenecks.ByType[bottleneck.Type]++
	}

	return report
}

func buildOperationStats(times []time.Duration, errorCount int) OperationStats {
	stats := OperationStats{Count: len(times), Errors: errorCount}
	if len(times) == 0 {
		return stats
	}

	var total time.Duration
	stats.MinTime = times[0]
	stats.MaxTime = times[0]
	for _, d := range times {
		total += d
		if d < stats.MinTime {
			stats.MinTime = d
		}
		if d > stats.MaxTime {
			stats.MaxTime = d
		}
	}
	stats.AvgTime = total / time.Duration(len(times))

	if len(times) > 1 {
		mean := stats.AvgTime.Seconds()
		var sumSquares float64
		for _, d := range times {
			diff := d.Seconds() - mean
			sumSquares += diff * diff
		}
		stats.StdDev = time.Duration(math.Sqrt(sumSquares/float64(len(times)-1)) * float64(time.Second))
	}

	return stats
}

func tailProfiles(profiles []OperationProfile, n int) []OperationProfile {
	if len(profiles) > n {
		profiles = profiles[len(profiles)-n:]
	}
	out := make([]OperationProfile, len(profiles))
	copy(out, profiles)
	return out
}

func tailBottlenecks(bottlenecks []Bottleneck, n int) []Bottleneck {
	if len(bottlenecks) > n {
		bottlenecks = bottlenecks[len(bottlenecks)-n:]
	}
	out := make([]Bottleneck, len(bottlenecks))
	copy(out, bottlenecks)
	return out
}

func tailAlerts(alerts []PerformanceAlert, n int) []PerformanceAlert {
	if len(alerts) > n {
		alerts = alerts[len(alerts)-n:]
	}
	out := make([]PerformanceAlert, len(alerts))
	copy(out, alerts)
	return out
}

// Snapshot returns a copy of every recorded profile in recording order.
func (p *Profiler) Snapshot() []OperationProfile {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]OperationProfile, len(p.profiles))
	copy(out, p.profiles)
	return out
}

// Bottlenecks returns a copy of all detected bottlenecks.
func (p *Profiler) Bottlenecks() []Bottleneck {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Bottleneck, len(p.bottlenecks))
	copy(out, p.bottlenecks)
	return out
}

// Alerts returns a copy of all raised alerts.
func (p *Profiler) Alerts() []PerformanceAlert {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]PerformanceAlert, len(p.alerts))
	copy(out, p.alerts)
	return out
}

// Reset clears every history so callers can scope measurements per session
// or test.
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.profiles = nil
	p.operationTimes = make(map[string][]time.Duration)
	p.operationErrs = make(map[string]int)
	p.errorWindows = make(map[string]*errorWindow)
	p.bottlenecks = nil
	p.alerts = nil
}
