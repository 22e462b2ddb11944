package optimizer

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/TheEntropyCollective/autotune/pkg/logging"
)

// MonitorConfig controls the background sampling loop.
type MonitorConfig struct {
	// Interval between samples. Default 5s.
	Interval time.Duration `json:"interval"`
	// MemoryWarnMB logs a warning when process RSS exceeds it. Default 1000.
	MemoryWarnMB float64 `json:"memory_warn_mb"`
	// CPUWarnPercent logs a warning when system CPU exceeds it. Default 80.
	CPUWarnPercent float64 `json:"cpu_warn_percent"`
	// SampleWindow bounds the retained sample history. Default 720, one
	// hour at the default interval.
	SampleWindow int `json:"sample_window"`
}

// DefaultMonitorConfig returns the stock monitoring configuration.
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		Interval:       5 * time.Second,
		MemoryWarnMB:   1000,
		CPUWarnPercent: 80,
		SampleWindow:   720,
	}
}

func (c *MonitorConfig) withDefaults() *MonitorConfig {
	out := DefaultMonitorConfig()
	if c == nil {
		return out
	}
	if c.Interval > 0 {
		out.Interval = c.Interval
	}
	if c.MemoryWarnMB > 0 {
		out.MemoryWarnMB = c.MemoryWarnMB
	}
	if c.CPUWarnPercent > 0 {
		out.CPUWarnPercent = c.CPUWarnPercent
	}
	if c.SampleWindow > 0 {
		out.SampleWindow = c.SampleWindow
	}
	return out
}

// MonitorSample is one point-in-time resource reading.
type MonitorSample struct {
	MemoryMB   float64   `json:"memory_mb"`
	CPUPercent float64   `json:"cpu_percent"`
	Goroutines int       `json:"goroutines"`
	Timestamp  time.Time `json:"timestamp"`
}

// monitor samples process memory and system CPU on a fixed interval and
// retains a bounded window of readings. Start and stop are idempotent; stop
// returns only after the loop has exited.
type monitor struct {
	mu      sync.Mutex
	cfg     *MonitorConfig
	samples []MonitorSample
	running bool
	stop    chan struct{}
	done    chan struct{}
	proc    *process.Process
	logger  *logging.Logger
}

func newMonitor(cfg *MonitorConfig, logger *logging.Logger) *monitor {
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &monitor{
		cfg:     cfg.withDefaults(),
		samples: make([]MonitorSample, 0),
		proc:    proc,
		logger:  logger,
	}
}

func (m *monitor) start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(m.stop, m.done)

	m.logger.Info("performance monitoring started", map[string]interface{}{
		"interval": m.cfg.Interval.String(),
	})
}

func (m *monitor) stopLoop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	<-done
	m.logger.Info("performance monitoring stopped")
}

func (m *monitor) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.sample()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *monitor) sample() {
	s := MonitorSample{
		MemoryMB:   m.memoryMB(),
		CPUPercent: systemCPUPercent(),
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now(),
	}

	m.mu.Lock()
	m.samples = append(m.samples, s)
	if len(m.samples) > m.cfg.SampleWindow {
		m.samples = m.samples[len(m.samples)-m.cfg.SampleWindow:]
	}
	m.mu.Unlock()

	if s.MemoryMB > m.cfg.MemoryWarnMB {
		m.logger.Warn("high memory usage", map[string]interface{}{
			"memory_mb": s.MemoryMB,
			"limit_mb":  m.cfg.MemoryWarnMB,
		})
	}
	if s.CPUPercent > m.cfg.CPUWarnPercent {
		m.logger.Warn("high cpu usage", map[string]interface{}{
			"cpu_percent": s.CPUPercent,
			"limit":       m.cfg.CPUWarnPercent,
		})
	}
}

func (m *monitor) snapshot() []MonitorSample {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]MonitorSample, len(m.samples))
	copy(out, m.samples)
	return out
}

func (m *monitor) isRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *monitor) memoryMB() float64 {
	if m.proc == nil {
		return 0
	}
	info, err := m.proc.MemoryInfo()
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
