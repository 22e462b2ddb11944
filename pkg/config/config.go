package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/TheEntropyCollective/autotune/pkg/batching"
	"github.com/TheEntropyCollective/autotune/pkg/logging"
	"github.com/TheEntropyCollective/autotune/pkg/parallel"
)

// Config holds all autotune configuration
type Config struct {
	// System logging
	Logging LoggingConfig `json:"logging"`

	// Background resource monitor
	Monitor MonitorConfig `json:"monitor"`

	// Batch processing
	Batch BatchConfig `json:"batch"`

	// Parallel execution
	Parallel ParallelConfig `json:"parallel"`

	// Operation profiling
	Profiler ProfilerConfig `json:"profiler"`

	// Scalability analysis
	Scaling ScalingConfig `json:"scaling"`

	// Reporting HTTP server
	API APIConfig `json:"api"`

	// Baseline storage
	Baseline BaselineConfig `json:"baseline"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
	Output string `json:"output"` // console, file, both
	File   string `json:"file,omitempty"`
}

// MonitorConfig holds background monitor settings
type MonitorConfig struct {
	Enabled         bool    `json:"enabled"`
	IntervalSeconds int     `json:"interval_seconds"`
	MemoryWarnMB    float64 `json:"memory_warn_mb"`
	CPUWarnPercent  float64 `json:"cpu_warn_percent"`
	SampleWindow    int     `json:"sample_window"`
}

// BatchConfig holds batch sizing settings
type BatchConfig struct {
	Strategy        string  `json:"strategy"` // fixed_size, adaptive_size, memory_based, time_based
	InitialSize     int     `json:"initial_batch_size"`
	MinSize         int     `json:"min_batch_size"`
	MaxSize         int     `json:"max_batch_size"`
	TargetBatchMS   int     `json:"target_batch_ms"`
	MemoryFraction  float64 `json:"memory_fraction"`
	MemoryPerItemMB float64 `json:"memory_per_item_mb"`
}

// ParallelConfig holds parallel execution settings
type ParallelConfig struct {
	Level string `json:"level"` // none, threads, processes, hybrid

	// MaxWorkers of 0 selects runtime.NumCPU at construction time.
	MaxWorkers int `json:"max_workers"`
}

// ProfilerConfig holds bottleneck detection thresholds
type ProfilerConfig struct {
	SlowOperationMS int     `json:"slow_operation_ms"`
	HighMemoryMB    float64 `json:"high_memory_mb"`
	HighCPUPercent  float64 `json:"high_cpu_percent"`
	ErrorRate       float64 `json:"error_rate"`
	CollectDetailed bool    `json:"collect_detailed"`
	ErrorWindow     int     `json:"error_window"`
}

// ScalingConfig holds scalability test settings
type ScalingConfig struct {
	Level           string  `json:"level"`
	MaxWorkers      int     `json:"max_workers"`
	InputSizes      []int   `json:"input_sizes"`
	TimePerItemMS   float64 `json:"time_per_item_ms"`
	MemoryPerItemMB float64 `json:"memory_per_item_mb"`
	CPUPercent      float64 `json:"cpu_percent"`
}

// APIConfig holds HTTP server settings
type APIConfig struct {
	ListenAddr             string `json:"listen_addr"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds"`
}

// BaselineConfig holds baseline storage settings
type BaselineConfig struct {
	Dir string `json:"dir"`

	// ArchiveDSN enables the Postgres run archive when set.
	ArchiveDSN string `json:"archive_dsn,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultBaselineDir := filepath.Join(homeDir, ".autotune", "baselines")

	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "console",
			File:   "",
		},
		Monitor: MonitorConfig{
			Enabled:         true,
			IntervalSeconds: 5,
			MemoryWarnMB:    1000,
			CPUWarnPercent:  80,
			SampleWindow:    720,
		},
		Batch: BatchConfig{
			Strategy:        "adaptive_size",
			InitialSize:     100,
			MinSize:         10,
			MaxSize:         1000,
			TargetBatchMS:   100,
			MemoryFraction:  0.5,
			MemoryPerItemMB: 0.1,
		},
		Parallel: ParallelConfig{
			Level:      "threads",
			MaxWorkers: 0,
		},
		Profiler: ProfilerConfig{
			SlowOperationMS: 1000,
			HighMemoryMB:    500,
			HighCPUPercent:  80,
			ErrorRate:       0.1,
			CollectDetailed: true,
			ErrorWindow:     20,
		},
		Scaling: ScalingConfig{
			Level:           "threads",
			MaxWorkers:      0,
			InputSizes:      []int{100, 500, 1000, 5000},
			TimePerItemMS:   1,
			MemoryPerItemMB: 0.1,
			CPUPercent:      90,
		},
		API: APIConfig{
			ListenAddr:             "127.0.0.1:8585",
			ShutdownTimeoutSeconds: 10,
		},
		Baseline: BaselineConfig{
			Dir: defaultBaselineDir,
		},
	}
}

// LoadConfig loads configuration from file with environment variable overrides
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	// Load from file if it exists
	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Apply environment variable overrides
	config.applyEnvironmentOverrides()

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromFile loads configuration from a JSON file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, use defaults
			return nil
		}
		return err
	}

	return json.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies environment variable overrides
func (c *Config) applyEnvironmentOverrides() {
	// Logging overrides
	if val := os.Getenv("AUTOTUNE_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("AUTOTUNE_LOG_FORMAT"); val != "" {
		c.Logging.Format = val
	}
	if val := os.Getenv("AUTOTUNE_LOG_OUTPUT"); val != "" {
		c.Logging.Output = val
	}
	if val := os.Getenv("AUTOTUNE_LOG_FILE"); val != "" {
		c.Logging.File = val
	}

	// Monitor overrides
	if val := os.Getenv("AUTOTUNE_MONITOR_ENABLED"); val != "" {
		c.Monitor.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("AUTOTUNE_MONITOR_INTERVAL"); val != "" {
		if secs, err := strconv.Atoi(val); err == nil {
			c.Monitor.IntervalSeconds = secs
		}
	}
	if val := os.Getenv("AUTOTUNE_MONITOR_MEMORY_WARN_MB"); val != "" {
		if mb, err := strconv.ParseFloat(val, 64); err == nil {
			c.Monitor.MemoryWarnMB = mb
		}
	}
	if val := os.Getenv("AUTOTUNE_MONITOR_CPU_WARN"); val != "" {
		if pct, err := strconv.ParseFloat(val, 64); err == nil {
			c.Monitor.CPUWarnPercent = pct
		}
	}

	// Batch overrides
	if val := os.Getenv("AUTOTUNE_BATCH_STRATEGY"); val != "" {
		c.Batch.Strategy = val
	}
	if val := os.Getenv("AUTOTUNE_BATCH_INITIAL_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			c.Batch.InitialSize = size
		}
	}
	if val := os.Getenv("AUTOTUNE_BATCH_MIN_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			c.Batch.MinSize = size
		}
	}
	if val := os.Getenv("AUTOTUNE_BATCH_MAX_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			c.Batch.MaxSize = size
		}
	}

	// Parallel overrides
	if val := os.Getenv("AUTOTUNE_PARALLEL_LEVEL"); val != "" {
		c.Parallel.Level = val
	}
	if val := os.Getenv("AUTOTUNE_PARALLEL_MAX_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil {
			c.Parallel.MaxWorkers = workers
		}
	}

	// API overrides
	if val := os.Getenv("AUTOTUNE_API_LISTEN"); val != "" {
		c.API.ListenAddr = val
	}

	// Baseline overrides
	if val := os.Getenv("AUTOTUNE_BASELINE_DIR"); val != "" {
		c.Baseline.Dir = val
	}
	if val := os.Getenv("AUTOTUNE_ARCHIVE_DSN"); val != "" {
		c.Baseline.ArchiveDSN = val
	}
}

// Validate validates the configuration and provides helpful suggestions
func (c *Config) Validate() error {
	// Validate logging configuration
	if _, err := logging.ParseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level '%s'. Valid options: debug, info, warn, error", c.Logging.Level)
	}
	if _, err := logging.ParseLogFormat(c.Logging.Format); err != nil {
		return fmt.Errorf("invalid log format '%s'. Valid options: text, json", c.Logging.Format)
	}
	validOutputs := map[string]bool{
		"console": true, "file": true, "both": true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid log output '%s'. Valid options: console, file, both", c.Logging.Output)
	}
	if c.Logging.Output != "console" && c.Logging.File == "" {
		return fmt.Errorf("log file path is required when output is '%s'", c.Logging.Output)
	}

	// Validate monitor configuration
	if c.Monitor.IntervalSeconds <= 0 {
		return fmt.Errorf("monitor interval must be positive (current: %d seconds). Use 5 for default", c.Monitor.IntervalSeconds)
	}
	if c.Monitor.MemoryWarnMB <= 0 {
		return fmt.Errorf("monitor memory warning must be positive (current: %.1f MB). Use 1000 for default", c.Monitor.MemoryWarnMB)
	}
	if c.Monitor.CPUWarnPercent <= 0 || c.Monitor.CPUWarnPercent > 100 {
		return fmt.Errorf("monitor CPU warning must be in (0,100] (current: %.1f). Use 80 for default", c.Monitor.CPUWarnPercent)
	}
	if c.Monitor.SampleWindow <= 0 {
		return fmt.Errorf("monitor sample window must be positive (current: %d). Use 720 for an hour at 5s intervals", c.Monitor.SampleWindow)
	}

	// Validate batch configuration
	if _, err := batching.ParseStrategy(c.Batch.Strategy); err != nil {
		return fmt.Errorf("invalid batch strategy '%s'. Valid options: fixed_size, adaptive_size, memory_based, time_based", c.Batch.Strategy)
	}
	if c.Batch.InitialSize <= 0 {
		return fmt.Errorf("initial batch size must be positive (current: %d). Use 100 for default", c.Batch.InitialSize)
	}
	if c.Batch.MinSize <= 0 {
		return fmt.Errorf("min batch size must be positive (current: %d). Use 10 for default", c.Batch.MinSize)
	}
	if c.Batch.MaxSize < c.Batch.MinSize {
		return fmt.Errorf("max batch size %d is below min batch size %d", c.Batch.MaxSize, c.Batch.MinSize)
	}
	if c.Batch.InitialSize < c.Batch.MinSize || c.Batch.InitialSize > c.Batch.MaxSize {
		return fmt.Errorf("initial batch size %d must be between min %d and max %d", c.Batch.InitialSize, c.Batch.MinSize, c.Batch.MaxSize)
	}
	if c.Batch.TargetBatchMS <= 0 {
		return fmt.Errorf("target batch time must be positive (current: %d ms). Use 100 for default", c.Batch.TargetBatchMS)
	}
	if c.Batch.MemoryFraction <= 0 || c.Batch.MemoryFraction > 1 {
		return fmt.Errorf("memory fraction must be in (0,1] (current: %.2f). Use 0.5 for default", c.Batch.MemoryFraction)
	}
	if c.Batch.MemoryPerItemMB <= 0 {
		return fmt.Errorf("memory per item must be positive (current: %.2f MB). Use 0.1 for default", c.Batch.MemoryPerItemMB)
	}

	// Validate parallel configuration
	if _, err := parallel.ParseLevel(c.Parallel.Level); err != nil {
		return fmt.Errorf("invalid parallelization level '%s'. Valid options: none, threads, processes, hybrid", c.Parallel.Level)
	}
	if c.Parallel.MaxWorkers < 0 {
		return fmt.Errorf("max workers cannot be negative (current: %d). Use 0 to match CPU count", c.Parallel.MaxWorkers)
	}

	// Validate profiler configuration
	if c.Profiler.SlowOperationMS <= 0 {
		return fmt.Errorf("slow operation threshold must be positive (current: %d ms). Use 1000 for default", c.Profiler.SlowOperationMS)
	}
	if c.Profiler.HighMemoryMB <= 0 {
		return fmt.Errorf("high memory threshold must be positive (current: %.1f MB). Use 500 for default", c.Profiler.HighMemoryMB)
	}
	if c.Profiler.HighCPUPercent <= 0 || c.Profiler.HighCPUPercent > 100 {
		return fmt.Errorf("high CPU threshold must be in (0,100] (current: %.1f). Use 80 for default", c.Profiler.HighCPUPercent)
	}
	if c.Profiler.ErrorRate <= 0 || c.Profiler.ErrorRate > 1 {
		return fmt.Errorf("error rate threshold must be in (0,1] (current: %.2f). Use 0.1 for default", c.Profiler.ErrorRate)
	}
	if c.Profiler.ErrorWindow <= 0 {
		return fmt.Errorf("error window must be positive (current: %d). Use 20 for default", c.Profiler.ErrorWindow)
	}

	// Validate scaling configuration
	if _, err := parallel.ParseLevel(c.Scaling.Level); err != nil {
		return fmt.Errorf("invalid scaling level '%s'. Valid options: none, threads, processes, hybrid", c.Scaling.Level)
	}
	if c.Scaling.MaxWorkers < 0 {
		return fmt.Errorf("scaling max workers cannot be negative (current: %d). Use 0 to match CPU count", c.Scaling.MaxWorkers)
	}
	for i := 1; i < len(c.Scaling.InputSizes); i++ {
		if c.Scaling.InputSizes[i] <= c.Scaling.InputSizes[i-1] {
			return fmt.Errorf("scaling input sizes must be strictly increasing (got %d after %d)", c.Scaling.InputSizes[i], c.Scaling.InputSizes[i-1])
		}
	}
	if len(c.Scaling.InputSizes) > 0 && c.Scaling.InputSizes[0] <= 0 {
		return fmt.Errorf("scaling input sizes must be positive (got %d)", c.Scaling.InputSizes[0])
	}
	if c.Scaling.TimePerItemMS <= 0 {
		return fmt.Errorf("time per item threshold must be positive (current: %.2f ms). Use 1 for default", c.Scaling.TimePerItemMS)
	}
	if c.Scaling.MemoryPerItemMB <= 0 {
		return fmt.Errorf("memory per item threshold must be positive (current: %.2f MB). Use 0.1 for default", c.Scaling.MemoryPerItemMB)
	}
	if c.Scaling.CPUPercent <= 0 || c.Scaling.CPUPercent > 100 {
		return fmt.Errorf("CPU threshold must be in (0,100] (current: %.1f). Use 90 for default", c.Scaling.CPUPercent)
	}

	// Validate API configuration
	if c.API.ListenAddr == "" {
		return fmt.Errorf("API listen address cannot be empty. Use '127.0.0.1:8585' for local access")
	}
	if c.API.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("API shutdown timeout must be positive (current: %d seconds). Use 10 for default", c.API.ShutdownTimeoutSeconds)
	}

	// Validate baseline configuration
	if c.Baseline.Dir == "" {
		return fmt.Errorf("baseline directory cannot be empty")
	}

	return nil
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Marshal to JSON with proper formatting
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write to file
	return os.WriteFile(path, data, 0644)
}

// GetDefaultConfigPath returns the default configuration file path
func GetDefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	return filepath.Join(homeDir, ".autotune", "config.json"), nil
}
