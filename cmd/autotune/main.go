package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"
	"golang.org/x/term"

	"github.com/TheEntropyCollective/autotune/pkg/api"
	"github.com/TheEntropyCollective/autotune/pkg/baseline"
	"github.com/TheEntropyCollective/autotune/pkg/batching"
	"github.com/TheEntropyCollective/autotune/pkg/config"
	"github.com/TheEntropyCollective/autotune/pkg/logging"
	"github.com/TheEntropyCollective/autotune/pkg/optimizer"
	"github.com/TheEntropyCollective/autotune/pkg/parallel"
	"github.com/TheEntropyCollective/autotune/pkg/profiling"
	"github.com/TheEntropyCollective/autotune/pkg/scaling"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Configuration file path (default: ~/.autotune/config.json)")
		initConfig   = flag.Bool("init-config", false, "Write the default configuration file and exit")
		showConfig   = flag.Bool("show-config", false, "Print the effective configuration and exit")
		serve        = flag.Bool("serve", false, "Run the reporting HTTP server")
		bench        = flag.Bool("bench", false, "Run a scalability benchmark and print the report")
		saveBaseline = flag.String("save-baseline", "", "Run a benchmark and store it under the given name")
		compareTo    = flag.String("compare", "", "Run a benchmark and compare it against the named baseline")
		levelName    = flag.String("level", "", "Optimization level: minimal, standard, aggressive, maximum")
		sizesCSV     = flag.String("sizes", "", "Comma-separated benchmark input sizes (overrides config)")
	)

	flag.Parse()

	path := *configPath
	if path == "" {
		defaultPath, err := config.GetDefaultConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to get default config path: %v\n", err)
			os.Exit(1)
		}
		path = defaultPath
	}

	if *initConfig {
		runInitConfig(path)
		return
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *showConfig {
		runShowConfig(path, cfg)
		return
	}

	logger := buildLogger(cfg.Logging)

	level := optimizer.Standard
	if *levelName != "" {
		level, err = optimizer.ParseLevel(*levelName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid level: %v\n", err)
			os.Exit(1)
		}
	}

	opt := buildOptimizer(cfg, level, logger)

	switch {
	case *serve:
		runServe(path, cfg, opt, logger)
	case *saveBaseline != "":
		runSaveBaseline(cfg, opt, logger, *saveBaseline, *sizesCSV)
	case *compareTo != "":
		runCompare(cfg, logger, *compareTo, *sizesCSV)
	case *bench:
		runBench(cfg, *sizesCSV)
	default:
		flag.Usage()
	}
}

func runInitConfig(path string) {
	cfg := config.DefaultConfig()

	if err := cfg.SaveToFile(path); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Default configuration saved to: %s\n", path)
}

func runShowConfig(path string, cfg *config.Config) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration from %s:\n", path)
	fmt.Println(string(data))
}

// buildLogger installs the global logger from the logging section. Text
// output switches to JSON when stdout is not a terminal.
func buildLogger(lc config.LoggingConfig) *logging.Logger {
	level, err := logging.ParseLogLevel(lc.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	format, err := logging.ParseLogFormat(lc.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log format: %v\n", err)
		os.Exit(1)
	}

	var output io.Writer = os.Stdout
	switch lc.Output {
	case "file":
		output, err = logging.CreateFileOutput(lc.File)
	case "both":
		output, err = logging.CreateCombinedOutput(lc.File)
	default:
		if format == logging.TextFormat && !term.IsTerminal(int(os.Stdout.Fd())) {
			format = logging.JSONFormat
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log output: %v\n", err)
		os.Exit(1)
	}

	logging.InitGlobalLogger(&logging.Config{
		Level:  level,
		Format: format,
		Output: output,
	})
	return logging.GetGlobalLogger()
}

// buildOptimizer maps the file configuration onto the component configs.
func buildOptimizer(cfg *config.Config, level optimizer.Level, logger *logging.Logger) *optimizer.Optimizer {
	strategy, err := batching.ParseStrategy(cfg.Batch.Strategy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid batch strategy: %v\n", err)
		os.Exit(1)
	}

	batchCfg := batching.DefaultConfig()
	batchCfg.Strategy = strategy
	batchCfg.InitialBatchSize = cfg.Batch.InitialSize
	batchCfg.MinBatchSize = cfg.Batch.MinSize
	batchCfg.MaxBatchSize = cfg.Batch.MaxSize
	batchCfg.TargetBatchDuration = time.Duration(cfg.Batch.TargetBatchMS) * time.Millisecond
	batchCfg.MemoryFraction = cfg.Batch.MemoryFraction
	batchCfg.MemoryPerItemMB = cfg.Batch.MemoryPerItemMB

	profilerCfg := profiling.DefaultConfig()
	profilerCfg.Thresholds.SlowOperation = time.Duration(cfg.Profiler.SlowOperationMS) * time.Millisecond
	profilerCfg.Thresholds.HighMemoryMB = cfg.Profiler.HighMemoryMB
	profilerCfg.Thresholds.HighCPUPercent = cfg.Profiler.HighCPUPercent
	profilerCfg.Thresholds.ErrorRate = cfg.Profiler.ErrorRate
	profilerCfg.CollectDetailed = cfg.Profiler.CollectDetailed
	profilerCfg.ErrorWindow = cfg.Profiler.ErrorWindow

	monitorCfg := &optimizer.MonitorConfig{
		Interval:       time.Duration(cfg.Monitor.IntervalSeconds) * time.Second,
		MemoryWarnMB:   cfg.Monitor.MemoryWarnMB,
		CPUWarnPercent: cfg.Monitor.CPUWarnPercent,
		SampleWindow:   cfg.Monitor.SampleWindow,
	}

	opt, err := optimizer.NewOptimizer(&optimizer.Config{
		Level:    level,
		Batch:    batchCfg,
		Profiler: profilerCfg,
		Monitor:  monitorCfg,
		Logger:   logger.WithComponent("optimizer"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build optimizer: %v\n", err)
		os.Exit(1)
	}
	return opt
}

// benchReport runs the synthetic workload across the configured sizes.
func benchReport(cfg *config.Config, sizesCSV string) *scaling.Report {
	sizes := cfg.Scaling.InputSizes
	if sizesCSV != "" {
		parsed, err := parseSizes(sizesCSV)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -sizes: %v\n", err)
			os.Exit(1)
		}
		sizes = parsed
	}

	level, err := parallel.ParseLevel(cfg.Scaling.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid scaling level: %v\n", err)
		os.Exit(1)
	}

	analyzer, err := scaling.NewAnalyzer(&scaling.Config{
		Level:      level,
		MaxWorkers: cfg.Scaling.MaxWorkers,
		Thresholds: scaling.Thresholds{
			TimePerItem:     time.Duration(cfg.Scaling.TimePerItemMS * float64(time.Millisecond)),
			MemoryPerItemMB: cfg.Scaling.MemoryPerItemMB,
			CPUPercent:      cfg.Scaling.CPUPercent,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build analyzer: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	report, err := analyzer.AnalyzeScalability(ctx, sizes, scaling.SyntheticWorkload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Benchmark failed: %v\n", err)
		os.Exit(1)
	}
	return report
}

func printReport(report *scaling.Report) {
	fmt.Printf("Scaling: %s (avg factor %.2f across %d sizes)\n\n",
		report.ScalingAnalysis.ScalingType, report.ScalingAnalysis.AvgScalingFactor, report.TestCount)

	fmt.Printf("%10s %16s %12s %12s\n", "size", "items/sec", "memory MB", "efficiency")
	for i := range report.InputSizes {
		fmt.Printf("%10d %16.1f %12.2f %12.2f\n",
			report.InputSizes[i], report.Throughputs[i], report.MemoryUsages[i], report.Efficiencies[i])
	}

	if len(report.Recommendations) > 0 {
		fmt.Println("\nRecommendations:")
		for _, rec := range report.Recommendations {
			fmt.Printf("  - %s\n", rec)
		}
	}
}

// archiveRun stores the report in the Postgres archive when a DSN is
// configured. Archive failures do not fail the benchmark.
func archiveRun(cfg *config.Config, report *scaling.Report) {
	if cfg.Baseline.ArchiveDSN == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	archive, err := baseline.NewArchive(ctx, &baseline.ArchiveConfig{
		ConnectionString: cfg.Baseline.ArchiveDSN,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: archive unavailable: %v\n", err)
		return
	}
	defer archive.Close()

	if err := archive.MigrateToLatest(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: archive migration failed: %v\n", err)
		return
	}

	run, err := archive.InsertRun(ctx, cfg.Scaling.Level, report)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: archiving run failed: %v\n", err)
		return
	}
	fmt.Printf("\nArchived run %s\n", run.RunID)
}

func runBench(cfg *config.Config, sizesCSV string) {
	report := benchReport(cfg, sizesCSV)
	printReport(report)
	archiveRun(cfg, report)
}

func runSaveBaseline(cfg *config.Config, opt *optimizer.Optimizer, logger *logging.Logger, name, sizesCSV string) {
	report := benchReport(cfg, sizesCSV)
	printReport(report)

	manager, err := baseline.NewManager(cfg.Baseline.Dir, logger.WithComponent("baseline"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open baseline store: %v\n", err)
		os.Exit(1)
	}

	saved, err := manager.Save(name, report, opt.PerformanceSummary())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save baseline: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nBaseline %q saved (%s)\n", saved.Name, saved.ID)
	archiveRun(cfg, report)
}

func runCompare(cfg *config.Config, logger *logging.Logger, name, sizesCSV string) {
	report := benchReport(cfg, sizesCSV)

	manager, err := baseline.NewManager(cfg.Baseline.Dir, logger.WithComponent("baseline"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open baseline store: %v\n", err)
		os.Exit(1)
	}

	comparison, err := manager.Compare(name, report)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Comparison failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(comparison.String())
}

func runServe(path string, cfg *config.Config, opt *optimizer.Optimizer, logger *logging.Logger) {
	manager, err := baseline.NewManager(cfg.Baseline.Dir, logger.WithComponent("baseline"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open baseline store: %v\n", err)
		os.Exit(1)
	}

	if cfg.Monitor.Enabled {
		opt.StartMonitoring()
		defer opt.StopMonitoring()
	}

	server, err := api.NewServer(&api.Config{
		ListenAddr:   cfg.API.ListenAddr,
		Optimizer:    opt,
		Baselines:    manager,
		CompareSizes: cfg.Scaling.InputSizes,
		Logger:       logger.WithComponent("api"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build server: %v\n", err)
		os.Exit(1)
	}

	// Hot reload applies the log level; structural sections need a restart.
	watcher, err := config.NewWatcher(path, logger.WithComponent("config"))
	if err != nil {
		logger.Warn("config watching disabled", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		watcher.OnChange(func(next *config.Config) {
			level, err := logging.ParseLogLevel(next.Logging.Level)
			if err != nil {
				return
			}
			logging.GetGlobalLogger().SetLevel(level)
			logger.Info("log level applied from config reload", map[string]interface{}{
				"level": next.Logging.Level,
			})
		})
		defer watcher.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
			os.Exit(1)
		}
	case sig := <-stop:
		logger.Info("shutting down", map[string]interface{}{
			"signal": sig.String(),
		})

		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.API.ShutdownTimeoutSeconds)*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Shutdown failed: %v\n", err)
			os.Exit(1)
		}
		<-errCh
	}
}

func parseSizes(csv string) ([]int, error) {
	parts := strings.Split(csv, ",")
	sizes := make([]int, 0, len(parts))
	for _, part := range parts {
		size, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("size %q is not a number", part)
		}
		sizes = append(sizes, size)
	}
	return sizes, nil
}
