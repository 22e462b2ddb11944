package baseline

import (
	"fmt"
	"math"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/TheEntropyCollective/autotune/pkg/optimizer"
	"github.com/TheEntropyCollective/autotune/pkg/scaling"
)

// SystemInfo records the host a baseline was captured on. Comparisons across
// different hardware are still allowed, but the host facts make it obvious
// when numbers moved because the machine did.
type SystemInfo struct {
	Hostname        string  `json:"hostname"`
	Platform        string  `json:"platform"`
	PlatformVersion string  `json:"platform_version"`
	KernelArch      string  `json:"kernel_arch"`
	CPUModel        string  `json:"cpu_model"`
	CPUCores        int     `json:"cpu_cores"`
	TotalMemoryGB   float64 `json:"total_memory_gb"`
	GoVersion       string  `json:"go_version"`
}

// CollectSystemInfo gathers best-effort host facts. Individual collector
// failures leave zero values rather than failing the save.
func CollectSystemInfo() SystemInfo {
	info := SystemInfo{
		GoVersion: runtime.Version(),
		CPUCores:  runtime.NumCPU(),
	}

	if hostInfo, err := host.Info(); err == nil {
		info.Hostname = hostInfo.Hostname
		info.Platform = hostInfo.Platform
		info.PlatformVersion = hostInfo.PlatformVersion
		info.KernelArch = hostInfo.KernelArch
	}

	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		info.TotalMemoryGB = float64(vm.Total) / (1024 * 1024 * 1024)
	}

	return info
}

// Baseline is a named, persisted performance snapshot: the scalability report
// it was built from plus the component statistics at save time.
type Baseline struct {
	ID          string                        `json:"id"`
	Name        string                        `json:"name"`
	CreatedAt   time.Time                     `json:"created_at"`
	System      SystemInfo                    `json:"system"`
	Report      *scaling.Report               `json:"report"`
	Performance *optimizer.PerformanceSummary `json:"performance,omitempty"`
}

// Comparison statuses for a single metric.
const (
	StatusImproved  = "improved"
	StatusRegressed = "regressed"
	StatusStable    = "stable"
)

// comparisonThreshold is the relative change below which a metric counts as
// stable.
const comparisonThreshold = 0.05

// MetricComparison is the baseline-versus-current verdict for one metric.
type MetricComparison struct {
	Metric        string  `json:"metric"`
	Baseline      float64 `json:"baseline"`
	Current       float64 `json:"current"`
	PercentChange float64 `json:"percent_change"`
	Status        string  `json:"status"`
}

// ComparisonReport summarizes how a current scalability report stacks up
// against a saved baseline.
type ComparisonReport struct {
	BaselineName      string             `json:"baseline_name"`
	BaselineID        string             `json:"baseline_id"`
	BaselineCreatedAt time.Time          `json:"baseline_created_at"`
	ComparedAt        time.Time          `json:"compared_at"`
	Metrics           []MetricComparison `json:"metrics"`
	Improved          int                `json:"improved"`
	Regressed         int                `json:"regressed"`
	Stable            int                `json:"stable"`
	Notes             []string           `json:"notes,omitempty"`
}

// String renders the comparison in a form suitable for terminal output.
func (r *ComparisonReport) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Baseline comparison: %s (saved %s)\n",
		r.BaselineName, r.BaselineCreatedAt.Format(time.RFC3339))
	for _, m := range r.Metrics {
		fmt.Fprintf(&b, "  %-28s %12.3f -> %12.3f  (%+.1f%%)  %s\n",
			m.Metric, m.Baseline, m.Current, m.PercentChange, m.Status)
	}
	fmt.Fprintf(&b, "Overall: %d improved, %d regressed, %d stable\n",
		r.Improved, r.Regressed, r.Stable)
	for _, note := range r.Notes {
		fmt.Fprintf(&b, "Note: %s\n", note)
	}

	return b.String()
}

// metricSpec pairs a metric with its improvement direction.
type metricSpec struct {
	name           string
	higherIsBetter bool
	baseline       float64
	current        float64
}

// compareReports scores the standard metric set of two scalability reports.
func compareReports(base *Baseline, current *scaling.Report) *ComparisonReport {
	report := &ComparisonReport{
		BaselineName:      base.Name,
		BaselineID:        base.ID,
		BaselineCreatedAt: base.CreatedAt,
		ComparedAt:        time.Now().UTC(),
	}

	specs := []metricSpec{
		{"avg_throughput_items_per_sec", true, mean(base.Report.Throughputs), mean(current.Throughputs)},
		{"avg_parallel_efficiency", true, mean(base.Report.Efficiencies), mean(current.Efficiencies)},
		{"avg_memory_delta_mb", false, mean(base.Report.MemoryUsages), mean(current.MemoryUsages)},
		{"avg_scaling_factor", false, base.Report.ScalingAnalysis.AvgScalingFactor, current.ScalingAnalysis.AvgScalingFactor},
	}

	for _, spec := range specs {
		comparison := scoreMetric(spec)
		report.Metrics = append(report.Metrics, comparison)
		switch comparison.Status {
		case StatusImproved:
			report.Improved++
		case StatusRegressed:
			report.Regressed++
		default:
			report.Stable++
		}
	}

	if !equalSizes(base.Report.InputSizes, current.InputSizes) {
		report.Notes = append(report.Notes,
			fmt.Sprintf("input sizes differ (baseline %v, current %v); metrics compared on averages",
				base.Report.InputSizes, current.InputSizes))
	}

	return report
}

func scoreMetric(spec metricSpec) MetricComparison {
	comparison := MetricComparison{
		Metric:   spec.name,
		Baseline: spec.baseline,
		Current:  spec.current,
		Status:   StatusStable,
	}

	var relative float64
	switch {
	case spec.baseline != 0:
		// Divide by the magnitude so a negative baseline (memory deltas can
		// shrink) keeps the sign of the change.
		relative = (spec.current - spec.baseline) / math.Abs(spec.baseline)
	case spec.current == 0:
		return comparison
	default:
		// A zero baseline cannot produce a ratio; saturate the change.
		relative = 1
		if spec.current < 0 {
			relative = -1
		}
	}
	comparison.PercentChange = relative * 100

	if relative > comparisonThreshold {
		comparison.Status = StatusRegressed
		if spec.higherIsBetter {
			comparison.Status = StatusImproved
		}
	} else if relative < -comparisonThreshold {
		comparison.Status = StatusImproved
		if spec.higherIsBetter {
			comparison.Status = StatusRegressed
		}
	}

	return comparison
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func equalSizes(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
