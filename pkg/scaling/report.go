package scaling

import "sort"

// Scaling classifications, from cheapest to worst. The class is derived from
// the average ratio of time growth to size growth between consecutive steps:
// a ratio of 1 means time grows exactly as fast as input.
const (
	ScalingSubLinear   = "sub-linear"
	ScalingLinear      = "linear"
	ScalingSuperLinear = "super-linear"
	ScalingExponential = "exponential"
	ScalingUnknown     = "unknown"
)

// ScalingAnalysis classifies the observed scaling law.
type ScalingAnalysis struct {
	AvgScalingFactor float64   `json:"avg_scaling_factor"`
	ScalingType      string    `json:"scaling_type"`
	ScalingFactors   []float64 `json:"scaling_factors"`
}

// Report is the outcome of one AnalyzeScalability run. Slice fields echo the
// tested sizes in order.
type Report struct {
	TestCount       int                  `json:"test_count"`
	InputSizes      []int                `json:"input_sizes"`
	Throughputs     []float64            `json:"throughputs"`
	Efficiencies    []float64            `json:"efficiencies"`
	MemoryUsages    []float64            `json:"memory_usages_mb"`
	ScalingAnalysis ScalingAnalysis      `json:"scaling_analysis"`
	Recommendations []string             `json:"recommendations"`
	Metrics         []ScalabilityMetrics `json:"metrics"`
}

func buildReport(metrics []ScalabilityMetrics) *Report {
	report := &Report{
		TestCount:       len(metrics),
		InputSizes:      make([]int, len(metrics)),
		Throughputs:     make([]float64, len(metrics)),
		Efficiencies:    make([]float64, len(metrics)),
		MemoryUsages:    make([]float64, len(metrics)),
		Metrics:         metrics,
		Recommendations: make([]string, 0),
	}
	for i, m := range metrics {
		report.InputSizes[i] = m.InputSize
		report.Throughputs[i] = m.Throughput
		report.Efficiencies[i] = m.Efficiency
		report.MemoryUsages[i] = m.MemoryDeltaMB
	}

	report.ScalingAnalysis = analyzeScaling(metrics)
	report.Recommendations = aggregateRecommendations(metrics)

	// Super-linear growth is itself a systemic bottleneck: contention is
	// growing faster than the data.
	if report.ScalingAnalysis.AvgScalingFactor >= 1.2 && report.ScalingAnalysis.ScalingType != ScalingUnknown {
		report.Recommendations = appendUnique(report.Recommendations,
			"processing time grows faster than input size; redesign the algorithm or shard the input")
	}

	return report
}

// analyzeScaling computes per-step scaling factors and the overall class.
// factor(i) = (time_i / time_i-1) / (size_i / size_i-1). Steps with an
// unmeasurably small previous duration are skipped.
func analyzeScaling(metrics []ScalabilityMetrics) ScalingAnalysis {
	analysis := ScalingAnalysis{
		ScalingType:    ScalingUnknown,
		ScalingFactors: make([]float64, 0),
	}

	for i := 1; i < len(metrics); i++ {
		prev, cur := metrics[i-1], metrics[i]
		if prev.Duration <= 0 || prev.InputSize <= 0 {
			continue
		}
		timeGrowth := float64(cur.Duration) / float64(prev.Duration)
		sizeGrowth := float64(cur.InputSize) / float64(prev.InputSize)
		analysis.ScalingFactors = append(analysis.ScalingFactors, timeGrowth/sizeGrowth)
	}

	if len(analysis.ScalingFactors) == 0 {
		return analysis
	}

	var total float64
	for _, f := range analysis.ScalingFactors {
		total += f
	}
	analysis.AvgScalingFactor = total / float64(len(analysis.ScalingFactors))

	switch {
	case analysis.AvgScalingFactor < 0.8:
		analysis.ScalingType = ScalingSubLinear
	case analysis.AvgScalingFactor < 1.2:
		analysis.ScalingType = ScalingLinear
	case analysis.AvgScalingFactor < 2.0:
		analysis.ScalingType = ScalingSuperLinear
	default:
		analysis.ScalingType = ScalingExponential
	}
	return analysis
}

// aggregateRecommendations returns the remedies seen in at least half of the
// tested sizes, most frequent first. Ties keep first-seen order.
func aggregateRecommendations(metrics []ScalabilityMetrics) []string {
	counts := make(map[string]int)
	order := make([]string, 0)

	for _, m := range metrics {
		seen := make(map[string]bool)
		for _, rec := range m.Recommendations {
			if seen[rec] {
				continue
			}
			seen[rec] = true
			if counts[rec] == 0 {
				order = append(order, rec)
			}
			counts[rec]++
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})

	out := make([]string, 0, len(order))
	for _, rec := range order {
		if counts[rec]*2 >= len(metrics) {
			out = append(out, rec)
		}
	}
	return out
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}
