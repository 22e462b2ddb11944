package scaling

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/TheEntropyCollective/autotune/pkg/parallel"
)

func identity(item interface{}) (interface{}, error) {
	return item, nil
}

func TestAnalyzeScalabilityEchoesSizes(t *testing.T) {
	analyzer, err := NewAnalyzer(DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create analyzer: %v", err)
	}

	sizes := []int{10, 50, 100}
	report, err := analyzer.AnalyzeScalability(context.Background(), sizes, identity)
	if err != nil {
		t.Fatalf("analysis failed: %v", err)
	}

	if report.TestCount != 3 {
		t.Errorf("expected test count 3, got %d", report.TestCount)
	}
	for i, size := range sizes {
		if report.InputSizes[i] != size {
			t.Errorf("input size %d: expected %d, got %d", i, size, report.InputSizes[i])
		}
	}
	if len(report.Throughputs) != 3 || len(report.Efficiencies) != 3 || len(report.MemoryUsages) != 3 {
		t.Errorf("per-size slices not aligned with test count: %d/%d/%d",
			len(report.Throughputs), len(report.Efficiencies), len(report.MemoryUsages))
	}
	for i, eff := range report.Efficiencies {
		if eff < 0 || eff > 1 {
			t.Errorf("efficiency %d outside [0,1]: %f", i, eff)
		}
	}
	if len(report.Metrics) != 3 {
		t.Errorf("expected 3 metric records, got %d", len(report.Metrics))
	}
}

func TestAnalyzeScalabilityRejectsBadSizes(t *testing.T) {
	analyzer, err := NewAnalyzer(DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create analyzer: %v", err)
	}

	cases := [][]int{
		nil,
		{},
		{10, 10},
		{10, 5},
		{0, 10},
		{-5, 10},
	}
	for _, sizes := range cases {
		if _, err := analyzer.AnalyzeScalability(context.Background(), sizes, identity); !errors.Is(err, ErrInvalidInputSizes) {
			t.Errorf("sizes %v: expected ErrInvalidInputSizes, got %v", sizes, err)
		}
	}
}

func TestAnalyzeScalabilityFlagsSlowWork(t *testing.T) {
	analyzer, err := NewAnalyzer(&Config{
		Level:      parallel.LevelNone,
		Thresholds: DefaultThresholds(),
	})
	if err != nil {
		t.Fatalf("failed to create analyzer: %v", err)
	}

	report, err := analyzer.AnalyzeScalability(context.Background(), []int{5, 10}, func(item interface{}) (interface{}, error) {
		time.Sleep(2 * time.Millisecond)
		return item, nil
	})
	if err != nil {
		t.Fatalf("analysis failed: %v", err)
	}

	for i, m := range report.Metrics {
		if !containsString(m.Bottlenecks, "processing_time") {
			t.Errorf("step %d: expected processing_time bottleneck, got %v", i, m.Bottlenecks)
		}
	}

	found := false
	for _, rec := range report.Recommendations {
		if strings.Contains(rec, "hot path") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected hot-path recommendation, got %v", report.Recommendations)
	}
}

func TestAnalyzeScalabilityAbortsOnError(t *testing.T) {
	analyzer, err := NewAnalyzer(DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create analyzer: %v", err)
	}

	boom := errors.New("boom")
	_, err = analyzer.AnalyzeScalability(context.Background(), []int{10, 20}, func(item interface{}) (interface{}, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped boom error, got %v", err)
	}

	if got := len(analyzer.Metrics()); got != 0 {
		t.Errorf("expected no metrics recorded from failed first step, got %d", got)
	}
}

func TestAnalyzeScalabilityHonorsContext(t *testing.T) {
	analyzer, err := NewAnalyzer(DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create analyzer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := analyzer.AnalyzeScalability(ctx, []int{10, 20}, identity); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewAnalyzerRejectsUnknownLevel(t *testing.T) {
	_, err := NewAnalyzer(&Config{Level: parallel.Level(9)})
	if !errors.Is(err, parallel.ErrUnknownLevel) {
		t.Fatalf("expected ErrUnknownLevel, got %v", err)
	}
}

func TestCustomInputGenerator(t *testing.T) {
	analyzer, err := NewAnalyzer(&Config{
		Level: parallel.LevelThreads,
		InputGenerator: func(size int) []interface{} {
			items := make([]interface{}, size)
			for i := range items {
				items[i] = strings.Repeat("x", i%8)
			}
			return items
		},
	})
	if err != nil {
		t.Fatalf("failed to create analyzer: %v", err)
	}

	report, err := analyzer.AnalyzeScalability(context.Background(), []int{4, 8}, func(item interface{}) (interface{}, error) {
		return len(item.(string)), nil
	})
	if err != nil {
		t.Fatalf("analysis failed: %v", err)
	}
	if report.TestCount != 2 {
		t.Errorf("expected 2 tests, got %d", report.TestCount)
	}
}

func TestMetricsAccumulateAcrossRunsUntilReset(t *testing.T) {
	analyzer, err := NewAnalyzer(DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create analyzer: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := analyzer.AnalyzeScalability(context.Background(), []int{5, 10, 20}, identity); err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
	}
	if got := len(analyzer.Metrics()); got != 6 {
		t.Errorf("expected 6 accumulated metrics, got %d", got)
	}

	analyzer.Reset()
	if got := len(analyzer.Metrics()); got != 0 {
		t.Errorf("expected empty history after reset, got %d", got)
	}
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
