package autotune

import (
	"context"
	"errors"
	"testing"

	"github.com/TheEntropyCollective/autotune/pkg/optimizer"
	"github.com/TheEntropyCollective/autotune/pkg/parallel"
)

func ints(n int) []interface{} {
	items := make([]interface{}, n)
	for i := range items {
		items[i] = i
	}
	return items
}

func double(item interface{}) (interface{}, error) {
	return item.(int) * 2, nil
}

func TestNewDefaultsToStandard(t *testing.T) {
	opt, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if opt.Level() != Standard {
		t.Errorf("expected standard level, got %s", opt.Level())
	}
}

func TestNewWithLevel(t *testing.T) {
	opt, err := NewWithLevel(Aggressive)
	if err != nil {
		t.Fatalf("NewWithLevel: %v", err)
	}
	if opt.Level() != Aggressive {
		t.Errorf("expected aggressive level, got %s", opt.Level())
	}

	if _, err := NewWithLevel(Level(77)); !errors.Is(err, optimizer.ErrUnknownLevel) {
		t.Errorf("expected ErrUnknownLevel, got %v", err)
	}
}

func TestBatchProcess(t *testing.T) {
	results, err := BatchProcess(context.Background(), ints(120), double)
	if err != nil {
		t.Fatalf("BatchProcess: %v", err)
	}
	if len(results) != 120 {
		t.Fatalf("expected 120 results, got %d", len(results))
	}
	if results[5].(int) != 10 {
		t.Errorf("expected results[5] == 10, got %v", results[5])
	}

	opt, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if opt.BatchStatistics().TotalBatches == 0 {
		t.Error("expected batch activity in the shared optimizer")
	}
}

func TestParallelProcess(t *testing.T) {
	opt, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	prior := opt.ParallelStatistics().TotalOperations

	results, err := ParallelProcess(context.Background(), ints(40), double, parallel.LevelThreads)
	if err != nil {
		t.Fatalf("ParallelProcess: %v", err)
	}
	if len(results) != 40 {
		t.Fatalf("expected 40 results, got %d", len(results))
	}
	for i, result := range results {
		if result.(int) != i*2 {
			t.Fatalf("result %d: expected %d, got %v", i, i*2, result)
		}
	}

	if got := opt.ParallelStatistics().TotalOperations; got <= prior {
		t.Errorf("expected parallel operations to grow past %d, got %d", prior, got)
	}
}

func TestParallelProcessUnknownLevel(t *testing.T) {
	_, err := ParallelProcess(context.Background(), ints(4), double, parallel.Level(9))
	if !errors.Is(err, parallel.ErrUnknownLevel) {
		t.Fatalf("expected ErrUnknownLevel, got %v", err)
	}
}

func TestProfileOperation(t *testing.T) {
	value, err := ProfileOperation("facade_profile", func() (interface{}, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("ProfileOperation: %v", err)
	}
	if value.(int) != 42 {
		t.Errorf("expected 42, got %v", value)
	}

	summary, err := PerformanceSummary()
	if err != nil {
		t.Fatalf("PerformanceSummary: %v", err)
	}
	stats, ok := summary.PerformanceReport.OperationStats["facade_profile"]
	if !ok {
		t.Fatal("expected facade_profile in operation statistics")
	}
	if stats.Count < 1 {
		t.Errorf("expected at least one recorded execution, got %d", stats.Count)
	}
}

func TestRunScalabilityTest(t *testing.T) {
	report, err := RunScalabilityTest(context.Background(), []int{5, 10}, double, parallel.LevelNone)
	if err != nil {
		t.Fatalf("RunScalabilityTest: %v", err)
	}
	if report.TestCount != 2 {
		t.Errorf("expected 2 test points, got %d", report.TestCount)
	}
}
