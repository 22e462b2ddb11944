package profiling

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func quietConfig() *Config {
	cfg := DefaultConfig()
	cfg.CollectDetailed = false
	return cfg
}

func TestProfileRecordsSuccess(t *testing.T) {
	profiler := NewProfiler(quietConfig())

	result, err := profiler.Profile("sleep_op", func() (interface{}, error) {
		time.Sleep(10 * time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected result \"ok\", got %v", result)
	}

	profiles := profiler.Snapshot()
	if len(profiles) != 1 {
		t.Fatalf("expected exactly 1 profile, got %d", len(profiles))
	}
	if profiles[0].OperationName != "sleep_op" {
		t.Errorf("expected operation name sleep_op, got %s", profiles[0].OperationName)
	}
	if profiles[0].Duration < 10*time.Millisecond {
		t.Errorf("expected duration >= 10ms, got %v", profiles[0].Duration)
	}
	if len(profiles[0].Errors) != 0 {
		t.Errorf("expected no errors, got %v", profiles[0].Errors)
	}
}

func TestProfileRecordsAndReturnsErrorUnchanged(t *testing.T) {
	profiler := NewProfiler(quietConfig())
	wantErr := errors.New("parse failed")

	result, err := profiler.Profile("failing_op", func() (interface{}, error) {
		return nil, wantErr
	})
	if result != nil {
		t.Errorf("expected nil result, got %v", result)
	}
	if err != wantErr {
		t.Fatalf("expected the identical error value back, got %v", err)
	}

	profiles := profiler.Snapshot()
	if len(profiles) != 1 {
		t.Fatalf("expected exactly 1 profile even on failure, got %d", len(profiles))
	}
	if len(profiles[0].Errors) == 0 {
		t.Fatalf("expected non-empty error list in profile")
	}
	if profiles[0].Errors[0] != wantErr.Error() {
		t.Errorf("expected recorded error %q, got %q", wantErr.Error(), profiles[0].Errors[0])
	}
}

func TestInstrumentWrapsWithSameBehavior(t *testing.T) {
	profiler := NewProfiler(quietConfig())

	calls := 0
	wrapped := profiler.Instrument("wrapped_op", func() (interface{}, error) {
		calls++
		return calls, nil
	})

	for i := 1; i <= 3; i++ {
		result, err := wrapped()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result != i {
			t.Errorf("expected result %d, got %v", i, result)
		}
	}

	report := profiler.Report()
	stats, ok := report.OperationStats["wrapped_op"]
	if !ok {
		t.Fatalf("expected stats for wrapped_op")
	}
	if stats.Count != 3 {
		t.Errorf("expected 3 recorded calls, got %d", stats.Count)
	}
}

func TestSlowOperationBottleneck(t *testing.T) {
	cfg := quietConfig()
	cfg.Thresholds.SlowOperation = 5 * time.Millisecond
	profiler := NewProfiler(cfg)

	profiler.Profile("slow_op", func() (interface{}, error) {
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	})

	bottlenecks := profiler.Bottlenecks()
	if len(bottlenecks) == 0 {
		t.Fatalf("expected a bottleneck for the slow operation")
	}
	found := false
	for _, b := range bottlenecks {
		if b.Type == BottleneckSlowOperation && b.Operation == "slow_op" {
			found = true
			if b.Value <= b.Threshold {
				t.Errorf("bottleneck value %f should exceed threshold %f", b.Value, b.Threshold)
			}
		}
	}
	if !found {
		t.Errorf("no slow_operation bottleneck found in %+v", bottlenecks)
	}
}

func TestErrorRateAlert(t *testing.T) {
	profiler := NewProfiler(quietConfig())

	for i := 0; i < 5; i++ {
		profiler.Profile("flaky_op", func() (interface{}, error) {
			return nil, fmt.Errorf("boom %d", i)
		})
	}

	alerts := profiler.Alerts()
	if len(alerts) == 0 {
		t.Fatalf("expected at least one alert for repeated failures")
	}
	if alerts[0].Type != "high_error_rate" {
		t.Errorf("expected high_error_rate alert, got %s", alerts[0].Type)
	}
	if alerts[0].ErrorRate <= DefaultThresholds().ErrorRate {
		t.Errorf("expected error rate above threshold, got %f", alerts[0].ErrorRate)
	}
}

func TestAlertDeduplication(t *testing.T) {
	gate := newAlertGate(time.Minute, 100, 100)

	if !gate.allow("high_error_rate", "op_a") {
		t.Fatalf("first alert should pass the gate")
	}
	if gate.allow("high_error_rate", "op_a") {
		t.Errorf("duplicate alert within window should be suppressed")
	}
	if !gate.allow("high_error_rate", "op_b") {
		t.Errorf("alert for a different operation should pass")
	}
}

func TestReportAggregates(t *testing.T) {
	profiler := NewProfiler(quietConfig())

	for i := 0; i < 4; i++ {
		profiler.Profile("op_a", func() (interface{}, error) { return nil, nil })
	}
	profiler.Profile("op_b", func() (interface{}, error) { return nil, errors.New("x") })

	report := profiler.Report()
	if report.Summary.TotalOperations != 5 {
		t.Errorf("expected 5 total operations, got %d", report.Summary.TotalOperations)
	}
	if report.Summary.TotalErrors != 1 {
		t.Errorf("expected 1 total error, got %d", report.Summary.TotalErrors)
	}
	if report.OperationStats["op_a"].Count != 4 {
		t.Errorf("expected 4 calls for op_a, got %d", report.OperationStats["op_a"].Count)
	}
	if report.OperationStats["op_b"].Errors != 1 {
		t.Errorf("expected 1 error for op_b, got %d", report.OperationStats["op_b"].Errors)
	}
	if report.Summary.AvgExecutionTime <= 0 {
		t.Errorf("expected positive average execution time")
	}
}

func TestResetClearsHistories(t *testing.T) {
	profiler := NewProfiler(quietConfig())

	profiler.Profile("op", func() (interface{}, error) { return nil, errors.New("x") })
	profiler.Reset()

	if got := len(profiler.Snapshot()); got != 0 {
		t.Errorf("expected empty profile history after reset, got %d", got)
	}
	report := profiler.Report()
	if report.Summary.TotalOperations != 0 {
		t.Errorf("expected zero operations after reset, got %d", report.Summary.TotalOperations)
	}
}

func TestConcurrentProfiling(t *testing.T) {
	profiler := NewProfiler(quietConfig())

	const goroutines = 8
	const callsPer = 25

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			name := fmt.Sprintf("op_%d", id%2)
			for i := 0; i < callsPer; i++ {
				profiler.Profile(name, func() (interface{}, error) { return id, nil })
			}
		}(g)
	}
	wg.Wait()

	if got := len(profiler.Snapshot()); got != goroutines*callsPer {
		t.Errorf("expected %d profiles, got %d", goroutines*callsPer, got)
	}
}

func TestErrorWindowRate(t *testing.T) {
	window := newErrorWindow(4)

	window.record(true)
	if got := window.rate(); got != 1.0 {
		t.Errorf("expected rate 1.0 after single failure, got %f", got)
	}

	window.record(false)
	window.record(false)
	window.record(false)
	if got := window.rate(); got != 0.25 {
		t.Errorf("expected rate 0.25, got %f", got)
	}

	// Ring wraps: oldest failure falls out of the window.
	window.record(false)
	if got := window.rate(); got != 0 {
		t.Errorf("expected rate 0 after failure aged out, got %f", got)
	}
}

func TestCollectSystemSnapshot(t *testing.T) {
	snapshot := CollectSystemSnapshot()

	if snapshot.CPUCount <= 0 {
		t.Errorf("expected positive cpu count, got %d", snapshot.CPUCount)
	}
	if snapshot.MemoryTotalGB <= 0 {
		t.Errorf("expected positive total memory, got %f", snapshot.MemoryTotalGB)
	}
	if snapshot.CollectedAt.IsZero() {
		t.Errorf("expected collection timestamp")
	}
}
