package parallel

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"testing"
	"time"
)

func doubler(item interface{}) (interface{}, error) {
	return item.(int) * 2, nil
}

func intItems(n int) []interface{} {
	items := make([]interface{}, n)
	for i := range items {
		items[i] = i
	}
	return items
}

func newLevelProcessor(t *testing.T, level Level) *Processor {
	t.Helper()
	processor, err := NewProcessor(&Config{Level: level, MaxWorkers: runtime.NumCPU()})
	if err != nil {
		t.Fatalf("failed to create %s processor: %v", level, err)
	}
	return processor
}

func TestSequentialAndThreadsAgree(t *testing.T) {
	items := intItems(50)

	sequential := newLevelProcessor(t, LevelNone)
	threaded := newLevelProcessor(t, LevelThreads)

	seqResults, err := sequential.ExecuteParallel(context.Background(), items, doubler)
	if err != nil {
		t.Fatalf("sequential execution failed: %v", err)
	}
	thrResults, err := threaded.ExecuteParallel(context.Background(), items, doubler)
	if err != nil {
		t.Fatalf("threaded execution failed: %v", err)
	}

	if len(seqResults) != len(thrResults) {
		t.Fatalf("result lengths differ: %d vs %d", len(seqResults), len(thrResults))
	}
	for i := range seqResults {
		if seqResults[i] != thrResults[i] {
			t.Fatalf("result %d differs: %v vs %v", i, seqResults[i], thrResults[i])
		}
	}
}

func TestAllLevelsReturnEveryResult(t *testing.T) {
	levels := []Level{LevelNone, LevelThreads, LevelProcesses, LevelHybrid}
	items := intItems(40)

	for _, level := range levels {
		t.Run(level.String(), func(t *testing.T) {
			processor := newLevelProcessor(t, level)

			results, err := processor.ExecuteParallel(context.Background(), items, doubler)
			if err != nil {
				t.Fatalf("execution failed: %v", err)
			}
			if len(results) != len(items) {
				t.Fatalf("expected %d results, got %d", len(items), len(results))
			}
			for i, result := range results {
				if result != i*2 {
					t.Fatalf("result %d: expected %d, got %v", i, i*2, result)
				}
			}

			metrics := processor.Metrics()
			if len(metrics) != 1 {
				t.Fatalf("expected 1 metric record, got %d", len(metrics))
			}
			m := metrics[0]
			if m.Level != level.String() {
				t.Errorf("metric level: expected %s, got %s", level, m.Level)
			}
			if m.Efficiency < 0 || m.Efficiency > 1 {
				t.Errorf("efficiency %f outside [0,1]", m.Efficiency)
			}
			if m.LoadBalance < 0 || m.LoadBalance > 1 {
				t.Errorf("load balance %f outside [0,1]", m.LoadBalance)
			}
			if m.ItemCount != len(items) {
				t.Errorf("item count: expected %d, got %d", len(items), m.ItemCount)
			}
		})
	}
}

func TestThreadsDoubleRange(t *testing.T) {
	processor := newLevelProcessor(t, LevelThreads)

	results, err := processor.ExecuteParallel(context.Background(), intItems(20), doubler)
	if err != nil {
		t.Fatalf("execution failed: %v", err)
	}
	for i, result := range results {
		if result != i*2 {
			t.Fatalf("result %d: expected %d, got %v", i, i*2, result)
		}
	}

	metrics := processor.Metrics()
	if len(metrics) != 1 {
		t.Fatalf("expected 1 metric record, got %d", len(metrics))
	}
	if eff := metrics[0].Efficiency; eff < 0 || eff > 1 {
		t.Errorf("efficiency %f outside [0,1]", eff)
	}
}

func TestIndexStableUnderUnevenLatency(t *testing.T) {
	processor := newLevelProcessor(t, LevelThreads)

	// Earlier items sleep longer, so completion order inverts input order.
	items := intItems(16)
	results, err := processor.ExecuteParallel(context.Background(), items, func(item interface{}) (interface{}, error) {
		n := item.(int)
		time.Sleep(time.Duration(len(items)-n) * time.Millisecond)
		return n * 10, nil
	})
	if err != nil {
		t.Fatalf("execution failed: %v", err)
	}
	for i, result := range results {
		if result != i*10 {
			t.Fatalf("result %d: expected %d, got %v", i, i*10, result)
		}
	}
}

func TestFailFastAbortsRun(t *testing.T) {
	processor, err := NewProcessor(&Config{Level: LevelThreads, MaxWorkers: 2})
	if err != nil {
		t.Fatalf("failed to create processor: %v", err)
	}

	boom := errors.New("boom")
	var executed int64
	results, err := processor.ExecuteParallel(context.Background(), intItems(50), func(item interface{}) (interface{}, error) {
		atomic.AddInt64(&executed, 1)
		return nil, boom
	})

	if err == nil {
		t.Fatalf("expected error from failing items")
	}
	if results != nil {
		t.Errorf("expected nil results on abort, got %d entries", len(results))
	}
	if !errors.Is(err, boom) {
		t.Errorf("error chain lost the item error: %v", err)
	}
	var itemErr *ItemError
	if !errors.As(err, &itemErr) {
		t.Fatalf("expected ItemError in chain, got %T", err)
	}

	// The first failure cancels dispatch; most items never run.
	if n := atomic.LoadInt64(&executed); n >= 50 {
		t.Errorf("expected cancelled dispatch to skip items, all %d ran", n)
	}

	// The aborted run is still recorded.
	if stats := processor.Statistics(); stats.TotalOperations != 1 {
		t.Errorf("expected 1 recorded operation, got %d", stats.TotalOperations)
	}
}

func TestFailFastReportsFailingIndex(t *testing.T) {
	levels := []Level{LevelNone, LevelThreads, LevelProcesses, LevelHybrid}
	boom := errors.New("boom")

	for _, level := range levels {
		t.Run(level.String(), func(t *testing.T) {
			processor := newLevelProcessor(t, level)

			_, err := processor.ExecuteParallel(context.Background(), intItems(20), func(item interface{}) (interface{}, error) {
				if item.(int) == 10 {
					return nil, boom
				}
				return item, nil
			})
			if err == nil {
				t.Fatalf("expected error")
			}

			var itemErr *ItemError
			if !errors.As(err, &itemErr) {
				t.Fatalf("expected ItemError, got %T", err)
			}
			if itemErr.Index != 10 {
				t.Errorf("expected failing index 10, got %d", itemErr.Index)
			}
			if !errors.Is(err, boom) {
				t.Errorf("expected wrapped boom error, got %v", err)
			}
		})
	}
}

func TestEmptyInputRecordsNothing(t *testing.T) {
	processor := newLevelProcessor(t, LevelThreads)

	results, err := processor.ExecuteParallel(context.Background(), nil, doubler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected empty results, got %d", len(results))
	}
	if stats := processor.Statistics(); stats.TotalOperations != 0 {
		t.Errorf("expected no recorded operations, got %d", stats.TotalOperations)
	}
}

func TestContextCancellationStopsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, level := range []Level{LevelNone, LevelThreads} {
		t.Run(level.String(), func(t *testing.T) {
			processor := newLevelProcessor(t, level)

			_, err := processor.ExecuteParallel(ctx, intItems(100), doubler)
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("expected context.Canceled, got %v", err)
			}
		})
	}
}

func TestNewProcessorRejectsUnknownLevel(t *testing.T) {
	_, err := NewProcessor(&Config{Level: Level(42)})
	if !errors.Is(err, ErrUnknownLevel) {
		t.Fatalf("expected ErrUnknownLevel, got %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"none":       LevelNone,
		"sequential": LevelNone,
		"THREADS":    LevelThreads,
		"processes":  LevelProcesses,
		"hybrid":     LevelHybrid,
	}
	for input, want := range cases {
		got, err := ParseLevel(input)
		if err != nil {
			t.Errorf("ParseLevel(%q): unexpected error %v", input, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}

	if _, err := ParseLevel("quantum"); !errors.Is(err, ErrUnknownLevel) {
		t.Errorf("expected ErrUnknownLevel for bogus name, got %v", err)
	}
}

func TestStatisticsIdempotent(t *testing.T) {
	processor := newLevelProcessor(t, LevelThreads)

	if _, err := processor.ExecuteParallel(context.Background(), intItems(30), doubler); err != nil {
		t.Fatalf("execution failed: %v", err)
	}

	first := processor.Statistics()
	second := processor.Statistics()
	if first != second {
		t.Errorf("statistics not idempotent:\nfirst:  %+v\nsecond: %+v", first, second)
	}
	if first.TotalOperations != 1 {
		t.Errorf("expected 1 operation, got %d", first.TotalOperations)
	}
	if first.MaxWorkers != runtime.NumCPU() {
		t.Errorf("expected max workers %d, got %d", runtime.NumCPU(), first.MaxWorkers)
	}
}

func TestResetClearsMetrics(t *testing.T) {
	processor := newLevelProcessor(t, LevelThreads)

	if _, err := processor.ExecuteParallel(context.Background(), intItems(10), doubler); err != nil {
		t.Fatalf("execution failed: %v", err)
	}
	processor.Reset()

	if stats := processor.Statistics(); stats.TotalOperations != 0 {
		t.Errorf("expected cleared history, got %d operations", stats.TotalOperations)
	}
	if metrics := processor.Metrics(); len(metrics) != 0 {
		t.Errorf("expected no metrics after reset, got %d", len(metrics))
	}
}

func TestEfficiencyFrom(t *testing.T) {
	busy := []time.Duration{40 * time.Millisecond, 40 * time.Millisecond}
	if got := efficiencyFrom(busy, 80*time.Millisecond); got != 0.5 {
		t.Errorf("expected efficiency 0.5, got %f", got)
	}
	if got := efficiencyFrom(busy, 40*time.Millisecond); got != 1 {
		t.Errorf("expected perfect efficiency, got %f", got)
	}
	// Measurement noise can make busy time exceed wall time; clamp wins.
	if got := efficiencyFrom(busy, time.Millisecond); got != 1 {
		t.Errorf("expected clamp to 1, got %f", got)
	}
	if got := efficiencyFrom(nil, time.Second); got != 1 {
		t.Errorf("expected 1 for empty busy slice, got %f", got)
	}
}

func TestLoadBalanceFrom(t *testing.T) {
	even := []time.Duration{time.Second, time.Second, time.Second}
	if got := loadBalanceFrom(even); got != 1 {
		t.Errorf("expected perfect balance 1, got %f", got)
	}

	// One busy and one idle worker: cv == 1, balance == 0.5.
	skewed := []time.Duration{100 * time.Millisecond, 0}
	if got := loadBalanceFrom(skewed); got != 0.5 {
		t.Errorf("expected balance 0.5, got %f", got)
	}

	if got := loadBalanceFrom([]time.Duration{time.Second}); got != 1 {
		t.Errorf("expected 1 for single worker, got %f", got)
	}
}

func TestCommunicationOverheadPerLevel(t *testing.T) {
	cases := map[Level]float64{
		LevelNone:      0,
		LevelThreads:   0.05,
		LevelProcesses: 0.15,
		LevelHybrid:    0.10,
	}
	for level, want := range cases {
		if got := level.communicationOverhead(); got != want {
			t.Errorf("%s overhead: expected %f, got %f", level, want, got)
		}
	}
}

func BenchmarkExecuteParallelLevels(b *testing.B) {
	items := intItems(500)
	work := func(item interface{}) (interface{}, error) {
		n := item.(int)
		sum := 0
		for i := 0; i < 1000; i++ {
			sum += n * i
		}
		return sum, nil
	}

	for _, level := range []Level{LevelNone, LevelThreads, LevelProcesses, LevelHybrid} {
		b.Run(level.String(), func(b *testing.B) {
			processor, err := NewProcessor(&Config{Level: level, MaxWorkers: runtime.NumCPU()})
			if err != nil {
				b.Fatalf("failed to create processor: %v", err)
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := processor.ExecuteParallel(context.Background(), items, work); err != nil {
					b.Fatalf("execution failed: %v", err)
				}
			}
		})
	}
}

func BenchmarkExecuteParallelWorkerCounts(b *testing.B) {
	items := intItems(500)
	workerCounts := []int{1, 2, 4, 8, runtime.NumCPU()}

	for _, workerCount := range workerCounts {
		b.Run(fmt.Sprintf("Workers-%d", workerCount), func(b *testing.B) {
			processor, err := NewProcessor(&Config{Level: LevelThreads, MaxWorkers: workerCount})
			if err != nil {
				b.Fatalf("failed to create processor: %v", err)
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := processor.ExecuteParallel(context.Background(), items, doubler); err != nil {
					b.Fatalf("execution failed: %v", err)
				}
			}
		})
	}
}
