package batching

import (
	"context"
	"errors"
	"fmt"
	"sync"
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

func TestProcessBatchesEmptyInput(t *testing.T) {
	processor, err := NewProcessor(DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create processor: %v", err)
	}

	results, err := processor.ProcessBatches(context.Background(), nil, doubler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected empty results, got %d", len(results))
	}

	stats := processor.Statistics()
	if stats.TotalBatches != 0 {
		t.Errorf("expected zero batches recorded, got %d", stats.TotalBatches)
	}
}

func TestProcessBatchesAdaptiveOrder(t *testing.T) {
	processor, err := NewProcessor(DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create processor: %v", err)
	}

	results, err := processor.ProcessBatches(context.Background(), intItems(200), doubler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 200 {
		t.Fatalf("expected 200 results, got %d", len(results))
	}
	for i, result := range results {
		if result != i*2 {
			t.Fatalf("result %d: expected %d, got %v", i, i*2, result)
		}
	}

	if len(processor.Metrics()) == 0 {
		t.Errorf("expected non-empty batch metric history")
	}
}

func TestProcessBatchesIsolatesItemFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = FixedSize
	cfg.InitialBatchSize = 4
	cfg.MinBatchSize = 1
	processor, err := NewProcessor(cfg)
	if err != nil {
		t.Fatalf("failed to create processor: %v", err)
	}

	failing := errors.New("bad item")
	results, err := processor.ProcessBatches(context.Background(), intItems(10), func(item interface{}) (interface{}, error) {
		if item.(int) == 5 {
			return nil, failing
		}
		return item.(int) * 2, nil
	})
	if err != nil {
		t.Fatalf("item failure must not abort the call: %v", err)
	}
	if len(results) != 9 {
		t.Fatalf("expected 9 results (one item skipped), got %d", len(results))
	}

	// Relative order of survivors is preserved; item 5 is simply absent.
	want := []int{0, 2, 4, 6, 8, 12, 14, 16, 18}
	for i, result := range results {
		if result != want[i] {
			t.Errorf("result %d: expected %d, got %v", i, want[i], result)
		}
	}

	stats := processor.Statistics()
	if stats.TotalErrors != 1 {
		t.Errorf("expected 1 recorded error, got %d", stats.TotalErrors)
	}
	if stats.TotalItemsProcessed != 9 {
		t.Errorf("expected 9 processed items, got %d", stats.TotalItemsProcessed)
	}
	wantRate := 9.0 / 10.0
	if stats.SuccessRate != wantRate {
		t.Errorf("expected success rate %f, got %f", wantRate, stats.SuccessRate)
	}
}

func TestFixedSizeNeverChanges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = FixedSize
	cfg.InitialBatchSize = 25
	processor, err := NewProcessor(cfg)
	if err != nil {
		t.Fatalf("failed to create processor: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := processor.ProcessBatches(context.Background(), intItems(120), doubler); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := processor.OptimalBatchSize(); got != 25 {
			t.Fatalf("fixed strategy changed batch size to %d after run %d", got, i)
		}
	}
}

func TestStatisticsIdempotent(t *testing.T) {
	processor, err := NewProcessor(DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create processor: %v", err)
	}

	if _, err := processor.ProcessBatches(context.Background(), intItems(50), doubler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first := processor.Statistics()
	second := processor.Statistics()
	if first != second {
		t.Errorf("statistics not idempotent:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestSingleItemFormsOneBatch(t *testing.T) {
	processor, err := NewProcessor(DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create processor: %v", err)
	}

	results, err := processor.ProcessBatches(context.Background(), []interface{}{21}, doubler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0] != 42 {
		t.Fatalf("expected [42], got %v", results)
	}
	if got := processor.Statistics().TotalBatches; got != 1 {
		t.Errorf("expected exactly one batch, got %d", got)
	}
}

func TestNewProcessorRejectsUnknownStrategy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = Strategy(99)

	_, err := NewProcessor(cfg)
	if !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
}

func TestNewProcessorRejectsInvalidBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 5
	cfg.MinBatchSize = 50

	if _, err := NewProcessor(cfg); err == nil {
		t.Fatalf("expected validation error for inverted bounds")
	}
}

func TestParseStrategy(t *testing.T) {
	cases := map[string]Strategy{
		"fixed":         FixedSize,
		"adaptive_size": AdaptiveSize,
		"memory":        MemoryBased,
		"TIME_BASED":    TimeBased,
	}
	for input, want := range cases {
		got, err := ParseStrategy(input)
		if err != nil {
			t.Errorf("ParseStrategy(%q): unexpected error %v", input, err)
		}
		if got != want {
			t.Errorf("ParseStrategy(%q) = %v, want %v", input, got, want)
		}
	}

	if _, err := ParseStrategy("quantum"); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("expected ErrUnknownStrategy for bogus name, got %v", err)
	}
}

func TestAdaptiveSizerGrowsOnImprovement(t *testing.T) {
	sizer := &adaptiveSizer{growthFactor: 1.2, shrinkFactor: 0.8, toleranceBand: 0.05}
	bounds := sizeBounds{min: 10, max: 1000}

	recent := []BatchMetrics{
		{Throughput: 100},
		{Throughput: 100},
		{Throughput: 200},
	}
	got := sizer.size(sizerState{optimal: 100, bounds: bounds, recent: recent})
	if got != 120 {
		t.Errorf("expected growth to 120, got %d", got)
	}
}

func TestAdaptiveSizerShrinksOnDegradation(t *testing.T) {
	sizer := &adaptiveSizer{growthFactor: 1.2, shrinkFactor: 0.8, toleranceBand: 0.05}
	bounds := sizeBounds{min: 10, max: 1000}

	recent := []BatchMetrics{
		{Throughput: 200},
		{Throughput: 200},
		{Throughput: 50},
	}
	got := sizer.size(sizerState{optimal: 100, bounds: bounds, recent: recent})
	if got != 80 {
		t.Errorf("expected shrink to 80, got %d", got)
	}
}

func TestAdaptiveSizerRespectsBounds(t *testing.T) {
	sizer := &adaptiveSizer{growthFactor: 1.2, shrinkFactor: 0.8, toleranceBand: 0.05}
	bounds := sizeBounds{min: 10, max: 110}

	growing := []BatchMetrics{{Throughput: 100}, {Throughput: 500}}
	if got := sizer.size(sizerState{optimal: 100, bounds: bounds, recent: growing}); got != 110 {
		t.Errorf("expected ceiling 110, got %d", got)
	}

	shrinking := []BatchMetrics{{Throughput: 500}, {Throughput: 10}}
	if got := sizer.size(sizerState{optimal: 12, bounds: bounds, recent: shrinking}); got != 10 {
		t.Errorf("expected floor 10, got %d", got)
	}
}

func TestTimeSizerAdjustsTowardTarget(t *testing.T) {
	sizer := &timeSizer{target: 100 * time.Millisecond}
	bounds := sizeBounds{min: 10, max: 1000}

	slow := []BatchMetrics{{Duration: 300 * time.Millisecond}}
	if got := sizer.size(sizerState{optimal: 100, bounds: bounds, recent: slow}); got != 50 {
		t.Errorf("expected halving to 50 for slow batches, got %d", got)
	}

	fast := []BatchMetrics{{Duration: 20 * time.Millisecond}}
	if got := sizer.size(sizerState{optimal: 100, bounds: bounds, recent: fast}); got != 200 {
		t.Errorf("expected doubling to 200 for fast batches, got %d", got)
	}

	onTarget := []BatchMetrics{{Duration: 100 * time.Millisecond}}
	if got := sizer.size(sizerState{optimal: 100, bounds: bounds, recent: onTarget}); got != 100 {
		t.Errorf("expected unchanged size for on-target batches, got %d", got)
	}
}

func TestMemorySizerUsesBudget(t *testing.T) {
	sizer := &memorySizer{
		memoryFraction:  0.5,
		memoryPerItemMB: 0.1,
		availableMB:     func() float64 { return 100 },
	}
	bounds := sizeBounds{min: 10, max: 1000}

	// 100MB available, 50% budget, 0.1MB per item estimate -> 500 items.
	if got := sizer.size(sizerState{optimal: 100, bounds: bounds}); got != 500 {
		t.Errorf("expected 500 from budget math, got %d", got)
	}

	// Observed cost overrides the estimate: 1MB per item -> 50 items.
	observed := []BatchMetrics{{ItemCount: 10, MemoryDeltaMB: 10}}
	if got := sizer.size(sizerState{optimal: 100, bounds: bounds, recent: observed}); got != 50 {
		t.Errorf("expected 50 from observed cost, got %d", got)
	}
}

func TestConcurrentProcessBatches(t *testing.T) {
	processor, err := NewProcessor(DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create processor: %v", err)
	}

	const callers = 6
	var wg sync.WaitGroup
	errCh := make(chan error, callers)
	for c := 0; c < callers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := processor.ProcessBatches(context.Background(), intItems(100), doubler)
			if err != nil {
				errCh <- err
				return
			}
			if len(results) != 100 {
				errCh <- fmt.Errorf("expected 100 results, got %d", len(results))
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}

	stats := processor.Statistics()
	if stats.TotalItemsProcessed != callers*100 {
		t.Errorf("expected %d processed items, got %d", callers*100, stats.TotalItemsProcessed)
	}
}

func BenchmarkProcessBatches(b *testing.B) {
	batchSizes := []int{10, 100, 500}
	items := intItems(1000)

	for _, size := range batchSizes {
		b.Run(fmt.Sprintf("BatchSize-%d", size), func(b *testing.B) {
			cfg := DefaultConfig()
			cfg.Strategy = FixedSize
			cfg.InitialBatchSize = size
			cfg.MinBatchSize = 1
			processor, err := NewProcessor(cfg)
			if err != nil {
				b.Fatalf("failed to create processor: %v", err)
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := processor.ProcessBatches(context.Background(), items, doubler); err != nil {
					b.Fatalf("unexpected error: %v", err)
				}
			}
		})
	}
}
