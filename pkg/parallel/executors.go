package parallel

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// hybridOuterPools caps how many chunks the hybrid executor dispatches
// concurrently. Inner pools divide the remaining worker budget.
const hybridOuterPools = 4

// executor runs fn over items with at most the given worker count. It
// returns results in item order and one cumulative busy duration per worker
// slot for efficiency accounting. The first item failure aborts the run:
// dispatch stops, in-flight items finish, and their results are discarded.
type executor interface {
	name() string
	run(ctx context.Context, items []interface{}, fn ProcessFunc, workers int) ([]interface{}, []time.Duration, error)
}

func newExecutor(level Level) (executor, error) {
	switch level {
	case LevelNone:
		return &sequentialExecutor{}, nil
	case LevelThreads:
		return &threadExecutor{}, nil
	case LevelProcesses:
		return &processExecutor{}, nil
	case LevelHybrid:
		return &hybridExecutor{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownLevel, int(level))
	}
}

// sequentialExecutor is the single-worker baseline.
type sequentialExecutor struct{}

func (e *sequentialExecutor) name() string { return LevelNone.String() }

func (e *sequentialExecutor) run(ctx context.Context, items []interface{}, fn ProcessFunc, workers int) ([]interface{}, []time.Duration, error) {
	results := make([]interface{}, len(items))
	busy := make([]time.Duration, 1)

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, busy, err
		}
		start := time.Now()
		result, err := fn(item)
		busy[0] += time.Since(start)
		if err != nil {
			return nil, busy, &ItemError{Index: i, Err: err}
		}
		results[i] = result
	}
	return results, busy, nil
}

type threadExecutor struct{}

func (e *threadExecutor) name() string { return LevelThreads.String() }

func (e *threadExecutor) run(ctx context.Context, items []interface{}, fn ProcessFunc, workers int) ([]interface{}, []time.Duration, error) {
	return runPool(ctx, items, fn, workers, false)
}

// processExecutor pins each worker to an OS thread and never exceeds
// GOMAXPROCS. Go cannot ship a closure to another OS process, so the
// process level maps onto thread-pinned workers sized to the core count.
type processExecutor struct{}

func (e *processExecutor) name() string { return LevelProcesses.String() }

func (e *processExecutor) run(ctx context.Context, items []interface{}, fn ProcessFunc, workers int) ([]interface{}, []time.Duration, error) {
	if limit := runtime.GOMAXPROCS(0); workers > limit {
		workers = limit
	}
	return runPool(ctx, items, fn, workers, true)
}

// hybridExecutor splits items into contiguous chunks processed concurrently,
// each chunk running its own inner pool. outer * inner never exceeds the
// worker budget.
type hybridExecutor struct{}

func (e *hybridExecutor) name() string { return LevelHybrid.String() }

func (e *hybridExecutor) run(ctx context.Context, items []interface{}, fn ProcessFunc, workers int) ([]interface{}, []time.Duration, error) {
	outer := hybridOuterPools
	if workers < outer {
		outer = workers
	}
	inner := workers / outer
	if inner < 1 {
		inner = 1
	}

	results := make([]interface{}, len(items))
	var busyMu sync.Mutex
	var busy []time.Duration

	chunk := (len(items) + outer - 1) / outer
	g, gctx := errgroup.WithContext(ctx)

	for start := 0; start < len(items); start += chunk {
		start := start
		end := start + chunk
		if end > len(items) {
			end = len(items)
		}

		g.Go(func() error {
			part, partBusy, err := runPool(gctx, items[start:end], fn, inner, false)
			busyMu.Lock()
			busy = append(busy, partBusy...)
			busyMu.Unlock()
			if err != nil {
				// Inner pools report chunk-relative indices.
				var itemErr *ItemError
				if errors.As(err, &itemErr) {
					return &ItemError{Index: start + itemErr.Index, Err: itemErr.Err}
				}
				return err
			}
			copy(results[start:end], part)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, busy, err
	}
	return results, busy, nil
}

// runPool drains items through a fixed set of worker goroutines fed by an
// index channel. The first failing item cancels the group: the feeder stops
// dispatching, live items run to completion, and the partially filled result
// slice is dropped. Each worker accumulates its own busy-time slot.
func runPool(ctx context.Context, items []interface{}, fn ProcessFunc, workers int, pinThreads bool) ([]interface{}, []time.Duration, error) {
	if workers > len(items) {
		workers = len(items)
	}
	if workers < 1 {
		workers = 1
	}

	results := make([]interface{}, len(items))
	busy := make([]time.Duration, workers)

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan int)

	g.Go(func() error {
		defer close(jobs)
		for i := range items {
			select {
			case jobs <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			if pinThreads {
				runtime.LockOSThread()
				defer runtime.UnlockOSThread()
			}
			for i := range jobs {
				start := time.Now()
				result, err := fn(items[i])
				busy[w] += time.Since(start)
				if err != nil {
					return &ItemError{Index: i, Err: err}
				}
				results[i] = result
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, busy, err
	}
	return results, busy, nil
}
