package executor

import (
	"context"
	"sync"
	"sync/atomic"
)

// Stopper is consulted before each claim.
type Stopper interface {
	ShouldStop(ctx context.Context) bool
}

// UnitFunc produces one variation; a nil error counts as success.
type UnitFunc func(ctx context.Context, variation int) error

// PoolResult aggregates one pool run.
type PoolResult struct {
	Processed int
	Succeeded int
	Failed    int
	LastError error
}

// RunPool drives work across min(parallelism, len(work)) workers that share
// one claim cursor. A worker stops claiming once stop says so; the unit it is
// running still finishes. Unit errors are counted, never propagated.
func RunPool(ctx context.Context, work []int, parallelism int, stop Stopper, unit UnitFunc) PoolResult {
	if len(work) == 0 {
		return PoolResult{}
	}
	if parallelism < 1 {
		parallelism = 1
	}
	if parallelism > len(work) {
		parallelism = len(work)
	}

	var (
		cursor    atomic.Int64
		succeeded atomic.Int64
		failed    atomic.Int64
		mu        sync.Mutex
		lastErr   error
		wg        sync.WaitGroup
	)

	for i := 0; i < parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if stop != nil && stop.ShouldStop(ctx) {
					return
				}
				idx := cursor.Add(1) - 1
				if idx >= int64(len(work)) {
					return
				}
				if err := unit(ctx, work[idx]); err != nil {
					failed.Add(1)
					mu.Lock()
					lastErr = err
					mu.Unlock()
					continue
				}
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	s, f := int(succeeded.Load()), int(failed.Load())
	return PoolResult{
		Processed: s + f,
		Succeeded: s,
		Failed:    f,
		LastError: lastErr,
	}
}
