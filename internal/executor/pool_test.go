package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type stopAfter struct {
	n     int64
	calls atomic.Int64
}

func (s *stopAfter) ShouldStop(context.Context) bool {
	return s.calls.Add(1) > s.n
}

func TestRunPoolProcessesEveryUnitOnce(t *testing.T) {
	var mu sync.Mutex
	seen := map[int]int{}
	var active, peak atomic.Int64

	res := RunPool(context.Background(), []int{1, 2, 3, 4, 5, 6, 7}, 3, nil, func(_ context.Context, v int) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)

		mu.Lock()
		seen[v]++
		mu.Unlock()
		if v%3 == 0 {
			return errors.New("boom")
		}
		return nil
	})

	assert.Equal(t, 7, res.Processed)
	assert.Equal(t, 5, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	assert.EqualError(t, res.LastError, "boom")
	assert.LessOrEqual(t, peak.Load(), int64(3))
	for v := 1; v <= 7; v++ {
		assert.Equal(t, 1, seen[v], "variation %d", v)
	}
}

func TestRunPoolStopsClaiming(t *testing.T) {
	var calls atomic.Int64
	res := RunPool(context.Background(), []int{1, 2, 3, 4, 5}, 1, &stopAfter{n: 2}, func(context.Context, int) error {
		calls.Add(1)
		return nil
	})
	assert.Equal(t, 2, res.Processed)
	assert.EqualValues(t, 2, calls.Load())
}

func TestRunPoolEmpty(t *testing.T) {
	res := RunPool(context.Background(), nil, 3, nil, func(context.Context, int) error {
		t.Fatal("unit should not run")
		return nil
	})
	assert.Equal(t, PoolResult{}, res)
}
