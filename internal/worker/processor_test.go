package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"generation-executor/internal/config"
	"generation-executor/internal/executor"
	"generation-executor/internal/models"
	"generation-executor/internal/queue"
)

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b50 := backoffWithJitter(base, max, 50)
	if b50 < max/2 || b50 > max {
		t.Fatalf("backoff not capped: %s", b50)
	}
}

type scriptedRunner struct {
	mu      sync.Mutex
	calls   []string
	results map[string]executor.Result
	errs    map[string]error
}

func (r *scriptedRunner) ProcessGenerationJob(_ context.Context, jobID string, _ executor.Options) (executor.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, jobID)
	if err := r.errs[jobID]; err != nil {
		return executor.Result{}, err
	}
	return r.results[jobID], nil
}

func newTestProcessor(t *testing.T, runner Runner) (*Processor, *queue.RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.NewRedisQueue(client, time.Minute)
	cfg := config.Config{
		ScheduledBatchSize: 10,
		ResumeDelay:        2 * time.Second,
		BackoffInitial:     time.Second,
		BackoffMax:         time.Minute,
		WorkerPollInterval: 10 * time.Millisecond,
	}
	return NewProcessor(cfg, q, runner, zerolog.Nop(), "w-1"), q, mr
}

func TestTickAcksTerminalJob(t *testing.T) {
	runner := &scriptedRunner{results: map[string]executor.Result{
		"job-1": {JobID: "job-1", Status: models.StatusCompleted, Completed: 3},
	}}
	p, q, mr := newTestProcessor(t, runner)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "job-1", queue.LaneNew))

	handled, err := p.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, []string{"job-1"}, runner.calls)

	inflight, _ := mr.ZMembers("genq:inflight")
	assert.Empty(t, inflight)
	assert.False(t, mr.Exists("genq:scheduled"))
}

func TestTickReschedulesRunningJob(t *testing.T) {
	runner := &scriptedRunner{results: map[string]executor.Result{
		"job-1": {JobID: "job-1", Status: models.StatusRunning, Processed: 15},
	}}
	p, q, mr := newTestProcessor(t, runner)
	now := time.Now()
	p.now = func() time.Time { return now }
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "job-1", queue.LaneNew))

	_, err := p.Tick(ctx)
	require.NoError(t, err)

	score, err := mr.ZScore("genq:scheduled", "job-1")
	require.NoError(t, err)
	assert.Equal(t, float64(now.Add(2*time.Second).UnixMilli()), score)
	inflight, _ := mr.ZMembers("genq:inflight")
	assert.Empty(t, inflight)

	// Once due, the job comes back on the resume lane.
	p.now = func() time.Time { return now.Add(3 * time.Second) }
	handled, err := p.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, []string{"job-1", "job-1"}, runner.calls)
}

func TestTickBacksOffOnError(t *testing.T) {
	runner := &scriptedRunner{errs: map[string]error{"job-1": errors.New("db unavailable")}}
	p, q, mr := newTestProcessor(t, runner)
	now := time.Now()
	p.now = func() time.Time { return now }
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "job-1", queue.LaneNew))

	_, err := p.Tick(ctx)
	require.NoError(t, err)

	score, err := mr.ZScore("genq:scheduled", "job-1")
	require.NoError(t, err)
	delay := time.Duration(int64(score)-now.UnixMilli()) * time.Millisecond
	assert.GreaterOrEqual(t, delay, 500*time.Millisecond)
	assert.LessOrEqual(t, delay, time.Second)
	assert.Equal(t, "1", mr.HGet("genq:meta:job-1", "failures"))
}

func TestTickDropsMissingJob(t *testing.T) {
	runner := &scriptedRunner{errs: map[string]error{"ghost": executor.ErrJobNotFound}}
	p, q, mr := newTestProcessor(t, runner)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "ghost", queue.LaneNew))

	_, err := p.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, mr.Exists("genq:scheduled"))
	assert.False(t, mr.Exists("genq:meta:ghost"))
}

func TestTickIdle(t *testing.T) {
	p, _, _ := newTestProcessor(t, &scriptedRunner{})
	handled, err := p.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestRunStopsOnCancel(t *testing.T) {
	p, _, _ := newTestProcessor(t, &scriptedRunner{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
