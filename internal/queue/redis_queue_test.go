package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, time.Minute), mr
}

func TestDequeuePrefersResumeLane(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "fresh", LaneNew))
	require.NoError(t, q.Enqueue(ctx, "resumed", LaneResume))
	require.NoError(t, q.Enqueue(ctx, "fresh", LaneNew))

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, depth, "enqueue is idempotent per lane")

	first, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "resumed", first)

	second, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh", second)

	none, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestScheduleAndPromote(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	now := time.Now()

	require.NoError(t, q.Schedule(ctx, "job-1", LaneResume, now.Add(2*time.Second)))

	n, err := q.PromoteScheduled(ctx, now, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.PromoteScheduled(ctx, now.Add(3*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
}

func TestExpiredLeasesAreRequeued(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "job-1", LaneNew))
	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-1", id)

	reclaimed, err := q.RequeueExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed, "lease still valid")

	reclaimed, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, reclaimed)

	id, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
}

func TestExtendLeaseOnlyTouchesLeasedJobs(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	require.NoError(t, q.ExtendLease(ctx, "ghost", time.Hour))
	assert.False(t, mr.Exists(q.inflightKey()))

	require.NoError(t, q.Enqueue(ctx, "job-1", LaneNew))
	_, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NoError(t, q.ExtendLease(ctx, "job-1", time.Hour))

	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(30*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
}

func TestFailuresAndAck(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	n, err := q.Failures(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, _ = q.Failures(ctx, "job-1")
	assert.Equal(t, 2, n)

	require.NoError(t, q.ResetFailures(ctx, "job-1"))
	n, _ = q.Failures(ctx, "job-1")
	assert.Equal(t, 1, n)

	require.NoError(t, q.Ack(ctx, "job-1"))
	assert.False(t, mr.Exists(q.metaKey("job-1")))
}

func TestCancelRemovesEverywhere(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "a", LaneNew))
	require.NoError(t, q.Schedule(ctx, "b", LaneResume, time.Now().Add(time.Hour)))
	require.NoError(t, q.Enqueue(ctx, "c", LaneNew))
	_, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Cancel(ctx, id))
	}
	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	n, err := q.PromoteScheduled(ctx, time.Now().Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
}
