package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"generation-executor/internal/config"
)

// Lane separates fresh submissions from resumed invocations. Resumed jobs are
// dequeued first so started work finishes before new work begins.
type Lane string

const (
	LaneResume Lane = "resume"
	LaneNew    Lane = "new"
)

var lanes = []Lane{LaneResume, LaneNew}

// RedisQueue carries invocation triggers (job ids) through ready lists, a
// scheduled set for delayed re-invocation, and an in-flight set of leases.
type RedisQueue struct {
	client        *redis.Client
	prefix        string
	visibilityTTL time.Duration
	now           func() time.Time
}

// NewRedisClient builds the shared Redis client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func NewRedisQueue(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility <= 0 {
		visibility = 15 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		prefix:        "genq",
		visibilityTTL: visibility,
		now:           time.Now,
	}
}

func (q *RedisQueue) readyKey(l Lane) string       { return fmt.Sprintf("%s:ready:%s", q.prefix, l) }
func (q *RedisQueue) inflightKey() string          { return q.prefix + ":inflight" }
func (q *RedisQueue) scheduledKey() string         { return q.prefix + ":scheduled" }
func (q *RedisQueue) metaKey(jobID string) string { return q.prefix + ":meta:" + jobID }

// Enqueue makes a job ready for an immediate invocation.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, lane Lane) error {
	if lane == "" {
		lane = LaneNew
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "lane", string(lane))
	pipe.ZRem(ctx, q.scheduledKey(), jobID)
	pipe.LRem(ctx, q.readyKey(lane), 0, jobID)
	pipe.RPush(ctx, q.readyKey(lane), jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule defers the next invocation of a job until runAt.
func (q *RedisQueue) Schedule(ctx context.Context, jobID string, lane Lane, runAt time.Time) error {
	if lane == "" {
		lane = LaneResume
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "lane", string(lane))
	pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into their ready lists and returns
// how many moved.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.due(ctx, q.scheduledKey(), now, limit)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey(), id)
		pipe.RPush(ctx, q.readyKey(q.laneOf(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops the next job id (resume lane first) and leases it for
// the visibility timeout. An empty id means nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(lanes)+1)
	for _, l := range lanes {
		keys = append(keys, q.readyKey(l))
	}
	keys = append(keys, q.inflightKey())

	res, err := dequeueScript.Run(ctx, q.client, keys, q.now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline of an in-flight job forward.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey(), redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack releases the lease and forgets the job's queue metadata.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Release drops the lease but keeps metadata, for a job about to be
// rescheduled.
func (q *RedisQueue) Release(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.inflightKey(), jobID).Err()
}

// Failures increments and returns the count of consecutive invocation errors.
func (q *RedisQueue) Failures(ctx context.Context, jobID string) (int, error) {
	n, err := q.client.HIncrBy(ctx, q.metaKey(jobID), "failures", 1).Result()
	return int(n), err
}

// ResetFailures clears the invocation error count after a clean invocation.
func (q *RedisQueue) ResetFailures(ctx context.Context, jobID string) error {
	return q.client.HDel(ctx, q.metaKey(jobID), "failures").Err()
}

// RequeueExpired reclaims leases whose worker went away and makes the jobs
// ready again on the resume lane.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.due(ctx, q.inflightKey(), now, limit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey(), id)
		pipe.RPush(ctx, q.readyKey(LaneResume), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes every trace of a job from the queue.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	for _, l := range lanes {
		pipe.LRem(ctx, q.readyKey(l), 0, jobID)
	}
	pipe.ZRem(ctx, q.inflightKey(), jobID)
	pipe.ZRem(ctx, q.scheduledKey(), jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// ReadyDepth returns the total length of the ready lists.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(lanes))
	for _, l := range lanes {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(l)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

func (q *RedisQueue) due(ctx context.Context, key string, now time.Time, limit int64) ([]string, error) {
	return q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
}

func (q *RedisQueue) laneOf(ctx context.Context, jobID string) Lane {
	lane, err := q.client.HGet(ctx, q.metaKey(jobID), "lane").Result()
	if err != nil || lane == "" {
		return LaneResume
	}
	return Lane(lane)
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)
