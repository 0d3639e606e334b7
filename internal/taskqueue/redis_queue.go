package taskqueue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"docflow/pkg/api"
)

// RedisQueue implements Queue on Redis. Per stage it keeps:
//
//	<prefix><stage>:waiting  LIST of job IDs ready for delivery
//	<prefix><stage>:delayed  ZSET of job IDs scored by not-before (unix nanos)
//	<prefix><stage>:claimed  ZSET of job IDs scored by claim expiry
//	<prefix><stage>:jobs     HASH job ID → gob-encoded Job
//	<prefix><stage>:failed   counter of terminally failed jobs
//
// Dequeue promotes due delayed jobs and reclaims expired claims before
// popping, so a crashed worker's job reappears after the visibility window.
type RedisQueue struct {
	client     *redis.Client
	prefix     string
	poll       time.Duration
	visibility time.Duration
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "docflow:").
func NewRedisQueue(client *redis.Client, prefix string, visibility time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = "docflow:"
	}
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &RedisQueue{
		client:     client,
		prefix:     prefix,
		poll:       100 * time.Millisecond,
		visibility: visibility,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) keyWaiting(s api.Stage) string { return q.prefix + string(s) + ":waiting" }
func (q *RedisQueue) keyDelayed(s api.Stage) string { return q.prefix + string(s) + ":delayed" }
func (q *RedisQueue) keyClaimed(s api.Stage) string { return q.prefix + string(s) + ":claimed" }
func (q *RedisQueue) keyJobs(s api.Stage) string    { return q.prefix + string(s) + ":jobs" }
func (q *RedisQueue) keyFailed(s api.Stage) string  { return q.prefix + string(s) + ":failed" }

func (q *RedisQueue) Enqueue(ctx context.Context, j Job) error {
	now := time.Now()
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = now
	}
	if j.NotBefore.IsZero() {
		j.NotBefore = j.EnqueuedAt
	}

	data, err := EncodeJob(j)
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.keyJobs(j.Stage), j.ID, data)
	if j.NotBefore.After(now) {
		pipe.ZAdd(ctx, q.keyDelayed(j.Stage), redis.Z{
			Score:  float64(j.NotBefore.UnixNano()),
			Member: j.ID,
		})
	} else {
		pipe.LPush(ctx, q.keyWaiting(j.Stage), j.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Dequeue(ctx context.Context, stage api.Stage) (*Job, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if err := q.promoteDue(ctx, stage); err != nil {
			return nil, err
		}
		if err := q.reclaimExpired(ctx, stage); err != nil {
			return nil, err
		}

		// Short-blocking pop so promotion keeps running while idle.
		res, err := q.client.BRPop(ctx, q.poll, q.keyWaiting(stage)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		if len(res) != 2 {
			continue
		}
		id := res[1]

		data, err := q.client.HGet(ctx, q.keyJobs(stage), id).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Job payload vanished (acked concurrently); skip.
				continue
			}
			return nil, err
		}

		j, err := DecodeJob(data)
		if err != nil {
			return nil, err
		}
		j.Deliveries++

		updated, err := EncodeJob(*j)
		if err != nil {
			return nil, err
		}

		pipe := q.client.TxPipeline()
		pipe.HSet(ctx, q.keyJobs(stage), id, updated)
		pipe.ZAdd(ctx, q.keyClaimed(stage), redis.Z{
			Score:  float64(time.Now().Add(q.visibility).UnixNano()),
			Member: id,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}

		return j, nil
	}
}

// promoteDue moves delayed jobs whose not-before has passed into the waiting
// list.
func (q *RedisQueue) promoteDue(ctx context.Context, stage api.Stage) error {
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	ids, err := q.client.ZRangeByScore(ctx, q.keyDelayed(stage), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.keyDelayed(stage), id)
		pipe.LPush(ctx, q.keyWaiting(stage), id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// reclaimExpired returns jobs whose claim outlived the visibility window to
// the waiting list.
func (q *RedisQueue) reclaimExpired(ctx context.Context, stage api.Stage) error {
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	ids, err := q.client.ZRangeByScore(ctx, q.keyClaimed(stage), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.keyClaimed(stage), id)
		pipe.LPush(ctx, q.keyWaiting(stage), id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Ack(ctx context.Context, j *Job) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.keyClaimed(j.Stage), j.ID)
	pipe.HDel(ctx, q.keyJobs(j.Stage), j.ID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Nack(ctx context.Context, j *Job, delay time.Duration) error {
	notBefore := time.Now().Add(delay)

	updated := *j
	updated.NotBefore = notBefore
	data, err := EncodeJob(updated)
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.keyClaimed(j.Stage), j.ID)
	pipe.HSet(ctx, q.keyJobs(j.Stage), j.ID, data)
	pipe.ZAdd(ctx, q.keyDelayed(j.Stage), redis.Z{
		Score:  float64(notBefore.UnixNano()),
		Member: j.ID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Fail(ctx context.Context, j *Job) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.keyClaimed(j.Stage), j.ID)
	pipe.HDel(ctx, q.keyJobs(j.Stage), j.ID)
	pipe.Incr(ctx, q.keyFailed(j.Stage))
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Stats(ctx context.Context, stage api.Stage) (api.QueueStats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.keyWaiting(stage))
	delayed := pipe.ZCard(ctx, q.keyDelayed(stage))
	claimed := pipe.ZCard(ctx, q.keyClaimed(stage))
	failed := pipe.Get(ctx, q.keyFailed(stage))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return api.QueueStats{}, err
	}

	stats := api.QueueStats{
		Waiting: int(waiting.Val()),
		Delayed: int(delayed.Val()),
		Active:  int(claimed.Val()),
	}
	if n, err := strconv.Atoi(failed.Val()); err == nil {
		stats.Failed = n
	}
	return stats, nil
}
