package taskqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"docflow/pkg/api"
)

// InMemoryQueue is a goroutine-safe Queue backed by per-stage slices and
// maps. Delivered jobs become invisible until acked or nacked; a claim that
// outlives the visibility timeout is redelivered, which gives the same
// at-least-once semantics as the durable backends.
type InMemoryQueue struct {
	mu         sync.Mutex
	stages     map[api.Stage]*memoryStage
	poll       time.Duration
	visibility time.Duration
}

type memoryStage struct {
	waiting []Job
	active  map[string]memoryClaim
	failed  int
}

type memoryClaim struct {
	job       Job
	expiresAt time.Time
}

// NewInMemoryQueue creates an InMemoryQueue. visibility bounds how long a
// delivered job may stay unacked before it is redelivered; it should exceed
// the largest stage budget.
func NewInMemoryQueue(visibility time.Duration) *InMemoryQueue {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &InMemoryQueue{
		stages:     make(map[api.Stage]*memoryStage),
		poll:       20 * time.Millisecond,
		visibility: visibility,
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) stage(s api.Stage) *memoryStage {
	st, ok := q.stages[s]
	if !ok {
		st = &memoryStage{active: make(map[string]memoryClaim)}
		q.stages[s] = st
	}
	return st
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, j Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = time.Now()
	}
	if j.NotBefore.IsZero() {
		j.NotBefore = j.EnqueuedAt
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.stage(j.Stage)
	st.waiting = append(st.waiting, j)
	sort.SliceStable(st.waiting, func(a, b int) bool {
		return st.waiting[a].NotBefore.Before(st.waiting[b].NotBefore)
	})
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, stage api.Stage) (*Job, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if j := q.tryClaim(stage); j != nil {
			return j, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.poll):
		}
	}
}

func (q *InMemoryQueue) tryClaim(stage api.Stage) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	st := q.stage(stage)

	// Redeliver claims whose visibility window lapsed.
	for id, claim := range st.active {
		if !claim.expiresAt.After(now) {
			st.waiting = append(st.waiting, claim.job)
			delete(st.active, id)
		}
	}

	for i, j := range st.waiting {
		if j.NotBefore.After(now) {
			continue
		}
		st.waiting = append(st.waiting[:i], st.waiting[i+1:]...)
		j.Deliveries++
		st.active[j.ID] = memoryClaim{job: j, expiresAt: now.Add(q.visibility)}
		claimed := j
		return &claimed
	}
	return nil
}

func (q *InMemoryQueue) Ack(ctx context.Context, j *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.stage(j.Stage).active, j.ID)
	return nil
}

func (q *InMemoryQueue) Nack(ctx context.Context, j *Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.stage(j.Stage)
	claim, ok := st.active[j.ID]
	if !ok {
		return nil
	}
	delete(st.active, j.ID)

	claim.job.NotBefore = time.Now().Add(delay)
	st.waiting = append(st.waiting, claim.job)
	return nil
}

func (q *InMemoryQueue) Fail(ctx context.Context, j *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.stage(j.Stage)
	if _, ok := st.active[j.ID]; ok {
		delete(st.active, j.ID)
		st.failed++
	}
	return nil
}

func (q *InMemoryQueue) Stats(ctx context.Context, stage api.Stage) (api.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	st := q.stage(stage)

	stats := api.QueueStats{
		Active: len(st.active),
		Failed: st.failed,
	}
	for _, j := range st.waiting {
		if j.NotBefore.After(now) {
			stats.Delayed++
		} else {
			stats.Waiting++
		}
	}
	return stats, nil
}
