package taskqueue

import (
	"context"
	"time"

	"docflow/pkg/api"
)

// Job is one unit of stage work: "run this stage for this workflow".
// The carry-forward payload is not transported through the queue; workers
// load it from the instance store under the stage lock.
type Job struct {
	ID         string
	Stage      api.Stage
	WorkflowID string

	EnqueuedAt time.Time

	// NotBefore is the earliest time this job may be delivered. Zero means
	// "immediately". Backoff delays are implemented with this field.
	NotBefore time.Time

	// Deliveries counts how many times this job has been handed to a worker,
	// including the current delivery. It is maintained by the queue.
	Deliveries int
}

// Queue is a per-stage, at-least-once work queue. A job may be delivered
// more than once (for example after a worker crash mid-processing); the
// orchestrator's idempotent transition check is the correctness backstop,
// not the queue.
type Queue interface {
	// Enqueue adds a job for its stage. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, j Job) error

	// Dequeue blocks until a job for the given stage is deliverable or the
	// context is cancelled. A delivered job is invisible to other consumers
	// until acked, nacked, failed, or its claim expires.
	Dequeue(ctx context.Context, stage api.Stage) (*Job, error)

	// Ack removes a delivered job permanently.
	Ack(ctx context.Context, j *Job) error

	// Nack returns a delivered job to the queue, not to be redelivered
	// before the given delay elapses.
	Nack(ctx context.Context, j *Job, delay time.Duration) error

	// Fail removes a delivered job and records it in the failed count.
	Fail(ctx context.Context, j *Job) error

	// Stats returns the queue depths for one stage.
	Stats(ctx context.Context, stage api.Stage) (api.QueueStats, error)
}
