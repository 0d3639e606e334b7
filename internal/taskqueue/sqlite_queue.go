package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"docflow/pkg/api"
)

// SQLiteQueue is a persistent per-stage Queue backed by SQLite. Jobs survive
// process restarts. Delivered jobs stay in the table in a claimed state; a
// claim that outlives the visibility timeout becomes deliverable again, which
// is what makes the queue at-least-once rather than exactly-once.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
	visibility   time.Duration
}

// NewSQLiteQueue initializes the job table in the given DB and returns a new
// queue. visibility bounds how long a delivered job may stay unacked before
// redelivery; it should exceed the largest stage budget.
func NewSQLiteQueue(db *sql.DB, visibility time.Duration) (*SQLiteQueue, error) {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
		visibility:   visibility,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS stage_jobs (
			id TEXT PRIMARY KEY,
			stage TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'waiting',
			enqueued_at INTEGER NOT NULL,
			not_before INTEGER NOT NULL,
			deliveries INTEGER NOT NULL DEFAULT 0,
			claim_expires_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_stage_jobs_claim
			ON stage_jobs (stage, state, not_before);`,
	)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, j Job) error {
	now := time.Now()
	enqueuedAt := now
	if !j.EnqueuedAt.IsZero() {
		enqueuedAt = j.EnqueuedAt
	}
	notBefore := enqueuedAt
	if !j.NotBefore.IsZero() {
		notBefore = j.NotBefore
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO stage_jobs (id, stage, workflow_id, state, enqueued_at, not_before, deliveries)
		VALUES (?, ?, ?, 'waiting', ?, ?, ?)`,
		j.ID,
		string(j.Stage),
		j.WorkflowID,
		enqueuedAt.UnixNano(),
		notBefore.UnixNano(),
		j.Deliveries,
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context, stage api.Stage) (*Job, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		j, err := q.tryClaim(ctx, stage)
		if err != nil {
			return nil, err
		}
		if j != nil {
			return j, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *SQLiteQueue) tryClaim(ctx context.Context, stage api.Stage) (*Job, error) {
	now := time.Now()

	// Redeliver claims whose visibility window lapsed before picking a job.
	if _, err := q.db.ExecContext(ctx, `
		UPDATE stage_jobs
		SET state = 'waiting', claim_expires_at = 0
		WHERE stage = ? AND state = 'claimed' AND claim_expires_at <= ?`,
		string(stage), now.UnixNano(),
	); err != nil {
		return nil, err
	}

	row := q.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, enqueued_at, not_before, deliveries
		FROM stage_jobs
		WHERE stage = ? AND state = 'waiting' AND not_before <= ?
		ORDER BY not_before, enqueued_at
		LIMIT 1`,
		string(stage), now.UnixNano(),
	)

	var (
		id, workflowID        string
		enqueuedAt, notBefore int64
		deliveries            int
	)
	if err := row.Scan(&id, &workflowID, &enqueuedAt, &notBefore, &deliveries); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	// Claim conditionally: a concurrent consumer may have won the row.
	res, err := q.db.ExecContext(ctx, `
		UPDATE stage_jobs
		SET state = 'claimed', deliveries = deliveries + 1, claim_expires_at = ?
		WHERE id = ? AND state = 'waiting'`,
		now.Add(q.visibility).UnixNano(),
		id,
	)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, nil
	}

	return &Job{
		ID:         id,
		Stage:      stage,
		WorkflowID: workflowID,
		EnqueuedAt: time.Unix(0, enqueuedAt),
		NotBefore:  time.Unix(0, notBefore),
		Deliveries: deliveries + 1,
	}, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, j *Job) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM stage_jobs WHERE id = ? AND state = 'claimed'`, j.ID)
	return err
}

func (q *SQLiteQueue) Nack(ctx context.Context, j *Job, delay time.Duration) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE stage_jobs
		SET state = 'waiting', claim_expires_at = 0, not_before = ?
		WHERE id = ? AND state = 'claimed'`,
		time.Now().Add(delay).UnixNano(),
		j.ID,
	)
	return err
}

func (q *SQLiteQueue) Fail(ctx context.Context, j *Job) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE stage_jobs
		SET state = 'failed', claim_expires_at = 0
		WHERE id = ? AND state = 'claimed'`,
		j.ID,
	)
	return err
}

func (q *SQLiteQueue) Stats(ctx context.Context, stage api.Stage) (api.QueueStats, error) {
	now := time.Now().UnixNano()
	row := q.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN state = 'waiting' AND not_before <= ? THEN 1 END),
			COUNT(CASE WHEN state = 'waiting' AND not_before > ? THEN 1 END),
			COUNT(CASE WHEN state = 'claimed' THEN 1 END),
			COUNT(CASE WHEN state = 'failed' THEN 1 END)
		FROM stage_jobs
		WHERE stage = ?`,
		now, now, string(stage),
	)

	var stats api.QueueStats
	if err := row.Scan(&stats.Waiting, &stats.Delayed, &stats.Active, &stats.Failed); err != nil {
		return api.QueueStats{}, err
	}
	return stats, nil
}
