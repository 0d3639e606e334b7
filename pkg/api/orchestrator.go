package api

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInstanceNotFound is returned when a workflow instance does not exist.
	ErrInstanceNotFound = errors.New("workflow instance not found")

	// ErrStageConflict is returned by StartStage when the instance is no
	// longer at the stage a job was enqueued for. Workers treat it as a stale
	// redelivery and drop the job.
	ErrStageConflict = errors.New("instance not at expected stage")

	// ErrLocked is returned by StartStage when another worker holds a live
	// lock on the instance.
	ErrLocked = errors.New("instance locked by another worker")

	// ErrTerminal is returned by StartStage for instances that already
	// completed or failed.
	ErrTerminal = errors.New("instance in terminal state")
)

// StageLease is a worker's permission to execute one stage attempt. It is
// backed by the instance's lock token; the lease is dead once Deadline passes.
type StageLease struct {
	Instance *WorkflowInstance
	Stage    Stage
	// Attempt is 1-based and includes this attempt.
	Attempt int
	Token   string
	// Deadline is the stage budget allocated for this attempt.
	Deadline time.Time
}

// QueueStats is the operational snapshot for one stage queue.
type QueueStats struct {
	Waiting int
	Active  int
	Delayed int
	Failed  int
}

// Orchestrator owns stage transition logic, duplicate-workflow suppression
// and failure classification. It is the only component that transitions the
// workflow state store.
type Orchestrator interface {
	// Admit registers a unit of work. If a live instance already exists for
	// sourceUploadID its workflowID is returned (and, if the instance is
	// stalled on an expired lock, its current stage is re-enqueued).
	// Otherwise a new instance is created and the first stage is enqueued.
	Admit(ctx context.Context, sourceUploadID string, payload *Payload) (workflowID string, err error)

	// StartStage acquires the instance lock for one attempt of the given
	// stage, advances received → first stage on initial entry, increments the
	// stage's attempt count and returns the lease. Stale or duplicate jobs
	// surface ErrStageConflict / ErrLocked / ErrTerminal.
	StartStage(ctx context.Context, workflowID string, stage Stage) (*StageLease, error)

	// ReportOutcome applies an executor verdict for the given lease.
	// Transitions are idempotent per (workflow, stage, attempt); reports for
	// an already-advanced stage are discarded silently.
	ReportOutcome(ctx context.Context, lease *StageLease, outcome Outcome) error

	// GetStatus returns the read-only status projection for a workflow.
	GetStatus(ctx context.Context, workflowID string) (StatusView, error)

	// QueueStats returns per-stage queue depths. No side effects.
	QueueStats(ctx context.Context) (map[Stage]QueueStats, error)

	// ListWorkflows returns instances matching opts, for status inspection.
	ListWorkflows(ctx context.Context, opts InstanceListOptions) ([]*WorkflowInstance, error)

	// SweepStaleLocks clears expired locks on active instances and re-enqueues
	// their current stage, exactly once per stalled instance. It returns the
	// number of instances recovered.
	SweepStaleLocks(ctx context.Context) (int, error)
}
