// Package orchestrator owns stage transition logic, duplicate-workflow
// suppression and failure handling. It is the only writer of the workflow
// state store; executors and workers act strictly through leases and
// reported outcomes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"docflow/internal/budget"
	"docflow/internal/persistence"
	"docflow/internal/taskqueue"
	"docflow/pkg/api"
)

// Config describes how to construct an Engine.
type Config struct {
	Store    persistence.InstanceStore
	Queue    taskqueue.Queue
	Budget   *budget.Manager
	Observer api.Observer

	// LockTTL is the slack a stage lock outlives its budget by. A worker
	// that crashes without reporting holds the instance for at most
	// stage budget + LockTTL before the sweep recovers it.
	LockTTL time.Duration

	// MaxAttempts caps attempts per stage; missing stages default to 3.
	MaxAttempts map[api.Stage]int

	// BaseBackoff seeds the exponential retry delay (base × 2^(attempt-1)).
	BaseBackoff time.Duration
	// RateLimitBackoff replaces BaseBackoff for rate-limited faults.
	RateLimitBackoff time.Duration
	// MaxBackoff caps the computed delay.
	MaxBackoff time.Duration
}

const defaultMaxAttempts = 3

// Engine implements api.Orchestrator.
type Engine struct {
	store    persistence.InstanceStore
	queue    taskqueue.Queue
	budget   *budget.Manager
	observer api.Observer

	lockTTL          time.Duration
	maxAttempts      map[api.Stage]int
	baseBackoff      time.Duration
	rateLimitBackoff time.Duration
	maxBackoff       time.Duration
}

// Ensure Engine implements the interface.
var _ api.Orchestrator = (*Engine)(nil)

// New creates an Engine from the given configuration.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("orchestrator: instance store is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("orchestrator: stage queue is required")
	}

	e := &Engine{
		store:            cfg.Store,
		queue:            cfg.Queue,
		budget:           cfg.Budget,
		observer:         cfg.Observer,
		lockTTL:          cfg.LockTTL,
		maxAttempts:      cfg.MaxAttempts,
		baseBackoff:      cfg.BaseBackoff,
		rateLimitBackoff: cfg.RateLimitBackoff,
		maxBackoff:       cfg.MaxBackoff,
	}
	if e.budget == nil {
		e.budget = budget.New(budget.Config{})
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.lockTTL <= 0 {
		e.lockTTL = 2 * time.Minute
	}
	if e.baseBackoff <= 0 {
		e.baseBackoff = 2 * time.Second
	}
	if e.rateLimitBackoff <= 0 {
		e.rateLimitBackoff = 15 * time.Second
	}
	if e.maxBackoff <= 0 {
		e.maxBackoff = 2 * time.Minute
	}
	return e, nil
}

func (e *Engine) stageMaxAttempts(stage api.Stage) int {
	if n, ok := e.maxAttempts[stage]; ok && n > 0 {
		return n
	}
	return defaultMaxAttempts
}

// Admit registers one unit of work. One upload produces at most one live
// workflow: a retriggered upload event attaches to the existing instance
// instead of spawning a parallel pipeline.
func (e *Engine) Admit(ctx context.Context, sourceUploadID string, payload *api.Payload) (string, error) {
	if sourceUploadID == "" {
		return "", errors.New("orchestrator: source upload id is required")
	}

	live, err := e.store.FindLiveBySource(ctx, sourceUploadID)
	if err == nil {
		if err := e.recoverIfStalled(ctx, live); err != nil {
			return "", err
		}
		e.observer.OnAdmitted(ctx, live, true)
		return live.ID, nil
	}
	if !errors.Is(err, api.ErrInstanceNotFound) {
		return "", err
	}

	now := time.Now()
	inst := &api.WorkflowInstance{
		ID:             uuid.NewString(),
		SourceUploadID: sourceUploadID,
		Stage:          api.StageReceived,
		Status:         api.StatusPending,
		AttemptCounts:  map[api.Stage]int{},
		CreatedAt:      now,
		UpdatedAt:      now,
		StageStartedAt: now,
		Payload:        payload,
	}

	if err := e.store.CreateInstance(ctx, inst); err != nil {
		if errors.Is(err, persistence.ErrDuplicateUpload) {
			// Lost a concurrent admission race; attach to the winner.
			winner, ferr := e.store.FindLiveBySource(ctx, sourceUploadID)
			if ferr != nil {
				return "", ferr
			}
			e.observer.OnAdmitted(ctx, winner, true)
			return winner.ID, nil
		}
		return "", err
	}

	if err := e.enqueueStage(ctx, inst.ID, api.PipelineStages[0], 0); err != nil {
		return "", fmt.Errorf("enqueue first stage: %w", err)
	}

	e.observer.OnAdmitted(ctx, inst, false)
	return inst.ID, nil
}

// recoverIfStalled re-enqueues the current stage of an instance whose lock
// expired while active. The conditional clear makes the re-enqueue happen at
// most once even when admission races with the periodic sweep.
func (e *Engine) recoverIfStalled(ctx context.Context, inst *api.WorkflowInstance) error {
	if inst.Status != api.StatusActive || inst.LockToken == "" {
		return nil
	}
	now := time.Now()
	if inst.LockExpiresAt.After(now) {
		return nil
	}

	cleared, err := e.store.ClearExpiredLock(ctx, inst.ID, inst.LockToken, now)
	if err != nil || !cleared {
		return err
	}
	if err := e.enqueueStage(ctx, inst.ID, inst.Stage, 0); err != nil {
		return err
	}
	e.observer.OnLockRecovered(ctx, inst, inst.Stage)
	return nil
}

// StartStage acquires the instance lock for one stage attempt and hands the
// worker a lease bounded by the stage's time budget.
func (e *Engine) StartStage(ctx context.Context, workflowID string, stage api.Stage) (*api.StageLease, error) {
	if !stage.Executable() {
		return nil, fmt.Errorf("stage %q is not executable", stage)
	}

	inst, err := e.store.GetInstance(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if inst.Status == api.StatusCompleted || inst.Status == api.StatusFailed {
		return nil, api.ErrTerminal
	}

	// A redelivered job for a stage the instance already left is stale.
	expect := inst.Stage
	if inst.Stage == api.StageReceived {
		if stage != api.PipelineStages[0] {
			return nil, api.ErrStageConflict
		}
	} else if inst.Stage != stage {
		return nil, api.ErrStageConflict
	}

	now := time.Now()
	stageBudget := e.budget.StageBudget(stage, now.Sub(inst.CreatedAt))

	token := uuid.NewString()
	lockTTL := stageBudget + e.lockTTL
	acquired, err := e.store.TryAcquireLock(ctx, workflowID, token, lockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, api.ErrLocked
	}

	inst.Stage = stage
	inst.Status = api.StatusActive
	inst.StageStartedAt = now
	inst.LockToken = token
	inst.LockExpiresAt = now.Add(lockTTL)
	if inst.AttemptCounts == nil {
		inst.AttemptCounts = map[api.Stage]int{}
	}
	inst.AttemptCounts[stage]++

	if err := e.store.UpdateInstance(ctx, inst, expect); err != nil {
		_ = e.store.ReleaseLock(ctx, workflowID, token)
		if errors.Is(err, persistence.ErrStageConflict) {
			return nil, api.ErrStageConflict
		}
		return nil, err
	}

	e.observer.OnStageStart(ctx, inst, stage, inst.AttemptCounts[stage])

	return &api.StageLease{
		Instance: inst.Clone(),
		Stage:    stage,
		Attempt:  inst.AttemptCounts[stage],
		Token:    token,
		Deadline: now.Add(stageBudget),
	}, nil
}

// ReportOutcome applies an executor verdict. Stale reports, including
// redeliveries for an already-advanced stage and reports whose lock was
// swept away, are discarded silently.
func (e *Engine) ReportOutcome(ctx context.Context, lease *api.StageLease, outcome api.Outcome) error {
	if lease == nil {
		return errors.New("orchestrator: nil lease")
	}

	inst, err := e.store.GetInstance(ctx, lease.Instance.ID)
	if err != nil {
		return err
	}
	if inst.Status == api.StatusCompleted || inst.Status == api.StatusFailed {
		return nil
	}
	if inst.Stage != lease.Stage || inst.LockToken != lease.Token {
		return nil
	}

	now := time.Now()
	duration := now.Sub(inst.StageStartedAt)
	defer e.observer.OnStageCompleted(ctx, inst, lease.Stage, lease.Attempt, outcome, duration)

	switch outcome.Kind {
	case api.OutcomeSuccess:
		return e.applySuccess(ctx, inst, lease, outcome, now)

	case api.OutcomeRetryable:
		if inst.Attempts(lease.Stage) >= e.stageMaxAttempts(lease.Stage) {
			return e.applyFatal(ctx, inst, lease, outcome, now)
		}
		return e.applyRetry(ctx, inst, lease, outcome, now)

	case api.OutcomeFatal:
		return e.applyFatal(ctx, inst, lease, outcome, now)

	default:
		return fmt.Errorf("unknown outcome kind: %s", outcome.Kind)
	}
}

func (e *Engine) applySuccess(ctx context.Context, inst *api.WorkflowInstance, lease *api.StageLease, outcome api.Outcome, now time.Time) error {
	next, ok := lease.Stage.Next()
	if !ok {
		return fmt.Errorf("stage %q has no successor", lease.Stage)
	}

	if outcome.Payload != nil {
		inst.Payload = outcome.Payload
	}
	// Confidence is written exactly once, by the extraction stage.
	if lease.Stage == api.StageExtracting && inst.Confidence == nil && outcome.Payload != nil {
		c := clampConfidence(outcome.Payload.Confidence)
		inst.Confidence = &c
	}

	inst.Stage = next
	inst.StageStartedAt = now
	inst.LockToken = ""
	inst.LockExpiresAt = time.Time{}
	if next == api.StageCompleted {
		inst.Status = api.StatusCompleted
	}

	if err := e.store.UpdateInstance(ctx, inst, lease.Stage); err != nil {
		if errors.Is(err, persistence.ErrStageConflict) {
			// A concurrent duplicate already applied this transition.
			return nil
		}
		return err
	}

	if next == api.StageCompleted {
		e.observer.OnWorkflowCompleted(ctx, inst)
		return nil
	}
	return e.enqueueStage(ctx, inst.ID, next, 0)
}

func (e *Engine) applyRetry(ctx context.Context, inst *api.WorkflowInstance, lease *api.StageLease, outcome api.Outcome, now time.Time) error {
	delay := e.backoffDelay(outcome.Reason, inst.Attempts(lease.Stage))

	inst.LockToken = ""
	inst.LockExpiresAt = time.Time{}

	if err := e.store.UpdateInstance(ctx, inst, lease.Stage); err != nil {
		if errors.Is(err, persistence.ErrStageConflict) {
			return nil
		}
		return err
	}

	if err := e.enqueueStage(ctx, inst.ID, lease.Stage, delay); err != nil {
		return err
	}
	e.observer.OnRetryScheduled(ctx, inst, lease.Stage, lease.Attempt, delay)
	return nil
}

func (e *Engine) applyFatal(ctx context.Context, inst *api.WorkflowInstance, lease *api.StageLease, outcome api.Outcome, now time.Time) error {
	reason := outcome.Reason
	if reason == "" {
		reason = api.FaultTransient
	}
	message := "stage " + string(lease.Stage) + " failed"
	if outcome.Err != nil {
		message = outcome.Err.Error()
	}

	inst.Stage = api.StageFailed
	inst.Status = api.StatusFailed
	inst.TerminalError = &api.TerminalError{Kind: reason, Message: message}
	inst.LockToken = ""
	inst.LockExpiresAt = time.Time{}

	if err := e.store.UpdateInstance(ctx, inst, lease.Stage); err != nil {
		if errors.Is(err, persistence.ErrStageConflict) {
			return nil
		}
		return err
	}

	e.observer.OnWorkflowFailed(ctx, inst, inst.TerminalError)
	return nil
}

// backoffDelay computes base × 2^(attempt-1), capped. Rate-limited faults use
// a longer base than generic transient ones.
func (e *Engine) backoffDelay(reason api.FaultKind, attempt int) time.Duration {
	base := e.baseBackoff
	if reason == api.FaultRateLimited {
		base = e.rateLimitBackoff
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= e.maxBackoff {
			return e.maxBackoff
		}
	}
	if delay > e.maxBackoff {
		return e.maxBackoff
	}
	return delay
}

func (e *Engine) enqueueStage(ctx context.Context, workflowID string, stage api.Stage, delay time.Duration) error {
	j := taskqueue.Job{
		ID:         uuid.NewString(),
		Stage:      stage,
		WorkflowID: workflowID,
		EnqueuedAt: time.Now(),
	}
	if delay > 0 {
		j.NotBefore = j.EnqueuedAt.Add(delay)
	}
	return e.queue.Enqueue(ctx, j)
}

// GetStatus returns the read-only projection for callers to poll. Failed
// workflows stay queryable indefinitely with a human-readable reason.
func (e *Engine) GetStatus(ctx context.Context, workflowID string) (api.StatusView, error) {
	inst, err := e.store.GetInstance(ctx, workflowID)
	if err != nil {
		return api.StatusView{}, err
	}

	view := api.StatusView{
		WorkflowID: inst.ID,
		Stage:      inst.Stage,
		Status:     inst.Status,
	}
	if inst.Confidence != nil {
		c := *inst.Confidence
		view.Confidence = &c
	}
	if inst.TerminalError != nil {
		te := *inst.TerminalError
		view.TerminalError = &te
	}
	return view, nil
}

// QueueStats returns per-stage queue depths for operational visibility.
func (e *Engine) QueueStats(ctx context.Context) (map[api.Stage]api.QueueStats, error) {
	out := make(map[api.Stage]api.QueueStats, len(api.PipelineStages))
	for _, stage := range api.PipelineStages {
		stats, err := e.queue.Stats(ctx, stage)
		if err != nil {
			return nil, err
		}
		out[stage] = stats
	}
	return out, nil
}

// ListWorkflows returns instances matching opts, for status inspection.
func (e *Engine) ListWorkflows(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	return e.store.ListInstances(ctx, persistence.InstanceFilter{
		SourceUploadID: opts.SourceUploadID,
		Stage:          opts.Stage,
		Status:         opts.Status,
	})
}

// SweepStaleLocks recovers stalled instances. Expired locks (a worker died
// holding a lease) are re-enqueued exactly once: only the sweeper that wins
// the conditional lock clear enqueues. It then requeues live instances that
// lost their stage job entirely.
func (e *Engine) SweepStaleLocks(ctx context.Context) (int, error) {
	now := time.Now()
	expired, err := e.store.ListExpiredLocks(ctx, now)
	if err != nil {
		return 0, err
	}

	recovered := 0
	justRecovered := map[string]bool{}
	for _, inst := range expired {
		cleared, err := e.store.ClearExpiredLock(ctx, inst.ID, inst.LockToken, now)
		if err != nil {
			return recovered, err
		}
		if !cleared {
			continue
		}
		if err := e.enqueueStage(ctx, inst.ID, inst.Stage, 0); err != nil {
			return recovered, err
		}
		e.observer.OnLockRecovered(ctx, inst, inst.Stage)
		justRecovered[inst.ID] = true
		recovered++
	}

	n, err := e.requeueJoblessInstances(ctx, now, justRecovered)
	recovered += n
	return recovered, err
}

// joblessCutoff is how long a lockless, non-terminal instance may sit without
// a state change before the sweep assumes its stage job was lost and enqueues
// a new one. A healthy instance waits at most one full backoff delay between
// state changes, so anything older has lost its job: a crash or queue outage
// between a committed stage transition and its enqueue leaves the instance
// live with no lock for the expiry sweep to find and no job for a worker to
// pick up.
func (e *Engine) joblessCutoff() time.Duration {
	return e.maxBackoff + e.lockTTL
}

// requeueJoblessInstances re-enqueues the current stage of live instances
// that hold no lock and have not changed state since before the cutoff. A
// duplicate enqueue for an instance that does still have a job is harmless:
// the extra delivery is dropped through the lock and stage checks.
func (e *Engine) requeueJoblessInstances(ctx context.Context, now time.Time, skip map[string]bool) (int, error) {
	instances, err := e.store.ListInstances(ctx, persistence.InstanceFilter{})
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-e.joblessCutoff())

	recovered := 0
	for _, inst := range instances {
		if skip[inst.ID] || inst.LockToken != "" || inst.UpdatedAt.After(cutoff) {
			continue
		}

		var stage api.Stage
		switch {
		case inst.Status == api.StatusActive && inst.Stage.Executable():
			stage = inst.Stage
		case inst.Status == api.StatusPending && inst.Stage == api.StageReceived:
			// Admission committed the instance but lost the first enqueue.
			stage = api.PipelineStages[0]
		default:
			continue
		}

		// Refresh UpdatedAt before enqueueing, so the next sweep does not
		// enqueue again before the new job had a chance to run and a worker
		// grabbing the new job cannot race this write.
		if err := e.store.UpdateInstance(ctx, inst, inst.Stage); err != nil {
			if errors.Is(err, persistence.ErrStageConflict) {
				// Moved on concurrently; it has a job after all.
				continue
			}
			return recovered, err
		}
		if err := e.enqueueStage(ctx, inst.ID, stage, 0); err != nil {
			return recovered, err
		}
		e.observer.OnLockRecovered(ctx, inst, stage)
		recovered++
	}
	return recovered, nil
}

func clampConfidence(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
