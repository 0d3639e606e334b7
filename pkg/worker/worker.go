// Package worker runs per-stage worker pools. Each worker is a plain polling
// loop: dequeue a job, lease the stage from the orchestrator, execute under
// the lease deadline, report the outcome, acknowledge the job. Stale
// redeliveries are dropped when the orchestrator refuses the lease.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"docflow/internal/executor"
	"docflow/internal/taskqueue"
	"docflow/pkg/api"
)

// retryDequeueDelay is how long a job is pushed back when the instance is
// locked by another worker or a transient orchestrator error occurs.
const retryDequeueDelay = 5 * time.Second

// Config configures a worker pool.
type Config struct {
	Orchestrator api.Orchestrator
	Queue        taskqueue.Queue
	// Executors must cover every executable stage the pool serves.
	Executors []executor.Executor
	// Concurrency is the number of workers per stage. Stages not listed
	// run one worker.
	Concurrency map[api.Stage]int
	Logger      *slog.Logger
}

// Pool owns one polling goroutine group per executable stage.
type Pool struct {
	orch      api.Orchestrator
	queue     taskqueue.Queue
	executors map[api.Stage]executor.Executor
	conc      map[api.Stage]int
	logger    *slog.Logger
}

// New validates cfg and builds a pool.
func New(cfg Config) (*Pool, error) {
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("worker: orchestrator is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("worker: queue is required")
	}
	execs := make(map[api.Stage]executor.Executor, len(cfg.Executors))
	for _, ex := range cfg.Executors {
		if _, dup := execs[ex.Stage()]; dup {
			return nil, fmt.Errorf("worker: duplicate executor for stage %s", ex.Stage())
		}
		execs[ex.Stage()] = ex
	}
	for _, stage := range api.PipelineStages {
		if _, ok := execs[stage]; !ok {
			return nil, fmt.Errorf("worker: no executor for stage %s", stage)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		orch:      cfg.Orchestrator,
		queue:     cfg.Queue,
		executors: execs,
		conc:      cfg.Concurrency,
		logger:    logger,
	}, nil
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has drained its current job.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, stage := range api.PipelineStages {
		n := p.conc[stage]
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(stage api.Stage) {
				defer wg.Done()
				p.loop(ctx, stage)
			}(stage)
		}
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, stage api.Stage) {
	for {
		job, err := p.queue.Dequeue(ctx, stage)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			p.logger.Warn("dequeue_failed", "stage", stage, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDequeueDelay):
			}
			continue
		}
		if job == nil {
			continue
		}
		p.processJob(ctx, stage, job)
	}
}

// processJob runs one job end to end. The orchestrator's lease checks are the
// correctness backstop here: a job redelivered after its work already landed
// gets ErrStageConflict or ErrTerminal and is simply acknowledged away.
func (p *Pool) processJob(ctx context.Context, stage api.Stage, job *taskqueue.Job) {
	lease, err := p.orch.StartStage(ctx, job.WorkflowID, stage)
	switch {
	case errors.Is(err, api.ErrStageConflict),
		errors.Is(err, api.ErrTerminal),
		errors.Is(err, api.ErrInstanceNotFound):
		// Stale redelivery; the work is done or the instance moved on.
		p.ack(ctx, job)
		return
	case errors.Is(err, api.ErrLocked):
		// Another worker holds the lease. Come back after it expires or
		// the holder finishes.
		p.nack(ctx, job, retryDequeueDelay)
		return
	case err != nil:
		p.logger.Warn("start_stage_failed", "stage", stage, "workflow_id", job.WorkflowID, "error", err)
		p.nack(ctx, job, retryDequeueDelay)
		return
	}

	execCtx, cancel := context.WithDeadline(ctx, lease.Deadline)
	outcome := p.executors[stage].Execute(execCtx, lease)
	cancel()

	if err := p.orch.ReportOutcome(ctx, lease, outcome); err != nil {
		// The redelivery will hit the orchestrator's idempotency checks.
		p.logger.Warn("report_outcome_failed", "stage", stage, "workflow_id", job.WorkflowID, "error", err)
		p.nack(ctx, job, retryDequeueDelay)
		return
	}

	if outcome.Kind != api.OutcomeSuccess && p.workflowFailed(ctx, job.WorkflowID) {
		// Terminal failure: park the job so queue stats show it.
		if err := p.queue.Fail(ctx, job); err != nil {
			p.logger.Warn("fail_job_failed", "stage", stage, "workflow_id", job.WorkflowID, "error", err)
		}
		return
	}
	p.ack(ctx, job)
}

func (p *Pool) workflowFailed(ctx context.Context, workflowID string) bool {
	view, err := p.orch.GetStatus(ctx, workflowID)
	if err != nil {
		return false
	}
	return view.Status == api.StatusFailed
}

func (p *Pool) ack(ctx context.Context, job *taskqueue.Job) {
	if err := p.queue.Ack(ctx, job); err != nil {
		p.logger.Warn("ack_failed", "workflow_id", job.WorkflowID, "error", err)
	}
}

func (p *Pool) nack(ctx context.Context, job *taskqueue.Job, delay time.Duration) {
	if err := p.queue.Nack(ctx, job, delay); err != nil {
		p.logger.Warn("nack_failed", "workflow_id", job.WorkflowID, "error", err)
	}
}
