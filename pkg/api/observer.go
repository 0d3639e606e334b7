package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the orchestration engine for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay stage execution.
type Observer interface {
	// OnAdmitted is called for every Admit call. deduped is true when the
	// call attached to an existing live instance instead of creating one.
	OnAdmitted(ctx context.Context, inst *WorkflowInstance, deduped bool)

	// OnStageStart is called when a worker acquires a lease for a stage
	// attempt. attempt is 1-based.
	OnStageStart(ctx context.Context, inst *WorkflowInstance, stage Stage, attempt int)

	// OnStageCompleted is called after an outcome is applied, for successes
	// and failures alike.
	OnStageCompleted(ctx context.Context, inst *WorkflowInstance, stage Stage, attempt int, outcome Outcome, duration time.Duration)

	// OnRetryScheduled is called when a retryable outcome re-enqueues the
	// same stage after a backoff delay.
	OnRetryScheduled(ctx context.Context, inst *WorkflowInstance, stage Stage, attempt int, delay time.Duration)

	// OnWorkflowCompleted is called once when an instance reaches
	// StatusCompleted.
	OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance)

	// OnWorkflowFailed is called once when an instance reaches StatusFailed.
	OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, te *TerminalError)

	// OnLockRecovered is called when the stale-lock sweep clears an expired
	// lock and re-enqueues the instance's current stage.
	OnLockRecovered(ctx context.Context, inst *WorkflowInstance, stage Stage)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnAdmitted(ctx context.Context, inst *WorkflowInstance, deduped bool) {}
func (NoopObserver) OnStageStart(ctx context.Context, inst *WorkflowInstance, stage Stage, attempt int) {
}
func (NoopObserver) OnStageCompleted(ctx context.Context, inst *WorkflowInstance, stage Stage, attempt int, outcome Outcome, d time.Duration) {
}
func (NoopObserver) OnRetryScheduled(ctx context.Context, inst *WorkflowInstance, stage Stage, attempt int, delay time.Duration) {
}
func (NoopObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {}
func (NoopObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, te *TerminalError) {
}
func (NoopObserver) OnLockRecovered(ctx context.Context, inst *WorkflowInstance, stage Stage) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnAdmitted(ctx context.Context, inst *WorkflowInstance, deduped bool) {
	for _, o := range c.observers {
		o.OnAdmitted(ctx, inst, deduped)
	}
}

func (c *CompositeObserver) OnStageStart(ctx context.Context, inst *WorkflowInstance, stage Stage, attempt int) {
	for _, o := range c.observers {
		o.OnStageStart(ctx, inst, stage, attempt)
	}
}

func (c *CompositeObserver) OnStageCompleted(ctx context.Context, inst *WorkflowInstance, stage Stage, attempt int, outcome Outcome, d time.Duration) {
	for _, o := range c.observers {
		o.OnStageCompleted(ctx, inst, stage, attempt, outcome, d)
	}
}

func (c *CompositeObserver) OnRetryScheduled(ctx context.Context, inst *WorkflowInstance, stage Stage, attempt int, delay time.Duration) {
	for _, o := range c.observers {
		o.OnRetryScheduled(ctx, inst, stage, attempt, delay)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, te *TerminalError) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, inst, te)
	}
}

func (c *CompositeObserver) OnLockRecovered(ctx context.Context, inst *WorkflowInstance, stage Stage) {
	for _, o := range c.observers {
		o.OnLockRecovered(ctx, inst, stage)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs workflow / stage lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnAdmitted(ctx context.Context, inst *WorkflowInstance, deduped bool) {
	o.Logger.InfoContext(ctx, "workflow_admitted",
		slog.String("workflow_id", inst.ID),
		slog.String("source_upload_id", inst.SourceUploadID),
		slog.Bool("deduped", deduped),
	)
}

func (o *LoggingObserver) OnStageStart(ctx context.Context, inst *WorkflowInstance, stage Stage, attempt int) {
	o.Logger.DebugContext(ctx, "stage_start",
		slog.String("workflow_id", inst.ID),
		slog.String("stage", string(stage)),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnStageCompleted(ctx context.Context, inst *WorkflowInstance, stage Stage, attempt int, outcome Outcome, d time.Duration) {
	level := slog.LevelDebug
	if outcome.Kind != OutcomeSuccess {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "stage_completed",
		slog.String("workflow_id", inst.ID),
		slog.String("stage", string(stage)),
		slog.Int("attempt", attempt),
		slog.String("outcome", string(outcome.Kind)),
		slog.String("reason", string(outcome.Reason)),
		slog.Duration("duration", d),
		slog.Any("error", outcome.Err),
	)
}

func (o *LoggingObserver) OnRetryScheduled(ctx context.Context, inst *WorkflowInstance, stage Stage, attempt int, delay time.Duration) {
	o.Logger.InfoContext(ctx, "retry_scheduled",
		slog.String("workflow_id", inst.ID),
		slog.String("stage", string(stage)),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "workflow_completed",
		slog.String("workflow_id", inst.ID),
		slog.String("source_upload_id", inst.SourceUploadID),
	)
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, te *TerminalError) {
	o.Logger.ErrorContext(ctx, "workflow_failed",
		slog.String("workflow_id", inst.ID),
		slog.String("source_upload_id", inst.SourceUploadID),
		slog.String("kind", string(te.Kind)),
		slog.String("message", te.Message),
	)
}

func (o *LoggingObserver) OnLockRecovered(ctx context.Context, inst *WorkflowInstance, stage Stage) {
	o.Logger.WarnContext(ctx, "stale_lock_recovered",
		slog.String("workflow_id", inst.ID),
		slog.String("stage", string(stage)),
	)
}

// BasicMetrics collects simple counters and aggregate stage durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	admitted           atomic.Int64
	deduped            atomic.Int64
	workflowsCompleted atomic.Int64
	workflowsFailed    atomic.Int64
	retriesScheduled   atomic.Int64
	locksRecovered     atomic.Int64
	stagesCompleted    atomic.Int64
	totalStageDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	Admitted           int64
	Deduped            int64
	WorkflowsCompleted int64
	WorkflowsFailed    int64
	RetriesScheduled   int64
	LocksRecovered     int64

	StagesCompleted  int64
	AvgStageDuration time.Duration
}

func (m *BasicMetrics) OnAdmitted(ctx context.Context, inst *WorkflowInstance, deduped bool) {
	m.admitted.Add(1)
	if deduped {
		m.deduped.Add(1)
	}
}

func (m *BasicMetrics) OnStageCompleted(ctx context.Context, inst *WorkflowInstance, stage Stage, attempt int, outcome Outcome, d time.Duration) {
	// Only count successful attempts for average duration.
	if outcome.Kind == OutcomeSuccess {
		m.stagesCompleted.Add(1)
		m.totalStageDuration.Add(d.Nanoseconds())
	}
}

func (m *BasicMetrics) OnRetryScheduled(ctx context.Context, inst *WorkflowInstance, stage Stage, attempt int, delay time.Duration) {
	m.retriesScheduled.Add(1)
}

func (m *BasicMetrics) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	m.workflowsCompleted.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, te *TerminalError) {
	m.workflowsFailed.Add(1)
}

func (m *BasicMetrics) OnLockRecovered(ctx context.Context, inst *WorkflowInstance, stage Stage) {
	m.locksRecovered.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	stages := m.stagesCompleted.Load()
	totalNs := m.totalStageDuration.Load()

	var avg time.Duration
	if stages > 0 {
		avg = time.Duration(totalNs / stages)
	}

	return BasicMetricsSnapshot{
		Admitted:           m.admitted.Load(),
		Deduped:            m.deduped.Load(),
		WorkflowsCompleted: m.workflowsCompleted.Load(),
		WorkflowsFailed:    m.workflowsFailed.Load(),
		RetriesScheduled:   m.retriesScheduled.Load(),
		LocksRecovered:     m.locksRecovered.Load(),
		StagesCompleted:    stages,
		AvgStageDuration:   avg,
	}
}
