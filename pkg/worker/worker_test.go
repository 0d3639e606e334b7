package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docflow/internal/executor"
	"docflow/internal/orchestrator"
	"docflow/internal/persistence"
	"docflow/internal/taskqueue"
	"docflow/pkg/api"
)

// scriptedExecutor runs a hand-written verdict sequence for its stage.
type scriptedExecutor struct {
	stage    api.Stage
	calls    atomic.Int32
	outcomes []api.Outcome
}

func (s *scriptedExecutor) Stage() api.Stage { return s.stage }

func (s *scriptedExecutor) Execute(_ context.Context, lease *api.StageLease) api.Outcome {
	n := int(s.calls.Add(1)) - 1
	if n < len(s.outcomes) {
		return s.outcomes[n]
	}
	return api.Success(lease.Instance.Payload)
}

func succeedAll() []executor.Executor {
	return []executor.Executor{
		&scriptedExecutor{stage: api.StageExtracting},
		&scriptedExecutor{stage: api.StagePersisting},
		&scriptedExecutor{stage: api.StageSyncing},
		&scriptedExecutor{stage: api.StageFinalizing},
	}
}

type poolRig struct {
	eng   *orchestrator.Engine
	queue *taskqueue.InMemoryQueue
	pool  *Pool
}

func newPoolRig(t *testing.T, execs []executor.Executor) *poolRig {
	t.Helper()

	store := persistence.NewInMemoryStore()
	queue := taskqueue.NewInMemoryQueue(time.Minute)
	eng, err := orchestrator.New(orchestrator.Config{
		Store:       store,
		Queue:       queue,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  50 * time.Millisecond,
	})
	require.NoError(t, err)

	pool, err := New(Config{
		Orchestrator: eng,
		Queue:        queue,
		Executors:    execs,
	})
	require.NoError(t, err)
	return &poolRig{eng: eng, queue: queue, pool: pool}
}

func (r *poolRig) runUntil(t *testing.T, pred func() bool) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.pool.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if pred() {
			cancel()
			<-done
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	t.Fatal("condition not reached before deadline")
}

func (r *poolRig) status(t *testing.T, id string) api.StatusView {
	t.Helper()
	view, err := r.eng.GetStatus(context.Background(), id)
	require.NoError(t, err)
	return view
}

func TestPoolDrivesWorkflowToCompletion(t *testing.T) {
	r := newPoolRig(t, succeedAll())
	ctx := context.Background()

	id, err := r.eng.Admit(ctx, "invoice.csv", &api.Payload{DocumentRef: "inbox/invoice.csv", ContentType: "text/csv"})
	require.NoError(t, err)

	r.runUntil(t, func() bool {
		return r.status(t, id).Status == api.StatusCompleted
	})

	view := r.status(t, id)
	assert.Equal(t, api.StageCompleted, view.Stage)

	// Every stage queue is drained once the workflow completes.
	stats, err := r.eng.QueueStats(ctx)
	require.NoError(t, err)
	for stage, s := range stats {
		assert.Zero(t, s.Waiting+s.Active+s.Delayed, "stage %s still has jobs", stage)
	}
}

func TestPoolRetriesUntilSuccess(t *testing.T) {
	execs := succeedAll()
	flaky := execs[0].(*scriptedExecutor)
	flaky.outcomes = []api.Outcome{
		api.Retryable(api.FaultTransient, errors.New("blip")),
		api.Retryable(api.FaultTimeout, context.DeadlineExceeded),
	}

	r := newPoolRig(t, execs)
	id, err := r.eng.Admit(context.Background(), "flaky.csv", &api.Payload{DocumentRef: "inbox/flaky.csv", ContentType: "text/csv"})
	require.NoError(t, err)

	r.runUntil(t, func() bool {
		return r.status(t, id).Status == api.StatusCompleted
	})

	assert.Equal(t, int32(3), flaky.calls.Load())
}

func TestPoolParksFatalWorkflow(t *testing.T) {
	execs := succeedAll()
	execs[0].(*scriptedExecutor).outcomes = []api.Outcome{
		api.Fatal(api.FaultValidation, errors.New("unreadable")),
	}

	r := newPoolRig(t, execs)
	id, err := r.eng.Admit(context.Background(), "bad.csv", &api.Payload{DocumentRef: "inbox/bad.csv", ContentType: "text/csv"})
	require.NoError(t, err)

	r.runUntil(t, func() bool {
		return r.status(t, id).Status == api.StatusFailed
	})

	view := r.status(t, id)
	require.NotNil(t, view.TerminalError)
	assert.Equal(t, api.FaultValidation, view.TerminalError.Kind)

	// The job lands in the failed count, not back in waiting.
	stats, err := r.queue.Stats(context.Background(), api.StageExtracting)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.Waiting+stats.Delayed)
}

func TestNewRejectsMissingExecutor(t *testing.T) {
	store := persistence.NewInMemoryStore()
	queue := taskqueue.NewInMemoryQueue(time.Minute)
	eng, err := orchestrator.New(orchestrator.Config{Store: store, Queue: queue})
	require.NoError(t, err)

	_, err = New(Config{
		Orchestrator: eng,
		Queue:        queue,
		Executors:    succeedAll()[:3],
	})
	require.Error(t, err)
}
