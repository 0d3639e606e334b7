package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"docflow/pkg/api"
)

// Shared behavioral suite for the queue backends. Each backend test file
// supplies a factory with the requested visibility timeout.

func dequeueWithin(t *testing.T, q Queue, stage api.Stage, timeout time.Duration) *Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	job, err := q.Dequeue(ctx, stage)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if job == nil {
		t.Fatal("Dequeue returned nil job")
	}
	return job
}

func expectNoDelivery(t *testing.T, q Queue, stage api.Stage, window time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), window)
	defer cancel()
	job, err := q.Dequeue(ctx, stage)
	if err == nil {
		t.Fatalf("expected no delivery, got job %+v", job)
	}
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		t.Fatalf("Dequeue err = %v, want context expiry", err)
	}
}

func testDeliveryOrder(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		j := Job{ID: id, Stage: api.StageExtracting, WorkflowID: "wf-" + id, EnqueuedAt: time.Now()}
		if err := q.Enqueue(ctx, j); err != nil {
			t.Fatalf("Enqueue %s failed: %v", id, err)
		}
	}

	var got []string
	for i := 0; i < 3; i++ {
		job := dequeueWithin(t, q, api.StageExtracting, time.Second)
		got = append(got, job.ID)
		if err := q.Ack(ctx, job); err != nil {
			t.Fatalf("Ack failed: %v", err)
		}
	}
	if len(got) != 3 {
		t.Fatalf("delivered %d jobs, want 3", len(got))
	}
	seen := map[string]bool{}
	for _, id := range got {
		if seen[id] {
			t.Fatalf("job %s delivered twice: %v", id, got)
		}
		seen[id] = true
	}
}

func testStageIsolation(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	j := Job{ID: "x", Stage: api.StageSyncing, WorkflowID: "wf-x", EnqueuedAt: time.Now()}
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	expectNoDelivery(t, q, api.StageExtracting, 150*time.Millisecond)

	job := dequeueWithin(t, q, api.StageSyncing, time.Second)
	if job.WorkflowID != "wf-x" {
		t.Fatalf("wrong job: %+v", job)
	}
}

func testDelayedDelivery(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	j := Job{
		ID: "later", Stage: api.StagePersisting, WorkflowID: "wf-later",
		EnqueuedAt: time.Now(), NotBefore: time.Now().Add(300 * time.Millisecond),
	}
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	expectNoDelivery(t, q, api.StagePersisting, 100*time.Millisecond)

	job := dequeueWithin(t, q, api.StagePersisting, 2*time.Second)
	if job.ID != "later" {
		t.Fatalf("wrong job: %+v", job)
	}
	if time.Now().Before(j.NotBefore) {
		t.Fatal("job delivered before its NotBefore")
	}
}

func testNackRedelivers(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	j := Job{ID: "retry", Stage: api.StageExtracting, WorkflowID: "wf-retry", EnqueuedAt: time.Now()}
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	first := dequeueWithin(t, q, api.StageExtracting, time.Second)
	if first.Deliveries != 1 {
		t.Fatalf("first delivery count = %d, want 1", first.Deliveries)
	}
	if err := q.Nack(ctx, first, 100*time.Millisecond); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}

	second := dequeueWithin(t, q, api.StageExtracting, 2*time.Second)
	if second.ID != "retry" {
		t.Fatalf("wrong job redelivered: %+v", second)
	}
	if second.Deliveries != 2 {
		t.Fatalf("second delivery count = %d, want 2", second.Deliveries)
	}
}

func testClaimExpiryRedelivers(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	j := Job{ID: "lost", Stage: api.StageFinalizing, WorkflowID: "wf-lost", EnqueuedAt: time.Now()}
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Dequeue and never ack: the claim expires and the job comes back.
	_ = dequeueWithin(t, q, api.StageFinalizing, time.Second)

	again := dequeueWithin(t, q, api.StageFinalizing, 3*time.Second)
	if again.ID != "lost" {
		t.Fatalf("wrong job redelivered: %+v", again)
	}
	if again.Deliveries < 2 {
		t.Fatalf("delivery count = %d, want >= 2", again.Deliveries)
	}
}

func testFailAndStats(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	j := Job{ID: "doomed", Stage: api.StageSyncing, WorkflowID: "wf-doomed", EnqueuedAt: time.Now()}
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	stats, err := q.Stats(ctx, api.StageSyncing)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Waiting != 1 {
		t.Fatalf("waiting = %d, want 1", stats.Waiting)
	}

	job := dequeueWithin(t, q, api.StageSyncing, time.Second)
	stats, err = q.Stats(ctx, api.StageSyncing)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Active != 1 || stats.Waiting != 0 {
		t.Fatalf("stats after dequeue = %+v", stats)
	}

	if err := q.Fail(ctx, job); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	stats, err = q.Stats(ctx, api.StageSyncing)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Failed != 1 || stats.Active != 0 {
		t.Fatalf("stats after fail = %+v", stats)
	}
}

func runQueueConformance(t *testing.T, factory func(t *testing.T, visibility time.Duration) Queue) {
	t.Helper()
	longVis := time.Minute
	t.Run("DeliveryOrder", func(t *testing.T) { testDeliveryOrder(t, factory(t, longVis)) })
	t.Run("StageIsolation", func(t *testing.T) { testStageIsolation(t, factory(t, longVis)) })
	t.Run("DelayedDelivery", func(t *testing.T) { testDelayedDelivery(t, factory(t, longVis)) })
	t.Run("NackRedelivers", func(t *testing.T) { testNackRedelivers(t, factory(t, longVis)) })
	t.Run("ClaimExpiryRedelivers", func(t *testing.T) { testClaimExpiryRedelivers(t, factory(t, 200*time.Millisecond)) })
	t.Run("FailAndStats", func(t *testing.T) { testFailAndStats(t, factory(t, longVis)) })
}
