package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"docflow/pkg/api"
)

// The memory and sqlite stores share one behavioral contract; both test
// files run these helpers against their own store.

func newInstance(sourceUploadID string) *api.WorkflowInstance {
	now := time.Now().UTC()
	return &api.WorkflowInstance{
		ID:             uuid.New().String(),
		SourceUploadID: sourceUploadID,
		Stage:          api.StageReceived,
		Status:         api.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		Payload: &api.Payload{
			DocumentRef: "inbox/" + sourceUploadID,
			ContentType: "text/csv",
		},
	}
}

func testDuplicateLiveUpload(t *testing.T, store InstanceStore) {
	t.Helper()
	ctx := context.Background()

	first := newInstance("invoice-1.csv")
	if err := store.CreateInstance(ctx, first); err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	dup := newInstance("invoice-1.csv")
	if err := store.CreateInstance(ctx, dup); !errors.Is(err, ErrDuplicateUpload) {
		t.Fatalf("second live create: err = %v, want ErrDuplicateUpload", err)
	}

	// A completed instance no longer blocks re-admission.
	first.Stage = api.StageCompleted
	first.Status = api.StatusCompleted
	if err := store.UpdateInstance(ctx, first, api.StageReceived); err != nil {
		t.Fatalf("UpdateInstance failed: %v", err)
	}
	again := newInstance("invoice-1.csv")
	if err := store.CreateInstance(ctx, again); err != nil {
		t.Fatalf("create after completion failed: %v", err)
	}
}

func testFindLiveBySource(t *testing.T, store InstanceStore) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.FindLiveBySource(ctx, "missing.csv"); !errors.Is(err, api.ErrInstanceNotFound) {
		t.Fatalf("FindLiveBySource(missing) err = %v, want ErrInstanceNotFound", err)
	}

	inst := newInstance("order-7.pdf")
	if err := store.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	got, err := store.FindLiveBySource(ctx, "order-7.pdf")
	if err != nil {
		t.Fatalf("FindLiveBySource failed: %v", err)
	}
	if got.ID != inst.ID {
		t.Fatalf("FindLiveBySource returned %s, want %s", got.ID, inst.ID)
	}

	inst.Stage = api.StageFailed
	inst.Status = api.StatusFailed
	if err := store.UpdateInstance(ctx, inst, api.StageReceived); err != nil {
		t.Fatalf("UpdateInstance failed: %v", err)
	}
	if _, err := store.FindLiveBySource(ctx, "order-7.pdf"); !errors.Is(err, api.ErrInstanceNotFound) {
		t.Fatalf("failed instance should not be live, err = %v", err)
	}
}

func testStageCAS(t *testing.T, store InstanceStore) {
	t.Helper()
	ctx := context.Background()

	inst := newInstance("cas.csv")
	if err := store.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	inst.Stage = api.StageExtracting
	inst.Status = api.StatusActive
	if err := store.UpdateInstance(ctx, inst, api.StageReceived); err != nil {
		t.Fatalf("UpdateInstance failed: %v", err)
	}

	// A writer still expecting the old stage must lose.
	stale := inst.Clone()
	stale.Stage = api.StagePersisting
	if err := store.UpdateInstance(ctx, stale, api.StageReceived); !errors.Is(err, ErrStageConflict) {
		t.Fatalf("stale update err = %v, want ErrStageConflict", err)
	}

	got, err := store.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if got.Stage != api.StageExtracting {
		t.Fatalf("stage = %s, want %s after rejected stale write", got.Stage, api.StageExtracting)
	}
}

func testLockLifecycle(t *testing.T, store InstanceStore) {
	t.Helper()
	ctx := context.Background()

	inst := newInstance("lock.csv")
	if err := store.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	acquired, err := store.TryAcquireLock(ctx, inst.ID, "tok-1", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("first acquire = (%v, %v), want (true, nil)", acquired, err)
	}

	// Second holder is refused while the token is live.
	acquired, err = store.TryAcquireLock(ctx, inst.ID, "tok-2", time.Minute)
	if err != nil {
		t.Fatalf("second acquire errored: %v", err)
	}
	if acquired {
		t.Fatal("second acquire succeeded while lock held")
	}

	// Re-acquiring with the same token refreshes the lease.
	acquired, err = store.TryAcquireLock(ctx, inst.ID, "tok-1", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("re-acquire = (%v, %v), want (true, nil)", acquired, err)
	}

	if err := store.ReleaseLock(ctx, inst.ID, "tok-1"); err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}
	acquired, err = store.TryAcquireLock(ctx, inst.ID, "tok-2", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("acquire after release = (%v, %v), want (true, nil)", acquired, err)
	}
}

func testExpiredLockRecovery(t *testing.T, store InstanceStore) {
	t.Helper()
	ctx := context.Background()

	inst := newInstance("expired.csv")
	inst.Stage = api.StageExtracting
	inst.Status = api.StatusActive
	if err := store.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	// Acquire with an immediately-expiring ttl.
	acquired, err := store.TryAcquireLock(ctx, inst.ID, "dead-tok", -time.Second)
	if err != nil || !acquired {
		t.Fatalf("acquire = (%v, %v), want (true, nil)", acquired, err)
	}

	now := time.Now().Add(time.Second)
	expired, err := store.ListExpiredLocks(ctx, now)
	if err != nil {
		t.Fatalf("ListExpiredLocks failed: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != inst.ID {
		t.Fatalf("expired = %v, want exactly the stalled instance", expired)
	}

	// Only one recoverer wins the clear race.
	cleared, err := store.ClearExpiredLock(ctx, inst.ID, "dead-tok", now)
	if err != nil || !cleared {
		t.Fatalf("first clear = (%v, %v), want (true, nil)", cleared, err)
	}
	cleared, err = store.ClearExpiredLock(ctx, inst.ID, "dead-tok", now)
	if err != nil {
		t.Fatalf("second clear errored: %v", err)
	}
	if cleared {
		t.Fatal("second clear also reported cleared")
	}

	// A live lock is never cleared by the sweep path.
	acquired, err = store.TryAcquireLock(ctx, inst.ID, "live-tok", time.Hour)
	if err != nil || !acquired {
		t.Fatalf("acquire = (%v, %v), want (true, nil)", acquired, err)
	}
	cleared, err = store.ClearExpiredLock(ctx, inst.ID, "live-tok", time.Now())
	if err != nil {
		t.Fatalf("clear live lock errored: %v", err)
	}
	if cleared {
		t.Fatal("clear removed a live lock")
	}
}

func testAttemptAndPayloadRoundTrip(t *testing.T, store InstanceStore) {
	t.Helper()
	ctx := context.Background()

	inst := newInstance("roundtrip.pdf")
	if err := store.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	conf := 84
	inst.Stage = api.StagePersisting
	inst.Status = api.StatusActive
	inst.AttemptCounts = map[api.Stage]int{api.StageExtracting: 3}
	inst.Confidence = &conf
	inst.Payload.Fields = map[string]string{"total": "129.95", "vendor": "Acme"}
	inst.Payload.Confidence = conf
	if err := store.UpdateInstance(ctx, inst, api.StageReceived); err != nil {
		t.Fatalf("UpdateInstance failed: %v", err)
	}

	got, err := store.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if got.AttemptCounts[api.StageExtracting] != 3 {
		t.Fatalf("attempts = %d, want 3", got.AttemptCounts[api.StageExtracting])
	}
	if got.Confidence == nil || *got.Confidence != 84 {
		t.Fatalf("confidence = %v, want 84", got.Confidence)
	}
	if got.Payload == nil || got.Payload.Fields["vendor"] != "Acme" {
		t.Fatalf("payload did not round-trip: %+v", got.Payload)
	}
}

func runStoreConformance(t *testing.T, factory func(t *testing.T) InstanceStore) {
	t.Helper()
	t.Run("DuplicateLiveUpload", func(t *testing.T) { testDuplicateLiveUpload(t, factory(t)) })
	t.Run("FindLiveBySource", func(t *testing.T) { testFindLiveBySource(t, factory(t)) })
	t.Run("StageCAS", func(t *testing.T) { testStageCAS(t, factory(t)) })
	t.Run("LockLifecycle", func(t *testing.T) { testLockLifecycle(t, factory(t)) })
	t.Run("ExpiredLockRecovery", func(t *testing.T) { testExpiredLockRecovery(t, factory(t)) })
	t.Run("AttemptAndPayloadRoundTrip", func(t *testing.T) { testAttemptAndPayloadRoundTrip(t, factory(t)) })
}
