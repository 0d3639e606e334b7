package records

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"
)

func testStoreBehavior(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("Get(missing) err = %v, want ErrRecordNotFound", err)
	}

	rec := &Record{
		WorkflowID:     "wf-1",
		SourceUploadID: "invoice.csv",
		Fields:         map[string]string{"total": "10.00"},
		Confidence:     90,
	}
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := store.Get(ctx, "wf-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Fields["total"] != "10.00" || got.Confidence != 90 {
		t.Fatalf("record = %+v", got)
	}

	if err := store.SetRemoteID(ctx, "wf-1", "remote-9"); err != nil {
		t.Fatalf("SetRemoteID failed: %v", err)
	}

	// Re-running the upsert (a redelivered persist stage) keeps the remote id.
	rec.Fields["total"] = "10.50"
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}
	got, err = store.Get(ctx, "wf-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Fields["total"] != "10.50" {
		t.Fatalf("upsert did not update fields: %+v", got)
	}
	if got.RemoteID != "remote-9" {
		t.Fatalf("upsert cleared remote id: %+v", got)
	}

	if err := store.SetRemoteID(ctx, "missing", "x"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("SetRemoteID(missing) err = %v, want ErrRecordNotFound", err)
	}
}

func TestInMemoryStore(t *testing.T) {
	testStoreBehavior(t, NewInMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = db.Close()
	})

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	testStoreBehavior(t, store)
}
