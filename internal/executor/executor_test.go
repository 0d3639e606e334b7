package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"docflow/internal/budget"
	"docflow/internal/records"
	"docflow/internal/services/extractor"
	"docflow/pkg/api"
)

// Fakes for the stage collaborators.

type fakeObjects struct {
	docs map[string][]byte
	err  error
}

func (f *fakeObjects) Download(_ context.Context, ref string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.docs[ref]
	if !ok {
		return nil, api.NewFault(api.FaultNotFound, "download", fmt.Errorf("no document %q", ref))
	}
	return data, nil
}

type fakeExtractor struct {
	mu      sync.Mutex
	calls   []string
	results []*extractor.Result
	errs    []error
}

func (f *fakeExtractor) Extract(_ context.Context, text string) (*extractor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.calls)
	f.calls = append(f.calls, text)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return &extractor.Result{Fields: map[string]string{}, Confidence: 50}, nil
}

type fakeCommerce struct {
	mu    sync.Mutex
	keys  []string
	err   error
	byKey map[string]string
}

func (f *fakeCommerce) Push(_ context.Context, _ *records.Record, idempotencyKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.byKey == nil {
		f.byKey = map[string]string{}
	}
	f.keys = append(f.keys, idempotencyKey)
	if id, ok := f.byKey[idempotencyKey]; ok {
		return id, nil
	}
	id := "remote-" + uuid.NewString()
	f.byKey[idempotencyKey] = id
	return id, nil
}

func leaseFor(inst *api.WorkflowInstance, stage api.Stage) *api.StageLease {
	return &api.StageLease{
		Instance: inst,
		Stage:    stage,
		Attempt:  inst.Attempts(stage) + 1,
		Token:    uuid.NewString(),
		Deadline: time.Now().Add(30 * time.Second),
	}
}

func csvInstance(data string) (*api.WorkflowInstance, *fakeObjects) {
	inst := &api.WorkflowInstance{
		ID:             uuid.NewString(),
		SourceUploadID: "doc.csv",
		Stage:          api.StageExtracting,
		Status:         api.StatusActive,
		CreatedAt:      time.Now(),
		Payload: &api.Payload{
			DocumentRef: "inbox/doc.csv",
			ContentType: "text/csv",
		},
	}
	objects := &fakeObjects{docs: map[string][]byte{"inbox/doc.csv": []byte(data)}}
	return inst, objects
}

func TestExtractionProducesFieldsAndConfidence(t *testing.T) {
	inst, objects := csvInstance("vendor,total\nAcme,99.50\n")
	client := &fakeExtractor{results: []*extractor.Result{
		{Fields: map[string]string{"vendor": "Acme", "total": "99.50"}, Confidence: 88},
	}}
	x := NewExtraction(objects, client, budget.New(budget.Config{}))

	out := x.Execute(context.Background(), leaseFor(inst, api.StageExtracting))
	if out.Kind != api.OutcomeSuccess {
		t.Fatalf("outcome = %+v, want success", out)
	}
	if out.Payload.Fields["vendor"] != "Acme" {
		t.Fatalf("fields = %v", out.Payload.Fields)
	}
	if out.Payload.Confidence != 88 {
		t.Fatalf("confidence = %d, want 88", out.Payload.Confidence)
	}
	if out.Payload.Text == "" {
		t.Fatal("payload text not carried forward")
	}
}

func TestExtractionChunksLongTextAndAveragesConfidence(t *testing.T) {
	// threshold 10, chunk size 10: 20 "a"s -> two equal chunks.
	row := strings.Repeat("a", 20)
	inst, objects := csvInstance("note\n" + row + "\n")
	client := &fakeExtractor{results: []*extractor.Result{
		{Fields: map[string]string{"note": "first"}, Confidence: 60},
		{Fields: map[string]string{"note": "second", "extra": "x"}, Confidence: 80},
	}}
	b := budget.New(budget.Config{ChunkThreshold: 10, ChunkSize: 10})
	x := NewExtraction(objects, client, b)

	out := x.Execute(context.Background(), leaseFor(inst, api.StageExtracting))
	if out.Kind != api.OutcomeSuccess {
		t.Fatalf("outcome = %+v, want success", out)
	}
	if len(client.calls) < 2 {
		t.Fatalf("extractor called %d times, want >= 2", len(client.calls))
	}
	// First chunk wins conflicting fields; later chunks only add new ones.
	if out.Payload.Fields["note"] != "first" || out.Payload.Fields["extra"] != "x" {
		t.Fatalf("merged fields = %v", out.Payload.Fields)
	}
	// Weighted average over roughly equal chunks lands between the two.
	if out.Payload.Confidence < 60 || out.Payload.Confidence > 80 {
		t.Fatalf("confidence = %d, want within [60, 80]", out.Payload.Confidence)
	}
}

func TestExtractionMissingDocumentIsFatal(t *testing.T) {
	inst, _ := csvInstance("")
	objects := &fakeObjects{docs: map[string][]byte{}}
	x := NewExtraction(objects, &fakeExtractor{}, budget.New(budget.Config{}))

	out := x.Execute(context.Background(), leaseFor(inst, api.StageExtracting))
	if out.Kind != api.OutcomeFatal || out.Reason != api.FaultNotFound {
		t.Fatalf("outcome = %+v, want fatal not_found", out)
	}
}

func TestExtractionRateLimitSurfacesAsRetryable(t *testing.T) {
	inst, objects := csvInstance("a\n1\n")
	client := &fakeExtractor{errs: []error{
		api.NewFault(api.FaultRateLimited, "extract", errors.New("429")),
	}}
	x := NewExtraction(objects, client, budget.New(budget.Config{}))

	out := x.Execute(context.Background(), leaseFor(inst, api.StageExtracting))
	if out.Kind != api.OutcomeRetryable || out.Reason != api.FaultRateLimited {
		t.Fatalf("outcome = %+v, want retryable rate_limited", out)
	}
	// Rate limits are not retried inside the stage; one call only.
	if len(client.calls) != 1 {
		t.Fatalf("extractor called %d times, want 1", len(client.calls))
	}
}

func TestExtractionRetriesTransientSubFailure(t *testing.T) {
	inst, objects := csvInstance("a\n1\n")
	client := &fakeExtractor{
		errs: []error{api.NewFault(api.FaultTransient, "extract", errors.New("blip")), nil},
		results: []*extractor.Result{
			nil,
			{Fields: map[string]string{"a": "1"}, Confidence: 70},
		},
	}
	x := NewExtraction(objects, client, budget.New(budget.Config{}))

	out := x.Execute(context.Background(), leaseFor(inst, api.StageExtracting))
	if out.Kind != api.OutcomeSuccess {
		t.Fatalf("outcome = %+v, want success after sub-retry", out)
	}
	if len(client.calls) != 2 {
		t.Fatalf("extractor called %d times, want 2", len(client.calls))
	}
}

func TestPersistUpsertsRecord(t *testing.T) {
	store := records.NewInMemoryStore()
	p := NewPersist(store)

	inst, _ := csvInstance("")
	inst.Stage = api.StagePersisting
	inst.Payload.Fields = map[string]string{"total": "10.00"}
	inst.Payload.Confidence = 91

	out := p.Execute(context.Background(), leaseFor(inst, api.StagePersisting))
	if out.Kind != api.OutcomeSuccess {
		t.Fatalf("outcome = %+v, want success", out)
	}

	rec, err := store.Get(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("record not stored: %v", err)
	}
	if rec.Fields["total"] != "10.00" || rec.Confidence != 91 {
		t.Fatalf("record = %+v", rec)
	}

	// Redelivery reruns the upsert without error or duplication.
	out = p.Execute(context.Background(), leaseFor(inst, api.StagePersisting))
	if out.Kind != api.OutcomeSuccess {
		t.Fatalf("redelivered outcome = %+v, want success", out)
	}
}

func TestPersistWithoutFieldsIsFatal(t *testing.T) {
	p := NewPersist(records.NewInMemoryStore())
	inst, _ := csvInstance("")
	inst.Stage = api.StagePersisting

	out := p.Execute(context.Background(), leaseFor(inst, api.StagePersisting))
	if out.Kind != api.OutcomeFatal || out.Reason != api.FaultValidation {
		t.Fatalf("outcome = %+v, want fatal validation", out)
	}
}

func TestSyncUsesWorkflowIDAsIdempotencyKey(t *testing.T) {
	store := records.NewInMemoryStore()
	commerce := &fakeCommerce{}
	s := NewSync(commerce, store)

	inst, _ := csvInstance("")
	inst.Stage = api.StageSyncing
	inst.Payload.Fields = map[string]string{"total": "10.00"}

	rec := &records.Record{WorkflowID: inst.ID, SourceUploadID: inst.SourceUploadID, Fields: inst.Payload.Fields}
	if err := store.Upsert(context.Background(), rec); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	out := s.Execute(context.Background(), leaseFor(inst, api.StageSyncing))
	if out.Kind != api.OutcomeSuccess {
		t.Fatalf("outcome = %+v, want success", out)
	}
	if out.Payload.RemoteID == "" {
		t.Fatal("remote id not carried forward")
	}
	if len(commerce.keys) != 1 || commerce.keys[0] != inst.ID {
		t.Fatalf("idempotency keys = %v, want [%s]", commerce.keys, inst.ID)
	}

	// A redelivered sync converges on the same remote object.
	again := s.Execute(context.Background(), leaseFor(inst, api.StageSyncing))
	if again.Kind != api.OutcomeSuccess || again.Payload.RemoteID != out.Payload.RemoteID {
		t.Fatalf("redelivered sync produced %+v, want same remote id %s", again, out.Payload.RemoteID)
	}

	stored, err := store.Get(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.RemoteID != out.Payload.RemoteID {
		t.Fatalf("stored remote id = %q, want %q", stored.RemoteID, out.Payload.RemoteID)
	}
}

func TestSyncMissingRecordIsFatal(t *testing.T) {
	s := NewSync(&fakeCommerce{}, records.NewInMemoryStore())
	inst, _ := csvInstance("")
	inst.Stage = api.StageSyncing

	out := s.Execute(context.Background(), leaseFor(inst, api.StageSyncing))
	if out.Kind != api.OutcomeFatal || out.Reason != api.FaultValidation {
		t.Fatalf("outcome = %+v, want fatal validation", out)
	}
}

type fakeMarker struct {
	mu    sync.Mutex
	marks map[string]int
	err   error
}

func (f *fakeMarker) MarkProcessed(_ context.Context, sourceUploadID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.marks == nil {
		f.marks = map[string]int{}
	}
	f.marks[sourceUploadID]++
	return nil
}

func TestFinalizeMarksUpload(t *testing.T) {
	marker := &fakeMarker{}
	f := NewFinalize(marker)

	inst, _ := csvInstance("")
	inst.Stage = api.StageFinalizing

	out := f.Execute(context.Background(), leaseFor(inst, api.StageFinalizing))
	if out.Kind != api.OutcomeSuccess {
		t.Fatalf("outcome = %+v, want success", out)
	}
	if marker.marks["doc.csv"] != 1 {
		t.Fatalf("marks = %v", marker.marks)
	}
}

func TestFinalizeTransientMarkerFailureIsRetryable(t *testing.T) {
	marker := &fakeMarker{err: api.NewFault(api.FaultTransient, "mark_processed", errors.New("io"))}
	f := NewFinalize(marker)

	inst, _ := csvInstance("")
	inst.Stage = api.StageFinalizing

	out := f.Execute(context.Background(), leaseFor(inst, api.StageFinalizing))
	if out.Kind != api.OutcomeRetryable || out.Reason != api.FaultTransient {
		t.Fatalf("outcome = %+v, want retryable transient", out)
	}
}
