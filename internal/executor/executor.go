// Package executor holds the per-stage business logic of the pipeline. Each
// executor does one stage's work under a lease and reports a classified
// outcome; retry policy and state transitions stay with the orchestrator.
package executor

import (
	"context"
	"errors"
	"time"

	"docflow/internal/records"
	"docflow/internal/services/extractor"
	"docflow/pkg/api"
)

// Executor runs one pipeline stage. Execute must honor ctx, which carries
// the lease deadline, and must be safe to re-run: redeliveries mean any
// stage can execute more than once for the same workflow.
type Executor interface {
	Stage() api.Stage
	Execute(ctx context.Context, lease *api.StageLease) api.Outcome
}

// ObjectStore reads uploaded document bytes by reference.
type ObjectStore interface {
	Download(ctx context.Context, ref string) ([]byte, error)
}

// ExtractionClient calls the external AI extraction service.
type ExtractionClient interface {
	Extract(ctx context.Context, text string) (*extractor.Result, error)
}

// CommerceClient pushes a record to the commerce platform and returns the
// remote identifier. Pushes with the same idempotency key must converge on
// the same remote object.
type CommerceClient interface {
	Push(ctx context.Context, rec *records.Record, idempotencyKey string) (string, error)
}

// UploadMarker flips the source upload's status once its workflow finishes.
type UploadMarker interface {
	MarkProcessed(ctx context.Context, sourceUploadID, workflowID string) error
}

const (
	subAttempts = 2
	subPause    = 250 * time.Millisecond
)

// retrySub runs fn up to subAttempts times, retrying only transient faults.
// Timeouts and rate limits surface immediately so the stage-level backoff
// policy handles them; a spent context is never retried against.
func retrySub(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i < subAttempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if api.Classify(err) != api.FaultTransient || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		select {
		case <-ctx.Done():
			return api.NewFault(api.Classify(ctx.Err()), "retry", ctx.Err())
		case <-time.After(subPause):
		}
	}
	return err
}
