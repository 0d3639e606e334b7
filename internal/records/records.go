// Package records stores the structured data extracted from documents. The
// persistence stage writes here with upsert semantics so redelivered jobs
// are safe to re-run.
package records

import (
	"context"
	"errors"
	"time"
)

// ErrRecordNotFound is returned when no record exists for a workflow.
var ErrRecordNotFound = errors.New("record not found")

// Record is the durable result of a successfully extracted document.
type Record struct {
	WorkflowID     string
	SourceUploadID string
	Fields         map[string]string
	Confidence     int
	// RemoteID is the commerce platform's identifier, set after sync.
	RemoteID  string
	UpdatedAt time.Time
}

// Store persists extracted records keyed by workflow ID.
type Store interface {
	// Upsert inserts or replaces the record for its workflow. Idempotent.
	Upsert(ctx context.Context, rec *Record) error

	// Get returns the record for a workflow, or ErrRecordNotFound.
	Get(ctx context.Context, workflowID string) (*Record, error)

	// SetRemoteID stores the commerce platform identifier after a
	// successful sync. Idempotent.
	SetRemoteID(ctx context.Context, workflowID, remoteID string) error
}
