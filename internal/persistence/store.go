package persistence

import (
	"context"
	"errors"
	"time"

	"docflow/pkg/api"
)

var (
	// ErrDuplicateUpload is returned by CreateInstance when a live instance
	// already exists for the same source upload. Admission treats this as the
	// normal dedup path, not a failure.
	ErrDuplicateUpload = errors.New("live instance exists for source upload")

	// ErrStageConflict is returned by UpdateInstance when the stored stage no
	// longer matches the expected one. It is the backstop that makes stage
	// transitions idempotent under at-least-once job delivery.
	ErrStageConflict = errors.New("instance stage changed concurrently")
)

// InstanceFilter selects instances from the store. Empty values mean
// "no filter" for that field.
type InstanceFilter struct {
	SourceUploadID string
	Stage          api.Stage
	Status         api.Status
}

// InstanceStore is the workflow state store: the single durable source of
// truth for stage and status. Only the orchestrator writes through it.
type InstanceStore interface {
	// CreateInstance persists a new instance. It fails with
	// ErrDuplicateUpload when a live (pending/active) instance already
	// references the same SourceUploadID, which closes the concurrent
	// double-admission race.
	CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error

	// GetInstance returns the instance by workflow ID, or
	// api.ErrInstanceNotFound.
	GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error)

	// FindLiveBySource returns the live instance for a source upload, or
	// api.ErrInstanceNotFound when none exists.
	FindLiveBySource(ctx context.Context, sourceUploadID string) (*api.WorkflowInstance, error)

	// UpdateInstance persists inst, but only while the stored stage still
	// equals expectStage; otherwise ErrStageConflict. UpdatedAt is refreshed
	// by the store.
	UpdateInstance(ctx context.Context, inst *api.WorkflowInstance, expectStage api.Stage) error

	// TryAcquireLock atomically installs a lock token if no live, unexpired
	// token exists. An expired token is treated as absent. Returns
	// acquired=false, err=nil when another worker holds the lock.
	TryAcquireLock(ctx context.Context, id, token string, ttl time.Duration) (acquired bool, err error)

	// ReleaseLock clears the lock if it is still held by token. Idempotent.
	ReleaseLock(ctx context.Context, id, token string) error

	// ClearExpiredLock clears the lock only if it matches token and has
	// already expired. cleared=true means this caller won the recovery race
	// and is responsible for re-enqueueing the stage, exactly once.
	ClearExpiredLock(ctx context.Context, id, token string, now time.Time) (cleared bool, err error)

	// ListExpiredLocks returns active instances whose lock expired before now.
	ListExpiredLocks(ctx context.Context, now time.Time) ([]*api.WorkflowInstance, error)

	// ListInstances returns instances matching the filter.
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error)
}
