package executor

import (
	"context"
	"fmt"

	"docflow/pkg/api"
)

// Finalize marks the source upload processed once its workflow has synced.
// MarkProcessed is idempotent on the marker side, so redeliveries are safe.
type Finalize struct {
	marker UploadMarker
}

// NewFinalize wires the finalizing stage.
func NewFinalize(marker UploadMarker) *Finalize {
	return &Finalize{marker: marker}
}

func (f *Finalize) Stage() api.Stage { return api.StageFinalizing }

func (f *Finalize) Execute(ctx context.Context, lease *api.StageLease) api.Outcome {
	err := retrySub(ctx, func() error {
		return f.marker.MarkProcessed(ctx, lease.Instance.SourceUploadID, lease.Instance.ID)
	})
	if err != nil {
		return api.OutcomeFromError(nil, fmt.Errorf("mark upload processed: %w", err))
	}
	return api.Success(lease.Instance.Payload)
}
