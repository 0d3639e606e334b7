package executor

import (
	"context"
	"fmt"

	"docflow/internal/records"
	"docflow/pkg/api"
)

// Persist writes the extracted fields to the record store. Upsert semantics
// make redelivered attempts harmless.
type Persist struct {
	records records.Store
}

// NewPersist wires the persisting stage.
func NewPersist(store records.Store) *Persist {
	return &Persist{records: store}
}

func (p *Persist) Stage() api.Stage { return api.StagePersisting }

func (p *Persist) Execute(ctx context.Context, lease *api.StageLease) api.Outcome {
	pl := lease.Instance.Payload
	if pl == nil || len(pl.Fields) == 0 {
		return api.Fatal(api.FaultValidation,
			fmt.Errorf("workflow %s reached persisting with no extracted fields", lease.Instance.ID))
	}

	rec := &records.Record{
		WorkflowID:     lease.Instance.ID,
		SourceUploadID: lease.Instance.SourceUploadID,
		Fields:         pl.Fields,
		Confidence:     pl.Confidence,
	}
	err := retrySub(ctx, func() error {
		return p.records.Upsert(ctx, rec)
	})
	if err != nil {
		return api.OutcomeFromError(nil, fmt.Errorf("persist record: %w", err))
	}
	return api.Success(pl)
}
