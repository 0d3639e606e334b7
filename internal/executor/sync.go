package executor

import (
	"context"
	"errors"
	"fmt"

	"docflow/internal/records"
	"docflow/pkg/api"
)

// Sync pushes the persisted record to the commerce platform. The idempotency
// key is the workflow ID, so a redelivery after a lost acknowledgement
// converges on the remote object the first push created.
type Sync struct {
	client  CommerceClient
	records records.Store
}

// NewSync wires the syncing stage.
func NewSync(client CommerceClient, store records.Store) *Sync {
	return &Sync{client: client, records: store}
}

func (s *Sync) Stage() api.Stage { return api.StageSyncing }

func (s *Sync) Execute(ctx context.Context, lease *api.StageLease) api.Outcome {
	rec, err := s.records.Get(ctx, lease.Instance.ID)
	if errors.Is(err, records.ErrRecordNotFound) {
		// The persisting stage completed, so a missing record means the
		// store lost data. Not retryable.
		return api.Fatal(api.FaultValidation,
			fmt.Errorf("no persisted record for workflow %s", lease.Instance.ID))
	}
	if err != nil {
		return api.OutcomeFromError(nil, fmt.Errorf("load record: %w", err))
	}

	var remoteID string
	err = retrySub(ctx, func() error {
		id, perr := s.client.Push(ctx, rec, lease.Instance.ID)
		if perr != nil {
			return perr
		}
		remoteID = id
		return nil
	})
	if err != nil {
		return api.OutcomeFromError(nil, fmt.Errorf("sync record: %w", err))
	}

	if err := s.records.SetRemoteID(ctx, lease.Instance.ID, remoteID); err != nil {
		return api.OutcomeFromError(nil, fmt.Errorf("store remote id: %w", err))
	}

	var out api.Payload
	if lease.Instance.Payload != nil {
		out = *lease.Instance.Payload
	}
	out.RemoteID = remoteID
	return api.Success(&out)
}
