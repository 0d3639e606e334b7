package persistence

import (
	"context"
	"sync"
	"time"

	"docflow/pkg/api"
)

// InMemoryStore is a goroutine-safe InstanceStore backed by maps. It is used
// in tests and for single-process deployments that do not need durability.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*api.WorkflowInstance
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string]*api.WorkflowInstance),
	}
}

// Ensure InMemoryStore implements the interface.
var _ InstanceStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.instances {
		if existing.SourceUploadID == inst.SourceUploadID && existing.Status.Live() {
			return ErrDuplicateUpload
		}
	}

	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, api.ErrInstanceNotFound
	}
	return inst.Clone(), nil
}

func (s *InMemoryStore) FindLiveBySource(ctx context.Context, sourceUploadID string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inst := range s.instances {
		if inst.SourceUploadID == sourceUploadID && inst.Status.Live() {
			return inst.Clone(), nil
		}
	}
	return nil, api.ErrInstanceNotFound
}

func (s *InMemoryStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance, expectStage api.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.instances[inst.ID]
	if !ok {
		return api.ErrInstanceNotFound
	}
	if stored.Stage != expectStage {
		return ErrStageConflict
	}

	updated := inst.Clone()
	updated.UpdatedAt = time.Now()
	s.instances[inst.ID] = updated
	return nil
}

func (s *InMemoryStore) TryAcquireLock(ctx context.Context, id, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return false, api.ErrInstanceNotFound
	}

	now := time.Now()
	if inst.LockToken != "" && inst.LockToken != token && inst.LockExpiresAt.After(now) {
		return false, nil
	}

	inst.LockToken = token
	inst.LockExpiresAt = now.Add(ttl)
	inst.UpdatedAt = now
	return true, nil
}

func (s *InMemoryStore) ReleaseLock(ctx context.Context, id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return api.ErrInstanceNotFound
	}
	if inst.LockToken == token {
		inst.LockToken = ""
		inst.LockExpiresAt = time.Time{}
		inst.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) ClearExpiredLock(ctx context.Context, id, token string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return false, api.ErrInstanceNotFound
	}
	if inst.LockToken != token || inst.LockExpiresAt.After(now) {
		return false, nil
	}

	inst.LockToken = ""
	inst.LockExpiresAt = time.Time{}
	inst.UpdatedAt = now
	return true, nil
}

func (s *InMemoryStore) ListExpiredLocks(ctx context.Context, now time.Time) ([]*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status == api.StatusActive && inst.LockToken != "" && !inst.LockExpiresAt.After(now) {
			result = append(result, inst.Clone())
		}
	}
	return result, nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.WorkflowInstance
	for _, inst := range s.instances {
		if filter.SourceUploadID != "" && inst.SourceUploadID != filter.SourceUploadID {
			continue
		}
		if filter.Stage != "" && inst.Stage != filter.Stage {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		result = append(result, inst.Clone())
	}
	return result, nil
}
