package records

import (
	"context"
	"maps"
	"sync"
	"time"
)

// InMemoryStore keeps records in a map. For tests and embedded use.
type InMemoryStore struct {
	mu   sync.RWMutex
	recs map[string]*Record
}

// NewInMemoryStore returns an empty in-memory record store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{recs: make(map[string]*Record)}
}

func (s *InMemoryStore) Upsert(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.Fields = maps.Clone(rec.Fields)
	cp.UpdatedAt = time.Now().UTC()
	if prev, ok := s.recs[rec.WorkflowID]; ok && cp.RemoteID == "" {
		// Upsert never clears a remote ID written by an earlier sync.
		cp.RemoteID = prev.RemoteID
	}
	s.recs[rec.WorkflowID] = &cp
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, workflowID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[workflowID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	cp.Fields = maps.Clone(rec.Fields)
	return &cp, nil
}

func (s *InMemoryStore) SetRemoteID(_ context.Context, workflowID, remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[workflowID]
	if !ok {
		return ErrRecordNotFound
	}
	rec.RemoteID = remoteID
	rec.UpdatedAt = time.Now().UTC()
	return nil
}
