package session

import (
	"context"
	"sync"

	"github.com/traderlink/mtgate/pkg/contracts"
)

// MemoryStore is the single-instance session store.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]*contracts.SessionRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]*contracts.SessionRecord)}
}

func (s *MemoryStore) Put(_ context.Context, rec *contracts.SessionRecord) error {
	cp := *rec
	s.mu.Lock()
	s.recs[rec.ID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*contracts.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.recs, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*contracts.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.SessionRecord, 0, len(s.recs))
	for _, rec := range s.recs {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

var _ contracts.SessionStore = (*MemoryStore)(nil)
