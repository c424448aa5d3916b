package session

import (
	"context"
	"sync"
	"time"

	"github.com/traderlink/mtgate/pkg/contracts"
)

// MemoryAuditStore keeps the audit trail in memory, capped at maxEntries
// (oldest dropped first).
type MemoryAuditStore struct {
	maxEntries int

	mu      sync.RWMutex
	entries []*contracts.AuditEntry
}

// NewMemoryAuditStore creates a store; max <= 0 uses 10000.
func NewMemoryAuditStore(max int) *MemoryAuditStore {
	if max <= 0 {
		max = 10000
	}
	return &MemoryAuditStore{maxEntries: max}
}

func (s *MemoryAuditStore) Append(_ context.Context, entry *contracts.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	if len(s.entries) > s.maxEntries {
		s.entries = s.entries[len(s.entries)-s.maxEntries:]
	}
	return nil
}

func (s *MemoryAuditStore) Query(_ context.Context, since time.Time, limit int) ([]*contracts.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*contracts.AuditEntry, 0, limit)
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.Timestamp.Before(since) {
			break // entries are appended in time order
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryAuditStore) Trim(_ context.Context, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := 0
	for keep < len(s.entries) && s.entries[keep].Timestamp.Before(cutoff) {
		keep++
	}
	s.entries = s.entries[keep:]
	return nil
}

func (s *MemoryAuditStore) Close() error { return nil }

var _ contracts.AuditStore = (*MemoryAuditStore)(nil)
