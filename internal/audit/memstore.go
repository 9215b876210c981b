package audit

import (
	"context"
	"sync"

	"github.com/crankbird/crankmesh/internal/domain"
)

// MemStore keeps the chain in memory, the no-db mode counterpart of
// the gorm-backed store.
type MemStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
	byJobID map[string]int
}

func NewMemStore() *MemStore {
	return &MemStore{byJobID: make(map[string]int)}
}

func (s *MemStore) Insert(_ context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byJobID[entry.JobID]; ok {
		return domain.ErrDuplicateJobID
	}
	s.byJobID[entry.JobID] = len(s.entries)
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemStore) GetByJobID(_ context.Context, jobID string) (domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byJobID[jobID]
	if !ok {
		return domain.AuditEntry{}, domain.ErrNotFound
	}
	return s.entries[idx], nil
}

func (s *MemStore) Last(_ context.Context) (domain.AuditEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return domain.AuditEntry{}, false, nil
	}
	return s.entries[len(s.entries)-1], true, nil
}

func (s *MemStore) ListAll(_ context.Context) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditEntry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}
