package pocket

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryStore struct {
	mu      sync.RWMutex
	storage map[string]Pocket
	keys    map[string]string
}

// NewMemoryStore constructs an in-memory pocket store.
func NewMemoryStore() Store {
	return &memoryStore{storage: make(map[string]Pocket), keys: make(map[string]string)}
}

func naturalKey(tenantID, accountID, currency string) string {
	return tenantID + "|" + accountID + "|" + currency
}

func (s *memoryStore) GetOrCreate(_ context.Context, tenantID, accountID, currency string) (Pocket, error) {
	key := naturalKey(tenantID, accountID, currency)

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.keys[key]; ok {
		return s.storage[id], nil
	}
	now := time.Now().UTC()
	p := Pocket{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		AccountID: accountID,
		Currency:  currency,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.storage[p.ID] = p
	s.keys[key] = p.ID
	return p, nil
}

func (s *memoryStore) Get(_ context.Context, id string) (Pocket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.storage[id]
	if !ok {
		return Pocket{}, ErrNotFound
	}
	return p, nil
}

func (s *memoryStore) Find(_ context.Context, tenantID, accountID, currency string) (Pocket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keys[naturalKey(tenantID, accountID, currency)]
	if !ok {
		return Pocket{}, ErrNotFound
	}
	return s.storage[id], nil
}

func (s *memoryStore) SetStatus(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.storage[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	s.storage[id] = p
	return nil
}
