package storage

import (
	"context"
	"sync"

	"github.com/ruteri/attestation-service/interfaces"
)

// MemoryStore keeps reference values in process memory. Contents are lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]interfaces.ReferenceValue
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]interfaces.ReferenceValue)}
}

func (s *MemoryStore) Get(ctx context.Context, name string) (*interfaces.ReferenceValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rv, ok := s.values[name]
	if !ok {
		return nil, nil
	}
	// Copy so callers cannot mutate stored hash values
	rv.HashValues = append([]interfaces.HashValue(nil), rv.HashValues...)
	return &rv, nil
}

func (s *MemoryStore) Set(ctx context.Context, rv interfaces.ReferenceValue) error {
	rv.HashValues = append([]interfaces.HashValue(nil), rv.HashValues...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[rv.Name] = rv
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, name)
	return nil
}

func (s *MemoryStore) Available(ctx context.Context) bool {
	return true
}

func (s *MemoryStore) Name() string {
	return "memory"
}
