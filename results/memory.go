package results

import (
	"context"
	"sync"

	"github.com/pithecene-io/sluice/types"
)

// MemoryStore keeps results in a map.
type MemoryStore struct {
	mu      sync.Mutex
	results map[string]types.Result
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[string]types.Result)}
}

// PutIfAbsent implements Store.
func (s *MemoryStore) PutIfAbsent(_ context.Context, r *types.Result) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[r.CollectionID]; ok {
		return false, nil
	}
	s.results[r.CollectionID] = *r
	return true, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, collectionID string) (*types.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[collectionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
