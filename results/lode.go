package results

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/sluice/iox"
	"github.com/pithecene-io/sluice/types"
)

// LodeStore writes each result as results/<collection_id>.json through a lode
// store (filesystem or S3).
type LodeStore struct {
	factory lode.StoreFactory

	once     sync.Once
	store    lode.Store
	storeErr error
}

var _ Store = (*LodeStore)(nil)

// NewLodeStore creates a store. The lode store is created on first use.
func NewLodeStore(factory lode.StoreFactory) *LodeStore {
	return &LodeStore{factory: factory}
}

func (s *LodeStore) getOrCreateStore() (lode.Store, error) {
	s.once.Do(func() {
		s.store, s.storeErr = s.factory()
	})
	return s.store, s.storeErr
}

// ResultPath returns the object path of a collection's result.
func ResultPath(collectionID string) string {
	return "results/" + collectionID + ".json"
}

// PutIfAbsent implements Store.
// Existence is checked before the put; a put that fails because a concurrent
// writer got there first is reported as not created.
func (s *LodeStore) PutIfAbsent(ctx context.Context, r *types.Result) (bool, error) {
	st, err := s.getOrCreateStore()
	if err != nil {
		return false, fmt.Errorf("results: store init failed: %w", err)
	}
	path := ResultPath(r.CollectionID)

	exists, err := st.Exists(ctx, path)
	if err != nil {
		return false, fmt.Errorf("results: exists %s: %w", path, err)
	}
	if exists {
		return false, nil
	}

	body, err := json.Marshal(r)
	if err != nil {
		return false, fmt.Errorf("results: marshal: %w", err)
	}
	if err := st.Put(ctx, path, bytes.NewReader(body)); err != nil {
		if exists, _ := st.Exists(ctx, path); exists {
			return false, nil
		}
		return false, fmt.Errorf("results: put %s: %w", path, err)
	}
	return true, nil
}

// Get implements Store.
func (s *LodeStore) Get(ctx context.Context, collectionID string) (*types.Result, error) {
	st, err := s.getOrCreateStore()
	if err != nil {
		return nil, fmt.Errorf("results: store init failed: %w", err)
	}
	path := ResultPath(collectionID)

	exists, err := st.Exists(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("results: exists %s: %w", path, err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rc, err := st.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("results: get %s: %w", path, err)
	}
	defer iox.DiscardClose(rc)

	body, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("results: read %s: %w", path, err)
	}
	var r types.Result
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("results: decode %s: %w", path, err)
	}
	return &r, nil
}

// Close implements Store.
func (s *LodeStore) Close() error { return nil }
