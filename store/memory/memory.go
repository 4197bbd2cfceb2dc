// Package memory provides an in-process PacketStore.
//
// It is used by tests and by `sluice run --local`. All state is lost on exit.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/pithecene-io/sluice/store"
	"github.com/pithecene-io/sluice/types"
)

type collection struct {
	live map[string]types.Packet
	// order holds the live packet ids sorted, so List reads only its limit.
	order []string
	tomb  map[string]struct{}
}

func (c *collection) put(p types.Packet) {
	if _, ok := c.live[p.PacketID]; !ok {
		i, _ := slices.BinarySearch(c.order, p.PacketID)
		c.order = slices.Insert(c.order, i, p.PacketID)
	}
	c.live[p.PacketID] = p
}

func (c *collection) consume(id string) {
	if _, ok := c.live[id]; ok {
		delete(c.live, id)
		if i, found := slices.BinarySearch(c.order, id); found {
			c.order = slices.Delete(c.order, i, i+1)
		}
	}
	c.tomb[id] = struct{}{}
}

// Store is a mutex-guarded map of collections.
type Store struct {
	mu          sync.Mutex
	collections map[string]*collection
	closed      bool
}

var _ store.PacketStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{collections: make(map[string]*collection)}
}

// lock acquires the mutex and returns ErrClosed if the store was closed.
// On success the caller must unlock.
func (s *Store) lock(op string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.NewStorageError(store.ErrClosed, op, "", nil)
	}
	return nil
}

func (s *Store) collection(cid string) *collection {
	c, ok := s.collections[cid]
	if !ok {
		c = &collection{live: make(map[string]types.Packet), tomb: make(map[string]struct{})}
		s.collections[cid] = c
	}
	return c
}

// Upsert implements store.PacketStore.
func (s *Store) Upsert(_ context.Context, p *types.Packet) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := s.lock("upsert"); err != nil {
		return err
	}
	defer s.mu.Unlock()

	c := s.collection(p.CollectionID)
	if _, dead := c.tomb[p.PacketID]; dead {
		return nil
	}
	c.put(*p)
	return nil
}

// Get implements store.PacketStore.
func (s *Store) Get(_ context.Context, collectionID, packetID string) (*types.Packet, error) {
	if err := s.lock("get"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if c, ok := s.collections[collectionID]; ok {
		if p, ok := c.live[packetID]; ok {
			return &p, nil
		}
	}
	return nil, store.NewStorageError(store.ErrNotFound, "get", collectionID+"/"+packetID, nil)
}

// List implements store.PacketStore. Packets are returned in packet id order.
func (s *Store) List(_ context.Context, collectionID string, limit int) ([]*types.Packet, error) {
	if err := s.lock("list"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	c, ok := s.collections[collectionID]
	if !ok || limit <= 0 {
		return nil, nil
	}
	ids := c.order
	if len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]*types.Packet, 0, len(ids))
	for _, id := range ids {
		p := c.live[id]
		out = append(out, &p)
	}
	return out, nil
}

// Swap implements store.PacketStore.
func (s *Store) Swap(_ context.Context, merged *types.Packet, consumed ...string) error {
	if err := store.ValidateSwap(merged, consumed); err != nil {
		return err
	}
	if err := s.lock("swap"); err != nil {
		return err
	}
	defer s.mu.Unlock()

	c := s.collection(merged.CollectionID)
	for _, id := range consumed {
		if _, ok := c.live[id]; !ok {
			return store.NewStorageError(store.ErrConflict, "swap", merged.CollectionID+"/"+id, nil)
		}
	}
	c.put(*merged)
	for _, id := range consumed {
		c.consume(id)
	}
	return nil
}

// Delete implements store.PacketStore.
func (s *Store) Delete(_ context.Context, collectionID string, packetIDs ...string) error {
	if err := s.lock("delete"); err != nil {
		return err
	}
	defer s.mu.Unlock()

	c := s.collection(collectionID)
	for _, id := range packetIDs {
		c.consume(id)
	}
	return nil
}

// Purge implements store.PacketStore.
func (s *Store) Purge(_ context.Context, collectionID string) error {
	if err := s.lock("purge"); err != nil {
		return err
	}
	defer s.mu.Unlock()

	delete(s.collections, collectionID)
	return nil
}

// Count implements store.PacketStore.
func (s *Store) Count(_ context.Context, collectionID string) (int64, error) {
	if err := s.lock("count"); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	if c, ok := s.collections[collectionID]; ok {
		return int64(len(c.live)), nil
	}
	return 0, nil
}

// Close implements store.PacketStore.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
