// Package bolt implements a single-node durable PacketStore on bbolt.
//
// Each collection is a top-level bucket holding two nested buckets: "live"
// (packet id -> msgpack packet) and "tomb" (consumed packet ids). Every write
// is one bbolt transaction, so Swap is atomic.
package bolt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"

	"github.com/pithecene-io/sluice/store"
	"github.com/pithecene-io/sluice/types"
	"github.com/pithecene-io/sluice/wire"
)

var (
	liveBucket = []byte("live")
	tombBucket = []byte("tomb")
	tombMark   = []byte{1}
)

// Store is a bbolt-backed PacketStore.
type Store struct {
	db     *bbolt.DB
	closed atomic.Bool
}

var _ store.PacketStore = (*Store)(nil)

// Open opens (or creates) the database file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 30 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) check(op string) error {
	if s.closed.Load() {
		return store.NewStorageError(store.ErrClosed, op, "", nil)
	}
	return nil
}

// buckets returns the live and tomb buckets of a collection, creating them.
func buckets(tx *bbolt.Tx, cid string) (live, tomb *bbolt.Bucket, err error) {
	root, err := tx.CreateBucketIfNotExists([]byte(cid))
	if err != nil {
		return nil, nil, err
	}
	if live, err = root.CreateBucketIfNotExists(liveBucket); err != nil {
		return nil, nil, err
	}
	if tomb, err = root.CreateBucketIfNotExists(tombBucket); err != nil {
		return nil, nil, err
	}
	return live, tomb, nil
}

// liveReadOnly returns the live bucket or nil when the collection is unknown.
func liveReadOnly(tx *bbolt.Tx, cid string) *bbolt.Bucket {
	root := tx.Bucket([]byte(cid))
	if root == nil {
		return nil
	}
	return root.Bucket(liveBucket)
}

// Upsert implements store.PacketStore.
func (s *Store) Upsert(_ context.Context, p *types.Packet) error {
	if err := s.check("upsert"); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := wire.Marshal(p)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		live, tomb, err := buckets(tx, p.CollectionID)
		if err != nil {
			return err
		}
		if tomb.Get([]byte(p.PacketID)) != nil {
			return nil
		}
		return live.Put([]byte(p.PacketID), data)
	})
	return store.Wrap(err, "upsert", p.CollectionID+"/"+p.PacketID)
}

// Get implements store.PacketStore.
func (s *Store) Get(_ context.Context, collectionID, packetID string) (*types.Packet, error) {
	if err := s.check("get"); err != nil {
		return nil, err
	}
	key := collectionID + "/" + packetID
	var p *types.Packet
	err := s.db.View(func(tx *bbolt.Tx) error {
		live := liveReadOnly(tx, collectionID)
		if live == nil {
			return store.NewStorageError(store.ErrNotFound, "get", key, nil)
		}
		data := live.Get([]byte(packetID))
		if data == nil {
			return store.NewStorageError(store.ErrNotFound, "get", key, nil)
		}
		var err error
		p, err = decode(data, key)
		return err
	})
	if err != nil {
		return nil, store.Wrap(err, "get", key)
	}
	return p, nil
}

// List implements store.PacketStore. Packets are returned in packet id order.
func (s *Store) List(_ context.Context, collectionID string, limit int) ([]*types.Packet, error) {
	if err := s.check("list"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	var out []*types.Packet
	err := s.db.View(func(tx *bbolt.Tx) error {
		live := liveReadOnly(tx, collectionID)
		if live == nil {
			return nil
		}
		c := live.Cursor()
		for k, v := c.First(); k != nil && len(out) < limit; k, v = c.Next() {
			// bbolt memory is only valid inside the transaction; decode copies.
			p, err := decode(v, collectionID+"/"+string(k))
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, store.Wrap(err, "list", collectionID)
	}
	return out, nil
}

// Swap implements store.PacketStore.
func (s *Store) Swap(_ context.Context, merged *types.Packet, consumed ...string) error {
	if err := s.check("swap"); err != nil {
		return err
	}
	if err := store.ValidateSwap(merged, consumed); err != nil {
		return err
	}
	data, err := wire.Marshal(merged)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		live, tomb, err := buckets(tx, merged.CollectionID)
		if err != nil {
			return err
		}
		for _, id := range consumed {
			if live.Get([]byte(id)) == nil {
				return store.NewStorageError(store.ErrConflict, "swap", merged.CollectionID+"/"+id, nil)
			}
		}
		if err := live.Put([]byte(merged.PacketID), data); err != nil {
			return err
		}
		return consume(live, tomb, consumed)
	})
	return store.Wrap(err, "swap", merged.CollectionID)
}

// Delete implements store.PacketStore.
func (s *Store) Delete(_ context.Context, collectionID string, packetIDs ...string) error {
	if err := s.check("delete"); err != nil {
		return err
	}
	if len(packetIDs) == 0 {
		return nil
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		live, tomb, err := buckets(tx, collectionID)
		if err != nil {
			return err
		}
		return consume(live, tomb, packetIDs)
	})
	return store.Wrap(err, "delete", collectionID)
}

// Purge implements store.PacketStore.
func (s *Store) Purge(_ context.Context, collectionID string) error {
	if err := s.check("purge"); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket([]byte(collectionID))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
	return store.Wrap(err, "purge", collectionID)
}

// Count implements store.PacketStore.
func (s *Store) Count(_ context.Context, collectionID string) (int64, error) {
	if err := s.check("count"); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		if live := liveReadOnly(tx, collectionID); live != nil {
			n = int64(live.Stats().KeyN)
		}
		return nil
	})
	return n, store.Wrap(err, "count", collectionID)
}

// Close implements store.PacketStore.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// Destroy closes the database and removes the file.
func (s *Store) Destroy() error {
	path := s.db.Path()
	_ = s.Close()
	return os.Remove(path)
}

func consume(live, tomb *bbolt.Bucket, ids []string) error {
	for _, id := range ids {
		if err := live.Delete([]byte(id)); err != nil {
			return err
		}
		if err := tomb.Put([]byte(id), tombMark); err != nil {
			return err
		}
	}
	return nil
}

func decode(data []byte, key string) (*types.Packet, error) {
	var p types.Packet
	if err := wire.Unmarshal(data, &p); err != nil {
		return nil, store.NewStorageError(store.ErrCorrupt, "decode", key, err)
	}
	return &p, nil
}
