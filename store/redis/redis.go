// Package redis implements a PacketStore on Redis.
//
// Each collection owns three keys sharing a hash tag, so a collection always
// lives on one cluster slot:
//
//	<prefix>:{<cid>}:packets  hash   packet id -> msgpack packet
//	<prefix>:{<cid>}:index    zset   packet ids, score 0 (bounded reads)
//	<prefix>:{<cid>}:tomb     set    packet ids consumed by a merge
//
// Upsert and Swap run as Lua scripts and are atomic against every other
// invocation touching the same collection.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/sluice/store"
	"github.com/pithecene-io/sluice/types"
	"github.com/pithecene-io/sluice/wire"
)

// DefaultPrefix is the default key prefix.
const DefaultPrefix = "sluice"

// upsertScript writes a packet unless its id is tombstoned.
// KEYS: packets, index, tomb. ARGV: packet id, encoded packet.
var upsertScript = goredis.NewScript(`
if redis.call('SISMEMBER', KEYS[3], ARGV[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], 0, ARGV[1])
return 1
`)

// swapScript inserts the merged packet and consumes the others, or does
// nothing when any consumed id is missing.
// KEYS: packets, index, tomb. ARGV: merged id, encoded merged, consumed ids...
var swapScript = goredis.NewScript(`
for i = 3, #ARGV do
  if redis.call('HEXISTS', KEYS[1], ARGV[i]) == 0 then
    return 0
  end
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], 0, ARGV[1])
for i = 3, #ARGV do
  redis.call('HDEL', KEYS[1], ARGV[i])
  redis.call('ZREM', KEYS[2], ARGV[i])
  redis.call('SADD', KEYS[3], ARGV[i])
end
return 1
`)

// Config configures the Redis packet store.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Prefix namespaces all keys (default: sluice).
	Prefix string
}

// Store is a Redis-backed PacketStore.
type Store struct {
	client goredis.UniversalClient
	prefix string
	closed atomic.Bool
}

var _ store.PacketStore = (*Store)(nil)

// New creates a store that owns its client.
// Returns an error if the URL is empty or invalid.
func New(cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis store requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis store: invalid URL: %w", err)
	}
	return NewWithClient(goredis.NewClient(opts), cfg.Prefix), nil
}

// NewWithClient creates a store on an existing client.
// Close closes the client.
func NewWithClient(client goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

type keys struct {
	packets, index, tomb string
}

func (s *Store) keys(cid string) keys {
	base := fmt.Sprintf("%s:{%s}", s.prefix, cid)
	return keys{
		packets: base + ":packets",
		index:   base + ":index",
		tomb:    base + ":tomb",
	}
}

func (k keys) slice() []string {
	return []string{k.packets, k.index, k.tomb}
}

func (s *Store) check(op string) error {
	if s.closed.Load() {
		return store.NewStorageError(store.ErrClosed, op, "", nil)
	}
	return nil
}

// Upsert implements store.PacketStore.
func (s *Store) Upsert(ctx context.Context, p *types.Packet) error {
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
	err = upsertScript.Run(ctx, s.client, s.keys(p.CollectionID).slice(), p.PacketID, data).Err()
	return store.Wrap(err, "upsert", p.CollectionID+"/"+p.PacketID)
}

// Get implements store.PacketStore.
func (s *Store) Get(ctx context.Context, collectionID, packetID string) (*types.Packet, error) {
	if err := s.check("get"); err != nil {
		return nil, err
	}
	key := collectionID + "/" + packetID
	data, err := s.client.HGet(ctx, s.keys(collectionID).packets, packetID).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, store.NewStorageError(store.ErrNotFound, "get", key, nil)
	}
	if err != nil {
		return nil, store.Wrap(err, "get", key)
	}
	return decode(data, key)
}

// List implements store.PacketStore.
// Reads at most limit ids from the index, then fetches exactly those fields.
func (s *Store) List(ctx context.Context, collectionID string, limit int) ([]*types.Packet, error) {
	if err := s.check("list"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	k := s.keys(collectionID)
	ids, err := s.client.ZRange(ctx, k.index, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, store.Wrap(err, "list", collectionID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vals, err := s.client.HMGet(ctx, k.packets, ids...).Result()
	if err != nil {
		return nil, store.Wrap(err, "list", collectionID)
	}
	out := make([]*types.Packet, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Index entry without a packet: removed between the two reads.
			continue
		}
		p, err := decode([]byte(raw), collectionID+"/"+ids[i])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Swap implements store.PacketStore.
func (s *Store) Swap(ctx context.Context, merged *types.Packet, consumed ...string) error {
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

	args := make([]any, 0, 2+len(consumed))
	args = append(args, merged.PacketID, data)
	for _, id := range consumed {
		args = append(args, id)
	}

	ok, err := swapScript.Run(ctx, s.client, s.keys(merged.CollectionID).slice(), args...).Int()
	if err != nil {
		return store.Wrap(err, "swap", merged.CollectionID)
	}
	if ok == 0 {
		return store.NewStorageError(store.ErrConflict, "swap", merged.CollectionID, nil)
	}
	return nil
}

// Delete implements store.PacketStore.
func (s *Store) Delete(ctx context.Context, collectionID string, packetIDs ...string) error {
	if err := s.check("delete"); err != nil {
		return err
	}
	if len(packetIDs) == 0 {
		return nil
	}
	k := s.keys(collectionID)
	members := make([]any, len(packetIDs))
	for i, id := range packetIDs {
		members[i] = id
	}
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HDel(ctx, k.packets, packetIDs...)
		pipe.ZRem(ctx, k.index, members...)
		pipe.SAdd(ctx, k.tomb, members...)
		return nil
	})
	return store.Wrap(err, "delete", collectionID)
}

// Purge implements store.PacketStore.
func (s *Store) Purge(ctx context.Context, collectionID string) error {
	if err := s.check("purge"); err != nil {
		return err
	}
	err := s.client.Del(ctx, s.keys(collectionID).slice()...).Err()
	return store.Wrap(err, "purge", collectionID)
}

// Count implements store.PacketStore.
func (s *Store) Count(ctx context.Context, collectionID string) (int64, error) {
	if err := s.check("count"); err != nil {
		return 0, err
	}
	n, err := s.client.HLen(ctx, s.keys(collectionID).packets).Result()
	return n, store.Wrap(err, "count", collectionID)
}

// Close implements store.PacketStore.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.client.Close()
}

func decode(data []byte, key string) (*types.Packet, error) {
	var p types.Packet
	if err := wire.Unmarshal(data, &p); err != nil {
		return nil, store.NewStorageError(store.ErrCorrupt, "decode", key, err)
	}
	return &p, nil
}
