package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/sluice/types"
)

// DefaultRedisPrefix is the default key prefix for results.
const DefaultRedisPrefix = "sluice:result"

// RedisStore keeps one JSON string per collection, written with SETNX.
type RedisStore struct {
	client goredis.UniversalClient
	prefix string
	owned  bool
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store that owns its client.
func NewRedisStore(url, prefix string) (*RedisStore, error) {
	if url == "" {
		return nil, errors.New("redis results store requires a URL")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis results store: invalid URL: %w", err)
	}
	s := NewRedisStoreWithClient(goredis.NewClient(opts), prefix)
	s.owned = true
	return s, nil
}

// NewRedisStoreWithClient creates a store on a shared client.
func NewRedisStoreWithClient(client goredis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + ":" + id
}

// PutIfAbsent implements Store.
func (s *RedisStore) PutIfAbsent(ctx context.Context, r *types.Result) (bool, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return false, fmt.Errorf("results: marshal: %w", err)
	}
	created, err := s.client.SetNX(ctx, s.key(r.CollectionID), body, 0).Result()
	if err != nil {
		return false, fmt.Errorf("results: setnx %s: %w", r.CollectionID, err)
	}
	return created, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, collectionID string) (*types.Result, error) {
	body, err := s.client.Get(ctx, s.key(collectionID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("results: get %s: %w", collectionID, err)
	}
	var r types.Result
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("results: decode %s: %w", collectionID, err)
	}
	return &r, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
