// Package redisstore persists a tab's refresh credential in Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	goAuthSync "github.com/MrEthical07/goAuthSync"
)

// DefaultPrefix namespaces credential keys when no prefix is given.
const DefaultPrefix = "gas:cred"

// Store implements [goAuthSync.KeyValueStore] on plain Redis strings.
//
// Each tab should use its own prefix (for example one per browser profile) because the
// store is per participant in the protocol; only the access token is ever shared, and
// only through the bus.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ goAuthSync.KeyValueStore = (*Store)(nil)

// New returns a Store. A ttl of zero keeps values until deleted.
func New(client redis.UniversalClient, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{
		redis:  client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *Store) key(key string) string {
	return s.prefix + ":" + key
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.redis.Get(ctx, s.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: %v", goAuthSync.ErrStoreUnavailable, err)
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.redis.Set(ctx, s.key(key), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", goAuthSync.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", goAuthSync.ErrStoreUnavailable, err)
	}
	return nil
}
