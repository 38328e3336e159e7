// Package boltstore persists a tab's refresh credential in a bbolt file, so the
// credential survives process restarts the way browser storage survives reloads.
package boltstore

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	goAuthSync "github.com/MrEthical07/goAuthSync"
)

// DefaultBucket is used when no bucket is given.
const DefaultBucket = "goAuthSync"

// Store implements [goAuthSync.KeyValueStore] on one bbolt bucket.
type Store struct {
	db     *bbolt.DB
	bucket []byte
	owned  bool
}

var _ goAuthSync.KeyValueStore = (*Store)(nil)

// New returns a Store over an already open database. Close leaves db open.
func New(db *bbolt.DB, bucket string) *Store {
	if bucket == "" {
		bucket = DefaultBucket
	}
	return &Store{db: db, bucket: []byte(bucket)}
}

// Open opens (or creates) the bbolt file at path. Close closes it.
func Open(path, bucket string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s := New(db, bucket)
	s.owned = true
	return s, nil
}

// Close closes the database when the Store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var (
		value string
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		value = string(data)
		found = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", goAuthSync.ErrStoreUnavailable, err)
	}
	return value, found, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", goAuthSync.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", goAuthSync.ErrStoreUnavailable, err)
	}
	return nil
}
