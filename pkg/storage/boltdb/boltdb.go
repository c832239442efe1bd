// Package boltdb is a storage backend on top of a bbolt database file.
package boltdb

import (
	"context"
	"errors"
	"time"

	"github.com/pbinitiative/zenflow/pkg/storage"
	"go.etcd.io/bbolt"
)

type Storage struct {
	db *bbolt.DB
}

var _ storage.Backend = &Storage{}

// Open creates and opens a database at the given path.
//
// If the deadline from ctx is sooner than opts.Timeout, the context deadline is
// used instead.
func Open(ctx context.Context, path string, opts *bbolt.Options) (*Storage, error) {
	if ctx.Err() != nil {
		// bbolt treats a non-positive timeout as "wait forever"
		return nil, ctx.Err()
	}

	if deadline, ok := ctx.Deadline(); ok {
		timeout := time.Until(deadline)
		if timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
		if opts == nil {
			clone := *bbolt.DefaultOptions
			opts = &clone
			opts.Timeout = timeout
		} else if opts.Timeout == 0 || opts.Timeout > timeout {
			clone := *opts
			opts = &clone
			opts.Timeout = timeout
		}
	}

	db, err := bbolt.Open(path, 0600, opts)
	if errors.Is(err, bbolt.ErrTimeout) {
		err = context.DeadlineExceeded
	}
	if err != nil {
		return nil, err
	}
	return &Storage{db: db}, nil
}

func (s *Storage) Begin(ctx context.Context, writable bool) (storage.BackendTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx, err := s.db.Begin(writable)
	if err != nil {
		return nil, err
	}
	return &StorageTx{tx: tx}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// Path returns the path of the database file.
func (s *Storage) Path() string {
	return s.db.Path()
}

// StorageTx wraps a bbolt transaction. Buckets are created lazily by the first write.
type StorageTx struct {
	tx *bbolt.Tx
}

var _ storage.BackendTx = &StorageTx{}

func (t *StorageTx) Get(bucket, key []byte) ([]byte, bool, error) {
	b := t.tx.Bucket(bucket)
	if b == nil {
		return nil, false, nil
	}
	v := b.Get(key)
	if v == nil {
		return nil, false, nil
	}
	// values are only valid for the life of the transaction
	return append([]byte(nil), v...), true, nil
}

func (t *StorageTx) Put(bucket, key, value []byte) error {
	b, err := t.tx.CreateBucketIfNotExists(bucket)
	if err != nil {
		return err
	}
	return b.Put(key, value)
}

func (t *StorageTx) Delete(bucket, key []byte) error {
	b := t.tx.Bucket(bucket)
	if b == nil {
		return nil
	}
	return b.Delete(key)
}

func (t *StorageTx) ForEach(bucket []byte, fn func(key, value []byte) error) error {
	b := t.tx.Bucket(bucket)
	if b == nil {
		return nil
	}
	return b.ForEach(fn)
}

func (t *StorageTx) Clear(bucket []byte) error {
	if t.tx.Bucket(bucket) == nil {
		return nil
	}
	return t.tx.DeleteBucket(bucket)
}

func (t *StorageTx) Commit() error {
	if !t.tx.Writable() {
		return t.tx.Rollback()
	}
	return t.tx.Commit()
}

func (t *StorageTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, bbolt.ErrTxClosed) {
		return storage.ErrTransactionClosed
	}
	return err
}
