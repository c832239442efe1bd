package storage

import "context"

// Backend is a bucketed key/value store with transactions.
type Backend interface {
	// Begin starts a transaction. Implementations may serialize writable transactions.
	Begin(ctx context.Context, writable bool) (BackendTx, error)
	Close() error
}

// BackendTx is a transaction of a Backend. Slices passed to callbacks are only valid during the callback.
type BackendTx interface {
	Get(bucket, key []byte) ([]byte, bool, error)
	Put(bucket, key, value []byte) error
	Delete(bucket, key []byte) error
	// ForEach visits all entries of bucket in ascending key order.
	ForEach(bucket []byte, fn func(key, value []byte) error) error
	Clear(bucket []byte) error
	Commit() error
	Rollback() error
}
