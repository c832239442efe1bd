// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package inmemory

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/pbinitiative/zenflow/pkg/storage"
)

// Storage keeps buckets in memory,
// please use NewStorage to create a new object of this type.
//
// Writable transactions are serialized. A writable transaction stages its changes and applies them
// atomically on commit, so readers only ever observe committed state.
type Storage struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
	writer  chan struct{}
	closed  bool
}

var ErrClosed = errors.New("in-memory storage closed")

func NewStorage() *Storage {
	return &Storage{
		buckets: map[string]map[string][]byte{},
		writer:  make(chan struct{}, 1),
	}
}

var _ storage.Backend = &Storage{}

func (mem *Storage) Begin(ctx context.Context, writable bool) (storage.BackendTx, error) {
	mem.mu.RLock()
	closed := mem.closed
	mem.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if !writable {
		return &StorageTx{db: mem}, nil
	}
	select {
	case mem.writer <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &StorageTx{
		db:       mem,
		writable: true,
		staged:   map[string]map[string][]byte{},
		cleared:  map[string]bool{},
	}, nil
}

func (mem *Storage) Close() error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.closed = true
	return nil
}

// StorageTx is a transaction of Storage. A nil value in staged marks a deleted key.
type StorageTx struct {
	db       *Storage
	writable bool
	done     bool
	staged   map[string]map[string][]byte
	cleared  map[string]bool
}

var _ storage.BackendTx = &StorageTx{}

func (tx *StorageTx) Get(bucket, key []byte) ([]byte, bool, error) {
	if tx.done {
		return nil, false, storage.ErrTransactionClosed
	}
	if staged, ok := tx.staged[string(bucket)][string(key)]; ok {
		if staged == nil {
			return nil, false, nil
		}
		return slices.Clone(staged), true, nil
	}
	if tx.cleared[string(bucket)] {
		return nil, false, nil
	}
	tx.db.mu.RLock()
	defer tx.db.mu.RUnlock()
	value, ok := tx.db.buckets[string(bucket)][string(key)]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(value), true, nil
}

func (tx *StorageTx) Put(bucket, key, value []byte) error {
	return tx.stage(bucket, key, append([]byte{}, value...))
}

func (tx *StorageTx) Delete(bucket, key []byte) error {
	return tx.stage(bucket, key, nil)
}

func (tx *StorageTx) stage(bucket, key, value []byte) error {
	if tx.done {
		return storage.ErrTransactionClosed
	}
	if !tx.writable {
		return storage.ErrReadOnly
	}
	b, ok := tx.staged[string(bucket)]
	if !ok {
		b = map[string][]byte{}
		tx.staged[string(bucket)] = b
	}
	if value == nil && !tx.cleared[string(bucket)] {
		b[string(key)] = nil
		return nil
	}
	if value == nil {
		delete(b, string(key))
		return nil
	}
	b[string(key)] = value
	return nil
}

func (tx *StorageTx) ForEach(bucket []byte, fn func(key, value []byte) error) error {
	if tx.done {
		return storage.ErrTransactionClosed
	}
	merged := map[string][]byte{}
	if !tx.cleared[string(bucket)] {
		tx.db.mu.RLock()
		for k, v := range tx.db.buckets[string(bucket)] {
			merged[k] = v
		}
		tx.db.mu.RUnlock()
	}
	for k, v := range tx.staged[string(bucket)] {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if err := fn([]byte(k), merged[k]); err != nil {
			return err
		}
	}
	return nil
}

func (tx *StorageTx) Clear(bucket []byte) error {
	if tx.done {
		return storage.ErrTransactionClosed
	}
	if !tx.writable {
		return storage.ErrReadOnly
	}
	tx.cleared[string(bucket)] = true
	delete(tx.staged, string(bucket))
	return nil
}

func (tx *StorageTx) Commit() error {
	if tx.done {
		return storage.ErrTransactionClosed
	}
	tx.done = true
	if !tx.writable {
		return nil
	}
	defer func() { <-tx.db.writer }()

	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	if tx.db.closed {
		return ErrClosed
	}
	for bucket := range tx.cleared {
		delete(tx.db.buckets, bucket)
	}
	for bucket, entries := range tx.staged {
		b, ok := tx.db.buckets[bucket]
		if !ok {
			b = map[string][]byte{}
			tx.db.buckets[bucket] = b
		}
		for k, v := range entries {
			if v == nil {
				delete(b, k)
				continue
			}
			b[k] = v
		}
	}
	return nil
}

func (tx *StorageTx) Rollback() error {
	if tx.done {
		return storage.ErrTransactionClosed
	}
	tx.done = true
	if tx.writable {
		<-tx.db.writer
	}
	return nil
}
