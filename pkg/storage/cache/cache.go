// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package cache decorates a storage.HandleMap with a bounded LRU cache.
//
// Writes go to the delegate immediately and are staged per transaction; the cache only sees them
// once the transaction commits. A rolled back transaction never leaves data in the cache.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pbinitiative/zenflow/pkg/handle"
	"github.com/pbinitiative/zenflow/pkg/storage"
)

type Map[V any] struct {
	delegate storage.HandleMap[V]
	assign   func(V, handle.Handle[V]) V
	kind     string

	mu         sync.Mutex
	cache      *lru.Cache[handle.Handle[V], V]
	generation uint64
}

var _ storage.HandleMap[struct{}] = &Map[struct{}]{}

type factoryProvider[V any] interface {
	Factory() storage.ElementFactory[V]
}

// New wraps delegate with a cache holding up to capacity values. A capacity of 0 disables caching.
func New[V any](delegate storage.HandleMap[V], capacity int) *Map[V] {
	m := &Map[V]{
		delegate: delegate,
		assign:   func(v V, _ handle.Handle[V]) V { return v },
		kind:     "entity",
	}
	if fp, ok := delegate.(factoryProvider[V]); ok {
		m.assign = fp.Factory().AssignHandle
		m.kind = string(fp.Factory().Bucket())
	}
	if capacity > 0 {
		// only fails for non-positive sizes
		m.cache, _ = lru.New[handle.Handle[V], V](capacity)
	}
	return m
}

type entry[V any] struct {
	value      V
	removed    bool
	clean      bool
	generation uint64
}

// staged holds the cache changes of one transaction.
type staged[V any] struct {
	entries map[handle.Handle[V]]entry[V]
	cleared bool
}

func (m *Map[V]) staged(tx *storage.Tx, create bool) *staged[V] {
	if s, ok := tx.Value(m).(*staged[V]); ok {
		return s
	}
	if !create {
		return nil
	}
	s := &staged[V]{entries: map[handle.Handle[V]]entry[V]{}}
	tx.SetValue(m, s)
	tx.AddCommitHandler(func() { m.promote(s) })
	tx.AddRollbackHandler(func() { m.discard(s) })
	return s
}

func (m *Map[V]) promote(s *staged[V]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.cleared {
		m.cache.Purge()
	}
	dirty := s.cleared
	for h, e := range s.entries {
		switch {
		case e.clean:
			if e.generation == m.generation {
				m.cache.Add(h, e.value)
			}
		case e.removed:
			m.cache.Remove(h)
			dirty = true
		default:
			m.cache.Add(h, e.value)
			dirty = true
		}
	}
	if dirty {
		m.generation++
	}
}

func (m *Map[V]) discard(s *staged[V]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h, e := range s.entries {
		if !e.clean {
			m.cache.Remove(h)
		}
	}
	m.generation++
}

func (m *Map[V]) lookup(tx *storage.Tx, h handle.Handle[V]) (v V, found, hit bool, gen uint64) {
	if s := m.staged(tx, false); s != nil {
		if e, ok := s.entries[h]; ok {
			return e.value, !e.removed, true, 0
		}
		if s.cleared {
			return v, false, false, 0
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.cache.Get(h)
	return v, ok, ok, m.generation
}

func (m *Map[V]) Get(tx *storage.Tx, h handle.Handle[V]) (V, bool, error) {
	if m.cache == nil || !h.IsValid() {
		return m.delegate.Get(tx, h)
	}
	if v, found, hit, _ := m.lookup(tx, h); hit {
		return v, found, nil
	}
	m.mu.Lock()
	gen := m.generation
	m.mu.Unlock()

	v, found, err := m.delegate.Get(tx, h)
	if err != nil || !found {
		return v, found, err
	}
	if tx.Writable() {
		// may be an uncommitted write of another path, only cache it once committed
		s := m.staged(tx, true)
		s.entries[h] = entry[V]{value: v, clean: true, generation: gen}
		return v, true, nil
	}
	m.mu.Lock()
	if m.generation == gen {
		m.cache.Add(h, v)
	}
	m.mu.Unlock()
	return v, true, nil
}

func (m *Map[V]) MustGet(tx *storage.Tx, h handle.Handle[V]) (V, error) {
	v, found, err := m.Get(tx, h)
	if err != nil {
		return v, err
	}
	if !found {
		return v, &storage.NotFoundError{Kind: m.kind, Key: h.Key()}
	}
	return v, nil
}

func (m *Map[V]) Put(tx *storage.Tx, v V) (handle.Handle[V], error) {
	h, err := m.delegate.Put(tx, v)
	if err != nil || m.cache == nil {
		return h, err
	}
	m.staged(tx, true).entries[h] = entry[V]{value: m.assign(v, h)}
	return h, nil
}

func (m *Map[V]) Set(tx *storage.Tx, h handle.Handle[V], v V) (V, bool, error) {
	prev, found, err := m.delegate.Set(tx, h, v)
	if err != nil || m.cache == nil {
		return prev, found, err
	}
	m.staged(tx, true).entries[h] = entry[V]{value: m.assign(v, h)}
	return prev, found, nil
}

func (m *Map[V]) Remove(tx *storage.Tx, h handle.Handle[V]) (bool, error) {
	removed, err := m.delegate.Remove(tx, h)
	if err != nil || m.cache == nil {
		return removed, err
	}
	m.staged(tx, true).entries[h] = entry[V]{removed: true}
	return removed, nil
}

func (m *Map[V]) Contains(tx *storage.Tx, h handle.Handle[V]) (bool, error) {
	if m.cache != nil && h.IsValid() {
		if _, found, hit, _ := m.lookup(tx, h); hit {
			return found, nil
		}
	}
	return m.delegate.Contains(tx, h)
}

func (m *Map[V]) ForEach(tx *storage.Tx, fn func(h handle.Handle[V], v V) error) error {
	return m.delegate.ForEach(tx, fn)
}

func (m *Map[V]) Clear(tx *storage.Tx) error {
	if err := m.delegate.Clear(tx); err != nil || m.cache == nil {
		return err
	}
	s := m.staged(tx, true)
	s.cleared = true
	s.entries = map[handle.Handle[V]]entry[V]{}
	return nil
}

// InvalidateCache drops the cached value of h.
func (m *Map[V]) InvalidateCache(h handle.Handle[V]) {
	if m.cache == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Remove(h)
	m.generation++
}

// InvalidateCaches drops every cached value.
func (m *Map[V]) InvalidateCaches() {
	if m.cache == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Purge()
	m.generation++
}

// Len returns the number of cached values.
func (m *Map[V]) Len() int {
	if m.cache == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Len()
}
