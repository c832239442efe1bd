// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pbinitiative/zenflow/pkg/handle"
)

// HandleMap is a handle keyed store of V. Every operation runs inside the given transaction and
// none of them commits.
type HandleMap[V any] interface {
	// Get returns found == false when h does not resolve.
	Get(tx *Tx, h handle.Handle[V]) (V, bool, error)
	// MustGet returns a NotFoundError when h does not resolve.
	MustGet(tx *Tx, h handle.Handle[V]) (V, error)
	// Put stores v under a freshly allocated handle.
	Put(tx *Tx, v V) (handle.Handle[V], error)
	// Set stores v under h and returns the previous value, if there was one.
	Set(tx *Tx, h handle.Handle[V], v V) (V, bool, error)
	Remove(tx *Tx, h handle.Handle[V]) (bool, error)
	Contains(tx *Tx, h handle.Handle[V]) (bool, error)
	ForEach(tx *Tx, fn func(h handle.Handle[V], v V) error) error
	Clear(tx *Tx) error
}

// Map is the HandleMap of one bucket of the backend.
type Map[V any] struct {
	factory ElementFactory[V]
	kind    string
}

var _ HandleMap[struct{}] = &Map[struct{}]{}

func NewMap[V any](factory ElementFactory[V]) *Map[V] {
	return &Map[V]{
		factory: factory,
		kind:    string(factory.Bucket()),
	}
}

func (m *Map[V]) Factory() ElementFactory[V] {
	return m.factory
}

func (m *Map[V]) Get(tx *Tx, h handle.Handle[V]) (V, bool, error) {
	var zero V
	if !h.IsValid() {
		return zero, false, nil
	}
	btx, err := tx.backendTx(false)
	if err != nil {
		return zero, false, err
	}
	data, found, err := btx.Get(m.factory.Bucket(), EncodeKey(h.Key()))
	if err != nil {
		return zero, false, storageErr("get "+m.kind, err)
	}
	if !found {
		return zero, false, nil
	}
	v, err := m.create(tx, h, data)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

func (m *Map[V]) MustGet(tx *Tx, h handle.Handle[V]) (V, error) {
	v, found, err := m.Get(tx, h)
	if err != nil {
		return v, err
	}
	if !found {
		return v, &NotFoundError{Kind: m.kind, Key: h.Key()}
	}
	return v, nil
}

func (m *Map[V]) Put(tx *Tx, v V) (handle.Handle[V], error) {
	h := handle.New[V](tx.db.NextKey())
	v = m.factory.AssignHandle(v, h)
	if err := m.write(tx, h, v); err != nil {
		return handle.Invalid[V](), err
	}
	return h, nil
}

func (m *Map[V]) Set(tx *Tx, h handle.Handle[V], v V) (V, bool, error) {
	var zero V
	if !h.IsValid() {
		return zero, false, fmt.Errorf("set %s: invalid handle", m.kind)
	}
	v = m.factory.AssignHandle(v, h)
	prev, found, err := m.Get(tx, h)
	if err != nil {
		return zero, false, err
	}
	if found && m.factory.IsEqualForStorage(prev, v) {
		return prev, true, nil
	}
	if err := m.write(tx, h, v); err != nil {
		return zero, false, err
	}
	return prev, found, nil
}

func (m *Map[V]) Remove(tx *Tx, h handle.Handle[V]) (bool, error) {
	v, found, err := m.Get(tx, h)
	if err != nil || !found {
		return false, err
	}
	btx, err := tx.backendTx(true)
	if err != nil {
		return false, err
	}
	if err := m.factory.PreRemove(tx, h, v); err != nil {
		return false, err
	}
	if err := btx.Delete(m.factory.Bucket(), EncodeKey(h.Key())); err != nil {
		return false, storageErr("delete "+m.kind, err)
	}
	return true, nil
}

func (m *Map[V]) Contains(tx *Tx, h handle.Handle[V]) (bool, error) {
	if !h.IsValid() {
		return false, nil
	}
	btx, err := tx.backendTx(false)
	if err != nil {
		return false, err
	}
	_, found, err := btx.Get(m.factory.Bucket(), EncodeKey(h.Key()))
	return found, storageErr("get "+m.kind, err)
}

// ForEach visits values in ascending handle order. fn must not write to the map.
func (m *Map[V]) ForEach(tx *Tx, fn func(h handle.Handle[V], v V) error) error {
	btx, err := tx.backendTx(false)
	if err != nil {
		return err
	}
	type entry struct {
		h    handle.Handle[V]
		data []byte
	}
	var entries []entry
	err = btx.ForEach(m.factory.Bucket(), func(key, value []byte) error {
		k, err := DecodeKey(key)
		if err != nil {
			return err
		}
		entries = append(entries, entry{h: handle.New[V](k), data: append([]byte(nil), value...)})
		return nil
	})
	if err != nil {
		return storageErr("scan "+m.kind, err)
	}
	for _, e := range entries {
		v, err := m.create(tx, e.h, e.data)
		if err != nil {
			return err
		}
		if err := fn(e.h, v); err != nil {
			return err
		}
	}
	return nil
}

// Clear removes every value, running PreRemove for each of them.
func (m *Map[V]) Clear(tx *Tx) error {
	btx, err := tx.backendTx(true)
	if err != nil {
		return err
	}
	err = m.ForEach(tx, func(h handle.Handle[V], v V) error {
		return m.factory.PreRemove(tx, h, v)
	})
	if err != nil {
		return err
	}
	return storageErr("clear "+m.kind, btx.Clear(m.factory.Bucket()))
}

func (m *Map[V]) create(tx *Tx, h handle.Handle[V], data []byte) (V, error) {
	v, err := m.factory.Create(h, data)
	if err != nil {
		return v, fmt.Errorf("failed to decode %s %d: %w", m.kind, h.Key(), err)
	}
	v = m.factory.AssignHandle(v, h)
	return m.factory.PostCreate(tx, h, v)
}

func (m *Map[V]) write(tx *Tx, h handle.Handle[V], v V) error {
	btx, err := tx.backendTx(true)
	if err != nil {
		return err
	}
	data, err := m.factory.Store(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s %d: %w", m.kind, h.Key(), err)
	}
	if err := btx.Put(m.factory.Bucket(), EncodeKey(h.Key()), data); err != nil {
		return storageErr("put "+m.kind, err)
	}
	return m.factory.PostStore(tx, h, v)
}

// EncodeKey encodes a handle key so that byte order matches numeric order for non-negative keys.
func EncodeKey(key int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(key))
	return b
}

func DecodeKey(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, errors.New("malformed handle key")
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}
