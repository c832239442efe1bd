// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package model

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pbinitiative/zenflow/pkg/handle"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/pbinitiative/zenflow/pkg/storage/cache"
)

const (
	modelBucket     = "process_model"
	uuidIndexBucket = "process_model_uuid"
)

type modelFactory struct {
	storage.JSONFactory[ProcessModel]
	uuids *storage.Index
}

func (f *modelFactory) AssignHandle(m ProcessModel, h handle.Handle[ProcessModel]) ProcessModel {
	m.Handle = h
	return m
}

// PostStore points the uuid index at the latest version of the model.
func (f *modelFactory) PostStore(tx *storage.Tx, h handle.Handle[ProcessModel], m ProcessModel) error {
	return f.uuids.Put(tx, m.UUID[:], h.Key())
}

func (f *modelFactory) PreRemove(tx *storage.Tx, h handle.Handle[ProcessModel], m ProcessModel) error {
	key, found, err := f.uuids.Lookup(tx, m.UUID[:])
	if err != nil || !found || key != h.Key() {
		return err
	}
	return f.uuids.Delete(tx, m.UUID[:])
}

// Store keeps published process models in a cached handle map and indexes them by uuid.
type Store struct {
	models *cache.Map[ProcessModel]
	uuids  *storage.Index
}

func NewStore(cacheSize int) *Store {
	uuids := storage.NewIndex(uuidIndexBucket)
	factory := &modelFactory{
		JSONFactory: storage.JSONFactory[ProcessModel]{Name: modelBucket},
		uuids:       uuids,
	}
	return &Store{
		models: cache.New[ProcessModel](storage.NewMap[ProcessModel](factory), cacheSize),
		uuids:  uuids,
	}
}

// Add publishes the first version of m. A model with the same uuid must not exist yet.
func (s *Store) Add(tx *storage.Tx, m ProcessModel) (handle.Handle[ProcessModel], error) {
	if err := m.Validate(); err != nil {
		return handle.Invalid[ProcessModel](), err
	}
	_, found, err := s.GetModelWithUUID(tx, m.UUID)
	if err != nil {
		return handle.Invalid[ProcessModel](), err
	}
	if found {
		return handle.Invalid[ProcessModel](), fmt.Errorf("%w: %s", ErrDuplicateUUID, m.UUID)
	}
	m.Version = 1
	return s.models.Put(tx, m)
}

// Update publishes m as the next version of the model sharing its uuid.
func (s *Store) Update(tx *storage.Tx, m ProcessModel) (handle.Handle[ProcessModel], error) {
	if err := m.Validate(); err != nil {
		return handle.Invalid[ProcessModel](), err
	}
	latest, found, err := s.GetModelWithUUID(tx, m.UUID)
	if err != nil {
		return handle.Invalid[ProcessModel](), err
	}
	if !found {
		return handle.Invalid[ProcessModel](), fmt.Errorf("process model %s: %w", m.UUID, storage.ErrNotFound)
	}
	m.Version = latest.Version + 1
	return s.models.Put(tx, m)
}

func (s *Store) Get(tx *storage.Tx, h handle.Handle[ProcessModel]) (ProcessModel, bool, error) {
	return s.models.Get(tx, h)
}

func (s *Store) MustGet(tx *storage.Tx, h handle.Handle[ProcessModel]) (ProcessModel, error) {
	return s.models.MustGet(tx, h)
}

// Remove deletes one version. Removing the latest version points the uuid index at the highest
// remaining one.
func (s *Store) Remove(tx *storage.Tx, h handle.Handle[ProcessModel]) (bool, error) {
	m, found, err := s.models.Get(tx, h)
	if err != nil || !found {
		return false, err
	}
	if _, err := s.models.Remove(tx, h); err != nil {
		return false, err
	}
	if _, indexed, err := s.uuids.Lookup(tx, m.UUID[:]); err != nil || indexed {
		return true, err
	}
	latest, found, err := s.scanLatest(tx, m.UUID)
	if err != nil || !found {
		return true, err
	}
	return true, s.uuids.Put(tx, m.UUID[:], latest.Handle.Key())
}

func (s *Store) ForEach(tx *storage.Tx, fn func(h handle.Handle[ProcessModel], m ProcessModel) error) error {
	return s.models.ForEach(tx, fn)
}

// GetModelWithUUID returns the latest version of the model with uuid u. Only a stale index entry
// falls back to scanning all stored models.
func (s *Store) GetModelWithUUID(tx *storage.Tx, u uuid.UUID) (ProcessModel, bool, error) {
	key, found, err := s.uuids.Lookup(tx, u[:])
	if err != nil || !found {
		return ProcessModel{}, false, err
	}
	m, ok, err := s.models.Get(tx, handle.New[ProcessModel](key))
	if err != nil || ok {
		return m, ok, err
	}
	return s.scanLatest(tx, u)
}

func (s *Store) scanLatest(tx *storage.Tx, u uuid.UUID) (ProcessModel, bool, error) {
	var latest ProcessModel
	found := false
	err := s.models.ForEach(tx, func(h handle.Handle[ProcessModel], m ProcessModel) error {
		if m.UUID == u && (!found || m.Version > latest.Version) {
			m.Handle = h
			latest, found = m, true
		}
		return nil
	})
	return latest, found, err
}

func (s *Store) InvalidateCache(h handle.Handle[ProcessModel]) {
	s.models.InvalidateCache(h)
}

func (s *Store) InvalidateCaches() {
	s.models.InvalidateCaches()
}
