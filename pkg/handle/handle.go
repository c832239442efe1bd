// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package handle provides typed references to stored entities.
//
// A Handle is a value type: it is comparable, can be used as a map key and
// serializes to JSON as its numeric key (or null when invalid).
package handle

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Handle references a stored entity of type T.
// The zero value is the invalid handle, it never resolves to a value.
type Handle[T any] struct {
	key   int64
	valid bool
}

// New returns a valid handle with the given key.
func New[T any](key int64) Handle[T] {
	return Handle[T]{key: key, valid: true}
}

// Invalid returns the invalid handle.
func Invalid[T any]() Handle[T] {
	return Handle[T]{}
}

// Key returns the storage key of the handle. It is 0 for an invalid handle.
func (h Handle[T]) Key() int64 {
	if !h.valid {
		return 0
	}
	return h.key
}

func (h Handle[T]) IsValid() bool {
	return h.valid
}

func (h Handle[T]) String() string {
	if !h.valid {
		return "<invalid>"
	}
	return strconv.FormatInt(h.key, 10)
}

// Retype converts handle h into a handle of another entity type with the same key.
func Retype[U, T any](h Handle[T]) Handle[U] {
	return Handle[U]{key: h.key, valid: h.valid}
}

func (h Handle[T]) MarshalJSON() ([]byte, error) {
	if !h.valid {
		return []byte("null"), nil
	}
	return strconv.AppendInt(nil, h.key, 10), nil
}

func (h *Handle[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*h = Handle[T]{}
		return nil
	}
	var key int64
	if err := json.Unmarshal(data, &key); err != nil {
		return err
	}
	*h = New[T](key)
	return nil
}
