package storage

import (
	"bytes"
	"encoding/json"

	"github.com/pbinitiative/zenflow/pkg/handle"
)

// ElementFactory converts values of one entity type to and from their stored form and keeps
// derived data consistent through its hooks.
type ElementFactory[V any] interface {
	// Bucket names the bucket holding the entity.
	Bucket() []byte
	Create(h handle.Handle[V], data []byte) (V, error)
	// PostCreate may load dependent data after Create.
	PostCreate(tx *Tx, h handle.Handle[V], v V) (V, error)
	Store(v V) ([]byte, error)
	// PostStore runs after every successful write of v.
	PostStore(tx *Tx, h handle.Handle[V], v V) error
	// PreRemove runs before v is deleted, e.g. to delete dependent entities first.
	PreRemove(tx *Tx, h handle.Handle[V], v V) error
	// IsEqualForStorage reports whether writing b over a would be a no-op.
	IsEqualForStorage(a, b V) bool
	// AssignHandle returns v carrying h, for values that know their own handle.
	AssignHandle(v V, h handle.Handle[V]) V
}

// JSONFactory stores values as JSON and has no-op hooks. Factories embed it and override what they need.
type JSONFactory[V any] struct {
	Name string
}

func (f JSONFactory[V]) Bucket() []byte {
	return []byte(f.Name)
}

func (f JSONFactory[V]) Create(_ handle.Handle[V], data []byte) (V, error) {
	var v V
	err := json.Unmarshal(data, &v)
	return v, err
}

func (f JSONFactory[V]) PostCreate(_ *Tx, _ handle.Handle[V], v V) (V, error) {
	return v, nil
}

func (f JSONFactory[V]) Store(v V) ([]byte, error) {
	return json.Marshal(v)
}

func (f JSONFactory[V]) PostStore(*Tx, handle.Handle[V], V) error {
	return nil
}

func (f JSONFactory[V]) PreRemove(*Tx, handle.Handle[V], V) error {
	return nil
}

func (f JSONFactory[V]) IsEqualForStorage(a, b V) bool {
	da, err := json.Marshal(a)
	if err != nil {
		return false
	}
	db, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(da, db)
}

func (f JSONFactory[V]) AssignHandle(v V, _ handle.Handle[V]) V {
	return v
}
