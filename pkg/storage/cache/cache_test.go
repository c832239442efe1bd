package cache_test

import (
	"errors"
	"testing"

	"github.com/pbinitiative/zenflow/pkg/handle"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/pbinitiative/zenflow/pkg/storage/cache"
	"github.com/pbinitiative/zenflow/pkg/storage/inmemory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	Handle handle.Handle[item] `json:"handle"`
	Name   string              `json:"name"`
}

type itemFactory struct {
	storage.JSONFactory[item]
}

func (itemFactory) AssignHandle(v item, h handle.Handle[item]) item {
	v.Handle = h
	return v
}

// countingMap counts the reads that reach the underlying map.
type countingMap struct {
	*storage.Map[item]
	gets int
}

func (c *countingMap) Get(tx *storage.Tx, h handle.Handle[item]) (item, bool, error) {
	c.gets++
	return c.Map.Get(tx, h)
}

func setup(t *testing.T, capacity int) (*storage.DB, *countingMap, *cache.Map[item]) {
	t.Helper()
	db := storage.NewDB(inmemory.NewStorage())
	delegate := &countingMap{Map: storage.NewMap[item](itemFactory{storage.JSONFactory[item]{Name: "items"}})}
	return db, delegate, cache.New[item](delegate, capacity)
}

func put(t *testing.T, db *storage.DB, m storage.HandleMap[item], name string) handle.Handle[item] {
	t.Helper()
	var h handle.Handle[item]
	err := db.Update(t.Context(), func(tx *storage.Tx) error {
		var err error
		h, err = m.Put(tx, item{Name: name})
		return err
	})
	require.NoError(t, err)
	return h
}

func get(t *testing.T, db *storage.DB, m storage.HandleMap[item], h handle.Handle[item]) (item, bool) {
	t.Helper()
	var v item
	var found bool
	err := db.View(t.Context(), func(tx *storage.Tx) error {
		var err error
		v, found, err = m.Get(tx, h)
		return err
	})
	require.NoError(t, err)
	return v, found
}

func TestSetIsServedFromCache(t *testing.T) {
	db, delegate, m := setup(t, 10)
	h := put(t, db, m, "first")

	err := db.Update(t.Context(), func(tx *storage.Tx) error {
		_, _, err := m.Set(tx, h, item{Name: "second"})
		return err
	})
	require.NoError(t, err)

	before := delegate.gets
	v, found := get(t, db, m, h)
	assert.True(t, found)
	assert.Equal(t, item{Handle: h, Name: "second"}, v)
	assert.Equal(t, before, delegate.gets)
}

func TestInvalidateCacheConsultsDelegate(t *testing.T) {
	db, delegate, m := setup(t, 10)
	h := put(t, db, m, "first")

	before := delegate.gets
	get(t, db, m, h)
	assert.Equal(t, before, delegate.gets)

	m.InvalidateCache(h)
	get(t, db, m, h)
	assert.Equal(t, before+1, delegate.gets)

	// cached again after the miss
	get(t, db, m, h)
	assert.Equal(t, before+1, delegate.gets)

	m.InvalidateCaches()
	get(t, db, m, h)
	assert.Equal(t, before+2, delegate.gets)
}

func TestRolledBackWriteIsNotCached(t *testing.T) {
	db, _, m := setup(t, 10)
	h := put(t, db, m, "first")

	errAbort := errors.New("abort")
	err := db.Update(t.Context(), func(tx *storage.Tx) error {
		_, _, err := m.Set(tx, h, item{Name: "uncommitted"})
		require.NoError(t, err)

		v, found, err := m.Get(tx, h)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "uncommitted", v.Name)
		return errAbort
	})
	assert.ErrorIs(t, err, errAbort)

	v, found := get(t, db, m, h)
	assert.True(t, found)
	assert.Equal(t, "first", v.Name)
}

func TestUncommittedWriteIsInvisibleToOtherTransactions(t *testing.T) {
	db, _, m := setup(t, 10)
	h := put(t, db, m, "first")

	tx, err := db.Begin(t.Context(), true)
	require.NoError(t, err)
	_, _, err = m.Set(tx, h, item{Name: "second"})
	require.NoError(t, err)

	v, _ := get(t, db, m, h)
	assert.Equal(t, "first", v.Name)

	require.NoError(t, tx.Commit())
	v, _ = get(t, db, m, h)
	assert.Equal(t, "second", v.Name)
}

func TestRemoveEvicts(t *testing.T) {
	db, _, m := setup(t, 10)
	h := put(t, db, m, "first")

	err := db.Update(t.Context(), func(tx *storage.Tx) error {
		removed, err := m.Remove(tx, h)
		assert.True(t, removed)
		return err
	})
	require.NoError(t, err)

	_, found := get(t, db, m, h)
	assert.False(t, found)
	assert.Zero(t, m.Len())
}

func TestCapacityBoundsCache(t *testing.T) {
	db, delegate, m := setup(t, 2)
	first := put(t, db, m, "a")
	put(t, db, m, "b")
	put(t, db, m, "c")
	assert.Equal(t, 2, m.Len())

	before := delegate.gets
	_, found := get(t, db, m, first)
	assert.True(t, found)
	assert.Equal(t, before+1, delegate.gets)
}

func TestZeroCapacityIsPassthrough(t *testing.T) {
	db, delegate, m := setup(t, 0)
	h := put(t, db, m, "a")

	get(t, db, m, h)
	get(t, db, m, h)
	assert.Equal(t, 2, delegate.gets)
	assert.Zero(t, m.Len())
}

func TestMustGetReportsKind(t *testing.T) {
	db, _, m := setup(t, 10)
	err := db.View(t.Context(), func(tx *storage.Tx) error {
		_, err := m.MustGet(tx, handle.New[item](1))
		return err
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
