package sqlite_test

import (
	"path/filepath"
	"testing"

	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/pbinitiative/zenflow/pkg/storage/sqlite"
	"github.com/pbinitiative/zenflow/pkg/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSqliteStorage(t *testing.T) {
	backend, err := sqlite.Open(t.Context(), filepath.Join(t.TempDir(), "zenflow.sqlite"))
	require.NoError(t, err)
	db := storage.NewDB(backend)
	defer db.Close()

	tester := storagetest.StorageTester{}
	tester.Run(t, db)
}

func TestReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zenflow.sqlite")
	backend, err := sqlite.Open(t.Context(), path)
	require.NoError(t, err)
	tx, err := backend.Begin(t.Context(), true)
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("b"), []byte{0, 1}, []byte("v1")))
	require.NoError(t, tx.Put([]byte("b"), []byte{0, 1}, []byte("v2")))
	require.NoError(t, tx.Commit())
	require.NoError(t, backend.Close())

	backend, err = sqlite.Open(t.Context(), path)
	require.NoError(t, err)
	defer backend.Close()
	tx, err = backend.Begin(t.Context(), false)
	require.NoError(t, err)
	defer tx.Rollback()
	v, found, err := tx.Get([]byte("b"), []byte{0, 1})
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v2"), v)
}
