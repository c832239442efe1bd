package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/pbinitiative/zenflow/pkg/storage/inmemory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConstraint = errors.New("constraint violation")

type failingBackend struct {
	storage.Backend
}

func (b failingBackend) Begin(ctx context.Context, writable bool) (storage.BackendTx, error) {
	tx, err := b.Backend.Begin(ctx, writable)
	if err != nil {
		return nil, err
	}
	return failingTx{tx}, nil
}

type failingTx struct {
	storage.BackendTx
}

func (tx failingTx) Commit() error {
	_ = tx.BackendTx.Rollback()
	return errConstraint
}

func TestCommitFailureRunsRollbackHandlersOnce(t *testing.T) {
	db := storage.NewDB(failingBackend{inmemory.NewStorage()})

	tx, err := db.Begin(t.Context(), true)
	require.NoError(t, err)
	rollbacks, commits := 0, 0
	tx.AddRollbackHandler(func() { rollbacks++ })
	tx.AddCommitHandler(func() { commits++ })

	err = tx.Commit()
	var storageErr *storage.StorageError
	assert.ErrorAs(t, err, &storageErr)
	assert.ErrorIs(t, err, errConstraint)
	assert.Equal(t, "commit", storageErr.Op)

	tx.Close()
	assert.ErrorIs(t, tx.Rollback(), storage.ErrTransactionClosed)
	assert.Equal(t, 1, rollbacks)
	assert.Equal(t, 0, commits)
}

func TestHandlersRunInReverseOrder(t *testing.T) {
	db := storage.NewDB(inmemory.NewStorage())
	tx, err := db.Begin(t.Context(), true)
	require.NoError(t, err)

	var order []int
	tx.AddCommitHandler(func() { order = append(order, 1) })
	tx.AddCommitHandler(func() { order = append(order, 2) })
	assert.NoError(t, tx.Commit())
	assert.Equal(t, []int{2, 1}, order)
}

func TestTransactionValues(t *testing.T) {
	db := storage.NewDB(inmemory.NewStorage())
	err := db.View(t.Context(), func(tx *storage.Tx) error {
		assert.Nil(t, tx.Value("k"))
		tx.SetValue("k", 1)
		assert.Equal(t, 1, tx.Value("k"))
		assert.False(t, tx.Writable())
		return nil
	})
	assert.NoError(t, err)
}

func TestKeyEncodingKeepsOrder(t *testing.T) {
	a, b := storage.EncodeKey(1), storage.EncodeKey(256)
	assert.Less(t, string(a), string(b))
	k, err := storage.DecodeKey(b)
	assert.NoError(t, err)
	assert.Equal(t, int64(256), k)
	_, err = storage.DecodeKey([]byte{1})
	assert.Error(t, err)
}
