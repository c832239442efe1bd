// Package storagetest contains the conformance tests every storage backend has to pass.
package storagetest

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	stdruntime "runtime"

	"github.com/pbinitiative/zenflow/pkg/handle"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type StorageTestFunc func(db *storage.DB, t *testing.T) func(t *testing.T)

type StorageTester struct{}

func (st *StorageTester) GetTests() map[string]StorageTestFunc {
	tests := map[string]StorageTestFunc{}

	// all test functions need to be registered here
	functions := []StorageTestFunc{
		st.TestPutGet,
		st.TestSetReturnsPrevious,
		st.TestSetSkipsEqualWrite,
		st.TestRemove,
		st.TestMustGetNotFound,
		st.TestForEachOrder,
		st.TestClear,
		st.TestRollbackDiscardsWrites,
		st.TestReadYourWrites,
		st.TestReadOnlyTransaction,
		st.TestClosedTransaction,
		st.TestRollbackHandlersRunOnce,
	}

	for _, function := range functions {
		funcName := getFunctionName(function)
		strippedName := funcName[strings.LastIndex(funcName, ".")+1:]
		strippedName = strings.TrimSuffix(strippedName, "-fm")
		tests[strippedName] = function
	}
	return tests
}

// Run runs every conformance test against db.
func (st *StorageTester) Run(t *testing.T, db *storage.DB) {
	for name, testFunc := range st.GetTests() {
		t.Run(name, testFunc(db, t))
	}
}

func getFunctionName(i any) string {
	return stdruntime.FuncForPC(reflect.ValueOf(i).Pointer()).Name()
}

type record struct {
	Handle handle.Handle[record] `json:"handle"`
	Name   string                `json:"name"`
	Value  int                   `json:"value"`
}

type recordFactory struct {
	storage.JSONFactory[record]
	stored  int
	removed []handle.Handle[record]
}

func (f *recordFactory) AssignHandle(r record, h handle.Handle[record]) record {
	r.Handle = h
	return r
}

func (f *recordFactory) PostStore(*storage.Tx, handle.Handle[record], record) error {
	f.stored++
	return nil
}

func (f *recordFactory) PreRemove(_ *storage.Tx, h handle.Handle[record], _ record) error {
	f.removed = append(f.removed, h)
	return nil
}

func newRecords(name string) (*storage.Map[record], *recordFactory) {
	f := &recordFactory{JSONFactory: storage.JSONFactory[record]{Name: "conformance_" + name}}
	return storage.NewMap[record](f), f
}

func update(t *testing.T, db *storage.DB, fn func(tx *storage.Tx)) {
	err := db.Update(t.Context(), func(tx *storage.Tx) error {
		fn(tx)
		return nil
	})
	require.NoError(t, err)
}

func view(t *testing.T, db *storage.DB, fn func(tx *storage.Tx)) {
	err := db.View(t.Context(), func(tx *storage.Tx) error {
		fn(tx)
		return nil
	})
	require.NoError(t, err)
}

func (st *StorageTester) TestPutGet(db *storage.DB, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		records, _ := newRecords("put_get")
		carried := handle.New[record](12345)
		var h handle.Handle[record]
		update(t, db, func(tx *storage.Tx) {
			var err error
			h, err = records.Put(tx, record{Handle: carried, Name: "a", Value: 1})
			assert.NoError(t, err)
		})
		assert.True(t, h.IsValid())
		assert.NotEqual(t, carried, h)

		view(t, db, func(tx *storage.Tx) {
			v, found, err := records.Get(tx, h)
			assert.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, record{Handle: h, Name: "a", Value: 1}, v)

			ok, err := records.Contains(tx, h)
			assert.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func (st *StorageTester) TestSetReturnsPrevious(db *storage.DB, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		records, _ := newRecords("set_previous")
		update(t, db, func(tx *storage.Tx) {
			h, err := records.Put(tx, record{Name: "a", Value: 1})
			require.NoError(t, err)

			prev, found, err := records.Set(tx, h, record{Name: "a", Value: 2})
			assert.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, 1, prev.Value)

			v, err := records.MustGet(tx, h)
			assert.NoError(t, err)
			assert.Equal(t, 2, v.Value)
		})
	}
}

func (st *StorageTester) TestSetSkipsEqualWrite(db *storage.DB, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		records, factory := newRecords("set_equal")
		update(t, db, func(tx *storage.Tx) {
			h, err := records.Put(tx, record{Name: "a", Value: 1})
			require.NoError(t, err)
			assert.Equal(t, 1, factory.stored)

			_, _, err = records.Set(tx, h, record{Name: "a", Value: 1})
			assert.NoError(t, err)
			assert.Equal(t, 1, factory.stored)

			_, _, err = records.Set(tx, h, record{Name: "b", Value: 1})
			assert.NoError(t, err)
			assert.Equal(t, 2, factory.stored)
		})
	}
}

func (st *StorageTester) TestRemove(db *storage.DB, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		records, factory := newRecords("remove")
		var h handle.Handle[record]
		update(t, db, func(tx *storage.Tx) {
			var err error
			h, err = records.Put(tx, record{Name: "a"})
			require.NoError(t, err)
		})
		update(t, db, func(tx *storage.Tx) {
			removed, err := records.Remove(tx, h)
			assert.NoError(t, err)
			assert.True(t, removed)

			removed, err = records.Remove(tx, h)
			assert.NoError(t, err)
			assert.False(t, removed)
		})
		assert.Equal(t, []handle.Handle[record]{h}, factory.removed)
		view(t, db, func(tx *storage.Tx) {
			_, found, err := records.Get(tx, h)
			assert.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func (st *StorageTester) TestMustGetNotFound(db *storage.DB, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		records, _ := newRecords("must_get")
		view(t, db, func(tx *storage.Tx) {
			_, err := records.MustGet(tx, handle.New[record](999))
			assert.ErrorIs(t, err, storage.ErrNotFound)
			var nf *storage.NotFoundError
			assert.ErrorAs(t, err, &nf)
			assert.Equal(t, int64(999), nf.Key)

			_, found, err := records.Get(tx, handle.Invalid[record]())
			assert.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func (st *StorageTester) TestForEachOrder(db *storage.DB, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		records, _ := newRecords("for_each")
		var expected []handle.Handle[record]
		update(t, db, func(tx *storage.Tx) {
			for i := range 5 {
				h, err := records.Put(tx, record{Name: fmt.Sprintf("r%d", i), Value: i})
				require.NoError(t, err)
				expected = append(expected, h)
			}
		})
		var visited []handle.Handle[record]
		view(t, db, func(tx *storage.Tx) {
			err := records.ForEach(tx, func(h handle.Handle[record], v record) error {
				assert.Equal(t, h, v.Handle)
				visited = append(visited, h)
				return nil
			})
			assert.NoError(t, err)
		})
		assert.Equal(t, expected, visited)
	}
}

func (st *StorageTester) TestClear(db *storage.DB, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		records, factory := newRecords("clear")
		update(t, db, func(tx *storage.Tx) {
			for range 3 {
				_, err := records.Put(tx, record{Name: "x"})
				require.NoError(t, err)
			}
		})
		update(t, db, func(tx *storage.Tx) {
			assert.NoError(t, records.Clear(tx))
		})
		assert.Len(t, factory.removed, 3)
		view(t, db, func(tx *storage.Tx) {
			count := 0
			err := records.ForEach(tx, func(handle.Handle[record], record) error {
				count++
				return nil
			})
			assert.NoError(t, err)
			assert.Zero(t, count)
		})
	}
}

func (st *StorageTester) TestRollbackDiscardsWrites(db *storage.DB, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		records, _ := newRecords("rollback")
		var h handle.Handle[record]
		errAbort := errors.New("abort")
		err := db.Update(t.Context(), func(tx *storage.Tx) error {
			var err error
			h, err = records.Put(tx, record{Name: "gone"})
			require.NoError(t, err)
			return errAbort
		})
		assert.ErrorIs(t, err, errAbort)
		view(t, db, func(tx *storage.Tx) {
			_, found, err := records.Get(tx, h)
			assert.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func (st *StorageTester) TestReadYourWrites(db *storage.DB, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		records, _ := newRecords("read_your_writes")
		var h handle.Handle[record]
		update(t, db, func(tx *storage.Tx) {
			var err error
			h, err = records.Put(tx, record{Name: "a"})
			require.NoError(t, err)
			_, err = records.Remove(tx, h)
			require.NoError(t, err)
			_, err = records.Put(tx, record{Name: "b"})
			require.NoError(t, err)

			names := []string{}
			err = records.ForEach(tx, func(_ handle.Handle[record], v record) error {
				names = append(names, v.Name)
				return nil
			})
			assert.NoError(t, err)
			assert.Equal(t, []string{"b"}, names)
		})
	}
}

func (st *StorageTester) TestReadOnlyTransaction(db *storage.DB, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		records, _ := newRecords("read_only")
		view(t, db, func(tx *storage.Tx) {
			_, err := records.Put(tx, record{Name: "a"})
			assert.ErrorIs(t, err, storage.ErrReadOnly)
		})
	}
}

func (st *StorageTester) TestClosedTransaction(db *storage.DB, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		records, _ := newRecords("closed")
		tx, err := db.Begin(t.Context(), true)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		_, err = records.Put(tx, record{Name: "a"})
		assert.ErrorIs(t, err, storage.ErrTransactionClosed)
		assert.ErrorIs(t, tx.Commit(), storage.ErrTransactionClosed)
		assert.ErrorIs(t, tx.Rollback(), storage.ErrTransactionClosed)
	}
}

func (st *StorageTester) TestRollbackHandlersRunOnce(db *storage.DB, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		tx, err := db.Begin(t.Context(), true)
		require.NoError(t, err)
		rollbacks, commits := 0, 0
		tx.AddRollbackHandler(func() { rollbacks++ })
		tx.AddCommitHandler(func() { commits++ })

		assert.NoError(t, tx.Rollback())
		tx.Close()
		assert.ErrorIs(t, tx.Rollback(), storage.ErrTransactionClosed)
		assert.Equal(t, 1, rollbacks)
		assert.Equal(t, 0, commits)
	}
}
