package engine

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/pbinitiative/zenflow/pkg/engine/runtime"
	"github.com/pbinitiative/zenflow/pkg/handle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingProcessInstance(t *testing.T) {
	te := newTestEngine(t)
	mh := publish(t, te.Engine, singleTaskModel())
	ctx := context.Background()

	var pi handle.Handle[runtime.ProcessInstance]
	err := te.operation(ctx, func(tx *Transaction) error {
		b, err := tx.newInstance(runtime.ProcessInstance{
			Owner: alice.Name(),
			Model: mh,
			UUID:  uuid.New(),
			State: runtime.InstanceStateNew,
		})
		if err != nil {
			return err
		}
		pi = b.Handle()

		pending, found := tx.PendingProcessInstance(pi)
		assert.True(t, found)
		assert.Same(t, b, pending)
		_, found = tx.PendingProcessInstance(handle.New[runtime.ProcessInstance](pi.Key() + 1000))
		assert.False(t, found)
		return nil
	})
	require.NoError(t, err)

	err = te.operation(ctx, func(tx *Transaction) error {
		_, found := tx.PendingProcessInstance(pi)
		assert.False(t, found, "builders do not outlive their transaction")

		b, err := tx.instance(pi)
		if err != nil {
			return err
		}
		pending, found := tx.PendingProcessInstance(pi)
		assert.True(t, found)
		assert.Same(t, b, pending)
		assert.Equal(t, runtime.InstanceStateNew, pending.State())
		return nil
	})
	require.NoError(t, err)
}
