package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pbinitiative/zenflow/pkg/engine/runtime"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/pbinitiative/zenflow/pkg/storage/boltdb"
	"github.com/pbinitiative/zenflow/pkg/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarioOnPersistentBackends(t *testing.T) {
	open := map[string]func(t *testing.T, path string) storage.Backend{
		"bolt": func(t *testing.T, path string) storage.Backend {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			backend, err := boltdb.Open(ctx, path, nil)
			require.NoError(t, err)
			return backend
		},
		"sqlite": func(t *testing.T, path string) storage.Backend {
			backend, err := sqlite.Open(context.Background(), path)
			require.NoError(t, err)
			return backend
		},
	}
	for name, openBackend := range open {
		t.Run(name, func(t *testing.T) {
			backend := openBackend(t, filepath.Join(t.TempDir(), "zenflow."+name))
			defer func() { assert.NoError(t, backend.Close()) }()

			te := newTestEngine(t, WithStorage(storage.NewDB(backend)), WithCacheSizes(CacheSizes{}))
			mh := publish(t, te.Engine, loanModel())
			pi := start(t, te, mh, `{"amount": 1}`)
			for _, id := range []string{"ac1", "ac3", "ac2"} {
				te.finish(t, pi, id, "")
			}
			assert.Equal(t, runtime.InstanceStateFinished, te.instance(t, pi).State)
			end, found := te.node(t, pi, "end")
			require.True(t, found)
			assert.Equal(t, runtime.NodeStateComplete, end.State)

			te.InvalidateCaches()
			require.NoError(t, te.TickleInstance(context.Background(), alice, pi))
			assert.Equal(t, runtime.InstanceStateFinished, te.instance(t, pi).State)
			assert.Equal(t, 3, te.service.count())
		})
	}
}
