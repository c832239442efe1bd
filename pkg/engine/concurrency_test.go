package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/pbinitiative/zenflow/pkg/engine/runtime"
	"github.com/pbinitiative/zenflow/pkg/handle"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const raceRounds = 25

// race runs every fn at the same time and returns their errors in order.
func race(fns ...func() error) []error {
	errs := make([]error, len(fns))
	var wg sync.WaitGroup
	ready := make(chan struct{})
	for i, fn := range fns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ready
			errs[i] = fn()
		}()
	}
	close(ready)
	wg.Wait()
	return errs
}

func TestConcurrentBranchesJoinOnce(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.Start(ctx)
	defer te.Stop()
	mh := publish(t, te.Engine, loanModel())

	for range raceRounds {
		pi := start(t, te, mh, "")
		te.finish(t, pi, "ac1", "")
		ac2 := te.service.task(t, pi, "ac2").NodeInstance
		ac3 := te.service.task(t, pi, "ac3").NodeInstance

		errs := race(
			func() error { _, err := te.FinishTask(ctx, alice, ac2, []byte(`{"ac2": true}`)); return err },
			func() error { _, err := te.FinishTask(ctx, alice, ac3, []byte(`{"ac3": true}`)); return err },
		)
		require.NoError(t, errs[0])
		require.NoError(t, errs[1])

		instance := te.instance(t, pi)
		assert.Equal(t, runtime.InstanceStateFinished, instance.State)
		nodes, err := te.ProcessInstanceNodes(ctx, alice, pi)
		require.NoError(t, err)
		joins := 0
		for _, n := range nodes {
			if n.NodeID == "join" {
				joins++
				assert.Equal(t, runtime.NodeStateComplete, n.State)
			}
		}
		assert.Equal(t, 1, joins)
	}
}

func TestFinishTaskRacingCancelInstance(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.Start(ctx)
	defer te.Stop()
	mh := publish(t, te.Engine, singleTaskModel())

	for range raceRounds {
		pi := start(t, te, mh, "")
		work := te.service.task(t, pi, "work").NodeInstance

		errs := race(
			func() error { _, err := te.FinishTask(ctx, alice, work, nil); return err },
			func() error { return te.CancelInstance(ctx, alice, pi) },
		)
		if errs[0] != nil {
			assert.ErrorIs(t, errs[0], storage.ErrNotFound)
		}
		require.NoError(t, errs[1])

		_, err := te.GetProcessInstance(ctx, alice, pi)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = te.GetNodeInstance(ctx, alice, work)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
	assert.Equal(t, int64(0), te.counter(t, "process_instances_running"))
	assert.Equal(t, int64(raceRounds), te.counter(t, "process_instances_finished")+te.counter(t, "process_instances_cancelled"))
}

func TestConcurrentInstancesProgressIndependently(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.Start(ctx)
	defer te.Stop()
	mh := publish(t, te.Engine, singleTaskModel())

	instances := make([]handle.Handle[runtime.ProcessInstance], raceRounds)
	fns := make([]func() error, raceRounds)
	for i := range instances {
		instances[i] = start(t, te, mh, "")
		work := te.service.task(t, instances[i], "work").NodeInstance
		fns[i] = func() error { _, err := te.FinishTask(ctx, alice, work, nil); return err }
	}
	for _, err := range race(fns...) {
		require.NoError(t, err)
	}
	for _, pi := range instances {
		assert.Equal(t, runtime.InstanceStateFinished, te.instance(t, pi).State)
	}
}
