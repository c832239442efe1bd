package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/pbinitiative/zenflow/pkg/engine/runtime"
	"github.com/pbinitiative/zenflow/pkg/handle"
	"github.com/pbinitiative/zenflow/pkg/model"
	"github.com/pbinitiative/zenflow/pkg/security"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeniedOperationsChangeNothing(t *testing.T) {
	provider := security.NewOwnerProvider(admin.Name())
	provider.Grant(alice.Name(), security.PermissionAddModel)
	te := newTestEngine(t, WithSecurity(provider))
	ctx := context.Background()

	mh := publish(t, te.Engine, loanModel())
	pi := start(t, te, mh, `{"amount": 5}`)
	ac1 := te.service.task(t, pi, "ac1").NodeInstance

	snapshot := func() string {
		instance, err := te.GetProcessInstance(ctx, admin, pi)
		require.NoError(t, err)
		nodes, err := te.ProcessInstanceNodes(ctx, admin, pi)
		require.NoError(t, err)
		data, err := json.Marshal([]any{instance, nodes})
		require.NoError(t, err)
		return string(data)
	}
	before := snapshot()
	dispatched := te.service.count()

	denied := map[string]func() error{
		"view instance": func() error {
			_, err := te.GetProcessInstance(ctx, bob, pi)
			return err
		},
		"view nodes": func() error {
			_, err := te.ProcessInstanceNodes(ctx, bob, pi)
			return err
		},
		"view node": func() error {
			_, err := te.GetNodeInstance(ctx, bob, ac1)
			return err
		},
		"view model": func() error {
			_, err := te.GetProcessModel(ctx, bob, mh)
			return err
		},
		"add model": func() error {
			m, err := singleTaskModel().Build()
			require.NoError(t, err)
			_, err = te.AddProcessModel(ctx, bob, m)
			return err
		},
		"start process": func() error {
			_, err := te.StartProcess(ctx, bob, mh, "bobs", uuid.Nil, handle.Invalid[runtime.NodeInstance](), nil)
			return err
		},
		"update task state": func() error {
			_, err := te.UpdateTaskState(ctx, bob, ac1, runtime.NodeStateTaken)
			return err
		},
		"finish task": func() error {
			_, err := te.FinishTask(ctx, bob, ac1, []byte(`{"score": 1}`))
			return err
		},
		"cancelled task": func() error { return te.CancelledTask(ctx, bob, ac1) },
		"error task":     func() error { return te.ErrorTask(ctx, bob, ac1, "no") },
		"cancel":         func() error { return te.CancelInstance(ctx, bob, pi) },
		"finish":         func() error { return te.FinishInstance(ctx, bob, pi) },
		"cancel all":     func() error { return te.CancelAll(ctx, alice) },
		"tickle":         func() error { return te.TickleInstance(ctx, bob, pi) },
	}
	for name, op := range denied {
		t.Run(name, func(t *testing.T) {
			err := op()
			var authErr *security.AuthorizationError
			require.ErrorAs(t, err, &authErr)
			assert.Equal(t, before, snapshot())
			assert.Equal(t, dispatched, te.service.count())
		})
	}

	provider.Grant(bob.Name(), security.PermissionUpdate, security.PermissionViewInstance)
	state, err := te.UpdateTaskState(ctx, bob, ac1, runtime.NodeStateTaken)
	require.NoError(t, err)
	assert.Equal(t, runtime.NodeStateTaken, state)
	n, err := te.GetNodeInstance(ctx, bob, ac1)
	require.NoError(t, err)
	assert.Equal(t, runtime.NodeStateTaken, n.State)
}

func TestProcessModelVersions(t *testing.T) {
	provider := security.NewOwnerProvider(admin.Name())
	provider.Grant(alice.Name(), security.PermissionAddModel)
	te := newTestEngine(t, WithSecurity(provider))
	ctx := context.Background()

	m, err := singleTaskModel().Build()
	require.NoError(t, err)
	v1, err := te.AddProcessModel(ctx, alice, m)
	require.NoError(t, err)
	first, err := te.GetProcessModel(ctx, alice, v1)
	require.NoError(t, err)
	assert.Equal(t, alice.Name(), first.Owner)
	assert.NotEqual(t, uuid.Nil, first.UUID)
	pi := start(t, te, v1, "")

	next, err := loanModel().UUID(first.UUID).Build()
	require.NoError(t, err)
	_, err = te.UpdateProcessModel(ctx, bob, next)
	var authErr *security.AuthorizationError
	require.ErrorAs(t, err, &authErr)

	v2, err := te.UpdateProcessModel(ctx, alice, next)
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)

	latest, err := te.GetProcessModelWithUUID(ctx, alice, first.UUID)
	require.NoError(t, err)
	assert.Equal(t, v2, latest.Handle)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, alice.Name(), latest.Owner)

	models, err := te.ProcessModels(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, models, 2)
	models, err = te.ProcessModels(ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, models)

	// the running instance keeps its version
	assert.Equal(t, v1, te.instance(t, pi).Model)
	te.finish(t, pi, "work", "")
	assert.Equal(t, runtime.InstanceStateFinished, te.instance(t, pi).State)
}

func TestAddProcessModelWithoutNodes(t *testing.T) {
	te := newTestEngine(t)
	_, err := te.AddProcessModel(context.Background(), alice, model.ProcessModel{Name: "empty"})
	var engineErr *EngineError
	assert.ErrorAs(t, err, &engineErr)
}

func TestAddProcessModelRejectsInvalidGraph(t *testing.T) {
	tests := map[string][]model.Node{
		"dangling predecessor": {
			{ID: "start", Type: model.NodeTypeStart, Successors: []string{"work"}},
			{ID: "work", Type: model.NodeTypeActivity, Predecessors: []string{"start", "review"}, Successors: []string{"end"}},
			{ID: "end", Type: model.NodeTypeEnd, Predecessors: []string{"work"}},
		},
		"cycle": {
			{ID: "start", Type: model.NodeTypeStart, Successors: []string{"end"}},
			{ID: "end", Type: model.NodeTypeEnd, Predecessors: []string{"start"}},
			{ID: "ping", Type: model.NodeTypeActivity, Predecessors: []string{"pong"}, Successors: []string{"pong"}},
			{ID: "pong", Type: model.NodeTypeActivity, Predecessors: []string{"ping"}, Successors: []string{"ping"}},
		},
	}
	for name, nodes := range tests {
		t.Run(name, func(t *testing.T) {
			te := newTestEngine(t)
			ctx := context.Background()
			m := model.ProcessModel{UUID: uuid.New(), Name: name, Nodes: nodes}

			_, err := te.AddProcessModel(ctx, alice, m)
			var validationErr *model.ValidationError
			require.ErrorAs(t, err, &validationErr)

			_, err = te.GetProcessModelWithUUID(ctx, alice, m.UUID)
			assert.ErrorIs(t, err, storage.ErrNotFound)
			models, err := te.ProcessModels(ctx, alice)
			require.NoError(t, err)
			assert.Empty(t, models)
		})
	}
}
