// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pbinitiative/zenflow/pkg/engine/runtime"
	"github.com/pbinitiative/zenflow/pkg/handle"
	"github.com/pbinitiative/zenflow/pkg/model"
	"github.com/pbinitiative/zenflow/pkg/security"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

func (engine *Engine) startSpan(ctx context.Context, name string, principal security.Principal, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, principalKey.String(nameOf(principal)))
	return engine.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func nameOf(principal security.Principal) string {
	if principal == nil {
		return ""
	}
	return principal.Name()
}

func withPermission[T security.Owned](engine *Engine, permission security.Permission, principal security.Principal, value T) error {
	_, err := security.Secure(value, value.OwnerName()).WithPermission(engine.security, permission, principal)
	return err
}

// AddProcessModel publishes the first version of m. The principal becomes the owner unless m names one.
func (engine *Engine) AddProcessModel(ctx context.Context, principal security.Principal, m model.ProcessModel) (h handle.Handle[model.ProcessModel], err error) {
	ctx, span := engine.startSpan(ctx, "AddProcessModel", principal)
	defer func() { endSpan(span, err); span.End() }()

	h = handle.Invalid[model.ProcessModel]()
	if err := engine.security.EnsurePermission(security.PermissionAddModel, principal, nil); err != nil {
		return h, err
	}
	if len(m.Nodes) == 0 {
		return h, newEngineErrorf("process model %q has no nodes", m.Name)
	}
	if m.Owner == "" {
		m.Owner = nameOf(principal)
	}
	err = engine.operation(ctx, func(tx *Transaction) error {
		h, err = engine.data.models.Add(tx.Tx, m)
		return err
	})
	if err != nil {
		return handle.Invalid[model.ProcessModel](), err
	}
	return h, nil
}

// UpdateProcessModel publishes m as the next version of the model with the same uuid.
// Running instances keep using the version they were started with.
func (engine *Engine) UpdateProcessModel(ctx context.Context, principal security.Principal, m model.ProcessModel) (h handle.Handle[model.ProcessModel], err error) {
	ctx, span := engine.startSpan(ctx, "UpdateProcessModel", principal)
	defer func() { endSpan(span, err); span.End() }()

	err = engine.operation(ctx, func(tx *Transaction) error {
		latest, found, err := engine.data.models.GetModelWithUUID(tx.Tx, m.UUID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("process model %s: %w", m.UUID, storage.ErrNotFound)
		}
		if err := withPermission(engine, security.PermissionUpdateModel, principal, latest); err != nil {
			return err
		}
		if m.Owner == "" {
			m.Owner = latest.Owner
		}
		h, err = engine.data.models.Update(tx.Tx, m)
		return err
	})
	if err != nil {
		return handle.Invalid[model.ProcessModel](), err
	}
	return h, nil
}

func (engine *Engine) GetProcessModel(ctx context.Context, principal security.Principal, h handle.Handle[model.ProcessModel]) (m model.ProcessModel, err error) {
	ctx, span := engine.startSpan(ctx, "GetProcessModel", principal, processModelKey.Int64(h.Key()))
	defer func() { endSpan(span, err); span.End() }()

	err = engine.view(ctx, func(tx *storage.Tx) error {
		stored, err := engine.data.models.MustGet(tx, h)
		if err != nil {
			return err
		}
		m, err = security.Secure(stored, stored.Owner).WithPermission(engine.security, security.PermissionViewModel, principal)
		return err
	})
	return m, err
}

// GetProcessModelWithUUID returns the latest version of the model with uuid u.
func (engine *Engine) GetProcessModelWithUUID(ctx context.Context, principal security.Principal, u uuid.UUID) (m model.ProcessModel, err error) {
	ctx, span := engine.startSpan(ctx, "GetProcessModelWithUUID", principal)
	defer func() { endSpan(span, err); span.End() }()

	err = engine.view(ctx, func(tx *storage.Tx) error {
		stored, found, err := engine.data.models.GetModelWithUUID(tx, u)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("process model %s: %w", u, storage.ErrNotFound)
		}
		m, err = security.Secure(stored, stored.Owner).WithPermission(engine.security, security.PermissionViewModel, principal)
		return err
	})
	return m, err
}

// ProcessModels lists all model versions the principal may view.
func (engine *Engine) ProcessModels(ctx context.Context, principal security.Principal) (models []model.ProcessModel, err error) {
	ctx, span := engine.startSpan(ctx, "ProcessModels", principal)
	defer func() { endSpan(span, err); span.End() }()

	err = engine.view(ctx, func(tx *storage.Tx) error {
		return engine.data.models.ForEach(tx, func(_ handle.Handle[model.ProcessModel], m model.ProcessModel) error {
			if engine.security.HasPermission(security.PermissionViewModel, principal, security.Secure(m, m.Owner)) {
				models = append(models, m)
			}
			return nil
		})
	})
	return models, err
}

// StartProcess instantiates the model h and starts the instance with payload as its inputs.
// A valid parentActivity makes the new instance a child of that activity.
//
// The instance is persisted before it is started. If starting fails the returned handle is valid,
// the instance stays Initialized and the next tickle starts it.
func (engine *Engine) StartProcess(ctx context.Context, principal security.Principal, h handle.Handle[model.ProcessModel], name string, u uuid.UUID, parentActivity handle.Handle[runtime.NodeInstance], payload []byte) (pi handle.Handle[runtime.ProcessInstance], err error) {
	ctx, span := engine.startSpan(ctx, "StartProcess", principal, processModelKey.Int64(h.Key()))
	defer func() { endSpan(span, err); span.End() }()

	pi = handle.Invalid[runtime.ProcessInstance]()
	err = engine.operation(ctx, func(tx *Transaction) error {
		m, err := engine.data.models.MustGet(tx.Tx, h)
		if err != nil {
			return err
		}
		if err := withPermission(engine, security.PermissionInstantiate, principal, m); err != nil {
			return err
		}
		startID := ""
		if starts := m.StartNodes(); len(starts) > 0 {
			startID = starts[0].ID
		}
		inputs, err := runtime.ParsePayload(startID, payload)
		if err != nil {
			return err
		}
		if u == uuid.Nil {
			u = uuid.New()
		}
		instance := runtime.ProcessInstance{
			Owner:          nameOf(principal),
			Model:          m.Handle,
			UUID:           u,
			Name:           name,
			State:          runtime.InstanceStateNew,
			ParentActivity: parentActivity,
			Inputs:         inputs,
			CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
		}
		var parent runtime.NodeInstance
		if parentActivity.IsValid() {
			if parent, err = engine.parentActivity(tx, principal, parentActivity); err != nil {
				return err
			}
		}
		b, err := tx.newInstance(instance)
		if err != nil {
			return err
		}
		pi = b.Handle()
		if parentActivity.IsValid() {
			next := parent.Clone()
			next.ChildInstance = pi
			if err := tx.saveNode(parent, next); err != nil {
				return err
			}
		}
		return engine.initialize(tx, b)
	})
	if err != nil {
		return handle.Invalid[runtime.ProcessInstance](), err
	}
	span.SetAttributes(processInstanceKey.Int64(pi.Key()))

	err = engine.operation(ctx, func(tx *Transaction) error {
		b, err := tx.instance(pi)
		if err != nil {
			return err
		}
		if b.State() != runtime.InstanceStateInitialized {
			return nil
		}
		return engine.start(tx, b)
	})
	if err != nil {
		return pi, fmt.Errorf("failed to start %s: %w", pi, err)
	}
	return pi, nil
}

// parentActivity locks the instance of the activity h and checks that a child may be attached to it.
func (engine *Engine) parentActivity(tx *Transaction, principal security.Principal, h handle.Handle[runtime.NodeInstance]) (runtime.NodeInstance, error) {
	n, err := tx.node(h)
	if err != nil {
		return n, err
	}
	if err := withPermission(engine, security.PermissionUpdate, principal, n); err != nil {
		return n, err
	}
	b, err := tx.instance(n.ProcessInstance)
	if err != nil {
		return n, err
	}
	if n, err = tx.node(h); err != nil {
		return n, err
	}
	if b.State().IsFinal() || n.State.IsFinal() {
		return n, &runtime.IllegalStateTransitionError{Entity: "node instance", Key: h.Key(), From: string(n.State), Event: "start child process"}
	}
	if n.NodeType != model.NodeTypeActivity {
		return n, newEngineErrorf("%s is not an activity", n)
	}
	if n.ChildInstance.IsValid() {
		return n, newEngineErrorf("%s already has child process instance %s", n, n.ChildInstance)
	}
	return n, nil
}

func (engine *Engine) GetProcessInstance(ctx context.Context, principal security.Principal, h handle.Handle[runtime.ProcessInstance]) (pi runtime.ProcessInstance, err error) {
	ctx, span := engine.startSpan(ctx, "GetProcessInstance", principal, processInstanceKey.Int64(h.Key()))
	defer func() { endSpan(span, err); span.End() }()

	err = engine.view(ctx, func(tx *storage.Tx) error {
		stored, err := engine.data.instances.MustGet(tx, h)
		if err != nil {
			return err
		}
		pi, err = security.Secure(stored, stored.Owner).WithPermission(engine.security, security.PermissionViewInstance, principal)
		return err
	})
	return pi, err
}

// ProcessInstanceNodes returns the node instances of h in creation order.
func (engine *Engine) ProcessInstanceNodes(ctx context.Context, principal security.Principal, h handle.Handle[runtime.ProcessInstance]) (nodes []runtime.NodeInstance, err error) {
	ctx, span := engine.startSpan(ctx, "ProcessInstanceNodes", principal, processInstanceKey.Int64(h.Key()))
	defer func() { endSpan(span, err); span.End() }()

	err = engine.view(ctx, func(tx *storage.Tx) error {
		pi, err := engine.data.instances.MustGet(tx, h)
		if err != nil {
			return err
		}
		if err := withPermission(engine, security.PermissionViewInstance, principal, pi); err != nil {
			return err
		}
		for _, nh := range pi.Nodes {
			n, err := engine.data.nodes.MustGet(tx, nh)
			if err != nil {
				return err
			}
			nodes = append(nodes, n)
		}
		return nil
	})
	return nodes, err
}

func (engine *Engine) GetNodeInstance(ctx context.Context, principal security.Principal, h handle.Handle[runtime.NodeInstance]) (n runtime.NodeInstance, err error) {
	ctx, span := engine.startSpan(ctx, "GetNodeInstance", principal, nodeInstanceKey.Int64(h.Key()))
	defer func() { endSpan(span, err); span.End() }()

	err = engine.view(ctx, func(tx *storage.Tx) error {
		stored, err := engine.data.nodes.MustGet(tx, h)
		if err != nil {
			return err
		}
		n, err = security.Secure(stored, stored.Owner).WithPermission(engine.security, security.PermissionViewInstance, principal)
		return err
	})
	return n, err
}

type nodeMutation func(tx *Transaction, b *runtime.InstanceBuilder, n runtime.NodeInstance) (runtime.NodeInstance, []command, error)

// updateNode changes the node instance h of a started instance and lets the instance make progress.
func (engine *Engine) updateNode(ctx context.Context, principal security.Principal, h handle.Handle[runtime.NodeInstance], event string, mutate nodeMutation) (runtime.NodeInstance, error) {
	var result runtime.NodeInstance
	err := engine.operation(ctx, func(tx *Transaction) error {
		n, err := tx.node(h)
		if err != nil {
			return err
		}
		if err := withPermission(engine, security.PermissionUpdate, principal, n); err != nil {
			return err
		}
		b, err := tx.instance(n.ProcessInstance)
		if err != nil {
			return err
		}
		if n, err = tx.node(h); err != nil {
			return err
		}
		if b.State() != runtime.InstanceStateStarted {
			return &runtime.IllegalStateTransitionError{Entity: "process instance", Key: b.Handle().Key(), From: string(b.State()), Event: event}
		}
		next, commands, err := mutate(tx, b, n)
		if err != nil {
			return err
		}
		if err := tx.saveNode(n, next); err != nil {
			return err
		}
		if next.State.IsFinal() && n.ChildInstance.IsValid() {
			if err := engine.abandonChild(tx, n.ChildInstance); err != nil {
				return err
			}
		}
		result = next
		return engine.run(tx, b, commands)
	})
	return result, err
}

// abandonChild cancels the child instance of an activity that reached a final state without it.
func (engine *Engine) abandonChild(tx *Transaction, h handle.Handle[runtime.ProcessInstance]) error {
	child, found, err := engine.data.instances.Get(tx.Tx, h)
	if err != nil || !found || child.State.IsFinal() {
		return err
	}
	tx.postCancel(h)
	return nil
}

// UpdateTaskState moves the activity h into state. Complete is only reachable through FinishTask.
func (engine *Engine) UpdateTaskState(ctx context.Context, principal security.Principal, h handle.Handle[runtime.NodeInstance], state runtime.NodeState) (s runtime.NodeState, err error) {
	ctx, span := engine.startSpan(ctx, "UpdateTaskState", principal, nodeInstanceKey.Int64(h.Key()), attribute.String("state", string(state)))
	defer func() { endSpan(span, err); span.End() }()

	ev, err := runtime.EventForState(state)
	if err != nil {
		return "", err
	}
	n, err := engine.updateNode(ctx, principal, h, "update task state", func(tx *Transaction, _ *runtime.InstanceBuilder, n runtime.NodeInstance) (runtime.NodeInstance, []command, error) {
		if ev == runtime.NodeEventFail {
			next, err := n.Fail("")
			return next, nil, err
		}
		predecessorsComplete, err := tx.predecessorsComplete(n)
		if err != nil {
			return n, nil, err
		}
		next, err := n.Apply(ev, predecessorsComplete)
		return next, nil, err
	})
	if err != nil {
		return "", err
	}
	return n.State, nil
}

// FinishTask completes the activity h with the result payload, parsed against the result schema
// of its node. The activity is taken and started first if it is not yet.
func (engine *Engine) FinishTask(ctx context.Context, principal security.Principal, h handle.Handle[runtime.NodeInstance], payload []byte) (n runtime.NodeInstance, err error) {
	ctx, span := engine.startSpan(ctx, "FinishTask", principal, nodeInstanceKey.Int64(h.Key()))
	defer func() { endSpan(span, err); span.End() }()

	return engine.updateNode(ctx, principal, h, "finish task", func(tx *Transaction, b *runtime.InstanceBuilder, n runtime.NodeInstance) (runtime.NodeInstance, []command, error) {
		m, err := tx.model(b)
		if err != nil {
			return n, nil, err
		}
		node, ok := m.Node(n.NodeID)
		if !ok {
			return n, nil, newEngineErrorf("node %q of %s not found in process model %s", n.NodeID, n, m.Name)
		}
		results, err := runtime.ParseResults(node, payload)
		if err != nil {
			return n, nil, err
		}
		next, err := engine.finishNode(tx, n, results)
		if err != nil {
			return n, nil, err
		}
		b.AddOutputs(results...)
		return next, []command{propagateCommand{source: h}}, nil
	})
}

// CancelledTask reports that the handler of activity h gave up on it.
func (engine *Engine) CancelledTask(ctx context.Context, principal security.Principal, h handle.Handle[runtime.NodeInstance]) (err error) {
	ctx, span := engine.startSpan(ctx, "CancelledTask", principal, nodeInstanceKey.Int64(h.Key()))
	defer func() { endSpan(span, err); span.End() }()

	_, err = engine.updateNode(ctx, principal, h, "cancel task", func(_ *Transaction, _ *runtime.InstanceBuilder, n runtime.NodeInstance) (runtime.NodeInstance, []command, error) {
		next, err := n.Apply(runtime.NodeEventCancel, true)
		return next, nil, err
	})
	return err
}

// ErrorTask reports that the handler of activity h failed with cause.
func (engine *Engine) ErrorTask(ctx context.Context, principal security.Principal, h handle.Handle[runtime.NodeInstance], cause string) (err error) {
	ctx, span := engine.startSpan(ctx, "ErrorTask", principal, nodeInstanceKey.Int64(h.Key()))
	defer func() { endSpan(span, err); span.End() }()

	_, err = engine.updateNode(ctx, principal, h, "fail task", func(_ *Transaction, _ *runtime.InstanceBuilder, n runtime.NodeInstance) (runtime.NodeInstance, []command, error) {
		next, err := n.Fail(cause)
		return next, nil, err
	})
	return err
}

// CancelInstance cancels all open node instances of h and removes it. Child instances are cancelled as well.
func (engine *Engine) CancelInstance(ctx context.Context, principal security.Principal, h handle.Handle[runtime.ProcessInstance]) (err error) {
	ctx, span := engine.startSpan(ctx, "CancelInstance", principal, processInstanceKey.Int64(h.Key()))
	defer func() { endSpan(span, err); span.End() }()

	return engine.operation(ctx, func(tx *Transaction) error {
		pi, err := engine.data.instances.MustGet(tx.Tx, h)
		if err != nil {
			return err
		}
		if err := withPermission(engine, security.PermissionCancel, principal, pi); err != nil {
			return err
		}
		return engine.cancelInstance(tx, h)
	})
}

func (engine *Engine) cancelTree(ctx context.Context, h handle.Handle[runtime.ProcessInstance]) error {
	return engine.operation(ctx, func(tx *Transaction) error {
		return engine.cancelInstance(tx, h)
	})
}

func (engine *Engine) cancelInstance(tx *Transaction, h handle.Handle[runtime.ProcessInstance]) error {
	b, err := tx.instance(h)
	if err != nil {
		return err
	}
	nodes, err := tx.nodes(b)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.State.IsFinal() {
			continue
		}
		next, err := n.Apply(runtime.NodeEventCancel, true)
		if err != nil {
			return err
		}
		if err := tx.saveNode(n, next); err != nil {
			return err
		}
		if n.ChildInstance.IsValid() {
			tx.postCancel(n.ChildInstance)
		}
	}
	if !b.State().IsFinal() {
		if err := tx.endInstance(b, runtime.InstanceStateCancelled); err != nil {
			return err
		}
	}
	return tx.removeInstance(b)
}

// FinishInstance removes the finished instance h. A started instance is only accepted if an end
// node completed and none of its node instances is open.
func (engine *Engine) FinishInstance(ctx context.Context, principal security.Principal, h handle.Handle[runtime.ProcessInstance]) (err error) {
	ctx, span := engine.startSpan(ctx, "FinishInstance", principal, processInstanceKey.Int64(h.Key()))
	defer func() { endSpan(span, err); span.End() }()

	return engine.operation(ctx, func(tx *Transaction) error {
		pi, err := engine.data.instances.MustGet(tx.Tx, h)
		if err != nil {
			return err
		}
		if err := withPermission(engine, security.PermissionRemove, principal, pi); err != nil {
			return err
		}
		b, err := tx.instance(h)
		if err != nil {
			return err
		}
		if b.State() == runtime.InstanceStateStarted {
			if err := engine.checkCompletion(tx, b); err != nil {
				return err
			}
			if b.State() == runtime.InstanceStateStarted {
				return newEngineErrorf("%s cannot be finished, it has open node instances", b.Instance())
			}
		}
		if b.State() != runtime.InstanceStateFinished {
			return &runtime.IllegalStateTransitionError{Entity: "process instance", Key: h.Key(), From: string(b.State()), Event: "finish"}
		}
		return tx.removeInstance(b)
	})
}

// CancelAll cancels every process instance. Failures of single instances do not stop the others
// and are returned together.
func (engine *Engine) CancelAll(ctx context.Context, principal security.Principal) (err error) {
	ctx, span := engine.startSpan(ctx, "CancelAll", principal)
	defer func() { endSpan(span, err); span.End() }()

	if err := engine.security.EnsurePermission(security.PermissionCancelAll, principal, nil); err != nil {
		return err
	}
	var handles []handle.Handle[runtime.ProcessInstance]
	err = engine.view(ctx, func(tx *storage.Tx) error {
		return engine.data.instances.ForEach(tx, func(h handle.Handle[runtime.ProcessInstance], pi runtime.ProcessInstance) error {
			// children are cancelled with their parent
			if !pi.ParentActivity.IsValid() {
				handles = append(handles, h)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	var mu sync.Mutex
	var errs error
	g := new(errgroup.Group)
	g.SetLimit(engine.cancelAllConcurrency)
	for _, h := range handles {
		g.Go(func() error {
			err := engine.cancelTree(ctx, h)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("failed to cancel %s: %w", h, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// TickleInstance re-evaluates h and returns once it and all tickles it caused were processed.
func (engine *Engine) TickleInstance(ctx context.Context, principal security.Principal, h handle.Handle[runtime.ProcessInstance]) (err error) {
	ctx, span := engine.startSpan(ctx, "TickleInstance", principal, processInstanceKey.Int64(h.Key()))
	defer func() { endSpan(span, err); span.End() }()

	err = engine.view(ctx, func(tx *storage.Tx) error {
		pi, err := engine.data.instances.MustGet(tx, h)
		if err != nil {
			return err
		}
		return withPermission(engine, security.PermissionTickle, principal, pi)
	})
	if err != nil {
		return err
	}
	return engine.tickles.submit(engine.executionContext(ctx), []handle.Handle[runtime.ProcessInstance]{h})
}

// InvalidateModelCache drops the cached model h, to be used after it was changed bypassing the engine.
func (engine *Engine) InvalidateModelCache(h handle.Handle[model.ProcessModel]) {
	engine.data.models.InvalidateCache(h)
}

func (engine *Engine) InvalidateInstanceCache(h handle.Handle[runtime.ProcessInstance]) {
	engine.data.instances.InvalidateCache(h)
}

func (engine *Engine) InvalidateNodeInstanceCache(h handle.Handle[runtime.NodeInstance]) {
	engine.data.nodes.InvalidateCache(h)
}

func (engine *Engine) InvalidateCaches() {
	engine.data.invalidateCaches()
}
