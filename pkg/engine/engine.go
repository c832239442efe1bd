// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package engine executes process instances of published process models.
//
// Every mutating operation runs in one storage transaction while holding the lock of the
// process instance it changes. Work that must not happen inside the transaction, handing tasks
// to the message service and re-evaluating other instances through tickles, is done after commit.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenflow/internal/appcontext"
	"github.com/pbinitiative/zenflow/pkg/engine/runtime"
	"github.com/pbinitiative/zenflow/pkg/handle"
	"github.com/pbinitiative/zenflow/pkg/model"
	"github.com/pbinitiative/zenflow/pkg/security"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/pbinitiative/zenflow/pkg/storage/inmemory"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/pbinitiative/zenflow/pkg/engine"

var (
	processInstanceKey = attribute.Key("zenflow.process_instance")
	processModelKey    = attribute.Key("zenflow.process_model")
	nodeInstanceKey    = attribute.Key("zenflow.node_instance")
	principalKey       = attribute.Key("zenflow.principal")
)

type Engine struct {
	name     string
	db       *storage.DB
	data     *engineData
	security security.Provider
	messages MessageService
	contexts ProcessContextFactory
	locks    *instanceLocks
	tickles  *tickleQueue

	logger  hclog.Logger
	meter   metric.Meter
	tracer  trace.Tracer
	metrics *EngineMetrics

	cacheSizes           CacheSizes
	tickleQueueSize      int
	cancelAllConcurrency int
}

// NewEngine creates an engine. Without options it keeps its data in memory and permits everything.
func NewEngine(options ...EngineOption) (*Engine, error) {
	engine := &Engine{
		name:                 "zenflow-engine",
		security:             security.Permissive,
		contexts:             DefaultContextFactory{},
		locks:                newInstanceLocks(),
		cacheSizes:           DefaultCacheSizes(),
		tickleQueueSize:      128,
		cancelAllConcurrency: 8,
	}

	for _, option := range options {
		option(engine)
	}

	if engine.db == nil {
		engine.db = storage.NewDB(inmemory.NewStorage())
	}
	if engine.logger == nil {
		engine.logger = hclog.Default().Named("engine")
	}
	if engine.meter == nil {
		engine.meter = otel.Meter(instrumentationName)
	}
	if engine.tracer == nil {
		engine.tracer = otel.Tracer(instrumentationName)
	}
	if engine.tickleQueueSize < 0 || engine.cancelAllConcurrency < 1 {
		return nil, newEngineErrorf("invalid engine configuration: tickle queue size %d, cancel all concurrency %d", engine.tickleQueueSize, engine.cancelAllConcurrency)
	}

	var err error
	engine.metrics, err = NewMetrics(engine.meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine metrics: %w", err)
	}
	engine.data = newEngineData(engine.cacheSizes)
	engine.tickles = newTickleQueue(engine.tickleQueueSize, engine.logger.Named("tickle-queue"), engine.processTickle)
	return engine, nil
}

func (engine *Engine) Name() string {
	return engine.name
}

// Start runs the tickle consumer until ctx is done or Stop is called.
// A stopped engine processes tickles on the goroutine of the operation that caused them.
func (engine *Engine) Start(ctx context.Context) {
	engine.tickles.start(ctx)
	engine.logger.Info("engine started", "name", engine.name)
}

func (engine *Engine) Stop() {
	engine.tickles.shutdown()
	engine.logger.Info("engine stopped", "name", engine.name)
}

// operation runs fn in a new write transaction and completes the committed work afterwards.
func (engine *Engine) operation(ctx context.Context, fn func(tx *Transaction) error) error {
	ctx = engine.executionContext(ctx)
	res, err := engine.transact(ctx, fn)
	if err != nil {
		return err
	}
	engine.afterCommit(ctx, res)
	return nil
}

func (engine *Engine) transact(ctx context.Context, fn func(tx *Transaction) error) (*txResult, error) {
	stx, err := engine.db.Begin(ctx, true)
	if err != nil {
		return nil, err
	}
	tx := engine.newTransaction(stx)
	defer tx.Close()
	if err := fn(tx); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &tx.result, nil
}

func (engine *Engine) view(ctx context.Context, fn func(tx *storage.Tx) error) error {
	return engine.db.View(ctx, fn)
}

func (engine *Engine) executionContext(ctx context.Context) context.Context {
	if _, ok := appcontext.GetExecutionKey(ctx); ok {
		return ctx
	}
	return appcontext.WithExecutionKey(ctx, engine.db.NextKey())
}

func (engine *Engine) afterCommit(ctx context.Context, res *txResult) {
	engine.notify(ctx, res)
	engine.dispatch(ctx, res.dispatches)
	for _, h := range res.cancels {
		if err := engine.cancelTree(ctx, h); err != nil && !errors.Is(err, storage.ErrNotFound) {
			engine.loggerFor(ctx).Error("failed to cancel child process instance", "instance", h, "err", err)
		}
	}
	if err := engine.tickles.submit(ctx, res.tickles); err != nil {
		engine.loggerFor(ctx).Warn("tickles not processed", "instances", res.tickles, "err", err)
	}
}

func (engine *Engine) notify(ctx context.Context, res *txResult) {
	if res.started > 0 {
		engine.metrics.InstancesStarted.Add(ctx, int64(res.started))
	}
	if res.running != 0 {
		engine.metrics.InstancesRunning.Add(ctx, int64(res.running))
	}
	for _, n := range res.terminated {
		if n.NodeType == model.NodeTypeActivity {
			switch n.State {
			case runtime.NodeStateComplete:
				engine.metrics.TasksCompleted.Add(ctx, 1)
			case runtime.NodeStateFailed:
				engine.metrics.TasksFailed.Add(ctx, 1)
			}
		}
		engine.contexts.OnActivityTermination(ctx, n)
	}
	for _, pi := range res.ended {
		switch pi.State {
		case runtime.InstanceStateFinished:
			engine.metrics.InstancesFinished.Add(ctx, 1)
		case runtime.InstanceStateCancelled:
			engine.metrics.InstancesCancelled.Add(ctx, 1)
		case runtime.InstanceStateError:
			engine.metrics.InstancesFailed.Add(ctx, 1)
		}
		engine.contexts.OnProcessFinished(ctx, pi)
	}
}

// processTickle re-evaluates one instance, it is called by the tickle queue.
func (engine *Engine) processTickle(ctx context.Context, h handle.Handle[runtime.ProcessInstance]) error {
	ctx, span := engine.tracer.Start(ctx, "tickle", trace.WithAttributes(processInstanceKey.Int64(h.Key())))
	defer span.End()
	err := engine.operation(ctx, func(tx *Transaction) error {
		return engine.tickleInstance(tx, h)
	})
	engine.metrics.TicklesProcessed.Add(ctx, 1)
	if err != nil {
		engine.metrics.TickleFailures.Add(ctx, 1)
		endSpan(span, err)
	}
	return err
}

// dispatch hands the tasks of the given activity instances to the message service.
// It runs outside of any transaction so that the message service may call back into the engine.
func (engine *Engine) dispatch(ctx context.Context, nodes []handle.Handle[runtime.NodeInstance]) {
	if len(nodes) == 0 {
		return
	}
	if engine.messages == nil {
		engine.loggerFor(ctx).Debug("no message service, tasks stay undispatched", "nodeInstances", nodes)
		return
	}
	var tasks []Task
	err := engine.view(ctx, func(tx *storage.Tx) error {
		for _, h := range nodes {
			task, ok, err := engine.task(ctx, tx, h)
			if err != nil {
				return err
			}
			if ok {
				tasks = append(tasks, task)
			}
		}
		return nil
	})
	if err != nil {
		engine.loggerFor(ctx).Error("failed to prepare tasks", "nodeInstances", nodes, "err", err)
		return
	}

	var sent []handle.Handle[runtime.NodeInstance]
	for _, task := range tasks {
		if err := engine.messages.SendTask(ctx, task); err != nil {
			merr := &MessagingError{Task: task, Err: err}
			engine.loggerFor(ctx).Warn("task dispatch failed", "nodeInstance", task.NodeInstance, "err", merr)
			engine.metrics.DispatchErrors.Add(ctx, 1)
			continue
		}
		engine.metrics.TasksDispatched.Add(ctx, 1)
		sent = append(sent, task.NodeInstance)
	}
	if len(sent) == 0 {
		return
	}
	_, err = engine.transact(ctx, func(tx *Transaction) error {
		return engine.markDispatched(tx, sent)
	})
	if err != nil {
		engine.loggerFor(ctx).Error("failed to mark tasks dispatched", "nodeInstances", sent, "err", err)
	}
}

func (engine *Engine) task(ctx context.Context, tx *storage.Tx, h handle.Handle[runtime.NodeInstance]) (Task, bool, error) {
	n, found, err := engine.data.nodes.Get(tx, h)
	if err != nil || !found || n.State != runtime.NodeStateSent || n.Dispatched {
		return Task{}, false, err
	}
	pi, found, err := engine.data.instances.Get(tx, n.ProcessInstance)
	if err != nil || !found || pi.State != runtime.InstanceStateStarted {
		return Task{}, false, err
	}
	m, err := engine.data.models.MustGet(tx, pi.Model)
	if err != nil {
		return Task{}, false, err
	}
	node, _ := m.Node(n.NodeID)
	return Task{
		NodeInstance:    n.Handle,
		ProcessInstance: pi.Handle,
		NodeID:          n.NodeID,
		Message:         node.Message,
		Owner:           pi.Owner,
		Inputs:          runtime.MergeItems(pi.Inputs, pi.Outputs...),
		Callback:        engine.messages.LocalEndpoint(),
		Context:         engine.contexts.NewActivityContext(ctx, pi, n),
	}, true, nil
}

func (engine *Engine) markDispatched(tx *Transaction, nodes []handle.Handle[runtime.NodeInstance]) error {
	for _, h := range nodes {
		n, found, err := engine.data.nodes.Get(tx.Tx, h)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		tx.lockInstance(n.ProcessInstance)
		if n, err = tx.node(h); err != nil {
			return err
		}
		if n.Dispatched {
			continue
		}
		next := n.Clone()
		next.Dispatched = true
		if err := tx.saveNode(n, next); err != nil {
			return err
		}
	}
	return nil
}

// loggerFor returns the engine logger annotated with the execution key of ctx.
func (engine *Engine) loggerFor(ctx context.Context) hclog.Logger {
	if key, ok := appcontext.GetExecutionKey(ctx); ok {
		return engine.logger.With("execution", key)
	}
	return engine.logger
}

func endSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
