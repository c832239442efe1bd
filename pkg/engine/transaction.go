// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package engine

import (
	"fmt"

	"github.com/pbinitiative/zenflow/pkg/engine/runtime"
	"github.com/pbinitiative/zenflow/pkg/handle"
	"github.com/pbinitiative/zenflow/pkg/model"
	"github.com/pbinitiative/zenflow/pkg/storage"
)

// Transaction is a storage transaction of the engine. It keeps the builders of the process
// instances changed within it and collects the work that has to happen once it is committed.
type Transaction struct {
	*storage.Tx
	engine *Engine

	pending map[handle.Handle[runtime.ProcessInstance]]*runtime.InstanceBuilder
	locked  map[handle.Handle[runtime.ProcessInstance]]bool
	ended   []*runtime.InstanceBuilder
	result  txResult
}

// txResult is the work left over after a transaction committed.
type txResult struct {
	tickles    []handle.Handle[runtime.ProcessInstance]
	dispatches []handle.Handle[runtime.NodeInstance]
	cancels    []handle.Handle[runtime.ProcessInstance]
	started    int
	running    int
	ended      []runtime.ProcessInstance
	terminated []runtime.NodeInstance
}

func (engine *Engine) newTransaction(tx *storage.Tx) *Transaction {
	return &Transaction{
		Tx:      tx,
		engine:  engine,
		pending: map[handle.Handle[runtime.ProcessInstance]]*runtime.InstanceBuilder{},
		locked:  map[handle.Handle[runtime.ProcessInstance]]bool{},
	}
}

// PendingProcessInstance returns the builder of an instance read or created within this transaction.
func (tx *Transaction) PendingProcessInstance(h handle.Handle[runtime.ProcessInstance]) (*runtime.InstanceBuilder, bool) {
	b, ok := tx.pending[h]
	return b, ok
}

// PostTickle queues h for re-evaluation after the transaction committed.
func (tx *Transaction) PostTickle(h handle.Handle[runtime.ProcessInstance]) {
	tx.result.tickles = append(tx.result.tickles, h)
}

func (tx *Transaction) postDispatch(h handle.Handle[runtime.NodeInstance]) {
	tx.result.dispatches = append(tx.result.dispatches, h)
}

func (tx *Transaction) postCancel(h handle.Handle[runtime.ProcessInstance]) {
	tx.result.cancels = append(tx.result.cancels, h)
}

// lockInstance holds the lock of h until the transaction is committed or rolled back.
func (tx *Transaction) lockInstance(h handle.Handle[runtime.ProcessInstance]) {
	if tx.locked[h] {
		return
	}
	tx.engine.locks.lockInstance(h)
	tx.locked[h] = true
	unlock := func() { tx.engine.locks.unlockInstance(h) }
	tx.AddCommitHandler(unlock)
	tx.AddRollbackHandler(unlock)
}

// instance locks h and returns its builder.
func (tx *Transaction) instance(h handle.Handle[runtime.ProcessInstance]) (*runtime.InstanceBuilder, error) {
	if b, ok := tx.PendingProcessInstance(h); ok {
		return b, nil
	}
	tx.lockInstance(h)
	pi, err := tx.engine.data.instances.MustGet(tx.Tx, h)
	if err != nil {
		return nil, err
	}
	b := runtime.NewInstanceBuilder(pi)
	tx.pending[h] = b
	return b, nil
}

func (tx *Transaction) newInstance(pi runtime.ProcessInstance) (*runtime.InstanceBuilder, error) {
	h, err := tx.engine.data.instances.Put(tx.Tx, pi)
	if err != nil {
		return nil, err
	}
	tx.lockInstance(h)
	pi.Handle = h
	b := runtime.NewInstanceBuilder(pi)
	tx.pending[h] = b
	return b, nil
}

func (tx *Transaction) readInstance(h handle.Handle[runtime.ProcessInstance]) (runtime.ProcessInstance, error) {
	if b, ok := tx.PendingProcessInstance(h); ok {
		return b.Instance(), nil
	}
	return tx.engine.data.instances.MustGet(tx.Tx, h)
}

func (tx *Transaction) model(b *runtime.InstanceBuilder) (model.ProcessModel, error) {
	return tx.engine.data.models.MustGet(tx.Tx, b.Instance().Model)
}

func (tx *Transaction) node(h handle.Handle[runtime.NodeInstance]) (runtime.NodeInstance, error) {
	return tx.engine.data.nodes.MustGet(tx.Tx, h)
}

// nodes returns the node instances of b in creation order.
func (tx *Transaction) nodes(b *runtime.InstanceBuilder) ([]runtime.NodeInstance, error) {
	handles := b.Instance().Nodes
	res := make([]runtime.NodeInstance, 0, len(handles))
	for _, h := range handles {
		n, err := tx.node(h)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, nil
}

func (tx *Transaction) putNode(b *runtime.InstanceBuilder, n runtime.NodeInstance) (runtime.NodeInstance, error) {
	h, err := tx.engine.data.nodes.Put(tx.Tx, n)
	if err != nil {
		return n, err
	}
	n.Handle = h
	b.AddNode(h)
	return n, nil
}

// saveNode stores next, the successor state of prev.
func (tx *Transaction) saveNode(prev, next runtime.NodeInstance) error {
	if _, _, err := tx.engine.data.nodes.Set(tx.Tx, next.Handle, next); err != nil {
		return err
	}
	if next.State.IsFinal() && !prev.State.IsFinal() {
		tx.result.terminated = append(tx.result.terminated, next)
	}
	return nil
}

// predecessorsComplete reports whether every predecessor of n is Complete.
func (tx *Transaction) predecessorsComplete(n runtime.NodeInstance) (bool, error) {
	for _, p := range n.Predecessors {
		pn, err := tx.node(p)
		if err != nil {
			return false, err
		}
		if pn.State != runtime.NodeStateComplete {
			return false, nil
		}
	}
	return true, nil
}

// endInstance moves b into a final state and posts a tickle for the instance of its parent activity.
func (tx *Transaction) endInstance(b *runtime.InstanceBuilder, state runtime.InstanceState) error {
	wasRunning := b.State() == runtime.InstanceStateStarted
	if err := b.Transition(state); err != nil {
		return err
	}
	if wasRunning {
		tx.result.running--
	}
	tx.ended = append(tx.ended, b)
	parent := b.Instance().ParentActivity
	if !parent.IsValid() {
		return nil
	}
	pn, found, err := tx.engine.data.nodes.Get(tx.Tx, parent)
	if err != nil || !found {
		return err
	}
	tx.PostTickle(pn.ProcessInstance)
	return nil
}

// removeInstance deletes b together with its node instances.
func (tx *Transaction) removeInstance(b *runtime.InstanceBuilder) error {
	if err := tx.flush(b); err != nil {
		return err
	}
	delete(tx.pending, b.Handle())
	_, err := tx.engine.data.instances.Remove(tx.Tx, b.Handle())
	return err
}

func (tx *Transaction) flush(b *runtime.InstanceBuilder) error {
	if !b.Changed() {
		return nil
	}
	if _, _, err := tx.engine.data.instances.Set(tx.Tx, b.Handle(), b.Build()); err != nil {
		return fmt.Errorf("failed to store %s: %w", b.Instance(), err)
	}
	return nil
}

// Commit stores all changed instance builders and commits the storage transaction.
func (tx *Transaction) Commit() error {
	for _, b := range tx.pending {
		if err := tx.flush(b); err != nil {
			return err
		}
	}
	for _, b := range tx.ended {
		tx.result.ended = append(tx.result.ended, b.Build())
	}
	return tx.Tx.Commit()
}
