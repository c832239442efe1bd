// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package engine

import (
	"errors"
	"fmt"

	"github.com/pbinitiative/zenflow/pkg/engine/runtime"
	"github.com/pbinitiative/zenflow/pkg/handle"
	"github.com/pbinitiative/zenflow/pkg/model"
	"github.com/pbinitiative/zenflow/pkg/storage"
)

// run works off commandQueue for the instance of b and then checks whether the instance is complete.
func (engine *Engine) run(tx *Transaction, b *runtime.InstanceBuilder, commandQueue []command) error {
	m, err := tx.model(b)
	if err != nil {
		return err
	}
	for len(commandQueue) > 0 {
		cmd := commandQueue[0]
		commandQueue = commandQueue[1:]

		var next []command
		switch tCmd := cmd.(type) {
		case propagateCommand:
			next, err = engine.propagate(tx, b, m, tCmd.source)
		case createNodeCommand:
			next, err = engine.createNode(tx, b, tCmd)
		default:
			err = newEngineErrorf("unsupported command type %s", cmd.Type())
		}
		if err != nil {
			return err
		}
		commandQueue = append(commandQueue, next...)
	}
	return engine.checkCompletion(tx, b)
}

func (engine *Engine) propagate(tx *Transaction, b *runtime.InstanceBuilder, m model.ProcessModel, source handle.Handle[runtime.NodeInstance]) ([]command, error) {
	src, err := tx.node(source)
	if err != nil {
		return nil, err
	}
	if src.State != runtime.NodeStateComplete {
		return nil, nil
	}
	node, ok := m.Node(src.NodeID)
	if !ok {
		return nil, newEngineErrorf("node %q of %s not found in process model %s", src.NodeID, src, m.Name)
	}
	byNode, err := tx.nodesByID(b)
	if err != nil {
		return nil, err
	}
	var commands []command
	for _, succID := range node.Successors {
		if _, exists := byNode[succID]; exists {
			continue
		}
		succ, ok := m.Node(succID)
		if !ok {
			return nil, newEngineErrorf("successor %q of node %q not found in process model %s", succID, node.ID, m.Name)
		}
		if succ.Type != model.NodeTypeJoin {
			commands = append(commands, createNodeCommand{node: succ, predecessors: []handle.Handle[runtime.NodeInstance]{src.Handle}})
			continue
		}
		// a join is created once all of its predecessors completed
		preds := make([]handle.Handle[runtime.NodeInstance], 0, len(succ.Predecessors))
		for _, p := range succ.Predecessors {
			pn, ok := byNode[p]
			if !ok || pn.State != runtime.NodeStateComplete {
				preds = nil
				break
			}
			preds = append(preds, pn.Handle)
		}
		if preds != nil {
			commands = append(commands, createNodeCommand{node: succ, predecessors: preds})
		}
	}
	return commands, nil
}

// nodesByID indexes the node instances of b by the id of their model node.
// A model node is instantiated at most once per process instance.
func (tx *Transaction) nodesByID(b *runtime.InstanceBuilder) (map[string]runtime.NodeInstance, error) {
	nodes, err := tx.nodes(b)
	if err != nil {
		return nil, err
	}
	byNode := make(map[string]runtime.NodeInstance, len(nodes))
	for _, n := range nodes {
		byNode[n.NodeID] = n
	}
	return byNode, nil
}

func (engine *Engine) createNode(tx *Transaction, b *runtime.InstanceBuilder, cmd createNodeCommand) ([]command, error) {
	byNode, err := tx.nodesByID(b)
	if err != nil {
		return nil, err
	}
	if _, exists := byNode[cmd.node.ID]; exists {
		return nil, nil
	}
	n, err := tx.putNode(b, runtime.NewNodeInstance(b.Instance(), cmd.node, cmd.predecessors))
	if err != nil {
		return nil, err
	}
	for _, p := range cmd.predecessors {
		pn, err := tx.node(p)
		if err != nil {
			return nil, err
		}
		next := pn.Clone()
		next.Successors = append(next.Successors, n.Handle)
		if err := tx.saveNode(pn, next); err != nil {
			return nil, err
		}
	}
	engine.loggerFor(tx.Context()).Debug("node instance created", "instance", b.Handle(), "node", cmd.node.ID, "nodeInstance", n.Handle)

	switch cmd.node.Type {
	case model.NodeTypeActivity:
		tx.postDispatch(n.Handle)
		return nil, nil
	case model.NodeTypeSplit, model.NodeTypeJoin, model.NodeTypeEnd:
		completed, err := n.CompleteAutomatically(nil)
		if err != nil {
			return nil, err
		}
		if err := tx.saveNode(n, completed); err != nil {
			return nil, err
		}
		return []command{propagateCommand{source: n.Handle}}, nil
	default:
		return nil, newEngineErrorf("node %q of type %s cannot follow another node", cmd.node.ID, cmd.node.Type)
	}
}

// checkCompletion ends a started instance once none of its node instances is open.
func (engine *Engine) checkCompletion(tx *Transaction, b *runtime.InstanceBuilder) error {
	if b.State() != runtime.InstanceStateStarted {
		return nil
	}
	nodes, err := tx.nodes(b)
	if err != nil {
		return err
	}
	endCompleted, failed := false, false
	for _, n := range nodes {
		switch {
		case !n.State.IsFinal():
			return nil
		case n.State == runtime.NodeStateComplete && n.NodeType == model.NodeTypeEnd:
			endCompleted = true
		case n.State == runtime.NodeStateFailed:
			failed = true
		}
	}
	state := runtime.InstanceStateCancelled
	switch {
	case endCompleted:
		state = runtime.InstanceStateFinished
	case failed:
		state = runtime.InstanceStateError
	}
	engine.loggerFor(tx.Context()).Debug("process instance ended", "instance", b.Handle(), "state", state)
	return tx.endInstance(b, state)
}

// initialize materializes the start node instances of a new instance.
func (engine *Engine) initialize(tx *Transaction, b *runtime.InstanceBuilder) error {
	m, err := tx.model(b)
	if err != nil {
		return err
	}
	for _, start := range m.StartNodes() {
		if _, err := tx.putNode(b, runtime.NewNodeInstance(b.Instance(), start, nil)); err != nil {
			return err
		}
	}
	return b.Transition(runtime.InstanceStateInitialized)
}

// start feeds the inputs of an initialized instance into its start nodes.
func (engine *Engine) start(tx *Transaction, b *runtime.InstanceBuilder) error {
	if b.State() == runtime.InstanceStateNew {
		if err := engine.initialize(tx, b); err != nil {
			return err
		}
	}
	nodes, err := tx.nodes(b)
	if err != nil {
		return err
	}
	inputs := b.Instance().Inputs
	var commands []command
	for _, n := range nodes {
		if n.NodeType != model.NodeTypeStart || n.State != runtime.NodeStateSent {
			continue
		}
		completed, err := n.CompleteAutomatically(inputs)
		if err != nil {
			return err
		}
		if err := tx.saveNode(n, completed); err != nil {
			return err
		}
		commands = append(commands, propagateCommand{source: n.Handle})
	}
	if err := b.Transition(runtime.InstanceStateStarted); err != nil {
		return err
	}
	b.AddOutputs(inputs...)
	tx.result.started++
	tx.result.running++
	return engine.run(tx, b, commands)
}

// resume re-evaluates a started instance: undispatched activities are dispatched again, completed
// node instances without successors are propagated and finished child instances are taken over.
func (engine *Engine) resume(tx *Transaction, b *runtime.InstanceBuilder) error {
	nodes, err := tx.nodes(b)
	if err != nil {
		return err
	}
	var commands []command
	for _, n := range nodes {
		switch {
		case n.ChildInstance.IsValid() && !n.State.IsFinal():
			completed, err := engine.resolveChild(tx, b, n)
			if err != nil {
				return err
			}
			if completed {
				commands = append(commands, propagateCommand{source: n.Handle})
			}
		case n.State == runtime.NodeStateComplete:
			commands = append(commands, propagateCommand{source: n.Handle})
		case n.NodeType == model.NodeTypeActivity && n.State == runtime.NodeStateSent && !n.Dispatched:
			tx.postDispatch(n.Handle)
		}
	}
	return engine.run(tx, b, commands)
}

// resolveChild applies the final state of the child instance of n to n.
func (engine *Engine) resolveChild(tx *Transaction, b *runtime.InstanceBuilder, n runtime.NodeInstance) (bool, error) {
	child, found, err := engine.data.instances.Get(tx.Tx, n.ChildInstance)
	if err != nil {
		return false, err
	}
	var next runtime.NodeInstance
	switch {
	case !found || child.State == runtime.InstanceStateCancelled:
		next, err = n.Apply(runtime.NodeEventCancel, true)
	case child.State == runtime.InstanceStateFinished:
		next, err = engine.finishNode(tx, n, child.Outputs)
	case child.State == runtime.InstanceStateError:
		next, err = n.Fail(fmt.Sprintf("child %s ended in error state", child))
	default:
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := tx.saveNode(n, next); err != nil {
		return false, err
	}
	if next.State != runtime.NodeStateComplete {
		return false, nil
	}
	b.AddOutputs(next.Results...)
	return true, nil
}

// finishNode advances n through take and start as needed and completes it with results.
func (engine *Engine) finishNode(tx *Transaction, n runtime.NodeInstance, results []runtime.DataItem) (runtime.NodeInstance, error) {
	predecessorsComplete, err := tx.predecessorsComplete(n)
	if err != nil {
		return n, err
	}
	next := n
	if next.State == runtime.NodeStateSent || next.State == runtime.NodeStateAcknowledged {
		if next, err = next.Apply(runtime.NodeEventTake, predecessorsComplete); err != nil {
			return n, err
		}
	}
	if next.State == runtime.NodeStateTaken {
		if next, err = next.Apply(runtime.NodeEventStart, true); err != nil {
			return n, err
		}
	}
	return next.Finish(results)
}

// tickleInstance re-evaluates the instance h. Instances that are gone or final are left alone.
func (engine *Engine) tickleInstance(tx *Transaction, h handle.Handle[runtime.ProcessInstance]) error {
	engine.data.instances.InvalidateCache(h)
	b, err := tx.instance(h)
	if errors.Is(err, storage.ErrNotFound) {
		engine.loggerFor(tx.Context()).Debug("tickled process instance does not exist", "instance", h)
		return nil
	}
	if err != nil {
		return err
	}
	for _, n := range b.Instance().Nodes {
		engine.data.nodes.InvalidateCache(n)
	}
	switch b.State() {
	case runtime.InstanceStateNew, runtime.InstanceStateInitialized:
		return engine.start(tx, b)
	case runtime.InstanceStateStarted:
		return engine.resume(tx, b)
	default:
		return nil
	}
}
