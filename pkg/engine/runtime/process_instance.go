// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package runtime

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/pbinitiative/zenflow/pkg/handle"
	"github.com/pbinitiative/zenflow/pkg/model"
)

type InstanceState string

const (
	InstanceStateNew         InstanceState = "NEW"
	InstanceStateInitialized InstanceState = "INITIALIZED"
	InstanceStateStarted     InstanceState = "STARTED"
	InstanceStateFinished    InstanceState = "FINISHED"
	InstanceStateCancelled   InstanceState = "CANCELLED"
	InstanceStateError       InstanceState = "ERROR"
)

var instanceTransitions = map[InstanceState][]InstanceState{
	InstanceStateNew:         {InstanceStateInitialized, InstanceStateCancelled, InstanceStateError},
	InstanceStateInitialized: {InstanceStateStarted, InstanceStateCancelled, InstanceStateError},
	InstanceStateStarted:     {InstanceStateFinished, InstanceStateCancelled, InstanceStateError},
}

// IsFinal reports whether the instance accepts no further node state changes.
func (s InstanceState) IsFinal() bool {
	return s == InstanceStateFinished || s == InstanceStateCancelled || s == InstanceStateError
}

func (s InstanceState) CanTransition(to InstanceState) bool {
	return slices.Contains(instanceTransitions[s], to)
}

type ProcessInstance struct {
	Handle         handle.Handle[ProcessInstance]    `json:"handle"`
	Owner          string                            `json:"owner"`
	Model          handle.Handle[model.ProcessModel] `json:"model"`
	UUID           uuid.UUID                         `json:"uuid"`
	Name           string                            `json:"name"`
	State          InstanceState                     `json:"state"`
	ParentActivity handle.Handle[NodeInstance]       `json:"parentActivity"`
	Nodes          []handle.Handle[NodeInstance]     `json:"nodes,omitempty"`
	Inputs         []DataItem                        `json:"inputs,omitempty"`
	Outputs        []DataItem                        `json:"outputs,omitempty"`
	CreatedAt      time.Time                         `json:"createdAt"`
}

func (pi ProcessInstance) OwnerName() string {
	return pi.Owner
}

func (pi ProcessInstance) String() string {
	return fmt.Sprintf("process instance %s", pi.Handle)
}

// Clone returns a copy that shares no slices with pi.
func (pi ProcessInstance) Clone() ProcessInstance {
	pi.Nodes = slices.Clone(pi.Nodes)
	pi.Inputs = slices.Clone(pi.Inputs)
	pi.Outputs = slices.Clone(pi.Outputs)
	return pi
}

// InstanceBuilder accumulates changes to a process instance within one transaction.
type InstanceBuilder struct {
	instance ProcessInstance
	changed  bool
}

func NewInstanceBuilder(pi ProcessInstance) *InstanceBuilder {
	return &InstanceBuilder{instance: pi.Clone()}
}

func (b *InstanceBuilder) Handle() handle.Handle[ProcessInstance] {
	return b.instance.Handle
}

func (b *InstanceBuilder) State() InstanceState {
	return b.instance.State
}

// Instance returns a snapshot of the current state of the builder.
func (b *InstanceBuilder) Instance() ProcessInstance {
	return b.instance.Clone()
}

func (b *InstanceBuilder) Transition(to InstanceState) error {
	if !b.instance.State.CanTransition(to) {
		return &IllegalStateTransitionError{
			Entity: "process instance",
			Key:    b.instance.Handle.Key(),
			From:   string(b.instance.State),
			Event:  "transition to " + string(to),
		}
	}
	b.instance.State = to
	b.changed = true
	return nil
}

func (b *InstanceBuilder) AddNode(h handle.Handle[NodeInstance]) {
	if slices.Contains(b.instance.Nodes, h) {
		return
	}
	b.instance.Nodes = append(b.instance.Nodes, h)
	b.changed = true
}

func (b *InstanceBuilder) RemoveNode(h handle.Handle[NodeInstance]) {
	idx := slices.Index(b.instance.Nodes, h)
	if idx < 0 {
		return
	}
	b.instance.Nodes = slices.Delete(b.instance.Nodes, idx, idx+1)
	b.changed = true
}

// AddOutputs merges items into the outputs, replacing outputs with the same name.
func (b *InstanceBuilder) AddOutputs(items ...DataItem) {
	if len(items) == 0 {
		return
	}
	b.instance.Outputs = MergeItems(b.instance.Outputs, items...)
	b.changed = true
}

func (b *InstanceBuilder) Changed() bool {
	return b.changed
}

func (b *InstanceBuilder) Build() ProcessInstance {
	return b.instance.Clone()
}
