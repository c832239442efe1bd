// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package model contains process models, the acyclic graphs of typed nodes that the engine
// instantiates, together with their builder and store.
package model

import (
	"slices"

	"github.com/google/uuid"
	"github.com/pbinitiative/zenflow/pkg/handle"
)

type NodeType string

const (
	NodeTypeStart    NodeType = "START"
	NodeTypeActivity NodeType = "ACTIVITY"
	NodeTypeSplit    NodeType = "SPLIT"
	NodeTypeJoin     NodeType = "JOIN"
	NodeTypeEnd      NodeType = "END"
)

func (t NodeType) Valid() bool {
	switch t {
	case NodeTypeStart, NodeTypeActivity, NodeTypeSplit, NodeTypeJoin, NodeTypeEnd:
		return true
	}
	return false
}

// ResultDef is one named field of the result payload of an activity.
type ResultDef struct {
	Name     string `json:"name" yaml:"name"`
	Required bool   `json:"required,omitempty" yaml:"required"`
}

type Node struct {
	ID           string      `json:"id"`
	Type         NodeType    `json:"type"`
	Label        string      `json:"label,omitempty"`
	Predecessors []string    `json:"predecessors,omitempty"`
	Successors   []string    `json:"successors,omitempty"`
	Message      string      `json:"message,omitempty"` // what the external handler of an activity is asked to do
	Results      []ResultDef `json:"results,omitempty"`
	Synthesized  bool        `json:"synthesized,omitempty"` // inserted by the builder
}

// ProcessModel is immutable once published. A new version with the same UUID replaces it.
type ProcessModel struct {
	Handle  handle.Handle[ProcessModel] `json:"handle"`
	Owner   string                      `json:"owner"`
	UUID    uuid.UUID                   `json:"uuid"`
	Name    string                      `json:"name"`
	Version int                         `json:"version"`
	Nodes   []Node                      `json:"nodes"`
}

func (m ProcessModel) OwnerName() string {
	return m.Owner
}

// Node returns the node with the given id.
func (m ProcessModel) Node(id string) (Node, bool) {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// SameGraph reports whether m and o declare the same nodes in the same order.
func (m ProcessModel) SameGraph(o ProcessModel) bool {
	return slices.EqualFunc(m.Nodes, o.Nodes, Node.Equal)
}

func (n Node) Equal(o Node) bool {
	return n.ID == o.ID &&
		n.Type == o.Type &&
		n.Label == o.Label &&
		n.Message == o.Message &&
		n.Synthesized == o.Synthesized &&
		slices.Equal(n.Predecessors, o.Predecessors) &&
		slices.Equal(n.Successors, o.Successors) &&
		slices.Equal(n.Results, o.Results)
}

func (m ProcessModel) StartNodes() []Node {
	return m.nodesOfType(NodeTypeStart)
}

func (m ProcessModel) EndNodes() []Node {
	return m.nodesOfType(NodeTypeEnd)
}

func (m ProcessModel) nodesOfType(t NodeType) []Node {
	var res []Node
	for _, n := range m.Nodes {
		if n.Type == t {
			res = append(res, n)
		}
	}
	return res
}
