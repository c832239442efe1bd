package engine

import (
	"github.com/pbinitiative/zenflow/pkg/engine/runtime"
	"github.com/pbinitiative/zenflow/pkg/handle"
	"github.com/pbinitiative/zenflow/pkg/model"
)

type command interface {
	Type() commandType
}

type commandType string

const (
	propagateType  commandType = "propagate"
	createNodeType commandType = "createNode"
)

// ---

// propagateCommand creates the missing successors of a completed node instance.
type propagateCommand struct {
	source handle.Handle[runtime.NodeInstance]
}

func (f propagateCommand) Type() commandType {
	return propagateType
}

// ---

type createNodeCommand struct {
	node         model.Node
	predecessors []handle.Handle[runtime.NodeInstance]
}

func (f createNodeCommand) Type() commandType {
	return createNodeType
}
