package runtime

import (
	"errors"
	"fmt"
	"slices"

	"github.com/pbinitiative/zenflow/pkg/handle"
	"github.com/pbinitiative/zenflow/pkg/model"
)

type NodeState string

const (
	NodeStateSent         NodeState = "SENT"
	NodeStateAcknowledged NodeState = "ACKNOWLEDGED"
	NodeStateTaken        NodeState = "TAKEN"
	NodeStateStarted      NodeState = "STARTED"
	NodeStateComplete     NodeState = "COMPLETE"
	NodeStateFailed       NodeState = "FAILED"
	NodeStateCancelled    NodeState = "CANCELLED"
)

// IsFinal reports whether no further event is accepted in state s.
func (s NodeState) IsFinal() bool {
	return s == NodeStateComplete || s == NodeStateFailed || s == NodeStateCancelled
}

type NodeEvent string

const (
	NodeEventAcknowledge NodeEvent = "acknowledge"
	NodeEventTake        NodeEvent = "take"
	NodeEventStart       NodeEvent = "start"
	NodeEventFinish      NodeEvent = "finish"
	NodeEventCancel      NodeEvent = "cancel"
	NodeEventFail        NodeEvent = "fail"
)

var (
	ErrFinishRequiresPayload = errors.New("completing a task requires its result payload, use FinishTask")
	ErrNotAnEventTarget      = errors.New("state cannot be requested")
)

type transition struct {
	from []NodeState // nil means every non final state
	to   NodeState
	// leaving Sent requires all predecessors to be complete
	needsPredecessors bool
}

var nodeTransitions = map[NodeEvent]transition{
	NodeEventAcknowledge: {from: []NodeState{NodeStateSent}, to: NodeStateAcknowledged, needsPredecessors: true},
	NodeEventTake:        {from: []NodeState{NodeStateSent, NodeStateAcknowledged}, to: NodeStateTaken, needsPredecessors: true},
	NodeEventStart:       {from: []NodeState{NodeStateTaken}, to: NodeStateStarted},
	NodeEventFinish:      {from: []NodeState{NodeStateStarted}, to: NodeStateComplete},
	NodeEventCancel:      {to: NodeStateCancelled},
	NodeEventFail:        {to: NodeStateFailed},
}

// EventForState returns the event that moves a node instance into target.
// Complete is rejected, results would otherwise be lost.
func EventForState(target NodeState) (NodeEvent, error) {
	switch target {
	case NodeStateAcknowledged:
		return NodeEventAcknowledge, nil
	case NodeStateTaken:
		return NodeEventTake, nil
	case NodeStateStarted:
		return NodeEventStart, nil
	case NodeStateCancelled:
		return NodeEventCancel, nil
	case NodeStateFailed:
		return NodeEventFail, nil
	case NodeStateComplete:
		return "", ErrFinishRequiresPayload
	default:
		return "", fmt.Errorf("%w: %q", ErrNotAnEventTarget, target)
	}
}

// NodeInstance is the execution state of one node of a model within one process instance.
type NodeInstance struct {
	Handle          handle.Handle[NodeInstance]    `json:"handle"`
	ProcessInstance handle.Handle[ProcessInstance] `json:"processInstance"`
	Owner           string                         `json:"owner"`
	NodeID          string                         `json:"nodeId"`
	NodeType        model.NodeType                 `json:"nodeType"`
	State           NodeState                      `json:"state"`
	Predecessors    []handle.Handle[NodeInstance]  `json:"predecessors,omitempty"`
	Successors      []handle.Handle[NodeInstance]  `json:"successors,omitempty"`
	Results         []DataItem                     `json:"results,omitempty"`
	FailureCause    string                         `json:"failureCause,omitempty"`
	// Dispatched is set once the task was handed to the message service.
	Dispatched    bool                           `json:"dispatched,omitempty"`
	ChildInstance handle.Handle[ProcessInstance] `json:"childInstance"`
}

// NewNodeInstance creates the node instance of node in state Sent.
func NewNodeInstance(pi ProcessInstance, node model.Node, predecessors []handle.Handle[NodeInstance]) NodeInstance {
	return NodeInstance{
		ProcessInstance: pi.Handle,
		Owner:           pi.Owner,
		NodeID:          node.ID,
		NodeType:        node.Type,
		State:           NodeStateSent,
		Predecessors:    slices.Clone(predecessors),
	}
}

func (n NodeInstance) OwnerName() string {
	return n.Owner
}

func (n NodeInstance) String() string {
	return fmt.Sprintf("node instance %s (%s)", n.Handle, n.NodeID)
}

func (n NodeInstance) Clone() NodeInstance {
	n.Predecessors = slices.Clone(n.Predecessors)
	n.Successors = slices.Clone(n.Successors)
	n.Results = slices.Clone(n.Results)
	return n
}

// Apply returns a copy of n after event ev. n itself is never modified.
func (n NodeInstance) Apply(ev NodeEvent, predecessorsComplete bool) (NodeInstance, error) {
	t, ok := nodeTransitions[ev]
	if !ok || n.State.IsFinal() || (t.from != nil && !slices.Contains(t.from, n.State)) {
		return n, n.illegal(ev)
	}
	if t.needsPredecessors && n.State == NodeStateSent && !predecessorsComplete {
		return n, n.illegal(ev)
	}
	next := n.Clone()
	next.State = t.to
	return next, nil
}

// Finish completes a started node instance with its results.
func (n NodeInstance) Finish(results []DataItem) (NodeInstance, error) {
	next, err := n.Apply(NodeEventFinish, true)
	if err != nil {
		return n, err
	}
	next.Results = slices.Clone(results)
	return next, nil
}

func (n NodeInstance) Fail(cause string) (NodeInstance, error) {
	next, err := n.Apply(NodeEventFail, true)
	if err != nil {
		return n, err
	}
	next.FailureCause = cause
	return next, nil
}

// CompleteAutomatically drives a node instance that needs no external handler from Sent to Complete.
func (n NodeInstance) CompleteAutomatically(results []DataItem) (NodeInstance, error) {
	next, err := n.Apply(NodeEventTake, true)
	if err != nil {
		return n, err
	}
	if next, err = next.Apply(NodeEventStart, true); err != nil {
		return n, err
	}
	return next.Finish(results)
}

func (n NodeInstance) illegal(ev NodeEvent) error {
	return &IllegalStateTransitionError{
		Entity: "node instance",
		Key:    n.Handle.Key(),
		From:   string(n.State),
		Event:  string(ev),
	}
}
