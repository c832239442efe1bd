package runtime

import (
	"testing"

	"github.com/pbinitiative/zenflow/pkg/handle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allNodeStates = []NodeState{
	NodeStateSent, NodeStateAcknowledged, NodeStateTaken, NodeStateStarted,
	NodeStateComplete, NodeStateFailed, NodeStateCancelled,
}

var allNodeEvents = []NodeEvent{
	NodeEventAcknowledge, NodeEventTake, NodeEventStart, NodeEventFinish, NodeEventCancel, NodeEventFail,
}

// legal lists every (state, event) pair that is allowed, with its target state.
var legal = map[NodeState]map[NodeEvent]NodeState{
	NodeStateSent: {
		NodeEventAcknowledge: NodeStateAcknowledged,
		NodeEventTake:        NodeStateTaken,
		NodeEventCancel:      NodeStateCancelled,
		NodeEventFail:        NodeStateFailed,
	},
	NodeStateAcknowledged: {
		NodeEventTake:   NodeStateTaken,
		NodeEventCancel: NodeStateCancelled,
		NodeEventFail:   NodeStateFailed,
	},
	NodeStateTaken: {
		NodeEventStart:  NodeStateStarted,
		NodeEventCancel: NodeStateCancelled,
		NodeEventFail:   NodeStateFailed,
	},
	NodeStateStarted: {
		NodeEventFinish: NodeStateComplete,
		NodeEventCancel: NodeStateCancelled,
		NodeEventFail:   NodeStateFailed,
	},
}

func TestNodeStateMachineIsTotal(t *testing.T) {
	for _, state := range allNodeStates {
		for _, ev := range allNodeEvents {
			n := NodeInstance{Handle: handle.New[NodeInstance](1), NodeID: "task", State: state}
			next, err := n.Apply(ev, true)

			target, ok := legal[state][ev]
			if ok {
				assert.NoError(t, err, "%s from %s", ev, state)
				assert.Equal(t, target, next.State)
				assert.Equal(t, state, n.State)
				continue
			}
			var illegal *IllegalStateTransitionError
			assert.ErrorAs(t, err, &illegal, "%s from %s", ev, state)
			assert.Equal(t, n, next)
			assert.Equal(t, string(state), illegal.From)
		}
	}
}

func TestLeavingSentRequiresCompletePredecessors(t *testing.T) {
	n := NodeInstance{State: NodeStateSent}
	_, err := n.Apply(NodeEventTake, false)
	assert.Error(t, err)
	_, err = n.Apply(NodeEventAcknowledge, false)
	assert.Error(t, err)

	cancelled, err := n.Apply(NodeEventCancel, false)
	assert.NoError(t, err)
	assert.Equal(t, NodeStateCancelled, cancelled.State)

	acked := NodeInstance{State: NodeStateAcknowledged}
	_, err = acked.Apply(NodeEventTake, false)
	assert.NoError(t, err)
}

func TestEventForState(t *testing.T) {
	ev, err := EventForState(NodeStateTaken)
	assert.NoError(t, err)
	assert.Equal(t, NodeEventTake, ev)

	_, err = EventForState(NodeStateComplete)
	assert.ErrorIs(t, err, ErrFinishRequiresPayload)
	_, err = EventForState(NodeStateSent)
	assert.ErrorIs(t, err, ErrNotAnEventTarget)
}

func TestFinishAndFail(t *testing.T) {
	n := NodeInstance{State: NodeStateStarted}
	results := []DataItem{{Name: "ok", Value: []byte("true")}}
	done, err := n.Finish(results)
	require.NoError(t, err)
	assert.Equal(t, NodeStateComplete, done.State)
	assert.Equal(t, results, done.Results)
	assert.Empty(t, n.Results)

	failed, err := NodeInstance{State: NodeStateTaken}.Fail("boom")
	require.NoError(t, err)
	assert.Equal(t, NodeStateFailed, failed.State)
	assert.Equal(t, "boom", failed.FailureCause)

	_, err = done.Fail("late")
	assert.Error(t, err)
}

func TestCompleteAutomatically(t *testing.T) {
	n, err := NodeInstance{State: NodeStateSent}.CompleteAutomatically(nil)
	require.NoError(t, err)
	assert.Equal(t, NodeStateComplete, n.State)
}
