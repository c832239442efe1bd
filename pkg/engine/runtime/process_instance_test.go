package runtime

import (
	"testing"

	"github.com/pbinitiative/zenflow/pkg/handle"
	"github.com/stretchr/testify/assert"
)

func TestInstanceTransitions(t *testing.T) {
	b := NewInstanceBuilder(ProcessInstance{Handle: handle.New[ProcessInstance](1), State: InstanceStateNew})
	assert.False(t, b.Changed())

	assert.NoError(t, b.Transition(InstanceStateInitialized))
	assert.NoError(t, b.Transition(InstanceStateStarted))
	assert.True(t, b.Changed())

	err := b.Transition(InstanceStateInitialized)
	var illegal *IllegalStateTransitionError
	assert.ErrorAs(t, err, &illegal)
	assert.Equal(t, InstanceStateStarted, b.State())

	assert.NoError(t, b.Transition(InstanceStateFinished))
	assert.True(t, b.State().IsFinal())
	assert.Error(t, b.Transition(InstanceStateCancelled))
}

func TestInstanceCannotSkipInitialization(t *testing.T) {
	b := NewInstanceBuilder(ProcessInstance{State: InstanceStateNew})
	assert.Error(t, b.Transition(InstanceStateStarted))
	assert.NoError(t, b.Transition(InstanceStateCancelled))
}

func TestBuilderDoesNotShareState(t *testing.T) {
	pi := ProcessInstance{State: InstanceStateStarted}
	b := NewInstanceBuilder(pi)
	b.AddNode(handle.New[NodeInstance](7))
	b.AddNode(handle.New[NodeInstance](7))
	b.AddOutputs(DataItem{Name: "a", Value: []byte("1")})
	b.AddOutputs(DataItem{Name: "a", Value: []byte("2")})

	assert.Empty(t, pi.Nodes)
	built := b.Build()
	assert.Len(t, built.Nodes, 1)
	assert.Equal(t, []DataItem{{Name: "a", Value: []byte("2")}}, built.Outputs)

	b.RemoveNode(handle.New[NodeInstance](7))
	assert.Len(t, built.Nodes, 1)
	assert.Empty(t, b.Build().Nodes)
}
