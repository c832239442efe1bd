package engine

import (
	"context"

	"github.com/pbinitiative/zenflow/pkg/engine/runtime"
	"github.com/pbinitiative/zenflow/pkg/handle"
)

// Endpoint is the address an external handler reports task results back to.
type Endpoint struct {
	Service string `json:"service"`
	Address string `json:"address,omitempty"`
}

// Task is what the message service hands to the external handler of an activity.
type Task struct {
	NodeInstance    handle.Handle[runtime.NodeInstance]    `json:"nodeInstance"`
	ProcessInstance handle.Handle[runtime.ProcessInstance] `json:"processInstance"`
	NodeID          string                                 `json:"nodeId"`
	Message         string                                 `json:"message,omitempty"`
	Owner           string                                 `json:"owner"`
	Inputs          []runtime.DataItem                     `json:"inputs,omitempty"`
	Callback        Endpoint                               `json:"callback"`
	Context         ActivityContext                        `json:"-"`
}

// MessageService delivers tasks to external handlers.
// SendTask may call back into the engine synchronously, e.g. to finish the task right away.
type MessageService interface {
	LocalEndpoint() Endpoint
	SendTask(ctx context.Context, task Task) error
}

type ActivityContext interface {
	ProcessInstance() runtime.ProcessInstance
	NodeInstance() runtime.NodeInstance
}

// ProcessContextFactory creates the execution context of activities and is told when
// instances and activities end. Notifications happen after the change was committed.
type ProcessContextFactory interface {
	NewActivityContext(ctx context.Context, pi runtime.ProcessInstance, ni runtime.NodeInstance) ActivityContext
	OnProcessFinished(ctx context.Context, pi runtime.ProcessInstance)
	OnActivityTermination(ctx context.Context, ni runtime.NodeInstance)
}

type activityContext struct {
	processInstance runtime.ProcessInstance
	nodeInstance    runtime.NodeInstance
}

func (c activityContext) ProcessInstance() runtime.ProcessInstance {
	return c.processInstance
}

func (c activityContext) NodeInstance() runtime.NodeInstance {
	return c.nodeInstance
}

// DefaultContextFactory carries the instance snapshots and ignores notifications.
type DefaultContextFactory struct{}

func (DefaultContextFactory) NewActivityContext(_ context.Context, pi runtime.ProcessInstance, ni runtime.NodeInstance) ActivityContext {
	return activityContext{processInstance: pi, nodeInstance: ni}
}

func (DefaultContextFactory) OnProcessFinished(context.Context, runtime.ProcessInstance) {}

func (DefaultContextFactory) OnActivityTermination(context.Context, runtime.NodeInstance) {}
