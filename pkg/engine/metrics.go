package engine

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
)

type EngineMetrics struct {
	InstancesStarted   metric.Int64Counter
	InstancesFinished  metric.Int64Counter
	InstancesCancelled metric.Int64Counter
	InstancesFailed    metric.Int64Counter
	InstancesRunning   metric.Int64UpDownCounter
	TasksDispatched    metric.Int64Counter
	TasksCompleted     metric.Int64Counter
	TasksFailed        metric.Int64Counter
	DispatchErrors     metric.Int64Counter
	TicklesProcessed   metric.Int64Counter
	TickleFailures     metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*EngineMetrics, error) {
	var errJoin error

	instancesStarted, err := meter.Int64Counter("process_instances_started", metric.WithDescription("Number of process instances started"))
	errJoin = errors.Join(errJoin, err)

	instancesFinished, err := meter.Int64Counter("process_instances_finished", metric.WithDescription("Number of process instances finished"))
	errJoin = errors.Join(errJoin, err)

	instancesCancelled, err := meter.Int64Counter("process_instances_cancelled", metric.WithDescription("Number of process instances cancelled"))
	errJoin = errors.Join(errJoin, err)

	instancesFailed, err := meter.Int64Counter("process_instances_failed", metric.WithDescription("Number of process instances ended in error state"))
	errJoin = errors.Join(errJoin, err)

	instancesRunning, err := meter.Int64UpDownCounter("process_instances_running", metric.WithDescription("Number of process instances currently running"))
	errJoin = errors.Join(errJoin, err)

	tasksDispatched, err := meter.Int64Counter("tasks_dispatched", metric.WithDescription("Number of tasks handed to the message service"))
	errJoin = errors.Join(errJoin, err)

	tasksCompleted, err := meter.Int64Counter("tasks_completed", metric.WithDescription("Number of tasks completed"))
	errJoin = errors.Join(errJoin, err)

	tasksFailed, err := meter.Int64Counter("tasks_failed", metric.WithDescription("Number of tasks failed"))
	errJoin = errors.Join(errJoin, err)

	dispatchErrors, err := meter.Int64Counter("task_dispatch_errors", metric.WithDescription("Number of failed task dispatches"))
	errJoin = errors.Join(errJoin, err)

	ticklesProcessed, err := meter.Int64Counter("tickles_processed", metric.WithDescription("Number of processed tickles"))
	errJoin = errors.Join(errJoin, err)

	tickleFailures, err := meter.Int64Counter("tickle_failures", metric.WithDescription("Number of tickles that failed"))
	errJoin = errors.Join(errJoin, err)

	metrics := EngineMetrics{
		InstancesStarted:   instancesStarted,
		InstancesFinished:  instancesFinished,
		InstancesCancelled: instancesCancelled,
		InstancesFailed:    instancesFailed,
		InstancesRunning:   instancesRunning,
		TasksDispatched:    tasksDispatched,
		TasksCompleted:     tasksCompleted,
		TasksFailed:        tasksFailed,
		DispatchErrors:     dispatchErrors,
		TicklesProcessed:   ticklesProcessed,
		TickleFailures:     tickleFailures,
	}
	return &metrics, errJoin
}
