package observer

import (
	"context"
	"time"

	atoll "github.com/nevindra/atoll"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WrapTaskHandler instruments a dispatcher task handler with a span and,
// for agent_step tasks, the step duration histogram. Register the wrapped
// handler in place of the raw one.
func WrapTaskHandler(name string, h atoll.TaskHandler, inst *Instruments) atoll.TaskHandler {
	return func(ctx context.Context, task atoll.Task) error {
		ctx, span := inst.Tracer.Start(ctx, "task."+name, trace.WithAttributes(
			AttrTaskName.String(name),
			AttrTaskQueue.String(task.Queue),
		))
		defer span.End()
		start := time.Now()

		err := h(ctx, task)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if name == atoll.TaskAgentStep {
			inst.StepDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
				metric.WithAttributes(AttrTaskQueue.String(task.Queue)))
		}
		return err
	}
}

// CountingTaskSender wraps a TaskSender and counts sends. Hand one to the
// scheduler so every dispatched slot bumps schedule.dispatches.
type CountingTaskSender struct {
	inner atoll.TaskSender
	inst  *Instruments
}

// WrapTaskSender returns a counting TaskSender.
func WrapTaskSender(inner atoll.TaskSender, inst *Instruments) *CountingTaskSender {
	return &CountingTaskSender{inner: inner, inst: inst}
}

func (c *CountingTaskSender) SendTask(ctx context.Context, name string, kwargs map[string]any, queue string) error {
	err := c.inner.SendTask(ctx, name, kwargs, queue)
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.inst.ScheduleDispatches.Add(ctx, 1, metric.WithAttributes(
		AttrTaskName.String(name),
		AttrTaskQueue.String(queue),
		AttrStatus.String(status),
	))
	return err
}

// Compile-time interface check.
var _ atoll.TaskSender = (*CountingTaskSender)(nil)
