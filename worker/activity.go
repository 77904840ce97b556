package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/deepnoodle-ai/durable"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func (w *Worker) handleActivityTask(ctx context.Context, task *durable.ActivityTask) {
	ctx, span := w.tracer.Start(ctx, "durable.activity_task",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(executionAttributes(task.Execution, task.WorkflowType)...),
		trace.WithAttributes(
			attribute.String("durable.activity_type", task.ActivityType),
			attribute.Int64("durable.seq_id", task.SeqID),
			attribute.Int("durable.attempt", task.Attempt)))
	defer span.End()

	event := &durable.ActivityExecutionEvent{
		Execution:    task.Execution,
		WorkflowType: task.WorkflowType,
		ActivityType: task.ActivityType,
		SeqID:        task.SeqID,
		Attempt:      task.Attempt,
		Input:        task.Input,
		StartTime:    time.Now(),
	}
	w.callbacks.BeforeActivityExecution(ctx, event)
	result, err := w.runActivity(ctx, task)
	event.EndTime = time.Now()
	event.Duration = event.EndTime.Sub(event.StartTime)
	event.Result = result
	event.Error = err
	w.callbacks.AfterActivityExecution(ctx, event)

	var rerr error
	if err == nil {
		var payload durable.Payload
		if payload, err = durable.NewPayload(result); err != nil {
			err = durable.NewWorkflowError(durable.ErrorTypeFatal, err.Error())
		} else {
			rerr = w.service.RespondActivityTaskCompleted(ctx, task.TaskToken, payload)
		}
	}
	if err != nil {
		recordSpanError(span, err)
		w.logger.Warn("activity attempt failed",
			"workflow_id", task.Execution.WorkflowID,
			"activity_type", task.ActivityType,
			"attempt", task.Attempt,
			"error", err)
		rerr = w.service.RespondActivityTaskFailed(ctx, task.TaskToken, durable.NewFailure(err))
	}
	if rerr != nil {
		w.logger.Warn("failed to report activity result",
			"workflow_id", task.Execution.WorkflowID,
			"activity_type", task.ActivityType,
			"error", rerr)
	}
}

// runActivity executes one attempt under its start-to-close deadline.
// Panics are returned as PanicError.
func (w *Worker) runActivity(ctx context.Context, task *durable.ActivityTask) (result any, err error) {
	activity, err := w.registry.Activity(task.ActivityType)
	if err != nil {
		// No retry will find the activity on this worker either.
		return nil, durable.NewWorkflowError(durable.ErrorTypeFatal, err.Error())
	}
	info := durable.ActivityInfo{
		TaskToken:         task.TaskToken,
		WorkflowExecution: task.Execution,
		WorkflowType:      task.WorkflowType,
		ActivityType:      task.ActivityType,
		SeqID:             task.SeqID,
		Attempt:           task.Attempt,
		ScheduledTime:     task.ScheduledTime,
		StartedTime:       task.StartedTime,
	}
	if task.StartToCloseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.StartToCloseTimeout)
		defer cancel()
		info.Deadline, _ = ctx.Deadline()
	}
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &durable.PanicError{Value: r, StackTrace: string(debug.Stack())}
		}
	}()
	result, err = activity.Execute(durable.NewActivityContext(ctx, info, w.logger), task.Input)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("activity %s: %w", task.ActivityType, durable.NewTimeoutError("start-to-close timeout"))
	}
	return result, err
}
