package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/durable"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func (w *Worker) handleDecisionTask(ctx context.Context, task *durable.DecisionTask) {
	ctx, span := w.tracer.Start(ctx, "durable.decision_task",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(executionAttributes(task.Execution, task.WorkflowType)...),
		trace.WithAttributes(attribute.Int64("durable.started_event_id", task.StartedEventID)))
	defer span.End()

	event := &durable.DecisionTaskEvent{
		Execution:      task.Execution,
		WorkflowType:   task.WorkflowType,
		StartedEventID: task.StartedEventID,
		StartTime:      time.Now(),
	}
	w.callbacks.BeforeDecisionTask(ctx, event)

	result, x, fullReplay, err := w.decide(ctx, task)
	event.FullReplay = fullReplay
	span.SetAttributes(attribute.Bool("durable.full_replay", fullReplay))
	if err != nil {
		w.cache.remove(task.Execution, "decision failed")
		w.respondFailed(ctx, task, err)
	} else {
		event.Commands = result.Commands
		event.UnhandledSignals = result.UnhandledSignals
		span.SetAttributes(attribute.Int("durable.commands", len(result.Commands)))
		err = w.service.RespondDecisionTaskCompleted(ctx, &durable.RespondDecisionTaskCompletedRequest{
			TaskToken: task.TaskToken,
			Commands:  result.Commands,
			Identity:  w.cfg.Identity,
		})
		switch {
		case err != nil:
			// The next task rebuilds the executor from history.
			w.logger.Warn("decision not accepted", "workflow_id", task.Execution.WorkflowID, "error", err)
			w.cache.remove(task.Execution, "decision not accepted")
		case result.Completed:
			x.Acknowledge()
			w.cache.remove(task.Execution, "completed")
		default:
			x.Acknowledge()
			w.cache.unpin(task.Execution)
		}
	}
	recordSpanError(span, err)
	event.EndTime = time.Now()
	event.Duration = event.EndTime.Sub(event.StartTime)
	event.Error = err
	w.callbacks.AfterDecisionTask(ctx, event)
}

// decide produces the commands of a decision task. The cached executor is
// used when it stopped exactly at the previous decision; otherwise the
// executor is rebuilt from the full history. The returned executor is
// pinned in the cache.
func (w *Worker) decide(ctx context.Context, task *durable.DecisionTask) (*durable.DecisionResult, *durable.WorkflowExecutor, bool, error) {
	execution := task.Execution
	if x := w.cache.pin(execution); x != nil {
		if x.Err() == nil && x.LastStartedEventID() == task.PreviousStartedEventID {
			result, err := x.ProcessEvents(task.Events)
			if err != nil {
				return nil, nil, false, err
			}
			if result == nil {
				return nil, nil, false, fmt.Errorf("no decision produced at event %d", task.StartedEventID)
			}
			return result, x, false, nil
		}
		w.cache.remove(execution, "stale")
	}

	events := task.Events
	if len(events) == 0 || events[0].ID != 1 {
		history, err := w.service.GetWorkflowExecutionHistory(ctx, execution)
		if err != nil {
			return nil, nil, true, fmt.Errorf("failed to load history: %w", err)
		}
		events = durable.TruncateEvents(history, task.StartedEventID)
	}
	x, err := durable.NewWorkflowExecutor(durable.ExecutorOptions{
		Registry:  w.registry,
		Execution: execution,
		Logger:    w.logger,
		LogReplay: w.cfg.LogReplay,
	})
	if err != nil {
		return nil, nil, true, err
	}
	w.cache.put(execution, x)
	result, err := x.ProcessEvents(events)
	if err != nil {
		return nil, nil, true, err
	}
	if result == nil {
		return nil, nil, true, fmt.Errorf("no decision produced at event %d", task.StartedEventID)
	}
	return result, x, true, nil
}

func (w *Worker) respondFailed(ctx context.Context, task *durable.DecisionTask, err error) {
	cause := durable.CauseWorkflowFailure
	var nd *durable.NonDeterminismError
	var notFound *durable.NotFoundError
	switch {
	case errors.As(err, &nd):
		cause = durable.CauseNondeterminism
	case errors.As(err, &notFound) && notFound.Kind == "workflow type":
		cause = durable.CauseUnknownWorkflow
	}
	w.logger.Error("decision task failed",
		"workflow_id", task.Execution.WorkflowID,
		"run_id", task.Execution.RunID,
		"cause", cause,
		"error", err)
	if rerr := w.service.RespondDecisionTaskFailed(ctx, &durable.RespondDecisionTaskFailedRequest{
		TaskToken: task.TaskToken,
		Cause:     cause,
		Failure:   durable.NewFailure(err),
		Identity:  w.cfg.Identity,
	}); rerr != nil {
		w.logger.Warn("failed to report decision failure", "workflow_id", task.Execution.WorkflowID, "error", rerr)
	}
}

// handleQueryTask answers a query from the cached executor when it is idle,
// or from a throwaway replay of the history.
func (w *Worker) handleQueryTask(ctx context.Context, task *durable.DecisionTask) {
	ctx, span := w.tracer.Start(ctx, "durable.query_task",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(executionAttributes(task.Execution, task.WorkflowType)...),
		trace.WithAttributes(attribute.String("durable.query_type", task.Query.QueryType)))
	defer span.End()

	result, err := w.query(task)
	resp := &durable.RespondQueryTaskCompletedRequest{TaskToken: task.TaskToken, Result: result}
	if err != nil {
		resp.Failure = durable.NewFailure(err)
		recordSpanError(span, err)
	}
	if rerr := w.service.RespondQueryTaskCompleted(ctx, resp); rerr != nil {
		w.logger.Warn("failed to answer query", "workflow_id", task.Execution.WorkflowID, "error", rerr)
	}
}

func (w *Worker) query(task *durable.DecisionTask) (durable.Payload, error) {
	if x := w.cache.peek(task.Execution); x != nil && x.Err() == nil {
		return x.Query(task.Query.QueryType, task.Query.Args)
	}
	x, err := durable.NewWorkflowExecutor(durable.ExecutorOptions{
		Registry:     w.registry,
		Execution:    task.Execution,
		Logger:       w.logger,
		SkipLivePass: true,
	})
	if err != nil {
		return nil, err
	}
	defer x.Close()
	if _, err := x.ProcessEvents(task.Events); err != nil {
		return nil, err
	}
	return x.Query(task.Query.QueryType, task.Query.Args)
}
