package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/durable"
)

// PollForDecisionTask returns the next decision or query task of domain.
// Query tasks are handed out first.
func (b *Backend) PollForDecisionTask(ctx context.Context, domain, identity string) (*durable.DecisionTask, error) {
	return poll(ctx, b, func() (*durable.DecisionTask, error) {
		return b.nextDecisionTask(ctx, domain, identity)
	})
}

func (b *Backend) nextDecisionTask(ctx context.Context, domain, identity string) (*durable.DecisionTask, error) {
	for i, q := range b.queryQueue {
		if !domainMatches(domain, q.execution) {
			continue
		}
		b.queryQueue = append(b.queryQueue[:i:i], b.queryQueue[i+1:]...)
		events, err := b.GetWorkflowExecutionHistory(ctx, q.execution)
		if err != nil {
			return nil, err
		}
		return &durable.DecisionTask{
			TaskToken:      q.token,
			Execution:      q.execution,
			WorkflowType:   q.workflowType,
			StartedEventID: events[len(events)-1].ID,
			Events:         events,
			Query:          &durable.WorkflowQuery{QueryType: q.queryType, Args: q.args},
		}, nil
	}
	for i := 0; i < len(b.decisionQueue); i++ {
		run := b.decisionQueue[i]
		if !domainMatches(domain, run.info.Execution) {
			continue
		}
		b.decisionQueue = append(b.decisionQueue[:i:i], b.decisionQueue[i+1:]...)
		i--
		run.decisionQueued = false
		if run.closed() || run.info.Halted || run.decision != nil {
			continue
		}
		return b.startDecision(ctx, run, identity)
	}
	return nil, nil
}

func (b *Backend) startDecision(ctx context.Context, run *runState, identity string) (*durable.DecisionTask, error) {
	started := &durable.HistoryEvent{Type: durable.EventDecisionTaskStarted, Identity: identity}
	if err := b.appendEvents(ctx, run, run.info.Clone(), started); err != nil {
		// Leave the decision queued for the next poll.
		b.scheduleDecision(run, 0)
		return nil, err
	}
	token := newToken("decision")
	d := &decisionState{token: token, startedID: started.ID}
	d.timer = b.clock.AfterFunc(b.opts.DecisionTimeout, func() { b.decisionTimedOut(run, token) })
	run.decision = d
	b.decisionTokens[token] = run

	events, err := b.store.ReadEvents(ctx, run.info.Execution, run.previousStartedID, 0)
	if err != nil {
		return nil, err
	}
	return &durable.DecisionTask{
		TaskToken:              token,
		Execution:              run.info.Execution,
		WorkflowType:           run.info.WorkflowType,
		PreviousStartedEventID: run.previousStartedID,
		StartedEventID:         started.ID,
		Events:                 events,
	}, nil
}

// decisionFor returns the run whose in-flight decision token identifies.
func (b *Backend) decisionFor(token string) (*runState, error) {
	run, ok := b.decisionTokens[token]
	if !ok || run.decision == nil || run.decision.token != token {
		return nil, ErrStaleTask
	}
	return run, nil
}

func (b *Backend) decisionTimedOut(run *runState, token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if run.decision == nil || run.decision.token != token {
		return
	}
	b.logger.Warn("decision task timed out", run.logArgs()...)
	if err := b.endDecision(context.Background(), run, &durable.HistoryEvent{
		Type:  durable.EventDecisionTaskTimedOut,
		Cause: durable.CauseDecisionTimedOut,
	}, 0); err != nil {
		b.logger.Error("failed to record decision timeout", append(run.logArgs(), "error", err)...)
	}
}

// endDecision records outcome for the in-flight decision, together with the
// events buffered during it, and schedules the next decision after delay.
func (b *Backend) endDecision(ctx context.Context, run *runState, outcome *durable.HistoryEvent, delay time.Duration) error {
	d := run.decision
	info := run.info.Clone()
	if outcome.Cause == durable.CauseNondeterminism {
		info.Halted = true
	}
	events := append([]*durable.HistoryEvent{outcome}, run.buffered...)
	if err := b.appendEvents(ctx, run, info, events...); err != nil {
		return err
	}
	d.timer.Stop()
	delete(b.decisionTokens, d.token)
	run.decision = nil
	run.buffered = nil
	b.scheduleDecision(run, delay)
	return nil
}

// RespondDecisionTaskFailed records a decision the worker could not make.
// A nondeterminism failure halts the run; other failures are retried after
// the decision retry delay.
func (b *Backend) RespondDecisionTaskFailed(ctx context.Context, req *durable.RespondDecisionTaskFailedRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, err := b.decisionFor(req.TaskToken)
	if err != nil {
		return err
	}
	cause := req.Cause
	if cause == "" {
		cause = durable.CauseWorkflowFailure
	}
	if cause == durable.CauseNondeterminism {
		b.logger.Error("workflow halted on nondeterminism", append(run.logArgs(), "failure", req.Failure)...)
	} else {
		b.logger.Warn("decision task failed", append(run.logArgs(), "cause", cause, "failure", req.Failure)...)
	}
	return b.endDecision(ctx, run, &durable.HistoryEvent{
		Type:     durable.EventDecisionTaskFailed,
		Cause:    cause,
		Failure:  req.Failure,
		Identity: req.Identity,
	}, b.opts.DecisionRetryDelay)
}

// RespondDecisionTaskCompleted records the commands of a decision and
// applies them. The command events follow DecisionTaskCompleted directly;
// events that arrived during the decision come after them.
func (b *Backend) RespondDecisionTaskCompleted(ctx context.Context, req *durable.RespondDecisionTaskCompletedRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, err := b.decisionFor(req.TaskToken)
	if err != nil {
		return err
	}
	terminal, err := validateCommands(req.Commands)
	if err != nil {
		if ferr := b.endDecision(ctx, run, &durable.HistoryEvent{
			Type:     durable.EventDecisionTaskFailed,
			Cause:    durable.CauseBadCommand,
			Failure:  durable.NewFailure(err),
			Identity: req.Identity,
		}, b.opts.DecisionRetryDelay); ferr != nil {
			return ferr
		}
		return fmt.Errorf("%w: %v", ErrDecisionRejected, err)
	}
	if terminal != nil && len(run.buffered) > 0 {
		// The run cannot close before workflow code has seen these events.
		if err := b.endDecision(ctx, run, &durable.HistoryEvent{
			Type:     durable.EventDecisionTaskFailed,
			Cause:    durable.CauseUnhandledEvents,
			Identity: req.Identity,
		}, 0); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrDecisionRejected, durable.CauseUnhandledEvents)
	}

	d := run.decision
	info := run.info.Clone()
	events := []*durable.HistoryEvent{{Type: durable.EventDecisionTaskCompleted, Identity: req.Identity}}
	var next *startParams
	for _, cmd := range req.Commands {
		e := cmd.ToEvent()
		events = append(events, e)
		if cmd.Type.IsTerminal() {
			next = b.closeInfo(run, info, cmd, e)
		}
	}
	if err := b.appendEvents(ctx, run, info, events...); err != nil {
		return err
	}
	run.previousStartedID = d.startedID
	for _, cmd := range req.Commands {
		b.applyCommand(ctx, run, cmd)
	}
	d.timer.Stop()
	delete(b.decisionTokens, d.token)
	run.decision = nil

	if terminal != nil {
		b.afterClose(ctx, run)
		if next != nil {
			if _, err := b.startRun(ctx, *next); err != nil {
				b.logger.Error("failed to continue as new", append(run.logArgs(), "error", err)...)
				return err
			}
		}
		return nil
	}
	if len(run.buffered) > 0 {
		buffered := run.buffered
		run.buffered = nil
		if err := b.appendEvents(ctx, run, run.info.Clone(), buffered...); err != nil {
			return err
		}
		b.scheduleDecision(run, 0)
	}
	return nil
}

// closeInfo fills info with the outcome of a terminal command. For
// continue-as-new it returns the parameters of the next run.
func (b *Backend) closeInfo(run *runState, info *durable.ExecutionInfo, cmd *durable.Command, e *durable.HistoryEvent) *startParams {
	info.CloseTime = b.clock.Now()
	switch cmd.Type {
	case durable.CommandCompleteWorkflowExecution:
		info.Status = durable.ExecutionStatusCompleted
		info.Result = cmd.Payload
	case durable.CommandFailWorkflowExecution:
		info.Status = durable.ExecutionStatusFailed
		info.Failure = cmd.Failure
	case durable.CommandCancelWorkflowExecution:
		info.Status = durable.ExecutionStatusCanceled
		info.Failure = cmd.Failure
	case durable.CommandContinueAsNewWorkflowExecution:
		nextExecution := info.Execution
		nextExecution.RunID = durable.NewRunID()
		e.Execution = &nextExecution
		info.Status = durable.ExecutionStatusContinuedAsNew
		info.NextRunID = nextExecution.RunID
		// A workflow that continues itself starts a fresh retry budget; a
		// retry keeps the deadline of the first attempt.
		expiration := run.expiration
		if cmd.Initiator != durable.InitiatorRetry {
			expiration = cmd.RetryPolicy.ExpirationTime(b.clock.Now())
		}
		workflowType := cmd.Name
		if workflowType == "" {
			workflowType = info.WorkflowType
		}
		return &startParams{
			execution:     nextExecution,
			workflowType:  workflowType,
			input:         cmd.Payload,
			timeout:       cmd.Timeout,
			retryPolicy:   cmd.RetryPolicy,
			parent:        info.Parent,
			attempt:       cmd.Attempt,
			initiator:     cmd.Initiator,
			lastFailure:   cmd.Failure,
			expiration:    expiration,
			decisionDelay: cmd.Duration,
		}
	}
	return nil
}

// validateCommands checks the commands of a decision and returns the
// terminal command, if any. A terminal command must be the last one.
func validateCommands(commands []*durable.Command) (*durable.Command, error) {
	var terminal *durable.Command
	for i, cmd := range commands {
		if cmd == nil {
			return nil, fmt.Errorf("command %d is nil", i)
		}
		if cmd.Type.EventType() == "" {
			return nil, fmt.Errorf("unknown command type %q", cmd.Type)
		}
		if cmd.SeqID <= 0 {
			return nil, fmt.Errorf("%s has no sequence number", cmd)
		}
		if terminal != nil {
			return nil, fmt.Errorf("%s follows terminal command %s", cmd, terminal)
		}
		switch cmd.Type {
		case durable.CommandScheduleActivityTask:
			if cmd.Name == "" || cmd.Timeout <= 0 {
				return nil, fmt.Errorf("%s needs an activity type and a schedule-to-close timeout", cmd)
			}
		case durable.CommandStartTimer:
			if cmd.Duration <= 0 {
				return nil, fmt.Errorf("%s needs a positive duration", cmd)
			}
		case durable.CommandStartChildWorkflowExecution:
			if cmd.Name == "" || cmd.Execution == nil || cmd.Execution.WorkflowID == "" {
				return nil, fmt.Errorf("%s needs a workflow type and id", cmd)
			}
		case durable.CommandSignalExternalWorkflowExecution, durable.CommandRequestCancelExternalWorkflowExecution:
			if cmd.Execution == nil || cmd.Execution.WorkflowID == "" {
				return nil, fmt.Errorf("%s needs a target execution", cmd)
			}
		}
		if err := cmd.RetryPolicy.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", cmd, err)
		}
		if cmd.Type.IsTerminal() {
			terminal = cmd
		}
	}
	return terminal, nil
}

// applyCommand carries out the effects of a recorded command. Terminal
// commands are handled by the caller.
func (b *Backend) applyCommand(ctx context.Context, run *runState, cmd *durable.Command) {
	switch cmd.Type {
	case durable.CommandScheduleActivityTask:
		b.scheduleActivity(run, cmd.SeqID, cmd.Name, cmd.Payload, cmd.Timeout, cmd.StartToCloseTimeout, cmd.RetryPolicy, b.clock.Now())
	case durable.CommandRequestCancelActivityTask:
		b.cancelActivity(ctx, run, cmd.SeqID)
	case durable.CommandStartTimer:
		b.startTimer(run, cmd.SeqID, cmd.Duration)
	case durable.CommandCancelTimer:
		if ts, ok := run.timers[cmd.SeqID]; ok {
			ts.timer.Stop()
			delete(run.timers, cmd.SeqID)
		}
	case durable.CommandStartChildWorkflowExecution:
		b.startChild(ctx, run, cmd)
	case durable.CommandSignalExternalWorkflowExecution:
		b.signalExternal(ctx, run, cmd)
	case durable.CommandRequestCancelExternalWorkflowExecution:
		b.cancelExternal(ctx, run, cmd)
	}
}

func (b *Backend) startTimer(run *runState, seq int64, d time.Duration) {
	ts := &timerState{seq: seq}
	ts.timer = b.clock.AfterFunc(d, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if run.timers[seq] != ts {
			return
		}
		delete(run.timers, seq)
		if err := b.addEvent(context.Background(), run, &durable.HistoryEvent{
			Type:  durable.EventTimerFired,
			SeqID: seq,
		}); err != nil {
			b.logger.Error("failed to fire timer", append(run.logArgs(), "seq", seq, "error", err)...)
		}
	})
	run.timers[seq] = ts
}

func (b *Backend) startChild(ctx context.Context, run *runState, cmd *durable.Command) {
	child, err := b.startRun(ctx, startParams{
		execution:    *cmd.Execution,
		workflowType: cmd.Name,
		input:        cmd.Payload,
		timeout:      cmd.Timeout,
		retryPolicy:  cmd.RetryPolicy,
		reusePolicy:  cmd.IDReusePolicy,
		checkReuse:   true,
		parent:       &durable.ParentExecution{Execution: run.info.Execution, SeqID: cmd.SeqID},
		attempt:      1,
	})
	e := &durable.HistoryEvent{SeqID: cmd.SeqID, Name: cmd.Name}
	if err != nil {
		b.logger.Warn("failed to start child workflow", append(run.logArgs(), "child_workflow_id", cmd.Execution.WorkflowID, "error", err)...)
		e.Type = durable.EventStartChildWorkflowExecutionFailed
		e.Failure = durable.NewFailure(err)
		e.Execution = cmd.Execution
	} else {
		e.Type = durable.EventChildWorkflowExecutionStarted
		e.Execution = &child
	}
	b.logAddError(run, b.addEvent(ctx, run, e))
}

func (b *Backend) signalExternal(ctx context.Context, run *runState, cmd *durable.Command) {
	target, err := b.openRun(ctx, *cmd.Execution, true)
	if err == nil {
		err = b.addEvent(ctx, target, &durable.HistoryEvent{
			Type:    durable.EventWorkflowExecutionSignaled,
			Name:    cmd.Name,
			Payload: cmd.Payload,
		})
	}
	e := &durable.HistoryEvent{SeqID: cmd.SeqID, Name: cmd.Name, Execution: cmd.Execution}
	if err != nil {
		e.Type = durable.EventSignalExternalWorkflowExecutionFailed
		e.Failure = durable.NewFailure(err)
	} else {
		e.Type = durable.EventExternalWorkflowExecutionSignaled
		e.Execution = &target.info.Execution
	}
	b.logAddError(run, b.addEvent(ctx, run, e))
}

func (b *Backend) cancelExternal(ctx context.Context, run *runState, cmd *durable.Command) {
	target, err := b.openRun(ctx, *cmd.Execution, true)
	if err == nil {
		err = b.requestCancel(ctx, target)
	}
	e := &durable.HistoryEvent{SeqID: cmd.SeqID, Execution: cmd.Execution}
	if err != nil {
		e.Type = durable.EventRequestCancelExternalWorkflowExecutionFailed
		e.Failure = durable.NewFailure(err)
	} else {
		e.Type = durable.EventExternalWorkflowExecutionCancelRequested
		e.Execution = &target.info.Execution
	}
	b.logAddError(run, b.addEvent(ctx, run, e))
}

func (b *Backend) logAddError(run *runState, err error) {
	if err != nil {
		b.logger.Error("failed to record event", append(run.logArgs(), "error", err)...)
	}
}
