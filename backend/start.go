package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/retry"
	"github.com/deepnoodle-ai/durable/store"
)

// startParams describes a new run
type startParams struct {
	execution    durable.WorkflowExecution
	workflowType string
	input        durable.Payload
	timeout      time.Duration
	retryPolicy  *retry.Policy
	reusePolicy  durable.WorkflowIDReusePolicy
	// checkReuse applies reusePolicy. Continued runs skip it.
	checkReuse bool
	parent     *durable.ParentExecution
	identity   string

	attempt       int
	initiator     durable.ContinueAsNewInitiator
	lastFailure   *durable.Failure
	expiration    time.Time
	decisionDelay time.Duration
}

// StartWorkflowExecution starts a new run, subject to the ID reuse policy
func (b *Backend) StartWorkflowExecution(ctx context.Context, req *durable.StartWorkflowRequest) (durable.WorkflowExecution, error) {
	if req.WorkflowID == "" {
		return durable.WorkflowExecution{}, fmt.Errorf("workflow id is required")
	}
	if req.WorkflowType == "" {
		return durable.WorkflowExecution{}, fmt.Errorf("workflow type is required")
	}
	if req.ExecutionTimeout < 0 {
		return durable.WorkflowExecution{}, fmt.Errorf("execution timeout must not be negative")
	}
	if err := req.RetryPolicy.Validate(); err != nil {
		return durable.WorkflowExecution{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return durable.WorkflowExecution{}, ErrClosed
	}
	return b.startRun(ctx, startParams{
		execution:    durable.WorkflowExecution{Domain: req.Domain, WorkflowID: req.WorkflowID},
		workflowType: req.WorkflowType,
		input:        req.Input,
		timeout:      req.ExecutionTimeout,
		retryPolicy:  req.RetryPolicy,
		reusePolicy:  req.IDReusePolicy,
		checkReuse:   true,
		identity:     req.Identity,
		attempt:      1,
	})
}

// previousRun returns the most recent run of a workflow ID, or nil.
func (b *Backend) previousRun(ctx context.Context, execution durable.WorkflowExecution) (*runState, *durable.ExecutionInfo, error) {
	if run := b.runs[keyOf(execution)]; run != nil {
		return run, run.info, nil
	}
	execution.RunID = ""
	info, err := b.store.GetExecution(ctx, execution)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return nil, info, nil
}

func (b *Backend) startRun(ctx context.Context, p startParams) (durable.WorkflowExecution, error) {
	execution := normalize(p.execution)
	open, prior, err := b.previousRun(ctx, execution)
	if err != nil {
		return durable.WorkflowExecution{}, err
	}
	if p.checkReuse {
		terminatePrior, err := durable.CheckWorkflowIDReuse(p.reusePolicy, prior)
		if err != nil {
			return durable.WorkflowExecution{}, err
		}
		if terminatePrior && open != nil {
			if err := b.terminate(ctx, open, "terminated to start a new run"); err != nil {
				return durable.WorkflowExecution{}, err
			}
		}
	} else if open != nil {
		return durable.WorkflowExecution{}, &durable.AlreadyStartedError{
			WorkflowID: execution.WorkflowID, RunID: open.info.Execution.RunID,
		}
	}

	if execution.RunID == "" {
		execution.RunID = durable.NewRunID()
	}
	now := b.clock.Now()
	expiration := p.expiration
	if expiration.IsZero() {
		expiration = p.retryPolicy.ExpirationTime(now)
	}
	attempt := max(p.attempt, 1)
	started := &durable.HistoryEvent{
		ID:             1,
		Type:           durable.EventWorkflowExecutionStarted,
		Timestamp:      now,
		Name:           p.workflowType,
		Payload:        p.input,
		Failure:        p.lastFailure,
		Duration:       p.decisionDelay,
		Timeout:        p.timeout,
		Execution:      &execution,
		Parent:         p.parent,
		Attempt:        attempt,
		RetryPolicy:    p.retryPolicy,
		ExpirationTime: expiration,
		Initiator:      p.initiator,
		Identity:       p.identity,
	}
	info := &durable.ExecutionInfo{
		Execution:    execution,
		WorkflowType: p.workflowType,
		Status:       durable.ExecutionStatusRunning,
		StartTime:    now,
		Attempt:      attempt,
		Parent:       p.parent,
	}
	if err := b.store.CreateExecution(ctx, info, []*durable.HistoryEvent{started}); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return durable.WorkflowExecution{}, &durable.AlreadyStartedError{WorkflowID: execution.WorkflowID, RunID: execution.RunID}
		}
		return durable.WorkflowExecution{}, err
	}
	run := newRunState(info, expiration)
	b.runs[keyOf(execution)] = run
	if p.timeout > 0 {
		run.timeout = b.clock.AfterFunc(p.timeout, func() { b.executionTimedOut(run) })
	}
	b.scheduleDecision(run, p.decisionDelay)
	b.logger.Info("workflow started", append(run.logArgs(),
		"workflow_type", p.workflowType,
		"attempt", attempt)...)
	return execution, nil
}
