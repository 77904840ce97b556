package durable

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// ExecutorOptions configures a WorkflowExecutor
type ExecutorOptions struct {
	// Registry resolves the workflow type named by the started event.
	Registry *Registry
	// Execution identifies the run. The RunID may be left empty and is then
	// taken from the started event.
	Execution WorkflowExecution
	Logger    *slog.Logger
	// LogReplay keeps workflow log records emitted while replaying.
	LogReplay bool
	// SkipLivePass makes a trailing decision without an outcome a no-op.
	// Used when rebuilding state to answer a query.
	SkipLivePass bool
}

// DecisionResult holds the commands produced by a live decision pass
type DecisionResult struct {
	StartedEventID int64
	Commands       []*Command
	// Completed is true when the commands close the run.
	Completed bool
	// UnhandledSignals holds a NotFoundError for every buffered signal no
	// code has asked for, sorted by signal name.
	UnhandledSignals []error
}

// WorkflowExecutor rebuilds the state of one workflow run from its history
// and produces the commands of its next decision. Feed it events with
// ProcessEvents, in order and without gaps. A WorkflowExecutor is not meant
// for concurrent use; calls are serialized.
type WorkflowExecutor struct {
	mu       sync.Mutex
	registry *Registry
	opts     ExecutorOptions
	logger   *slog.Logger
	env      *environment

	started            bool
	completed          bool
	lastEventID        int64
	lastStartedEventID int64
	lastPassReplayed   bool
	lastResult         *DecisionResult
	acknowledged       bool
	err                error
}

// NewWorkflowExecutor creates an executor for one run
func NewWorkflowExecutor(opts ExecutorOptions) (*WorkflowExecutor, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Execution.WorkflowID == "" {
		return nil, fmt.Errorf("workflow id is required")
	}
	if opts.Logger == nil {
		opts.Logger = NewDiscardLogger()
	}
	logger := opts.Logger.With("workflow_id", opts.Execution.WorkflowID)
	if opts.Execution.RunID != "" {
		logger = logger.With("run_id", opts.Execution.RunID)
	}
	return &WorkflowExecutor{
		registry: opts.Registry,
		opts:     opts,
		logger:   logger,
		env:      newEnvironment(logger, opts.LogReplay),
	}, nil
}

// Execution returns the run the executor belongs to
func (x *WorkflowExecutor) Execution() WorkflowExecution {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.opts.Execution
}

// ProcessEvents applies the next events of the history. Decision passes run
// at every DecisionTaskStarted event: passes that completed are replayed and
// matched against the recorded commands, passes that failed are skipped, and
// a trailing pass without an outcome runs live. The result of the live pass
// is returned, or nil when none ran. Any error is sticky.
func (x *WorkflowExecutor) ProcessEvents(events []*HistoryEvent) (*DecisionResult, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.err != nil {
		return nil, x.err
	}
	if len(events) == 0 {
		return x.lastResult, nil
	}
	if last := events[len(events)-1].ID; x.lastResult != nil && last == x.lastResult.StartedEventID && last <= x.lastEventID {
		// Resubmission of a decision this executor already answered.
		return x.lastResult, nil
	}
	if err := ValidateEvents(x.lastEventID, events); err != nil {
		return nil, x.fail(err)
	}
	result, err := x.processEvents(events)
	if err != nil {
		return nil, x.fail(err)
	}
	if result != nil {
		x.lastResult = result
		x.acknowledged = false
	}
	return result, nil
}

func (x *WorkflowExecutor) fail(err error) error {
	x.err = err
	x.env.dispatcher.close()
	var nd *NonDeterminismError
	if errors.As(err, &nd) {
		x.logger.Error("workflow is nondeterministic", "error", err)
	}
	return err
}

func (x *WorkflowExecutor) processEvents(events []*HistoryEvent) (*DecisionResult, error) {
	env := x.env
	var result *DecisionResult
	for i, e := range events {
		x.lastEventID = e.ID
		if !e.Type.IsCommand() && !e.Type.IsDecisionOutcome() &&
			e.Type != EventWorkflowExecutionTerminated && e.Type != EventWorkflowExecutionTimedOut {
			if err := x.checkNoPendingCommands(e); err != nil {
				return nil, err
			}
		}
		switch e.Type {
		case EventWorkflowExecutionStarted:
			if err := x.start(e); err != nil {
				return nil, err
			}
		case EventDecisionTaskStarted:
			if !x.started {
				return nil, newNonDeterminismError(e, "decision task started before the workflow execution started")
			}
			x.lastStartedEventID = e.ID
			outcome := decisionOutcome(events[i+1:])
			switch {
			case outcome == nil && x.opts.SkipLivePass:
				x.lastPassReplayed = false
			case outcome == nil:
				r, err := x.livePass(e)
				if err != nil {
					return nil, err
				}
				result = r
			case outcome.Type == EventDecisionTaskCompleted:
				x.preloadMarkers(events[i+1:], outcome.ID)
				if err := x.runPass(e, true); err != nil {
					return nil, err
				}
				x.lastPassReplayed = true
			default:
				x.logger.Debug("skipping failed decision", "started_event_id", e.ID, "outcome", outcome.Type)
				x.lastPassReplayed = false
			}
		case EventDecisionTaskCompleted, EventDecisionTaskFailed, EventDecisionTaskTimedOut:
		case EventWorkflowExecutionSignaled:
			if !env.router.deliverSignal(e.Name, e.Payload) {
				x.logger.Debug("signal buffered", "signal", e.Name)
			}
		case EventWorkflowExecutionCancelRequested:
			env.cancelRequested = true
		case EventWorkflowExecutionTerminated, EventWorkflowExecutionTimedOut:
			x.completed = true
			env.dispatcher.close()
		default:
			if e.Type.IsCommand() {
				if err := env.matchCommand(e); err != nil {
					return nil, err
				}
				if e.Type.IsClosing() {
					x.completed = true
				}
				continue
			}
			if err := env.resolve(e); err != nil {
				return nil, err
			}
		}
	}
	if x.lastPassReplayed && len(env.pending) > 0 {
		return nil, newNonDeterminismError(nil, "workflow issued %s which is missing from history", env.pending[0].cmd)
	}
	return result, nil
}

// checkNoPendingCommands fails when commands of a replayed decision were not
// all found in history before the next non-command event.
func (x *WorkflowExecutor) checkNoPendingCommands(e *HistoryEvent) error {
	if len(x.env.pending) == 0 {
		return nil
	}
	return newNonDeterminismError(e, "workflow issued %s which is missing from history", x.env.pending[0].cmd)
}

// decisionOutcome returns the event that decides how the pass started just
// before events is treated, or nil when the pass has no outcome yet.
func decisionOutcome(events []*HistoryEvent) *HistoryEvent {
	for _, e := range events {
		switch e.Type {
		case EventDecisionTaskCompleted, EventDecisionTaskFailed, EventDecisionTaskTimedOut,
			EventWorkflowExecutionTerminated, EventWorkflowExecutionTimedOut:
			return e
		}
	}
	return nil
}

// preloadMarkers records the marker values of the decision completed by the
// event with ID completedID so side effects are not run again.
func (x *WorkflowExecutor) preloadMarkers(events []*HistoryEvent, completedID int64) {
	for _, e := range events {
		if e.ID <= completedID {
			continue
		}
		if !e.Type.IsCommand() {
			return
		}
		if e.Type == EventMarkerRecorded {
			x.env.markers[e.SeqID] = e.Payload
		}
	}
}

func (x *WorkflowExecutor) start(e *HistoryEvent) error {
	if x.started {
		return newNonDeterminismError(e, "workflow execution started twice")
	}
	fn, err := x.registry.Workflow(e.Name)
	if err != nil {
		return err
	}
	execution := x.opts.Execution
	if execution.RunID == "" && e.Execution != nil {
		execution.RunID = e.Execution.RunID
		x.opts.Execution = execution
		x.logger = x.logger.With("run_id", execution.RunID)
		x.env.logger = x.env.logger.With("run_id", execution.RunID)
	}
	env := x.env
	env.info = WorkflowInfo{
		Execution:        execution,
		WorkflowType:     e.Name,
		Attempt:          max(e.Attempt, 1),
		Parent:           e.Parent,
		StartTime:        e.Timestamp,
		ExecutionTimeout: e.Timeout,
		RetryPolicy:      e.RetryPolicy,
		ExpirationTime:   e.ExpirationTime,
	}
	env.input = e.Payload
	env.now = e.Timestamp
	env.source = seedFromRunID(execution.RunID)
	env.rand = rand.New(env.source)
	env.logger = env.logger.With("workflow_type", e.Name)
	x.started = true

	env.spawn("root", env.rootScope, func(ctx Context) {
		result, err := fn(ctx, env.input)
		env.workflowDone = true
		env.workflowResult = result
		env.workflowErr = err
	})
	return nil
}

// runPass runs workflow code until every coroutine is blocked.
func (x *WorkflowExecutor) runPass(started *HistoryEvent, replaying bool) error {
	env := x.env
	if x.completed || env.terminalIssued {
		return nil
	}
	env.replaying = replaying
	env.now = started.Timestamp
	if env.cancelRequested && !env.rootScope.canceled {
		env.rootScope.cancel()
	}
	if err := env.dispatcher.executeUntilAllBlocked(); err != nil {
		var panicErr *PanicError
		if !errors.As(err, &panicErr) {
			return err
		}
		x.logger.Error("workflow panicked", "error", panicErr, "stack", panicErr.StackTrace)
		env.workflowDone = true
		env.workflowResult = nil
		env.workflowErr = panicErr
	}
	if env.workflowDone && !env.terminalIssued {
		env.addCommand(env.completionCommand())
		env.terminalIssued = true
		env.dispatcher.close()
	}
	return nil
}

func (x *WorkflowExecutor) livePass(started *HistoryEvent) (*DecisionResult, error) {
	if err := x.runPass(started, false); err != nil {
		return nil, err
	}
	x.lastPassReplayed = false
	env := x.env
	commands := env.unsentCommands()
	env.markSent()
	result := &DecisionResult{
		StartedEventID: started.ID,
		Commands:       commands,
		Completed:      env.terminalIssued,
	}
	result.UnhandledSignals = env.router.unhandledSignals()
	for _, err := range result.UnhandledSignals {
		x.logger.Warn("signal not handled", "started_event_id", started.ID, "error", err)
	}
	return result, nil
}

// Query answers a query from the state rebuilt so far. Queries never issue
// commands; a handler that tries to fails with ErrCommandInQuery.
func (x *WorkflowExecutor) Query(queryType string, args Payload) (Payload, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.err != nil {
		return nil, x.err
	}
	if !x.started {
		return nil, fmt.Errorf("workflow %s has not started", x.opts.Execution)
	}
	env := x.env
	env.queryMode = true
	env.queryErr = nil
	defer func() { env.queryMode = false }()

	value, err := safeQuery(func() (any, error) { return env.router.query(queryType, args) })
	if env.queryErr != nil {
		return nil, fmt.Errorf("query %s: %w", queryType, env.queryErr)
	}
	if err != nil {
		return nil, err
	}
	return NewPayload(value)
}

func safeQuery(fn func() (any, error)) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			if rerr, ok := r.(error); ok && errors.Is(rerr, ErrCommandInQuery) {
				err = rerr
				return
			}
			err = &PanicError{Value: r, StackTrace: stackTrace(3)}
		}
	}()
	return fn()
}

// CommandLog returns every command issued so far, in issuance order.
func (x *WorkflowExecutor) CommandLog() []*Command {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.env.commandLog()
}

// LastEventID returns the ID of the last applied event
func (x *WorkflowExecutor) LastEventID() int64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.lastEventID
}

// LastStartedEventID returns the ID of the last DecisionTaskStarted applied
func (x *WorkflowExecutor) LastStartedEventID() int64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.lastStartedEventID
}

// LastResult returns the result of the most recent live pass
func (x *WorkflowExecutor) LastResult() *DecisionResult {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.lastResult
}

// Acknowledge records that the commands of the last live pass were accepted
// by the service.
func (x *WorkflowExecutor) Acknowledge() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.acknowledged = true
}

// HasUnflushedCommands reports whether the last live pass produced commands
// the service has not accepted yet.
func (x *WorkflowExecutor) HasUnflushedCommands() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.lastResult != nil && !x.acknowledged && len(x.lastResult.Commands) > 0
}

// IsCompleted reports whether the run is closed in the applied history or
// the executor produced its terminal command.
func (x *WorkflowExecutor) IsCompleted() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.completed || x.env.terminalIssued
}

// Err returns the sticky error, if any.
func (x *WorkflowExecutor) Err() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.err
}

// Close stops every coroutine of the execution
func (x *WorkflowExecutor) Close() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.env.dispatcher.close()
}

// Now returns the deterministic time of the last pass
func (x *WorkflowExecutor) Now() time.Time {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.env.now
}
