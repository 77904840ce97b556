package durable

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"
)

// environment is the per-execution state shared by every coroutine: the
// deterministic clock and random source, the command sequence counter, the
// commands issued but not yet matched against history, and the handlers
// waiting for results.
type environment struct {
	info       WorkflowInfo
	input      Payload
	logger     *slog.Logger
	dispatcher *dispatcher
	router     *router
	rootScope  *cancelScope

	now       time.Time
	source    *rand.PCG
	rand      *rand.Rand
	replaying bool
	queryMode bool
	queryErr  error

	seq     int64
	pending []*commandState
	log     []*commandState
	results map[int64]resultHandler
	markers map[int64]Payload

	cancelRequested bool

	workflowDone   bool
	workflowResult any
	workflowErr    error
	terminalIssued bool
}

type commandState struct {
	cmd *Command
	// sent is true once the command was recorded in history or handed to the
	// backing service.
	sent    bool
	dropped bool
}

// resultHandler consumes one result event for a sequence number. It returns
// true when no further events are expected for that sequence number.
type resultHandler func(e *HistoryEvent) (done bool)

func newEnvironment(logger *slog.Logger, logReplay bool) *environment {
	env := &environment{
		dispatcher: newDispatcher(),
		rootScope:  newCancelScope(nil),
		results:    make(map[int64]resultHandler),
		markers:    make(map[int64]Payload),
	}
	env.router = newRouter(env)
	env.logger = slog.New(&replayHandler{
		Handler:     logger.Handler(),
		isReplaying: func() bool { return env.replaying && !logReplay },
	})
	return env
}

// seedFromRunID derives the random source of a run.
func seedFromRunID(runID string) *rand.PCG {
	h := fnv.New64a()
	_, _ = h.Write([]byte(runID))
	seed := h.Sum64()
	return rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
}

// queryRand returns a generator over a copy of the run's random source, so
// values drawn by a query handler do not shift those seen by workflow code.
func (env *environment) queryRand() *rand.Rand {
	data, err := env.source.MarshalBinary()
	if err != nil {
		panic(err)
	}
	source := &rand.PCG{}
	if err := source.UnmarshalBinary(data); err != nil {
		panic(err)
	}
	return rand.New(source)
}

// checkMutation rejects changes to workflow state made from a query handler.
func (env *environment) checkMutation() error {
	if env.queryMode {
		env.queryErr = ErrCommandInQuery
		return ErrCommandInQuery
	}
	return nil
}

func (env *environment) rootContext() *workflowContext {
	return &workflowContext{env: env, scope: env.rootScope}
}

// spawn starts fn as a new coroutine with a context bound to it.
func (env *environment) spawn(name string, scope *cancelScope, fn func(ctx Context)) {
	ctx := &workflowContext{env: env, scope: scope}
	env.dispatcher.newCoroutine(name, func(state *coroutineState) {
		ctx.state = state
		fn(ctx)
	})
}

func (env *environment) nextSeq() int64 {
	env.seq++
	return env.seq
}

// checkIssue reports whether workflow code may issue a command now.
func (env *environment) checkIssue() error {
	if err := env.checkMutation(); err != nil {
		return err
	}
	if env.terminalIssued {
		return errors.New("workflow execution already completed")
	}
	return nil
}

func (env *environment) addCommand(cmd *Command) *commandState {
	st := &commandState{cmd: cmd}
	env.pending = append(env.pending, st)
	env.log = append(env.log, st)
	return st
}

// cancelCommand drops a command that was never sent. A sent command is
// canceled by issuing cancelCmd, if any.
func (env *environment) cancelCommand(st *commandState, cancelCmd *Command) {
	if !st.sent {
		st.dropped = true
		env.pending = slices.DeleteFunc(env.pending, func(p *commandState) bool { return p == st })
		env.log = slices.DeleteFunc(env.log, func(p *commandState) bool { return p == st })
		return
	}
	if cancelCmd != nil {
		env.addCommand(cancelCmd)
	}
}

// matchCommand consumes the oldest pending command for a command event.
func (env *environment) matchCommand(e *HistoryEvent) error {
	if len(env.pending) == 0 {
		return newNonDeterminismError(e, "history records %s(seq=%d, name=%s) but workflow code issued no such command",
			e.Type, e.SeqID, e.Name)
	}
	st := env.pending[0]
	if !st.cmd.matchesEvent(e) {
		return newNonDeterminismError(e, "history records %s(seq=%d, name=%s) but workflow code issued %s",
			e.Type, e.SeqID, e.Name, st.cmd)
	}
	env.pending = env.pending[1:]
	st.sent = true
	return nil
}

// resolve routes a result event to its waiting handler.
func (env *environment) resolve(e *HistoryEvent) error {
	h, ok := env.results[e.SeqID]
	if !ok {
		if e.SeqID <= 0 || e.SeqID > env.seq {
			return newNonDeterminismError(e, "result %s for command seq=%d that was never issued", e.Type, e.SeqID)
		}
		// The operation was canceled or already resolved.
		return nil
	}
	if h(e) {
		delete(env.results, e.SeqID)
	}
	return nil
}

// unsentCommands returns pending commands not yet handed to the service.
func (env *environment) unsentCommands() []*Command {
	var cmds []*Command
	for _, st := range env.pending {
		if !st.sent {
			cmds = append(cmds, st.cmd)
		}
	}
	return cmds
}

func (env *environment) markSent() {
	for _, st := range env.pending {
		st.sent = true
	}
}

func (env *environment) commandLog() []*Command {
	cmds := make([]*Command, 0, len(env.log))
	for _, st := range env.log {
		cmds = append(cmds, st.cmd)
	}
	return cmds
}

func (env *environment) newTimer(scope *cancelScope, d time.Duration) Future {
	f := newFuture()
	if err := env.checkIssue(); err != nil {
		f.SetError(err)
		return f
	}
	if d < 0 {
		f.SetError(fmt.Errorf("negative timer duration %s", d))
		return f
	}
	if d == 0 {
		f.SetValue(nil)
		return f
	}
	if scope.canceled {
		f.SetError(NewCanceledError("timer canceled"))
		return f
	}
	seq := env.nextSeq()
	st := env.addCommand(&Command{Type: CommandStartTimer, SeqID: seq, Duration: d})
	remove := scope.onCancel(func() {
		if f.IsReady() {
			return
		}
		delete(env.results, seq)
		env.cancelCommand(st, &Command{Type: CommandCancelTimer, SeqID: seq})
		f.SetError(NewCanceledError("timer canceled"))
	})
	env.results[seq] = func(e *HistoryEvent) bool {
		if e.Type == EventTimerFired {
			remove()
			f.setIfPending(nil, nil)
		}
		return true
	}
	return f
}

func (env *environment) executeActivity(scope *cancelScope, activityType string, input any, opts ActivityOptions) Future {
	f := newFuture()
	if err := env.checkIssue(); err != nil {
		f.SetError(err)
		return f
	}
	if opts.ScheduleToCloseTimeout <= 0 {
		f.SetError(fmt.Errorf("activity %s: schedule-to-close timeout is required", activityType))
		return f
	}
	if err := opts.RetryPolicy.Validate(); err != nil {
		f.SetError(fmt.Errorf("activity %s: %w", activityType, err))
		return f
	}
	payload, err := NewPayload(input)
	if err != nil {
		f.SetError(err)
		return f
	}
	if scope.canceled {
		f.SetError(NewCanceledError("activity %s canceled", activityType))
		return f
	}
	startToClose := opts.StartToCloseTimeout
	if startToClose <= 0 || startToClose > opts.ScheduleToCloseTimeout {
		startToClose = opts.ScheduleToCloseTimeout
	}
	seq := env.nextSeq()
	st := env.addCommand(&Command{
		Type:                CommandScheduleActivityTask,
		SeqID:               seq,
		Name:                activityType,
		Payload:             payload,
		Timeout:             opts.ScheduleToCloseTimeout,
		StartToCloseTimeout: startToClose,
		RetryPolicy:         opts.RetryPolicy,
	})
	remove := scope.onCancel(func() {
		if f.IsReady() {
			return
		}
		delete(env.results, seq)
		env.cancelCommand(st, &Command{Type: CommandRequestCancelActivityTask, SeqID: seq, Name: activityType})
		f.SetError(NewCanceledError("activity %s canceled", activityType))
	})
	env.results[seq] = func(e *HistoryEvent) bool {
		switch e.Type {
		case EventActivityTaskCompleted:
			f.setIfPending(e.Payload, nil)
		case EventActivityTaskFailed, EventActivityTaskTimedOut:
			failure := e.Failure
			if failure == nil {
				failure = &Failure{Type: ErrorTypeApplication, Message: string(e.Type)}
			}
			f.setIfPending(nil, &ActivityError{ActivityType: activityType, SeqID: seq, Failure: failure})
		case EventActivityTaskCanceled:
			f.setIfPending(nil, NewCanceledError("activity %s canceled", activityType))
		default:
			return false
		}
		remove()
		return true
	}
	return f
}

func (env *environment) executeChildWorkflow(scope *cancelScope, workflowType string, input any, opts ChildWorkflowOptions) ChildWorkflowFuture {
	f := &childWorkflowFuture{future: newFuture(), execution: newFuture()}
	fail := func(err error) ChildWorkflowFuture {
		f.execution.SetError(err)
		f.SetError(err)
		return f
	}
	if err := env.checkIssue(); err != nil {
		return fail(err)
	}
	if opts.ExecutionTimeout <= 0 {
		return fail(fmt.Errorf("child workflow %s: execution timeout is required", workflowType))
	}
	if err := opts.RetryPolicy.Validate(); err != nil {
		return fail(fmt.Errorf("child workflow %s: %w", workflowType, err))
	}
	payload, err := NewPayload(input)
	if err != nil {
		return fail(err)
	}
	if scope.canceled {
		return fail(NewCanceledError("child workflow %s canceled", workflowType))
	}
	seq := env.nextSeq()
	target := WorkflowExecution{Domain: opts.Domain, WorkflowID: opts.WorkflowID}
	if target.Domain == "" {
		target.Domain = env.info.Execution.Domain
	}
	if target.WorkflowID == "" {
		target.WorkflowID = fmt.Sprintf("%s_%d", env.info.Execution.RunID, seq)
	}
	st := env.addCommand(&Command{
		Type:          CommandStartChildWorkflowExecution,
		SeqID:         seq,
		Name:          workflowType,
		Payload:       payload,
		Timeout:       opts.ExecutionTimeout,
		RetryPolicy:   opts.RetryPolicy,
		Execution:     &target,
		IDReusePolicy: opts.IDReusePolicy,
	})
	childError := func(status ExecutionStatus, cause error) error {
		exec := target
		if f.execution.ready && f.execution.err == nil {
			exec = f.execution.value.(WorkflowExecution)
		}
		return &ChildWorkflowError{WorkflowType: workflowType, Execution: exec, Status: status, Cause: cause}
	}
	remove := scope.onCancel(func() {
		if f.IsReady() {
			return
		}
		delete(env.results, seq)
		canceled := NewCanceledError("child workflow %s canceled", workflowType)
		if !st.sent {
			env.cancelCommand(st, nil)
		} else {
			cancelTarget := target
			if f.execution.ready && f.execution.err == nil {
				cancelTarget = f.execution.value.(WorkflowExecution)
			}
			env.requestCancelExternalWorkflow(cancelTarget)
		}
		f.execution.setIfPending(nil, canceled)
		f.SetError(childError(ExecutionStatusCanceled, canceled))
	})
	env.results[seq] = func(e *HistoryEvent) bool {
		var failure error
		if e.Failure != nil {
			failure = e.Failure.Err()
		}
		switch e.Type {
		case EventChildWorkflowExecutionStarted:
			exec := target
			if e.Execution != nil {
				exec = *e.Execution
			}
			f.execution.setIfPending(exec, nil)
			return false
		case EventStartChildWorkflowExecutionFailed:
			if failure == nil {
				failure = &AlreadyStartedError{WorkflowID: target.WorkflowID}
			}
			f.execution.setIfPending(nil, failure)
			f.setIfPending(nil, childError(ExecutionStatusFailed, failure))
		case EventChildWorkflowExecutionCompleted:
			f.setIfPending(e.Payload, nil)
		case EventChildWorkflowExecutionFailed:
			f.setIfPending(nil, childError(ExecutionStatusFailed, failure))
		case EventChildWorkflowExecutionTimedOut:
			if failure == nil {
				failure = NewTimeoutError("child workflow %s timed out", workflowType)
			}
			f.setIfPending(nil, childError(ExecutionStatusTimedOut, failure))
		case EventChildWorkflowExecutionCanceled:
			f.setIfPending(nil, childError(ExecutionStatusCanceled, NewCanceledError("child workflow %s canceled", workflowType)))
		case EventChildWorkflowExecutionTerminated:
			f.setIfPending(nil, childError(ExecutionStatusTerminated, errors.New("terminated")))
		default:
			return false
		}
		remove()
		return true
	}
	return f
}

func (env *environment) signalExternalWorkflow(execution WorkflowExecution, signalName string, input any) Future {
	f := newFuture()
	if err := env.checkIssue(); err != nil {
		f.SetError(err)
		return f
	}
	payload, err := NewPayload(input)
	if err != nil {
		f.SetError(err)
		return f
	}
	if execution.Domain == "" {
		execution.Domain = env.info.Execution.Domain
	}
	seq := env.nextSeq()
	env.addCommand(&Command{
		Type:      CommandSignalExternalWorkflowExecution,
		SeqID:     seq,
		Name:      signalName,
		Payload:   payload,
		Execution: &execution,
	})
	env.results[seq] = func(e *HistoryEvent) bool {
		switch e.Type {
		case EventExternalWorkflowExecutionSignaled:
			f.setIfPending(nil, nil)
		case EventSignalExternalWorkflowExecutionFailed:
			f.setIfPending(nil, eventError(e, "signal "+signalName+" failed"))
		default:
			return false
		}
		return true
	}
	return f
}

func (env *environment) requestCancelExternalWorkflow(execution WorkflowExecution) Future {
	f := newFuture()
	if err := env.checkIssue(); err != nil {
		f.SetError(err)
		return f
	}
	if execution.Domain == "" {
		execution.Domain = env.info.Execution.Domain
	}
	seq := env.nextSeq()
	env.addCommand(&Command{
		Type:      CommandRequestCancelExternalWorkflowExecution,
		SeqID:     seq,
		Execution: &execution,
	})
	env.results[seq] = func(e *HistoryEvent) bool {
		switch e.Type {
		case EventExternalWorkflowExecutionCancelRequested:
			f.setIfPending(nil, nil)
		case EventRequestCancelExternalWorkflowExecutionFailed:
			f.setIfPending(nil, eventError(e, "cancel request failed"))
		default:
			return false
		}
		return true
	}
	return f
}

// eventError returns the failure recorded on e, or a generic error.
func eventError(e *HistoryEvent, msg string) error {
	if e.Failure != nil {
		return e.Failure.Err()
	}
	return errors.New(msg)
}

const sideEffectMarker = "SideEffect"

func (env *environment) sideEffect(fn func() (any, error)) (Payload, error) {
	if err := env.checkIssue(); err != nil {
		return nil, err
	}
	seq := env.nextSeq()
	var payload Payload
	if recorded, ok := env.markers[seq]; ok {
		payload = recorded
		delete(env.markers, seq)
	} else {
		value, err := fn()
		if err != nil {
			// Nothing is recorded so a failing side effect runs again on replay.
			env.seq--
			return nil, err
		}
		if payload, err = NewPayload(value); err != nil {
			env.seq--
			return nil, err
		}
	}
	env.addCommand(&Command{Type: CommandRecordMarker, SeqID: seq, Name: sideEffectMarker, Payload: payload})
	return payload, nil
}
