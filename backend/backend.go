// Package backend implements durable.Service in process, over a history
// store and a clock. It hands decision and activity tasks to long-polling
// workers, records their commands as history events and turns those
// commands into timers, activity attempts, child runs and signals.
//
// All state other than what is in the store is derived from history and is
// rebuilt by Recover after a restart.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/clock"
	"github.com/deepnoodle-ai/durable/store"
	"go.jetify.com/typeid"
)

// DefaultDomain is used when a request names no domain.
const DefaultDomain = "default"

var (
	// ErrStaleTask is returned when a task token is unknown, was already
	// answered, or belongs to a decision or attempt that timed out.
	ErrStaleTask = errors.New("task token is stale or unknown")

	// ErrDecisionRejected is returned when the commands of a decision were
	// not accepted. The decision is recorded as failed and a new one is
	// scheduled.
	ErrDecisionRejected = errors.New("decision rejected")

	// ErrQueryTimeout is returned when no worker answered a query in time.
	ErrQueryTimeout = errors.New("query timed out")

	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("backend is closed")
)

// Options configures a Backend
type Options struct {
	// Store holds histories. Defaults to a new in-memory store.
	Store store.Store
	// Clock drives timers and timeouts. Defaults to the wall clock.
	Clock  clock.Clock
	Logger *slog.Logger
	// DecisionTimeout bounds how long a worker may hold a decision task.
	DecisionTimeout time.Duration
	// DecisionRetryDelay delays the decision that follows a failed one.
	DecisionRetryDelay time.Duration
	// PollTimeout is how long a poll waits for a task before returning nil.
	PollTimeout time.Duration
	// QueryTimeout bounds how long QueryWorkflow waits for a worker.
	QueryTimeout time.Duration
}

// Backend is an in-process backing service
type Backend struct {
	mu     sync.Mutex
	store  store.Store
	clock  clock.Clock
	logger *slog.Logger
	opts   Options

	// runs holds the open run of each workflow ID.
	runs map[workflowKey]*runState

	decisionQueue  []*runState
	activityQueue  []*activityState
	queryQueue     []*queryState
	decisionTokens map[string]*runState
	activityTokens map[string]*activityState
	queryTokens    map[string]*queryState

	// notify is closed and replaced whenever a task becomes available.
	notify chan struct{}
	closed bool
}

type workflowKey struct {
	domain     string
	workflowID string
}

func keyOf(execution durable.WorkflowExecution) workflowKey {
	return workflowKey{domain: execution.Domain, workflowID: execution.WorkflowID}
}

// runState is the in-memory state of one open run
type runState struct {
	info       *durable.ExecutionInfo
	expiration time.Time
	timeout    clock.Timer

	// previousStartedID is the DecisionTaskStarted of the last decision
	// that completed.
	previousStartedID int64
	decision          *decisionState
	decisionQueued    bool
	decisionDelay     clock.Timer
	// buffered holds events that arrived while a decision was in flight.
	// They are appended after the decision's outcome.
	buffered []*durable.HistoryEvent

	activities      map[int64]*activityState
	timers          map[int64]*timerState
	cancelRequested bool
}

type decisionState struct {
	token     string
	startedID int64
	timer     clock.Timer
}

type timerState struct {
	seq   int64
	timer clock.Timer
}

type queryState struct {
	token        string
	execution    durable.WorkflowExecution
	workflowType string
	queryType    string
	args         durable.Payload
	result       chan *durable.RespondQueryTaskCompletedRequest
}

func newRunState(info *durable.ExecutionInfo, expiration time.Time) *runState {
	return &runState{
		info:       info,
		expiration: expiration,
		activities: make(map[int64]*activityState),
		timers:     make(map[int64]*timerState),
	}
}

func (r *runState) closed() bool {
	return r.info.Status.IsTerminal()
}

func (r *runState) logArgs() []any {
	ex := r.info.Execution
	return []any{"workflow_id", ex.WorkflowID, "run_id", ex.RunID}
}

// New creates a Backend
func New(opts Options) (*Backend, error) {
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = durable.NewDiscardLogger()
	}
	if opts.DecisionTimeout <= 0 {
		opts.DecisionTimeout = 10 * time.Second
	}
	if opts.DecisionRetryDelay <= 0 {
		opts.DecisionRetryDelay = time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30 * time.Second
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 10 * time.Second
	}
	return &Backend{
		store:          opts.Store,
		clock:          opts.Clock,
		logger:         opts.Logger,
		opts:           opts,
		runs:           make(map[workflowKey]*runState),
		decisionTokens: make(map[string]*runState),
		activityTokens: make(map[string]*activityState),
		queryTokens:    make(map[string]*queryState),
		notify:         make(chan struct{}),
	}, nil
}

// Close wakes up pending polls, which then return ErrClosed. The store is
// left open.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, run := range b.runs {
		b.stopRun(run)
	}
	b.broadcast()
	return nil
}

func (b *Backend) broadcast() {
	close(b.notify)
	b.notify = make(chan struct{})
}

func newToken(prefix string) string {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		panic(err)
	}
	return id.String()
}

func normalize(execution durable.WorkflowExecution) durable.WorkflowExecution {
	if execution.Domain == "" {
		execution.Domain = DefaultDomain
	}
	return execution
}

// poll waits until next returns a task, ctx ends or the poll timeout passes.
func poll[T any](ctx context.Context, b *Backend, next func() (*T, error)) (*T, error) {
	timeout := time.NewTimer(b.opts.PollTimeout)
	defer timeout.Stop()
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		task, err := next()
		wait := b.notify
		b.mu.Unlock()
		if err != nil || task != nil {
			return task, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			return nil, nil
		case <-wait:
		}
	}
}

func domainMatches(domain string, execution durable.WorkflowExecution) bool {
	return domain == "" || domain == execution.Domain
}

// appendEvents assigns IDs and timestamps to events and appends them
// together with info, which becomes the run's info on success.
func (b *Backend) appendEvents(ctx context.Context, run *runState, info *durable.ExecutionInfo, events ...*durable.HistoryEvent) error {
	now := b.clock.Now()
	next := run.info.LastEventID
	for _, e := range events {
		next++
		e.ID = next
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
	}
	if err := b.store.AppendEvents(ctx, info, events); err != nil {
		return fmt.Errorf("failed to append events to %s: %w", run.info.Execution, err)
	}
	run.info = info
	return nil
}

// addEvent records an event that needs a decision. It is buffered while a
// decision is in flight and dropped when the run is closed.
func (b *Backend) addEvent(ctx context.Context, run *runState, e *durable.HistoryEvent) error {
	if run.closed() {
		b.logger.Debug("dropping event for closed run", append(run.logArgs(), "event_type", e.Type)...)
		return nil
	}
	if run.decision != nil {
		run.buffered = append(run.buffered, e)
		return nil
	}
	if err := b.appendEvents(ctx, run, run.info.Clone(), e); err != nil {
		return err
	}
	b.scheduleDecision(run, 0)
	return nil
}

// scheduleDecision queues a decision task for run after delay. At most one
// decision is queued or in flight per run.
func (b *Backend) scheduleDecision(run *runState, delay time.Duration) {
	if run.closed() || run.info.Halted || run.decision != nil || run.decisionQueued || run.decisionDelay != nil {
		return
	}
	if delay > 0 {
		var t clock.Timer
		t = b.clock.AfterFunc(delay, func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if run.decisionDelay != t {
				return
			}
			run.decisionDelay = nil
			b.scheduleDecision(run, 0)
		})
		run.decisionDelay = t
		return
	}
	run.decisionQueued = true
	b.decisionQueue = append(b.decisionQueue, run)
	b.broadcast()
}

// openRun returns the open run for execution. With follow set, a RunID that
// continued as new resolves to the run it continued into.
func (b *Backend) openRun(ctx context.Context, execution durable.WorkflowExecution, follow bool) (*runState, error) {
	execution = normalize(execution)
	notFound := &durable.NotFoundError{Kind: "workflow execution", Name: execution.String()}
	run := b.runs[keyOf(execution)]
	if run == nil {
		return nil, notFound
	}
	if execution.RunID == "" || execution.RunID == run.info.Execution.RunID {
		return run, nil
	}
	if !follow {
		return nil, notFound
	}
	runID := execution.RunID
	for {
		info, err := b.store.GetExecution(ctx, durable.WorkflowExecution{
			Domain: execution.Domain, WorkflowID: execution.WorkflowID, RunID: runID,
		})
		if err != nil || info.Status != durable.ExecutionStatusContinuedAsNew || info.NextRunID == "" {
			return nil, notFound
		}
		if info.NextRunID == run.info.Execution.RunID {
			return run, nil
		}
		runID = info.NextRunID
	}
}

// stopRun stops every timer of run and forgets its tasks.
func (b *Backend) stopRun(run *runState) {
	for _, t := range []clock.Timer{run.timeout, run.decisionDelay} {
		if t != nil {
			t.Stop()
		}
	}
	run.decisionDelay = nil
	if d := run.decision; d != nil {
		d.timer.Stop()
		delete(b.decisionTokens, d.token)
		run.decision = nil
	}
	for _, act := range run.activities {
		b.finishActivity(act)
	}
	for seq, ts := range run.timers {
		ts.timer.Stop()
		delete(run.timers, seq)
	}
	run.buffered = nil
}

// afterClose releases a run whose closing event was recorded and reports
// the outcome to its parent.
func (b *Backend) afterClose(ctx context.Context, run *runState) {
	b.stopRun(run)
	key := keyOf(run.info.Execution)
	if b.runs[key] == run {
		delete(b.runs, key)
	}
	info := run.info
	b.logger.Info("workflow closed", append(run.logArgs(), "status", info.Status)...)
	if info.Parent == nil || info.Status == durable.ExecutionStatusContinuedAsNew {
		return
	}
	parent := b.runs[keyOf(info.Parent.Execution)]
	if parent == nil || parent.info.Execution.RunID != info.Parent.Execution.RunID {
		return
	}
	e := &durable.HistoryEvent{
		SeqID:     info.Parent.SeqID,
		Name:      info.WorkflowType,
		Execution: &info.Execution,
	}
	switch info.Status {
	case durable.ExecutionStatusCompleted:
		e.Type = durable.EventChildWorkflowExecutionCompleted
		e.Payload = info.Result
	case durable.ExecutionStatusFailed:
		e.Type = durable.EventChildWorkflowExecutionFailed
		e.Failure = info.Failure
	case durable.ExecutionStatusTimedOut:
		e.Type = durable.EventChildWorkflowExecutionTimedOut
		e.Failure = info.Failure
	case durable.ExecutionStatusCanceled:
		e.Type = durable.EventChildWorkflowExecutionCanceled
	case durable.ExecutionStatusTerminated:
		e.Type = durable.EventChildWorkflowExecutionTerminated
		if info.Failure != nil {
			e.Cause = info.Failure.Message
		}
	default:
		return
	}
	if err := b.addEvent(ctx, parent, e); err != nil {
		b.logger.Error("failed to notify parent", append(parent.logArgs(), "error", err)...)
	}
}

// closeRun records a closing event that was not produced by a decision.
func (b *Backend) closeRun(ctx context.Context, run *runState, status durable.ExecutionStatus, e *durable.HistoryEvent) error {
	info := run.info.Clone()
	info.Status = status
	info.CloseTime = b.clock.Now()
	info.Failure = e.Failure
	if err := b.appendEvents(ctx, run, info, e); err != nil {
		return err
	}
	b.afterClose(ctx, run)
	return nil
}

func (b *Backend) executionTimedOut(run *runState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if run.closed() || b.runs[keyOf(run.info.Execution)] != run {
		return
	}
	err := b.closeRun(context.Background(), run, durable.ExecutionStatusTimedOut, &durable.HistoryEvent{
		Type:    durable.EventWorkflowExecutionTimedOut,
		Failure: &durable.Failure{Type: durable.ErrorTypeTimeout, Message: "workflow execution timed out"},
	})
	if err != nil {
		b.logger.Error("failed to time out workflow", append(run.logArgs(), "error", err)...)
	}
}

// SignalWorkflowExecution appends a signal to an open run
func (b *Backend) SignalWorkflowExecution(ctx context.Context, execution durable.WorkflowExecution, signalName string, payload durable.Payload) error {
	if signalName == "" {
		return fmt.Errorf("signal name is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	run, err := b.openRun(ctx, execution, false)
	if err != nil {
		return err
	}
	return b.addEvent(ctx, run, &durable.HistoryEvent{
		Type:    durable.EventWorkflowExecutionSignaled,
		Name:    signalName,
		Payload: payload,
	})
}

// RequestCancelWorkflowExecution asks an open run to cancel. Repeated
// requests are recorded once.
func (b *Backend) RequestCancelWorkflowExecution(ctx context.Context, execution durable.WorkflowExecution) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, err := b.openRun(ctx, execution, false)
	if err != nil {
		return err
	}
	return b.requestCancel(ctx, run)
}

func (b *Backend) requestCancel(ctx context.Context, run *runState) error {
	if run.cancelRequested {
		return nil
	}
	run.cancelRequested = true
	return b.addEvent(ctx, run, &durable.HistoryEvent{Type: durable.EventWorkflowExecutionCancelRequested})
}

// TerminateWorkflowExecution closes an open run without running workflow
// code. Terminating is also how a halted run is cleared.
func (b *Backend) TerminateWorkflowExecution(ctx context.Context, execution durable.WorkflowExecution, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, err := b.openRun(ctx, execution, false)
	if err != nil {
		return err
	}
	return b.terminate(ctx, run, reason)
}

func (b *Backend) terminate(ctx context.Context, run *runState, reason string) error {
	return b.closeRun(ctx, run, durable.ExecutionStatusTerminated, &durable.HistoryEvent{
		Type:    durable.EventWorkflowExecutionTerminated,
		Cause:   reason,
		Failure: &durable.Failure{Type: string(durable.ExecutionStatusTerminated), Message: reason},
	})
}

// DescribeWorkflowExecution returns the stored state of a run
func (b *Backend) DescribeWorkflowExecution(ctx context.Context, execution durable.WorkflowExecution) (*durable.ExecutionInfo, error) {
	return b.store.GetExecution(ctx, normalize(execution))
}

// GetWorkflowExecutionHistory returns the full history of a run
func (b *Backend) GetWorkflowExecutionHistory(ctx context.Context, execution durable.WorkflowExecution) ([]*durable.HistoryEvent, error) {
	return store.ReadHistory(ctx, b.store, normalize(execution), 0)
}

// QueryWorkflow hands a query to a worker and waits for the answer. Closed
// runs can be queried too; the worker rebuilds their state by replay.
func (b *Backend) QueryWorkflow(ctx context.Context, execution durable.WorkflowExecution, queryType string, args durable.Payload) (durable.Payload, error) {
	if queryType == "" {
		return nil, fmt.Errorf("query type is required")
	}
	info, err := b.store.GetExecution(ctx, normalize(execution))
	if err != nil {
		return nil, err
	}
	q := &queryState{
		token:        newToken("query"),
		execution:    info.Execution,
		workflowType: info.WorkflowType,
		queryType:    queryType,
		args:         args,
		result:       make(chan *durable.RespondQueryTaskCompletedRequest, 1),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.queryQueue = append(b.queryQueue, q)
	b.queryTokens[q.token] = q
	b.broadcast()
	b.mu.Unlock()

	timeout := time.NewTimer(b.opts.QueryTimeout)
	defer timeout.Stop()
	select {
	case resp := <-q.result:
		if resp.Failure != nil {
			return nil, resp.Failure.Err()
		}
		return resp.Result, nil
	case <-ctx.Done():
		b.dropQuery(q)
		return nil, ctx.Err()
	case <-timeout.C:
		b.dropQuery(q)
		return nil, fmt.Errorf("query %s on %s: %w", queryType, info.Execution, ErrQueryTimeout)
	}
}

func (b *Backend) dropQuery(q *queryState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queryTokens, q.token)
	b.queryQueue = slices.DeleteFunc(b.queryQueue, func(p *queryState) bool { return p == q })
}

// RespondQueryTaskCompleted delivers the answer to a query task
func (b *Backend) RespondQueryTaskCompleted(ctx context.Context, req *durable.RespondQueryTaskCompletedRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queryTokens[req.TaskToken]
	if !ok {
		return ErrStaleTask
	}
	delete(b.queryTokens, req.TaskToken)
	q.result <- req
	return nil
}

var _ durable.Service = (*Backend)(nil)
