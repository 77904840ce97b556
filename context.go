package durable

import (
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/deepnoodle-ai/durable/retry"
)

// Context is the explicit execution context passed to workflow code. It
// carries the execution's scheduler handle, sequence counters and pending
// command buffer. All time, randomness, concurrency and side effects in
// workflow code must go through it so replay reproduces the same commands.
type Context interface {
	Info() WorkflowInfo
	Logger() *slog.Logger

	// Now returns the deterministic time of the current decision task.
	Now() time.Time
	// Rand returns a random source seeded from the run ID. Query handlers get
	// a copy.
	Rand() *rand.Rand
	// IsReplaying reports whether the code is being replayed from history.
	IsReplaying() bool

	// Go starts fn as a new coroutine of this execution. It may not be
	// called from a query handler.
	Go(name string, fn func(ctx Context))
	// Yield lets other coroutines run before returning.
	Yield()
	// Await blocks until cond returns true or the context is canceled.
	Await(cond func() bool) error
	// AwaitWithTimeout is like Await but gives up after timeout. It returns
	// false if the timeout fired first.
	AwaitWithTimeout(timeout time.Duration, cond func() bool) (bool, error)

	Sleep(d time.Duration) error
	NewTimer(d time.Duration) Future

	ExecuteActivity(activityType string, input any, opts ActivityOptions) Future
	ExecuteChildWorkflow(workflowType string, input any, opts ChildWorkflowOptions) ChildWorkflowFuture
	SignalExternalWorkflow(execution WorkflowExecution, signalName string, payload any) Future
	RequestCancelExternalWorkflow(execution WorkflowExecution) Future
	// SideEffect runs fn once and records its result. On replay the recorded
	// result is returned without running fn.
	SideEffect(fn func() (any, error)) (Payload, error)

	NewChannel(name string) Channel
	NewBufferedChannel(name string, size int) Channel
	NewSelector() Selector

	// GetSignalChannel returns the channel signals with the given name are
	// delivered to.
	GetSignalChannel(signalName string) ReceiveChannel
	// SetSignalHandler runs h in a new coroutine for every signal with the
	// given name.
	SetSignalHandler(signalName string, h SignalHandler) error
	SetQueryHandler(queryType string, h QueryHandler) error

	// Done is closed when the context is canceled.
	Done() ReceiveChannel
	// Err returns a CanceledError once the context is canceled.
	Err() error
}

// WorkflowFunc is the entry point of a workflow type
type WorkflowFunc func(ctx Context, input Payload) (any, error)

// SignalHandler handles one signal
type SignalHandler func(ctx Context, payload Payload)

// QueryHandler answers a query from the current workflow state. It must not
// block or issue commands.
type QueryHandler func(args Payload) (any, error)

// CancelFunc cancels a context created by WithCancel
type CancelFunc func()

// QueryTypeStackTrace is answered by every workflow with the stacks of its
// live coroutines.
const QueryTypeStackTrace = "__stack_trace"

// WorkflowInfo describes the run a workflow is executing as
type WorkflowInfo struct {
	Execution        WorkflowExecution
	WorkflowType     string
	Attempt          int
	Parent           *ParentExecution
	StartTime        time.Time
	ExecutionTimeout time.Duration
	RetryPolicy      *retry.Policy
	ExpirationTime   time.Time
}

// ActivityOptions configures one activity invocation
type ActivityOptions struct {
	// ScheduleToCloseTimeout bounds the activity including all retries. It is
	// required.
	ScheduleToCloseTimeout time.Duration
	// StartToCloseTimeout bounds a single attempt. Defaults to the
	// schedule-to-close timeout.
	StartToCloseTimeout time.Duration
	RetryPolicy         *retry.Policy
}

// ChildWorkflowOptions configures one child workflow invocation
type ChildWorkflowOptions struct {
	// WorkflowID defaults to an ID derived from the parent run and the
	// command sequence number.
	WorkflowID string
	// Domain defaults to the parent's domain.
	Domain string
	// ExecutionTimeout bounds the child run. It is required.
	ExecutionTimeout time.Duration
	RetryPolicy      *retry.Policy
	IDReusePolicy    WorkflowIDReusePolicy
}

type workflowContext struct {
	env   *environment
	state *coroutineState
	scope *cancelScope
}

// stateOf returns the coroutine a blocking call is made from.
func stateOf(ctx Context) *coroutineState {
	wc, ok := ctx.(*workflowContext)
	if !ok {
		panic("blocking call requires a workflow context")
	}
	if wc.env.queryMode {
		panic(ErrCommandInQuery)
	}
	if wc.state == nil {
		panic("blocking call made outside a workflow coroutine")
	}
	return wc.state
}

// WithCancel returns a copy of ctx with a new cancellation scope. Canceling
// it cancels every operation started with the returned context.
func WithCancel(ctx Context) (Context, CancelFunc) {
	wc := ctx.(*workflowContext)
	scope := newCancelScope(wc.scope)
	child := &workflowContext{env: wc.env, state: wc.state, scope: scope}
	return child, func() { scope.cancel() }
}

func (c *workflowContext) Info() WorkflowInfo { return c.env.info }

func (c *workflowContext) Logger() *slog.Logger { return c.env.logger }

func (c *workflowContext) Now() time.Time { return c.env.now }

func (c *workflowContext) Rand() *rand.Rand {
	if c.env.queryMode {
		return c.env.queryRand()
	}
	return c.env.rand
}

func (c *workflowContext) IsReplaying() bool { return c.env.replaying }

func (c *workflowContext) Go(name string, fn func(ctx Context)) {
	if err := c.env.checkMutation(); err != nil {
		panic(err)
	}
	c.env.spawn(name, c.scope, fn)
}

func (c *workflowContext) Yield() {
	state := stateOf(c)
	state.yield("yield")
	state.unblocked()
}

func (c *workflowContext) Await(cond func() bool) error {
	state := stateOf(c)
	for {
		if cond() {
			state.unblocked()
			return nil
		}
		if c.scope.canceled {
			state.unblocked()
			return c.Err()
		}
		state.yield("blocked on Await")
	}
}

func (c *workflowContext) AwaitWithTimeout(timeout time.Duration, cond func() bool) (bool, error) {
	if cond() {
		return true, nil
	}
	timerCtx, cancel := WithCancel(c)
	timer := timerCtx.NewTimer(timeout)
	err := c.Await(func() bool { return cond() || timer.IsReady() })
	if cond() {
		cancel()
		return true, nil
	}
	cancel()
	if err == nil && timer.IsReady() {
		// A timer that could not be started carries its error.
		err = timer.Get(c, nil)
	}
	return false, err
}

func (c *workflowContext) Sleep(d time.Duration) error {
	return c.NewTimer(d).Get(c, nil)
}

func (c *workflowContext) NewTimer(d time.Duration) Future {
	return c.env.newTimer(c.scope, d)
}

func (c *workflowContext) ExecuteActivity(activityType string, input any, opts ActivityOptions) Future {
	return c.env.executeActivity(c.scope, activityType, input, opts)
}

func (c *workflowContext) ExecuteChildWorkflow(workflowType string, input any, opts ChildWorkflowOptions) ChildWorkflowFuture {
	return c.env.executeChildWorkflow(c.scope, workflowType, input, opts)
}

func (c *workflowContext) SignalExternalWorkflow(execution WorkflowExecution, signalName string, payload any) Future {
	return c.env.signalExternalWorkflow(execution, signalName, payload)
}

func (c *workflowContext) RequestCancelExternalWorkflow(execution WorkflowExecution) Future {
	return c.env.requestCancelExternalWorkflow(execution)
}

func (c *workflowContext) SideEffect(fn func() (any, error)) (Payload, error) {
	return c.env.sideEffect(fn)
}

func (c *workflowContext) NewChannel(name string) Channel {
	return newChannel(name, 0)
}

func (c *workflowContext) NewBufferedChannel(name string, size int) Channel {
	return newChannel(name, size)
}

func (c *workflowContext) NewSelector() Selector {
	return newSelector("selector")
}

func (c *workflowContext) GetSignalChannel(signalName string) ReceiveChannel {
	return c.env.router.signalChannel(signalName)
}

func (c *workflowContext) SetSignalHandler(signalName string, h SignalHandler) error {
	if err := c.env.checkMutation(); err != nil {
		return err
	}
	return c.env.router.setSignalHandler(signalName, h)
}

func (c *workflowContext) SetQueryHandler(queryType string, h QueryHandler) error {
	if err := c.env.checkMutation(); err != nil {
		return err
	}
	return c.env.router.setQueryHandler(queryType, h)
}

func (c *workflowContext) Done() ReceiveChannel {
	return c.scope.done
}

func (c *workflowContext) Err() error {
	if c.scope.canceled {
		return &CanceledError{Message: "workflow context canceled"}
	}
	return nil
}

// cancelScope tracks the operations started under one Context. Canceling a
// scope runs its callbacks in registration order, then cancels its children.
type cancelScope struct {
	parent    *cancelScope
	children  []*cancelScope
	canceled  bool
	done      *channel
	callbacks []*cancelCallback
}

type cancelCallback struct {
	fn      func()
	removed bool
}

func newCancelScope(parent *cancelScope) *cancelScope {
	s := &cancelScope{parent: parent, done: newChannel("Done", 0)}
	if parent != nil {
		parent.children = append(parent.children, s)
		if parent.canceled {
			s.canceled = true
			s.done.Close()
		}
	}
	return s
}

// onCancel registers fn to run when the scope is canceled. The returned
// function unregisters it.
func (s *cancelScope) onCancel(fn func()) func() {
	cb := &cancelCallback{fn: fn}
	s.callbacks = append(s.callbacks, cb)
	return func() {
		cb.removed = true
		s.callbacks = slices.DeleteFunc(s.callbacks, func(c *cancelCallback) bool { return c == cb })
	}
}

func (s *cancelScope) cancel() {
	if s.canceled {
		return
	}
	s.canceled = true
	s.done.Close()
	callbacks := s.callbacks
	s.callbacks = nil
	for _, cb := range callbacks {
		// A callback run earlier may unregister a later one.
		if !cb.removed {
			cb.fn()
		}
	}
	children := s.children
	s.children = nil
	for _, child := range children {
		child.cancel()
	}
	if s.parent != nil {
		s.parent.children = slices.DeleteFunc(s.parent.children, func(c *cancelScope) bool { return c == s })
	}
}
