package durable

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Confirm the interfaces are implemented correctly.
var (
	_ Activity                = (*ActivityFunction)(nil)
	_ TypedActivity[any, any] = (*typedActivityFunction[any, any])(nil)
)

// Activity is an action a workflow schedules with ExecuteActivity. Activities
// run outside the deterministic scheduler and may perform any I/O. Their
// results are recorded in history.
type Activity interface {
	// Name returns the activity type
	Name() string

	// Execute runs one attempt of the activity.
	Execute(ctx ActivityContext, input Payload) (any, error)
}

// TypedActivity is an Activity with typed input and result
type TypedActivity[TParams, TResult any] interface {
	Name() string
	Execute(ctx ActivityContext, params TParams) (TResult, error)
}

// ExecuteActivityFunc is the signature of an activity implementation
type ExecuteActivityFunc func(ctx ActivityContext, input Payload) (any, error)

// ActivityInfo describes the activity attempt being executed
type ActivityInfo struct {
	TaskToken         string
	WorkflowExecution WorkflowExecution
	WorkflowType      string
	ActivityType      string
	SeqID             int64
	Attempt           int
	ScheduledTime     time.Time
	StartedTime       time.Time
	// Deadline is when the current attempt times out.
	Deadline time.Time
}

// ActivityContext is the context passed to activities. It is canceled when
// the attempt's start-to-close timeout expires.
type ActivityContext interface {
	context.Context
	Info() ActivityInfo
	Logger() *slog.Logger
}

type activityContext struct {
	context.Context
	info   ActivityInfo
	logger *slog.Logger
}

// NewActivityContext returns an ActivityContext for one attempt
func NewActivityContext(ctx context.Context, info ActivityInfo, logger *slog.Logger) ActivityContext {
	if logger == nil {
		logger = NewDiscardLogger()
	}
	return &activityContext{
		Context: ctx,
		info:    info,
		logger: logger.With(
			"workflow_id", info.WorkflowExecution.WorkflowID,
			"run_id", info.WorkflowExecution.RunID,
			"activity_type", info.ActivityType,
			"attempt", info.Attempt,
		),
	}
}

func (c *activityContext) Info() ActivityInfo { return c.info }

func (c *activityContext) Logger() *slog.Logger { return c.logger }

// ActivityFunction wraps a function for use as an Activity.
type ActivityFunction struct {
	name string
	fn   ExecuteActivityFunc
}

// NewActivityFunction returns an Activity for the given function.
func NewActivityFunction(name string, fn ExecuteActivityFunc) Activity {
	return &ActivityFunction{name: name, fn: fn}
}

// Name of the Activity.
func (a *ActivityFunction) Name() string {
	return a.name
}

// Execute the Activity.
func (a *ActivityFunction) Execute(ctx ActivityContext, input Payload) (any, error) {
	return a.fn(ctx, input)
}

// NewTypedActivity adapts a TypedActivity to the Activity interface. The
// input payload is decoded into TParams before the activity runs.
func NewTypedActivity[TParams, TResult any](a TypedActivity[TParams, TResult]) Activity {
	return &typedActivityAdapter[TParams, TResult]{activity: a}
}

type typedActivityAdapter[TParams, TResult any] struct {
	activity TypedActivity[TParams, TResult]
}

func (t *typedActivityAdapter[TParams, TResult]) Name() string {
	return t.activity.Name()
}

func (t *typedActivityAdapter[TParams, TResult]) Execute(ctx ActivityContext, input Payload) (any, error) {
	var params TParams
	if !input.IsEmpty() {
		if err := input.Decode(&params); err != nil {
			return nil, NewWorkflowError(ErrorTypeFatal, fmt.Sprintf("invalid input for activity %s: %v", t.activity.Name(), err))
		}
	}
	return t.activity.Execute(ctx, params)
}

// TypedActivityFunction wraps a function for use as a TypedActivity.
func TypedActivityFunction[TParams, TResult any](name string, fn func(ctx ActivityContext, params TParams) (TResult, error)) Activity {
	return NewTypedActivity(&typedActivityFunction[TParams, TResult]{
		name: name,
		fn:   fn,
	})
}

// typedActivityFunction is a helper struct for creating typed activities from functions
type typedActivityFunction[TParams, TResult any] struct {
	name string
	fn   func(ctx ActivityContext, params TParams) (TResult, error)
}

// Name of the Activity.
func (t *typedActivityFunction[TParams, TResult]) Name() string {
	return t.name
}

// Execute the Activity.
func (t *typedActivityFunction[TParams, TResult]) Execute(ctx ActivityContext, params TParams) (TResult, error) {
	return t.fn(ctx, params)
}
