package durable

import (
	"context"
	"time"
)

// ExecutionCallbacks defines the callback interface for worker events
type ExecutionCallbacks interface {
	// Decisions
	BeforeDecisionTask(ctx context.Context, event *DecisionTaskEvent)
	AfterDecisionTask(ctx context.Context, event *DecisionTaskEvent)

	// Activities, once per attempt
	BeforeActivityExecution(ctx context.Context, event *ActivityExecutionEvent)
	AfterActivityExecution(ctx context.Context, event *ActivityExecutionEvent)

	// OnEviction is called when a cached executor is dropped.
	OnEviction(ctx context.Context, event *EvictionEvent)
}

// DecisionTaskEvent describes one decision task handled by a worker
type DecisionTaskEvent struct {
	Execution      WorkflowExecution
	WorkflowType   string
	StartedEventID int64
	// FullReplay is true when the executor was rebuilt from the whole
	// history rather than taken from the cache.
	FullReplay       bool
	Commands         []*Command
	UnhandledSignals []error
	StartTime        time.Time
	EndTime          time.Time
	Duration         time.Duration
	Error            error
}

// ActivityExecutionEvent describes one activity attempt
type ActivityExecutionEvent struct {
	Execution    WorkflowExecution
	WorkflowType string
	ActivityType string
	SeqID        int64
	Attempt      int
	Input        Payload
	Result       any
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Error        error
}

// EvictionEvent describes an executor leaving the worker cache
type EvictionEvent struct {
	Execution WorkflowExecution
	Reason    string
}

// BaseExecutionCallbacks ignores every event. Embed it to implement only
// the callbacks you need.
type BaseExecutionCallbacks struct{}

func (n *BaseExecutionCallbacks) BeforeDecisionTask(ctx context.Context, event *DecisionTaskEvent) {}

func (n *BaseExecutionCallbacks) AfterDecisionTask(ctx context.Context, event *DecisionTaskEvent) {}

func (n *BaseExecutionCallbacks) BeforeActivityExecution(ctx context.Context, event *ActivityExecutionEvent) {}

func (n *BaseExecutionCallbacks) AfterActivityExecution(ctx context.Context, event *ActivityExecutionEvent) {}

func (n *BaseExecutionCallbacks) OnEviction(ctx context.Context, event *EvictionEvent) {}

// NewBaseExecutionCallbacks returns callbacks that ignore every event
func NewBaseExecutionCallbacks() ExecutionCallbacks {
	return &BaseExecutionCallbacks{}
}

// CallbackChain forwards each event to its callbacks in order
type CallbackChain struct {
	callbacks []ExecutionCallbacks
}

func NewCallbackChain(callbacks ...ExecutionCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add appends callback to the chain
func (c *CallbackChain) Add(callback ExecutionCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeDecisionTask(ctx context.Context, event *DecisionTaskEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeDecisionTask(ctx, event)
	}
}

func (c *CallbackChain) AfterDecisionTask(ctx context.Context, event *DecisionTaskEvent) {
	for _, callback := range c.callbacks {
		callback.AfterDecisionTask(ctx, event)
	}
}

func (c *CallbackChain) BeforeActivityExecution(ctx context.Context, event *ActivityExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeActivityExecution(ctx, event)
	}
}

func (c *CallbackChain) AfterActivityExecution(ctx context.Context, event *ActivityExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.AfterActivityExecution(ctx, event)
	}
}

func (c *CallbackChain) OnEviction(ctx context.Context, event *EvictionEvent) {
	for _, callback := range c.callbacks {
		callback.OnEviction(ctx, event)
	}
}
