package durable_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/deepnoodle-ai/durable"
	"github.com/stretchr/testify/require"
)

// TestCallbacksImplementation records every callback it receives
type TestCallbacksImplementation struct {
	durable.BaseExecutionCallbacks
	events []string
}

func (t *TestCallbacksImplementation) BeforeDecisionTask(ctx context.Context, event *durable.DecisionTaskEvent) {
	t.events = append(t.events, fmt.Sprintf("BeforeDecisionTask: %s (%s)", event.Execution, event.WorkflowType))
}

func (t *TestCallbacksImplementation) AfterDecisionTask(ctx context.Context, event *durable.DecisionTaskEvent) {
	t.events = append(t.events, fmt.Sprintf("AfterDecisionTask: %s - Commands: %d", event.Execution, len(event.Commands)))
}

func (t *TestCallbacksImplementation) AfterActivityExecution(ctx context.Context, event *durable.ActivityExecutionEvent) {
	t.events = append(t.events, fmt.Sprintf("AfterActivityExecution: %s - Attempt: %d", event.ActivityType, event.Attempt))
}

func TestCallbackChain(t *testing.T) {
	first := &TestCallbacksImplementation{}
	second := &TestCallbacksImplementation{}
	chain := durable.NewCallbackChain(first)
	chain.Add(second)
	chain.Add(durable.NewBaseExecutionCallbacks())

	ctx := context.Background()
	execution := durable.WorkflowExecution{Domain: "default", WorkflowID: "order-1", RunID: "run-1"}
	decision := &durable.DecisionTaskEvent{
		Execution:    execution,
		WorkflowType: "fulfill",
		Commands:     []*durable.Command{{Type: durable.CommandStartTimer, SeqID: 1, Duration: time.Second}},
	}
	chain.BeforeDecisionTask(ctx, decision)
	chain.AfterDecisionTask(ctx, decision)
	chain.BeforeActivityExecution(ctx, &durable.ActivityExecutionEvent{ActivityType: "reserve", Attempt: 2})
	chain.AfterActivityExecution(ctx, &durable.ActivityExecutionEvent{ActivityType: "reserve", Attempt: 2})
	chain.OnEviction(ctx, &durable.EvictionEvent{Execution: execution, Reason: "completed"})

	want := []string{
		"BeforeDecisionTask: " + execution.String() + " (fulfill)",
		"AfterDecisionTask: " + execution.String() + " - Commands: 1",
		"AfterActivityExecution: reserve - Attempt: 2",
	}
	require.Equal(t, want, first.events)
	require.Equal(t, want, second.events)
}
