package backend

import (
	"context"
	"testing"
	"time"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/clock"
	"github.com/deepnoodle-ai/durable/store"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// harness drives a Backend the way a worker would, answering every
// decision with a fresh executor replaying the full history.
type harness struct {
	t        *testing.T
	ctx      context.Context
	clock    *clock.Manual
	store    store.Store
	backend  *Backend
	registry *durable.Registry
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		clock:    clock.NewManual(epoch),
		store:    store.NewMemoryStore(),
		registry: durable.NewRegistry(),
	}
	h.backend = h.newBackend()
	return h
}

func (h *harness) newBackend() *Backend {
	b, err := New(Options{
		Store:        h.store,
		Clock:        h.clock,
		PollTimeout:  20 * time.Millisecond,
		QueryTimeout: 5 * time.Second,
	})
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = b.Close() })
	return b
}

// restart replaces the backend with a new one over the same store, as after
// a process restart.
func (h *harness) restart() {
	require.NoError(h.t, h.backend.Close())
	h.backend = h.newBackend()
	require.NoError(h.t, h.backend.Recover(h.ctx))
}

func (h *harness) workflow(name string, fn durable.WorkflowFunc) {
	require.NoError(h.t, h.registry.RegisterWorkflow(name, fn))
}

func (h *harness) start(req *durable.StartWorkflowRequest) durable.WorkflowExecution {
	execution, err := h.backend.StartWorkflowExecution(h.ctx, req)
	require.NoError(h.t, err)
	return execution
}

func (h *harness) pollDecision() *durable.DecisionTask {
	task, err := h.backend.PollForDecisionTask(h.ctx, "", "test")
	require.NoError(h.t, err)
	return task
}

// waitDecision polls until a task arrives. Used when the task is produced
// by another goroutine.
func (h *harness) waitDecision() *durable.DecisionTask {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if task := h.pollDecision(); task != nil {
			return task
		}
	}
	h.t.Fatal("no decision task arrived")
	return nil
}

func (h *harness) expectNoDecision() {
	require.Nil(h.t, h.pollDecision(), "unexpected decision task")
}

func (h *harness) tryReplay(task *durable.DecisionTask) (*durable.DecisionResult, error) {
	history, err := h.backend.GetWorkflowExecutionHistory(h.ctx, task.Execution)
	require.NoError(h.t, err)
	x, err := durable.NewWorkflowExecutor(durable.ExecutorOptions{Registry: h.registry, Execution: task.Execution})
	require.NoError(h.t, err)
	defer x.Close()
	return x.ProcessEvents(durable.TruncateEvents(history, task.StartedEventID))
}

func (h *harness) replay(task *durable.DecisionTask) *durable.DecisionResult {
	result, err := h.tryReplay(task)
	require.NoError(h.t, err)
	require.NotNil(h.t, result)
	return result
}

func (h *harness) respond(task *durable.DecisionTask, result *durable.DecisionResult) error {
	return h.backend.RespondDecisionTaskCompleted(h.ctx, &durable.RespondDecisionTaskCompletedRequest{
		TaskToken: task.TaskToken,
		Commands:  result.Commands,
		Identity:  "test",
	})
}

// decide answers the next queued decision task and returns it.
func (h *harness) decide() *durable.DecisionTask {
	task := h.pollDecision()
	require.NotNil(h.t, task, "expected a decision task")
	require.Nil(h.t, task.Query)
	require.NoError(h.t, h.respond(task, h.replay(task)))
	return task
}

func (h *harness) pollActivity() *durable.ActivityTask {
	task, err := h.backend.PollForActivityTask(h.ctx, "", "test")
	require.NoError(h.t, err)
	return task
}

func (h *harness) queuedActivities() int {
	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	return len(h.backend.activityQueue)
}

func (h *harness) describe(execution durable.WorkflowExecution) *durable.ExecutionInfo {
	info, err := h.backend.DescribeWorkflowExecution(h.ctx, execution)
	require.NoError(h.t, err)
	return info
}

func (h *harness) history(execution durable.WorkflowExecution) []*durable.HistoryEvent {
	events, err := h.backend.GetWorkflowExecutionHistory(h.ctx, execution)
	require.NoError(h.t, err)
	return events
}

func eventTypes(events []*durable.HistoryEvent) []durable.EventType {
	types := make([]durable.EventType, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

func countEvents(events []*durable.HistoryEvent, t durable.EventType) int {
	n := 0
	for _, e := range events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func decodeResult[T any](t *testing.T, info *durable.ExecutionInfo) T {
	t.Helper()
	var v T
	require.NoError(t, info.Result.Decode(&v))
	return v
}
