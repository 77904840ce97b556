// Package storetest holds the behavior every store.Store implementation must
// share. Implementations call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/store"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises a store. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("create and read back", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		info := newInfo("order-42", "run-1")
		require.NoError(t, s.CreateExecution(ctx, info, startEvents(info)))
		require.Equal(t, int64(2), info.LastEventID)

		got, err := s.GetExecution(ctx, info.Execution)
		require.NoError(t, err)
		require.Equal(t, "order-42", got.Execution.WorkflowID)
		require.Equal(t, "OrderWorkflow", got.WorkflowType)
		require.Equal(t, durable.ExecutionStatusRunning, got.Status)
		require.Equal(t, int64(2), got.LastEventID)

		events, err := s.ReadEvents(ctx, info.Execution, 0, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		require.Equal(t, durable.EventWorkflowExecutionStarted, events[0].Type)
		require.Equal(t, `{"item":"book"}`, events[0].Payload.String())
		require.True(t, epoch.Equal(events[0].Timestamp))
	})

	t.Run("create rejects duplicate run", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		info := newInfo("order-42", "run-1")
		require.NoError(t, s.CreateExecution(ctx, info, startEvents(info)))
		err := s.CreateExecution(ctx, newInfo("order-42", "run-1"), startEvents(info))
		require.ErrorIs(t, err, store.ErrAlreadyExists)
	})

	t.Run("missing execution", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.GetExecution(ctx, durable.WorkflowExecution{Domain: "default", WorkflowID: "nope"})
		require.ErrorIs(t, err, store.ErrNotFound)
		require.ErrorIs(t, err, durable.ErrNotFound)
		_, err = s.ReadEvents(ctx, durable.WorkflowExecution{Domain: "default", WorkflowID: "nope", RunID: "x"}, 0, 0)
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("append continues the history", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		info := newInfo("order-42", "run-1")
		require.NoError(t, s.CreateExecution(ctx, info, startEvents(info)))

		require.NoError(t, s.AppendEvents(ctx, info, []*durable.HistoryEvent{
			{ID: 3, Type: durable.EventDecisionTaskStarted, Timestamp: epoch},
			{ID: 4, Type: durable.EventDecisionTaskCompleted, Timestamp: epoch},
		}))
		require.Equal(t, int64(4), info.LastEventID)

		got, err := s.GetExecution(ctx, info.Execution)
		require.NoError(t, err)
		require.Equal(t, int64(4), got.LastEventID)

		page, err := s.ReadEvents(ctx, info.Execution, 1, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		require.Equal(t, int64(2), page[0].ID)
		require.Equal(t, int64(3), page[1].ID)

		all, err := store.ReadHistory(ctx, s, info.Execution, 3)
		require.NoError(t, err)
		require.Len(t, all, 4)
	})

	t.Run("append rejects gaps and stale writers", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		info := newInfo("order-42", "run-1")
		require.NoError(t, s.CreateExecution(ctx, info, startEvents(info)))

		err := s.AppendEvents(ctx, info, []*durable.HistoryEvent{{ID: 4, Type: durable.EventDecisionTaskStarted}})
		require.ErrorIs(t, err, store.ErrConflict)

		err = s.AppendEvents(ctx, info, []*durable.HistoryEvent{{ID: 2, Type: durable.EventDecisionTaskStarted}})
		require.ErrorIs(t, err, store.ErrConflict)

		events, err := s.ReadEvents(ctx, info.Execution, 0, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
	})

	t.Run("empty run id addresses the current run", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		first := newInfo("order-42", "run-1")
		require.NoError(t, s.CreateExecution(ctx, first, startEvents(first)))
		first.Status = durable.ExecutionStatusCompleted
		first.CloseTime = epoch.Add(time.Minute)
		require.NoError(t, s.UpdateExecution(ctx, first))

		second := newInfo("order-42", "run-2")
		second.StartTime = epoch.Add(2 * time.Minute)
		require.NoError(t, s.CreateExecution(ctx, second, startEvents(second)))

		current, err := s.GetExecution(ctx, durable.WorkflowExecution{Domain: "default", WorkflowID: "order-42"})
		require.NoError(t, err)
		require.Equal(t, "run-2", current.Execution.RunID)

		old, err := s.GetExecution(ctx, first.Execution)
		require.NoError(t, err)
		require.Equal(t, durable.ExecutionStatusCompleted, old.Status)
		require.Equal(t, int64(2), old.LastEventID)
	})

	t.Run("list open executions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			info := newInfo(fmt.Sprintf("wf-%d", i), fmt.Sprintf("run-%d", i))
			info.StartTime = epoch.Add(time.Duration(i) * time.Second)
			require.NoError(t, s.CreateExecution(ctx, info, startEvents(info)))
			if i == 1 {
				info.Status = durable.ExecutionStatusFailed
				info.Failure = &durable.Failure{Type: durable.ErrorTypeApplication, Message: "boom"}
				require.NoError(t, s.UpdateExecution(ctx, info))
			}
		}
		open, err := s.ListOpenExecutions(ctx)
		require.NoError(t, err)
		require.Len(t, open, 2)
		require.Equal(t, "wf-0", open[0].Execution.WorkflowID)
		require.Equal(t, "wf-2", open[1].Execution.WorkflowID)
	})
}

func newInfo(workflowID, runID string) *durable.ExecutionInfo {
	return &durable.ExecutionInfo{
		Execution:    durable.WorkflowExecution{Domain: "default", WorkflowID: workflowID, RunID: runID},
		WorkflowType: "OrderWorkflow",
		Status:       durable.ExecutionStatusRunning,
		StartTime:    epoch,
		Attempt:      1,
	}
}

func startEvents(info *durable.ExecutionInfo) []*durable.HistoryEvent {
	execution := info.Execution
	return []*durable.HistoryEvent{
		{
			ID:        1,
			Type:      durable.EventWorkflowExecutionStarted,
			Timestamp: epoch,
			Name:      info.WorkflowType,
			Payload:   durable.MustPayload(map[string]string{"item": "book"}),
			Execution: &execution,
			Timeout:   time.Hour,
			Attempt:   1,
		},
		{ID: 2, Type: durable.EventWorkflowExecutionSignaled, Timestamp: epoch, Name: "paid"},
	}
}
