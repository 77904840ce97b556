package backend

import (
	"context"
	"fmt"
	"sort"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/store"
)

// Recover rebuilds the in-memory state of every open run in the store:
// execution timeouts, timers, activities and pending decisions. A decision
// that was in flight when the previous process stopped is recorded as
// timed out. Runs already known to this backend are left alone.
func (b *Backend) Recover(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	infos, err := b.store.ListOpenExecutions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open executions: %w", err)
	}
	for _, info := range infos {
		if _, ok := b.runs[keyOf(info.Execution)]; ok {
			continue
		}
		events, err := store.ReadHistory(ctx, b.store, info.Execution, 0)
		if err != nil {
			return err
		}
		if err := b.restore(ctx, info, events); err != nil {
			return fmt.Errorf("failed to restore %s: %w", info.Execution, err)
		}
	}
	return nil
}

func (b *Backend) restore(ctx context.Context, info *durable.ExecutionInfo, events []*durable.HistoryEvent) error {
	if len(events) == 0 || events[0].Type != durable.EventWorkflowExecutionStarted {
		return fmt.Errorf("history does not begin with %s", durable.EventWorkflowExecutionStarted)
	}
	started := events[0]
	run := newRunState(info, started.ExpirationTime)

	var lastStarted int64
	inFlight := false
	decided := false
	// needsDecision is set by events recorded after the last completed
	// decision that workflow code has not seen.
	needsDecision := false
	activities := make(map[int64]*durable.HistoryEvent)
	timers := make(map[int64]*durable.HistoryEvent)
	for _, e := range events {
		switch {
		case e.Type == durable.EventDecisionTaskCompleted:
			needsDecision = false
		case e.Type == durable.EventDecisionTaskStarted, e.Type == durable.EventWorkflowExecutionStarted, e.Type.IsCommand():
		default:
			needsDecision = true
		}
		switch e.Type {
		case durable.EventDecisionTaskStarted:
			lastStarted = e.ID
			inFlight = true
			decided = true
		case durable.EventDecisionTaskCompleted:
			run.previousStartedID = lastStarted
			inFlight = false
		case durable.EventDecisionTaskFailed, durable.EventDecisionTaskTimedOut:
			inFlight = false
		case durable.EventActivityTaskScheduled:
			activities[e.SeqID] = e
		case durable.EventActivityTaskCompleted, durable.EventActivityTaskFailed,
			durable.EventActivityTaskTimedOut, durable.EventActivityTaskCanceled:
			delete(activities, e.SeqID)
		case durable.EventTimerStarted:
			timers[e.SeqID] = e
		case durable.EventTimerFired, durable.EventTimerCanceled:
			delete(timers, e.SeqID)
		case durable.EventWorkflowExecutionCancelRequested:
			run.cancelRequested = true
		}
	}

	b.runs[keyOf(info.Execution)] = run
	now := b.clock.Now()
	if started.Timeout > 0 {
		remaining := started.Timestamp.Add(started.Timeout).Sub(now)
		run.timeout = b.clock.AfterFunc(remaining, func() { b.executionTimedOut(run) })
	}
	for _, e := range sortedBySeq(timers) {
		b.startTimer(run, e.SeqID, e.Timestamp.Add(e.Duration).Sub(now))
	}
	for _, e := range sortedBySeq(activities) {
		b.scheduleActivity(run, e.SeqID, e.Name, e.Payload, e.Timeout, e.StartToCloseTimeout, e.RetryPolicy, e.Timestamp)
	}
	if inFlight {
		// Nobody holds the token of a decision started by another process.
		err := b.appendEvents(ctx, run, run.info.Clone(), &durable.HistoryEvent{
			Type:  durable.EventDecisionTaskTimedOut,
			Cause: durable.CauseDecisionTimedOut,
		})
		if err != nil {
			return err
		}
	}
	switch {
	case !decided:
		b.scheduleDecision(run, started.Timestamp.Add(started.Duration).Sub(now))
	case needsDecision || inFlight:
		b.scheduleDecision(run, 0)
	}
	b.logger.Info("workflow recovered", append(run.logArgs(),
		"timers", len(timers),
		"activities", len(activities),
		"halted", info.Halted)...)
	return nil
}

func sortedBySeq(events map[int64]*durable.HistoryEvent) []*durable.HistoryEvent {
	sorted := make([]*durable.HistoryEvent, 0, len(events))
	for _, e := range events {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SeqID < sorted[j].SeqID })
	return sorted
}
