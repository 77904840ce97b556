package backend

import (
	"context"
	"slices"
	"time"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/clock"
	"github.com/deepnoodle-ai/durable/retry"
)

// activityState tracks one scheduled activity across its attempts
type activityState struct {
	run          *runState
	seq          int64
	activityType string
	input        durable.Payload
	policy       *retry.Policy
	attempt      int

	scheduledTime time.Time
	startToClose  time.Duration
	// expiration is the schedule-to-close deadline, or the retry deadline
	// of the policy when that is earlier.
	expiration time.Time

	token       string
	startedTime time.Time
	queued      bool
	done        bool

	scheduleTimer clock.Timer
	attemptTimer  clock.Timer
	retryTimer    clock.Timer
}

func (b *Backend) scheduleActivity(run *runState, seq int64, activityType string, input durable.Payload,
	scheduleToClose, startToClose time.Duration, policy *retry.Policy, scheduledTime time.Time) {
	if startToClose <= 0 || startToClose > scheduleToClose {
		startToClose = scheduleToClose
	}
	act := &activityState{
		run:           run,
		seq:           seq,
		activityType:  activityType,
		input:         input,
		policy:        policy,
		attempt:       1,
		scheduledTime: scheduledTime,
		startToClose:  startToClose,
		expiration:    scheduledTime.Add(scheduleToClose),
	}
	if deadline := policy.ExpirationTime(scheduledTime); !deadline.IsZero() && deadline.Before(act.expiration) {
		act.expiration = deadline
	}
	run.activities[seq] = act
	remaining := scheduledTime.Add(scheduleToClose).Sub(b.clock.Now())
	act.scheduleTimer = b.clock.AfterFunc(remaining, func() { b.activityExpired(act) })
	b.enqueueActivity(act)
}

func (b *Backend) enqueueActivity(act *activityState) {
	act.queued = true
	b.activityQueue = append(b.activityQueue, act)
	b.broadcast()
}

// finishActivity forgets an activity that reached a final outcome.
func (b *Backend) finishActivity(act *activityState) {
	act.done = true
	for _, t := range []clock.Timer{act.scheduleTimer, act.attemptTimer, act.retryTimer} {
		if t != nil {
			t.Stop()
		}
	}
	if act.token != "" {
		delete(b.activityTokens, act.token)
		act.token = ""
	}
	if act.queued {
		b.activityQueue = slices.DeleteFunc(b.activityQueue, func(a *activityState) bool { return a == act })
		act.queued = false
	}
	if act.run.activities[act.seq] == act {
		delete(act.run.activities, act.seq)
	}
}

// PollForActivityTask hands out the next activity attempt of domain
func (b *Backend) PollForActivityTask(ctx context.Context, domain, identity string) (*durable.ActivityTask, error) {
	return poll(ctx, b, func() (*durable.ActivityTask, error) {
		return b.nextActivityTask(domain), nil
	})
}

func (b *Backend) nextActivityTask(domain string) *durable.ActivityTask {
	for i, act := range b.activityQueue {
		if !domainMatches(domain, act.run.info.Execution) {
			continue
		}
		b.activityQueue = append(b.activityQueue[:i:i], b.activityQueue[i+1:]...)
		act.queued = false
		token := newToken("activity")
		act.token = token
		act.startedTime = b.clock.Now()
		act.attemptTimer = b.clock.AfterFunc(act.startToClose, func() { b.attemptTimedOut(act, token) })
		b.activityTokens[token] = act
		return &durable.ActivityTask{
			TaskToken:           token,
			Execution:           act.run.info.Execution,
			WorkflowType:        act.run.info.WorkflowType,
			ActivityType:        act.activityType,
			SeqID:               act.seq,
			Input:               act.input,
			Attempt:             act.attempt,
			ScheduledTime:       act.scheduledTime,
			StartedTime:         act.startedTime,
			StartToCloseTimeout: act.startToClose,
		}
	}
	return nil
}

func (b *Backend) activityFor(token string) (*activityState, error) {
	act, ok := b.activityTokens[token]
	if !ok || act.done || act.token != token {
		return nil, ErrStaleTask
	}
	return act, nil
}

// RespondActivityTaskCompleted records the result of an attempt
func (b *Backend) RespondActivityTaskCompleted(ctx context.Context, taskToken string, result durable.Payload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	act, err := b.activityFor(taskToken)
	if err != nil {
		return err
	}
	b.finishActivity(act)
	return b.addEvent(ctx, act.run, &durable.HistoryEvent{
		Type:    durable.EventActivityTaskCompleted,
		SeqID:   act.seq,
		Name:    act.activityType,
		Payload: result,
		Attempt: act.attempt,
	})
}

// RespondActivityTaskFailed records a failed attempt. The activity is
// retried when its policy allows, otherwise the failure is recorded.
func (b *Backend) RespondActivityTaskFailed(ctx context.Context, taskToken string, failure *durable.Failure) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	act, err := b.activityFor(taskToken)
	if err != nil {
		return err
	}
	if failure == nil {
		failure = &durable.Failure{Type: durable.ErrorTypeApplication, Message: "activity failed"}
	}
	b.endAttempt(act)
	return b.retryOrFail(ctx, act, failure, durable.EventActivityTaskFailed)
}

func (b *Backend) endAttempt(act *activityState) {
	if act.attemptTimer != nil {
		act.attemptTimer.Stop()
		act.attemptTimer = nil
	}
	delete(b.activityTokens, act.token)
	act.token = ""
}

func (b *Backend) retryOrFail(ctx context.Context, act *activityState, failure *durable.Failure, eventType durable.EventType) error {
	delay, ok := act.policy.NextDelay(act.attempt, failure.Type, failure.NonRetryable, b.clock.Now(), act.expiration)
	if ok {
		b.logger.Debug("retrying activity", append(act.run.logArgs(),
			"activity_type", act.activityType,
			"attempt", act.attempt,
			"delay", delay)...)
		act.attempt++
		var t clock.Timer
		t = b.clock.AfterFunc(delay, func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if act.done || act.retryTimer != t {
				return
			}
			act.retryTimer = nil
			b.enqueueActivity(act)
		})
		act.retryTimer = t
		return nil
	}
	b.finishActivity(act)
	return b.addEvent(ctx, act.run, &durable.HistoryEvent{
		Type:    eventType,
		SeqID:   act.seq,
		Name:    act.activityType,
		Failure: failure,
		Attempt: act.attempt,
	})
}

func (b *Backend) attemptTimedOut(act *activityState, token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if act.done || act.token != token {
		return
	}
	act.attemptTimer = nil
	b.endAttempt(act)
	failure := &durable.Failure{Type: durable.ErrorTypeTimeout, Message: "activity start-to-close timeout"}
	if err := b.retryOrFail(context.Background(), act, failure, durable.EventActivityTaskTimedOut); err != nil {
		b.logger.Error("failed to time out activity attempt", append(act.run.logArgs(), "error", err)...)
	}
}

func (b *Backend) activityExpired(act *activityState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if act.done {
		return
	}
	b.finishActivity(act)
	err := b.addEvent(context.Background(), act.run, &durable.HistoryEvent{
		Type:    durable.EventActivityTaskTimedOut,
		SeqID:   act.seq,
		Name:    act.activityType,
		Failure: &durable.Failure{Type: durable.ErrorTypeTimeout, Message: "activity schedule-to-close timeout"},
		Attempt: act.attempt,
	})
	if err != nil {
		b.logger.Error("failed to time out activity", append(act.run.logArgs(), "error", err)...)
	}
}

// cancelActivity cancels an activity right away. A worker still running an
// attempt gets ErrStaleTask when it responds.
func (b *Backend) cancelActivity(ctx context.Context, run *runState, seq int64) {
	act, ok := run.activities[seq]
	if !ok {
		return
	}
	b.finishActivity(act)
	b.logAddError(run, b.addEvent(ctx, run, &durable.HistoryEvent{
		Type:    durable.EventActivityTaskCanceled,
		SeqID:   seq,
		Name:    act.activityType,
		Attempt: act.attempt,
	}))
}
