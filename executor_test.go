package durable

import (
	"errors"
	"maps"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/deepnoodle-ai/durable/retry"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// testRun plays the part of the service for one run. Every decision is made
// by a long-lived executor fed incrementally and checked against a fresh
// executor replaying the whole history.
type testRun struct {
	t          *testing.T
	registry   *Registry
	now        time.Time
	events     []*HistoryEvent
	x          *WorkflowExecutor
	fed        int64
	crossCheck bool
}

func newTestRun(t *testing.T, registry *Registry, workflowType string, input any, started ...func(e *HistoryEvent)) *testRun {
	t.Helper()
	x, err := NewWorkflowExecutor(ExecutorOptions{Registry: registry, Execution: WorkflowExecution{WorkflowID: "wf"}})
	require.NoError(t, err)
	t.Cleanup(x.Close)
	r := &testRun{t: t, registry: registry, now: testEpoch, x: x, crossCheck: true}
	e := &HistoryEvent{
		Type:      EventWorkflowExecutionStarted,
		Name:      workflowType,
		Payload:   MustPayload(input),
		Execution: &WorkflowExecution{Domain: "default", WorkflowID: "wf", RunID: "run-1"},
		Attempt:   1,
	}
	for _, fn := range started {
		fn(e)
	}
	r.append(e)
	return r
}

func (r *testRun) append(e *HistoryEvent) *HistoryEvent {
	e.ID = int64(len(r.events)) + 1
	e.Timestamp = r.now
	r.events = append(r.events, e)
	return e
}

func (r *testRun) advance(d time.Duration) { r.now = r.now.Add(d) }

func (r *testRun) signal(name string, v any) {
	r.append(&HistoryEvent{Type: EventWorkflowExecutionSignaled, Name: name, Payload: MustPayload(v)})
}

func (r *testRun) fireTimer(seq int64) {
	r.append(&HistoryEvent{Type: EventTimerFired, SeqID: seq})
}

func (r *testRun) completeActivity(seq int64, name string, v any) {
	r.append(&HistoryEvent{Type: EventActivityTaskCompleted, SeqID: seq, Name: name, Payload: MustPayload(v)})
}

// pending feeds the events the incremental executor has not seen yet.
func (r *testRun) pending() []*HistoryEvent {
	return r.events[r.fed:]
}

// decide runs one decision and records its commands the way the service
// would.
func (r *testRun) decide() *DecisionResult {
	r.t.Helper()
	r.append(&HistoryEvent{Type: EventDecisionTaskStarted})
	result, err := r.x.ProcessEvents(r.pending())
	require.NoError(r.t, err)
	require.NotNil(r.t, result)
	r.fed = int64(len(r.events))

	if r.crossCheck {
		fresh, err := NewWorkflowExecutor(ExecutorOptions{Registry: r.registry, Execution: WorkflowExecution{WorkflowID: "wf"}})
		require.NoError(r.t, err)
		replayed, err := fresh.ProcessEvents(r.events)
		require.NoError(r.t, err)
		require.Equal(r.t, result.Commands, replayed.Commands, "fresh replay produced different commands")
		require.Equal(r.t, r.x.CommandLog(), fresh.CommandLog())
		fresh.Close()
	}

	r.append(&HistoryEvent{Type: EventDecisionTaskCompleted})
	for _, cmd := range result.Commands {
		r.append(cmd.ToEvent())
	}
	r.x.Acknowledge()
	return result
}

func commandTypes(cmds []*Command) []CommandType {
	types := make([]CommandType, 0, len(cmds))
	for _, c := range cmds {
		types = append(types, c.Type)
	}
	return types
}

// signalNames checks that every error is a signal NotFoundError and returns
// the signal names in order.
func signalNames(t *testing.T, errs []error) []string {
	t.Helper()
	names := make([]string, 0, len(errs))
	for _, err := range errs {
		require.ErrorIs(t, err, ErrNotFound)
		var nf *NotFoundError
		require.ErrorAs(t, err, &nf)
		require.Equal(t, "signal", nf.Kind)
		names = append(names, nf.Name)
	}
	return names
}

func decodePayload[T any](t *testing.T, p Payload) T {
	t.Helper()
	var v T
	require.NoError(t, p.Decode(&v))
	return v
}

func mustRegister(t *testing.T, workflows map[string]WorkflowFunc) *Registry {
	t.Helper()
	registry := NewRegistry()
	for name, fn := range workflows {
		require.NoError(t, registry.RegisterWorkflow(name, fn))
	}
	return registry
}

var greetOptions = ActivityOptions{ScheduleToCloseTimeout: time.Minute}

func greetWorkflow(ctx Context, input Payload) (any, error) {
	var name string
	if err := input.Decode(&name); err != nil {
		return nil, err
	}
	if err := ctx.Sleep(time.Minute); err != nil {
		return nil, err
	}
	var greeting string
	if err := ctx.ExecuteActivity("greet", name, greetOptions).Get(ctx, &greeting); err != nil {
		return nil, err
	}
	return greeting, nil
}

// recordGreeting produces the complete history of one greetWorkflow run.
func recordGreeting(t *testing.T) *testRun {
	r := newTestRun(t, mustRegister(t, map[string]WorkflowFunc{"greeter": greetWorkflow}), "greeter", "ada")
	r.decide()
	r.advance(time.Minute)
	r.fireTimer(1)
	r.decide()
	r.completeActivity(2, "greet", "hello ada")
	r.decide()
	return r
}

func TestExecutorDecisions(t *testing.T) {
	r := newTestRun(t, mustRegister(t, map[string]WorkflowFunc{"greeter": greetWorkflow}), "greeter", "ada")

	first := r.decide()
	require.Equal(t, []*Command{{Type: CommandStartTimer, SeqID: 1, Duration: time.Minute}}, first.Commands)
	require.False(t, first.Completed)
	require.Equal(t, int64(2), first.StartedEventID)

	r.advance(time.Minute)
	r.fireTimer(1)
	second := r.decide()
	require.Len(t, second.Commands, 1)
	activity := second.Commands[0]
	require.Equal(t, CommandScheduleActivityTask, activity.Type)
	require.Equal(t, "greet", activity.Name)
	require.Equal(t, int64(2), activity.SeqID)
	require.Equal(t, time.Minute, activity.StartToCloseTimeout)
	require.Equal(t, "ada", decodePayload[string](t, activity.Payload))
	require.Equal(t, testEpoch.Add(time.Minute), r.x.Now())

	r.completeActivity(2, "greet", "hello ada")
	third := r.decide()
	require.True(t, third.Completed)
	require.Equal(t, []CommandType{CommandCompleteWorkflowExecution}, commandTypes(third.Commands))
	require.Equal(t, "hello ada", decodePayload[string](t, third.Commands[0].Payload))
	require.True(t, r.x.IsCompleted())
	require.Equal(t, []CommandType{CommandStartTimer, CommandScheduleActivityTask, CommandCompleteWorkflowExecution},
		commandTypes(r.x.CommandLog()))
}

func TestExecutorResubmittedDecision(t *testing.T) {
	r := newTestRun(t, mustRegister(t, map[string]WorkflowFunc{"greeter": greetWorkflow}), "greeter", "ada")
	r.append(&HistoryEvent{Type: EventDecisionTaskStarted})
	first, err := r.x.ProcessEvents(r.events)
	require.NoError(t, err)
	require.True(t, r.x.HasUnflushedCommands())

	again, err := r.x.ProcessEvents(r.events[1:])
	require.NoError(t, err)
	require.Same(t, first, again)

	r.x.Acknowledge()
	require.False(t, r.x.HasUnflushedCommands())
	require.Equal(t, int64(2), r.x.LastStartedEventID())
	require.Equal(t, int64(2), r.x.LastEventID())
}

func TestExecutorRejectsBadHistory(t *testing.T) {
	registry := mustRegister(t, map[string]WorkflowFunc{"greeter": greetWorkflow})

	t.Run("unknown workflow type is sticky", func(t *testing.T) {
		x, err := NewWorkflowExecutor(ExecutorOptions{Registry: registry, Execution: WorkflowExecution{WorkflowID: "wf"}})
		require.NoError(t, err)
		defer x.Close()
		_, err = x.ProcessEvents([]*HistoryEvent{{ID: 1, Type: EventWorkflowExecutionStarted, Name: "missing"}})
		var notFound *NotFoundError
		require.ErrorAs(t, err, &notFound)
		require.Equal(t, "missing", notFound.Name)

		_, again := x.ProcessEvents([]*HistoryEvent{{ID: 2, Type: EventDecisionTaskStarted}})
		require.Equal(t, err, again)
		require.Equal(t, err, x.Err())
	})

	t.Run("gap in event ids", func(t *testing.T) {
		x, err := NewWorkflowExecutor(ExecutorOptions{Registry: registry, Execution: WorkflowExecution{WorkflowID: "wf"}})
		require.NoError(t, err)
		defer x.Close()
		_, err = x.ProcessEvents([]*HistoryEvent{{ID: 2, Type: EventWorkflowExecutionStarted, Name: "greeter"}})
		require.ErrorContains(t, err, "want id 1")
	})

	t.Run("decision before start", func(t *testing.T) {
		x, err := NewWorkflowExecutor(ExecutorOptions{Registry: registry, Execution: WorkflowExecution{WorkflowID: "wf"}})
		require.NoError(t, err)
		defer x.Close()
		_, err = x.ProcessEvents([]*HistoryEvent{{ID: 1, Type: EventDecisionTaskStarted}})
		var nd *NonDeterminismError
		require.ErrorAs(t, err, &nd)
	})

	t.Run("options", func(t *testing.T) {
		_, err := NewWorkflowExecutor(ExecutorOptions{Execution: WorkflowExecution{WorkflowID: "wf"}})
		require.Error(t, err)
		_, err = NewWorkflowExecutor(ExecutorOptions{Registry: registry})
		require.Error(t, err)
	})
}

func TestReplayHistory(t *testing.T) {
	recorded := recordGreeting(t)

	replayer := NewReplayer(ReplayerOptions{})
	require.NoError(t, replayer.RegisterWorkflow("greeter", greetWorkflow))

	for i := 0; i < 2; i++ {
		result, err := replayer.ReplayHistory(recorded.events)
		require.NoError(t, err)
		require.True(t, result.Completed)
		require.Empty(t, result.NewCommands)
		require.Equal(t, recorded.x.CommandLog(), result.Commands)
		result.Close()
	}

	t.Run("trailing decision without outcome", func(t *testing.T) {
		partial := TruncateEvents(recorded.events, 6)
		require.Equal(t, EventDecisionTaskStarted, partial[len(partial)-1].Type)
		result, err := replayer.ReplayHistory(partial)
		require.NoError(t, err)
		defer result.Close()
		require.False(t, result.Completed)
		require.Equal(t, []CommandType{CommandScheduleActivityTask}, commandTypes(result.NewCommands))
	})

	t.Run("empty history", func(t *testing.T) {
		_, err := replayer.ReplayHistory(nil)
		require.Error(t, err)
	})

	t.Run("history must begin with start", func(t *testing.T) {
		_, err := replayer.ReplayHistory(recorded.events[1:])
		require.ErrorContains(t, err, "must begin with")
	})
}

func TestReplayDetectsNondeterminism(t *testing.T) {
	recorded := recordGreeting(t)

	tests := []struct {
		name     string
		workflow WorkflowFunc
		contains string
	}{
		{
			name: "activity renamed",
			workflow: func(ctx Context, input Payload) (any, error) {
				if err := ctx.Sleep(time.Minute); err != nil {
					return nil, err
				}
				return nil, ctx.ExecuteActivity("wave", "ada", greetOptions).Get(ctx, nil)
			},
			contains: "wave",
		},
		{
			name: "activity removed",
			workflow: func(ctx Context, input Payload) (any, error) {
				return "hi", ctx.Sleep(time.Minute)
			},
			contains: "ActivityTaskScheduled",
		},
		{
			name: "extra timer",
			workflow: func(ctx Context, input Payload) (any, error) {
				first := ctx.NewTimer(time.Minute)
				ctx.NewTimer(time.Hour)
				return nil, first.Get(ctx, nil)
			},
			contains: "missing from history",
		},
		{
			name: "timer removed",
			workflow: func(ctx Context, input Payload) (any, error) {
				return nil, ctx.ExecuteActivity("greet", "ada", greetOptions).Get(ctx, nil)
			},
			contains: "TimerStarted",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			replayer := NewReplayer(ReplayerOptions{})
			require.NoError(t, replayer.RegisterWorkflow("greeter", tt.workflow))
			_, err := replayer.ReplayHistory(recorded.events)
			var nd *NonDeterminismError
			require.ErrorAs(t, err, &nd)
			require.ErrorContains(t, err, tt.contains)
		})
	}
}

func TestHistoryFiles(t *testing.T) {
	recorded := recordGreeting(t)
	replayer := NewReplayer(ReplayerOptions{})
	require.NoError(t, replayer.RegisterWorkflow("greeter", greetWorkflow))

	for _, name := range []string{"history.json", "history.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			require.NoError(t, WriteHistoryFile(path, recorded.events))

			loaded, err := LoadHistoryFile(path)
			require.NoError(t, err)
			require.Len(t, loaded, len(recorded.events))
			require.Equal(t, EventActivityTaskScheduled, loaded[7].Type)
			require.Equal(t, "ada", decodePayload[string](t, loaded[7].Payload))

			result, err := replayer.ReplayHistoryFile(path)
			require.NoError(t, err)
			defer result.Close()
			require.True(t, result.Completed)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadHistoryFile(filepath.Join(t.TempDir(), "nope.json"))
		require.Error(t, err)
	})
}

func TestSignals(t *testing.T) {
	collect := func(ctx Context, input Payload) (any, error) {
		ch := ctx.GetSignalChannel("add")
		var items []string
		for len(items) < 3 {
			var item string
			ch.Receive(ctx, &item)
			items = append(items, item)
		}
		return items, nil
	}

	t.Run("delivered in arrival order", func(t *testing.T) {
		r := newTestRun(t, mustRegister(t, map[string]WorkflowFunc{"collect": collect}), "collect", nil)
		r.signal("add", "a")
		r.signal("add", "b")
		first := r.decide()
		require.Empty(t, first.Commands)

		r.signal("add", "c")
		second := r.decide()
		require.True(t, second.Completed)
		require.Equal(t, []string{"a", "b", "c"}, decodePayload[[]string](t, second.Commands[0].Payload))
	})

	t.Run("unhandled signals are reported", func(t *testing.T) {
		r := newTestRun(t, mustRegister(t, map[string]WorkflowFunc{"greeter": greetWorkflow}), "greeter", "ada")
		r.decide()
		r.signal("ping", 1)
		r.signal("ping", 2)
		r.signal("other", 3)
		result := r.decide()
		require.Empty(t, result.Commands)
		require.Equal(t, []string{"other", "ping", "ping"}, signalNames(t, result.UnhandledSignals))
	})

	t.Run("handler", func(t *testing.T) {
		total := func(ctx Context, input Payload) (any, error) {
			sum := 0
			err := ctx.SetSignalHandler("add", func(ctx Context, p Payload) {
				var n int
				if p.Decode(&n) == nil {
					sum += n
				}
			})
			if err != nil {
				return nil, err
			}
			if err := ctx.Await(func() bool { return sum >= 10 }); err != nil {
				return nil, err
			}
			return sum, nil
		}
		r := newTestRun(t, mustRegister(t, map[string]WorkflowFunc{"total": total}), "total", nil)
		r.signal("add", 4)
		r.decide()
		r.signal("add", 6)
		result := r.decide()
		require.True(t, result.Completed)
		require.Equal(t, 10, decodePayload[int](t, result.Commands[0].Payload))
	})
}

func TestAwaitWithTimeout(t *testing.T) {
	waiter := func(ctx Context, input Payload) (any, error) {
		done := false
		if err := ctx.SetSignalHandler("done", func(ctx Context, p Payload) { done = true }); err != nil {
			return nil, err
		}
		return ctx.AwaitWithTimeout(time.Minute, func() bool { return done })
	}

	t.Run("timeout", func(t *testing.T) {
		r := newTestRun(t, mustRegister(t, map[string]WorkflowFunc{"waiter": waiter}), "waiter", nil)
		first := r.decide()
		require.Equal(t, []*Command{{Type: CommandStartTimer, SeqID: 1, Duration: time.Minute}}, first.Commands)
		r.advance(time.Minute)
		r.fireTimer(1)
		result := r.decide()
		require.Equal(t, []CommandType{CommandCompleteWorkflowExecution}, commandTypes(result.Commands))
		require.False(t, decodePayload[bool](t, result.Commands[0].Payload))
	})

	t.Run("condition met cancels the timer", func(t *testing.T) {
		r := newTestRun(t, mustRegister(t, map[string]WorkflowFunc{"waiter": waiter}), "waiter", nil)
		r.decide()
		r.signal("done", nil)
		result := r.decide()
		require.Equal(t, []CommandType{CommandCancelTimer, CommandCompleteWorkflowExecution}, commandTypes(result.Commands))
		require.Equal(t, int64(1), result.Commands[0].SeqID)
		require.True(t, decodePayload[bool](t, result.Commands[1].Payload))
	})

	t.Run("negative timeout is an error", func(t *testing.T) {
		var timedOut bool
		var awaitErr error
		invalid := func(ctx Context, input Payload) (any, error) {
			var ok bool
			ok, awaitErr = ctx.AwaitWithTimeout(-time.Second, func() bool { return false })
			timedOut = !ok && awaitErr == nil
			return nil, awaitErr
		}
		r := newTestRun(t, mustRegister(t, map[string]WorkflowFunc{"invalid": invalid}), "invalid", nil)
		result := r.decide()
		require.ErrorContains(t, awaitErr, "negative timer duration")
		require.False(t, timedOut)
		require.Equal(t, []CommandType{CommandFailWorkflowExecution}, commandTypes(result.Commands))
		require.Contains(t, result.Commands[0].Failure.Message, "negative timer duration")
	})
}

func TestSideEffect(t *testing.T) {
	calls := 0
	workflow := func(ctx Context, input Payload) (any, error) {
		p, err := ctx.SideEffect(func() (any, error) {
			calls++
			return 7, nil
		})
		if err != nil {
			return nil, err
		}
		if err := ctx.Sleep(time.Second); err != nil {
			return nil, err
		}
		var n int
		if err := p.Decode(&n); err != nil {
			return nil, err
		}
		return n, nil
	}
	registry := mustRegister(t, map[string]WorkflowFunc{"marker": workflow})
	r := newTestRun(t, registry, "marker", nil)

	first := r.decide()
	require.Equal(t, []CommandType{CommandRecordMarker, CommandStartTimer}, commandTypes(first.Commands))
	require.Equal(t, sideEffectMarker, first.Commands[0].Name)
	// Once live, once by the fresh replay in decide.
	require.Equal(t, 2, calls)

	r.fireTimer(2)
	result := r.decide()
	require.Equal(t, 7, decodePayload[int](t, result.Commands[0].Payload))
	require.Equal(t, 2, calls)

	// Replay uses the recorded value.
	require.Equal(t, EventMarkerRecorded, r.events[3].Type)
	r.events[3].Payload = MustPayload(99)
	replayer := NewReplayer(ReplayerOptions{Registry: registry})
	replayed, err := replayer.ReplayHistory(r.events)
	require.NoError(t, err)
	defer replayed.Close()
	log := replayed.Commands
	require.Equal(t, 99, decodePayload[int](t, log[len(log)-1].Payload))
	require.Equal(t, 2, calls)
}

func TestQuery(t *testing.T) {
	var wfCtx Context
	workflow := func(ctx Context, input Payload) (any, error) {
		wfCtx = ctx
		status := "sleeping"
		err := ctx.SetQueryHandler("status", func(args Payload) (any, error) { return status, nil })
		if err != nil {
			return nil, err
		}
		err = ctx.SetQueryHandler("sneaky", func(args Payload) (any, error) {
			return nil, wfCtx.NewTimer(time.Minute).Get(wfCtx, nil)
		})
		if err != nil {
			return nil, err
		}
		if err := ctx.Sleep(time.Hour); err != nil {
			return nil, err
		}
		status = "awake"
		return nil, ctx.Await(func() bool { return false })
	}
	r := newTestRun(t, mustRegister(t, map[string]WorkflowFunc{"sleepy": workflow}), "sleepy", nil)

	t.Run("before start", func(t *testing.T) {
		_, err := r.x.Query("status", nil)
		require.Error(t, err)
	})

	r.decide()
	log := r.x.CommandLog()

	status, err := r.x.Query("status", nil)
	require.NoError(t, err)
	require.Equal(t, "sleeping", decodePayload[string](t, status))

	_, err = r.x.Query("sneaky", nil)
	require.ErrorIs(t, err, ErrCommandInQuery)
	require.Equal(t, log, r.x.CommandLog())

	_, err = r.x.Query("unknown", nil)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorContains(t, err, "status")

	traces, err := r.x.Query(QueryTypeStackTrace, nil)
	require.NoError(t, err)
	require.Contains(t, traces.String(), "root")

	r.fireTimer(1)
	r.decide()
	status, err = r.x.Query("status", nil)
	require.NoError(t, err)
	require.Equal(t, "awake", decodePayload[string](t, status))

	t.Run("rebuilt without a live pass", func(t *testing.T) {
		x, err := NewWorkflowExecutor(ExecutorOptions{
			Registry:     r.registry,
			Execution:    WorkflowExecution{WorkflowID: "wf"},
			SkipLivePass: true,
		})
		require.NoError(t, err)
		defer x.Close()
		partial := append(slices.Clone(TruncateEvents(r.events, 5)), &HistoryEvent{ID: 6, Type: EventDecisionTaskStarted})
		result, err := x.ProcessEvents(partial)
		require.NoError(t, err)
		require.Nil(t, result)
		status, err := x.Query("status", nil)
		require.NoError(t, err)
		require.Equal(t, "sleeping", decodePayload[string](t, status))
	})
}

func TestQueryCannotChangeState(t *testing.T) {
	var wfCtx Context
	handlers := map[string]QueryHandler{
		"spawn": func(Payload) (any, error) {
			wfCtx.Go("extra", func(ctx Context) {
				_ = ctx.ExecuteActivity("greet", "eve", greetOptions).Get(ctx, nil)
			})
			return nil, nil
		},
		"subscribe": func(Payload) (any, error) {
			return wfCtx.GetSignalChannel("later").Len(), nil
		},
		"handle": func(Payload) (any, error) {
			return nil, wfCtx.SetSignalHandler("later", func(Context, Payload) {})
		},
		"register": func(Payload) (any, error) {
			return nil, wfCtx.SetQueryHandler("status", func(Payload) (any, error) { return "hijacked", nil })
		},
		"dice": func(Payload) (any, error) {
			return wfCtx.Rand().IntN(1_000_000), nil
		},
	}
	workflow := func(ctx Context, input Payload) (any, error) {
		wfCtx = ctx
		for _, name := range slices.Sorted(maps.Keys(handlers)) {
			if err := ctx.SetQueryHandler(name, handlers[name]); err != nil {
				return nil, err
			}
		}
		if err := ctx.Sleep(time.Hour); err != nil {
			return nil, err
		}
		return ctx.Rand().IntN(1_000_000), nil
	}
	r := newTestRun(t, mustRegister(t, map[string]WorkflowFunc{"guarded": workflow}), "guarded", nil)
	r.decide()
	log := r.x.CommandLog()

	for _, name := range []string{"spawn", "subscribe", "handle", "register"} {
		t.Run(name, func(t *testing.T) {
			_, err := r.x.Query(name, nil)
			require.ErrorIs(t, err, ErrCommandInQuery)
			require.Equal(t, log, r.x.CommandLog())
		})
	}

	t.Run("random values are not consumed", func(t *testing.T) {
		first, err := r.x.Query("dice", nil)
		require.NoError(t, err)
		second, err := r.x.Query("dice", nil)
		require.NoError(t, err)
		require.Equal(t, first, second)
	})

	// Nothing registered by the queries receives the signal, and the next
	// decisions match a fresh replay.
	r.signal("later", nil)
	result := r.decide()
	require.Empty(t, result.Commands)
	require.Equal(t, []string{"later"}, signalNames(t, result.UnhandledSignals))

	r.fireTimer(1)
	result = r.decide()
	require.Equal(t, []CommandType{CommandCompleteWorkflowExecution}, commandTypes(result.Commands))
	require.Equal(t, log, r.x.CommandLog()[:len(log)])
}

func TestWorkflowCompletion(t *testing.T) {
	failing := func(ctx Context, input Payload) (any, error) {
		return nil, errors.New("flaky")
	}
	policy := &retry.Policy{InitialInterval: time.Second, MaximumAttempts: 2}
	withPolicy := func(attempt int) func(e *HistoryEvent) {
		return func(e *HistoryEvent) {
			e.Attempt = attempt
			e.RetryPolicy = policy
		}
	}

	t.Run("failure without retry policy", func(t *testing.T) {
		r := newTestRun(t, mustRegister(t, map[string]WorkflowFunc{"flaky": failing}), "flaky", nil)
		result := r.decide()
		require.Equal(t, []CommandType{CommandFailWorkflowExecution}, commandTypes(result.Commands))
		require.Equal(t, ErrorTypeApplication, result.Commands[0].Failure.Type)
		require.Equal(t, "flaky", result.Commands[0].Failure.Message)
	})

	t.Run("retried as a new run", func(t *testing.T) {
		r := newTestRun(t, mustRegister(t, map[string]WorkflowFunc{"flaky": failing}), "flaky", "in", withPolicy(2))
		result := r.decide()
		require.True(t, result.Completed)
		cmd := result.Commands[0]
		require.Equal(t, CommandContinueAsNewWorkflowExecution, cmd.Type)
		require.Equal(t, InitiatorRetry, cmd.Initiator)
		require.Equal(t, 3, cmd.Attempt)
		require.Equal(t, 2*time.Second, cmd.Duration)
		require.Equal(t, "flaky", cmd.Name)
		require.Equal(t, "in", decodePayload[string](t, cmd.Payload))
		require.Equal(t, "flaky", cmd.Failure.Message)
		require.Same(t, policy, cmd.RetryPolicy)
	})

	t.Run("retries exhausted", func(t *testing.T) {
		r := newTestRun(t, mustRegister(t, map[string]WorkflowFunc{"flaky": failing}), "flaky", nil, withPolicy(3))
		result := r.decide()
		require.Equal(t, []CommandType{CommandFailWorkflowExecution}, commandTypes(result.Commands))
	})

	t.Run("non-retryable failure", func(t *testing.T) {
		fatal := func(ctx Context, input Payload) (any, error) {
			return nil, retry.NewNonRecoverableError(errors.New("bad input"))
		}
		r := newTestRun(t, mustRegister(t, map[string]WorkflowFunc{"fatal": fatal}), "fatal", nil, withPolicy(1))
		result := r.decide()
		require.Equal(t, []CommandType{CommandFailWorkflowExecution}, commandTypes(result.Commands))
		require.True(t, result.Commands[0].Failure.NonRetryable)
	})

	t.Run("continue as new", func(t *testing.T) {
		countdown := func(ctx Context, input Payload) (any, error) {
			var n int
			if err := input.Decode(&n); err != nil {
				return nil, err
			}
			return nil, NewContinueAsNewError(ctx, n-1)
		}
		r := newTestRun(t, mustRegister(t, map[string]WorkflowFunc{"countdown": countdown}), "countdown", 5, withPolicy(2))
		result := r.decide()
		cmd := result.Commands[0]
		require.Equal(t, CommandContinueAsNewWorkflowExecution, cmd.Type)
		require.Equal(t, InitiatorWorkflow, cmd.Initiator)
		require.Equal(t, 1, cmd.Attempt)
		require.Equal(t, "countdown", cmd.Name)
		require.Equal(t, 4, decodePayload[int](t, cmd.Payload))
	})

	t.Run("panic fails the run", func(t *testing.T) {
		boom := func(ctx Context, input Payload) (any, error) {
			panic("kaboom")
		}
		r := newTestRun(t, mustRegister(t, map[string]WorkflowFunc{"boom": boom}), "boom", nil)
		result := r.decide()
		require.Equal(t, []CommandType{CommandFailWorkflowExecution}, commandTypes(result.Commands))
		require.Equal(t, ErrorTypePanic, result.Commands[0].Failure.Type)
		require.Contains(t, result.Commands[0].Failure.Message, "kaboom")
	})

	t.Run("no commands after completion", func(t *testing.T) {
		r := newTestRun(t, mustRegister(t, map[string]WorkflowFunc{"flaky": failing}), "flaky", nil)
		r.decide()
		r.signal("late", nil)
		r.append(&HistoryEvent{Type: EventDecisionTaskStarted})
		result, err := r.x.ProcessEvents(r.pending())
		require.NoError(t, err)
		require.Empty(t, result.Commands)
		require.Equal(t, []string{"late"}, signalNames(t, result.UnhandledSignals))
	})
}

func TestCancellation(t *testing.T) {
	t.Run("cancel request cancels the run", func(t *testing.T) {
		sleeper := func(ctx Context, input Payload) (any, error) {
			return nil, ctx.Sleep(time.Hour)
		}
		r := newTestRun(t, mustRegister(t, map[string]WorkflowFunc{"sleeper": sleeper}), "sleeper", nil)
		r.decide()
		r.append(&HistoryEvent{Type: EventWorkflowExecutionCancelRequested})
		result := r.decide()
		require.Equal(t, []CommandType{CommandCancelTimer, CommandCancelWorkflowExecution}, commandTypes(result.Commands))
		require.Equal(t, &Command{Type: CommandCancelTimer, SeqID: 1}, result.Commands[0])
		require.Equal(t, int64(2), result.Commands[1].SeqID)
		require.Equal(t, ErrorTypeCanceled, result.Commands[1].Failure.Type)
		require.True(t, result.Completed)
	})

	t.Run("unsent command is dropped", func(t *testing.T) {
		workflow := func(ctx Context, input Payload) (any, error) {
			timerCtx, cancel := WithCancel(ctx)
			f := timerCtx.NewTimer(time.Hour)
			cancel()
			err := f.Get(ctx, nil)
			return errors.Is(err, ErrCanceled), nil
		}
		r := newTestRun(t, mustRegister(t, map[string]WorkflowFunc{"drop": workflow}), "drop", nil)
		result := r.decide()
		require.Equal(t, []CommandType{CommandCompleteWorkflowExecution}, commandTypes(result.Commands))
		require.Equal(t, int64(2), result.Commands[0].SeqID)
		require.True(t, decodePayload[bool](t, result.Commands[0].Payload))
	})

	t.Run("workflow can clean up after cancel", func(t *testing.T) {
		workflow := func(ctx Context, input Payload) (any, error) {
			err := ctx.Sleep(time.Hour)
			if !errors.Is(err, ErrCanceled) {
				return nil, err
			}
			return "cleaned up", nil
		}
		r := newTestRun(t, mustRegister(t, map[string]WorkflowFunc{"cleanup": workflow}), "cleanup", nil)
		r.decide()
		r.append(&HistoryEvent{Type: EventWorkflowExecutionCancelRequested})
		result := r.decide()
		require.Equal(t, []CommandType{CommandCancelTimer, CommandCompleteWorkflowExecution}, commandTypes(result.Commands))
	})
}

func TestTimerAndSignalThreads(t *testing.T) {
	resumed := map[string]time.Time{}
	workflow := func(ctx Context, input Payload) (any, error) {
		var order []string
		ctx.Go("approver", func(ctx Context) {
			var who string
			ctx.GetSignalChannel("approve").Receive(ctx, &who)
			resumed["signal"] = ctx.Now()
			order = append(order, "signal")
			_ = ctx.ExecuteActivity("notify", who, greetOptions).Get(ctx, nil)
		})
		if err := ctx.Sleep(5 * time.Second); err != nil {
			return nil, err
		}
		resumed["timer"] = ctx.Now()
		order = append(order, "timer")
		if err := ctx.ExecuteActivity("finish", nil, greetOptions).Get(ctx, nil); err != nil {
			return nil, err
		}
		return order, nil
	}
	registry := mustRegister(t, map[string]WorkflowFunc{"approval": workflow})
	r := newTestRun(t, registry, "approval", nil)

	result := r.decide()
	require.Equal(t, []CommandType{CommandStartTimer}, commandTypes(result.Commands))
	require.Equal(t, 5*time.Second, result.Commands[0].Duration)

	r.advance(2 * time.Second)
	r.signal("approve", "ops")
	result = r.decide()
	require.Equal(t, []CommandType{CommandScheduleActivityTask}, commandTypes(result.Commands))
	require.Equal(t, "notify", result.Commands[0].Name)
	require.Equal(t, testEpoch.Add(2*time.Second), resumed["signal"])
	require.NotContains(t, resumed, "timer")

	r.advance(3 * time.Second)
	r.fireTimer(1)
	result = r.decide()
	require.Equal(t, []CommandType{CommandScheduleActivityTask}, commandTypes(result.Commands))
	require.Equal(t, "finish", result.Commands[0].Name)
	require.Equal(t, testEpoch.Add(5*time.Second), resumed["timer"])

	r.completeActivity(2, "notify", nil)
	r.completeActivity(3, "finish", nil)
	result = r.decide()
	require.True(t, result.Completed)
	require.Equal(t, []string{"signal", "timer"}, decodePayload[[]string](t, result.Commands[0].Payload))

	replayed, err := NewReplayer(ReplayerOptions{Registry: registry}).ReplayHistory(r.events)
	require.NoError(t, err)
	defer replayed.Close()
	var names []string
	for _, cmd := range replayed.Commands {
		names = append(names, string(cmd.Type)+":"+cmd.Name)
	}
	require.Equal(t, []string{
		"StartTimer:",
		"ScheduleActivityTask:notify",
		"ScheduleActivityTask:finish",
		"CompleteWorkflowExecution:",
	}, names)
	require.Equal(t, r.x.CommandLog(), replayed.Commands)
}

func TestCoroutines(t *testing.T) {
	t.Run("channel between coroutines", func(t *testing.T) {
		workflow := func(ctx Context, input Payload) (any, error) {
			ch := ctx.NewChannel("numbers")
			ctx.Go("producer", func(ctx Context) {
				for i := 1; i <= 3; i++ {
					ch.Send(ctx, i)
				}
				ch.Close()
			})
			sum := 0
			for {
				var n int
				if !ch.Receive(ctx, &n) {
					break
				}
				sum += n
			}
			return sum, nil
		}
		r := newTestRun(t, mustRegister(t, map[string]WorkflowFunc{"sum": workflow}), "sum", nil)
		result := r.decide()
		require.Equal(t, 6, decodePayload[int](t, result.Commands[0].Payload))
	})

	t.Run("buffered channel", func(t *testing.T) {
		workflow := func(ctx Context, input Payload) (any, error) {
			ch := ctx.NewBufferedChannel("buf", 1)
			first := ch.SendAsync("a")
			second := ch.SendAsync("b")
			var got string
			received := ch.ReceiveAsync(&got)
			return []any{first, second, received, got}, nil
		}
		r := newTestRun(t, mustRegister(t, map[string]WorkflowFunc{"buf": workflow}), "buf", nil)
		result := r.decide()
		require.Equal(t, []any{true, false, true, "a"}, decodePayload[[]any](t, result.Commands[0].Payload))
	})

	t.Run("selector picks the first ready case", func(t *testing.T) {
		workflow := func(ctx Context, input Payload) (any, error) {
			winner := ""
			ctx.NewSelector().
				AddFuture(ctx.NewTimer(time.Minute), func(f Future) { winner = "fast" }).
				AddFuture(ctx.NewTimer(time.Hour), func(f Future) { winner = "slow" }).
				AddReceive(ctx.GetSignalChannel("stop"), func(c ReceiveChannel, more bool) {
					c.ReceiveAsync(nil)
					winner = "signal"
				}).
				Select(ctx)
			return winner, nil
		}
		registry := mustRegister(t, map[string]WorkflowFunc{"race": workflow})

		r := newTestRun(t, registry, "race", nil)
		require.Equal(t, []CommandType{CommandStartTimer, CommandStartTimer}, commandTypes(r.decide().Commands))
		r.fireTimer(2)
		require.Equal(t, "slow", decodePayload[string](t, r.decide().Commands[0].Payload))

		r = newTestRun(t, registry, "race", nil)
		r.decide()
		r.signal("stop", nil)
		require.Equal(t, "signal", decodePayload[string](t, r.decide().Commands[0].Payload))
	})

	t.Run("deterministic randomness and time", func(t *testing.T) {
		workflow := func(ctx Context, input Payload) (any, error) {
			return []any{ctx.Rand().Int64(), ctx.Now().Unix(), ctx.Info().Attempt}, nil
		}
		registry := mustRegister(t, map[string]WorkflowFunc{"rand": workflow})
		a := newTestRun(t, registry, "rand", nil).decide()
		b := newTestRun(t, registry, "rand", nil).decide()
		require.Equal(t, a.Commands, b.Commands)
		values := decodePayload[[]any](t, a.Commands[0].Payload)
		require.Equal(t, float64(testEpoch.Unix()), values[1])
		require.Equal(t, float64(1), values[2])
	})
}
