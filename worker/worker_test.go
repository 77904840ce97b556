package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/backend"
	"github.com/deepnoodle-ai/durable/retry"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type recordingCallbacks struct {
	durable.BaseExecutionCallbacks
	mu        sync.Mutex
	attempts  []int
	evictions []string
	unhandled []error
}

func (c *recordingCallbacks) AfterDecisionTask(ctx context.Context, e *durable.DecisionTaskEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unhandled = append(c.unhandled, e.UnhandledSignals...)
}

func (c *recordingCallbacks) AfterActivityExecution(ctx context.Context, e *durable.ActivityExecutionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = append(c.attempts, e.Attempt)
}

func (c *recordingCallbacks) OnEviction(ctx context.Context, e *durable.EvictionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictions = append(c.evictions, e.Reason)
}

type testEnv struct {
	backend   *backend.Backend
	client    *durable.Client
	registry  *durable.Registry
	recorder  *tracetest.SpanRecorder
	callbacks *recordingCallbacks
}

func newTestEnv(t *testing.T) *testEnv {
	b, err := backend.New(backend.Options{
		PollTimeout:        50 * time.Millisecond,
		DecisionRetryDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	client, err := durable.NewClient(durable.ClientOptions{Service: b, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	env := &testEnv{
		backend:   b,
		client:    client,
		registry:  durable.NewRegistry(),
		recorder:  tracetest.NewSpanRecorder(),
		callbacks: &recordingCallbacks{},
	}
	t.Cleanup(func() { _ = b.Close() })
	return env
}

// run starts a worker over the environment and stops it at the end of
// the test.
func (env *testEnv) run(t *testing.T) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(env.recorder))
	w, err := New(Options{
		Service:        env.backend,
		Registry:       env.registry,
		Config:         Config{Identity: "test-worker", DecisionPollers: 2, ActivityPollers: 2},
		Callbacks:      env.callbacks,
		TracerProvider: tp,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNew(t *testing.T) {
	_, err := New(Options{Registry: durable.NewRegistry()})
	require.Error(t, err)
	b, err := backend.New(backend.Options{})
	require.NoError(t, err)
	_, err = New(Options{Service: b})
	require.Error(t, err)
}

func TestWorkerRunsActivitiesWithRetries(t *testing.T) {
	env := newTestEnv(t)
	var mu sync.Mutex
	calls := 0
	require.NoError(t, env.registry.RegisterActivity(durable.TypedActivityFunction("charge",
		func(ctx durable.ActivityContext, item string) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if ctx.Info().Attempt < 3 {
				return "", errors.New("card declined")
			}
			return "charged " + item, nil
		})))
	require.NoError(t, env.registry.RegisterWorkflow("order", durable.TypedWorkflow(
		func(ctx durable.Context, item string) (string, error) {
			return durable.Get[string](ctx, ctx.ExecuteActivity("charge", item, durable.ActivityOptions{
				ScheduleToCloseTimeout: 5 * time.Second,
				RetryPolicy: &retry.Policy{
					InitialInterval:    10 * time.Millisecond,
					BackoffCoefficient: 2,
					MaximumAttempts:    5,
				},
			}))
		})))
	env.run(t)

	ctx := testContext(t)
	run, err := env.client.ExecuteWorkflow(ctx, durable.StartWorkflowOptions{ID: "order-1"}, "order", "widget")
	require.NoError(t, err)
	var result string
	require.NoError(t, run.Get(ctx, &result))
	require.Equal(t, "charged widget", result)
	mu.Lock()
	require.Equal(t, 3, calls)
	mu.Unlock()

	env.callbacks.mu.Lock()
	require.Equal(t, []int{1, 2, 3}, env.callbacks.attempts)
	env.callbacks.mu.Unlock()

	// Evictions and span ends happen after the service accepted the
	// final responses, so they can trail the result.
	require.Eventually(t, func() bool {
		env.callbacks.mu.Lock()
		defer env.callbacks.mu.Unlock()
		return slices.Contains(env.callbacks.evictions, "completed")
	}, 5*time.Second, 10*time.Millisecond)

	activitySpans := func() []sdktrace.ReadOnlySpan {
		var spans []sdktrace.ReadOnlySpan
		for _, span := range env.recorder.Ended() {
			if span.Name() == "durable.activity_task" {
				spans = append(spans, span)
			}
		}
		return spans
	}
	require.Eventually(t, func() bool { return len(activitySpans()) == 3 }, 5*time.Second, 10*time.Millisecond)
	var failed int
	for _, span := range activitySpans() {
		require.Contains(t, span.Attributes(), attribute.String("durable.activity_type", "charge"))
		if span.Status().Code == codes.Error {
			failed++
		}
	}
	require.Equal(t, 2, failed)
}

func TestWorkerSignalsAndQueries(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.registry.RegisterWorkflow("tally", func(ctx durable.Context, _ durable.Payload) (any, error) {
		total := 0
		if err := ctx.SetQueryHandler("total", func(durable.Payload) (any, error) { return total, nil }); err != nil {
			return nil, err
		}
		add := ctx.GetSignalChannel("add")
		done := ctx.GetSignalChannel("done")
		finished := false
		for !finished {
			ctx.NewSelector().
				AddReceive(add, func(c durable.ReceiveChannel, more bool) {
					var n int
					c.ReceiveAsync(&n)
					total += n
				}).
				AddReceive(done, func(c durable.ReceiveChannel, more bool) {
					c.ReceiveAsync(nil)
					finished = true
				}).
				Select(ctx)
		}
		return total, nil
	}))
	env.run(t)

	ctx := testContext(t)
	run, err := env.client.ExecuteWorkflow(ctx, durable.StartWorkflowOptions{ID: "tally-1"}, "tally", nil)
	require.NoError(t, err)
	for _, n := range []int{2, 3, 5} {
		require.NoError(t, env.client.Signal(ctx, "tally-1", "", "add", n))
	}

	require.Eventually(t, func() bool {
		var total int
		err := env.client.Query(ctx, "tally-1", "", "total", nil, &total)
		return err == nil && total == 10
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, env.client.Signal(ctx, "tally-1", "", "done", nil))
	var total int
	require.NoError(t, run.Get(ctx, &total))
	require.Equal(t, 10, total)
}

func TestWorkerReportsUnhandledSignals(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.registry.RegisterWorkflow("gate", func(ctx durable.Context, _ durable.Payload) (any, error) {
		ctx.GetSignalChannel("open").Receive(ctx, nil)
		return "opened", nil
	}))
	env.run(t)

	ctx := testContext(t)
	run, err := env.client.ExecuteWorkflow(ctx, durable.StartWorkflowOptions{ID: "gate-1"}, "gate", nil)
	require.NoError(t, err)
	require.NoError(t, env.client.Signal(ctx, "gate-1", "", "knock", nil))

	require.Eventually(t, func() bool {
		env.callbacks.mu.Lock()
		defer env.callbacks.mu.Unlock()
		for _, err := range env.callbacks.unhandled {
			var nf *durable.NotFoundError
			if errors.As(err, &nf) && nf.Kind == "signal" && nf.Name == "knock" {
				return errors.Is(err, durable.ErrNotFound)
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, env.client.Signal(ctx, "gate-1", "", "open", nil))
	var result string
	require.NoError(t, run.Get(ctx, &result))
	require.Equal(t, "opened", result)
}

func TestWorkerReportsUnknownWorkflow(t *testing.T) {
	env := newTestEnv(t)
	env.run(t)

	ctx := testContext(t)
	run, err := env.client.ExecuteWorkflow(ctx, durable.StartWorkflowOptions{ID: "ghost"}, "ghost", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		events, err := env.backend.GetWorkflowExecutionHistory(ctx, run.Execution())
		if err != nil {
			return false
		}
		for _, e := range events {
			if e.Type == durable.EventDecisionTaskFailed && e.Cause == durable.CauseUnknownWorkflow {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, env.client.Terminate(ctx, "ghost", "", "no such workflow"))

	var werr *durable.WorkflowExecutionError
	require.ErrorAs(t, run.Get(ctx, nil), &werr)
	require.Equal(t, durable.ExecutionStatusTerminated, werr.Status)
}

func TestWorkerContinueAsNew(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.registry.RegisterWorkflow("countdown", durable.TypedWorkflow(
		func(ctx durable.Context, n int) (string, error) {
			if n > 0 {
				return "", durable.NewContinueAsNewError(ctx, n-1)
			}
			return fmt.Sprintf("done on attempt %d", ctx.Info().Attempt), nil
		})))
	env.run(t)

	ctx := testContext(t)
	run, err := env.client.ExecuteWorkflow(ctx, durable.StartWorkflowOptions{ID: "countdown"}, "countdown", 3)
	require.NoError(t, err)
	var result string
	require.NoError(t, run.Get(ctx, &result))
	require.Equal(t, "done on attempt 1", result)

	info, err := env.client.Describe(ctx, "countdown", "")
	require.NoError(t, err)
	require.NotEqual(t, run.Execution().RunID, info.Execution.RunID)
}
