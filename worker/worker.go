// Package worker runs workflow and activity code against a
// durable.TaskService. Decision pollers replay histories through cached
// executors and report the resulting commands; activity pollers execute
// activity attempts.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/deepnoodle-ai/durable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/deepnoodle-ai/durable/worker"

// Options configures a Worker
type Options struct {
	Service  durable.TaskService
	Registry *durable.Registry
	Config   Config
	Logger   *slog.Logger
	// Callbacks are notified around decision tasks, activity attempts and
	// cache evictions.
	Callbacks durable.ExecutionCallbacks
	// TracerProvider defaults to the global OpenTelemetry provider.
	TracerProvider trace.TracerProvider
}

// Worker polls a TaskService for decision and activity tasks
type Worker struct {
	service   durable.TaskService
	registry  *durable.Registry
	cfg       Config
	logger    *slog.Logger
	callbacks durable.ExecutionCallbacks
	tracer    trace.Tracer
	cache     *executionCache
}

// New creates a Worker
func New(opts Options) (*Worker, error) {
	if opts.Service == nil {
		return nil, fmt.Errorf("service is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = durable.NewDiscardLogger()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = durable.NewBaseExecutionCallbacks()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	cfg := opts.Config.withDefaults()
	w := &Worker{
		service:   opts.Service,
		registry:  opts.Registry,
		cfg:       cfg,
		logger:    opts.Logger.With("domain", cfg.Domain),
		callbacks: opts.Callbacks,
		tracer:    opts.TracerProvider.Tracer(tracerName),
	}
	w.cache = newExecutionCache(cfg.CacheSize, func(execution durable.WorkflowExecution, reason string) {
		w.logger.Debug("evicted execution", "workflow_id", execution.WorkflowID, "run_id", execution.RunID, "reason", reason)
		w.callbacks.OnEviction(context.Background(), &durable.EvictionEvent{Execution: execution, Reason: reason})
	})
	return w, nil
}

// Run polls until ctx is canceled. It returns nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	defer w.cache.close()
	g, gctx := errgroup.WithContext(ctx)
	for range w.cfg.DecisionPollers {
		g.Go(func() error { return w.pollLoop(gctx, "decision", w.pollDecisionTask) })
	}
	for range w.cfg.ActivityPollers {
		g.Go(func() error { return w.pollLoop(gctx, "activity", w.pollActivityTask) })
	}
	w.logger.Info("worker started",
		"decision_pollers", w.cfg.DecisionPollers,
		"activity_pollers", w.cfg.ActivityPollers,
		"workflows", w.registry.Workflows(),
		"activities", w.registry.Activities())
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// pollLoop calls pollOnce until ctx ends, backing off exponentially while
// polls fail.
func (w *Worker) pollLoop(ctx context.Context, kind string, pollOnce func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = w.cfg.MaxPollBackoff
	for ctx.Err() == nil {
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			err := pollOnce(ctx)
			if err != nil && ctx.Err() != nil {
				return struct{}{}, backoff.Permanent(ctx.Err())
			}
			return struct{}{}, err
		},
			backoff.WithBackOff(b),
			backoff.WithNotify(func(err error, next time.Duration) {
				w.logger.Warn("poll failed", "kind", kind, "error", err, "retry_in", next)
			}),
		)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("poller gave up, restarting", "kind", kind, "error", err)
		}
	}
	return nil
}

func (w *Worker) pollDecisionTask(ctx context.Context) error {
	task, err := w.service.PollForDecisionTask(ctx, w.cfg.Domain, w.cfg.Identity)
	if err != nil {
		return err
	}
	if task == nil {
		return nil
	}
	if task.Query != nil {
		w.handleQueryTask(ctx, task)
		return nil
	}
	w.handleDecisionTask(ctx, task)
	return nil
}

func (w *Worker) pollActivityTask(ctx context.Context) error {
	task, err := w.service.PollForActivityTask(ctx, w.cfg.Domain, w.cfg.Identity)
	if err != nil {
		return err
	}
	if task != nil {
		w.handleActivityTask(ctx, task)
	}
	return nil
}

func executionAttributes(execution durable.WorkflowExecution, workflowType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("durable.domain", execution.Domain),
		attribute.String("durable.workflow_id", execution.WorkflowID),
		attribute.String("durable.run_id", execution.RunID),
		attribute.String("durable.workflow_type", workflowType),
	}
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
