package durable

import (
	"fmt"
	"log/slog"
)

// Replayer runs workflow code against recorded histories offline. Use it in
// tests to check that a change to workflow code is still compatible with
// histories produced by the previous version.
type Replayer struct {
	registry *Registry
	logger   *slog.Logger
}

// ReplayerOptions configures a Replayer
type ReplayerOptions struct {
	Registry *Registry
	Logger   *slog.Logger
}

// NewReplayer creates a Replayer. A nil Registry starts empty.
func NewReplayer(opts ReplayerOptions) *Replayer {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = NewDiscardLogger()
	}
	return &Replayer{registry: opts.Registry, logger: opts.Logger}
}

// RegisterWorkflow adds a workflow type to the replayer's registry
func (r *Replayer) RegisterWorkflow(name string, fn WorkflowFunc) error {
	return r.registry.RegisterWorkflow(name, fn)
}

// ReplayResult is the outcome of replaying one history
type ReplayResult struct {
	// Commands are all commands issued while replaying, in order.
	Commands []*Command
	// NewCommands are the commands of a trailing decision that had no
	// outcome in the history.
	NewCommands []*Command
	Completed   bool

	executor *WorkflowExecutor
}

// Query answers a query against the replayed state.
func (r *ReplayResult) Query(queryType string, args Payload) (Payload, error) {
	return r.executor.Query(queryType, args)
}

// Close stops the coroutines of the replayed execution
func (r *ReplayResult) Close() {
	r.executor.Close()
}

// ReplayHistory replays events from the start of a run. It fails with a
// NonDeterminismError when the registered workflow code does not produce
// the recorded commands.
func (r *Replayer) ReplayHistory(events []*HistoryEvent) (*ReplayResult, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("history is empty")
	}
	first := events[0]
	if first.Type != EventWorkflowExecutionStarted {
		return nil, fmt.Errorf("history must begin with %s, got %s", EventWorkflowExecutionStarted, first.Type)
	}
	execution := WorkflowExecution{WorkflowID: "replay"}
	if first.Execution != nil {
		execution = *first.Execution
	}
	x, err := NewWorkflowExecutor(ExecutorOptions{
		Registry:  r.registry,
		Execution: execution,
		Logger:    r.logger,
	})
	if err != nil {
		return nil, err
	}
	decision, err := x.ProcessEvents(events)
	if err != nil {
		x.Close()
		return nil, err
	}
	result := &ReplayResult{
		Commands:  x.CommandLog(),
		Completed: x.IsCompleted(),
		executor:  x,
	}
	if decision != nil {
		result.NewCommands = decision.Commands
	}
	return result, nil
}

// ReplayHistoryFile loads a JSON or YAML history file and replays it.
func (r *Replayer) ReplayHistoryFile(path string) (*ReplayResult, error) {
	events, err := LoadHistoryFile(path)
	if err != nil {
		return nil, err
	}
	return r.ReplayHistory(events)
}
