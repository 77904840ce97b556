package durable

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/deepnoodle-ai/durable/retry"
)

// ClientOptions configures a Client
type ClientOptions struct {
	Service ClientService
	Domain  string
	Logger  *slog.Logger
	// PollInterval is how often WorkflowRun.Get checks for completion.
	PollInterval time.Duration
	Identity     string
}

// Client starts and interacts with workflow executions
type Client struct {
	service      ClientService
	domain       string
	logger       *slog.Logger
	pollInterval time.Duration
	identity     string
}

// NewClient creates a Client
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Service == nil {
		return nil, fmt.Errorf("service is required")
	}
	if opts.Domain == "" {
		opts.Domain = "default"
	}
	if opts.Logger == nil {
		opts.Logger = NewDiscardLogger()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	return &Client{
		service:      opts.Service,
		domain:       opts.Domain,
		logger:       opts.Logger,
		pollInterval: opts.PollInterval,
		identity:     opts.Identity,
	}, nil
}

// StartWorkflowOptions configures ExecuteWorkflow
type StartWorkflowOptions struct {
	// ID is the workflow ID. Defaults to a new random ID.
	ID               string
	ExecutionTimeout time.Duration
	RetryPolicy      *retry.Policy
	IDReusePolicy    WorkflowIDReusePolicy
}

// WorkflowRun is a handle on a started run
type WorkflowRun struct {
	client    *Client
	execution WorkflowExecution
}

// Execution returns the run the handle was created for
func (r *WorkflowRun) Execution() WorkflowExecution {
	return r.execution
}

// Get waits for the run to close, following continue-as-new links, and
// decodes the final result into valuePtr. A run that did not complete
// returns a WorkflowExecutionError.
func (r *WorkflowRun) Get(ctx context.Context, valuePtr any) error {
	return r.client.GetResult(ctx, r.execution, valuePtr)
}

// ExecuteWorkflow starts a run of workflowType
func (c *Client) ExecuteWorkflow(ctx context.Context, opts StartWorkflowOptions, workflowType string, input any) (*WorkflowRun, error) {
	payload, err := NewPayload(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow input: %w", err)
	}
	id := opts.ID
	if id == "" {
		id = NewRunID()
	}
	execution, err := c.service.StartWorkflowExecution(ctx, &StartWorkflowRequest{
		Domain:           c.domain,
		WorkflowID:       id,
		WorkflowType:     workflowType,
		Input:            payload,
		ExecutionTimeout: opts.ExecutionTimeout,
		RetryPolicy:      opts.RetryPolicy,
		IDReusePolicy:    opts.IDReusePolicy,
		Identity:         c.identity,
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("started workflow", "workflow_id", execution.WorkflowID, "run_id", execution.RunID, "workflow_type", workflowType)
	return &WorkflowRun{client: c, execution: execution}, nil
}

func (c *Client) execution(workflowID, runID string) WorkflowExecution {
	return WorkflowExecution{Domain: c.domain, WorkflowID: workflowID, RunID: runID}
}

// Signal delivers a signal to the current run of workflowID, or to runID
func (c *Client) Signal(ctx context.Context, workflowID, runID, signalName string, payload any) error {
	p, err := NewPayload(payload)
	if err != nil {
		return fmt.Errorf("failed to encode signal payload: %w", err)
	}
	return c.service.SignalWorkflowExecution(ctx, c.execution(workflowID, runID), signalName, p)
}

// Cancel requests cancellation of a run
func (c *Client) Cancel(ctx context.Context, workflowID, runID string) error {
	return c.service.RequestCancelWorkflowExecution(ctx, c.execution(workflowID, runID))
}

// Terminate closes a run immediately without running workflow code
func (c *Client) Terminate(ctx context.Context, workflowID, runID, reason string) error {
	return c.service.TerminateWorkflowExecution(ctx, c.execution(workflowID, runID), reason)
}

// Query runs a query handler of a run and decodes its result into valuePtr
func (c *Client) Query(ctx context.Context, workflowID, runID, queryType string, args any, valuePtr any) error {
	p, err := NewPayload(args)
	if err != nil {
		return fmt.Errorf("failed to encode query args: %w", err)
	}
	result, err := c.service.QueryWorkflow(ctx, c.execution(workflowID, runID), queryType, p)
	if err != nil {
		return err
	}
	if valuePtr == nil {
		return nil
	}
	return result.Decode(valuePtr)
}

// Describe returns the state of a run
func (c *Client) Describe(ctx context.Context, workflowID, runID string) (*ExecutionInfo, error) {
	return c.service.DescribeWorkflowExecution(ctx, c.execution(workflowID, runID))
}

// History returns the recorded events of a run
func (c *Client) History(ctx context.Context, execution WorkflowExecution) ([]*HistoryEvent, error) {
	return c.service.GetWorkflowExecutionHistory(ctx, execution)
}

// GetResult waits for execution to close. Continue-as-new links are
// followed until a run closes for good.
func (c *Client) GetResult(ctx context.Context, execution WorkflowExecution, valuePtr any) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		info, err := c.service.DescribeWorkflowExecution(ctx, execution)
		if err != nil {
			return err
		}
		switch {
		case info.Status == ExecutionStatusContinuedAsNew && info.NextRunID != "":
			execution.RunID = info.NextRunID
			continue
		case info.Status == ExecutionStatusCompleted:
			if valuePtr == nil || info.Result.IsEmpty() {
				return nil
			}
			return info.Result.Decode(valuePtr)
		case info.Status.IsTerminal():
			return &WorkflowExecutionError{Execution: info.Execution, Status: info.Status, Failure: info.Failure}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
