package durable

import (
	"context"
	"time"

	"github.com/deepnoodle-ai/durable/retry"
)

// DecisionTask asks a worker to run the next decision of an execution, or
// to answer a query when Query is set.
type DecisionTask struct {
	TaskToken    string
	Execution    WorkflowExecution
	WorkflowType string
	// PreviousStartedEventID is the DecisionTaskStarted of the last
	// completed decision, or 0.
	PreviousStartedEventID int64
	StartedEventID         int64
	// Events are the events after PreviousStartedEventID up to and including
	// StartedEventID.
	Events []*HistoryEvent
	Query  *WorkflowQuery
}

// WorkflowQuery is a query forwarded to a worker
type WorkflowQuery struct {
	QueryType string
	Args      Payload
}

// ActivityTask asks a worker to run one attempt of an activity
type ActivityTask struct {
	TaskToken           string
	Execution           WorkflowExecution
	WorkflowType        string
	ActivityType        string
	SeqID               int64
	Input               Payload
	Attempt             int
	ScheduledTime       time.Time
	StartedTime         time.Time
	StartToCloseTimeout time.Duration
}

// RespondDecisionTaskCompletedRequest delivers the commands of a decision
type RespondDecisionTaskCompletedRequest struct {
	TaskToken string
	Commands  []*Command
	Identity  string
}

// RespondDecisionTaskFailedRequest reports a decision that could not be made
type RespondDecisionTaskFailedRequest struct {
	TaskToken string
	Cause     string
	Failure   *Failure
	Identity  string
}

// RespondQueryTaskCompletedRequest answers a query task
type RespondQueryTaskCompletedRequest struct {
	TaskToken string
	Result    Payload
	Failure   *Failure
}

// StartWorkflowRequest starts a new run
type StartWorkflowRequest struct {
	Domain           string
	WorkflowID       string
	WorkflowType     string
	Input            Payload
	ExecutionTimeout time.Duration
	RetryPolicy      *retry.Policy
	IDReusePolicy    WorkflowIDReusePolicy
	Identity         string
}

// TaskService is the side of the backing service that workers talk to.
// Poll calls block until a task is available or their poll timeout passes,
// in which case they return a nil task.
type TaskService interface {
	PollForDecisionTask(ctx context.Context, domain, identity string) (*DecisionTask, error)
	RespondDecisionTaskCompleted(ctx context.Context, req *RespondDecisionTaskCompletedRequest) error
	RespondDecisionTaskFailed(ctx context.Context, req *RespondDecisionTaskFailedRequest) error
	RespondQueryTaskCompleted(ctx context.Context, req *RespondQueryTaskCompletedRequest) error

	PollForActivityTask(ctx context.Context, domain, identity string) (*ActivityTask, error)
	RespondActivityTaskCompleted(ctx context.Context, taskToken string, result Payload) error
	RespondActivityTaskFailed(ctx context.Context, taskToken string, failure *Failure) error

	GetWorkflowExecutionHistory(ctx context.Context, execution WorkflowExecution) ([]*HistoryEvent, error)
}

// ClientService is the side of the backing service applications use. An
// execution with an empty RunID addresses the current run of the ID.
type ClientService interface {
	StartWorkflowExecution(ctx context.Context, req *StartWorkflowRequest) (WorkflowExecution, error)
	SignalWorkflowExecution(ctx context.Context, execution WorkflowExecution, signalName string, payload Payload) error
	RequestCancelWorkflowExecution(ctx context.Context, execution WorkflowExecution) error
	TerminateWorkflowExecution(ctx context.Context, execution WorkflowExecution, reason string) error
	QueryWorkflow(ctx context.Context, execution WorkflowExecution, queryType string, args Payload) (Payload, error)
	DescribeWorkflowExecution(ctx context.Context, execution WorkflowExecution) (*ExecutionInfo, error)
	GetWorkflowExecutionHistory(ctx context.Context, execution WorkflowExecution) ([]*HistoryEvent, error)
}

// Service is a complete backing service
type Service interface {
	TaskService
	ClientService
}
