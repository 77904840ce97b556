package durable

import (
	"fmt"
	"time"

	"go.jetify.com/typeid"
)

// NewRunID returns a new identifier for one run of a workflow
func NewRunID() string {
	id, err := typeid.WithPrefix("run")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// WorkflowExecution identifies one run of a workflow. At most one run is open
// per (Domain, WorkflowID) at any time. An empty RunID refers to the current
// run of the workflow.
type WorkflowExecution struct {
	Domain     string `json:"domain" yaml:"domain"`
	WorkflowID string `json:"workflow_id" yaml:"workflow_id"`
	RunID      string `json:"run_id,omitempty" yaml:"run_id,omitempty"`
}

func (e WorkflowExecution) String() string {
	if e.RunID == "" {
		return fmt.Sprintf("%s/%s", e.Domain, e.WorkflowID)
	}
	return fmt.Sprintf("%s/%s/%s", e.Domain, e.WorkflowID, e.RunID)
}

// ExecutionStatus represents the status of a workflow run
type ExecutionStatus string

const (
	ExecutionStatusRunning        ExecutionStatus = "running"
	ExecutionStatusCompleted      ExecutionStatus = "completed"
	ExecutionStatusFailed         ExecutionStatus = "failed"
	ExecutionStatusTimedOut       ExecutionStatus = "timed_out"
	ExecutionStatusTerminated     ExecutionStatus = "terminated"
	ExecutionStatusContinuedAsNew ExecutionStatus = "continued_as_new"
	ExecutionStatusCanceled       ExecutionStatus = "canceled"
)

// IsTerminal reports whether the run is closed. Closed runs never change.
func (s ExecutionStatus) IsTerminal() bool {
	return s != ExecutionStatusRunning && s != ""
}

// Succeeded reports whether the run closed without failing. Workflow ID reuse
// policies are evaluated against this.
func (s ExecutionStatus) Succeeded() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusContinuedAsNew
}

// StatusForEvent maps a closing event to the status it leaves the run in.
func StatusForEvent(t EventType) (ExecutionStatus, bool) {
	switch t {
	case EventWorkflowExecutionCompleted:
		return ExecutionStatusCompleted, true
	case EventWorkflowExecutionFailed:
		return ExecutionStatusFailed, true
	case EventWorkflowExecutionTimedOut:
		return ExecutionStatusTimedOut, true
	case EventWorkflowExecutionTerminated:
		return ExecutionStatusTerminated, true
	case EventWorkflowExecutionContinuedAsNew:
		return ExecutionStatusContinuedAsNew, true
	case EventWorkflowExecutionCanceled:
		return ExecutionStatusCanceled, true
	}
	return "", false
}

// ParentExecution links a child run to the command that started it
type ParentExecution struct {
	Execution WorkflowExecution `json:"execution" yaml:"execution"`
	SeqID     int64             `json:"seq_id" yaml:"seq_id"`
}

// ExecutionInfo summarizes one run of a workflow
type ExecutionInfo struct {
	Execution    WorkflowExecution `json:"execution"`
	WorkflowType string            `json:"workflow_type"`
	Status       ExecutionStatus   `json:"status"`
	StartTime    time.Time         `json:"start_time"`
	CloseTime    time.Time         `json:"close_time,omitempty"`
	Attempt      int               `json:"attempt"`
	Parent       *ParentExecution  `json:"parent,omitempty"`
	LastEventID  int64             `json:"last_event_id"`
	Result       Payload           `json:"result,omitempty"`
	Failure      *Failure          `json:"failure,omitempty"`
	// NextRunID is the run started when this one continued as new.
	NextRunID string `json:"next_run_id,omitempty"`
	// Halted is set when replay diverged from history. A halted run receives
	// no further decision tasks until it is terminated.
	Halted bool `json:"halted,omitempty"`
}

// Duration returns how long the run has been open, or was open if closed.
func (i *ExecutionInfo) Duration(now time.Time) time.Duration {
	if !i.CloseTime.IsZero() {
		return i.CloseTime.Sub(i.StartTime)
	}
	return now.Sub(i.StartTime)
}

// Clone returns a deep enough copy for handing out of a store.
func (i *ExecutionInfo) Clone() *ExecutionInfo {
	c := *i
	if i.Parent != nil {
		p := *i.Parent
		c.Parent = &p
	}
	if i.Failure != nil {
		f := *i.Failure
		c.Failure = &f
	}
	c.Result = append(Payload(nil), i.Result...)
	return &c
}
