package durable

import (
	"fmt"
	"time"

	"github.com/deepnoodle-ai/durable/retry"
)

// CommandType names an intent produced by workflow code
type CommandType string

const (
	CommandScheduleActivityTask                   CommandType = "ScheduleActivityTask"
	CommandRequestCancelActivityTask              CommandType = "RequestCancelActivityTask"
	CommandStartTimer                             CommandType = "StartTimer"
	CommandCancelTimer                            CommandType = "CancelTimer"
	CommandStartChildWorkflowExecution            CommandType = "StartChildWorkflowExecution"
	CommandRequestCancelExternalWorkflowExecution CommandType = "RequestCancelExternalWorkflowExecution"
	CommandSignalExternalWorkflowExecution        CommandType = "SignalExternalWorkflowExecution"
	CommandRecordMarker                           CommandType = "RecordMarker"
	CommandCompleteWorkflowExecution              CommandType = "CompleteWorkflowExecution"
	CommandFailWorkflowExecution                  CommandType = "FailWorkflowExecution"
	CommandCancelWorkflowExecution                CommandType = "CancelWorkflowExecution"
	CommandContinueAsNewWorkflowExecution         CommandType = "ContinueAsNewWorkflowExecution"
)

var commandEvents = map[CommandType]EventType{
	CommandScheduleActivityTask:                   EventActivityTaskScheduled,
	CommandRequestCancelActivityTask:              EventActivityTaskCancelRequested,
	CommandStartTimer:                             EventTimerStarted,
	CommandCancelTimer:                            EventTimerCanceled,
	CommandStartChildWorkflowExecution:            EventStartChildWorkflowExecutionInitiated,
	CommandRequestCancelExternalWorkflowExecution: EventRequestCancelExternalWorkflowExecutionInitiated,
	CommandSignalExternalWorkflowExecution:        EventSignalExternalWorkflowExecutionInitiated,
	CommandRecordMarker:                           EventMarkerRecorded,
	CommandCompleteWorkflowExecution:              EventWorkflowExecutionCompleted,
	CommandFailWorkflowExecution:                  EventWorkflowExecutionFailed,
	CommandCancelWorkflowExecution:                EventWorkflowExecutionCanceled,
	CommandContinueAsNewWorkflowExecution:         EventWorkflowExecutionContinuedAsNew,
}

var eventCommands = func() map[EventType]CommandType {
	m := make(map[EventType]CommandType, len(commandEvents))
	for c, e := range commandEvents {
		m[e] = c
	}
	return m
}()

// EventType returns the type of the event the command is recorded as.
func (t CommandType) EventType() EventType {
	return commandEvents[t]
}

// IsTerminal reports whether the command closes the run
func (t CommandType) IsTerminal() bool {
	switch t {
	case CommandCompleteWorkflowExecution, CommandFailWorkflowExecution,
		CommandCancelWorkflowExecution, CommandContinueAsNewWorkflowExecution:
		return true
	}
	return false
}

// CommandTypeForEvent returns the command an event records, if any.
func CommandTypeForEvent(t EventType) (CommandType, bool) {
	c, ok := eventCommands[t]
	return c, ok
}

// Command is an intent produced by workflow code during one decision pass.
// It becomes durable once the backing service records it as an event.
type Command struct {
	Type  CommandType `json:"type" yaml:"type"`
	SeqID int64       `json:"seq_id,omitempty" yaml:"seq_id,omitempty"`
	// Name holds the activity type, workflow type, signal name or marker name.
	Name    string   `json:"name,omitempty" yaml:"name,omitempty"`
	Payload Payload  `json:"payload,omitempty" yaml:"payload,omitempty"`
	Failure *Failure `json:"failure,omitempty" yaml:"failure,omitempty"`

	Duration            time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	Timeout             time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	StartToCloseTimeout time.Duration `json:"start_to_close_timeout,omitempty" yaml:"start_to_close_timeout,omitempty"`
	RetryPolicy         *retry.Policy `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`

	Execution     *WorkflowExecution     `json:"execution,omitempty" yaml:"execution,omitempty"`
	IDReusePolicy WorkflowIDReusePolicy  `json:"id_reuse_policy,omitempty" yaml:"id_reuse_policy,omitempty"`
	Attempt       int                    `json:"attempt,omitempty" yaml:"attempt,omitempty"`
	Initiator     ContinueAsNewInitiator `json:"initiator,omitempty" yaml:"initiator,omitempty"`
}

func (c *Command) String() string {
	if c.Name != "" {
		return fmt.Sprintf("%s(seq=%d, name=%s)", c.Type, c.SeqID, c.Name)
	}
	return fmt.Sprintf("%s(seq=%d)", c.Type, c.SeqID)
}

// ToEvent converts the command into the event recording it. The ID and
// timestamp are assigned by the caller.
func (c *Command) ToEvent() *HistoryEvent {
	return &HistoryEvent{
		Type:                c.Type.EventType(),
		SeqID:               c.SeqID,
		Name:                c.Name,
		Payload:             c.Payload,
		Failure:             c.Failure,
		Duration:            c.Duration,
		Timeout:             c.Timeout,
		StartToCloseTimeout: c.StartToCloseTimeout,
		RetryPolicy:         c.RetryPolicy,
		Execution:           c.Execution,
		Attempt:             c.Attempt,
		Initiator:           c.Initiator,
	}
}

// matchesEvent reports whether the event records this command. Commands and
// events correspond by type, sequence number and name.
func (c *Command) matchesEvent(e *HistoryEvent) bool {
	return c.Type.EventType() == e.Type && c.SeqID == e.SeqID && c.Name == e.Name
}
