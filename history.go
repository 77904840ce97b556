package durable

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/deepnoodle-ai/durable/retry"
	"gopkg.in/yaml.v3"
)

// EventType names one kind of state transition in a workflow history
type EventType string

const (
	EventWorkflowExecutionStarted         EventType = "WorkflowExecutionStarted"
	EventWorkflowExecutionCompleted       EventType = "WorkflowExecutionCompleted"
	EventWorkflowExecutionFailed          EventType = "WorkflowExecutionFailed"
	EventWorkflowExecutionTimedOut        EventType = "WorkflowExecutionTimedOut"
	EventWorkflowExecutionTerminated      EventType = "WorkflowExecutionTerminated"
	EventWorkflowExecutionContinuedAsNew  EventType = "WorkflowExecutionContinuedAsNew"
	EventWorkflowExecutionCanceled        EventType = "WorkflowExecutionCanceled"
	EventWorkflowExecutionSignaled        EventType = "WorkflowExecutionSignaled"
	EventWorkflowExecutionCancelRequested EventType = "WorkflowExecutionCancelRequested"

	EventDecisionTaskStarted   EventType = "DecisionTaskStarted"
	EventDecisionTaskCompleted EventType = "DecisionTaskCompleted"
	EventDecisionTaskFailed    EventType = "DecisionTaskFailed"
	EventDecisionTaskTimedOut  EventType = "DecisionTaskTimedOut"

	EventActivityTaskScheduled       EventType = "ActivityTaskScheduled"
	EventActivityTaskCompleted       EventType = "ActivityTaskCompleted"
	EventActivityTaskFailed          EventType = "ActivityTaskFailed"
	EventActivityTaskTimedOut        EventType = "ActivityTaskTimedOut"
	EventActivityTaskCancelRequested EventType = "ActivityTaskCancelRequested"
	EventActivityTaskCanceled        EventType = "ActivityTaskCanceled"

	EventTimerStarted  EventType = "TimerStarted"
	EventTimerFired    EventType = "TimerFired"
	EventTimerCanceled EventType = "TimerCanceled"

	EventStartChildWorkflowExecutionInitiated EventType = "StartChildWorkflowExecutionInitiated"
	EventStartChildWorkflowExecutionFailed    EventType = "StartChildWorkflowExecutionFailed"
	EventChildWorkflowExecutionStarted        EventType = "ChildWorkflowExecutionStarted"
	EventChildWorkflowExecutionCompleted      EventType = "ChildWorkflowExecutionCompleted"
	EventChildWorkflowExecutionFailed         EventType = "ChildWorkflowExecutionFailed"
	EventChildWorkflowExecutionTimedOut       EventType = "ChildWorkflowExecutionTimedOut"
	EventChildWorkflowExecutionCanceled       EventType = "ChildWorkflowExecutionCanceled"
	EventChildWorkflowExecutionTerminated     EventType = "ChildWorkflowExecutionTerminated"

	EventRequestCancelExternalWorkflowExecutionInitiated EventType = "RequestCancelExternalWorkflowExecutionInitiated"
	EventExternalWorkflowExecutionCancelRequested        EventType = "ExternalWorkflowExecutionCancelRequested"
	EventRequestCancelExternalWorkflowExecutionFailed    EventType = "RequestCancelExternalWorkflowExecutionFailed"

	EventSignalExternalWorkflowExecutionInitiated EventType = "SignalExternalWorkflowExecutionInitiated"
	EventExternalWorkflowExecutionSignaled        EventType = "ExternalWorkflowExecutionSignaled"
	EventSignalExternalWorkflowExecutionFailed    EventType = "SignalExternalWorkflowExecutionFailed"

	EventMarkerRecorded EventType = "MarkerRecorded"
)

// IsDecisionOutcome reports whether the event closes a decision task
func (t EventType) IsDecisionOutcome() bool {
	return t == EventDecisionTaskCompleted || t == EventDecisionTaskFailed || t == EventDecisionTaskTimedOut
}

// IsCommand reports whether the event records a command issued by workflow code
func (t EventType) IsCommand() bool {
	_, ok := eventCommands[t]
	return ok
}

// IsClosing reports whether the event closes the run
func (t EventType) IsClosing() bool {
	_, ok := StatusForEvent(t)
	return ok
}

// ContinueAsNewInitiator records why a run continued as new
type ContinueAsNewInitiator string

const (
	InitiatorWorkflow ContinueAsNewInitiator = "workflow"
	InitiatorRetry    ContinueAsNewInitiator = "retry"
)

// Decision task failure causes
const (
	CauseNondeterminism   = "nondeterminism"
	CauseWorkflowFailure  = "workflow_worker_unhandled_failure"
	CauseUnknownWorkflow  = "unknown_workflow_type"
	CauseUnhandledEvents  = "unhandled_events"
	CauseBadCommand       = "bad_command"
	CauseRunTerminated    = "run_terminated"
	CauseDecisionTimedOut = "decision_timed_out"
)

// HistoryEvent is one immutable entry in a workflow history. Only the fields
// relevant to its Type are populated.
type HistoryEvent struct {
	// ID is the position of the event in the history, starting at 1.
	ID        int64     `json:"id" yaml:"id"`
	Type      EventType `json:"type" yaml:"type"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`

	// SeqID is the sequence number of the command the event belongs to.
	SeqID int64 `json:"seq_id,omitempty" yaml:"seq_id,omitempty"`

	// Name holds the workflow type, activity type, signal name or marker name.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	Payload Payload  `json:"payload,omitempty" yaml:"payload,omitempty"`
	Failure *Failure `json:"failure,omitempty" yaml:"failure,omitempty"`

	// Duration is a timer duration, or the delay before the first decision of
	// a run started by a retry.
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`

	// Timeout is an activity schedule-to-close timeout or an execution timeout.
	Timeout             time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	StartToCloseTimeout time.Duration `json:"start_to_close_timeout,omitempty" yaml:"start_to_close_timeout,omitempty"`

	// Execution is the target of a child, signal or cancel event, or the new
	// run of a continue-as-new event.
	Execution *WorkflowExecution `json:"execution,omitempty" yaml:"execution,omitempty"`
	Parent    *ParentExecution   `json:"parent,omitempty" yaml:"parent,omitempty"`

	Attempt        int                    `json:"attempt,omitempty" yaml:"attempt,omitempty"`
	RetryPolicy    *retry.Policy          `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
	ExpirationTime time.Time              `json:"expiration_time,omitempty" yaml:"expiration_time,omitempty"`
	Initiator      ContinueAsNewInitiator `json:"initiator,omitempty" yaml:"initiator,omitempty"`
	Identity       string                 `json:"identity,omitempty" yaml:"identity,omitempty"`
	Cause          string                 `json:"cause,omitempty" yaml:"cause,omitempty"`
}

func (e *HistoryEvent) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s", e.ID, e.Type)
	if e.SeqID != 0 {
		fmt.Fprintf(&b, " seq=%d", e.SeqID)
	}
	if e.Name != "" {
		fmt.Fprintf(&b, " name=%s", e.Name)
	}
	return b.String()
}

// History is the append-only, totally ordered event log of one run. It is
// safe for concurrent use.
type History struct {
	mu     sync.RWMutex
	events []*HistoryEvent
}

// NewHistory returns a history holding the given events.
func NewHistory(events ...*HistoryEvent) (*History, error) {
	h := &History{}
	if err := h.Append(events...); err != nil {
		return nil, err
	}
	return h, nil
}

// Append adds events to the end of the history. Event IDs must continue the
// existing sequence without gaps.
func (h *History) Append(events ...*HistoryEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := ValidateEvents(int64(len(h.events)), events); err != nil {
		return err
	}
	h.events = append(h.events, events...)
	return nil
}

// Events returns a snapshot of all events.
func (h *History) Events() []*HistoryEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*HistoryEvent(nil), h.events...)
}

// After returns the events with IDs greater than afterID.
func (h *History) After(afterID int64) []*HistoryEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if afterID < 0 {
		afterID = 0
	}
	if afterID >= int64(len(h.events)) {
		return nil
	}
	return append([]*HistoryEvent(nil), h.events[afterID:]...)
}

// Len returns the number of events.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.events)
}

// LastEventID returns the ID of the newest event, or 0 if empty.
func (h *History) LastEventID() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return int64(len(h.events))
}

// ValidateEvents checks that events continue a history whose newest event
// has ID lastID.
func ValidateEvents(lastID int64, events []*HistoryEvent) error {
	for i, e := range events {
		if e == nil {
			return fmt.Errorf("event %d is nil", i)
		}
		want := lastID + int64(i) + 1
		if e.ID != want {
			return fmt.Errorf("event out of order: want id %d, got %d", want, e.ID)
		}
		if e.Type == "" {
			return fmt.Errorf("event %d has no type", e.ID)
		}
	}
	return nil
}

// TruncateEvents returns the prefix of events up to and including lastID.
func TruncateEvents(events []*HistoryEvent, lastID int64) []*HistoryEvent {
	for i, e := range events {
		if e.ID > lastID {
			return events[:i]
		}
	}
	return events
}

// LoadHistoryFile reads a history from a JSON or YAML file. The format is
// chosen by the file extension.
func LoadHistoryFile(path string) ([]*HistoryEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read history file: %w", err)
	}
	var events []*HistoryEvent
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &events)
	default:
		err = json.Unmarshal(data, &events)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse history file %s: %w", path, err)
	}
	if err := ValidateEvents(0, events); err != nil {
		return nil, fmt.Errorf("invalid history file %s: %w", path, err)
	}
	return events, nil
}

// WriteHistoryFile writes events as indented JSON, or YAML when the path has
// a YAML extension.
func WriteHistoryFile(path string, events []*HistoryEvent) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(events)
	default:
		data, err = json.MarshalIndent(events, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write history file: %w", err)
	}
	return nil
}
