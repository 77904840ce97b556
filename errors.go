package durable

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/durable/retry"
)

// Error type constants for classification and matching
const (
	// ErrorTypeAll acts as a wildcard that matches any error except fatal errors
	ErrorTypeAll = "all"

	// ErrorTypeApplication is the classification of errors returned by
	// workflow or activity code that carry no explicit type.
	ErrorTypeApplication = "application_error"

	// ErrorTypeTimeout matches an await point or activity that ran past its deadline
	ErrorTypeTimeout = "timeout"

	// ErrorTypeCanceled matches an operation canceled by workflow code or by
	// a cancellation request.
	ErrorTypeCanceled = "canceled"

	// ErrorTypePanic matches a panic recovered from workflow or activity code
	ErrorTypePanic = "panic"

	// ErrorTypeFatal indicates an error that must never be retried. By default
	// unknown errors are classified as application errors so they stay
	// retryable; errors that should not be retried carry type=ErrorTypeFatal.
	ErrorTypeFatal = "fatal_error"

	ErrorTypeNonDeterminism = "nondeterminism"
	ErrorTypeNotFound       = "not_found"
	ErrorTypeAlreadyStarted = "already_started"
)

var (
	// ErrNotFound is returned when a workflow, activity, signal or query
	// target does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExecutionAlreadyStarted is returned when starting a workflow whose ID
	// is held by an open run, or by a closed run the reuse policy rejects.
	ErrExecutionAlreadyStarted = errors.New("workflow execution already started")

	// ErrCanceled is matched by every CanceledError.
	ErrCanceled = errors.New("canceled")

	// ErrCommandInQuery is returned when a query handler tries to issue a
	// command.
	ErrCommandInQuery = errors.New("commands cannot be issued while answering a query")
)

// WorkflowError represents a structured error with classification
// It supports Go's error wrapping patterns with Unwrap() method
type WorkflowError struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Details any    `json:"details,omitempty"`
	Wrapped error  `json:"-"` // Original error being wrapped
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

// Unwrap implements the error unwrapping interface for Go's errors.Is and errors.As
func (e *WorkflowError) Unwrap() error {
	return e.Wrapped
}

// NewWorkflowError creates a new WorkflowError with the specified type and cause.
// The type can be any user-defined string e.g. "network-error". The important
// thing is that it may be matched against the non-retryable reasons of a
// retry policy.
func NewWorkflowError(errorType, cause string) *WorkflowError {
	return &WorkflowError{
		Type:  errorType,
		Cause: cause,
	}
}

// ClassifyError attempts to classify a regular error into a WorkflowError
func ClassifyError(err error) *WorkflowError {
	var workflowError *WorkflowError
	if errors.As(err, &workflowError) {
		return workflowError
	}
	var failure *Failure
	if errors.As(err, &failure) {
		return &WorkflowError{Type: failure.Type, Cause: failure.Message, Wrapped: err}
	}
	errType := ErrorTypeApplication
	var timeoutErr *TimeoutError
	var panicErr *PanicError
	var ndErr *NonDeterminismError
	switch {
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		errType = ErrorTypeTimeout
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		errType = ErrorTypeCanceled
	case errors.As(err, &panicErr):
		errType = ErrorTypePanic
	case errors.As(err, &ndErr):
		errType = ErrorTypeNonDeterminism
	case errors.Is(err, ErrNotFound):
		errType = ErrorTypeNotFound
	case errors.Is(err, ErrExecutionAlreadyStarted):
		errType = ErrorTypeAlreadyStarted
	case strings.Contains(strings.ToLower(err.Error()), "timeout"):
		errType = ErrorTypeTimeout
	}
	return &WorkflowError{
		Type:    errType,
		Cause:   err.Error(),
		Wrapped: err,
	}
}

// MatchesErrorType checks if an error matches a specified error type pattern
func MatchesErrorType(err error, errorType string) bool {
	wErr := ClassifyError(err)
	// Fatal errors are only matched by the ErrorTypeFatal pattern
	if wErr.Type == ErrorTypeFatal {
		return errorType == ErrorTypeFatal
	}
	if errorType == ErrorTypeAll {
		return true
	}
	// Arbitrary error type strings are compared verbatim.
	return wErr.Type == errorType
}

// Failure is the serialized form of an error as recorded in history
type Failure struct {
	Type         string  `json:"type" yaml:"type"`
	Message      string  `json:"message" yaml:"message"`
	Details      Payload `json:"details,omitempty" yaml:"details,omitempty"`
	NonRetryable bool    `json:"non_retryable,omitempty" yaml:"non_retryable,omitempty"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Type, f.Message)
}

// NewFailure converts an error into its recorded form. Returns nil for nil.
func NewFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	if f, ok := err.(*Failure); ok {
		return f
	}
	wErr := ClassifyError(err)
	f := &Failure{
		Type:         wErr.Type,
		Message:      err.Error(),
		NonRetryable: wErr.Type == ErrorTypeFatal || isNonRetryable(err),
	}
	if wErr.Details != nil {
		if details, derr := NewPayload(wErr.Details); derr == nil {
			f.Details = details
		}
	}
	return f
}

func isNonRetryable(err error) bool {
	var nr *retry.NonRecoverableError
	return errors.As(err, &nr)
}

// Err converts a recorded failure back into an error. The concrete type is
// restored for timeout, canceled and panic failures.
func (f *Failure) Err() error {
	if f == nil {
		return nil
	}
	switch f.Type {
	case ErrorTypeTimeout:
		return &TimeoutError{Message: f.Message, Failure: f}
	case ErrorTypeCanceled:
		return &CanceledError{Message: f.Message}
	case ErrorTypePanic:
		return &PanicError{Value: f.Message}
	case ErrorTypeNotFound:
		return &NotFoundError{Message: f.Message}
	case ErrorTypeAlreadyStarted:
		return fmt.Errorf("%s: %w", f.Message, ErrExecutionAlreadyStarted)
	}
	return &WorkflowError{Type: f.Type, Cause: f.Message, Details: f.Details, Wrapped: f}
}

// NonDeterminismError reports that workflow code diverged from its recorded
// history. It is fatal to the execution and never retried automatically.
type NonDeterminismError struct {
	EventID int64
	Message string
}

func (e *NonDeterminismError) Error() string {
	if e.EventID > 0 {
		return fmt.Sprintf("nondeterministic workflow at event %d: %s", e.EventID, e.Message)
	}
	return fmt.Sprintf("nondeterministic workflow: %s", e.Message)
}

func newNonDeterminismError(e *HistoryEvent, format string, args ...any) *NonDeterminismError {
	err := &NonDeterminismError{Message: fmt.Sprintf(format, args...)}
	if e != nil {
		err.EventID = e.ID
	}
	return err
}

// ActivityError is returned to workflow code when an activity failed after
// exhausting its retry policy.
type ActivityError struct {
	ActivityType string
	SeqID        int64
	Failure      *Failure
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s failed: %s", e.ActivityType, e.Failure.Error())
}

func (e *ActivityError) Unwrap() error {
	return e.Failure.Err()
}

// ChildWorkflowError is returned to workflow code when a child workflow did
// not complete successfully.
type ChildWorkflowError struct {
	WorkflowType string
	Execution    WorkflowExecution
	Status       ExecutionStatus
	Cause        error
}

func (e *ChildWorkflowError) Error() string {
	return fmt.Sprintf("child workflow %s (%s) %s: %v", e.WorkflowType, e.Execution.WorkflowID, e.Status, e.Cause)
}

func (e *ChildWorkflowError) Unwrap() error {
	return e.Cause
}

// WorkflowExecutionError is returned to clients waiting on a run that did
// not complete successfully.
type WorkflowExecutionError struct {
	Execution WorkflowExecution
	Status    ExecutionStatus
	Failure   *Failure
}

func (e *WorkflowExecutionError) Error() string {
	if e.Failure == nil {
		return fmt.Sprintf("workflow %s %s", e.Execution, e.Status)
	}
	return fmt.Sprintf("workflow %s %s: %s", e.Execution, e.Status, e.Failure.Error())
}

func (e *WorkflowExecutionError) Unwrap() error {
	return e.Failure.Err()
}

// TimeoutError is delivered to an await point that exceeded its deadline
type TimeoutError struct {
	Message string
	Failure *Failure
}

func (e *TimeoutError) Error() string {
	return "timeout: " + e.Message
}

// NewTimeoutError returns a TimeoutError with the given message
func NewTimeoutError(format string, args ...any) *TimeoutError {
	return &TimeoutError{Message: fmt.Sprintf(format, args...)}
}

// CanceledError is delivered to operations canceled by their scope
type CanceledError struct {
	Message string
}

func (e *CanceledError) Error() string {
	if e.Message == "" {
		return "canceled"
	}
	return "canceled: " + e.Message
}

func (e *CanceledError) Is(target error) bool {
	return target == ErrCanceled
}

// NewCanceledError returns a CanceledError with the given message
func NewCanceledError(format string, args ...any) *CanceledError {
	return &CanceledError{Message: fmt.Sprintf(format, args...)}
}

// PanicError wraps a value recovered from a panic in workflow code
type PanicError struct {
	Value      any
	StackTrace string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("workflow panic: %v", e.Value)
}

// NotFoundError reports a missing workflow, activity, signal or query target
type NotFoundError struct {
	Kind    string
	Name    string
	Message string
}

func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// AlreadyStartedError carries the run holding a workflow ID
type AlreadyStartedError struct {
	WorkflowID string
	RunID      string
}

func (e *AlreadyStartedError) Error() string {
	return fmt.Sprintf("workflow %q already started (run %s)", e.WorkflowID, e.RunID)
}

func (e *AlreadyStartedError) Is(target error) bool {
	return target == ErrExecutionAlreadyStarted
}

// ContinueAsNewError asks the engine to close the run and start a new one
// with the same workflow ID. Return it from workflow code.
type ContinueAsNewError struct {
	WorkflowType string
	Input        Payload
}

func (e *ContinueAsNewError) Error() string {
	return fmt.Sprintf("continue as new: %s", e.WorkflowType)
}

// NewContinueAsNewError returns an error that continues the current workflow
// as a new run with the given input.
func NewContinueAsNewError(ctx Context, input any) error {
	payload, err := NewPayload(input)
	if err != nil {
		return err
	}
	return &ContinueAsNewError{WorkflowType: ctx.Info().WorkflowType, Input: payload}
}
