package durable

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/deepnoodle-ai/durable/retry"
	"github.com/stretchr/testify/require"
)

func TestWorkflowErrorWrapping(t *testing.T) {
	err := NewWorkflowError(ErrorTypeTimeout, "operation timed out")
	require.Equal(t, "timeout: operation timed out", err.Error())
	require.Nil(t, err.Unwrap())

	original := errors.New("network connection failed")
	wrapped := &WorkflowError{Type: "network-error", Cause: original.Error(), Wrapped: original}
	require.Equal(t, "network-error: network connection failed", wrapped.Error())
	require.ErrorIs(t, wrapped, original)

	var wErr *WorkflowError
	require.ErrorAs(t, fmt.Errorf("outer: %w", wrapped), &wErr)
	require.Equal(t, "network-error", wErr.Type)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", context.DeadlineExceeded, ErrorTypeTimeout},
		{"timeout error", NewTimeoutError("start-to-close"), ErrorTypeTimeout},
		{"canceled", NewCanceledError("by parent"), ErrorTypeCanceled},
		{"context canceled", context.Canceled, ErrorTypeCanceled},
		{"panic", &PanicError{Value: "boom"}, ErrorTypePanic},
		{"nondeterminism", &NonDeterminismError{Message: "x"}, ErrorTypeNonDeterminism},
		{"not found", &NotFoundError{Kind: "activity type", Name: "x"}, ErrorTypeNotFound},
		{"already started", &AlreadyStartedError{WorkflowID: "x"}, ErrorTypeAlreadyStarted},
		{"generic", errors.New("something went wrong"), ErrorTypeApplication},
		{"failure", &Failure{Type: "payment-declined", Message: "no funds"}, "payment-declined"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := ClassifyError(tt.err)
			require.Equal(t, tt.want, classified.Type)
			require.ErrorIs(t, classified, tt.err)
		})
	}

	fatal := NewWorkflowError(ErrorTypeFatal, "runtime error")
	require.Same(t, fatal, ClassifyError(fatal))
}

func TestErrorMatching(t *testing.T) {
	timeoutErr := NewWorkflowError(ErrorTypeTimeout, "timeout")
	appErr := errors.New("task failed")
	fatalErr := NewWorkflowError(ErrorTypeFatal, "fatal error")

	require.True(t, MatchesErrorType(timeoutErr, ErrorTypeTimeout))
	require.False(t, MatchesErrorType(timeoutErr, ErrorTypeApplication))
	require.True(t, MatchesErrorType(appErr, ErrorTypeApplication))

	require.True(t, MatchesErrorType(timeoutErr, ErrorTypeAll))
	require.True(t, MatchesErrorType(appErr, ErrorTypeAll))
	require.False(t, MatchesErrorType(fatalErr, ErrorTypeAll), "fatal errors never match the wildcard")
	require.True(t, MatchesErrorType(fatalErr, ErrorTypeFatal))
}

func TestFailureRoundTrip(t *testing.T) {
	require.Nil(t, NewFailure(nil))
	require.Nil(t, (*Failure)(nil).Err())

	t.Run("timeout", func(t *testing.T) {
		f := NewFailure(NewTimeoutError("schedule-to-close"))
		require.Equal(t, ErrorTypeTimeout, f.Type)
		var te *TimeoutError
		require.ErrorAs(t, f.Err(), &te)
	})

	t.Run("canceled", func(t *testing.T) {
		f := NewFailure(NewCanceledError("stop"))
		require.ErrorIs(t, f.Err(), ErrCanceled)
	})

	t.Run("non-retryable", func(t *testing.T) {
		f := NewFailure(retry.NewNonRecoverableError(errors.New("bad input")))
		require.True(t, f.NonRetryable)
		require.Equal(t, "bad input", f.Message)

		require.True(t, NewFailure(NewWorkflowError(ErrorTypeFatal, "x")).NonRetryable)
		require.False(t, NewFailure(errors.New("flaky")).NonRetryable)
	})

	t.Run("custom type", func(t *testing.T) {
		f := NewFailure(&WorkflowError{Type: "payment-declined", Cause: "no funds", Details: map[string]any{"code": 51}})
		require.NotEmpty(t, f.Details)
		require.True(t, MatchesErrorType(f.Err(), "payment-declined"))
	})

	t.Run("already started", func(t *testing.T) {
		f := NewFailure(&AlreadyStartedError{WorkflowID: "order-1", RunID: "r1"})
		require.ErrorIs(t, f.Err(), ErrExecutionAlreadyStarted)
	})

	t.Run("failure passes through", func(t *testing.T) {
		f := &Failure{Type: "x", Message: "y"}
		require.Same(t, f, NewFailure(f))
	})
}

func TestExecutionErrors(t *testing.T) {
	activityErr := &ActivityError{ActivityType: "charge", Failure: &Failure{Type: ErrorTypeTimeout, Message: "too slow"}}
	require.Equal(t, "activity charge failed: timeout: too slow", activityErr.Error())
	var te *TimeoutError
	require.ErrorAs(t, activityErr, &te)

	execErr := &WorkflowExecutionError{
		Execution: WorkflowExecution{Domain: "default", WorkflowID: "w", RunID: "r"},
		Status:    ExecutionStatusFailed,
		Failure:   &Failure{Type: "payment-declined", Message: "no funds"},
	}
	require.Contains(t, execErr.Error(), "default/w/r failed")
	require.True(t, MatchesErrorType(execErr, "payment-declined"))

	require.ErrorIs(t, &NotFoundError{Kind: "workflow type", Name: "x"}, ErrNotFound)
	require.EqualError(t, &NotFoundError{Kind: "workflow type", Name: "x"}, `workflow type "x" not found`)
}
