package durable

import (
	"errors"
	"fmt"
)

// completionCommand converts the outcome of the workflow function into the
// terminal command of the run.
func (env *environment) completionCommand() *Command {
	seq := env.nextSeq()
	err := env.workflowErr
	if err == nil {
		result, merr := NewPayload(env.workflowResult)
		if merr != nil {
			return &Command{
				Type:    CommandFailWorkflowExecution,
				SeqID:   seq,
				Failure: NewFailure(fmt.Errorf("failed to encode workflow result: %w", merr)),
			}
		}
		return &Command{Type: CommandCompleteWorkflowExecution, SeqID: seq, Payload: result}
	}

	var can *ContinueAsNewError
	if errors.As(err, &can) {
		workflowType := can.WorkflowType
		if workflowType == "" {
			workflowType = env.info.WorkflowType
		}
		return &Command{
			Type:        CommandContinueAsNewWorkflowExecution,
			SeqID:       seq,
			Name:        workflowType,
			Payload:     can.Input,
			Timeout:     env.info.ExecutionTimeout,
			RetryPolicy: env.info.RetryPolicy,
			Attempt:     1,
			Initiator:   InitiatorWorkflow,
		}
	}

	if errors.Is(err, ErrCanceled) && env.rootScope.canceled {
		return &Command{Type: CommandCancelWorkflowExecution, SeqID: seq, Failure: NewFailure(err)}
	}

	failure := NewFailure(err)
	policy := env.info.RetryPolicy
	if delay, ok := policy.NextDelay(env.info.Attempt, failure.Type, failure.NonRetryable, env.now, env.info.ExpirationTime); ok {
		env.logger.Info("workflow attempt failed, retrying",
			"attempt", env.info.Attempt,
			"delay", delay,
			"error", err)
		return &Command{
			Type:        CommandContinueAsNewWorkflowExecution,
			SeqID:       seq,
			Name:        env.info.WorkflowType,
			Payload:     env.input,
			Failure:     failure,
			Duration:    delay,
			Timeout:     env.info.ExecutionTimeout,
			RetryPolicy: policy,
			Attempt:     env.info.Attempt + 1,
			Initiator:   InitiatorRetry,
		}
	}
	return &Command{Type: CommandFailWorkflowExecution, SeqID: seq, Failure: failure}
}
