package activities

import (
	"errors"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/retry"
)

// FailInput configures the "fail" activity
type FailInput struct {
	Message string `json:"message,omitempty"`
	// SucceedOnAttempt makes attempts from this number on succeed. Zero
	// fails every attempt.
	SucceedOnAttempt int  `json:"succeed_on_attempt,omitempty"`
	NonRetryable     bool `json:"non_retryable,omitempty"`
}

// NewFailActivity returns the "fail" activity, which fails on purpose. It
// is used to exercise retry policies.
func NewFailActivity() durable.Activity {
	return durable.TypedActivityFunction(TypeFail, func(ctx durable.ActivityContext, in FailInput) (int, error) {
		attempt := ctx.Info().Attempt
		if in.SucceedOnAttempt > 0 && attempt >= in.SucceedOnAttempt {
			return attempt, nil
		}
		msg := in.Message
		if msg == "" {
			msg = "intentional failure"
		}
		if in.NonRetryable {
			return attempt, retry.NewNonRecoverableError(errors.New(msg))
		}
		return attempt, errors.New(msg)
	})
}
