package activities

import (
	"fmt"
	"time"

	"github.com/deepnoodle-ai/durable"
)

// SleepInput is the time to sleep in an activity. Workflows that only need
// to wait should use a timer instead.
type SleepInput struct {
	Duration time.Duration `json:"duration"`
}

// NewSleepActivity returns the "sleep" activity
func NewSleepActivity() durable.Activity {
	return durable.TypedActivityFunction(TypeSleep, func(ctx durable.ActivityContext, in SleepInput) (string, error) {
		if in.Duration <= 0 {
			return "", invalidInput("duration must be positive")
		}
		t := time.NewTimer(in.Duration)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
			return fmt.Sprintf("slept for %s", in.Duration), nil
		}
	})
}
