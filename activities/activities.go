// Package activities provides general purpose activities: HTTP requests,
// shell commands, file operations, Risor scripts, sleeps and deliberate
// failures.
// Register adds all of them to a Registry.
package activities

import (
	"fmt"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/retry"
)

// Activity types registered by Register
const (
	TypeHTTP   = "http"
	TypeShell  = "shell"
	TypeFile   = "file"
	TypeScript = "script"
	TypeSleep  = "sleep"
	TypeFail   = "fail"
)

// All returns every built-in activity
func All() []durable.Activity {
	return []durable.Activity{
		NewHTTPActivity(),
		NewShellActivity(),
		NewFileActivity(),
		NewScriptActivity(),
		NewSleepActivity(),
		NewFailActivity(),
	}
}

// Register adds the built-in activities to r
func Register(r *durable.Registry) error {
	for _, a := range All() {
		if err := r.RegisterActivity(a); err != nil {
			return err
		}
	}
	return nil
}

// invalidInput fails the attempt without retries. Bad input does not get
// better on a second attempt.
func invalidInput(format string, args ...any) error {
	return retry.NewNonRecoverableError(fmt.Errorf(format, args...))
}
