package activities

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/deepnoodle-ai/durable"
)

// ShellInput describes a command to run. The command is executed directly,
// not through a shell.
type ShellInput struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	// FailOnExit fails the attempt when the command exits non-zero.
	FailOnExit bool `json:"fail_on_exit,omitempty"`
}

// ShellOutput is the recorded result of a command
type ShellOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// NewShellActivity returns the "shell" activity. The command is killed when
// the attempt deadline passes.
func NewShellActivity() durable.Activity {
	return durable.TypedActivityFunction(TypeShell, runShell)
}

func runShell(ctx durable.ActivityContext, in ShellInput) (ShellOutput, error) {
	if in.Command == "" {
		return ShellOutput{}, invalidInput("command is required")
	}
	cmd := exec.CommandContext(ctx, in.Command, in.Args...)
	cmd.Dir = in.Dir
	if len(in.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range in.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := ShellOutput{
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		out.ExitCode = exitErr.ExitCode()
		if in.FailOnExit {
			return out, fmt.Errorf("%s exited with code %d: %s", in.Command, out.ExitCode, out.Stderr)
		}
	default:
		return out, fmt.Errorf("run %s: %w", in.Command, err)
	}
	ctx.Logger().Debug("command finished", "command", in.Command, "exit_code", out.ExitCode)
	return out, nil
}
