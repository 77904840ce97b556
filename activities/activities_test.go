package activities

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/retry"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, a durable.Activity, attempt int, input any) (any, error) {
	t.Helper()
	ctx := durable.NewActivityContext(context.Background(), durable.ActivityInfo{
		ActivityType: a.Name(),
		Attempt:      attempt,
	}, nil)
	return a.Execute(ctx, durable.MustPayload(input))
}

func isNonRetryable(err error) bool {
	var nr *retry.NonRecoverableError
	return errors.As(err, &nr)
}

func TestRegister(t *testing.T) {
	r := durable.NewRegistry()
	require.NoError(t, Register(r))
	require.ElementsMatch(t, []string{TypeHTTP, TypeShell, TypeFile, TypeScript, TypeSleep, TypeFail}, r.Activities())
	require.Error(t, Register(r), "registering twice")
}

func TestHTTPActivity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json":
			if r.Header.Get("Content-Type") != "application/json" {
				w.WriteHeader(http.StatusUnsupportedMediaType)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true}`))
		case "/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			_, _ = w.Write([]byte("hello " + r.Method))
		}
	}))
	defer srv.Close()
	a := NewHTTPActivity()

	t.Run("plain get", func(t *testing.T) {
		out, err := execute(t, a, 1, HTTPInput{URL: srv.URL + "/"})
		require.NoError(t, err)
		resp := out.(HTTPOutput)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "hello GET", resp.Body)
	})

	t.Run("json post", func(t *testing.T) {
		out, err := execute(t, a, 1, HTTPInput{URL: srv.URL + "/json", Method: "post", JSON: map[string]int{"n": 1}})
		require.NoError(t, err)
		require.Equal(t, map[string]any{"ok": true}, out.(HTTPOutput).JSON)
	})

	t.Run("server errors", func(t *testing.T) {
		out, err := execute(t, a, 1, HTTPInput{URL: srv.URL + "/broken"})
		require.NoError(t, err)
		require.Equal(t, http.StatusBadGateway, out.(HTTPOutput).StatusCode)

		_, err = execute(t, a, 1, HTTPInput{URL: srv.URL + "/broken", FailOnStatus: true})
		require.Error(t, err)
		require.False(t, isNonRetryable(err))
	})

	t.Run("missing url", func(t *testing.T) {
		_, err := execute(t, a, 1, HTTPInput{})
		require.True(t, isNonRetryable(err))
	})
}

func TestShellActivity(t *testing.T) {
	a := NewShellActivity()

	t.Run("captures output", func(t *testing.T) {
		out, err := execute(t, a, 1, ShellInput{Command: "sh", Args: []string{"-c", "echo $GREETING; echo oops >&2"}, Env: map[string]string{"GREETING": "hi"}})
		require.NoError(t, err)
		require.Equal(t, ShellOutput{Stdout: "hi", Stderr: "oops"}, out)
	})

	t.Run("exit code", func(t *testing.T) {
		out, err := execute(t, a, 1, ShellInput{Command: "sh", Args: []string{"-c", "exit 3"}})
		require.NoError(t, err)
		require.Equal(t, 3, out.(ShellOutput).ExitCode)

		_, err = execute(t, a, 1, ShellInput{Command: "sh", Args: []string{"-c", "exit 3"}, FailOnExit: true})
		require.ErrorContains(t, err, "exited with code 3")
	})

	t.Run("missing command", func(t *testing.T) {
		_, err := execute(t, a, 1, ShellInput{})
		require.True(t, isNonRetryable(err))
	})
}

func TestFileActivity(t *testing.T) {
	a := NewFileActivity()
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.txt")

	_, err := execute(t, a, 1, FileInput{Operation: FileWrite, Path: path, Content: "one", CreateDirs: true})
	require.NoError(t, err)
	_, err = execute(t, a, 1, FileInput{Operation: FileAppend, Path: path, Content: " two"})
	require.NoError(t, err)

	out, err := execute(t, a, 1, FileInput{Operation: FileRead, Path: path})
	require.NoError(t, err)
	require.Equal(t, "one two", out.(FileOutput).Content)

	out, err = execute(t, a, 1, FileInput{Operation: FileList, Path: dir})
	require.NoError(t, err)
	require.Equal(t, []string{"nested/"}, out.(FileOutput).Entries)

	for range 2 {
		_, err = execute(t, a, 1, FileInput{Operation: FileDelete, Path: path})
		require.NoError(t, err)
	}
	out, err = execute(t, a, 1, FileInput{Operation: FileExists, Path: path})
	require.NoError(t, err)
	require.False(t, out.(FileOutput).Exists)
	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))

	t.Run("bad input", func(t *testing.T) {
		_, err := execute(t, a, 1, FileInput{Operation: "chmod", Path: path})
		require.True(t, isNonRetryable(err))
		_, err = execute(t, a, 1, FileInput{Operation: FileWrite, Path: path, Mode: "rw"})
		require.True(t, isNonRetryable(err))
	})
}

func TestSleepActivity(t *testing.T) {
	a := NewSleepActivity()
	out, err := execute(t, a, 1, SleepInput{Duration: time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, "slept for 1ms", out)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Execute(durable.NewActivityContext(ctx, durable.ActivityInfo{}, nil), durable.MustPayload(SleepInput{Duration: time.Hour}))
	require.ErrorIs(t, err, context.Canceled)
}

func TestFailActivity(t *testing.T) {
	a := NewFailActivity()
	_, err := execute(t, a, 1, FailInput{SucceedOnAttempt: 3})
	require.EqualError(t, err, "intentional failure")
	require.False(t, isNonRetryable(err))

	out, err := execute(t, a, 3, FailInput{SucceedOnAttempt: 3})
	require.NoError(t, err)
	require.Equal(t, 3, out)

	_, err = execute(t, a, 1, FailInput{Message: "nope", NonRetryable: true})
	require.True(t, isNonRetryable(err))
	require.True(t, durable.NewFailure(err).NonRetryable)
}

func TestScriptActivity(t *testing.T) {
	a := NewScriptActivity()

	t.Run("code", func(t *testing.T) {
		// Vars pass through JSON, so numbers arrive as floats.
		out, err := execute(t, a, 1, ScriptInput{
			Code: `len(items)`,
			Vars: map[string]any{"items": []any{"a", "b", "c"}},
		})
		require.NoError(t, err)
		result := out.(ScriptOutput)
		require.Equal(t, int64(3), result.Value)
		require.Equal(t, "3", result.Text)
		require.True(t, result.Truthy)

		out, err = execute(t, a, 1, ScriptInput{Code: `name + "!"`, Vars: map[string]any{"name": "Ada"}})
		require.NoError(t, err)
		require.Equal(t, "Ada!", out.(ScriptOutput).Value)
	})

	t.Run("template", func(t *testing.T) {
		out, err := execute(t, a, 1, ScriptInput{
			Template: "order ${id} is ${status}",
			Vars:     map[string]any{"id": "A-1", "status": "paid"},
		})
		require.NoError(t, err)
		require.Equal(t, "order A-1 is paid", out.(ScriptOutput).Text)
	})

	t.Run("invalid input", func(t *testing.T) {
		_, err := execute(t, a, 1, ScriptInput{})
		require.True(t, isNonRetryable(err))
		_, err = execute(t, a, 1, ScriptInput{Code: "1", Template: "x"})
		require.True(t, isNonRetryable(err))
		_, err = execute(t, a, 1, ScriptInput{Code: "undefined_name"})
		require.True(t, isNonRetryable(err))
	})
}
