package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/phrazzld/studio-queue/internal/redact"
)

// stderrTailLines bounds how much subprocess output is kept on failure.
const stderrTailLines = 20

// Command is a single subprocess invocation.
type Command struct {
	Name string
	Args []string
	// Dir is the working directory. Empty means the runner's default.
	Dir string
}

// String returns the command line for logs and error details.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner executes commands and returns their standard output.
type Runner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// CommandError reports a failed subprocess.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q failed", e.Command)
	if e.ExitCode != 0 {
		msg = fmt.Sprintf("%s with exit code %d", msg, e.ExitCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Err
}

// Details returns the structured error details recorded on a failed task.
func (e *CommandError) Details() map[string]any {
	return map[string]any{
		"command":   redact.Secrets(e.Command),
		"exit_code": e.ExitCode,
		"stderr":    e.Stderr,
	}
}

// ExecRunner runs commands on the host with os/exec.
type ExecRunner struct{}

var _ Runner = ExecRunner{}

// Run implements Runner. The process is killed when ctx is done.
func (ExecRunner) Run(ctx context.Context, cmd Command) ([]byte, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Run(); err != nil {
		cerr := &CommandError{
			Command: cmd.String(),
			Stderr:  redact.Tail(stderr.String(), stderrTailLines),
			Err:     err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			cerr.ExitCode = exitErr.ExitCode()
		}
		if ctxErr := context.Cause(ctx); ctxErr != nil {
			cerr.Err = ctxErr
		}
		return stdout.Bytes(), cerr
	}
	return stdout.Bytes(), nil
}
