package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/log"
	"github.com/pithecene-io/kilnbox/plugin"
	"github.com/pithecene-io/kilnbox/sandbox"
)

// defaultCommandTimeout bounds shell commands when the permission spec
// leaves the per-command timeout unset.
const defaultCommandTimeout = 2 * time.Minute

// maxShellCapture bounds captured stdout/stderr per stream.
const maxShellCapture = 1 << 20

// GuardedShell runs subprocess commands under the execution's shell
// permissions: allow/deny decision, dangerous-command confirmation,
// concurrency slots, per-command timeout. The subprocess sees only the
// allow-listed environment and runs in the workspace cwd.
type GuardedShell struct {
	guard  *sandbox.Guard
	logger *log.Logger
}

// NewGuardedShell builds the shell broker for one execution.
func NewGuardedShell(guard *sandbox.Guard, logger *log.Logger) *GuardedShell {
	if logger == nil {
		logger = log.Nop()
	}
	return &GuardedShell{guard: guard, logger: logger}
}

// Run executes one command. Non-zero exit is not an error: the caller
// reads ExitCode. Errors are permission denials, confirmation refusals,
// and spawn failures.
func (s *GuardedShell) Run(ctx context.Context, command string, args ...string) (*plugin.ShellResult, error) {
	if s.guard == nil {
		return nil, fault.New(fault.KindPermissionDenied, "shell access requires a sandbox guard")
	}
	if err := s.guard.DecideCommand(command, args); err != nil {
		return nil, err
	}

	spec := sandbox.CommandSpec(command, args)
	if dangerous, reason := s.guard.IsDangerous(spec); dangerous {
		if err := s.guard.Confirm(ctx, spec, reason); err != nil {
			return nil, err
		}
	}

	release, err := s.guard.AcquireShell(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, s.guard.CommandTimeout(defaultCommandTimeout))
	defer cancel()

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = s.guard.Cwd()
	cmd.Env = flattenEnv(s.guard.PickEnv(os.Environ()))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &capWriter{buf: &stdout}
	cmd.Stderr = &capWriter{buf: &stderr}

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	res := &plugin.ShellResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: elapsed.Milliseconds(),
	}

	switch {
	case runErr == nil:
		res.ExitCode = 0
	case isExitError(runErr, &res.ExitCode):
		// Command ran and failed; the exit code carries the story.
	case ctx.Err() != nil:
		return nil, fault.Normalize(ctx.Err())
	default:
		return nil, fault.Wrap(fault.KindHandlerError, fmt.Sprintf("spawn %q", command), runErr)
	}

	s.logger.Debug("shell command finished", map[string]any{
		"command":    spec,
		"exitCode":   res.ExitCode,
		"durationMs": res.DurationMs,
	})
	return res, nil
}

func isExitError(err error, code *int) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		*code = status.ExitStatus()
	} else {
		*code = -1
	}
	return true
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// capWriter truncates after maxShellCapture bytes; the command keeps
// running, the excess is dropped.
type capWriter struct {
	buf *bytes.Buffer
}

func (w *capWriter) Write(p []byte) (int, error) {
	remain := maxShellCapture - w.buf.Len()
	if remain <= 0 {
		return len(p), nil
	}
	if len(p) > remain {
		w.buf.Write(p[:remain])
		return len(p), nil
	}
	return w.buf.Write(p)
}

var _ plugin.Sheller = (*GuardedShell)(nil)
