// Package bridge wraps the device-bridge command line tool: locating the
// executable, running it, and building the argument lists the rest of the
// engine needs.
package bridge

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Result is the outcome of one bridge invocation. Output holds trimmed stdout
// on success; on failure it carries the exit code, stdout and stderr so callers
// can surface it for diagnosis.
type Result struct {
	Success  bool
	Output   string
	ExitCode int
}

// Runner executes the bridge tool. Implementations must be safe for
// concurrent use.
type Runner interface {
	Run(ctx context.Context, path string, args ...string) Result
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, path string, args ...string) Result

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, path string, args ...string) Result {
	return f(ctx, path, args...)
}

// ExecRunner spawns the tool as a child process.
type ExecRunner struct {
	// Timeout bounds a single invocation; zero means no extra bound beyond ctx.
	Timeout time.Duration
}

// NewExecRunner returns an ExecRunner with the given per-call timeout.
func NewExecRunner(timeout time.Duration) *ExecRunner {
	return &ExecRunner{Timeout: timeout}
}

// Run implements Runner. It never panics and never returns an error value:
// launch failures are reported as an unsuccessful Result.
func (r *ExecRunner) Run(ctx context.Context, path string, args ...string) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	if r != nil && r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	out := strings.TrimSpace(stdout.String())
	errOut := strings.TrimSpace(stderr.String())

	if err == nil {
		log.Debug().Str("tool", path).Strs("args", args).Dur("elapsed", time.Since(start)).Msg("bridge command ok")
		return Result{Success: true, Output: out}
	}

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		msg := fmt.Sprintf("failed to launch %s: %v", path, err)
		log.Warn().Err(err).Str("tool", path).Strs("args", args).Msg("bridge command launch failed")
		return Result{Success: false, Output: msg, ExitCode: -1}
	}
	code := exitErr.ExitCode()
	log.Debug().Str("tool", path).Strs("args", args).Int("exit_code", code).Msg("bridge command failed")
	return Result{
		Success:  false,
		Output:   FormatFailure(code, out, errOut),
		ExitCode: code,
	}
}

// FormatFailure renders the combined diagnostic output of a failed command.
func FormatFailure(code int, stdout, stderr string) string {
	return fmt.Sprintf("exit code: %d\noutput: %s\nerror: %s", code, stdout, stderr)
}
