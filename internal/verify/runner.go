// Package verify runs the configured verification commands after a turn and
// captures the first failure for stall evidence.
package verify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vuhlp/vuhlp/internal/common/logger"
)

const maxCapturedOutput = 4096

// Failure describes the first failing verification command.
type Failure struct {
	Command string `json:"command"`
	Output  string `json:"output"`
}

// Result is the outcome of one verification pass.
type Result struct {
	Ran     int      `json:"ran"`
	Passed  bool     `json:"passed"`
	Failure *Failure `json:"failure,omitempty"`
}

// Log renders the result the way it is stored as a log artifact.
func (r *Result) Log() string {
	if r.Passed {
		return fmt.Sprintf("verification passed (%d commands)", r.Ran)
	}
	return fmt.Sprintf("verification failed on %q after %d commands:\n%s",
		r.Failure.Command, r.Ran, r.Failure.Output)
}

// Runner executes verification commands sequentially in a workspace.
type Runner struct {
	commands []string
	timeout  time.Duration
	logger   *logger.Logger
}

// NewRunner creates a runner. An empty command list disables verification.
func NewRunner(commands []string, timeout time.Duration, log *logger.Logger) *Runner {
	return &Runner{
		commands: commands,
		timeout:  timeout,
		logger:   log.WithFields(zap.String("component", "verify-runner")),
	}
}

// Enabled reports whether any verification commands are configured.
func (r *Runner) Enabled() bool { return len(r.commands) > 0 }

// Run executes the commands in order inside dir, stopping at the first
// failure. Each command gets its own timeout.
func (r *Runner) Run(ctx context.Context, dir string) *Result {
	result := &Result{Passed: true}
	for _, command := range r.commands {
		result.Ran++
		output, err := r.runOne(ctx, dir, command)
		if err != nil {
			r.logger.Info("verification command failed",
				zap.String("command", command), zap.Error(err))
			result.Passed = false
			result.Failure = &Failure{Command: command, Output: output}
			return result
		}
	}
	return result
}

func (r *Runner) runOne(ctx context.Context, dir, command string) (string, error) {
	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = dir
	// Children inheriting the output pipe would otherwise keep
	// CombinedOutput blocked past the deadline.
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	text := trimOutput(string(out))
	if runCtx.Err() == context.DeadlineExceeded {
		return text, fmt.Errorf("timed out after %s", r.timeout)
	}
	if err != nil {
		return text, err
	}
	return text, nil
}

// trimOutput keeps the tail of long output; failures usually end with the
// interesting part.
func trimOutput(out string) string {
	out = strings.TrimSpace(out)
	if len(out) > maxCapturedOutput {
		out = "..." + out[len(out)-maxCapturedOutput:]
	}
	return out
}
