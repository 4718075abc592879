// Package proc launches provider CLI child processes with either plain
// pipes or a pseudo-terminal. Some CLIs buffer their output when stdout is
// not a TTY, so providers can opt into a pty via configuration.
package proc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/vuhlp/vuhlp/internal/common/config"
	"github.com/vuhlp/vuhlp/internal/common/logger"
)

// Process is one running provider CLI.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	ptyf   *os.File
	logger *logger.Logger
	done   chan struct{}
	waited chan error
}

// Spec describes what to launch.
type Spec struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
	UsePty  bool
}

// SpecFromConfig builds a launch spec from a provider descriptor, appending
// extra arguments after the configured ones.
func SpecFromConfig(cfg config.ProviderConfig, dir string, extraArgs ...string) Spec {
	return Spec{
		Command: cfg.Command,
		Args:    append(append([]string{}, cfg.Args...), extraArgs...),
		Env:     cfg.Env,
		Dir:     dir,
		UsePty:  cfg.UsePty,
	}
}

// Launch starts the child process. With UsePty the pty master serves as both
// stdin and stdout; otherwise dedicated pipes are used. Stderr is inherited
// into the daemon's stderr in pipe mode for diagnosability.
func Launch(spec Spec, log *logger.Logger) (*Process, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("provider command must not be empty")
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	p := &Process{
		cmd:    cmd,
		logger: log.WithFields(zap.String("component", "provider-proc"), zap.String("command", spec.Command)),
		done:   make(chan struct{}),
		waited: make(chan error, 1),
	}

	if spec.UsePty {
		f, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("failed to start %s in pty: %w", spec.Command, err)
		}
		p.ptyf = f
		p.stdin = f
		p.stdout = f
	} else {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
		}
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start %s: %w", spec.Command, err)
		}
		p.stdin = stdin
		p.stdout = stdout
	}

	p.logger.Debug("provider process started", zap.Int("pid", cmd.Process.Pid))

	go func() {
		p.waited <- cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

// Stdin returns the writer feeding the child's stdin.
func (p *Process) Stdin() io.Writer { return p.stdin }

// Stdout returns the reader over the child's stdout.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Pid returns the child's process id.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed when the child exits.
func (p *Process) Done() <-chan struct{} { return p.done }

// Signal delivers a signal to the child.
func (p *Process) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return p.cmd.Process.Signal(sig)
}

// Stop closes stdin, asks the child to terminate, and kills it after the
// grace period.
func (p *Process) Stop(grace time.Duration) error {
	if p.ptyf != nil {
		_ = p.ptyf.Close()
	} else if p.stdin != nil {
		_ = p.stdin.Close()
	}

	select {
	case err := <-p.waited:
		return ignoreExitError(err)
	default:
	}

	_ = p.Signal(syscall.SIGTERM)

	select {
	case err := <-p.waited:
		return ignoreExitError(err)
	case <-time.After(grace):
	}

	p.logger.Warn("provider process did not exit in time; killing", zap.Int("pid", p.Pid()))
	_ = p.cmd.Process.Kill()
	return ignoreExitError(<-p.waited)
}

// ignoreExitError treats a non-zero exit as a normal shutdown outcome.
func ignoreExitError(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
