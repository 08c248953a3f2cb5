package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// ProcessSpec describes a worker process to start.
type ProcessSpec struct {
	Path string
	Args []string
	Env  []string
}

// Process is a started OS process as seen by the supervisor.
type Process interface {
	// Stdin receives command lines.
	Stdin() io.WriteCloser
	// Stdout yields report lines until the process exits.
	Stdout() io.Reader
	// Stderr yields log output until the process exits.
	Stderr() io.Reader
	// Wait blocks until the process has exited and its output is drained.
	Wait() error
	// Terminate asks the process to stop.
	Terminate() error
	// Kill stops the process immediately.
	Kill() error
	Pid() int
}

// Launcher starts processes.
type Launcher interface {
	Spawn(ctx context.Context, spec ProcessSpec) (Process, error)
}

// ExecLauncher starts real OS processes.
type ExecLauncher struct {
	// WaitDelay bounds how long Wait keeps draining output after exit.
	WaitDelay time.Duration
}

// Spawn starts spec.Path with spec.Args. The process outlives ctx; it is
// stopped only through Terminate or Kill.
func (l ExecLauncher) Spawn(_ context.Context, spec ProcessSpec) (Process, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.WaitDelay = l.WaitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdoutW.Close()
		_ = stderrW.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Path, err)
	}

	return &execProcess{
		cmd:     cmd,
		stdin:   stdin,
		stdoutR: stdoutR,
		stdoutW: stdoutW,
		stderrR: stderrR,
		stderrW: stderrW,
	}, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *execProcess) Stderr() io.Reader     { return p.stderrR }
func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	// exec has finished copying output once Wait returns; close so readers see EOF.
	_ = p.stdoutW.Close()
	_ = p.stderrW.Close()
	return err
}

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}
