package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregame-server/internal/game"
	"github.com/vovakirdan/wiregame-server/internal/proto"
	"github.com/vovakirdan/wiregame-server/internal/supervisor"
)

// ErrDetached is returned when forwarding to an attachment that has exited.
var ErrDetached = errors.New("attachment has exited")

// ProcessLauncher attaches to hosted sessions by running a local play process.
// Credentials reach the process as JSON lines on its stdin.
type ProcessLauncher struct {
	Spawner supervisor.Launcher
	Path    string
	// Args precede the --worker flag.
	Args  []string
	Grace time.Duration
	Log   zerolog.Logger
}

// Attach starts the play process for a Hosted starter and hands it cred.
func (l *ProcessLauncher) Attach(ctx context.Context, starter Starter, cred proto.Credential) (Attachment, error) {
	hosted, ok := starter.Resumption.(Hosted)
	if !ok {
		return nil, fmt.Errorf("process launcher cannot attach %T", starter.Resumption)
	}
	args := append(append([]string(nil), l.Args...), "--worker", hosted.WorkerURL)
	proc, err := l.Spawner.Spawn(ctx, supervisor.ProcessSpec{Path: l.Path, Args: args})
	if err != nil {
		return nil, fmt.Errorf("spawn play process: %w", err)
	}

	grace := l.Grace
	if grace <= 0 {
		grace = 2 * time.Second
	}
	log := l.Log.With().Stringer("session_id", starter.SessionID).Int("pid", proc.Pid()).Logger()
	a := &processAttachment{proc: proc, grace: grace, done: make(chan struct{}), log: log}
	go a.relay(proc.Stdout(), "stdout")
	go a.relay(proc.Stderr(), "stderr")
	go a.wait()

	if err := a.Forward(cred); err != nil {
		_ = a.Close()
		return nil, err
	}
	log.Info().Str("worker_url", hosted.WorkerURL).Msg("play process attached")
	return a, nil
}

type processAttachment struct {
	proc  supervisor.Process
	grace time.Duration
	log   zerolog.Logger

	mu      sync.Mutex
	waitErr error
	done    chan struct{}
	closed  bool
}

func (a *processAttachment) wait() {
	err := a.proc.Wait()
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) && coded.ExitCode() == ExitProtocolMismatch {
		err = game.NewError(game.KindProtocolMismatch, "protocol_mismatch", "worker refused the client protocol", err)
	}
	a.mu.Lock()
	a.waitErr = err
	a.mu.Unlock()
	close(a.done)
	a.log.Info().Err(err).Msg("play process exited")
}

func (a *processAttachment) relay(r io.Reader, stream string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		a.log.Debug().Str("stream", stream).Msg(scanner.Text())
	}
	_, _ = io.Copy(io.Discard, r)
}

func (a *processAttachment) Done() <-chan struct{} { return a.done }

func (a *processAttachment) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.waitErr
}

func (a *processAttachment) Forward(cred proto.Credential) error {
	select {
	case <-a.done:
		return ErrDetached
	default:
	}
	line, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrDetached
	}
	if _, err := a.proc.Stdin().Write(append(line, '\n')); err != nil {
		return fmt.Errorf("forward credential: %w", err)
	}
	return nil
}

// Close closes stdin, then escalates to terminate and kill. It returns once
// the process has exited.
func (a *processAttachment) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		_ = a.proc.Stdin().Close()
	}
	a.mu.Unlock()

	for _, step := range []func() error{a.proc.Terminate, a.proc.Kill} {
		select {
		case <-a.done:
			return nil
		case <-time.After(a.grace):
		}
		if err := step(); err != nil {
			a.log.Debug().Err(err).Msg("signal play process")
		}
	}
	<-a.done
	return nil
}
