// Package supervisor owns one worker process per session and turns its
// lifecycle into a typed report stream.
package supervisor

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
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vovakirdan/wiregame-server/internal/credential"
	"github.com/vovakirdan/wiregame-server/internal/game"
	"github.com/vovakirdan/wiregame-server/internal/proto"
)

const (
	reportBuffer  = 8
	commandBuffer = 16
)

var (
	// ErrSessionLive is returned when a session already has a worker.
	ErrSessionLive = errors.New("session already has a live worker")
	// ErrSpawn is returned when the worker process could not be started.
	ErrSpawn = errors.New("worker failed to spawn")
)

// Config controls how workers are started and stopped.
type Config struct {
	Path string
	Args []string
	// Env is appended to the launch environment of every worker.
	Env []string
	// KillGrace is how long each teardown step waits before escalating.
	KillGrace time.Duration
	// ReadyTimeout aborts a worker that has not reported started in time.
	ReadyTimeout time.Duration
}

// Supervisor tracks live session handles.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	log      zerolog.Logger

	mu   sync.Mutex
	live map[game.SessionID]*Handle
}

// New creates a supervisor.
func New(cfg Config, launcher Launcher, logger *zerolog.Logger) *Supervisor {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 3 * time.Second
	}
	return &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		log:      logger.With().Str("component", "supervisor").Logger(),
		live:     make(map[game.SessionID]*Handle),
	}
}

// Launch spawns the worker for data.SessionID. A second launch for a live
// session fails without spawning anything.
func (s *Supervisor) Launch(ctx context.Context, data credential.LaunchData) (*Handle, error) {
	ctx, span := otel.Tracer("wiregame/supervisor").Start(ctx, "supervisor.launch",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.Int64("session.id", int64(data.SessionID))))
	defer span.End()

	env, err := LaunchEnv(data)
	if err != nil {
		return nil, game.NewError(game.KindValidation, "bad_request", "encode launch data", err)
	}

	h := &Handle{
		sessionID: data.SessionID,
		grace:     s.cfg.KillGrace,
		reports:   make(chan Report, reportBuffer),
		abort:     make(chan string, 1),
		commands:  make(chan proto.CommandLine, commandBuffer),
		started:   make(chan struct{}),
		done:      make(chan struct{}),
		log:       s.log.With().Stringer("session_id", data.SessionID).Logger(),
	}

	s.mu.Lock()
	if _, exists := s.live[data.SessionID]; exists {
		s.mu.Unlock()
		return nil, game.NewError(game.KindValidation, "session_live",
			fmt.Sprintf("session %s already running", data.SessionID), ErrSessionLive)
	}
	s.live[data.SessionID] = h
	s.mu.Unlock()

	proc, err := s.launcher.Spawn(ctx, ProcessSpec{
		Path: s.cfg.Path,
		Args: s.cfg.Args,
		Env:  append(env, s.cfg.Env...),
	})
	if err != nil {
		s.release(h)
		span.RecordError(err)
		span.SetStatus(codes.Error, "spawn failed")
		return nil, game.NewError(game.KindProcess, "spawn_failed",
			fmt.Sprintf("spawn worker for session %s", data.SessionID), errors.Join(ErrSpawn, err))
	}
	h.proc = proc

	h.log.Info().Int("pid", proc.Pid()).Msg("worker spawned")
	go h.run(s.cfg.ReadyTimeout, func() { s.release(h) })
	go h.writeCommands()
	return h, nil
}

// Handle returns the live handle for a session.
func (s *Supervisor) Handle(id game.SessionID) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.live[id]
	return h, ok
}

// Live lists sessions with a running worker.
func (s *Supervisor) Live() []game.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]game.SessionID, 0, len(s.live))
	for id := range s.live {
		out = append(out, id)
	}
	return out
}

// Shutdown aborts every live worker and waits for all of them to exit.
func (s *Supervisor) Shutdown(reason string) {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.live))
	for _, h := range s.live {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			h.SendCommand(Abort{Reason: reason})
		}(h)
	}
	wg.Wait()
}

func (s *Supervisor) release(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live[h.sessionID] == h {
		delete(s.live, h.sessionID)
	}
}

// Handle is the supervisor's grip on one running worker.
type Handle struct {
	sessionID game.SessionID
	proc      Process
	grace     time.Duration
	log       zerolog.Logger

	reports   chan Report
	abort     chan string
	abortOnce sync.Once
	commands  chan proto.CommandLine
	started   chan struct{}
	startOnce sync.Once
	done      chan struct{}

	// terminal is set once GameOver or Aborted has been emitted; owned by run and readReports in sequence.
	terminal bool
}

// SessionID returns the session this handle supervises.
func (h *Handle) SessionID() game.SessionID {
	return h.sessionID
}

// Reports streams Started, then exactly one of GameOver or Aborted, then closes.
// Consumers must drain it.
func (h *Handle) Reports() <-chan Report {
	return h.reports
}

// Done is closed after the worker process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// SendCommand delivers cmd. Abort blocks until the process has exited,
// escalating to a forced kill, and is a no-op on an exited worker. Supersede
// is queued for the worker's stdin and never blocks.
func (h *Handle) SendCommand(cmd Command) {
	switch c := cmd.(type) {
	case Abort:
		select {
		case <-h.done:
			return
		default:
		}
		h.abortOnce.Do(func() { h.abort <- c.Reason })
		<-h.done
	case Supersede:
		line := proto.CommandLine{Type: proto.CommandSupersede, Slot: c.Slot, MinGeneration: c.MinGeneration}
		select {
		case <-h.done:
		case h.commands <- line:
		default:
			h.log.Warn().Uint32("slot", c.Slot).Msg("command queue full, supersede dropped")
		}
	}
}

// writeCommands copies queued commands to the worker's stdin until it exits.
func (h *Handle) writeCommands() {
	for {
		select {
		case <-h.done:
			return
		case line := <-h.commands:
			data, _ := json.Marshal(line)
			if _, err := h.proc.Stdin().Write(append(data, '\n')); err != nil {
				h.log.Debug().Err(err).Str("type", line.Type).Msg("write command")
			}
		}
	}
}

func (h *Handle) run(readyTimeout time.Duration, release func()) {
	exited := make(chan error, 1)
	go func() { exited <- h.proc.Wait() }()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		h.readReports()
	}()
	go h.relayStderr()

	var ready <-chan time.Time
	if readyTimeout > 0 {
		timer := time.NewTimer(readyTimeout)
		defer timer.Stop()
		ready = timer.C
	}

	var (
		exitErr     error
		abortReason string
		started     = h.started
		timedOut    bool
	)
wait:
	for {
		select {
		case exitErr = <-exited:
			break wait
		case abortReason = <-h.abort:
			exitErr = h.teardown(exited, abortReason)
			break wait
		case <-started:
			started, ready = nil, nil
		case <-ready:
			abortReason, timedOut = "worker did not start in time", true
			h.log.Warn().Dur("timeout", readyTimeout).Msg(abortReason)
			exitErr = h.teardown(exited, abortReason)
			break wait
		}
	}

	<-readerDone
	if !h.terminal {
		reason := abortReason
		if reason == "" {
			reason = "worker exited without a result"
		}
		var cause error
		switch {
		case timedOut:
			cause = game.NewError(game.KindTimeout, "worker_start_timeout", reason, exitErr)
		case exitErr != nil:
			cause = game.NewError(game.KindProcess, "worker_exit", "worker exited", exitErr)
		}
		h.log.Warn().Err(exitErr).Str("reason", reason).Msg("session aborted")
		h.reports <- Aborted{SessionID: h.sessionID, Reason: reason, Err: cause}
	}
	release()
	close(h.reports)
	close(h.done)
	h.log.Info().Err(exitErr).Msg("worker exited")
}

// teardown asks politely over stdin, then by signal, then kills. It returns
// only after the process has exited.
func (h *Handle) teardown(exited <-chan error, reason string) error {
	h.log.Info().Str("reason", reason).Msg("aborting worker")

	line, _ := json.Marshal(proto.CommandLine{Type: proto.CommandAbort})
	if _, err := h.proc.Stdin().Write(append(line, '\n')); err != nil {
		h.log.Debug().Err(err).Msg("write abort command")
	}

	steps := []struct {
		name string
		do   func() error
	}{
		{"terminate", h.proc.Terminate},
		{"kill", h.proc.Kill},
	}
	for _, step := range steps {
		select {
		case err := <-exited:
			return err
		case <-time.After(h.grace):
		}
		h.log.Warn().Str("step", step.name).Msg("worker still running, escalating")
		if err := step.do(); err != nil {
			h.log.Debug().Err(err).Str("step", step.name).Msg("signal worker")
		}
	}
	return <-exited
}

func (h *Handle) readReports() {
	scanner := bufio.NewScanner(h.proc.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var line proto.ReportLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			h.log.Warn().Err(err).Msg("malformed report line")
			continue
		}
		if h.terminal {
			continue
		}
		switch line.Type {
		case proto.ReportStarted:
			if line.Started == nil {
				continue
			}
			h.startOnce.Do(func() { close(h.started) })
			h.reports <- Started{SessionID: h.sessionID, Addr: line.Started.Addr, Slots: line.Started.Slots}
		case proto.ReportGameOver:
			if line.GameOver == nil {
				continue
			}
			h.terminal = true
			h.reports <- GameOver{SessionID: h.sessionID, Report: *line.GameOver}
		case proto.ReportAborted:
			reason := "worker aborted"
			if line.Aborted != nil && line.Aborted.Reason != "" {
				reason = line.Aborted.Reason
			}
			h.terminal = true
			h.reports <- Aborted{SessionID: h.sessionID, Reason: reason}
		default:
			h.log.Warn().Str("type", line.Type).Msg("unknown report line")
		}
	}
	if err := scanner.Err(); err != nil {
		h.log.Warn().Err(err).Msg("read report stream")
		_, _ = io.Copy(io.Discard, h.proc.Stdout())
	}
}

func (h *Handle) relayStderr() {
	scanner := bufio.NewScanner(h.proc.Stderr())
	for scanner.Scan() {
		h.log.Debug().Str("stream", "stderr").Msg(scanner.Text())
	}
	_, _ = io.Copy(io.Discard, h.proc.Stderr())
}
