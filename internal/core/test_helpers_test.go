package core

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregame-server/internal/credential"
	"github.com/vovakirdan/wiregame-server/internal/game"
	"github.com/vovakirdan/wiregame-server/internal/launch"
	"github.com/vovakirdan/wiregame-server/internal/proto"
	"github.com/vovakirdan/wiregame-server/internal/store/sqlite"
	"github.com/vovakirdan/wiregame-server/internal/supervisor"
)

func mustEvent(t *testing.T, ch <-chan *Event, kind EventKind) *Event {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if ev == nil {
				continue
			}
			if ev.Kind == kind {
				return ev
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("expected event kind %v not received", kind)
	return nil
}

// fakeWorker stands in for a worker process: the test writes report lines,
// an abort line on stdin makes it exit and supersede lines are collected.
type fakeWorker struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	exitCh     chan error
	exitOnce   sync.Once
	env        []string
	supersedes chan proto.CommandLine
}

func newFakeWorker(env []string) *fakeWorker {
	w := &fakeWorker{exitCh: make(chan error, 1), env: env, supersedes: make(chan proto.CommandLine, 8)}
	w.stdinR, w.stdinW = io.Pipe()
	w.stdoutR, w.stdoutW = io.Pipe()
	w.stderrR, w.stderrW = io.Pipe()
	go w.readCommands()
	return w
}

func (w *fakeWorker) readCommands() {
	scanner := bufio.NewScanner(w.stdinR)
	for scanner.Scan() {
		var cmd proto.CommandLine
		if json.Unmarshal(scanner.Bytes(), &cmd) != nil {
			continue
		}
		switch cmd.Type {
		case proto.CommandAbort:
			w.report(proto.ReportLine{Type: proto.ReportAborted, Aborted: &proto.AbortedReport{Reason: "abort requested"}})
			w.exit(nil)
		case proto.CommandSupersede:
			select {
			case w.supersedes <- cmd:
			default:
			}
		}
	}
}

func (w *fakeWorker) report(line proto.ReportLine) {
	data, _ := json.Marshal(line)
	_, _ = w.stdoutW.Write(append(data, '\n'))
}

func (w *fakeWorker) started(addr string) {
	w.report(proto.ReportLine{Type: proto.ReportStarted, Started: &proto.StartedReport{Addr: addr}})
}

func (w *fakeWorker) exit(err error) {
	w.exitOnce.Do(func() { w.exitCh <- err })
}

func (w *fakeWorker) Stdin() io.WriteCloser { return w.stdinW }
func (w *fakeWorker) Stdout() io.Reader     { return w.stdoutR }
func (w *fakeWorker) Stderr() io.Reader     { return w.stderrR }
func (w *fakeWorker) Pid() int              { return 31337 }

func (w *fakeWorker) Wait() error {
	err := <-w.exitCh
	_ = w.stdoutW.Close()
	_ = w.stderrW.Close()
	_ = w.stdinR.Close()
	return err
}

func (w *fakeWorker) Terminate() error {
	w.exit(errors.New("terminated"))
	return nil
}

func (w *fakeWorker) Kill() error {
	w.exit(errors.New("killed"))
	return nil
}

type fakeSpawner struct {
	workers chan *fakeWorker
	// err, when set before a launch, fails every spawn.
	err error
}

func (w *fakeWorker) nextSupersede(t *testing.T) proto.CommandLine {
	t.Helper()
	select {
	case cmd := <-w.supersedes:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatalf("no supersede command reached the worker")
		return proto.CommandLine{}
	}
}

func (s *fakeSpawner) Spawn(_ context.Context, spec supervisor.ProcessSpec) (supervisor.Process, error) {
	if s.err != nil {
		return nil, s.err
	}
	w := newFakeWorker(spec.Env)
	s.workers <- w
	return w, nil
}

func (s *fakeSpawner) next(t *testing.T) *fakeWorker {
	t.Helper()
	select {
	case w := <-s.workers:
		return w
	case <-time.After(2 * time.Second):
		t.Fatalf("no worker spawned")
		return nil
	}
}

func (s *fakeSpawner) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case <-s.workers:
		t.Fatalf("unexpected worker spawn")
	case <-time.After(wait):
	}
}

type harness struct {
	hub     *Hub
	spawner *fakeSpawner
	reports *sqlite.SQLiteStore
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := zerolog.Nop()

	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = time.Second
	}
	if cfg.StartBuffer == 0 {
		cfg.StartBuffer = 10 * time.Millisecond
	}
	if cfg.CredentialTTL == 0 {
		cfg.CredentialTTL = time.Minute
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	cfg.Fingerprint = credential.ProtocolFingerprint(proto.ProtocolVersion, "test")

	reports, err := sqlite.New(":memory:", 8)
	if err != nil {
		t.Fatalf("open report store: %v", err)
	}
	t.Cleanup(func() { reports.Close() })

	spawner := &fakeSpawner{workers: make(chan *fakeWorker, 4)}
	sup := supervisor.New(supervisor.Config{Path: "wiregame", KillGrace: 50 * time.Millisecond}, spawner, &logger)
	hub := NewHub(cfg,
		launch.NewCoordinator(cfg.StartBuffer, time.Now, &logger),
		credential.NewIssuer(&logger),
		sup,
		reports,
		&logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		hub.Wait(time.Second)
		sup.Shutdown("test done")
	})
	return &harness{hub: hub, spawner: spawner, reports: reports}
}

func duel(lobbyID string) game.LobbySnapshot {
	return game.LobbySnapshot{
		LobbyID: lobbyID,
		OwnerID: "alice",
		Config:  game.LobbyConfig{MaxPlayers: 2, MaxWatchers: 1},
		Members: []game.Member{
			{Kind: game.ConnectionKindNative, UserID: "alice", Role: game.RolePlayer},
			{Kind: game.ConnectionKindBrowser, UserID: "bob", Role: game.RolePlayer},
			{Kind: game.ConnectionKindNative, UserID: "carol", Role: game.RoleWatcher},
		},
	}
}

func (h *harness) connect(id, userID string) *Client {
	c := NewClient(id, userID)
	h.hub.RegisterClient(c)
	return c
}

// launched registers and launches a lobby, then acks it from every client.
func (h *harness) launched(t *testing.T, snapshot game.LobbySnapshot, clients ...*Client) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.hub.RegisterLobby(ctx, snapshot); err != nil {
		t.Fatalf("register lobby: %v", err)
	}
	if _, err := h.hub.Launch(ctx, snapshot.LobbyID); err != nil {
		t.Fatalf("launch: %v", err)
	}
	for _, c := range clients {
		mustEvent(t, c.Events, EventPendingLobbyAckRequest)
		c.Commands <- &Command{Kind: CommandAckPendingLobby, LobbyID: snapshot.LobbyID}
	}
}
