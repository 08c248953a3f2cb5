package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregame-server/internal/credential"
	"github.com/vovakirdan/wiregame-server/internal/game"
	"github.com/vovakirdan/wiregame-server/internal/proto"
)

var (
	errTerminated = errors.New("terminated")
	errKilled     = errors.New("killed")
)

type fakeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	exitCh   chan error
	exitOnce sync.Once

	ignoreAbort bool
	ignoreTerm  bool
	commands    chan proto.CommandLine
	terminated  atomic.Bool
	killed      atomic.Bool
	exited      atomic.Bool
}

func newFakeProcess(ignoreAbort, ignoreTerm bool) *fakeProcess {
	p := &fakeProcess{
		exitCh:      make(chan error, 1),
		commands:    make(chan proto.CommandLine, 8),
		ignoreAbort: ignoreAbort,
		ignoreTerm:  ignoreTerm,
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	go p.readCommands()
	return p
}

func (p *fakeProcess) readCommands() {
	scanner := bufio.NewScanner(p.stdinR)
	for scanner.Scan() {
		var cmd proto.CommandLine
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			continue
		}
		select {
		case p.commands <- cmd:
		default:
		}
		if cmd.Type == proto.CommandAbort && !p.ignoreAbort {
			p.report(proto.ReportLine{Type: proto.ReportAborted, Aborted: &proto.AbortedReport{Reason: "abort requested"}})
			p.finish(nil)
		}
	}
}

func (p *fakeProcess) report(line proto.ReportLine) {
	data, _ := json.Marshal(line)
	_, _ = p.stdoutW.Write(append(data, '\n'))
}

func (p *fakeProcess) finish(err error) {
	p.exitOnce.Do(func() { p.exitCh <- err })
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader     { return p.stderrR }
func (p *fakeProcess) Pid() int              { return 4242 }

func (p *fakeProcess) Wait() error {
	err := <-p.exitCh
	p.exited.Store(true)
	_ = p.stdoutW.Close()
	_ = p.stderrW.Close()
	_ = p.stdinR.Close()
	return err
}

func (p *fakeProcess) Terminate() error {
	p.terminated.Store(true)
	if !p.ignoreTerm {
		p.finish(errTerminated)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.finish(errKilled)
	return nil
}

type fakeLauncher struct {
	mu          sync.Mutex
	spawned     int
	err         error
	ignoreAbort bool
	ignoreTerm  bool
	procs       chan *fakeProcess
	lastSpec    ProcessSpec
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{procs: make(chan *fakeProcess, 4)}
}

func (l *fakeLauncher) Spawn(_ context.Context, spec ProcessSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastSpec = spec
	if l.err != nil {
		return nil, l.err
	}
	l.spawned++
	p := newFakeProcess(l.ignoreAbort, l.ignoreTerm)
	l.procs <- p
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spawned
}

func newTestSupervisor(launcher Launcher, ready time.Duration) *Supervisor {
	logger := zerolog.Nop()
	return New(Config{Path: "worker", KillGrace: 50 * time.Millisecond, ReadyTimeout: ready}, launcher, &logger)
}

func testLaunchData(id game.SessionID) credential.LaunchData {
	return credential.LaunchData{
		SessionID:   id,
		LobbyID:     "lobby",
		Fingerprint: credential.ProtocolFingerprint(proto.ProtocolVersion, "test"),
		Key:         []byte("0123456789abcdef0123456789abcdef"),
		Participants: []credential.ParticipantCredential{
			{Slot: game.Slot{SessionID: id, SessionLocalID: 0, UserID: "alice", Role: game.RolePlayer}},
		},
	}
}

func collect(t *testing.T, h *Handle) []Report {
	t.Helper()
	var out []Report
	timeout := time.After(3 * time.Second)
	for {
		select {
		case r, ok := <-h.Reports():
			if !ok {
				return out
			}
			out = append(out, r)
		case <-timeout:
			t.Fatalf("report stream did not close; got %d reports", len(out))
			return nil
		}
	}
}

func nextProcess(t *testing.T, l *fakeLauncher) *fakeProcess {
	t.Helper()
	select {
	case p := <-l.procs:
		return p
	case <-time.After(time.Second):
		t.Fatalf("no process spawned")
		return nil
	}
}

func TestLaunchReportsStartedThenGameOver(t *testing.T) {
	launcher := newFakeLauncher()
	sup := newTestSupervisor(launcher, 0)

	h, err := sup.Launch(context.Background(), testLaunchData(1))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	p := nextProcess(t, launcher)

	go func() {
		p.report(proto.ReportLine{Type: proto.ReportStarted, Started: &proto.StartedReport{Addr: "127.0.0.1:9000"}})
		p.report(proto.ReportLine{Type: proto.ReportGameOver, GameOver: &game.Report{SessionID: 1, EndTick: 30}})
		p.finish(nil)
	}()

	reports := collect(t, h)
	if len(reports) != 2 {
		t.Fatalf("expected 2 reports, got %d: %+v", len(reports), reports)
	}
	if started, ok := reports[0].(Started); !ok || started.Addr != "127.0.0.1:9000" {
		t.Fatalf("expected Started first, got %+v", reports[0])
	}
	if over, ok := reports[1].(GameOver); !ok || over.Report.EndTick != 30 {
		t.Fatalf("expected GameOver second, got %+v", reports[1])
	}
	if _, live := sup.Handle(1); live {
		t.Fatalf("exited session must not stay live")
	}
}

func TestLaunchPassesKeyOnlyThroughEnvironment(t *testing.T) {
	launcher := newFakeLauncher()
	sup := newTestSupervisor(launcher, 0)

	data := testLaunchData(2)
	h, err := sup.Launch(context.Background(), data)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	p := nextProcess(t, launcher)

	launcher.mu.Lock()
	spec := launcher.lastSpec
	launcher.mu.Unlock()
	found := false
	for _, kv := range spec.Env {
		if len(kv) > len(EnvSessionKey) && kv[:len(EnvSessionKey)+1] == EnvSessionKey+"=" {
			found = true
		}
	}
	for _, arg := range spec.Args {
		if arg == string(data.Key) {
			t.Fatalf("session key leaked into args")
		}
	}
	if !found {
		t.Fatalf("expected %s in worker env", EnvSessionKey)
	}

	p.finish(nil)
	collect(t, h)
}

func TestSecondLaunchForLiveSessionFailsWithoutSpawning(t *testing.T) {
	launcher := newFakeLauncher()
	sup := newTestSupervisor(launcher, 0)

	h, err := sup.Launch(context.Background(), testLaunchData(3))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	p := nextProcess(t, launcher)

	if _, err := sup.Launch(context.Background(), testLaunchData(3)); !errors.Is(err, ErrSessionLive) {
		t.Fatalf("expected ErrSessionLive, got %v", err)
	}
	if launcher.count() != 1 {
		t.Fatalf("expected exactly one spawn, got %d", launcher.count())
	}

	p.finish(nil)
	collect(t, h)

	if _, err := sup.Launch(context.Background(), testLaunchData(3)); err != nil {
		t.Fatalf("relaunch after exit: %v", err)
	}
	nextProcess(t, launcher).finish(nil)
}

func TestExitWithoutGameOverSynthesizesAborted(t *testing.T) {
	launcher := newFakeLauncher()
	sup := newTestSupervisor(launcher, 0)

	h, err := sup.Launch(context.Background(), testLaunchData(4))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	p := nextProcess(t, launcher)
	go func() {
		p.report(proto.ReportLine{Type: proto.ReportStarted, Started: &proto.StartedReport{Addr: "x"}})
		p.finish(errors.New("exit status 2"))
	}()

	reports := collect(t, h)
	if len(reports) != 2 {
		t.Fatalf("expected Started and Aborted, got %+v", reports)
	}
	aborted, ok := reports[1].(Aborted)
	if !ok {
		t.Fatalf("expected synthesized Aborted, got %+v", reports[1])
	}
	if !errors.Is(aborted.Err, game.ErrProcess) {
		t.Fatalf("expected process error detail, got %v", aborted.Err)
	}
}

func TestAbortOnExitedWorkerIsNoop(t *testing.T) {
	launcher := newFakeLauncher()
	sup := newTestSupervisor(launcher, 0)

	h, err := sup.Launch(context.Background(), testLaunchData(5))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	nextProcess(t, launcher).finish(nil)
	collect(t, h)

	done := make(chan struct{})
	go func() {
		h.SendCommand(Abort{Reason: "late"})
		h.SendCommand(Abort{Reason: "later"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("abort on exited worker blocked")
	}
}

func TestAbortStopsCooperativeWorker(t *testing.T) {
	launcher := newFakeLauncher()
	sup := newTestSupervisor(launcher, 0)

	h, err := sup.Launch(context.Background(), testLaunchData(6))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	p := nextProcess(t, launcher)

	var reports []Report
	drained := make(chan struct{})
	go func() {
		for r := range h.Reports() {
			reports = append(reports, r)
		}
		close(drained)
	}()

	h.SendCommand(Abort{Reason: "operator"})
	if !p.exited.Load() {
		t.Fatalf("abort returned before the process exited")
	}
	if p.terminated.Load() || p.killed.Load() {
		t.Fatalf("cooperative worker should not need signals")
	}
	<-drained
	if len(reports) != 1 {
		t.Fatalf("expected a single Aborted report, got %+v", reports)
	}
	if _, ok := reports[0].(Aborted); !ok {
		t.Fatalf("expected Aborted, got %+v", reports[0])
	}
}

func TestAbortEscalatesToKill(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.ignoreAbort = true
	launcher.ignoreTerm = true
	sup := newTestSupervisor(launcher, 0)

	h, err := sup.Launch(context.Background(), testLaunchData(7))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	p := nextProcess(t, launcher)
	go func() {
		for range h.Reports() {
		}
	}()

	h.SendCommand(Abort{Reason: "stuck"})
	if !p.terminated.Load() || !p.killed.Load() {
		t.Fatalf("expected terminate then kill, got terminated=%v killed=%v", p.terminated.Load(), p.killed.Load())
	}
	if !p.exited.Load() {
		t.Fatalf("abort returned before exit")
	}
}

func TestReadyTimeoutAborts(t *testing.T) {
	launcher := newFakeLauncher()
	sup := newTestSupervisor(launcher, 30*time.Millisecond)

	h, err := sup.Launch(context.Background(), testLaunchData(8))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	launcher.ignoreAbort = false
	nextProcess(t, launcher)

	reports := collect(t, h)
	if len(reports) != 1 {
		t.Fatalf("expected one report, got %+v", reports)
	}
	if _, ok := reports[0].(Aborted); !ok {
		t.Fatalf("expected Aborted on ready timeout, got %+v", reports[0])
	}
}

func TestSpawnFailureIsProcessError(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.err = errors.New("no such file")
	sup := newTestSupervisor(launcher, 0)

	_, err := sup.Launch(context.Background(), testLaunchData(9))
	if !errors.Is(err, ErrSpawn) || !errors.Is(err, game.ErrProcess) {
		t.Fatalf("expected spawn process error, got %v", err)
	}
	if len(sup.Live()) != 0 {
		t.Fatalf("failed spawn must not leave a live handle")
	}
}

func TestShutdownAbortsAllWorkers(t *testing.T) {
	launcher := newFakeLauncher()
	sup := newTestSupervisor(launcher, 0)

	var procs []*fakeProcess
	for id := game.SessionID(20); id < 23; id++ {
		h, err := sup.Launch(context.Background(), testLaunchData(id))
		if err != nil {
			t.Fatalf("launch %d: %v", id, err)
		}
		procs = append(procs, nextProcess(t, launcher))
		go func() {
			for range h.Reports() {
			}
		}()
	}

	sup.Shutdown("server stopping")
	for i, p := range procs {
		if !p.exited.Load() {
			t.Fatalf("worker %d still running after shutdown", i)
		}
	}
	if len(sup.Live()) != 0 {
		t.Fatalf("expected no live sessions, got %v", sup.Live())
	}
}

// TestHelperProcess is not a real test; it is re-executed as a worker stand-in.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv("WIREGAME_SUPERVISOR_HELPER")
	if mode == "" {
		return
	}
	if mode == "stubborn" {
		signal.Ignore(syscall.SIGTERM)
	}

	line, _ := json.Marshal(proto.ReportLine{Type: proto.ReportStarted, Started: &proto.StartedReport{Addr: os.Getenv(EnvSessionID)}})
	_, _ = os.Stdout.Write(append(line, '\n'))

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if mode == "obedient" {
			os.Exit(0)
		}
	}
	select {}
}

func TestExecLauncherAbortAndKill(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signals differ on windows")
	}

	for _, mode := range []string{"obedient", "stubborn"} {
		t.Run(mode, func(t *testing.T) {
			logger := zerolog.Nop()
			sup := New(Config{
				Path:         os.Args[0],
				Args:         []string{"-test.run=^TestHelperProcess$"},
				Env:          []string{"WIREGAME_SUPERVISOR_HELPER=" + mode},
				KillGrace:    200 * time.Millisecond,
				ReadyTimeout: 5 * time.Second,
			}, ExecLauncher{WaitDelay: time.Second}, &logger)

			h, err := sup.Launch(context.Background(), testLaunchData(30))
			if err != nil {
				t.Fatalf("launch: %v", err)
			}

			select {
			case r := <-h.Reports():
				started, ok := r.(Started)
				if !ok || started.Addr != "30" {
					t.Fatalf("expected Started carrying the session id, got %+v", r)
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("helper did not start")
			}

			go func() {
				for range h.Reports() {
				}
			}()
			h.SendCommand(Abort{Reason: "test"})
			select {
			case <-h.Done():
			default:
				t.Fatalf("abort returned before process exit")
			}
		})
	}
}

func TestSupersedeCommandReachesWorker(t *testing.T) {
	launcher := newFakeLauncher()
	sup := newTestSupervisor(launcher, 0)

	h, err := sup.Launch(context.Background(), testLaunchData(11))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	p := nextProcess(t, launcher)
	p.report(proto.ReportLine{Type: proto.ReportStarted, Started: &proto.StartedReport{Addr: "127.0.0.1:9000"}})

	h.SendCommand(Supersede{Slot: 0, MinGeneration: 2})

	select {
	case cmd := <-p.commands:
		if cmd.Type != proto.CommandSupersede || cmd.Slot != 0 || cmd.MinGeneration != 2 {
			t.Fatalf("unexpected command %+v", cmd)
		}
	case <-time.After(time.Second):
		t.Fatalf("supersede line not written to the worker")
	}

	h.SendCommand(Abort{Reason: "done"})
	collect(t, h)
	// Queued commands after exit are dropped without blocking.
	h.SendCommand(Supersede{Slot: 0, MinGeneration: 3})
}
