package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregame-server/internal/credential"
	"github.com/vovakirdan/wiregame-server/internal/game"
	"github.com/vovakirdan/wiregame-server/internal/proto"
	"github.com/vovakirdan/wiregame-server/internal/session"
	"github.com/vovakirdan/wiregame-server/internal/supervisor"
)

var testFingerprint = credential.ProtocolFingerprint(proto.ProtocolVersion, "test")

type harness struct {
	t      *testing.T
	data   credential.LaunchData
	issuer *credential.Issuer
	addr   string
	lines  chan proto.ReportLine
	stdin  *io.PipeWriter
	cancel context.CancelFunc
	done   chan error
}

func launchData(t *testing.T, issuer *credential.Issuer) credential.LaunchData {
	t.Helper()
	snapshot := game.LobbySnapshot{
		LobbyID: "lobby-1",
		OwnerID: "alice",
		Config:  game.LobbyConfig{MaxPlayers: 2, MaxWatchers: 1},
		Members: []game.Member{
			{Kind: game.ConnectionKindNative, UserID: "alice", Role: game.RolePlayer},
			{Kind: game.ConnectionKindNative, UserID: "bob", Role: game.RolePlayer},
			{Kind: game.ConnectionKindBrowser, UserID: "carol", Role: game.RoleWatcher},
		},
	}
	data, err := issuer.BuildLaunchData(context.Background(), snapshot, credential.SessionConfig{
		SessionID:     7,
		Fingerprint:   testFingerprint,
		CredentialTTL: time.Minute,
		Seed:          42,
	})
	if err != nil {
		t.Fatalf("build launch data: %v", err)
	}
	return data
}

func envFor(t *testing.T, data credential.LaunchData, settings supervisor.Settings) Env {
	t.Helper()
	vars, err := supervisor.LaunchEnv(data)
	if err != nil {
		t.Fatalf("launch env: %v", err)
	}
	env, err := ParseEnv(append(vars, settings.Env()...))
	if err != nil {
		t.Fatalf("parse env: %v", err)
	}
	return env
}

func startWorker(t *testing.T, settings supervisor.Settings) *harness {
	t.Helper()
	logger := zerolog.Nop()
	issuer := credential.NewIssuer(&logger)
	data := launchData(t, issuer)
	env := envFor(t, data, settings)

	outR, outW := io.Pipe()
	inR, inW := io.Pipe()
	srv, err := NewServer(env, outW, &logger)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		t:      t,
		data:   data,
		issuer: issuer,
		lines:  make(chan proto.ReportLine, 8),
		stdin:  inW,
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() {
		err := srv.Run(ctx, inR)
		_ = outW.Close()
		h.done <- err
	}()
	go func() {
		defer close(h.lines)
		scanner := bufio.NewScanner(outR)
		for scanner.Scan() {
			var line proto.ReportLine
			if err := json.Unmarshal(scanner.Bytes(), &line); err == nil {
				h.lines <- line
			}
		}
	}()

	started := h.nextLine()
	if started.Type != proto.ReportStarted || started.Started == nil {
		t.Fatalf("expected started line, got %+v", started)
	}
	if len(started.Started.Slots) != 3 {
		t.Fatalf("expected 3 slots, got %+v", started.Started.Slots)
	}
	h.addr = started.Started.Addr
	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
	})
	return h
}

func (h *harness) nextLine() proto.ReportLine {
	h.t.Helper()
	select {
	case line, ok := <-h.lines:
		if !ok {
			h.t.Fatalf("report stream closed")
		}
		return line
	case <-time.After(5 * time.Second):
		h.t.Fatalf("timed out waiting for report line")
	}
	return proto.ReportLine{}
}

func (h *harness) dial(cred credential.Credential, fingerprint credential.Fingerprint) *websocket.Conn {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+h.addr+"/session", nil)
	if err != nil {
		h.t.Fatalf("dial: %v", err)
	}
	in, err := proto.NewInbound(proto.InboundTypeHello, proto.SessionHello{Token: cred.Token, Fingerprint: string(fingerprint)})
	if err != nil {
		h.t.Fatalf("hello: %v", err)
	}
	if err := wsjson.Write(ctx, conn, in); err != nil {
		h.t.Fatalf("write hello: %v", err)
	}
	h.t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func (h *harness) participant(userID string) credential.ParticipantCredential {
	h.t.Helper()
	p, ok := h.data.SlotForUser(userID)
	if !ok {
		h.t.Fatalf("no slot for %s", userID)
	}
	return p
}

func mustRead(t *testing.T, conn *websocket.Conn) proto.OutboundRaw {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out proto.OutboundRaw
	if err := wsjson.Read(ctx, conn, &out); err != nil {
		t.Fatalf("read: %v", err)
	}
	return out
}

func mustEvent(t *testing.T, conn *websocket.Conn, event string) proto.OutboundRaw {
	t.Helper()
	for {
		out := mustRead(t, conn)
		if out.Type == proto.OutboundTypeEvent && out.Event == event {
			return out
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, kind string) {
	t.Helper()
	in, _ := proto.NewInbound(kind, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, in); err != nil {
		t.Fatalf("write %s: %v", kind, err)
	}
}

func fastSettings() supervisor.Settings {
	return supervisor.Settings{
		ListenHost:   "127.0.0.1",
		TickRate:     100,
		InitTicks:    2,
		PrepTicks:    2,
		PlayTicks:    30,
		ReadyTimeout: 5 * time.Second,
	}
}

func TestParseEnvRoundTrip(t *testing.T) {
	logger := zerolog.Nop()
	data := launchData(t, credential.NewIssuer(&logger))
	env := envFor(t, data, fastSettings())

	if env.SessionID != data.SessionID || env.LobbyID != "lobby-1" {
		t.Fatalf("unexpected ids %+v", env)
	}
	if string(env.SessionKey) != string(data.Key) {
		t.Fatalf("session key did not survive the environment")
	}
	if env.Fingerprint != testFingerprint {
		t.Fatalf("fingerprint %q", env.Fingerprint)
	}
	if len(env.Slots) != 3 || env.TickRate != 100 || env.PlayTicks != 30 {
		t.Fatalf("unexpected env %+v", env)
	}
	if env.ListenAddr != "127.0.0.1:0" || env.ReadyTimeout != 5*time.Second {
		t.Fatalf("unexpected listen settings %+v", env)
	}
}

func TestParseEnvRejectsMissingKey(t *testing.T) {
	_, err := ParseEnv([]string{"WIREGAME_SESSION_ID=1", "WIREGAME_FINGERPRINT=x", `WIREGAME_SLOTS=[]`})
	if !errors.Is(err, game.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSessionPlaysToGameOver(t *testing.T) {
	h := startWorker(t, fastSettings())

	alice := h.participant("alice")
	player := h.dial(alice.Credential, testFingerprint)
	welcome := mustEvent(t, player, proto.EventWelcome)
	var w proto.Welcome
	if err := json.Unmarshal(welcome.Data, &w); err != nil {
		t.Fatalf("decode welcome: %v", err)
	}
	if w.SessionLocalID != alice.Slot.SessionLocalID || w.Role != game.RolePlayer {
		t.Fatalf("unexpected welcome %+v", w)
	}

	carol := h.participant("carol")
	watcher := h.dial(carol.Credential, testFingerprint)
	mustEvent(t, watcher, proto.EventWelcome)

	send(t, player, proto.InboundTypeModeRequest)

	var mirror session.Mirror
	clicked := 0
	var report game.Report
	for report.EndTick == 0 {
		out := mustRead(t, player)
		switch {
		case out.Event == proto.EventMode:
			var mu proto.ModeUpdate
			if err := json.Unmarshal(out.Data, &mu); err != nil {
				t.Fatalf("decode mode: %v", err)
			}
			mode, err := session.ParseMode(mu.Mode)
			if err != nil {
				t.Fatalf("parse mode: %v", err)
			}
			prev := mirror.Mode()
			if err := mirror.Apply(session.Update{Mode: mode, Tick: mu.Tick, Seq: mu.Seq}); err != nil {
				continue
			}
			if mode == session.ModePlay && prev == session.ModeInit {
				t.Fatalf("observed play before prep")
			}
			if mode == session.ModePlay && clicked == 0 {
				for i := 0; i < 3; i++ {
					send(t, player, proto.InboundTypeClick)
				}
				clicked = 3
			}
		case out.Event == proto.EventReport:
			if err := json.Unmarshal(out.Data, &report); err != nil {
				t.Fatalf("decode report: %v", err)
			}
		}
	}

	if mirror.Mode() != session.ModeGameOver {
		t.Fatalf("mirror ended in %s", mirror.Mode())
	}
	if report.EndTick != 34 {
		t.Fatalf("expected end tick 34, got %d", report.EndTick)
	}
	var aliceClicks uint64
	for _, s := range report.Scores {
		if s.UserID == "carol" {
			t.Fatalf("watcher must not be scored")
		}
		if s.UserID == "alice" {
			aliceClicks = s.Clicks
		}
	}
	if aliceClicks != 3 {
		t.Fatalf("expected 3 clicks for alice, got %d (%+v)", aliceClicks, report.Scores)
	}
	if len(report.Winners) != 1 || report.Winners[0] != alice.Slot.SessionLocalID {
		t.Fatalf("unexpected winners %+v", report.Winners)
	}

	line := h.nextLine()
	if line.Type != proto.ReportGameOver || line.GameOver == nil || line.GameOver.EndTick != 34 {
		t.Fatalf("expected game_over line, got %+v", line)
	}
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not stop after game over")
	}
}

func TestWatcherClickRejected(t *testing.T) {
	settings := fastSettings()
	settings.InitTicks = 1000
	h := startWorker(t, settings)

	watcher := h.dial(h.participant("carol").Credential, testFingerprint)
	mustEvent(t, watcher, proto.EventWelcome)
	send(t, watcher, proto.InboundTypeClick)
	out := mustRead(t, watcher)
	for out.Type != proto.OutboundTypeError {
		out = mustRead(t, watcher)
	}
	if out.Error.Code != "watcher_input" {
		t.Fatalf("expected watcher_input, got %+v", out.Error)
	}

	player := h.dial(h.participant("bob").Credential, testFingerprint)
	mustEvent(t, player, proto.EventWelcome)
	send(t, player, proto.InboundTypeClick)
	out = mustRead(t, player)
	for out.Type != proto.OutboundTypeError {
		out = mustRead(t, player)
	}
	if out.Error.Code != "not_in_play" {
		t.Fatalf("expected not_in_play during init, got %+v", out.Error)
	}
}

func TestProtocolMismatchRefused(t *testing.T) {
	h := startWorker(t, fastSettings())

	conn := h.dial(h.participant("alice").Credential, credential.ProtocolFingerprint(proto.ProtocolVersion+1, "test"))
	out := mustRead(t, conn)
	if out.Type != proto.OutboundTypeError || out.Error.Code != "protocol_mismatch" {
		t.Fatalf("expected protocol_mismatch, got %+v", out)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var next proto.OutboundRaw
	err := wsjson.Read(ctx, conn, &next)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestNewerCredentialSupersedesConnection(t *testing.T) {
	settings := fastSettings()
	settings.InitTicks = 1000
	h := startWorker(t, settings)

	alice := h.participant("alice")
	first := h.dial(alice.Credential, testFingerprint)
	mustEvent(t, first, proto.EventWelcome)

	fresh, err := h.issuer.ReissueCredential(h.data.SessionID, alice.Slot.SessionLocalID)
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	second := h.dial(fresh, testFingerprint)
	mustEvent(t, second, proto.EventWelcome)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		var out proto.OutboundRaw
		err := wsjson.Read(ctx, first, &out)
		if err == nil {
			continue
		}
		if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
			t.Fatalf("expected superseded close, got %v", err)
		}
		break
	}

	replay := h.dial(alice.Credential, testFingerprint)
	out := mustRead(t, replay)
	if out.Type != proto.OutboundTypeError || out.Error.Code != "invalid_credential" {
		t.Fatalf("expected used credential to be refused, got %+v", out)
	}

	send(t, second, proto.InboundTypeModeRequest)
	mode := mustEvent(t, second, proto.EventMode)
	var mu proto.ModeUpdate
	_ = json.Unmarshal(mode.Data, &mu)
	if mu.Mode != session.ModeInit.String() {
		t.Fatalf("expected init, got %+v", mu)
	}
}

func TestSupersedeCommandRefusesOlderCredential(t *testing.T) {
	settings := fastSettings()
	settings.InitTicks = 1000
	h := startWorker(t, settings)

	bob := h.participant("bob")
	fresh, err := h.issuer.ReissueCredential(h.data.SessionID, bob.Slot.SessionLocalID)
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	line, _ := json.Marshal(proto.CommandLine{Type: proto.CommandSupersede, Slot: fresh.SessionLocalID, MinGeneration: fresh.Generation})
	if _, err := h.stdin.Write(append(line, '\n')); err != nil {
		t.Fatalf("write supersede: %v", err)
	}
	// The pipe hands over the next line only once the previous one is handled.
	if _, err := h.stdin.Write([]byte(`{"type":"noop"}` + "\n")); err != nil {
		t.Fatalf("write noop: %v", err)
	}

	old := h.dial(bob.Credential, testFingerprint)
	out := mustRead(t, old)
	if out.Type != proto.OutboundTypeError || out.Error.Code != "credential_superseded" {
		t.Fatalf("expected superseded credential to be refused, got %+v", out)
	}

	conn := h.dial(fresh, testFingerprint)
	mustEvent(t, conn, proto.EventWelcome)
}

func TestReadyTimeoutAbortsWorker(t *testing.T) {
	settings := fastSettings()
	settings.ReadyTimeout = 50 * time.Millisecond
	h := startWorker(t, settings)

	line := h.nextLine()
	if line.Type != proto.ReportAborted || line.Aborted == nil || !strings.Contains(line.Aborted.Reason, "no participant") {
		t.Fatalf("expected aborted line, got %+v", line)
	}
}

func TestAbortCommandStopsSession(t *testing.T) {
	settings := fastSettings()
	settings.InitTicks = 1000
	h := startWorker(t, settings)

	conn := h.dial(h.participant("bob").Credential, testFingerprint)
	mustEvent(t, conn, proto.EventWelcome)

	if _, err := h.stdin.Write([]byte(`{"type":"abort"}` + "\n")); err != nil {
		t.Fatalf("write abort: %v", err)
	}
	line := h.nextLine()
	if line.Type != proto.ReportAborted || line.Aborted.Reason != "abort requested" {
		t.Fatalf("expected aborted line, got %+v", line)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		var out proto.OutboundRaw
		err := wsjson.Read(ctx, conn, &out)
		if err == nil {
			continue
		}
		if websocket.CloseStatus(err) != websocket.StatusGoingAway {
			t.Fatalf("expected going away close, got %v", err)
		}
		break
	}
}

func TestScoreboardFinal(t *testing.T) {
	mode := session.ModePlay
	slots := []game.Slot{
		{SessionLocalID: 0, UserID: "a", Role: game.RolePlayer},
		{SessionLocalID: 1, UserID: "b", Role: game.RolePlayer},
		{SessionLocalID: 2, UserID: "w", Role: game.RoleWatcher},
	}
	board := NewScoreboard(1, "l", slots, func() session.Mode { return mode })

	empty := board.Final(0)
	if len(empty.Winners) != 0 {
		t.Fatalf("no clicks means no winner, got %+v", empty.Winners)
	}

	board = NewScoreboard(1, "l", slots, func() session.Mode { return mode })
	for i := 0; i < 2; i++ {
		_ = board.Click(slots[0])
		_ = board.Click(slots[1])
	}
	if err := board.Click(slots[2]); !errors.Is(err, ErrWatcherInput) {
		t.Fatalf("expected watcher rejection, got %v", err)
	}
	if scores, dirty := board.TakeDirty(); !dirty || len(scores) != 2 {
		t.Fatalf("expected dirty scores, got %v %v", scores, dirty)
	}
	if _, dirty := board.TakeDirty(); dirty {
		t.Fatalf("dirty flag not cleared")
	}

	report := board.Final(9)
	if len(report.Winners) != 2 {
		t.Fatalf("tie should yield two winners, got %+v", report.Winners)
	}
	if err := board.Click(slots[0]); !errors.Is(err, ErrNotPlaying) {
		t.Fatalf("click after final must be refused, got %v", err)
	}
}
