package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregame-server/internal/config"
	"github.com/vovakirdan/wiregame-server/internal/core"
	"github.com/vovakirdan/wiregame-server/internal/credential"
	"github.com/vovakirdan/wiregame-server/internal/game"
	"github.com/vovakirdan/wiregame-server/internal/launch"
	"github.com/vovakirdan/wiregame-server/internal/proto"
	"github.com/vovakirdan/wiregame-server/internal/store/sqlite"
	"github.com/vovakirdan/wiregame-server/internal/supervisor"
)

// refusingLauncher fails every spawn; these tests never get past the ack phase
// unless they expect an abandoned launch.
type refusingLauncher struct{}

func (refusingLauncher) Spawn(context.Context, supervisor.ProcessSpec) (supervisor.Process, error) {
	return nil, errors.New("spawning disabled in tests")
}

func startTestServer(t *testing.T, mutate func(*config.Config)) (*httptest.Server, *core.Hub) {
	t.Helper()

	cfg := config.Default()
	cfg.StartBuffer = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	logger := zerolog.Nop()

	reports, err := sqlite.New(":memory:", cfg.ReportCacheSize)
	if err != nil {
		t.Fatalf("open report store: %v", err)
	}
	t.Cleanup(func() { reports.Close() })

	hub := core.NewHub(core.Config{
		AckTimeout:    cfg.AckTimeout,
		StartBuffer:   cfg.StartBuffer,
		CredentialTTL: cfg.CredentialTTL,
		Fingerprint:   credential.ProtocolFingerprint(proto.ProtocolVersion, "test"),
		PollInterval:  10 * time.Millisecond,
	},
		launch.NewCoordinator(cfg.StartBuffer, time.Now, &logger),
		credential.NewIssuer(&logger),
		supervisor.New(supervisor.Config{Path: "wiregame"}, refusingLauncher{}, &logger),
		reports,
		&logger,
	)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	server := NewServer(hub, &cfg, &logger)
	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)
	return ts, hub
}

func dialMember(t *testing.T, ctx context.Context, ts *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })

	hello, _ := proto.NewInbound(proto.InboundTypeHello, proto.HelloData{UserID: userID, Protocol: proto.ProtocolVersion})
	if err := wsjson.Write(ctx, conn, hello); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	return conn
}

func send(t *testing.T, ctx context.Context, conn *websocket.Conn, kind string, payload any) {
	t.Helper()
	in, err := proto.NewInbound(kind, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", kind, err)
	}
	if err := wsjson.Write(ctx, conn, in); err != nil {
		t.Fatalf("send %s: %v", kind, err)
	}
}

func readOutbound(t *testing.T, ctx context.Context, conn *websocket.Conn) proto.OutboundRaw {
	t.Helper()
	var out proto.OutboundRaw
	if err := wsjson.Read(ctx, conn, &out); err != nil {
		t.Fatalf("read outbound: %v", err)
	}
	return out
}

func mustRead(t *testing.T, ctx context.Context, conn *websocket.Conn, event string, into any) {
	t.Helper()
	out := readOutbound(t, ctx, conn)
	if out.Type != proto.OutboundTypeEvent || out.Event != event {
		t.Fatalf("expected event %s, got %+v", event, out)
	}
	if into != nil {
		if err := json.Unmarshal(out.Data, into); err != nil {
			t.Fatalf("decode %s: %v", event, err)
		}
	}
}

func doJSON(t *testing.T, ts *httptest.Server, method, path string, body any, into any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := stdhttp.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if into != nil {
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func pair(lobbyID string) game.LobbySnapshot {
	return game.LobbySnapshot{
		LobbyID: lobbyID,
		OwnerID: "alice",
		Config:  game.LobbyConfig{MaxPlayers: 2},
		Members: []game.Member{
			{Kind: game.ConnectionKindNative, UserID: "alice", Role: game.RolePlayer},
			{Kind: game.ConnectionKindBrowser, UserID: "bob", Role: game.RolePlayer},
		},
	}
}
