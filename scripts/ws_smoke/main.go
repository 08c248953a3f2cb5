// ws_smoke drives one solo lobby through a running directory: it connects a
// member, registers and launches the lobby, acknowledges the launch and waits
// for the connect credential. Attach with `wiregame play` to finish the game.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/wiregame-server/internal/game"
	"github.com/vovakirdan/wiregame-server/internal/log"
	"github.com/vovakirdan/wiregame-server/internal/proto"
)

func main() {
	api := flag.String("api", "http://localhost:8080/api", "directory REST base URL")
	addr := flag.String("addr", "ws://localhost:8080/ws", "directory WebSocket address")
	user := flag.String("user", "tester", "member user id")
	lobby := flag.String("lobby", fmt.Sprintf("smoke-%d", time.Now().Unix()), "lobby id to register")
	timeout := flag.Duration("timeout", 30*time.Second, "total timeout for the run")
	flag.Parse()

	logger := log.New("info")
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, *api, *addr, *user, *lobby); err != nil {
		logger.Error().Err(err).Msg("ws_smoke failed")
		os.Exit(1)
	}
	logger.Info().Str("lobby_id", *lobby).Msg("ws_smoke passed")
}

func run(ctx context.Context, api, addr, user, lobbyID string) error {
	conn, _, err := websocket.Dial(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	send := func(kind string, payload any) error {
		in, err := proto.NewInbound(kind, payload)
		if err != nil {
			return err
		}
		return wsjson.Write(ctx, conn, in)
	}
	if err := send(proto.InboundTypeHello, proto.HelloData{UserID: user, Protocol: proto.ProtocolVersion}); err != nil {
		return fmt.Errorf("hello: %w", err)
	}

	snapshot := game.LobbySnapshot{
		LobbyID: lobbyID,
		OwnerID: user,
		Config:  game.LobbyConfig{MaxPlayers: 1},
		Members: []game.Member{{Kind: game.ConnectionKindNative, UserID: user, Role: game.RolePlayer}},
	}
	if err := post(ctx, api+"/lobbies", snapshot, http.StatusCreated); err != nil {
		return fmt.Errorf("register lobby: %w", err)
	}
	if err := post(ctx, api+"/lobbies/"+lobbyID+"/launch", nil, http.StatusAccepted); err != nil {
		return fmt.Errorf("launch lobby: %w", err)
	}

	for {
		var msg proto.OutboundRaw
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if msg.Error != nil {
			return fmt.Errorf("directory error %s: %s", msg.Error.Code, msg.Error.Msg)
		}
		fmt.Printf("%s %s\n", msg.Event, msg.Data)

		switch msg.Event {
		case proto.EventPendingLobbyAckRequest:
			if err := send(proto.InboundTypeAckPendingLobby, proto.LobbyRef{LobbyID: lobbyID}); err != nil {
				return fmt.Errorf("ack: %w", err)
			}
		case proto.EventPendingLobbyAckFail:
			return fmt.Errorf("launch aborted")
		case proto.EventGameAborted:
			return fmt.Errorf("session aborted")
		case proto.EventGameStart:
			return nil
		}
	}
}

func post(ctx context.Context, url string, body any, want int) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	return nil
}
