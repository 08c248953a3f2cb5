package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregame-server/internal/game"
	"github.com/vovakirdan/wiregame-server/internal/proto"
)

// ErrUnsupportedVersion is returned when the directory refuses our protocol.
var ErrUnsupportedVersion = errors.New("directory refused protocol version")

// DirectoryConfig configures a member connection to the lobby directory.
type DirectoryConfig struct {
	URL    string
	UserID string
	// Nack refuses every pending launch instead of acknowledging it.
	Nack       bool
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Directory keeps a member connection to the lobby directory and feeds its
// session notifications into a Coordinator.
type Directory struct {
	cfg   DirectoryConfig
	log   zerolog.Logger
	coord *Coordinator

	mu  sync.Mutex
	out chan proto.Inbound
}

// NewDirectory creates a directory client. Bind a coordinator before Run.
func NewDirectory(cfg DirectoryConfig, logger *zerolog.Logger) *Directory {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 250 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 10 * time.Second
	}
	return &Directory{cfg: cfg, log: logger.With().Str("component", "directory_client").Str("user_id", cfg.UserID).Logger()}
}

// Bind sets the coordinator notifications are delivered to.
func (d *Directory) Bind(c *Coordinator) {
	d.coord = c
}

// RequestConnectToken asks for a fresh credential on the current connection.
// Without a connection the request is dropped; the directory resends
// game_start to members that reconnect during their session.
func (d *Directory) RequestConnectToken(sessionID game.SessionID) {
	in, err := proto.NewInbound(proto.InboundTypeGetConnectToken, proto.SessionRef{SessionID: sessionID})
	if err != nil {
		return
	}
	d.enqueue(in)
}

func (d *Directory) enqueue(in proto.Inbound) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.out == nil {
		return false
	}
	select {
	case d.out <- in:
		return true
	default:
		d.log.Warn().Str("type", in.Type).Msg("directory send queue full")
		return false
	}
}

// Run connects and reconnects until ctx is done or the directory refuses the
// protocol version.
func (d *Directory) Run(ctx context.Context) error {
	backoff := d.cfg.MinBackoff
	for {
		began := time.Now()
		err := d.session(ctx)
		d.post(ctx, DirectoryLost{})
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrUnsupportedVersion) {
			return err
		}
		if time.Since(began) > d.cfg.MaxBackoff {
			backoff = d.cfg.MinBackoff
		}
		d.log.Warn().Err(err).Dur("retry_in", backoff).Msg("directory connection lost")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > d.cfg.MaxBackoff {
			backoff = d.cfg.MaxBackoff
		}
	}
}

func (d *Directory) session(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	conn, _, err := websocket.Dial(dctx, d.cfg.URL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial directory: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	hello, err := proto.NewInbound(proto.InboundTypeHello, proto.HelloData{UserID: d.cfg.UserID, Protocol: proto.ProtocolVersion})
	if err != nil {
		return err
	}
	if err := wsjson.Write(ctx, conn, hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	out := make(chan proto.Inbound, 16)
	d.mu.Lock()
	d.out = out
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.out = nil
		d.mu.Unlock()
	}()

	writeErr := make(chan error, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				writeErr <- nil
				return
			case in := <-out:
				if err := wsjson.Write(ctx, conn, in); err != nil {
					writeErr <- err
					stop()
					return
				}
			}
		}
	}()

	d.log.Info().Str("url", d.cfg.URL).Msg("connected to directory")
	err = d.readLoop(ctx, conn)
	stop()
	if werr := <-writeErr; err == nil {
		err = werr
	}
	return err
}

func (d *Directory) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var msg proto.OutboundRaw
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}
		if msg.Type == proto.OutboundTypeError && msg.Error != nil {
			if msg.Error.Code == "unsupported_version" {
				return fmt.Errorf("%w: %s", ErrUnsupportedVersion, msg.Error.Msg)
			}
			d.log.Warn().Str("code", msg.Error.Code).Msg(msg.Error.Msg)
			continue
		}
		if err := d.handleEvent(ctx, msg); err != nil {
			d.log.Warn().Err(err).Str("event", msg.Event).Msg("bad directory event")
		}
	}
}

func (d *Directory) handleEvent(ctx context.Context, msg proto.OutboundRaw) error {
	switch msg.Event {
	case proto.EventPendingLobbyAckRequest:
		var req proto.PendingLobbyAckRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return err
		}
		kind := proto.InboundTypeAckPendingLobby
		if d.cfg.Nack {
			kind = proto.InboundTypeNackPendingLobby
		}
		in, err := proto.NewInbound(kind, proto.LobbyRef{LobbyID: req.LobbyID})
		if err != nil {
			return err
		}
		d.log.Info().Str("lobby_id", req.LobbyID).Str("answer", kind).Msg("pending launch")
		d.enqueue(in)
	case proto.EventPendingLobbyAckFail:
		var ref proto.LobbyRef
		if err := json.Unmarshal(msg.Data, &ref); err != nil {
			return err
		}
		d.log.Info().Str("lobby_id", ref.LobbyID).Msg("launch abandoned, back in lobby")
	case proto.EventGameStart:
		var start proto.GameStart
		if err := json.Unmarshal(msg.Data, &start); err != nil {
			return err
		}
		d.post(ctx, GameStart{
			SessionID:  start.SessionID,
			Credential: start.Credential,
			Resumption: Hosted{WorkerURL: start.StartInfo.WorkerURL, LobbyID: start.StartInfo.LobbyID, Role: start.StartInfo.Role},
		})
	case proto.EventGameAborted:
		var ref proto.SessionRef
		if err := json.Unmarshal(msg.Data, &ref); err != nil {
			return err
		}
		d.post(ctx, GameEnded{SessionID: ref.SessionID, Aborted: true})
	case proto.EventGameOver:
		var over proto.GameOver
		if err := json.Unmarshal(msg.Data, &over); err != nil {
			return err
		}
		d.log.Info().Stringer("session_id", over.SessionID).Interface("winners", over.Report.Winners).Msg("game over")
		d.post(ctx, GameEnded{SessionID: over.SessionID})
	}
	return nil
}

func (d *Directory) post(ctx context.Context, m Msg) {
	if d.coord == nil {
		return
	}
	select {
	case d.coord.Inbox() <- m:
	case <-ctx.Done():
	}
}
