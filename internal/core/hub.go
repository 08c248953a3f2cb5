// Package core is the lobby directory: it pools lobbies, tracks member
// connections and drives each launch from acknowledgement to session end.
package core

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregame-server/internal/credential"
	"github.com/vovakirdan/wiregame-server/internal/game"
	"github.com/vovakirdan/wiregame-server/internal/launch"
	"github.com/vovakirdan/wiregame-server/internal/store"
	"github.com/vovakirdan/wiregame-server/internal/supervisor"
)

// Config parameterizes the directory.
type Config struct {
	AckTimeout    time.Duration
	StartBuffer   time.Duration
	CredentialTTL time.Duration
	// MaxPlayers and MaxWatchers are server-wide ceilings; zero means none.
	MaxPlayers   int
	MaxWatchers  int
	Fingerprint  credential.Fingerprint
	PollInterval time.Duration
}

type clientCommand struct {
	client *Client
	cmd    *Command
}

type spawnDue struct {
	sessionID game.SessionID
}

type sessionReport struct {
	sessionID game.SessionID
	report    supervisor.Report
}

// Hub owns all directory state. Everything below the channels is confined to
// the Run goroutine.
type Hub struct {
	cfg      Config
	launches *launch.Coordinator
	issuer   *credential.Issuer
	sup      *supervisor.Supervisor
	reports  store.ReportStore
	log      zerolog.Logger
	now      func() time.Time

	register   chan *Client
	unregister chan *Client
	commands   chan clientCommand
	calls      chan func()
	internal   chan any
	stopped    chan struct{}
	ctx        context.Context

	presence    map[string]*Presence
	lobbies     map[string]*lobby
	sessions    map[game.SessionID]*liveSession
	nextSession uint64
}

// NewHub creates a directory hub. Call Run to start it.
func NewHub(cfg Config, launches *launch.Coordinator, issuer *credential.Issuer, sup *supervisor.Supervisor, reports store.ReportStore, logger *zerolog.Logger) *Hub {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Hub{
		cfg:        cfg,
		launches:   launches,
		issuer:     issuer,
		sup:        sup,
		reports:    reports,
		log:        logger.With().Str("component", "hub").Logger(),
		now:        time.Now,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		commands:   make(chan clientCommand, 64),
		calls:      make(chan func()),
		internal:   make(chan any, 64),
		stopped:    make(chan struct{}),
		ctx:        context.Background(),
		presence:   make(map[string]*Presence),
		lobbies:    make(map[string]*lobby),
		sessions:   make(map[game.SessionID]*liveSession),
	}
}

// Run processes hub traffic until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.ctx = ctx
	defer close(h.stopped)

	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info().Int("sessions", len(h.sessions)).Msg("hub stopping")
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		case cc := <-h.commands:
			h.handleCommand(cc.client, cc.cmd)
		case fn := <-h.calls:
			fn()
		case msg := <-h.internal:
			switch m := msg.(type) {
			case spawnDue:
				h.spawn(m.sessionID)
			case sessionReport:
				h.handleReport(m.sessionID, m.report)
			}
		case <-ticker.C:
			for _, res := range h.launches.PollAll() {
				h.resolve(res.LobbyID, res.Outcome)
			}
		}
	}
}

// RegisterClient attaches a member connection and starts forwarding its commands.
func (h *Hub) RegisterClient(c *Client) {
	select {
	case h.register <- c:
	case <-h.stopped:
		return
	}
	go h.forward(c)
}

// UnregisterClient detaches a member connection and closes its Events channel.
func (h *Hub) UnregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
	}
}

func (h *Hub) forward(c *Client) {
	for {
		select {
		case cmd := <-c.Commands:
			select {
			case h.commands <- clientCommand{client: c, cmd: cmd}:
			case <-c.gone:
				return
			case <-h.stopped:
				return
			}
		case <-c.gone:
			return
		case <-h.stopped:
			return
		}
	}
}

// post hands an internal message to the loop from another goroutine.
func (h *Hub) post(msg any) {
	select {
	case h.internal <- msg:
	case <-h.stopped:
	}
}

// do runs fn on the hub goroutine and waits for it.
func (h *Hub) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case h.calls <- func() { fn(); close(done) }:
	case <-h.stopped:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

func (h *Hub) addClient(c *Client) {
	p, ok := h.presence[c.UserID]
	if !ok {
		p = NewPresence(c.UserID)
		h.presence[c.UserID] = p
	}
	p.AddClient(c)
	h.log.Debug().Str("client_id", c.ID).Str("user_id", c.UserID).Msg("member connected")
	h.catchUp(c)
}

func (h *Hub) removeClient(c *Client) {
	p, ok := h.presence[c.UserID]
	if !ok || !p.RemoveClient(c) {
		return
	}
	if p.Empty() {
		delete(h.presence, c.UserID)
	}
	close(c.gone)
	close(c.Events)
	h.log.Debug().Str("client_id", c.ID).Str("user_id", c.UserID).Msg("member disconnected")
}

// catchUp replays what a (re)connecting member missed: a pending ack request
// or a fresh credential for its running session.
func (h *Hub) catchUp(c *Client) {
	for _, l := range h.lobbies {
		if !l.snapshot.HasMember(c.UserID) {
			continue
		}
		switch l.state {
		case LobbyPendingAck:
			h.sendTo(c, &Event{Kind: EventPendingLobbyAckRequest, LobbyID: l.snapshot.LobbyID, Deadline: l.deadline})
		case LobbyLaunched:
			if s, ok := h.sessions[l.sessionID]; ok && s.phase == phaseRunning {
				if ev := h.startEvent(s, c.UserID); ev != nil {
					h.sendTo(c, ev)
				}
			}
		}
	}
}

func (h *Hub) sendTo(c *Client, ev *Event) {
	select {
	case c.Events <- ev:
	default:
		h.log.Warn().Str("client_id", c.ID).Msg("member too slow, event dropped")
	}
}

func (h *Hub) notifyUser(userID string, ev *Event) {
	if p, ok := h.presence[userID]; ok {
		if p.Broadcast(ev) == 0 {
			h.log.Warn().Str("user_id", userID).Msg("member too slow, event dropped")
		}
	}
}

func (h *Hub) notifyMembers(snapshot game.LobbySnapshot, ev *Event) {
	for _, m := range snapshot.Members {
		h.notifyUser(m.UserID, ev)
	}
}

func (h *Hub) fail(c *Client, err error) {
	h.sendTo(c, &Event{Kind: EventError, Error: coreErrorFrom(err)})
}

func (h *Hub) handleCommand(c *Client, cmd *Command) {
	if cmd == nil {
		return
	}
	switch cmd.Kind {
	case CommandAckPendingLobby:
		if err := h.launches.RecordAck(cmd.LobbyID, c.UserID); err != nil {
			h.fail(c, err)
			return
		}
		h.pollLobby(cmd.LobbyID)
	case CommandNackPendingLobby:
		if err := h.launches.RecordNack(cmd.LobbyID, c.UserID); err != nil {
			h.fail(c, err)
			return
		}
		h.pollLobby(cmd.LobbyID)
	case CommandGetConnectToken:
		h.connectToken(c, cmd.SessionID)
	default:
		h.sendTo(c, &Event{Kind: EventError, Error: coreError(ErrCodeBadRequest, "unknown command")})
	}
}

func (h *Hub) pollLobby(lobbyID string) {
	outcome, err := h.launches.Poll(lobbyID)
	if err != nil {
		return
	}
	h.resolve(lobbyID, outcome)
}
