package core

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vovakirdan/wiregame-server/internal/credential"
	"github.com/vovakirdan/wiregame-server/internal/game"
	"github.com/vovakirdan/wiregame-server/internal/launch"
	"github.com/vovakirdan/wiregame-server/internal/supervisor"
)

func (h *Hub) sessionConfig(id game.SessionID) credential.SessionConfig {
	return credential.SessionConfig{
		SessionID:     id,
		MaxPlayers:    h.cfg.MaxPlayers,
		MaxWatchers:   h.cfg.MaxWatchers,
		Fingerprint:   h.cfg.Fingerprint,
		CredentialTTL: h.cfg.CredentialTTL,
		Seed:          rand.Uint64(),
	}
}

func (h *Hub) resolve(lobbyID string, outcome launch.Outcome) {
	l, ok := h.lobbies[lobbyID]
	if !ok || l.state != LobbyPendingAck {
		return
	}
	switch o := outcome.(type) {
	case launch.Committed:
		if o.AttemptID != l.attemptID {
			return
		}
		h.commit(l, o)
	case launch.Aborted:
		if o.AttemptID != l.attemptID {
			return
		}
		h.log.Info().Str("lobby_id", lobbyID).Stringer("reason", o.Reason).Str("user_id", o.UserID).Msg("launch aborted, lobby back in pool")
		l.state = LobbyOpen
		l.attemptID = ""
		l.deadline = time.Time{}
		h.notifyMembers(l.snapshot, &Event{Kind: EventPendingLobbyAckFail, LobbyID: lobbyID})
	case launch.StillWaiting:
	}
}

func (h *Hub) commit(l *lobby, c launch.Committed) {
	_, span := otel.Tracer("wiregame/core").Start(h.ctx, "launch.commit")
	defer span.End()

	h.nextSession++
	id := game.SessionID(h.nextSession)
	span.SetAttributes(attribute.String("lobby.id", l.snapshot.LobbyID), attribute.Int64("session.id", int64(id)))

	l.state = LobbyLaunched
	l.sessionID = id
	h.sessions[id] = &liveSession{
		id:        id,
		lobbyID:   l.snapshot.LobbyID,
		snapshot:  c.Snapshot,
		phase:     phaseBuffering,
		spawnAt:   c.SpawnAt,
		delivered: make(map[string]bool),
	}

	wait := c.SpawnAt.Sub(h.now())
	if wait < 0 {
		wait = 0
	}
	h.log.Info().Str("lobby_id", l.snapshot.LobbyID).Stringer("session_id", id).Dur("start_buffer", wait).Msg("launch committed")
	time.AfterFunc(wait, func() { h.post(spawnDue{sessionID: id}) })
}

func (h *Hub) spawn(id game.SessionID) {
	s, ok := h.sessions[id]
	if !ok || s.phase != phaseBuffering {
		return
	}

	data, err := h.issuer.BuildLaunchData(h.ctx, s.snapshot, h.sessionConfig(id))
	if err != nil {
		h.abortUnstarted(s, err, "build launch data")
		return
	}
	handle, err := h.sup.Launch(h.ctx, data)
	if err != nil {
		h.abortUnstarted(s, err, "launch worker")
		return
	}

	s.data = data
	s.handle = handle
	s.phase = phaseSpawning
	go h.pump(id, handle)
}

// abortUnstarted ends a committed session whose worker could not be spawned.
// Members see the same game_aborted as for a worker that died.
func (h *Hub) abortUnstarted(s *liveSession, err error, step string) {
	h.log.Error().Err(err).Stringer("session_id", s.id).Str("step", step).Msg("session aborted before start")
	h.notifyMembers(s.snapshot, &Event{Kind: EventGameAborted, SessionID: s.id})
	h.end(s)
}

func (h *Hub) pump(id game.SessionID, handle *supervisor.Handle) {
	for r := range handle.Reports() {
		h.post(sessionReport{sessionID: id, report: r})
	}
}

func (h *Hub) handleReport(id game.SessionID, r supervisor.Report) {
	s, ok := h.sessions[id]
	if !ok {
		err := game.NewError(game.KindStaleState, ErrCodeUnknown, fmt.Sprintf("report for untracked session %s", id), nil)
		h.log.Warn().Err(err).Msg("dropping report")
		return
	}
	switch rep := r.(type) {
	case supervisor.Started:
		s.phase = phaseRunning
		s.workerURL = workerURL(rep.Addr)
		h.log.Info().Stringer("session_id", id).Str("worker_url", s.workerURL).Msg("session started")
		for _, m := range s.snapshot.Members {
			if _, online := h.presence[m.UserID]; !online {
				continue
			}
			if ev := h.startEvent(s, m.UserID); ev != nil {
				h.notifyUser(m.UserID, ev)
			}
		}
	case supervisor.GameOver:
		report := rep.Report
		report.SessionID = id
		report.LobbyID = s.lobbyID
		if h.reports != nil {
			if err := h.reports.SaveReport(context.Background(), report); err != nil {
				h.log.Error().Err(err).Stringer("session_id", id).Msg("cache report")
			}
		}
		h.notifyMembers(s.snapshot, &Event{Kind: EventGameOver, SessionID: id, Report: &report})
		h.end(s)
	case supervisor.Aborted:
		// members see a generic end; the cause stays in the operator log
		h.log.Warn().Err(rep.Err).Stringer("session_id", id).Str("reason", rep.Reason).Msg("session aborted")
		h.notifyMembers(s.snapshot, &Event{Kind: EventGameAborted, SessionID: id})
		h.end(s)
	}
}

func (h *Hub) end(s *liveSession) {
	h.issuer.Forget(s.id)
	delete(h.sessions, s.id)
	if l, ok := h.lobbies[s.lobbyID]; ok && l.sessionID == s.id {
		l.state = LobbyOpen
		l.sessionID = 0
		l.attemptID = ""
	}
}

// startEvent builds a game_start for userID. The first delivery hands out the
// credential minted at launch; later ones reissue, superseding the previous.
func (h *Hub) startEvent(s *liveSession, userID string) *Event {
	p, ok := s.data.SlotForUser(userID)
	if !ok {
		return nil
	}
	cred := p.Credential
	if s.delivered[userID] {
		fresh, err := h.issuer.ReissueCredential(s.id, p.Slot.SessionLocalID)
		if err != nil {
			h.log.Error().Err(err).Stringer("session_id", s.id).Msg("reissue credential")
			return nil
		}
		cred = fresh
		if s.handle != nil {
			s.handle.SendCommand(supervisor.Supersede{Slot: fresh.SessionLocalID, MinGeneration: fresh.Generation})
		}
	}
	s.delivered[userID] = true
	return &Event{
		Kind:      EventGameStart,
		SessionID: s.id,
		Start: &StartEvent{
			Credential: cred,
			WorkerURL:  s.workerURL,
			Role:       p.Slot.Role,
			LobbyID:    s.lobbyID,
		},
	}
}

func (h *Hub) connectToken(c *Client, id game.SessionID) {
	s, ok := h.sessions[id]
	if !ok {
		h.fail(c, game.NewError(game.KindStaleState, ErrCodeUnknown, fmt.Sprintf("session %s is not running", id), nil))
		return
	}
	if !s.snapshot.HasMember(c.UserID) {
		h.fail(c, game.NewError(game.KindValidation, ErrCodeNotMember, "not a session participant", nil))
		return
	}
	if s.phase != phaseRunning {
		// game_start follows once the worker reports started
		return
	}
	if ev := h.startEvent(s, c.UserID); ev != nil {
		h.sendTo(c, ev)
	}
}

// workerURL turns a worker's listen address into a dialable session URL.
func workerURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
			addr = net.JoinHostPort("127.0.0.1", port)
		}
	}
	return "ws://" + addr + "/session"
}
