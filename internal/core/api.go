package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/vovakirdan/wiregame-server/internal/credential"
	"github.com/vovakirdan/wiregame-server/internal/game"
	"github.com/vovakirdan/wiregame-server/internal/store"
	"github.com/vovakirdan/wiregame-server/internal/supervisor"
)

// RegisterLobby adds a lobby to the pool in the Open state.
func (h *Hub) RegisterLobby(ctx context.Context, snapshot game.LobbySnapshot) (LobbyView, error) {
	if err := game.ValidateSnapshot(snapshot); err != nil {
		return LobbyView{}, err
	}
	var (
		view LobbyView
		err  error
	)
	callErr := h.do(ctx, func() {
		if _, exists := h.lobbies[snapshot.LobbyID]; exists {
			err = fmt.Errorf("lobby %s: %w", snapshot.LobbyID, ErrLobbyExists)
			return
		}
		l := &lobby{snapshot: snapshot.Clone(), state: LobbyOpen}
		h.lobbies[snapshot.LobbyID] = l
		view = l.view()
		h.log.Info().Str("lobby_id", snapshot.LobbyID).Int("members", len(snapshot.Members)).Msg("lobby registered")
	})
	if callErr != nil {
		return LobbyView{}, callErr
	}
	return view, err
}

// Lobby returns a copy of a pooled lobby.
func (h *Hub) Lobby(ctx context.Context, lobbyID string) (LobbyView, error) {
	var (
		view  LobbyView
		found bool
	)
	if err := h.do(ctx, func() {
		if l, ok := h.lobbies[lobbyID]; ok {
			view, found = l.view(), true
		}
	}); err != nil {
		return LobbyView{}, err
	}
	if !found {
		return LobbyView{}, fmt.Errorf("lobby %s: %w", lobbyID, ErrLobbyNotFound)
	}
	return view, nil
}

// Lobbies lists the pool ordered by lobby id.
func (h *Hub) Lobbies(ctx context.Context) ([]LobbyView, error) {
	var out []LobbyView
	if err := h.do(ctx, func() {
		out = make([]LobbyView, 0, len(h.lobbies))
		for _, l := range h.lobbies {
			out = append(out, l.view())
		}
	}); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Snapshot.LobbyID < out[j].Snapshot.LobbyID })
	return out, nil
}

// Launch marks an open lobby launchable: every member is asked to acknowledge
// before now plus the ack timeout. Capacity is checked before anything is
// committed.
func (h *Hub) Launch(ctx context.Context, lobbyID string) (LobbyView, error) {
	var (
		view LobbyView
		err  error
	)
	callErr := h.do(ctx, func() {
		l, ok := h.lobbies[lobbyID]
		if !ok {
			err = fmt.Errorf("lobby %s: %w", lobbyID, ErrLobbyNotFound)
			return
		}
		if l.state != LobbyOpen {
			err = fmt.Errorf("lobby %s is %s: %w", lobbyID, l.state, ErrLobbyBusy)
			return
		}
		if err = h.issuer.Check(l.snapshot, credential.SessionConfig{
			MaxPlayers:  h.cfg.MaxPlayers,
			MaxWatchers: h.cfg.MaxWatchers,
		}); err != nil {
			return
		}
		deadline := h.now().Add(h.cfg.AckTimeout)
		var attemptID string
		if attemptID, err = h.launches.RequestLaunch(l.snapshot, deadline); err != nil {
			return
		}
		l.state = LobbyPendingAck
		l.attemptID = attemptID
		l.deadline = deadline
		h.notifyMembers(l.snapshot, &Event{Kind: EventPendingLobbyAckRequest, LobbyID: lobbyID, Deadline: deadline})
		view = l.view()
	})
	if callErr != nil {
		return LobbyView{}, callErr
	}
	return view, err
}

// Sessions lists live sessions ordered by id.
func (h *Hub) Sessions(ctx context.Context) ([]SessionView, error) {
	var out []SessionView
	if err := h.do(ctx, func() {
		out = make([]SessionView, 0, len(h.sessions))
		for _, s := range h.sessions {
			out = append(out, s.view())
		}
	}); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// AbortSession stops a running session. Members are told through the
// session's aborted report like any other abort.
func (h *Hub) AbortSession(ctx context.Context, sessionID game.SessionID, reason string) error {
	var (
		handle *supervisor.Handle
		known  bool
	)
	if err := h.do(ctx, func() {
		s, ok := h.sessions[sessionID]
		if !ok {
			return
		}
		known = true
		handle = s.handle
	}); err != nil {
		return err
	}
	if !known {
		return game.NewError(game.KindStaleState, ErrCodeUnknown, fmt.Sprintf("session %s is not live", sessionID), nil)
	}
	if handle == nil {
		return game.NewError(game.KindStaleState, ErrCodeUnknown, fmt.Sprintf("session %s has no worker yet", sessionID), nil)
	}
	if reason == "" {
		reason = "aborted by operator"
	}
	handle.SendCommand(supervisor.Abort{Reason: reason})
	return nil
}

// Report returns the cached final report of a finished session.
func (h *Hub) Report(ctx context.Context, sessionID game.SessionID) (*store.CachedReport, error) {
	if h.reports == nil {
		return nil, store.ErrNotFound
	}
	return h.reports.GetReport(ctx, sessionID)
}

// Reports lists recently finished sessions, newest first.
func (h *Hub) Reports(ctx context.Context, limit int) ([]*store.CachedReport, error) {
	if h.reports == nil {
		return nil, nil
	}
	return h.reports.ListReports(ctx, limit)
}

// Wait blocks until Run has returned or timeout elapses.
func (h *Hub) Wait(timeout time.Duration) bool {
	select {
	case <-h.stopped:
		return true
	case <-time.After(timeout):
		return false
	}
}
