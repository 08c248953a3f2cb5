package worker

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vovakirdan/wiregame-server/internal/game"
	"github.com/vovakirdan/wiregame-server/internal/session"
)

var (
	// ErrNotPlaying is returned for input outside the Play mode.
	ErrNotPlaying = errors.New("clicks are only accepted during play")
	// ErrWatcherInput is returned for gameplay input from a watcher slot.
	ErrWatcherInput = errors.New("watchers cannot click")
)

// Scoreboard counts player clicks and produces the final report.
type Scoreboard struct {
	sessionID game.SessionID
	lobbyID   string
	slots     []game.Slot
	mode      func() session.Mode

	mu     sync.Mutex
	clicks map[uint32]uint64
	dirty  bool
	closed bool
}

// NewScoreboard creates a scoreboard for slots. mode reports the authoritative mode.
func NewScoreboard(sessionID game.SessionID, lobbyID string, slots []game.Slot, mode func() session.Mode) *Scoreboard {
	clicks := make(map[uint32]uint64)
	for _, s := range slots {
		if s.Role == game.RolePlayer {
			clicks[s.SessionLocalID] = 0
		}
	}
	return &Scoreboard{
		sessionID: sessionID,
		lobbyID:   lobbyID,
		slots:     slots,
		mode:      mode,
		clicks:    clicks,
	}
}

// Click records one click from slot.
func (b *Scoreboard) Click(slot game.Slot) error {
	switch slot.Role {
	case game.RolePlayer:
	case game.RoleWatcher:
		return game.NewError(game.KindValidation, "watcher_input", "watchers cannot click", ErrWatcherInput)
	default:
		return game.NewError(game.KindValidation, "bad_request", fmt.Sprintf("unknown role %d", slot.Role), nil)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.mode() != session.ModePlay {
		return game.NewError(game.KindValidation, "not_in_play", "clicks are only accepted during play", ErrNotPlaying)
	}
	b.clicks[slot.SessionLocalID]++
	b.dirty = true
	return nil
}

// Scores returns the current totals ordered by session-local id.
func (b *Scoreboard) Scores() []game.Score {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scoresLocked()
}

// TakeDirty returns the totals if they changed since the last call.
func (b *Scoreboard) TakeDirty() ([]game.Score, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dirty {
		return nil, false
	}
	b.dirty = false
	return b.scoresLocked(), true
}

// Final closes the scoreboard and builds the report. Winners are the players
// sharing the highest non-zero total.
func (b *Scoreboard) Final(endTick uint64) game.Report {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true

	scores := b.scoresLocked()
	var best uint64
	for _, s := range scores {
		if s.Clicks > best {
			best = s.Clicks
		}
	}
	winners := []uint32{}
	if best > 0 {
		for _, s := range scores {
			if s.Clicks == best {
				winners = append(winners, s.SessionLocalID)
			}
		}
	}
	return game.Report{
		SessionID: b.sessionID,
		LobbyID:   b.lobbyID,
		EndTick:   endTick,
		Scores:    scores,
		Winners:   winners,
	}
}

func (b *Scoreboard) scoresLocked() []game.Score {
	scores := make([]game.Score, 0, len(b.clicks))
	for _, s := range b.slots {
		if s.Role != game.RolePlayer {
			continue
		}
		scores = append(scores, game.Score{SessionLocalID: s.SessionLocalID, UserID: s.UserID, Clicks: b.clicks[s.SessionLocalID]})
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].SessionLocalID < scores[j].SessionLocalID })
	return scores
}
