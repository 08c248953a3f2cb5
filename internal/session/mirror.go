package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vovakirdan/wiregame-server/internal/game"
)

// ErrStaleUpdate is returned for an update older than the mirrored state.
var ErrStaleUpdate = errors.New("stale mode update")

// Mirror is a client's read-only replica of the authoritative mode. It only
// changes through Apply.
type Mirror struct {
	mu     sync.RWMutex
	cur    Update
	synced bool
}

// Apply adopts u if it is not older than the mirrored state. A repeat of the
// current sequence number (a mode_request reply) refreshes the tick only.
// Older sequence numbers and mode regressions are rejected.
func (m *Mirror) Apply(u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.synced {
		switch {
		case u.Seq < m.cur.Seq:
			return game.NewError(game.KindStaleState, "stale_mode",
				fmt.Sprintf("update seq %d before %d", u.Seq, m.cur.Seq), ErrStaleUpdate)
		case u.Mode < m.cur.Mode, u.Seq == m.cur.Seq && u.Mode != m.cur.Mode:
			return game.NewError(game.KindStaleState, "stale_mode",
				fmt.Sprintf("mode %s cannot follow %s", u.Mode, m.cur.Mode), ErrStaleUpdate)
		case u.Seq == m.cur.Seq && u.Tick < m.cur.Tick:
			// resent current state; keep the newer tick
			return nil
		}
	}
	m.cur = u
	m.synced = true
	return nil
}

// Current returns the mirrored update and whether any update was received.
func (m *Mirror) Current() (Update, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur, m.synced
}

// Mode returns the mirrored mode, Init before the first update.
func (m *Mirror) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur.Mode
}
