// Package session holds the tick-driven session mode machine: the
// authoritative clock run by a worker and the read-only mirror kept by clients.
package session

import (
	"fmt"

	"github.com/vovakirdan/wiregame-server/internal/game"
)

// Mode is a session phase. Modes only ever move forward.
type Mode uint8

const (
	ModeInit Mode = iota
	ModePrep
	ModePlay
	ModeGameOver
)

func (m Mode) String() string {
	switch m {
	case ModeInit:
		return "init"
	case ModePrep:
		return "prep"
	case ModePlay:
		return "play"
	case ModeGameOver:
		return "game_over"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "init":
		return ModeInit, nil
	case "prep":
		return ModePrep, nil
	case "play":
		return ModePlay, nil
	case "game_over":
		return ModeGameOver, nil
	}
	return 0, game.NewError(game.KindValidation, "bad_request", fmt.Sprintf("unknown mode %q", s), nil)
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Terminal reports whether no transition leaves m.
func (m Mode) Terminal() bool {
	return m == ModeGameOver
}

// Schedule is the fixed number of ticks spent in each non-terminal mode.
type Schedule struct {
	InitTicks uint64 `validate:"gte=1"`
	PrepTicks uint64 `validate:"gte=1"`
	PlayTicks uint64 `validate:"gte=1"`
}

// Validate rejects schedules that would skip a mode.
func (s Schedule) Validate() error {
	if err := game.Validator().Struct(s); err != nil {
		return game.NewError(game.KindValidation, "bad_request", "invalid mode schedule", err)
	}
	return nil
}

// Total is the tick at which the session enters GameOver.
func (s Schedule) Total() uint64 {
	return s.InitTicks + s.PrepTicks + s.PlayTicks
}

// ModeAt computes the mode for tick from the thresholds alone.
func (s Schedule) ModeAt(tick uint64) Mode {
	switch {
	case tick < s.InitTicks:
		return ModeInit
	case tick < s.InitTicks+s.PrepTicks:
		return ModePrep
	case tick < s.Total():
		return ModePlay
	default:
		return ModeGameOver
	}
}

// Update is one authoritative mode broadcast. Seq increases by one per
// transition; the initial Init state has Seq 0.
type Update struct {
	Mode Mode
	Tick uint64
	Seq  uint64
}
