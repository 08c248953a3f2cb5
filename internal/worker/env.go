// Package worker is the game instance: it runs one session's authoritative
// mode clock and click counter, admits participants by connect credential and
// reports its lifecycle to the supervisor over stdout.
package worker

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/vovakirdan/wiregame-server/internal/credential"
	"github.com/vovakirdan/wiregame-server/internal/game"
	"github.com/vovakirdan/wiregame-server/internal/session"
)

// SessionKey is the base64 encoded per-session signing key.
type SessionKey []byte

func (k *SessionKey) UnmarshalText(text []byte) error {
	decoded, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decode session key: %w", err)
	}
	*k = decoded
	return nil
}

// SlotList is the JSON encoded slot assignment.
type SlotList []game.Slot

func (l *SlotList) UnmarshalText(text []byte) error {
	var slots []game.Slot
	if err := json.Unmarshal(text, &slots); err != nil {
		return fmt.Errorf("decode slots: %w", err)
	}
	*l = slots
	return nil
}

// Env is the launch environment set by the supervisor.
type Env struct {
	SessionID    game.SessionID         `env:"WIREGAME_SESSION_ID,required" validate:"gt=0"`
	LobbyID      string                 `env:"WIREGAME_LOBBY_ID"`
	SessionKey   SessionKey             `env:"WIREGAME_SESSION_KEY,required,unset" validate:"min=16"`
	Fingerprint  credential.Fingerprint `env:"WIREGAME_FINGERPRINT,required" validate:"required"`
	Slots        SlotList               `env:"WIREGAME_SLOTS,required" validate:"min=1,dive"`
	ListenAddr   string                 `env:"WIREGAME_LISTEN_ADDR" envDefault:"127.0.0.1:0"`
	TickRate     int                    `env:"WIREGAME_TICK_RATE" envDefault:"10" validate:"gte=1,lte=1000"`
	InitTicks    uint64                 `env:"WIREGAME_INIT_TICKS" envDefault:"10"`
	PrepTicks    uint64                 `env:"WIREGAME_PREP_TICKS" envDefault:"30"`
	PlayTicks    uint64                 `env:"WIREGAME_PLAY_TICKS" envDefault:"100"`
	ReadyTimeout time.Duration          `env:"WIREGAME_READY_TIMEOUT" envDefault:"30s" validate:"gt=0"`
}

// LoadEnv reads the launch environment of the current process. The session
// key variable is removed once read.
func LoadEnv() (Env, error) {
	return parseEnv(env.Options{})
}

// ParseEnv reads the launch environment from vars, as produced by os.Environ.
func ParseEnv(vars []string) (Env, error) {
	return parseEnv(env.Options{Environment: env.ToMap(vars)})
}

func parseEnv(opts env.Options) (Env, error) {
	var cfg Env
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Env{}, game.NewError(game.KindValidation, "bad_request", "parse worker environment", err)
	}
	if err := game.Validator().Struct(cfg); err != nil {
		return Env{}, game.NewError(game.KindValidation, "bad_request", "invalid worker environment", err)
	}
	if err := cfg.Schedule().Validate(); err != nil {
		return Env{}, err
	}
	return cfg, nil
}

// Schedule returns the configured mode schedule.
func (e Env) Schedule() session.Schedule {
	return session.Schedule{InitTicks: e.InitTicks, PrepTicks: e.PrepTicks, PlayTicks: e.PlayTicks}
}

// Slot returns the slot with the given session-local id.
func (e Env) Slot(localID uint32) (game.Slot, bool) {
	for _, s := range e.Slots {
		if s.SessionLocalID == localID {
			return s, true
		}
	}
	return game.Slot{}, false
}
