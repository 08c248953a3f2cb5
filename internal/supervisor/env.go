package supervisor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/vovakirdan/wiregame-server/internal/credential"
)

// Environment variables a worker reads its launch parameters from.
const (
	EnvSessionID   = "WIREGAME_SESSION_ID"
	EnvLobbyID     = "WIREGAME_LOBBY_ID"
	EnvSessionKey  = "WIREGAME_SESSION_KEY"
	EnvFingerprint = "WIREGAME_FINGERPRINT"
	EnvSlots       = "WIREGAME_SLOTS"

	EnvListenAddr   = "WIREGAME_LISTEN_ADDR"
	EnvTickRate     = "WIREGAME_TICK_RATE"
	EnvInitTicks    = "WIREGAME_INIT_TICKS"
	EnvPrepTicks    = "WIREGAME_PREP_TICKS"
	EnvPlayTicks    = "WIREGAME_PLAY_TICKS"
	EnvReadyTimeout = "WIREGAME_READY_TIMEOUT"
)

// Settings are the per-deployment worker parameters shared by every session.
type Settings struct {
	ListenHost   string
	TickRate     int
	InitTicks    uint64
	PrepTicks    uint64
	PlayTicks    uint64
	ReadyTimeout time.Duration
}

// Env encodes settings for Config.Env. Workers listen on an ephemeral port.
func (s Settings) Env() []string {
	return []string{
		EnvListenAddr + "=" + net.JoinHostPort(s.ListenHost, "0"),
		EnvTickRate + "=" + strconv.Itoa(s.TickRate),
		EnvInitTicks + "=" + strconv.FormatUint(s.InitTicks, 10),
		EnvPrepTicks + "=" + strconv.FormatUint(s.PrepTicks, 10),
		EnvPlayTicks + "=" + strconv.FormatUint(s.PlayTicks, 10),
		EnvReadyTimeout + "=" + s.ReadyTimeout.String(),
	}
}

// LaunchEnv encodes launch data for the worker environment. The session key is
// only ever handed over here.
func LaunchEnv(data credential.LaunchData) ([]string, error) {
	slots, err := json.Marshal(data.Slots())
	if err != nil {
		return nil, fmt.Errorf("encode slots: %w", err)
	}
	return []string{
		EnvSessionID + "=" + data.SessionID.String(),
		EnvLobbyID + "=" + data.LobbyID,
		EnvSessionKey + "=" + base64.StdEncoding.EncodeToString(data.Key),
		EnvFingerprint + "=" + string(data.Fingerprint),
		EnvSlots + "=" + string(slots),
	}, nil
}
