package proto

import (
	"time"

	"github.com/vovakirdan/wiregame-server/internal/credential"
	"github.com/vovakirdan/wiregame-server/internal/game"
)

// HelloData is sent by a member to introduce itself to the directory.
type HelloData struct {
	UserID   string `json:"user_id"`
	Protocol int    `json:"protocol,omitempty"`
}

// LobbyRef names a lobby in ack/nack requests and notifications.
type LobbyRef struct {
	LobbyID string `json:"lobby_id"`
}

// SessionRef names a session in token requests and abort notifications.
type SessionRef struct {
	SessionID game.SessionID `json:"session_id"`
}

// PendingLobbyAckRequest asks a member to confirm a launch before the deadline.
type PendingLobbyAckRequest struct {
	LobbyID  string `json:"lobby_id"`
	Deadline int64  `json:"deadline_ms"`
}

// Credential is the wire form of a connect credential.
type Credential struct {
	SessionLocalID uint32 `json:"session_local_id"`
	Fingerprint    string `json:"fingerprint"`
	Token          string `json:"token"`
	Expiry         int64  `json:"expiry_ms"`
}

// StartInfo tells a member where and as what it joins the session.
type StartInfo struct {
	Location  string    `json:"location"`
	WorkerURL string    `json:"worker_url"`
	Role      game.Role `json:"role"`
	LobbyID   string    `json:"lobby_id"`
}

// GameStart hands a member a fresh credential for a running session.
type GameStart struct {
	SessionID  game.SessionID `json:"session_id"`
	Credential Credential     `json:"credential"`
	StartInfo  StartInfo      `json:"start_info"`
}

// GameOver announces the final report of a session.
type GameOver struct {
	SessionID game.SessionID `json:"session_id"`
	Report    game.Report    `json:"report"`
}

// WireCredential converts an issued credential to its wire form.
func WireCredential(c credential.Credential) Credential {
	return Credential{
		SessionLocalID: c.SessionLocalID,
		Fingerprint:    string(c.Fingerprint),
		Token:          c.Token,
		Expiry:         c.Expiry.UnixMilli(),
	}
}

// Expired reports whether the credential's expiry has passed at now.
func (c Credential) Expired(now time.Time) bool {
	return c.Expiry > 0 && now.UnixMilli() >= c.Expiry
}
