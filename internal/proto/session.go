package proto

import "github.com/vovakirdan/wiregame-server/internal/game"

// SessionHello authenticates a participant to the worker.
type SessionHello struct {
	Token       string `json:"token"`
	Fingerprint string `json:"fingerprint"`
}

// Welcome confirms which slot a connection is attached to.
type Welcome struct {
	SessionID      game.SessionID `json:"session_id"`
	SessionLocalID uint32         `json:"session_local_id"`
	Role           game.Role      `json:"role"`
}

// ModeUpdate carries the authoritative session mode. Seq increases by one per
// transition; replies to mode requests repeat the latest seq.
type ModeUpdate struct {
	Mode string `json:"mode"`
	Tick uint64 `json:"tick"`
	Seq  uint64 `json:"seq"`
}

// Clicks is the best-effort score broadcast.
type Clicks struct {
	Tick   uint64       `json:"tick"`
	Scores []game.Score `json:"scores"`
}
