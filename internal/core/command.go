package core

import "github.com/vovakirdan/wiregame-server/internal/game"

// CommandKind describes what the member wants to do.
type CommandKind int

const (
	// CommandAckPendingLobby agrees to a pending launch.
	CommandAckPendingLobby CommandKind = iota
	// CommandNackPendingLobby refuses a pending launch.
	CommandNackPendingLobby
	// CommandGetConnectToken asks for a fresh credential for a running session.
	CommandGetConnectToken
)

// Command represents an action requested by a member.
type Command struct {
	Kind      CommandKind
	LobbyID   string
	SessionID game.SessionID
}
