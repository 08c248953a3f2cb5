package core

import (
	"time"

	"github.com/vovakirdan/wiregame-server/internal/credential"
	"github.com/vovakirdan/wiregame-server/internal/game"
)

// EventKind is a notification the hub emits to members.
type EventKind int

const (
	// EventPendingLobbyAckRequest asks the member to ack or nack a launch.
	EventPendingLobbyAckRequest EventKind = iota
	// EventPendingLobbyAckFail tells the member the launch was abandoned.
	EventPendingLobbyAckFail
	// EventGameStart hands the member a credential for a running session.
	EventGameStart
	// EventGameAborted ends a session without a result.
	EventGameAborted
	// EventGameOver ends a session with its report.
	EventGameOver
	// EventError notifies the member about a rejected command.
	EventError
)

// Event is sent to members to describe what happened.
type Event struct {
	Kind      EventKind
	LobbyID   string
	SessionID game.SessionID
	Deadline  time.Time
	Start     *StartEvent
	Report    *game.Report
	Error     *CoreError
}

// StartEvent carries what a member needs to join a session.
type StartEvent struct {
	Credential credential.Credential
	WorkerURL  string
	Role       game.Role
	LobbyID    string
}
