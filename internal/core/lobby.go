package core

import (
	"time"

	"github.com/vovakirdan/wiregame-server/internal/credential"
	"github.com/vovakirdan/wiregame-server/internal/game"
	"github.com/vovakirdan/wiregame-server/internal/supervisor"
)

// LobbyState is where a lobby is in the launch lifecycle.
type LobbyState uint8

const (
	LobbyOpen LobbyState = iota
	LobbyPendingAck
	LobbyLaunched
)

func (s LobbyState) String() string {
	switch s {
	case LobbyOpen:
		return "open"
	case LobbyPendingAck:
		return "pending_ack"
	case LobbyLaunched:
		return "launched"
	default:
		return "unknown"
	}
}

type lobby struct {
	snapshot  game.LobbySnapshot
	state     LobbyState
	attemptID string
	deadline  time.Time
	sessionID game.SessionID
}

// LobbyView is a read-only copy of a pooled lobby.
type LobbyView struct {
	Snapshot  game.LobbySnapshot
	State     LobbyState
	AttemptID string
	Deadline  time.Time
	SessionID game.SessionID
}

func (l *lobby) view() LobbyView {
	return LobbyView{
		Snapshot:  l.snapshot.Clone(),
		State:     l.state,
		AttemptID: l.attemptID,
		Deadline:  l.deadline,
		SessionID: l.sessionID,
	}
}

type sessionPhase uint8

const (
	phaseBuffering sessionPhase = iota
	phaseSpawning
	phaseRunning
)

func (p sessionPhase) String() string {
	switch p {
	case phaseBuffering:
		return "buffering"
	case phaseSpawning:
		return "spawning"
	case phaseRunning:
		return "running"
	default:
		return "unknown"
	}
}

type liveSession struct {
	id        game.SessionID
	lobbyID   string
	snapshot  game.LobbySnapshot
	phase     sessionPhase
	spawnAt   time.Time
	data      credential.LaunchData
	handle    *supervisor.Handle
	workerURL string
	// delivered marks users whose initial credential has been handed out.
	delivered map[string]bool
}

// SessionView is a read-only copy of a live session.
type SessionView struct {
	SessionID game.SessionID
	LobbyID   string
	Phase     string
	SpawnAt   time.Time
	WorkerURL string
	Slots     []game.Slot
}

func (s *liveSession) view() SessionView {
	return SessionView{
		SessionID: s.id,
		LobbyID:   s.lobbyID,
		Phase:     s.phase.String(),
		SpawnAt:   s.spawnAt,
		WorkerURL: s.workerURL,
		Slots:     s.data.Slots(),
	}
}
