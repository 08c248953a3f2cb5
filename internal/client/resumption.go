// Package client is the participant side of a session: it tracks the session
// the user is in and keeps a local attach process connected to it across
// directory reconnects and credential refreshes.
package client

import (
	"context"

	"github.com/vovakirdan/wiregame-server/internal/game"
	"github.com/vovakirdan/wiregame-server/internal/proto"
)

// Resumption says how a session is (re)joined. It is either Local or Hosted.
type Resumption interface{ isResumption() }

// Hosted joins a worker run by the directory.
type Hosted struct {
	WorkerURL string
	LobbyID   string
	Role      game.Role
}

// Local runs the worker on this machine for a single-player session.
type Local struct {
	Snapshot game.LobbySnapshot
}

func (Hosted) isResumption() {}
func (Local) isResumption()  {}

// Starter is what the client keeps while it believes it owns a session.
type Starter struct {
	SessionID  game.SessionID
	Resumption Resumption
}

// Attachment is a running local process attached to a session.
type Attachment interface {
	// Forward hands a fresh credential to the live process.
	Forward(cred proto.Credential) error
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// Err is the exit cause, valid once Done is closed.
	Err() error
	// Close stops the process and returns once it has exited.
	Close() error
}

// ExitProtocolMismatch is the play process exit code for a refused protocol.
const ExitProtocolMismatch = 3

// Launcher starts an attachment for one kind of resumption.
type Launcher interface {
	Attach(ctx context.Context, starter Starter, cred proto.Credential) (Attachment, error)
}

// Launchers routes each resumption kind to its launcher.
type Launchers struct {
	Hosted Launcher
	Local  Launcher
}

func (l Launchers) forStarter(s Starter) Launcher {
	switch s.Resumption.(type) {
	case Hosted:
		return l.Hosted
	case Local:
		return l.Local
	default:
		return nil
	}
}
