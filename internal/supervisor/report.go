package supervisor

import "github.com/vovakirdan/wiregame-server/internal/game"

// Report is one entry of a session's report stream.
type Report interface{ isReport() }

// Started is reported once the worker accepts participant connections.
type Started struct {
	SessionID game.SessionID
	Addr      string
	Slots     []game.Slot
}

// GameOver carries the worker's final report.
type GameOver struct {
	SessionID game.SessionID
	Report    game.Report
}

// Aborted ends a stream that produced no result. Err holds operator-facing detail.
type Aborted struct {
	SessionID game.SessionID
	Reason    string
	Err       error
}

func (Started) isReport()  {}
func (GameOver) isReport() {}
func (Aborted) isReport()  {}

// Command is sent to a running session.
type Command interface{ isCommand() }

// Abort stops the session without a result.
type Abort struct {
	Reason string
}

// Supersede tells the worker that credentials for Slot below MinGeneration
// are no longer valid, because a newer one was issued.
type Supersede struct {
	Slot          uint32
	MinGeneration uint32
}

func (Abort) isCommand()     {}
func (Supersede) isCommand() {}
