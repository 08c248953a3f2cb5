package launch

import (
	"time"

	"github.com/vovakirdan/wiregame-server/internal/game"
)

// Outcome is the result of polling a pending launch.
type Outcome interface{ isOutcome() }

// StillWaiting means at least one member has not answered and the deadline has not passed.
type StillWaiting struct{}

// Committed means every member acked before the deadline.
type Committed struct {
	AttemptID   string
	Snapshot    game.LobbySnapshot
	CommittedAt time.Time
	// SpawnAt is CommittedAt plus the start buffer; the worker must not be spawned earlier.
	SpawnAt time.Time
}

// Aborted means a member refused or the deadline passed with a flag unset.
type Aborted struct {
	AttemptID string
	LobbyID   string
	Reason    Reason
	// UserID is the member whose nack aborted the launch, empty on deadline.
	UserID string
}

func (StillWaiting) isOutcome() {}
func (Committed) isOutcome()    {}
func (Aborted) isOutcome()      {}

// Reason says why a pending launch was aborted.
type Reason uint8

const (
	ReasonNack Reason = iota + 1
	ReasonDeadline
	ReasonCancelled
)

func (r Reason) String() string {
	switch r {
	case ReasonNack:
		return "nack"
	case ReasonDeadline:
		return "deadline"
	case ReasonCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Resolution pairs a decided outcome with its lobby.
type Resolution struct {
	LobbyID string
	Outcome Outcome
}
