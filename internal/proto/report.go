package proto

import "github.com/vovakirdan/wiregame-server/internal/game"

// Line types written by a worker on stdout, one JSON object per line.
const (
	ReportStarted  = "started"
	ReportGameOver = "game_over"
	ReportAborted  = "aborted"

	CommandAbort     = "abort"
	CommandSupersede = "supersede"
)

// ReportLine is one entry of the worker's report stream.
type ReportLine struct {
	Type     string         `json:"type"`
	Started  *StartedReport `json:"started,omitempty"`
	GameOver *game.Report   `json:"game_over,omitempty"`
	Aborted  *AbortedReport `json:"aborted,omitempty"`
}

// StartedReport is emitted once the worker is accepting connections.
type StartedReport struct {
	Addr  string      `json:"addr"`
	Slots []game.Slot `json:"slots"`
}

// AbortedReport is emitted when the worker stops without a result.
type AbortedReport struct {
	Reason string `json:"reason"`
}

// CommandLine is one entry read by a worker on stdin. Slot and
// MinGeneration are set for supersede: credentials of a lower generation
// for that slot are refused from then on.
type CommandLine struct {
	Type          string `json:"type"`
	Slot          uint32 `json:"slot,omitempty"`
	MinGeneration uint32 `json:"min_generation,omitempty"`
}
