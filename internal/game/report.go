package game

// Score is one player's final tally.
type Score struct {
	SessionLocalID uint32 `json:"session_local_id"`
	UserID         string `json:"user_id"`
	Clicks         uint64 `json:"clicks"`
}

// Report is the final result of a session, computed once on entering game over.
type Report struct {
	SessionID SessionID `json:"session_id"`
	LobbyID   string    `json:"lobby_id,omitempty"`
	EndTick   uint64    `json:"end_tick"`
	Scores    []Score   `json:"scores"`
	// Winners lists the session-local ids sharing the highest score.
	Winners []uint32 `json:"winners"`
}
