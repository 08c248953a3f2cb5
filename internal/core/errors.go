package core

import (
	"errors"

	"github.com/vovakirdan/wiregame-server/internal/game"
)

// Error codes for directory errors not produced by the core components.
const (
	ErrCodeLobbyNotFound = "lobby_not_found"
	ErrCodeLobbyBusy     = "lobby_busy"
	ErrCodeBadRequest    = "bad_request"
	ErrCodeUnknown       = "unknown_session"
	ErrCodeNotMember     = "not_member"
	ErrCodeInternal      = "internal_error"
)

var (
	ErrLobbyNotFound = errors.New("lobby not found")
	ErrLobbyExists   = errors.New("lobby already exists")
	ErrLobbyBusy     = errors.New("lobby is not open")
	ErrHubStopped    = errors.New("hub stopped")
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}

// coreErrorFrom exposes the code and message of a typed error; anything else
// becomes a generic internal error.
func coreErrorFrom(err error) *CoreError {
	var gerr *game.Error
	if errors.As(err, &gerr) {
		return coreError(gerr.Code, gerr.Message)
	}
	return coreError(ErrCodeInternal, "request failed")
}
