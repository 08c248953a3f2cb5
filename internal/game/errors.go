package game

import (
	"errors"
	"fmt"
)

// Kind classifies failures that cross component boundaries.
type Kind uint8

const (
	KindValidation Kind = iota + 1
	KindTimeout
	KindProcess
	KindProtocolMismatch
	KindStaleState
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTimeout:
		return "timeout"
	case KindProcess:
		return "process"
	case KindProtocolMismatch:
		return "protocol_mismatch"
	case KindStaleState:
		return "stale_state"
	default:
		return "unknown"
	}
}

// Kind sentinels, matched with errors.Is.
var (
	ErrValidation       = errors.New("validation error")
	ErrTimeout          = errors.New("timeout")
	ErrProcess          = errors.New("process error")
	ErrProtocolMismatch = errors.New("protocol mismatch")
	ErrStaleState       = errors.New("stale state")
)

// Error carries a kind, a stable wire code and an optional cause.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrProcess:
		return e.Kind == KindProcess
	case ErrProtocolMismatch:
		return e.Kind == KindProtocolMismatch
	case ErrStaleState:
		return e.Kind == KindStaleState
	}
	return false
}

// NewError builds a typed error.
func NewError(kind Kind, code, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Err: cause}
}

// CodeOf returns the wire code carried by err, or fallback.
func CodeOf(err error, fallback string) string {
	var ge *Error
	if errors.As(err, &ge) && ge.Code != "" {
		return ge.Code
	}
	return fallback
}
