package game

import (
	"fmt"
	"strconv"
)

// SessionID identifies one run of the game from worker spawn to game over or abort.
type SessionID uint64

func (id SessionID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseSessionID parses the decimal form produced by SessionID.String.
func ParseSessionID(s string) (SessionID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse session id %q: %w", s, err)
	}
	return SessionID(v), nil
}

// Role is the part a lobby member plays in a session.
type Role uint8

const (
	// RolePlayer may send gameplay input.
	RolePlayer Role = iota + 1
	// RoleWatcher only observes.
	RoleWatcher
)

func (r Role) String() string {
	switch r {
	case RolePlayer:
		return "player"
	case RoleWatcher:
		return "watcher"
	default:
		return "unknown"
	}
}

// ParseRole maps the wire form of a role back to Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "player":
		return RolePlayer, nil
	case "watcher":
		return RoleWatcher, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	switch r {
	case RolePlayer, RoleWatcher:
		return []byte(r.String()), nil
	default:
		return nil, fmt.Errorf("invalid role %d", r)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ConnectionKind describes how a member reached the lobby directory.
type ConnectionKind string

const (
	ConnectionKindNative  ConnectionKind = "native"
	ConnectionKindBrowser ConnectionKind = "browser"
)

// Member is one entry of a lobby roster.
type Member struct {
	Kind   ConnectionKind `json:"kind" validate:"required,oneof=native browser"`
	UserID string         `json:"user_id" validate:"required"`
	Role   Role           `json:"role" validate:"required,oneof=1 2"`
}

// LobbyConfig is the capacity configuration chosen by the lobby owner.
type LobbyConfig struct {
	MaxPlayers  int `json:"max_players" validate:"gte=1"`
	MaxWatchers int `json:"max_watchers" validate:"gte=0"`
}

// LobbySnapshot is the immutable roster handed over on a launch decision.
type LobbySnapshot struct {
	LobbyID string      `json:"lobby_id" validate:"required"`
	OwnerID string      `json:"owner_id" validate:"required"`
	Config  LobbyConfig `json:"config"`
	Members []Member    `json:"members" validate:"required,min=1,dive"`
}

// Players returns player members in roster order.
func (s LobbySnapshot) Players() []Member {
	return s.byRole(RolePlayer)
}

// Watchers returns watcher members in roster order.
func (s LobbySnapshot) Watchers() []Member {
	return s.byRole(RoleWatcher)
}

// HasMember reports whether userID is on the roster.
func (s LobbySnapshot) HasMember(userID string) bool {
	for _, m := range s.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers cannot mutate a shared roster.
func (s LobbySnapshot) Clone() LobbySnapshot {
	out := s
	out.Members = append([]Member(nil), s.Members...)
	return out
}

func (s LobbySnapshot) byRole(role Role) []Member {
	out := make([]Member, 0, len(s.Members))
	for _, m := range s.Members {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

// Slot is a participant's session-local identity.
type Slot struct {
	SessionID      SessionID `json:"session_id"`
	SessionLocalID uint32    `json:"session_local_id"`
	UserID         string    `json:"user_id"`
	Role           Role      `json:"role"`
}
