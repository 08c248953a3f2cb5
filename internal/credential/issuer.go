package credential

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	mrand "math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/crypto/hkdf"

	"github.com/vovakirdan/wiregame-server/internal/game"
)

const sessionKeySize = 32

var (
	// ErrCapacityExceeded is returned when a roster does not fit the configured capacity.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrSessionExists is returned when launch data is requested twice for one session.
	ErrSessionExists = errors.New("session already issued")
	// ErrUnknownSession is returned when reissuing for a session the issuer does not track.
	ErrUnknownSession = errors.New("unknown session")
	// ErrUnknownSlot is returned when reissuing for a slot outside the session roster.
	ErrUnknownSlot = errors.New("unknown slot")
)

// SessionConfig parameterizes one launch.
type SessionConfig struct {
	SessionID     game.SessionID
	// MaxPlayers and MaxWatchers cap the lobby's own capacity; zero leaves it as is.
	MaxPlayers    int
	MaxWatchers   int
	Fingerprint   Fingerprint
	CredentialTTL time.Duration
	// Seed drives the roster shuffle; identical seeds give identical slot assignment.
	Seed uint64
}

// ParticipantCredential pairs a slot with its first credential.
type ParticipantCredential struct {
	Slot       game.Slot  `json:"slot"`
	Credential Credential `json:"credential"`
}

// LaunchData is everything needed to spawn a worker and admit its participants.
type LaunchData struct {
	SessionID    game.SessionID
	LobbyID      string
	Fingerprint  Fingerprint
	Key          []byte
	Participants []ParticipantCredential
}

// Slots returns the slot assignment in session-local id order.
func (d LaunchData) Slots() []game.Slot {
	out := make([]game.Slot, 0, len(d.Participants))
	for _, p := range d.Participants {
		out = append(out, p.Slot)
	}
	return out
}

// SlotForUser returns the slot assigned to userID.
func (d LaunchData) SlotForUser(userID string) (ParticipantCredential, bool) {
	for _, p := range d.Participants {
		if p.Slot.UserID == userID {
			return p, true
		}
	}
	return ParticipantCredential{}, false
}

type issuedSession struct {
	key         []byte
	fingerprint Fingerprint
	ttl         time.Duration
	slots       []game.Slot
	generations []uint32
}

// Issuer assigns session-local identities and mints connect credentials.
type Issuer struct {
	mu       sync.Mutex
	sessions map[game.SessionID]*issuedSession
	entropy  io.Reader
	now      func() time.Time
	log      zerolog.Logger
}

// Option customizes an Issuer.
type Option func(*Issuer)

// WithEntropy overrides the source of session key material.
func WithEntropy(r io.Reader) Option {
	return func(i *Issuer) { i.entropy = r }
}

// WithClock overrides the wall clock used for issue and expiry times.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer creates an issuer with no tracked sessions.
func NewIssuer(logger *zerolog.Logger, opts ...Option) *Issuer {
	i := &Issuer{
		sessions: make(map[game.SessionID]*issuedSession),
		entropy:  rand.Reader,
		now:      time.Now,
		log:      logger.With().Str("component", "issuer").Logger(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// BuildLaunchData validates the roster, assigns slots and mints one credential per participant.
func (i *Issuer) BuildLaunchData(ctx context.Context, snapshot game.LobbySnapshot, cfg SessionConfig) (LaunchData, error) {
	_, span := otel.Tracer("wiregame/credential").Start(ctx, "issuer.build_launch_data")
	defer span.End()
	span.SetAttributes(
		attribute.String("lobby.id", snapshot.LobbyID),
		attribute.Int64("session.id", int64(cfg.SessionID)),
	)

	players, watchers, err := assignable(snapshot, cfg)
	if err != nil {
		return LaunchData{}, err
	}

	rng := mrand.New(mrand.NewPCG(cfg.Seed, uint64(cfg.SessionID)))
	rng.Shuffle(len(players), func(a, b int) { players[a], players[b] = players[b], players[a] })
	rng.Shuffle(len(watchers), func(a, b int) { watchers[a], watchers[b] = watchers[b], watchers[a] })

	slots := make([]game.Slot, 0, len(players)+len(watchers))
	for _, m := range append(players, watchers...) {
		slots = append(slots, game.Slot{
			SessionID:      cfg.SessionID,
			SessionLocalID: uint32(len(slots)),
			UserID:         m.UserID,
			Role:           m.Role,
		})
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if _, exists := i.sessions[cfg.SessionID]; exists {
		return LaunchData{}, game.NewError(game.KindValidation, "bad_request",
			fmt.Sprintf("session %s already issued", cfg.SessionID), ErrSessionExists)
	}

	key, err := i.deriveKey(cfg.SessionID)
	if err != nil {
		return LaunchData{}, fmt.Errorf("derive session key: %w", err)
	}

	issued := &issuedSession{
		key:         key,
		fingerprint: cfg.Fingerprint,
		ttl:         cfg.CredentialTTL,
		slots:       slots,
		generations: make([]uint32, len(slots)),
	}

	now := i.now()
	participants := make([]ParticipantCredential, 0, len(slots))
	for _, slot := range slots {
		cred, err := mint(mintParams{
			key:         key,
			sessionID:   cfg.SessionID,
			slot:        slot,
			fingerprint: cfg.Fingerprint,
			tokenID:     uuid.NewString(),
			issuedAt:    now,
			ttl:         cfg.CredentialTTL,
		})
		if err != nil {
			return LaunchData{}, fmt.Errorf("mint credential for slot %d: %w", slot.SessionLocalID, err)
		}
		participants = append(participants, ParticipantCredential{Slot: slot, Credential: cred})
	}

	i.sessions[cfg.SessionID] = issued
	i.log.Debug().
		Str("lobby_id", snapshot.LobbyID).
		Stringer("session_id", cfg.SessionID).
		Int("players", len(players)).
		Int("watchers", len(watchers)).
		Msg("launch data built")

	return LaunchData{
		SessionID:    cfg.SessionID,
		LobbyID:      snapshot.LobbyID,
		Fingerprint:  cfg.Fingerprint,
		Key:          key,
		Participants: participants,
	}, nil
}

// ReissueCredential mints a fresh credential for an existing slot.
// The session key and fingerprint are reused so the running worker accepts it;
// the new credential supersedes every earlier one for the slot.
func (i *Issuer) ReissueCredential(sessionID game.SessionID, sessionLocalID uint32) (Credential, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	issued, ok := i.sessions[sessionID]
	if !ok {
		return Credential{}, game.NewError(game.KindStaleState, "unknown_session",
			fmt.Sprintf("session %s is not tracked", sessionID), ErrUnknownSession)
	}
	if int(sessionLocalID) >= len(issued.slots) {
		return Credential{}, game.NewError(game.KindValidation, "bad_request",
			fmt.Sprintf("slot %d is not part of session %s", sessionLocalID, sessionID), ErrUnknownSlot)
	}

	issued.generations[sessionLocalID]++
	return mint(mintParams{
		key:         issued.key,
		sessionID:   sessionID,
		slot:        issued.slots[sessionLocalID],
		fingerprint: issued.fingerprint,
		generation:  issued.generations[sessionLocalID],
		tokenID:     uuid.NewString(),
		issuedAt:    i.now(),
		ttl:         issued.ttl,
	})
}

// SlotForUser finds the slot a user holds in a tracked session.
func (i *Issuer) SlotForUser(sessionID game.SessionID, userID string) (game.Slot, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	issued, ok := i.sessions[sessionID]
	if !ok {
		return game.Slot{}, false
	}
	for _, slot := range issued.slots {
		if slot.UserID == userID {
			return slot, true
		}
	}
	return game.Slot{}, false
}

// Forget drops all state for a finished session.
func (i *Issuer) Forget(sessionID game.SessionID) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if issued, ok := i.sessions[sessionID]; ok {
		clear(issued.key)
		delete(i.sessions, sessionID)
	}
}

func (i *Issuer) deriveKey(sessionID game.SessionID) ([]byte, error) {
	secret := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(i.entropy, secret); err != nil {
		return nil, err
	}
	var salt [8]byte
	binary.BigEndian.PutUint64(salt[:], uint64(sessionID))

	key := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt[:], []byte("wiregame session key")), key); err != nil {
		return nil, err
	}
	return key, nil
}

// Check validates snapshot against cfg's capacity without issuing anything.
func (i *Issuer) Check(snapshot game.LobbySnapshot, cfg SessionConfig) error {
	_, _, err := assignable(snapshot, cfg)
	return err
}

func assignable(snapshot game.LobbySnapshot, cfg SessionConfig) (players, watchers []game.Member, err error) {
	if err := game.ValidateSnapshot(snapshot); err != nil {
		return nil, nil, err
	}

	players = snapshot.Players()
	watchers = snapshot.Watchers()

	maxPlayers := ceiling(snapshot.Config.MaxPlayers, cfg.MaxPlayers)
	maxWatchers := ceiling(snapshot.Config.MaxWatchers, cfg.MaxWatchers)

	if len(players) == 0 {
		return nil, nil, game.NewError(game.KindValidation, "bad_request", "lobby has no players", nil)
	}
	if len(players) > maxPlayers {
		return nil, nil, game.NewError(game.KindValidation, "capacity_exceeded",
			fmt.Sprintf("%d players exceed capacity %d", len(players), maxPlayers), ErrCapacityExceeded)
	}
	if len(watchers) > maxWatchers {
		return nil, nil, game.NewError(game.KindValidation, "capacity_exceeded",
			fmt.Sprintf("%d watchers exceed capacity %d", len(watchers), maxWatchers), ErrCapacityExceeded)
	}
	return players, watchers, nil
}

// ceiling applies a server-wide limit on top of the lobby's own; zero means unlimited.
func ceiling(lobby, server int) int {
	if server > 0 && server < lobby {
		return server
	}
	return lobby
}
