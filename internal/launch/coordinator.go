// Package launch collects every lobby member's agreement before a session is
// committed. A missing answer at the deadline counts as a refusal.
package launch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregame-server/internal/game"
)

var (
	// ErrAlreadyPending is returned when a launch is requested for a lobby that is already waiting.
	ErrAlreadyPending = errors.New("launch already pending")
	// ErrNoPendingLaunch is returned for acks or polls referencing a lobby with no pending launch.
	ErrNoPendingLaunch = errors.New("no pending launch")
	// ErrNotMember is returned when a user outside the roster answers.
	ErrNotMember = errors.New("not a lobby member")
)

type flag uint8

const (
	flagUnset flag = iota
	flagAck
	flagNack
)

type pendingAck struct {
	mu        sync.Mutex
	attemptID string
	snapshot  game.LobbySnapshot
	flags     map[string]flag
	acked     int
	deadline  time.Time
	outcome   Outcome
}

// Coordinator tracks pending launches. Answers for one lobby are serialized on
// that lobby's own lock; different lobbies never contend beyond the map lookup.
type Coordinator struct {
	startBuffer time.Duration
	now         func() time.Time
	log         zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingAck
}

// NewCoordinator creates a coordinator. startBuffer is the grace period between
// commit and worker spawn.
func NewCoordinator(startBuffer time.Duration, now func() time.Time, logger *zerolog.Logger) *Coordinator {
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		startBuffer: startBuffer,
		now:         now,
		log:         logger.With().Str("component", "launch").Logger(),
		pending:     make(map[string]*pendingAck),
	}
}

// RequestLaunch marks every member of the snapshot pending until deadline.
func (c *Coordinator) RequestLaunch(snapshot game.LobbySnapshot, deadline time.Time) (string, error) {
	if err := game.ValidateSnapshot(snapshot); err != nil {
		return "", err
	}
	if !deadline.After(c.now()) {
		return "", game.NewError(game.KindValidation, "bad_request", "ack deadline is in the past", nil)
	}

	p := &pendingAck{
		attemptID: uuid.NewString(),
		snapshot:  snapshot.Clone(),
		flags:     make(map[string]flag, len(snapshot.Members)),
		deadline:  deadline,
	}
	for _, m := range snapshot.Members {
		p.flags[m.UserID] = flagUnset
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[snapshot.LobbyID]; exists {
		return "", fmt.Errorf("lobby %s: %w", snapshot.LobbyID, ErrAlreadyPending)
	}
	c.pending[snapshot.LobbyID] = p

	c.log.Info().
		Str("lobby_id", snapshot.LobbyID).
		Str("attempt_id", p.attemptID).
		Int("members", len(p.flags)).
		Time("deadline", deadline).
		Msg("launch pending acknowledgement")
	return p.attemptID, nil
}

// RecordAck records a member's agreement. Repeats are no-ops; an ack never
// overrides a nack.
func (c *Coordinator) RecordAck(lobbyID, userID string) error {
	return c.record(lobbyID, userID, flagAck)
}

// RecordNack records a member's refusal and aborts the launch.
func (c *Coordinator) RecordNack(lobbyID, userID string) error {
	return c.record(lobbyID, userID, flagNack)
}

func (c *Coordinator) record(lobbyID, userID string, answer flag) error {
	p, err := c.lookup(lobbyID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	current, member := p.flags[userID]
	if !member {
		return game.NewError(game.KindValidation, "not_member",
			fmt.Sprintf("user %s is not in lobby %s", userID, lobbyID), ErrNotMember)
	}
	if p.outcome != nil {
		return nil
	}

	now := c.now()
	if !now.Before(p.deadline) {
		p.abortLocked(ReasonDeadline, "")
		return nil
	}

	switch {
	case current == answer, current == flagNack:
		return nil
	case answer == flagNack:
		p.flags[userID] = flagNack
		p.abortLocked(ReasonNack, userID)
		c.log.Info().Str("lobby_id", lobbyID).Str("user_id", userID).Msg("launch nacked")
	default:
		p.flags[userID] = flagAck
		p.acked++
		if p.acked == len(p.flags) {
			p.outcome = Committed{
				AttemptID:   p.attemptID,
				Snapshot:    p.snapshot,
				CommittedAt: now,
				SpawnAt:     now.Add(c.startBuffer),
			}
			c.log.Info().Str("lobby_id", lobbyID).Str("attempt_id", p.attemptID).Msg("launch committed")
		}
	}
	return nil
}

// Poll returns the outcome for a lobby. A decided outcome is returned exactly
// once; the pending entry is discarded with it.
func (c *Coordinator) Poll(lobbyID string) (Outcome, error) {
	p, err := c.lookup(lobbyID)
	if err != nil {
		return nil, err
	}

	outcome := c.evaluate(p)
	if _, waiting := outcome.(StillWaiting); waiting {
		return outcome, nil
	}
	if !c.discard(lobbyID, p) {
		return nil, game.NewError(game.KindStaleState, "no_pending_launch",
			fmt.Sprintf("lobby %s outcome already taken", lobbyID), ErrNoPendingLaunch)
	}
	return outcome, nil
}

// PollAll resolves every pending launch whose outcome is decided.
func (c *Coordinator) PollAll() []Resolution {
	c.mu.Lock()
	snapshot := make(map[string]*pendingAck, len(c.pending))
	for id, p := range c.pending {
		snapshot[id] = p
	}
	c.mu.Unlock()

	var out []Resolution
	for id, p := range snapshot {
		outcome := c.evaluate(p)
		if _, waiting := outcome.(StillWaiting); waiting {
			continue
		}
		if c.discard(id, p) {
			out = append(out, Resolution{LobbyID: id, Outcome: outcome})
		}
	}
	return out
}

// Cancel aborts a pending launch, for example when the lobby is closed by its owner.
func (c *Coordinator) Cancel(lobbyID string) error {
	p, err := c.lookup(lobbyID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.outcome == nil {
		p.abortLocked(ReasonCancelled, "")
	}
	p.mu.Unlock()
	return nil
}

// Pending reports whether lobbyID has a launch waiting for answers.
func (c *Coordinator) Pending(lobbyID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[lobbyID]
	return ok
}

func (c *Coordinator) evaluate(p *pendingAck) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.outcome == nil && !c.now().Before(p.deadline) {
		p.abortLocked(ReasonDeadline, "")
		c.log.Info().Str("lobby_id", p.snapshot.LobbyID).Int("acked", p.acked).Msg("launch ack deadline passed")
	}
	if p.outcome == nil {
		return StillWaiting{}
	}
	return p.outcome
}

// discard removes p if it is still the entry registered for lobbyID.
func (c *Coordinator) discard(lobbyID string, p *pendingAck) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[lobbyID] != p {
		return false
	}
	delete(c.pending, lobbyID)
	return true
}

func (c *Coordinator) lookup(lobbyID string) (*pendingAck, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[lobbyID]
	if !ok {
		return nil, game.NewError(game.KindStaleState, "no_pending_launch",
			fmt.Sprintf("lobby %s has no pending launch", lobbyID), ErrNoPendingLaunch)
	}
	return p, nil
}

func (p *pendingAck) abortLocked(reason Reason, userID string) {
	p.outcome = Aborted{
		AttemptID: p.attemptID,
		LobbyID:   p.snapshot.LobbyID,
		Reason:    reason,
		UserID:    userID,
	}
}
