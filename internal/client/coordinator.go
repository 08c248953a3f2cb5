package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregame-server/internal/game"
	"github.com/vovakirdan/wiregame-server/internal/proto"
)

// State is the coordinator's attach state.
type State uint8

const (
	StateIdle State = iota
	StateStarting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// maxAttachFailures bounds consecutive failed launches before the starter is dropped.
const maxAttachFailures = 3

// TokenRequester asks the directory for a fresh credential.
type TokenRequester interface {
	RequestConnectToken(sessionID game.SessionID)
}

// Msg is a coordinator inbox message.
type Msg interface{ isMsg() }

// GameStart delivers a credential for a session.
type GameStart struct {
	SessionID  game.SessionID
	Credential proto.Credential
	Resumption Resumption
}

// GameEnded reports a game over or abort from the directory.
type GameEnded struct {
	SessionID game.SessionID
	Aborted   bool
}

// DirectoryLost is sent when the directory connection drops.
type DirectoryLost struct{}

// Leave ends the tracked session at the user's request.
type Leave struct{}

// GetStatus asks for the current status.
type GetStatus struct {
	Reply chan Status
}

type attachResult struct {
	epoch      uint64
	attachment Attachment
	err        error
}

type attachExited struct {
	epoch uint64
}

func (GameStart) isMsg()     {}
func (GameEnded) isMsg()     {}
func (DirectoryLost) isMsg() {}
func (Leave) isMsg()         {}
func (GetStatus) isMsg()     {}
func (attachResult) isMsg()  {}
func (attachExited) isMsg()  {}

// Status is a point-in-time view of the coordinator.
type Status struct {
	State     State
	SessionID game.SessionID
	Tracking  bool
	Attempts  int
}

// Coordinator owns the client's starter and attachment. All state is confined
// to its loop goroutine; slow work runs in helper goroutines that report back
// through the inbox.
type Coordinator struct {
	inbox     chan Msg
	launchers Launchers
	tokens    TokenRequester
	log       zerolog.Logger
	ctx       context.Context

	state      State
	starter    *Starter
	attachment Attachment
	epoch      uint64
	cancel     context.CancelFunc
	failures   int
	attempts   int
}

// NewCoordinator starts a coordinator that runs until ctx is done.
func NewCoordinator(ctx context.Context, launchers Launchers, tokens TokenRequester, logger *zerolog.Logger) *Coordinator {
	c := &Coordinator{
		inbox:     make(chan Msg, 64),
		launchers: launchers,
		tokens:    tokens,
		log:       logger.With().Str("component", "client").Logger(),
		ctx:       ctx,
	}
	go c.loop()
	return c
}

// Inbox accepts coordinator messages.
func (c *Coordinator) Inbox() chan<- Msg { return c.inbox }

// Status returns the current status, or false if the coordinator has stopped.
func (c *Coordinator) Status() (Status, bool) {
	reply := make(chan Status, 1)
	select {
	case c.inbox <- GetStatus{Reply: reply}:
	case <-c.ctx.Done():
		return Status{}, false
	}
	select {
	case s := <-reply:
		return s, true
	case <-c.ctx.Done():
		return Status{}, false
	}
}

func (c *Coordinator) loop() {
	for {
		select {
		case <-c.ctx.Done():
			c.clear("shutdown")
			return
		case m := <-c.inbox:
			switch msg := m.(type) {
			case GameStart:
				c.onGameStart(msg)
			case GameEnded:
				c.onGameEnded(msg)
			case DirectoryLost:
				if c.starter != nil {
					c.log.Info().Stringer("session_id", c.starter.SessionID).Msg("directory lost, dropping session state")
				}
				c.clear("directory lost")
			case Leave:
				c.clear("left")
			case GetStatus:
				msg.Reply <- c.status()
			case attachResult:
				c.onAttachResult(msg)
			case attachExited:
				c.onAttachExited(msg)
			}
		}
	}
}

func (c *Coordinator) status() Status {
	s := Status{State: c.state, Tracking: c.starter != nil, Attempts: c.attempts}
	if c.starter != nil {
		s.SessionID = c.starter.SessionID
	}
	return s
}

func (c *Coordinator) onGameStart(msg GameStart) {
	if c.starter != nil && c.starter.SessionID == msg.SessionID {
		if c.state == StateRunning {
			if err := c.attachment.Forward(msg.Credential); err != nil {
				c.log.Warn().Err(err).Msg("forward credential to attached process")
			} else {
				c.log.Debug().Stringer("session_id", msg.SessionID).Msg("credential forwarded")
			}
			return
		}
		c.starter.Resumption = msg.Resumption
		c.launch(msg.Credential)
		return
	}

	if c.starter != nil {
		c.log.Info().Stringer("old_session_id", c.starter.SessionID).Stringer("session_id", msg.SessionID).Msg("new session replaces tracked one")
		c.clear("replaced")
	}
	c.starter = &Starter{SessionID: msg.SessionID, Resumption: msg.Resumption}
	c.failures = 0
	c.launch(msg.Credential)
}

func (c *Coordinator) onGameEnded(msg GameEnded) {
	if c.starter == nil || c.starter.SessionID != msg.SessionID {
		err := game.NewError(game.KindStaleState, "unknown_session",
			fmt.Sprintf("end of untracked session %s", msg.SessionID), nil)
		c.log.Debug().Err(err).Msg("ignoring stale notification")
		return
	}
	reason := "game over"
	if msg.Aborted {
		// members only ever see a generic end; detail stays in the directory logs
		reason = "session ended"
	}
	c.log.Info().Stringer("session_id", msg.SessionID).Str("reason", reason).Msg("session finished")
	c.clear(reason)
}

// launch starts a new attach attempt, superseding any in flight.
func (c *Coordinator) launch(cred proto.Credential) {
	c.detach()
	starter := *c.starter
	launcher := c.launchers.forStarter(starter)
	if launcher == nil {
		c.log.Error().Stringer("session_id", starter.SessionID).Msg("no launcher for resumption")
		c.starter = nil
		c.state = StateIdle
		return
	}

	c.epoch++
	c.attempts++
	epoch := c.epoch
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancel = cancel
	c.state = StateStarting

	go func() {
		att, err := launcher.Attach(ctx, starter, cred)
		c.post(attachResult{epoch: epoch, attachment: att, err: err})
	}()
}

func (c *Coordinator) onAttachResult(msg attachResult) {
	if msg.epoch != c.epoch || c.state != StateStarting {
		if msg.attachment != nil {
			go closeAttachment(msg.attachment, c.log)
		}
		return
	}
	if msg.err != nil {
		c.failures++
		c.state = StateIdle
		if errors.Is(msg.err, context.Canceled) {
			return
		}
		c.log.Warn().Err(msg.err).Int("failures", c.failures).Msg("attach failed")
		if c.failures >= maxAttachFailures {
			c.log.Error().Stringer("session_id", c.starter.SessionID).Msg("giving up on session")
			c.starter = nil
			return
		}
		c.tokens.RequestConnectToken(c.starter.SessionID)
		return
	}

	c.failures = 0
	c.attachment = msg.attachment
	c.state = StateRunning
	epoch := msg.epoch
	done := msg.attachment.Done()
	go func() {
		<-done
		c.post(attachExited{epoch: epoch})
	}()
	c.log.Info().Stringer("session_id", c.starter.SessionID).Msg("attached")
}

// onAttachExited handles a process that stopped on its own. The starter is
// kept and a fresh credential requested so the session can be resumed.
func (c *Coordinator) onAttachExited(msg attachExited) {
	if msg.epoch != c.epoch || c.state != StateRunning {
		return
	}
	err := c.attachment.Err()
	c.attachment = nil
	c.state = StateIdle
	if c.starter == nil {
		return
	}
	if errors.Is(err, game.ErrProtocolMismatch) {
		c.log.Error().Err(err).Stringer("session_id", c.starter.SessionID).Msg("protocol mismatch, not resuming")
		c.starter = nil
		return
	}
	c.log.Info().Stringer("session_id", c.starter.SessionID).Msg("attached process exited, requesting a new credential")
	c.tokens.RequestConnectToken(c.starter.SessionID)
}

// clear forgets the starter and tears down any attachment.
func (c *Coordinator) clear(reason string) {
	if c.starter != nil {
		c.log.Debug().Stringer("session_id", c.starter.SessionID).Str("reason", reason).Msg("session state cleared")
	}
	c.detach()
	c.starter = nil
	c.failures = 0
}

func (c *Coordinator) detach() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.epoch++
	if c.attachment != nil {
		go closeAttachment(c.attachment, c.log)
		c.attachment = nil
	}
	c.state = StateIdle
}

func (c *Coordinator) post(m Msg) {
	select {
	case c.inbox <- m:
	case <-c.ctx.Done():
	}
}

func closeAttachment(a Attachment, log zerolog.Logger) {
	if err := a.Close(); err != nil {
		log.Debug().Err(err).Msg("close attachment")
	}
}
