package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregame-server/internal/credential"
	"github.com/vovakirdan/wiregame-server/internal/game"
	"github.com/vovakirdan/wiregame-server/internal/proto"
	"github.com/vovakirdan/wiregame-server/internal/session"
)

const (
	helloTimeout  = 10 * time.Second
	flushTimeout  = 2 * time.Second
	sessionEnded  = "session ended"
	shutdownGrace = 3 * time.Second
)

// Server is one session's game instance.
type Server struct {
	env      Env
	verifier *credential.Verifier
	runner   *session.Runner
	room     *Room
	board    *Scoreboard
	reporter *Reporter
	log      zerolog.Logger

	joined     chan struct{}
	joinedOnce sync.Once
}

// NewServer builds the game instance for env. Reports are written to out.
func NewServer(env Env, out io.Writer, logger *zerolog.Logger) (*Server, error) {
	l := logger.With().Str("component", "worker").Stringer("session_id", env.SessionID).Logger()
	s := &Server{
		env:      env,
		verifier: credential.NewVerifier(env.SessionID, env.SessionKey, env.Fingerprint, time.Now),
		room:     NewRoom(&l),
		reporter: NewReporter(out),
		log:      l,
		joined:   make(chan struct{}),
	}

	runner, err := session.NewRunner(env.Schedule(), env.TickRate, s.room, func(end uint64) game.Report {
		return s.board.Final(end)
	}, &l)
	if err != nil {
		return nil, err
	}
	s.runner = runner
	s.board = NewScoreboard(env.SessionID, env.LobbyID, env.Slots, func() session.Mode { return runner.Current().Mode })
	runner.SetHooks(session.Hooks{AfterStep: s.afterStep})
	return s, nil
}

// Router exposes the participant endpoint plus health and mode endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/mode", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(modeUpdate(s.runner.Current()))
	})
	r.Get("/session", s.handleSession)
	return r
}

// Run serves participants until the session ends. Commands are read from
// commands when it is non-nil. A run that ends without a result is reported as
// aborted; Run itself only fails if the listener cannot be opened.
func (s *Server) Run(ctx context.Context, commands io.Reader) error {
	ln, err := net.Listen("tcp", s.env.ListenAddr)
	if err != nil {
		_ = s.reporter.Aborted("listen failed")
		return fmt.Errorf("listen %s: %w", s.env.ListenAddr, err)
	}
	srv := &http.Server{Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("session listener stopped")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if commands != nil {
		go readCommands(commands, cancel, s.verifier.Supersede, s.log)
	}

	addr := ln.Addr().String()
	if err := s.reporter.Started(addr, s.env.Slots); err != nil {
		return fmt.Errorf("write started report: %w", err)
	}
	s.log.Info().Str("addr", addr).Int("slots", len(s.env.Slots)).Msg("worker started")

	ready := time.NewTimer(s.env.ReadyTimeout)
	defer ready.Stop()
	select {
	case <-s.joined:
	case <-ready.C:
		s.log.Warn().Dur("timeout", s.env.ReadyTimeout).Msg("no participant connected")
		return s.abort("no participant connected")
	case <-ctx.Done():
		return s.abort(cancelReason(ctx))
	}

	report, err := s.runner.Run(ctx)
	if err != nil {
		return s.abort(cancelReason(ctx))
	}
	if err := s.reporter.GameOver(report); err != nil {
		s.log.Error().Err(err).Msg("write game over report")
	}
	s.log.Info().Uint64("end_tick", report.EndTick).Interface("winners", report.Winners).Msg("game over")
	s.room.Finish(flushTimeout)
	return nil
}

func (s *Server) abort(reason string) error {
	if err := s.reporter.Aborted(reason); err != nil {
		s.log.Error().Err(err).Msg("write aborted report")
	}
	s.log.Info().Str("reason", reason).Msg("session aborted")
	s.room.Close(websocket.StatusGoingAway, sessionEnded, flushTimeout)
	return nil
}

func cancelReason(ctx context.Context) string {
	var req abortRequest
	if errors.As(context.Cause(ctx), &req) {
		return req.reason
	}
	return "terminated"
}

func (s *Server) afterStep(u session.Update) {
	if scores, changed := s.board.TakeDirty(); changed {
		s.room.BroadcastClicks(proto.Clicks{Tick: u.Tick, Scores: scores})
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	ctx := r.Context()
	p, err := s.hello(ctx, conn)
	if err != nil {
		code := game.CodeOf(err, "invalid_credential")
		if errors.Is(err, game.ErrProtocolMismatch) {
			s.log.Warn().Err(err).Msg("refused connection with mismatched protocol")
		} else {
			s.log.Info().Err(err).Msg("refused connection")
		}
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		_ = wsjson.Write(wctx, conn, proto.Fail(code, publicMessage(err)))
		cancel()
		conn.Close(websocket.StatusPolicyViolation, code)
		return
	}

	if !s.room.attach(ctx, p) {
		conn.Close(websocket.StatusGoingAway, sessionEnded)
		return
	}
	defer s.room.detach(p)
	s.room.send(p, proto.Event(proto.EventWelcome, proto.Welcome{
		SessionID:      s.env.SessionID,
		SessionLocalID: p.slot.SessionLocalID,
		Role:           p.slot.Role,
	}))
	s.joinedOnce.Do(func() { close(s.joined) })
	s.log.Info().Uint32("slot", p.slot.SessionLocalID).Str("user_id", p.slot.UserID).Msg("participant attached")

	if err := s.readLoop(ctx, conn, p); err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		default:
			s.log.Debug().Err(err).Uint32("slot", p.slot.SessionLocalID).Msg("participant read ended")
		}
	}
}

// hello reads and verifies the first message of a session connection.
func (s *Server) hello(ctx context.Context, conn *websocket.Conn) (*participant, error) {
	hctx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	var inbound proto.Inbound
	if err := wsjson.Read(hctx, conn, &inbound); err != nil {
		return nil, game.NewError(game.KindTimeout, "bad_request", "no hello received", err)
	}
	if inbound.Type != proto.InboundTypeHello {
		return nil, game.NewError(game.KindValidation, "bad_request", "first message must be hello", nil)
	}
	var hello proto.SessionHello
	if err := json.Unmarshal(inbound.Data, &hello); err != nil {
		return nil, game.NewError(game.KindValidation, "bad_request", "malformed hello", err)
	}

	claims, err := s.verifier.Verify(hello.Token, credential.Fingerprint(hello.Fingerprint))
	if err != nil {
		return nil, err
	}
	slot, ok := s.env.Slot(claims.SessionLocalID)
	if !ok || slot.UserID != claims.Subject {
		return nil, game.NewError(game.KindValidation, "invalid_credential", "credential does not match a slot", nil)
	}
	return newParticipant(slot, claims.Generation, conn), nil
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, p *participant) error {
	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			return err
		}
		switch inbound.Type {
		case proto.InboundTypeModeRequest:
			s.room.send(p, proto.Event(proto.EventMode, modeUpdate(s.runner.Current())))
		case proto.InboundTypeClick:
			if err := s.board.Click(p.slot); err != nil {
				s.room.send(p, proto.Fail(game.CodeOf(err, "bad_request"), publicMessage(err)))
			}
		default:
			s.room.send(p, proto.Fail("bad_request", "unknown message type "+inbound.Type))
		}
	}
}

func publicMessage(err error) string {
	var gerr *game.Error
	if errors.As(err, &gerr) {
		return gerr.Message
	}
	return "request failed"
}
