package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregame-server/internal/game"
	"github.com/vovakirdan/wiregame-server/internal/proto"
	"github.com/vovakirdan/wiregame-server/internal/session"
)

// PlayConfig configures an attach process.
type PlayConfig struct {
	WorkerURL string
	// ClickInterval makes the process click on its own during Play; zero disables it.
	ClickInterval time.Duration
	DialTimeout   time.Duration
	// Fingerprint is this build's protocol fingerprint; empty echoes the one
	// the credential was issued for.
	Fingerprint string
}

// connResult is posted once when a connection is welcomed and once when it ends.
type connResult struct {
	gen      int
	welcomed bool
	over     bool
	report   *game.Report
	err      error
}

// Play attaches to a worker with credentials read line by line from creds.
// Each new credential opens a second connection that replaces the current one
// once the worker welcomes it; if the refresh cannot be dialed or is refused,
// the current connection is kept. Play returns nil once the session is over
// or creds is closed, and an error if the only connection is lost or refused
// while the session is still running.
func Play(ctx context.Context, cfg PlayConfig, creds io.Reader, logger *zerolog.Logger) (*game.Report, error) {
	log := logger.With().Str("component", "play").Logger()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	incoming := make(chan proto.Credential)
	go func() {
		defer close(incoming)
		scanner := bufio.NewScanner(creds)
		for scanner.Scan() {
			var cred proto.Credential
			if err := json.Unmarshal(scanner.Bytes(), &cred); err != nil {
				log.Warn().Err(err).Msg("malformed credential line")
				continue
			}
			select {
			case incoming <- cred:
			case <-ctx.Done():
				return
			}
		}
	}()

	mirror := &session.Mirror{}
	results := make(chan connResult, 4)
	var (
		gen     int
		active  *sessionConn
		pending *sessionConn
	)
	defer func() {
		active.stop()
		pending.stop()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil, nil
		case cred, ok := <-incoming:
			if !ok {
				log.Info().Msg("credential stream closed, detaching")
				return nil, nil
			}
			if cred.Expired(time.Now()) {
				log.Warn().Uint32("slot", cred.SessionLocalID).Msg("ignoring expired credential")
				continue
			}
			conn, err := dialSession(ctx, cfg, cred)
			if err != nil {
				if active != nil {
					log.Warn().Err(err).Msg("refresh dial failed, keeping current connection")
					continue
				}
				return nil, err
			}
			gen++
			connCtx, cancel := context.WithCancel(ctx)
			pending.stop()
			pending = &sessionConn{gen: gen, cancel: cancel}
			go runConn(connCtx, conn, gen, cfg.ClickInterval, mirror, results, log)
			log.Debug().Int("generation", gen).Uint32("slot", cred.SessionLocalID).Msg("worker dialed")
		case r := <-results:
			switch {
			case pending != nil && r.gen == pending.gen:
				if r.welcomed {
					active.stop()
					active, pending = pending, nil
					log.Info().Int("generation", r.gen).Msg("attached to worker")
					continue
				}
				if r.over {
					return r.report, nil
				}
				if active != nil {
					log.Warn().Err(r.err).Int("generation", r.gen).Msg("refresh refused, keeping current connection")
					pending.stop()
					pending = nil
					continue
				}
				return nil, r.err
			case active != nil && r.gen == active.gen:
				if r.welcomed {
					continue
				}
				if r.over {
					return r.report, nil
				}
				if pending != nil {
					// the worker drops the old connection when it admits the refresh
					log.Debug().Err(r.err).Int("generation", r.gen).Msg("current connection closed, waiting for refresh")
					active.stop()
					active = nil
					continue
				}
				return nil, r.err
			}
		}
	}
}

// sessionConn is one worker connection owned by Play.
type sessionConn struct {
	gen    int
	cancel context.CancelFunc
}

func (c *sessionConn) stop() {
	if c != nil {
		c.cancel()
	}
}

func dialSession(ctx context.Context, cfg PlayConfig, cred proto.Credential) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, cfg.WorkerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial worker %s: %w", cfg.WorkerURL, err)
	}
	fingerprint := cfg.Fingerprint
	if fingerprint == "" {
		fingerprint = cred.Fingerprint
	}
	hello, err := proto.NewInbound(proto.InboundTypeHello, proto.SessionHello{Token: cred.Token, Fingerprint: fingerprint})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "encode hello")
		return nil, err
	}
	if err := wsjson.Write(dctx, conn, hello); err != nil {
		conn.Close(websocket.StatusInternalError, "write hello")
		return nil, fmt.Errorf("send hello: %w", err)
	}
	return conn, nil
}

func runConn(ctx context.Context, conn *websocket.Conn, gen int, clickEvery time.Duration, mirror *session.Mirror, results chan<- connResult, log zerolog.Logger) {
	defer conn.Close(websocket.StatusNormalClosure, "detached")
	post := func(r connResult) {
		r.gen = gen
		select {
		case results <- r:
		case <-ctx.Done():
		}
	}
	post(readSession(ctx, conn, clickEvery, mirror, func() { post(connResult{welcomed: true}) }, log))
}

func readSession(ctx context.Context, conn *websocket.Conn, clickEvery time.Duration, mirror *session.Mirror, onWelcome func(), log zerolog.Logger) connResult {
	welcomed := false
	for {
		var out proto.OutboundRaw
		if err := wsjson.Read(ctx, conn, &out); err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Info().Msg("session ended")
				return connResult{over: true}
			}
			return connResult{err: fmt.Errorf("session connection lost: %w", err)}
		}

		if out.Type == proto.OutboundTypeError && out.Error != nil {
			if !welcomed {
				return connResult{err: game.NewError(kindOfCode(out.Error.Code), out.Error.Code, out.Error.Msg, nil)}
			}
			log.Debug().Str("code", out.Error.Code).Msg(out.Error.Msg)
			continue
		}

		switch out.Event {
		case proto.EventWelcome:
			if welcomed {
				continue
			}
			welcomed = true
			onWelcome()
			send(ctx, conn, proto.InboundTypeModeRequest, log)
			if clickEvery > 0 {
				go clickLoop(ctx, conn, clickEvery, mirror, log)
			}
		case proto.EventMode:
			var mu proto.ModeUpdate
			if err := json.Unmarshal(out.Data, &mu); err != nil {
				continue
			}
			mode, err := session.ParseMode(mu.Mode)
			if err != nil {
				continue
			}
			if err := mirror.Apply(session.Update{Mode: mode, Tick: mu.Tick, Seq: mu.Seq}); err != nil {
				log.Debug().Err(err).Msg("mode update dropped")
				continue
			}
			log.Info().Str("mode", mu.Mode).Uint64("tick", mu.Tick).Msg("mode")
		case proto.EventClicks:
			var c proto.Clicks
			if err := json.Unmarshal(out.Data, &c); err == nil {
				log.Debug().Uint64("tick", c.Tick).Interface("scores", c.Scores).Msg("scores")
			}
		case proto.EventReport:
			var report game.Report
			if err := json.Unmarshal(out.Data, &report); err != nil {
				return connResult{err: fmt.Errorf("decode report: %w", err)}
			}
			log.Info().Uint64("end_tick", report.EndTick).Interface("winners", report.Winners).Msg("game over")
			return connResult{over: true, report: &report}
		}
	}
}

func clickLoop(ctx context.Context, conn *websocket.Conn, every time.Duration, mirror *session.Mirror, log zerolog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch mirror.Mode() {
			case session.ModePlay:
				send(ctx, conn, proto.InboundTypeClick, log)
			case session.ModeGameOver:
				return
			}
		}
	}
}

func send(ctx context.Context, conn *websocket.Conn, kind string, log zerolog.Logger) {
	in, _ := proto.NewInbound(kind, nil)
	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := wsjson.Write(wctx, conn, in); err != nil && !errors.Is(err, context.Canceled) {
		log.Debug().Err(err).Str("type", kind).Msg("send to worker")
	}
}

func kindOfCode(code string) game.Kind {
	switch code {
	case "protocol_mismatch":
		return game.KindProtocolMismatch
	case "credential_expired":
		return game.KindTimeout
	case "credential_superseded":
		return game.KindStaleState
	default:
		return game.KindValidation
	}
}
