package worker

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregame-server/internal/game"
	"github.com/vovakirdan/wiregame-server/internal/proto"
	"github.com/vovakirdan/wiregame-server/internal/session"
)

const (
	orderedBuffer = 64
	writeTimeout  = 5 * time.Second
)

// participant is one attached connection. Its queues are only touched under
// the room mutex.
type participant struct {
	slot    game.Slot
	gen     uint32
	conn    *websocket.Conn
	ordered chan proto.Outbound
	clicks  chan proto.Clicks
	kicked  chan struct{}
	done    bool

	kickStatus websocket.StatusCode
	kickReason string
}

func newParticipant(slot game.Slot, gen uint32, conn *websocket.Conn) *participant {
	return &participant{
		slot:    slot,
		gen:     gen,
		conn:    conn,
		ordered: make(chan proto.Outbound, orderedBuffer),
		clicks:  make(chan proto.Clicks, 1),
		kicked:  make(chan struct{}),
	}
}

// writeLoop owns all writes to the connection.
func (p *participant) writeLoop(ctx context.Context, log zerolog.Logger) {
	write := func(v any) bool {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		if err := wsjson.Write(wctx, p.conn, v); err != nil {
			log.Debug().Err(err).Uint32("slot", p.slot.SessionLocalID).Msg("write session event")
			return false
		}
		return true
	}

	for {
		// ordered traffic first so a queued mode change is never overtaken
		select {
		case msg, ok := <-p.ordered:
			if !ok {
				_ = p.conn.Close(websocket.StatusNormalClosure, "session over")
				return
			}
			if !write(msg) {
				return
			}
			continue
		default:
		}

		select {
		case msg, ok := <-p.ordered:
			if !ok {
				_ = p.conn.Close(websocket.StatusNormalClosure, "session over")
				return
			}
			if !write(msg) {
				return
			}
		case c := <-p.clicks:
			if !write(proto.Event(proto.EventClicks, c)) {
				return
			}
		case <-p.kicked:
			_ = p.conn.Close(p.kickStatus, p.kickReason)
			return
		case <-ctx.Done():
			return
		}
	}
}

// Room tracks attached participants, one connection per slot. It implements
// session.Broadcaster.
type Room struct {
	log zerolog.Logger

	mu     sync.Mutex
	conns  map[uint32]*participant
	closed bool
	wg     sync.WaitGroup
}

func NewRoom(logger *zerolog.Logger) *Room {
	return &Room{
		log:   logger.With().Str("component", "room").Logger(),
		conns: make(map[uint32]*participant),
	}
}

// attach registers p and starts its writer. A connection already holding the
// slot is disconnected; an attach after the room closed is refused.
func (r *Room) attach(ctx context.Context, p *participant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if old, ok := r.conns[p.slot.SessionLocalID]; ok {
		r.log.Info().Uint32("slot", p.slot.SessionLocalID).Uint32("generation", p.gen).Msg("credential superseded, dropping older connection")
		r.kickLocked(old, websocket.StatusPolicyViolation, "credential_superseded")
	}
	r.conns[p.slot.SessionLocalID] = p
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		p.writeLoop(ctx, r.log)
	}()
	return true
}

func (r *Room) detach(p *participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[p.slot.SessionLocalID] == p {
		delete(r.conns, p.slot.SessionLocalID)
	}
	r.kickLocked(p, websocket.StatusNormalClosure, "bye")
}

// send queues an ordered message for p.
func (r *Room) send(p *participant, msg proto.Outbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendLocked(p, msg)
}

func (r *Room) sendLocked(p *participant, msg proto.Outbound) {
	if p.done {
		return
	}
	select {
	case p.ordered <- msg:
	default:
		// ordered delivery cannot skip messages; a consumer this far behind is dropped
		r.log.Warn().Uint32("slot", p.slot.SessionLocalID).Msg("participant too slow, disconnecting")
		r.kickLocked(p, websocket.StatusPolicyViolation, "too slow")
		delete(r.conns, p.slot.SessionLocalID)
	}
}

func (r *Room) kickLocked(p *participant, status websocket.StatusCode, reason string) {
	if p.done {
		return
	}
	p.done = true
	p.kickStatus, p.kickReason = status, reason
	close(p.kicked)
}

func (r *Room) broadcastLocked(msg proto.Outbound) {
	for _, p := range r.conns {
		r.sendLocked(p, msg)
	}
}

// BroadcastMode queues u on every connection's ordered stream.
func (r *Room) BroadcastMode(u session.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(proto.Event(proto.EventMode, modeUpdate(u)))
}

// BroadcastReport queues the final report on every ordered stream.
func (r *Room) BroadcastReport(report game.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(proto.Event(proto.EventReport, report))
}

// BroadcastClicks delivers c best-effort, replacing an undelivered older total.
func (r *Room) BroadcastClicks(c proto.Clicks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.conns {
		if p.done {
			continue
		}
		select {
		case <-p.clicks:
		default:
		}
		select {
		case p.clicks <- c:
		default:
		}
	}
}

// Count returns the number of attached connections.
func (r *Room) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Finish flushes every ordered stream, closes the connections normally and
// waits up to timeout for the writers.
func (r *Room) Finish(timeout time.Duration) {
	r.mu.Lock()
	r.closed = true
	for id, p := range r.conns {
		if !p.done {
			p.done = true
			close(p.ordered)
		}
		delete(r.conns, id)
	}
	r.mu.Unlock()
	r.waitTimeout(timeout)
}

// Close disconnects everyone immediately.
func (r *Room) Close(status websocket.StatusCode, reason string, timeout time.Duration) {
	r.mu.Lock()
	r.closed = true
	for id, p := range r.conns {
		r.kickLocked(p, status, reason)
		delete(r.conns, id)
	}
	r.mu.Unlock()
	r.waitTimeout(timeout)
}

func (r *Room) waitTimeout(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		r.log.Warn().Msg("participant writers did not finish in time")
	}
}

func modeUpdate(u session.Update) proto.ModeUpdate {
	return proto.ModeUpdate{Mode: u.Mode.String(), Tick: u.Tick, Seq: u.Seq}
}
