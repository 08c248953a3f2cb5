package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregame-server/internal/game"
)

// Broadcaster delivers authoritative updates to every connected participant.
// BroadcastMode must preserve call order per participant.
type Broadcaster interface {
	BroadcastMode(Update)
	BroadcastReport(game.Report)
}

// FinishFunc builds the final report when the session reaches GameOver.
type FinishFunc func(endTick uint64) game.Report

// Hooks are optional callbacks run on the ticking goroutine.
type Hooks struct {
	// AfterStep runs after every tick, once any transition has been broadcast.
	AfterStep func(Update)
}

// Runner drives a Clock at a fixed tick rate and broadcasts every transition.
type Runner struct {
	tickRate int
	out      Broadcaster
	finish   FinishFunc
	hooks    Hooks
	log      zerolog.Logger

	mu     sync.RWMutex
	clock  *Clock
	report *game.Report
	once   sync.Once
	over   chan struct{}
}

// NewRunner creates a runner. tickRate is in ticks per second.
func NewRunner(schedule Schedule, tickRate int, out Broadcaster, finish FinishFunc, logger *zerolog.Logger) (*Runner, error) {
	clock, err := NewClock(schedule)
	if err != nil {
		return nil, err
	}
	if tickRate <= 0 {
		tickRate = 10
	}
	return &Runner{
		tickRate: tickRate,
		out:      out,
		finish:   finish,
		log:      logger.With().Str("component", "mode").Logger(),
		clock:    clock,
		over:     make(chan struct{}),
	}, nil
}

// SetHooks installs hooks. It must be called before Run or Step.
func (r *Runner) SetHooks(h Hooks) {
	r.hooks = h
}

// Current returns the latest authoritative update.
func (r *Runner) Current() Update {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clock.Current()
}

// Report returns the final report once the session is over.
func (r *Runner) Report() (game.Report, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.report == nil {
		return game.Report{}, false
	}
	return *r.report, true
}

// Over is closed once GameOver has been entered and the report broadcast.
func (r *Runner) Over() <-chan struct{} {
	return r.over
}

// Step advances one tick and broadcasts any resulting transition.
func (r *Runner) Step() Update {
	r.mu.Lock()
	tr, changed := r.clock.Tick()
	cur := r.clock.Current()
	r.mu.Unlock()

	if r.hooks.AfterStep != nil {
		defer r.hooks.AfterStep(cur)
	}
	if !changed {
		return cur
	}
	r.log.Debug().Stringer("from", tr.From).Stringer("to", tr.To).Uint64("tick", tr.Tick).Msg("mode transition")
	r.out.BroadcastMode(cur)
	if tr.To == ModeGameOver {
		r.once.Do(func() {
			report := r.finish(tr.Tick)
			r.mu.Lock()
			r.report = &report
			r.mu.Unlock()
			r.out.BroadcastReport(report)
			close(r.over)
		})
	}
	return cur
}

// Run ticks until GameOver or ctx is done. It returns the final report, or
// ctx.Err() if the session was stopped first.
func (r *Runner) Run(ctx context.Context) (game.Report, error) {
	ticker := time.NewTicker(time.Second / time.Duration(r.tickRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return game.Report{}, ctx.Err()
		case <-ticker.C:
			if r.Step().Mode.Terminal() {
				report, _ := r.Report()
				return report, nil
			}
		}
	}
}
