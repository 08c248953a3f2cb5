package session

// Transition records a mode change produced by Clock.Tick.
type Transition struct {
	From Mode
	To   Mode
	Tick uint64
}

// Clock is the authoritative mode clock. It is advanced only by Tick and is not
// safe for concurrent use.
type Clock struct {
	schedule Schedule
	tick     uint64
	mode     Mode
	seq      uint64
}

// NewClock returns a clock in Init at tick 0.
func NewClock(schedule Schedule) (*Clock, error) {
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	return &Clock{schedule: schedule, mode: schedule.ModeAt(0)}, nil
}

// Tick advances one tick. It returns the transition when the mode changed.
// A clock in GameOver no longer advances.
func (c *Clock) Tick() (Transition, bool) {
	if c.mode.Terminal() {
		return Transition{}, false
	}
	c.tick++
	next := c.schedule.ModeAt(c.tick)
	if next == c.mode {
		return Transition{}, false
	}
	tr := Transition{From: c.mode, To: next, Tick: c.tick}
	c.mode = next
	c.seq++
	return tr, true
}

// Current returns the state a late joiner should be sent.
func (c *Clock) Current() Update {
	return Update{Mode: c.mode, Tick: c.tick, Seq: c.seq}
}

func (c *Clock) Mode() Mode {
	return c.mode
}

func (c *Clock) TickCount() uint64 {
	return c.tick
}
