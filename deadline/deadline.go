// Package deadline tracks time budgets for blocking and multi-step
// operations.
//
// A Deadline is either infinite or an absolute instant. A Countdown is a
// relative budget that multi-step operations (resolution, trying several
// addresses, waiting for a named pipe) draw from on every step, so the whole
// operation never outlives the caller's budget.
package deadline

import (
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fzft/go-proactor/ioerr"
)

// Infinite as a timeout argument means "wait forever". Any negative duration
// is treated the same way.
const Infinite time.Duration = -1

// Clock is the time source. Tests replace it with clock.NewMock().
var Clock clock.Clock = clock.New()

type Deadline struct {
	clk      clock.Clock
	at       time.Time
	infinite bool
}

// Never returns a deadline that never expires.
func Never() Deadline {
	return Deadline{clk: Clock, infinite: true}
}

// At returns a deadline at t.
func At(t time.Time) Deadline {
	return Deadline{clk: Clock, at: t}
}

// After returns a deadline d from now; d < 0 means Never.
func After(d time.Duration) Deadline {
	return AfterOn(Clock, d)
}

// AfterOn is After on an explicit clock.
func AfterOn(clk clock.Clock, d time.Duration) Deadline {
	if d < 0 {
		return Deadline{clk: clk, infinite: true}
	}
	return Deadline{clk: clk, at: clk.Now().Add(d)}
}

func (d Deadline) IsInfinite() bool { return d.infinite }

// Time returns the instant, zero for an infinite deadline.
func (d Deadline) Time() time.Time { return d.at }

// Remaining returns the time left and whether the deadline already passed.
// An infinite deadline returns Infinite, false.
func (d Deadline) Remaining() (time.Duration, bool) {
	if d.infinite {
		return Infinite, false
	}
	left := d.at.Sub(d.clk.Now())
	if left <= 0 {
		return 0, true
	}
	return left, false
}

func (d Deadline) Expired() bool {
	_, expired := d.Remaining()
	return expired
}

// Millis converts the remaining time for a millisecond based wait primitive:
// -1 for infinite, rounded up otherwise so a wait never ends early.
func (d Deadline) Millis() int {
	left, expired := d.Remaining()
	switch {
	case d.infinite:
		return -1
	case expired:
		return 0
	}
	ms := (left + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}

// Countdown is a budget consumed across the steps of one operation.
type Countdown struct {
	Deadline
	budget time.Duration
}

// NewCountdown starts a countdown of d; d < 0 never runs out.
func NewCountdown(d time.Duration) *Countdown {
	return NewCountdownOn(Clock, d)
}

func NewCountdownOn(clk clock.Clock, d time.Duration) *Countdown {
	return &Countdown{Deadline: AfterOn(clk, d), budget: d}
}

// Budget returns the duration the countdown started with.
func (c *Countdown) Budget() time.Duration { return c.budget }

// Elapsed returns how much of the budget has been consumed.
func (c *Countdown) Elapsed() time.Duration {
	if c.infinite {
		return 0
	}
	left, _ := c.Remaining()
	return c.budget - left
}

// Next returns the wait allowed for the next step, or ioerr.ErrTimeout once
// the budget is gone.
func (c *Countdown) Next() (time.Duration, error) {
	left, expired := c.Remaining()
	if expired {
		return 0, ioerr.ErrTimeout
	}
	return left, nil
}
