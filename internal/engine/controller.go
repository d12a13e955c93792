package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Controller is the phase state machine of one intersection. Observations only
// refresh the cached density; phase changes happen on timer expiry, on an
// override, or on (de)activation. It is not safe for concurrent use.
type Controller struct {
	id     string
	lanes  int
	timing Timing
	active bool

	state State

	smoothed float64
	ratio    float64
	green    int
	dominant string

	last *Command
}

// NewController creates a controller in RED at now and returns the initial
// command announcing it.
func NewController(id string, lanes int, timing Timing, now time.Time) (*Controller, *Command) {
	c := &Controller{
		id:       id,
		lanes:    max(1, lanes),
		timing:   timing,
		active:   true,
		dominant: DominantClass(nil),
	}
	c.green = timing.GreenDuration(0)
	return c, c.enter(PhaseRed, timing.DefaultRed, now, false, "")
}

// State returns a copy of the current controller state.
func (c *Controller) State() State {
	s := c.state
	if s.Override != nil {
		o := *s.Override
		s.Override = &o
	}
	return s
}

// Active reports whether automatic control is enabled.
func (c *Controller) Active() bool { return c.active }

// Lanes returns the lane count used for the density ratio.
func (c *Controller) Lanes() int { return c.lanes }

// SetLanes corrects the lane count and recomputes the cached ratio.
func (c *Controller) SetLanes(lanes int) {
	c.lanes = max(1, lanes)
	c.refresh()
}

// Observe caches the latest smoothed density and dominant class. It never
// transitions and never emits.
func (c *Controller) Observe(smoothed float64, counts map[string]int) {
	c.smoothed = smoothed
	c.dominant = DominantClass(counts)
	c.refresh()
}

func (c *Controller) refresh() {
	c.ratio = DensityRatio(c.smoothed, c.lanes)
	c.green = c.timing.GreenDuration(c.ratio)
}

// Density returns the cached smoothed count, ratio, green candidate and
// dominant class.
func (c *Controller) Density() (smoothed, ratio float64, green int, dominant string) {
	return c.smoothed, c.ratio, c.green, c.dominant
}

// Deadline reports when the current phase or override ends. FLASHING_RED
// without an override has no deadline.
func (c *Controller) Deadline() (time.Time, bool) {
	if o := c.state.Override; o != nil {
		return o.Expiry, true
	}
	if c.state.Phase == PhaseFlashingRed {
		return time.Time{}, false
	}
	return c.state.EnteredAt.Add(time.Duration(c.state.DurationSec) * time.Second), true
}

// Expire handles the phase timer firing at now.
func (c *Controller) Expire(now time.Time) *Command {
	if o := c.state.Override; o != nil {
		c.state.Override = nil
		switch {
		case !c.active:
			return c.enter(PhaseFlashingRed, 0, now, false, "")
		case o.Phase == PhaseGreen:
			return c.enter(PhaseYellow, c.timing.Yellow, now, false, "")
		default:
			return c.enter(PhaseRed, c.timing.RedDuration(c.ratio), now, false, "")
		}
	}
	if !c.active {
		return nil
	}
	switch c.state.Phase {
	case PhaseGreen:
		return c.enter(PhaseYellow, c.timing.Yellow, now, false, "")
	case PhaseYellow:
		return c.enter(PhaseRed, c.timing.RedDuration(c.ratio), now, false, "")
	default:
		return c.enter(PhaseGreen, c.green, now, false, "")
	}
}

// Override forces phase for sec seconds, replacing any running phase or
// earlier override. It always emits.
func (c *Controller) Override(phase Phase, sec int, now time.Time) *Command {
	c.state.Override = &Override{
		Phase:       phase,
		DurationSec: sec,
		Expiry:      now.Add(time.Duration(sec) * time.Second),
	}
	reason := fmt.Sprintf("Manual override to %s for %ds.", phase, sec)
	return c.enter(phase, sec, now, true, reason)
}

// Suspend disables automatic control and holds FLASHING_RED. Any running
// override is cancelled.
func (c *Controller) Suspend(now time.Time) *Command {
	c.active = false
	c.state.Override = nil
	return c.enter(PhaseFlashingRed, 0, now, false, "Intersection deactivated. Holding FLASHING_RED.")
}

// Resume re-enables automatic control from a fresh RED. It is a no-op when
// already active.
func (c *Controller) Resume(now time.Time) *Command {
	if c.active {
		return nil
	}
	c.active = true
	c.state.Override = nil
	return c.enter(PhaseRed, c.timing.RedDuration(c.ratio), now, false, "")
}

// enter installs the new phase and returns the command describing it, or nil
// when an automatic decision repeats the previous command's phase and
// duration.
func (c *Controller) enter(phase Phase, sec int, now time.Time, override bool, reason string) *Command {
	c.state.Phase = phase
	c.state.EnteredAt = now
	c.state.DurationSec = sec

	if !override && c.last != nil && c.last.Phase == phase && c.last.DurationSec == sec {
		return nil
	}
	if reason == "" {
		reason = fmt.Sprintf("Phase changed to %s. Density: %.1f%% (%.0f vehicles avg). Dominant type: %s.",
			phase, c.ratio*100, c.smoothed, c.dominant)
	}
	cmd := &Command{
		ID:             uuid.NewString(),
		IntersectionID: c.id,
		Timestamp:      now,
		Phase:          phase,
		DurationSec:    sec,
		Reason:         reason,
		DensityRatio:   c.ratio,
		SmoothedCount:  c.smoothed,
		IsOverride:     override,
	}
	c.last = cmd
	return cmd
}
