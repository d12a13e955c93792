package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/intersection.control/internal/config"
)

func inverseTiming() Timing {
	cfg := config.EmptyEngineConfig()
	policy := config.RedPolicyInverse
	cfg.RedPolicy = &policy
	return TimingFromConfig(cfg)
}

func TestNewController_InitialRed(t *testing.T) {
	c, cmd := NewController("INT-001", 4, DefaultTiming(), epoch)
	require.NotNil(t, cmd)

	assert.Equal(t, PhaseRed, cmd.Phase)
	assert.Equal(t, 30, cmd.DurationSec)
	assert.False(t, cmd.IsOverride)
	assert.Equal(t, "INT-001", cmd.IntersectionID)
	assert.NotEmpty(t, cmd.ID)
	assert.Equal(t, "Phase changed to RED. Density: 0.0% (0 vehicles avg). Dominant type: N/A.", cmd.Reason)

	st := c.State()
	assert.Equal(t, PhaseRed, st.Phase)
	assert.Equal(t, epoch, st.EnteredAt)
	assert.Nil(t, st.Override)
	assert.True(t, c.Active())
}

func TestController_ObserveNeverEmits(t *testing.T) {
	c, _ := NewController("A", 4, DefaultTiming(), epoch)
	before := c.State()

	c.Observe(15, map[string]int{"car": 10, "bus": 5})

	assert.Equal(t, before, c.State(), "observations do not change phase")
	smoothed, ratio, green, dominant := c.Density()
	assert.Equal(t, 15.0, smoothed)
	assert.Equal(t, 3.75, ratio)
	assert.Equal(t, 90, green)
	assert.Equal(t, "car", dominant)
}

func TestController_Cycle(t *testing.T) {
	c, _ := NewController("A", 4, DefaultTiming(), epoch)
	c.Observe(15, map[string]int{"car": 15})

	now := epoch.Add(30 * time.Second)
	green := c.Expire(now)
	require.NotNil(t, green)
	assert.Equal(t, PhaseGreen, green.Phase)
	assert.Equal(t, 90, green.DurationSec)
	assert.Equal(t, "Phase changed to GREEN. Density: 375.0% (15 vehicles avg). Dominant type: car.", green.Reason)
	assert.Equal(t, 15.0, green.SmoothedCount)
	assert.Equal(t, 3.75, green.DensityRatio)

	now = now.Add(90 * time.Second)
	yellow := c.Expire(now)
	require.NotNil(t, yellow)
	assert.Equal(t, PhaseYellow, yellow.Phase)
	assert.Equal(t, 5, yellow.DurationSec)

	now = now.Add(5 * time.Second)
	red := c.Expire(now)
	require.NotNil(t, red)
	assert.Equal(t, PhaseRed, red.Phase)
	assert.Equal(t, 30, red.DurationSec)

	deadline, ok := c.Deadline()
	require.True(t, ok)
	assert.Equal(t, now.Add(30*time.Second), deadline)
}

func TestController_IdempotentAutomaticCommands(t *testing.T) {
	c, _ := NewController("A", 4, DefaultTiming(), epoch)

	// An override always emits, even when it repeats the current phase.
	cmd := c.Override(PhaseRed, 30, epoch)
	require.NotNil(t, cmd)
	assert.True(t, cmd.IsOverride)

	// The automatic RED that follows is identical to the override command.
	next := epoch.Add(30 * time.Second)
	assert.Nil(t, c.Expire(next))
	st := c.State()
	assert.Equal(t, PhaseRed, st.Phase)
	assert.Equal(t, next, st.EnteredAt, "state still advances")
	assert.Nil(t, st.Override)

	require.NotNil(t, c.Suspend(next))
	assert.Nil(t, c.Suspend(next), "second suspend repeats FLASHING_RED")
}

func TestController_OverridePrecedence(t *testing.T) {
	c, _ := NewController("A", 4, DefaultTiming(), epoch)

	now := epoch.Add(10 * time.Second)
	cmd := c.Override(PhaseGreen, 60, now)
	require.NotNil(t, cmd)
	assert.Equal(t, PhaseGreen, cmd.Phase)
	assert.Equal(t, 60, cmd.DurationSec)
	assert.True(t, cmd.IsOverride)
	assert.Equal(t, "Manual override to GREEN for 60s.", cmd.Reason)

	c.Observe(20, map[string]int{"truck": 20})
	st := c.State()
	assert.Equal(t, PhaseGreen, st.Phase)
	require.NotNil(t, st.Override)
	assert.Equal(t, now.Add(60*time.Second), st.Override.Expiry)

	deadline, ok := c.Deadline()
	require.True(t, ok)
	assert.Equal(t, st.Override.Expiry, deadline)

	after := c.Expire(deadline)
	require.NotNil(t, after)
	assert.Equal(t, PhaseYellow, after.Phase, "a forced GREEN is cleared through YELLOW")
	assert.False(t, after.IsOverride)
	assert.Nil(t, c.State().Override)
}

func TestController_OverrideReplacesOverride(t *testing.T) {
	c, _ := NewController("A", 4, DefaultTiming(), epoch)
	c.Override(PhaseGreen, 60, epoch)
	second := c.Override(PhaseRed, 20, epoch.Add(5*time.Second))
	require.NotNil(t, second)

	st := c.State()
	require.NotNil(t, st.Override)
	assert.Equal(t, PhaseRed, st.Override.Phase)
	assert.Equal(t, epoch.Add(25*time.Second), st.Override.Expiry)
}

func TestController_OverrideExpiryUsesLiveDensity(t *testing.T) {
	c, _ := NewController("A", 4, inverseTiming(), epoch)
	c.Override(PhaseRed, 10, epoch)

	// Density changes while the override holds.
	c.Observe(2, map[string]int{"car": 2})

	cmd := c.Expire(epoch.Add(10 * time.Second))
	require.NotNil(t, cmd)
	assert.Equal(t, PhaseRed, cmd.Phase)
	assert.Equal(t, 67, cmd.DurationSec, "inverse red at ratio 0.5")
	assert.Equal(t, 0.5, cmd.DensityRatio)
}

func TestController_SuspendResume(t *testing.T) {
	c, _ := NewController("A", 4, DefaultTiming(), epoch)
	c.Override(PhaseGreen, 60, epoch)

	cmd := c.Suspend(epoch.Add(time.Second))
	require.NotNil(t, cmd)
	assert.Equal(t, PhaseFlashingRed, cmd.Phase)
	assert.Equal(t, 0, cmd.DurationSec)
	assert.Equal(t, "Intersection deactivated. Holding FLASHING_RED.", cmd.Reason)
	assert.False(t, c.Active())
	assert.Nil(t, c.State().Override, "suspend cancels the override")

	_, ok := c.Deadline()
	assert.False(t, ok, "FLASHING_RED holds indefinitely")
	assert.Nil(t, c.Expire(epoch.Add(time.Hour)))

	resumed := c.Resume(epoch.Add(2 * time.Second))
	require.NotNil(t, resumed)
	assert.Equal(t, PhaseRed, resumed.Phase)
	assert.Equal(t, 30, resumed.DurationSec)
	assert.True(t, c.Active())
	assert.Nil(t, c.Resume(epoch.Add(3*time.Second)), "already active")
}

func TestController_OverrideWhileSuspended(t *testing.T) {
	c, _ := NewController("A", 4, DefaultTiming(), epoch)
	c.Suspend(epoch)

	cmd := c.Override(PhaseGreen, 20, epoch)
	require.NotNil(t, cmd)
	assert.Equal(t, PhaseGreen, cmd.Phase)

	back := c.Expire(epoch.Add(20 * time.Second))
	require.NotNil(t, back)
	assert.Equal(t, PhaseFlashingRed, back.Phase)
	assert.False(t, c.Active())
}

func TestController_SetLanes(t *testing.T) {
	c, _ := NewController("A", 4, DefaultTiming(), epoch)
	c.Observe(8, nil)
	_, ratio, _, dominant := c.Density()
	assert.Equal(t, 2.0, ratio)
	assert.Equal(t, "N/A", dominant)

	c.SetLanes(8)
	_, ratio, _, _ = c.Density()
	assert.Equal(t, 1.0, ratio)

	c.SetLanes(0)
	assert.Equal(t, 1, c.Lanes())
}

func TestDominantClass(t *testing.T) {
	assert.Equal(t, "N/A", DominantClass(nil))
	assert.Equal(t, "bus", DominantClass(map[string]int{"bus": 3, "car": 2}))
	assert.Equal(t, "bus", DominantClass(map[string]int{"car": 3, "bus": 3}), "ties break alphabetically")
	assert.Equal(t, "bicycle", DominantClass(map[string]int{"bicycle": 0}))
}

func TestParsePhase(t *testing.T) {
	p, err := ParsePhase(" green ")
	require.NoError(t, err)
	assert.Equal(t, PhaseGreen, p)

	p, err = ParsePhase("FLASHING_RED")
	require.NoError(t, err)
	assert.Equal(t, PhaseFlashingRed, p)

	_, err = ParsePhase("BLUE")
	assert.ErrorIs(t, err, ErrInvalidPhase)
}

func TestCommandActuation(t *testing.T) {
	cmd := Command{
		IntersectionID: "INT-001",
		Timestamp:      time.Unix(1700000000, 500000000),
		Phase:          PhaseGreen,
		DurationSec:    72,
		Reason:         "r",
		DensityRatio:   0.123456,
		SmoothedCount:  4.96,
	}
	msg := cmd.Actuation(5)
	assert.Equal(t, 72, msg.GreenDurationSec)
	assert.Equal(t, 5, msg.YellowDurationSec)
	assert.Equal(t, 0.123, msg.DensityRatio)
	assert.Equal(t, 5.0, msg.SmoothedCount)
	assert.InDelta(t, 1700000000.5, msg.Timestamp, 1e-6)
}

func TestObservationTime(t *testing.T) {
	obs := Observation{Timestamp: 1700000000.25}
	assert.Equal(t, time.Unix(1700000000, 250000000).UTC(), obs.Time())
}
