package engine

import (
	"github.com/samber/lo"

	"github.com/banshee-data/intersection.control/internal/config"
)

// Timing holds the phase duration parameters, all in seconds.
type Timing struct {
	MinGreen       int
	MaxGreen       int
	BaseGreen      int
	Yellow         int
	DefaultRed     int
	MaxOverride    int
	Scaling        float64
	InverseRed     bool
	DefaultLanes   int
	SmoothingSlots int
}

// TimingFromConfig reads the timing parameters out of cfg.
func TimingFromConfig(cfg *config.EngineConfig) Timing {
	return Timing{
		MinGreen:       cfg.GetMinGreenSec(),
		MaxGreen:       cfg.GetMaxGreenSec(),
		BaseGreen:      cfg.GetBaseGreenSec(),
		Yellow:         cfg.GetYellowSec(),
		DefaultRed:     cfg.GetDefaultRedSec(),
		MaxOverride:    cfg.GetMaxOverrideSec(),
		Scaling:        cfg.GetScalingFactor(),
		InverseRed:     cfg.GetRedPolicy() == config.RedPolicyInverse,
		DefaultLanes:   cfg.GetDefaultLanes(),
		SmoothingSlots: cfg.GetSmoothingWindow(),
	}
}

// DefaultTiming is TimingFromConfig over an empty config.
func DefaultTiming() Timing {
	return TimingFromConfig(config.EmptyEngineConfig())
}

// DensityRatio divides the smoothed count by the lane count, floored at one
// lane.
func DensityRatio(smoothed float64, lanes int) float64 {
	return smoothed / float64(max(1, lanes))
}

// GreenDuration maps a density ratio to a green time:
// clamp(base + ratio*scaling*base, min, max). It is non-decreasing in ratio.
func (t Timing) GreenDuration(ratio float64) int {
	base := float64(t.BaseGreen)
	scaled := base + ratio*t.Scaling*base
	return int(lo.Clamp(scaled, float64(t.MinGreen), float64(t.MaxGreen)))
}

// RedDuration is DefaultRed under the fixed policy. Under the inverse policy
// the saturation-capped ratio is inverted, so a busier approach waits less.
func (t Timing) RedDuration(ratio float64) int {
	if !t.InverseRed {
		return t.DefaultRed
	}
	return t.GreenDuration(1 - lo.Clamp(ratio, 0, 1))
}

// ClampOverride bounds an operator-requested duration to [1, MaxOverride].
func (t Timing) ClampOverride(sec int) int {
	return lo.Clamp(sec, 1, max(1, t.MaxOverride))
}
