// Package engine is the traffic control core: per-intersection density
// smoothing, the phase state machine with override arbitration, and the
// ingestion and dispatch pipeline around them.
package engine

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

var (
	// ErrUnknownIntersection is returned when an operation names an
	// intersection the registry has never seen.
	ErrUnknownIntersection = errors.New("unknown intersection")
	// ErrInvalidPhase is returned by ParsePhase for unrecognised names.
	ErrInvalidPhase = errors.New("invalid phase")
)

// Phase is a traffic light state.
type Phase string

const (
	PhaseRed         Phase = "RED"
	PhaseYellow      Phase = "YELLOW"
	PhaseGreen       Phase = "GREEN"
	PhaseFlashingRed Phase = "FLASHING_RED"
)

// Phases lists every phase in display order.
func Phases() []Phase {
	return []Phase{PhaseRed, PhaseYellow, PhaseGreen, PhaseFlashingRed}
}

// ParsePhase accepts a phase name in any case.
func ParsePhase(s string) (Phase, error) {
	switch p := Phase(strings.ToUpper(strings.TrimSpace(s))); p {
	case PhaseRed, PhaseYellow, PhaseGreen, PhaseFlashingRed:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPhase, s)
}

// BBox is a detection bounding box in pixel coordinates.
type BBox struct {
	X1 int `json:"x1" bson:"x1"`
	Y1 int `json:"y1" bson:"y1"`
	X2 int `json:"x2" bson:"x2"`
	Y2 int `json:"y2" bson:"y2"`
}

// Detection is one classified object in a camera frame.
type Detection struct {
	Class      string  `json:"class" bson:"class"`
	Confidence float64 `json:"confidence" bson:"confidence"`
	BBox       BBox    `json:"bbox" bson:"bbox"`
}

// Observation is one density reading published by an edge gateway.
type Observation struct {
	Timestamp       float64        `json:"timestamp" bson:"timestamp"`
	IntersectionID  string         `json:"intersection_id" bson:"intersection_id"`
	TotalVehicles   int            `json:"total_vehicles" bson:"total_vehicles"`
	VehicleCounts   map[string]int `json:"vehicle_counts" bson:"vehicle_counts"`
	Detections      []Detection    `json:"detections" bson:"detections"`
	InferenceTimeMs float64        `json:"inference_time_ms" bson:"inference_time_ms"`
	FrameNumber     int64          `json:"frame_number" bson:"frame_number"`
}

// Time converts the epoch-seconds capture timestamp.
func (o Observation) Time() time.Time {
	sec, frac := math.Modf(o.Timestamp)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// DominantClass returns the vehicle class with the highest count, breaking
// ties alphabetically, or "N/A" when no counts were reported.
func DominantClass(counts map[string]int) string {
	if len(counts) == 0 {
		return "N/A"
	}
	classes := make([]string, 0, len(counts))
	for class := range counts {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	best := classes[0]
	for _, class := range classes[1:] {
		if counts[class] > counts[best] {
			best = class
		}
	}
	return best
}

// Command is one control decision. Commands are never mutated after the
// controller emits them.
type Command struct {
	ID             string    `json:"id" bson:"command_id"`
	IntersectionID string    `json:"intersection_id" bson:"intersection_id"`
	Timestamp      time.Time `json:"timestamp" bson:"timestamp"`
	Phase          Phase     `json:"phase" bson:"phase"`
	DurationSec    int       `json:"duration_sec" bson:"duration_sec"`
	Reason         string    `json:"reason" bson:"reason"`
	DensityRatio   float64   `json:"density_ratio" bson:"density_ratio"`
	SmoothedCount  float64   `json:"smoothed_count" bson:"smoothed_count"`
	IsOverride     bool      `json:"is_override" bson:"is_override"`
}

// ActuationMessage is the outbound wire form of a command as published to
// the commands topic and the signal cabinet.
type ActuationMessage struct {
	IntersectionID    string  `json:"intersection_id"`
	Phase             Phase   `json:"phase"`
	GreenDurationSec  int     `json:"green_duration_sec"`
	YellowDurationSec int     `json:"yellow_duration_sec"`
	DensityRatio      float64 `json:"density_ratio"`
	Reason            string  `json:"reason"`
	SmoothedCount     float64 `json:"smoothed_count"`
	IsOverride        bool    `json:"is_override"`
	Timestamp         float64 `json:"timestamp"`
}

// Actuation builds the outbound message. The commanded duration travels in
// green_duration_sec whatever the phase.
func (c Command) Actuation(yellowSec int) ActuationMessage {
	return ActuationMessage{
		IntersectionID:    c.IntersectionID,
		Phase:             c.Phase,
		GreenDurationSec:  c.DurationSec,
		YellowDurationSec: yellowSec,
		DensityRatio:      math.Round(c.DensityRatio*1000) / 1000,
		Reason:            c.Reason,
		SmoothedCount:     math.Round(c.SmoothedCount*10) / 10,
		IsOverride:        c.IsOverride,
		Timestamp:         float64(c.Timestamp.UnixNano()) / 1e9,
	}
}

// Intersection is the slow-changing descriptor of a signalised junction.
type Intersection struct {
	IntersectionID string  `json:"intersection_id" bson:"intersection_id"`
	Name           string  `json:"name" bson:"name"`
	Latitude       float64 `json:"latitude" bson:"latitude"`
	Longitude      float64 `json:"longitude" bson:"longitude"`
	NumLanes       int     `json:"num_lanes" bson:"num_lanes"`
	IsActive       bool    `json:"is_active" bson:"is_active"`
}

// Override is an operator-forced phase that suppresses automatic control
// until Expiry.
type Override struct {
	Phase       Phase     `json:"phase"`
	DurationSec int       `json:"duration_sec"`
	Expiry      time.Time `json:"expiry"`
}

// State is the controller state of one intersection.
type State struct {
	Phase       Phase     `json:"phase"`
	EnteredAt   time.Time `json:"entered_at"`
	DurationSec int       `json:"duration_sec"`
	Override    *Override `json:"override,omitempty"`
}

// Status is a point-in-time copy of everything the engine knows about one
// intersection.
type Status struct {
	Intersection
	State
	SmoothedCount  float64 `json:"smoothed_count"`
	DensityRatio   float64 `json:"density_ratio"`
	GreenCandidate int     `json:"green_candidate_sec"`
	DominantClass  string  `json:"dominant_class"`
	Window         []int   `json:"window"`
	RemainingSec   float64 `json:"remaining_sec"`
}
