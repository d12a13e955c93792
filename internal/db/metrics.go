package db

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/intersection.control/internal/engine"
)

// DefaultMetricsPeriod is the lookback used when a caller passes none.
const DefaultMetricsPeriod = 60 * time.Minute

// TrafficMetrics aggregates the detections of one intersection over a
// lookback period.
type TrafficMetrics struct {
	IntersectionID      string  `json:"intersection_id"`
	PeriodMinutes       int     `json:"period_minutes"`
	AvgVehicleCount     float64 `json:"avg_vehicle_count"`
	StdDevVehicleCount  float64 `json:"stddev_vehicle_count"`
	MaxVehicleCount     int     `json:"max_vehicle_count"`
	TotalDetections     int     `json:"total_detections"`
	AvgInferenceMs      float64 `json:"avg_inference_ms"`
	DominantVehicleType string  `json:"dominant_vehicle_type"`
	// CongestionLevel is the mean vehicle count over the lane capacity of
	// the approach, capped to [0, 1].
	CongestionLevel float64 `json:"congestion_level"`
}

// MetricsQuery selects the window and the saturation constants for
// IntersectionMetrics.
type MetricsQuery struct {
	IntersectionID string
	Period         time.Duration
	Now            time.Time
	// LaneCapacity is the per-lane vehicle count treated as saturated.
	LaneCapacity int
}

// MetricSample is the part of a stored detection the metrics aggregate.
type MetricSample struct {
	TotalVehicles   int
	VehicleCounts   map[string]int
	InferenceTimeMs float64
}

// IntersectionMetrics aggregates detections recorded in (Now-Period, Now].
// An intersection with no detections in the window yields zero values, not
// an error.
func (db *DB) IntersectionMetrics(ctx context.Context, q MetricsQuery) (TrafficMetrics, error) {
	q = q.withDefaults()

	lanes := defaultLanes
	err := db.QueryRowContext(ctx, `SELECT num_lanes FROM intersections WHERE intersection_id = ?`, q.IntersectionID).Scan(&lanes)
	if err != nil {
		return TrafficMetrics{}, notFound(err, "intersection "+q.IntersectionID)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT total_vehicles, vehicle_counts, inference_time_ms
		FROM detections
		WHERE intersection_id = ? AND timestamp > ? AND timestamp <= ?`,
		q.IntersectionID, unixSeconds(q.Since()), unixSeconds(q.Now))
	if err != nil {
		return TrafficMetrics{}, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()

	var samples []MetricSample
	for rows.Next() {
		var s MetricSample
		var counts string
		if err := rows.Scan(&s.TotalVehicles, &counts, &s.InferenceTimeMs); err != nil {
			return TrafficMetrics{}, fmt.Errorf("failed to scan detection: %w", err)
		}
		if err := json.Unmarshal([]byte(counts), &s.VehicleCounts); err != nil {
			return TrafficMetrics{}, fmt.Errorf("failed to decode vehicle_counts: %w", err)
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return TrafficMetrics{}, err
	}
	return Summarize(q, lanes, samples), nil
}

func (q MetricsQuery) withDefaults() MetricsQuery {
	if q.Period <= 0 {
		q.Period = DefaultMetricsPeriod
	}
	if q.Now.IsZero() {
		q.Now = time.Now()
	}
	return q
}

// Since is the exclusive lower bound of the window.
func (q MetricsQuery) Since() time.Time { return q.Now.Add(-q.Period) }

// Summarize folds the samples of one window into TrafficMetrics. Both
// stores share it so their numbers agree.
func Summarize(q MetricsQuery, lanes int, samples []MetricSample) TrafficMetrics {
	q = q.withDefaults()
	out := TrafficMetrics{
		IntersectionID:      q.IntersectionID,
		PeriodMinutes:       int(q.Period / time.Minute),
		DominantVehicleType: engine.DominantClass(nil),
	}
	if len(samples) == 0 {
		return out
	}

	totals := make([]float64, len(samples))
	inference := make([]float64, len(samples))
	classes := map[string]int{}
	for i, s := range samples {
		totals[i] = float64(s.TotalVehicles)
		inference[i] = s.InferenceTimeMs
		out.MaxVehicleCount = max(out.MaxVehicleCount, s.TotalVehicles)
		for class, n := range s.VehicleCounts {
			classes[class] += n
		}
	}

	mean, std := stat.MeanStdDev(totals, nil)
	if len(totals) < 2 {
		std = 0
	}
	out.TotalDetections = len(samples)
	out.AvgVehicleCount = round(mean, 1)
	out.StdDevVehicleCount = round(std, 2)
	out.AvgInferenceMs = round(stat.Mean(inference, nil), 2)
	out.DominantVehicleType = engine.DominantClass(lo.PickBy(classes, func(_ string, n int) bool { return n > 0 }))

	if capacity := q.LaneCapacity * numLanes(lanes); capacity > 0 {
		out.CongestionLevel = round(lo.Clamp(mean/float64(capacity), 0, 1), 3)
	}
	return out
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
